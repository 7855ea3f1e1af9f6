// Package catalog provides the Device Info Catalog: device templates keyed by
// product signature (vendor id, product type, product id).
//
// A template lists the capabilities a product is expected to declare, its
// association groups and the byte width and range of each configuration
// parameter. Templates are YAML files named "<vvvv>-<tttt>-<pppp>.yaml":
//
//	signature: "010f:0800:1001"
//	name: Motion Sensor
//	capabilities:
//	  - {id: 0x31, version: 5}
//	  - {id: 0x84, version: 2}
//	groups:
//	  - {id: 1, label: Lifeline, max_nodes: 1}
//	parameters:
//	  - {number: 4, width: 2, label: Motion timeout, min: 1, max: 3600, default: 30}
//
// The process-wide catalog (Default / Configure) lives for the process
// lifetime. Templates can change on disk, so cached entries can be dropped
// with Invalidate or Purge.
package catalog
