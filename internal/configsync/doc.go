// Package configsync lets remote editors change a network's configuration
// with optimistic concurrency.
//
// An editor downloads a snapshot and its serial, edits offline and submits
// the edits with the serial it started from. The Service applies them only
// when the live serial still matches; otherwise the result is a conflict and
// the editor downloads again. Every edit is validated before anything is
// written, so a rejected submit leaves device and configuration untouched.
//
// A Session receives change notifications for one editor. While a
// structural operation (inclusion, exclusion, reset) runs, notifications
// are held back and released in order when it ends.
package configsync
