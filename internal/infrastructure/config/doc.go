// Package config handles loading and validating the mesh hub configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with GRAYMESH_* environment variables
//   - Driver instance defaults (timing, network size, group slots)
//   - Validation of required fields, collected into one error
//
// Security Considerations:
//   - Sensitive values (passwords, tokens) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//   - The JWT secret signs editor tokens and must be at least 32 characters
//
// Usage:
//
//	cfg, err := config.Load(config.Path())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, d := range cfg.Drivers {
//	    fmt.Println(d.ID, d.Connection)
//	}
package config
