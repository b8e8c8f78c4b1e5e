// Package config handles loading and validating the Tableside auth service configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with TABLESIDE_* environment variables
//   - Validation of required fields and secret hygiene
//   - Default value handling
//
// Security Considerations:
//   - Token secrets, PIN peppers and the fingerprint salt should be set via environment variables
//   - Each authentication method signs with its own secret; Validate rejects reused secrets
//   - Production mode refuses anonymous WebSocket connections and demo logins
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Service.Environment)
package config
