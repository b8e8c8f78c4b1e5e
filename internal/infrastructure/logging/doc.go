// Package logging provides structured logging for the Tableside auth service.
//
// This package wraps Go's standard log/slog package so that every component
// logs with the same handler, level and default fields (service, version).
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Credential hygiene
//
// PINs, passwords, raw bearer tokens, peppers and signing secrets are never
// passed to the logger. Internal failure causes (locked, device_mismatch,
// revoked) are logged under the "reason" key.
package logging
