// Package identity is the password identity provider behind POST /auth/login,
// /auth/refresh and /auth/logout.
//
// Two drivers implement Provider:
//   - LocalProvider keeps users and rotating refresh tokens in SQLite and
//     signs password access tokens with the auth Issuer
//   - RemoteProvider talks to a GoTrue-compatible service over HTTP
//
// Both report bad credentials as auth.ErrInvalidCredential so the HTTP layer
// can map them to the same public message as PIN failures.
package identity
