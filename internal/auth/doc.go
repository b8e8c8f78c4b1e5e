// Package auth is the authentication and authorisation core of the Tableside
// restaurant platform.
//
// It serves three principal kinds that share one request pipeline:
//   - password principals (owners, managers, staff) whose sessions come from an identity provider
//   - PIN principals (floor staff) verified against peppered, salted Argon2id hashes
//   - station principals (kitchen and expo displays) bound to a device fingerprint
//
// The pieces compose leaf-first: CredentialVerifier and DeviceBinding check
// credentials, Issuer and Validator sign and verify bearer tokens with one
// secret per method, RestaurantAccessResolver pins the request to a tenant and
// checks membership, and ScopeResolver answers any-of scope checks against a
// static role table.
//
// Failures are reported with the sentinel errors in errors.go. The HTTP layer
// turns them into one of three public messages; the internal cause is only
// ever logged.
package auth
