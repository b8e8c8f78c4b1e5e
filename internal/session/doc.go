// Package session keeps a client's session fresh.
//
// A Coordinator holds one session and refreshes it shortly before it
// expires. Refreshes are single-flight: concurrent callers share one network
// call and observe the same result. A failed refresh logs the session out
// without retrying. Logout clears local state first and then gives remote
// revocation a bounded amount of time.
//
// Every state change goes through one locked reducer, so a push event and a
// local refresh can never interleave a read with a stale write.
package session
