// Package api implements the HTTP and WebSocket surface of the Tableside auth
// service.
//
// This package provides:
//   - Login endpoints for passwords, PINs, stations and demo principals
//   - The AuthMiddleware pipeline in strict, optional and WebSocket variants
//   - Station management and bulk revocation
//   - A WebSocket hub pushing auth events to each restaurant's clients
//   - Middleware stack (request ID, logging, metrics, recovery, CORS, throttle)
//
// # Pipeline
//
// Every protected route runs the same chain, in order: the failure window of
// its rate-limit class, token validation, tenant resolution, scope check,
// and on high-value routes the revocation list. Each stage ends the request
// on failure; only the optional variant degrades to an anonymous principal.
//
// # Error responses
//
// Errors share one envelope, {"error":{"code":"...","message":"..."}}.
// Credential failures carry "invalid credentials" or "account temporarily
// locked" and nothing more; tenant and scope failures carry "access denied".
// The cause is logged.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
