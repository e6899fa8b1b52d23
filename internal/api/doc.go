// Package api provides the REST client for the lockbox backend.
//
// Only the calls the real-time core depends on live here:
//   - POST /auth/refresh  exchange a refresh credential for a new access token
//   - GET  /devices       list the current user's devices
//
// Every response uses the {"success", "data", "error"} envelope.
package api
