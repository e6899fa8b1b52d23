// Package auth owns the access token lifecycle for the real-time core.
//
// Tokens live in a TokenStore under the keys "auth_token" and
// "refresh_token". Manager.ValidToken returns the stored access token while
// it has at least RefreshAhead of lifetime left and otherwise refreshes it
// through the REST API. Concurrent callers share a single refresh.
package auth
