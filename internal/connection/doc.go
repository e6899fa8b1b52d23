// Package connection maintains the authenticated real-time channel to the
// lockbox backend.
//
// It has two layers:
//   - Client is the transport. It owns one WebSocket at a time, dispatches
//     parsed messages to per-type handlers and reports unexpected closes.
//   - Manager is the orchestrator. It resolves a valid token, opens the
//     device channel through the Client, reconnects with capped exponential
//     backoff and jitter, retries an auth rejection exactly once, and
//     reconnects when the app returns to the foreground.
//
// The Manager is the only retry authority when the two are used together.
// A Client only retries on its own when configured as Standalone.
package connection
