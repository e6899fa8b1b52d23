// Package router applies messages from the live device channel to the shared
// device store.
//
// device_update and user_update messages patch the named device. connection
// messages are liveness acknowledgements and are only logged. Everything
// else is ignored. When event recording is enabled each applied update is
// also queued for the archive writer. Payloads are checked against a JSON
// schema before they are decoded.
package router
