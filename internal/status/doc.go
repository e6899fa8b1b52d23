// Package status serves a small local HTTP API for inspecting the live
// connection and driving it from a shell or test harness.
//
// Routes:
//   - GET  /health            connection health (503 while live updates are enabled but down)
//   - GET  /status            manager and transport status plus component stats
//   - GET  /devices           device list and current selection
//   - GET  /devices/:id       one device with its live view
//   - POST /devices/:id/select  make a device the selection
//   - POST /session           {"enabled": bool} turns live updates on or off
//   - POST /lifecycle/:state  report an app state transition
package status
