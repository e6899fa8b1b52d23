// Package session exposes the real-time connection to the UI layer.
//
// Live is created once at the application root and turns the connection on
// and off as the user signs in and out. DeviceWatch is a per-device view over
// the shared store and opens no connection of its own.
package session
