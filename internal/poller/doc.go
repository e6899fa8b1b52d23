// Package poller keeps the device list in the shared store in sync with the
// REST API.
//
// The live channel only patches devices the store already knows, so the list
// itself comes from here: once at startup, then on a fixed interval.
package poller
