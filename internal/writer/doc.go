// Package writer archives applied device updates to PostgreSQL.
//
// The EventWriter drains the router's event queue in batches and inserts one
// row per event into device_events. Writes are append-only and keyed by the
// event id, so replays after a failed flush never duplicate rows.
package writer
