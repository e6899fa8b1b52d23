// Package model defines shared data types used across livelink.
//
// Conventions:
//   - JSON field names follow the REST API (camelCase); live update payloads
//     use snake_case and are decoded into DevicePatch by the router.
//   - Timestamps are time.Time in UTC.
//   - Devices are values: every change produces a new Device, never an in-place edit.
package model
