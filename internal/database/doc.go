// Package database opens the PostgreSQL pool used by the device event
// archive.
package database
