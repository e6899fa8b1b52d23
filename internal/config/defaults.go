package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultRestURL              = "https://api.lockerlink.io/v1"
	DefaultWSURL                = "wss://api.lockerlink.io"
	DefaultDevicesPath          = "/ws/user/devices"
	DefaultAPITimeout           = 15 * time.Second
	DefaultMaxRetries           = 3
	DefaultRefreshAhead         = 5 * time.Minute
	DefaultRefreshWaitTimeout   = 5 * time.Second
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultJitterFactor         = 0.2
	DefaultMaxReconnectAttempts = 10
	DefaultAuthRetryDelay       = 1 * time.Second
	DefaultResumeThrottle       = 2 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultPingInterval         = 25 * time.Second
	DefaultPingTimeout          = 60 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultSyncTimeout          = 10 * time.Second
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 4
	DefaultMinConns             = 1
	DefaultArchiveBatchSize     = 200
	DefaultArchiveFlushInterval = 2 * time.Second
	DefaultArchiveBufferSize    = 1000
	DefaultStatusHost           = "127.0.0.1"
	DefaultStatusPort           = 8787
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
)

// ApplyDefaults fills zero-valued optional fields.
func (c *Config) ApplyDefaults() {
	// API defaults
	if c.API.RestURL == "" {
		c.API.RestURL = DefaultRestURL
	}
	if c.API.WSURL == "" {
		c.API.WSURL = DefaultWSURL
	}
	if c.API.DevicesPath == "" {
		c.API.DevicesPath = DefaultDevicesPath
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}

	// Auth defaults
	if c.Auth.RefreshAhead == 0 {
		c.Auth.RefreshAhead = DefaultRefreshAhead
	}
	if c.Auth.RefreshWaitTimeout == 0 {
		c.Auth.RefreshWaitTimeout = DefaultRefreshWaitTimeout
	}

	// Connection defaults
	conn := &c.Connection
	if conn.ReconnectBaseDelay == 0 {
		conn.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if conn.ReconnectMaxDelay == 0 {
		conn.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if conn.JitterFactor == 0 {
		conn.JitterFactor = DefaultJitterFactor
	}
	if conn.MaxReconnectAttempts == 0 {
		conn.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if conn.AuthRetryDelay == 0 {
		conn.AuthRetryDelay = DefaultAuthRetryDelay
	}
	if conn.ResumeThrottle == 0 {
		conn.ResumeThrottle = DefaultResumeThrottle
	}
	if conn.HandshakeTimeout == 0 {
		conn.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if conn.PingInterval == 0 {
		conn.PingInterval = DefaultPingInterval
	}
	if conn.PingTimeout == 0 {
		conn.PingTimeout = DefaultPingTimeout
	}
	if conn.WriteTimeout == 0 {
		conn.WriteTimeout = DefaultWriteTimeout
	}

	// Sync defaults
	if c.Sync.Timeout == 0 {
		c.Sync.Timeout = DefaultSyncTimeout
	}

	// Archive defaults
	applyDBDefaults(&c.Archive.Database)
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = DefaultArchiveBatchSize
	}
	if c.Archive.FlushInterval == 0 {
		c.Archive.FlushInterval = DefaultArchiveFlushInterval
	}
	if c.Archive.BufferSize == 0 {
		c.Archive.BufferSize = DefaultArchiveBufferSize
	}

	// Status + logging
	if c.Status.Host == "" {
		c.Status.Host = DefaultStatusHost
	}
	if c.Status.Port == 0 {
		c.Status.Port = DefaultStatusPort
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
