package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a livelinkd instance.
type Config struct {
	Instance   InstanceConfig   `yaml:"instance"`
	API        APIConfig        `yaml:"api"`
	Auth       AuthConfig       `yaml:"auth"`
	Connection ConnectionConfig `yaml:"connection"`
	Sync       SyncConfig       `yaml:"sync"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Status     StatusConfig     `yaml:"status"`
	Log        LogConfig        `yaml:"log"`
}

// InstanceConfig identifies this client.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds backend endpoint settings.
type APIConfig struct {
	RestURL     string        `yaml:"rest_url"`
	WSURL       string        `yaml:"ws_url"`
	DevicesPath string        `yaml:"devices_path"` // Real-time endpoint path
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

// AuthConfig holds token storage and refresh settings.
type AuthConfig struct {
	StorePath          string        `yaml:"store_path"`    // SQLite file; empty keeps tokens in memory
	AccessToken        string        `yaml:"access_token"`  // Optional bootstrap token, usually ${VAR}
	RefreshToken       string        `yaml:"refresh_token"` // Optional bootstrap refresh credential
	RefreshAhead       time.Duration `yaml:"refresh_ahead"`
	RefreshWaitTimeout time.Duration `yaml:"refresh_wait_timeout"`
}

// ConnectionConfig holds real-time connection settings.
type ConnectionConfig struct {
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	JitterFactor         float64       `yaml:"jitter_factor"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	AuthRetryDelay       time.Duration `yaml:"auth_retry_delay"`
	ResumeThrottle       time.Duration `yaml:"resume_throttle"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
}

// SyncConfig holds device list sync settings.
type SyncConfig struct {
	Interval time.Duration `yaml:"interval"` // 0 disables periodic sync
	Timeout  time.Duration `yaml:"timeout"`
}

// ArchiveConfig holds the optional device event archive.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// StatusConfig holds the local status API settings.
type StatusConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Parse decodes YAML config. ${VAR} references are expanded from the
// environment before decoding, and keys that match no field are rejected.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	return &cfg, nil
}

// Load reads and parses the config file at path as written, without defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// LoadWithDefaults is Load followed by ApplyDefaults.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// LoadAndValidate is LoadWithDefaults followed by Validate.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}
