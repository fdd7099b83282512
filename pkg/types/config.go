package types

import (
	"errors"
	"time"
)

// Config holds backend selection and the sync engine parameters. It is read
// from config.yaml by the CLI and passed to CacheStore.Attach and the engine.
type Config struct {
	Backend string `json:"backend" yaml:"backend" mapstructure:"backend"`
	DataDir string `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`

	// Tables is the fixed catalog to replicate. Empty selects
	// StandardTables(Sync.PageSize).
	Tables []TableDescriptor `json:"-" yaml:"-" mapstructure:"-"`

	Remote   RemoteConfig   `json:"remote" yaml:"remote" mapstructure:"remote"`
	Realtime RealtimeConfig `json:"realtime" yaml:"realtime" mapstructure:"realtime"`
	Sync     SyncConfig     `json:"sync" yaml:"sync" mapstructure:"sync"`
	HTTP     HTTPConfig     `json:"http" yaml:"http" mapstructure:"http"`
	Log      LogConfig      `json:"log" yaml:"log" mapstructure:"log"`
	Snapshot SnapshotConfig `json:"snapshot" yaml:"snapshot" mapstructure:"snapshot"`
}

// RemoteConfig selects the remote list API implementation.
type RemoteConfig struct {
	Driver string `json:"driver" yaml:"driver" mapstructure:"driver"`
	DSN    string `json:"dsn" yaml:"dsn" mapstructure:"dsn"`
}

// RealtimeConfig selects the change-notification transport and its
// reconnect policy.
type RealtimeConfig struct {
	Driver  string `json:"driver" yaml:"driver" mapstructure:"driver"`
	URL     string `json:"url" yaml:"url" mapstructure:"url"`
	DSN     string `json:"dsn" yaml:"dsn" mapstructure:"dsn"`
	Channel string `json:"channel" yaml:"channel" mapstructure:"channel"`

	// FreshnessThreshold is the longest gap since the last event after which
	// a reconnect runs a catch-up pull before resuming live events.
	FreshnessThreshold       time.Duration `json:"freshness_threshold" yaml:"freshness_threshold" mapstructure:"freshness_threshold"`
	InitialReconnectInterval time.Duration `json:"initial_reconnect_interval" yaml:"initial_reconnect_interval" mapstructure:"initial_reconnect_interval"`
	MaxReconnectInterval     time.Duration `json:"max_reconnect_interval" yaml:"max_reconnect_interval" mapstructure:"max_reconnect_interval"`
	HeartbeatTimeout         time.Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout" mapstructure:"heartbeat_timeout"`
}

// SyncConfig controls the bulk resyncer.
type SyncConfig struct {
	PageSize       int           `json:"page_size" yaml:"page_size" mapstructure:"page_size"`
	Parallelism    int           `json:"parallelism" yaml:"parallelism" mapstructure:"parallelism"`
	MaxPageRetries int           `json:"max_page_retries" yaml:"max_page_retries" mapstructure:"max_page_retries"`
	PageTimeout    time.Duration `json:"page_timeout" yaml:"page_timeout" mapstructure:"page_timeout"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff" mapstructure:"max_backoff"`

	// PruneMissing tombstones cached rows that a complete table pass did not
	// return, covering rows hard-deleted on the remote.
	PruneMissing bool `json:"prune_missing" yaml:"prune_missing" mapstructure:"prune_missing"`
}

// HTTPConfig configures the status and query API.
type HTTPConfig struct {
	Addr string `json:"addr" yaml:"addr" mapstructure:"addr"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`
	Format string `json:"format" yaml:"format" mapstructure:"format"`
}

// SnapshotConfig configures where cache snapshots are uploaded.
type SnapshotConfig struct {
	S3 S3Config `json:"s3" yaml:"s3" mapstructure:"s3"`
}

// S3Config addresses an S3 or S3-compatible bucket. Credentials come from
// the default AWS chain.
type S3Config struct {
	Bucket    string `json:"bucket" yaml:"bucket" mapstructure:"bucket"`
	Region    string `json:"region" yaml:"region" mapstructure:"region"`
	Endpoint  string `json:"endpoint" yaml:"endpoint" mapstructure:"endpoint"`
	Prefix    string `json:"prefix" yaml:"prefix" mapstructure:"prefix"`
	PathStyle bool   `json:"path_style" yaml:"path_style" mapstructure:"path_style"`
}

// Supported backend names.
const (
	BackendSQLite = "sqlite"
)

// Remote drivers.
const (
	RemotePostgres = "postgres"
	RemoteMemory   = "memory"
)

// Realtime drivers.
const (
	RealtimeWebsocket = "websocket"
	RealtimePostgres  = "postgres"
	RealtimeMemory    = "memory"
	RealtimeNone      = "none"
)

// DefaultNotifyChannel is the Postgres channel the change triggers notify on.
const DefaultNotifyChannel = "depot_changes"

// Config validation errors.
var (
	ErrBackendEmpty           = errors.New("backend must not be empty")
	ErrBackendUnknown         = errors.New("unknown backend")
	ErrRemoteDriverUnknown    = errors.New("unknown remote driver")
	ErrRealtimeDriverUnknown  = errors.New("unknown realtime driver")
	ErrDSNRequired            = errors.New("dsn is required for the postgres driver")
	ErrURLRequired            = errors.New("url is required for the websocket driver")
	ErrPageSizeInvalid        = errors.New("page size must be positive")
	ErrParallelismInvalid     = errors.New("parallelism must be positive")
	ErrRetriesInvalid         = errors.New("max page retries must not be negative")
	ErrDurationInvalid        = errors.New("duration must be positive")
	ErrInvalidTableName       = errors.New("invalid table name")
	ErrDuplicateTable         = errors.New("duplicate table")
	ErrMemoryRealtimeMismatch = errors.New("memory realtime driver requires the memory remote driver")
)

var knownBackends = map[string]bool{
	BackendSQLite: true,
}

var knownRemotes = map[string]bool{
	RemotePostgres: true,
	RemoteMemory:   true,
}

var knownRealtime = map[string]bool{
	RealtimeWebsocket: true,
	RealtimePostgres:  true,
	RealtimeMemory:    true,
	RealtimeNone:      true,
}

// DefaultConfig returns the configuration written by depot init.
func DefaultConfig() Config {
	return Config{
		Backend: BackendSQLite,
		Remote:  RemoteConfig{Driver: RemoteMemory},
		Realtime: RealtimeConfig{
			Driver:                   RealtimeMemory,
			Channel:                  DefaultNotifyChannel,
			FreshnessThreshold:       30 * time.Second,
			InitialReconnectInterval: 500 * time.Millisecond,
			MaxReconnectInterval:     30 * time.Second,
			HeartbeatTimeout:         60 * time.Second,
		},
		Sync: SyncConfig{
			PageSize:       DefaultPageSize,
			Parallelism:    4,
			MaxPageRetries: 5,
			PageTimeout:    15 * time.Second,
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			PruneMissing:   true,
		},
		HTTP: HTTPConfig{Addr: ":8470"},
		Log:  LogConfig{Level: "info", Format: "console"},
	}
}

// TableSet returns the configured catalog, falling back to the standard
// tables sized by Sync.PageSize.
func (c Config) TableSet() []TableDescriptor {
	if len(c.Tables) > 0 {
		return c.Tables
	}
	return StandardTables(c.Sync.PageSize)
}

// Validate checks that the Config is well-formed. It returns a sentinel error
// from this package on failure.
func (c Config) Validate() error {
	if c.Backend == "" {
		return ErrBackendEmpty
	}
	if !knownBackends[c.Backend] {
		return ErrBackendUnknown
	}
	if c.Remote.Driver != "" {
		if !knownRemotes[c.Remote.Driver] {
			return ErrRemoteDriverUnknown
		}
		if c.Remote.Driver == RemotePostgres && c.Remote.DSN == "" {
			return ErrDSNRequired
		}
	}
	if err := c.Realtime.validate(c.Remote); err != nil {
		return err
	}
	if err := c.Sync.Validate(); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, t := range c.Tables {
		if err := t.Validate(); err != nil {
			return err
		}
		if seen[t.Name] {
			return ErrDuplicateTable
		}
		seen[t.Name] = true
	}
	return nil
}

func (r RealtimeConfig) validate(remote RemoteConfig) error {
	if r.Driver == "" {
		return nil
	}
	if !knownRealtime[r.Driver] {
		return ErrRealtimeDriverUnknown
	}
	switch r.Driver {
	case RealtimeWebsocket:
		if r.URL == "" {
			return ErrURLRequired
		}
	case RealtimePostgres:
		if r.DSN == "" && remote.DSN == "" {
			return ErrDSNRequired
		}
	case RealtimeMemory:
		if remote.Driver != RemoteMemory {
			return ErrMemoryRealtimeMismatch
		}
	}
	if r.FreshnessThreshold < 0 || r.InitialReconnectInterval < 0 ||
		r.MaxReconnectInterval < 0 || r.HeartbeatTimeout < 0 {
		return ErrDurationInvalid
	}
	return nil
}

// Validate checks the resync parameters.
func (s SyncConfig) Validate() error {
	if s.PageSize <= 0 {
		return ErrPageSizeInvalid
	}
	if s.Parallelism <= 0 {
		return ErrParallelismInvalid
	}
	if s.MaxPageRetries < 0 {
		return ErrRetriesInvalid
	}
	if s.PageTimeout <= 0 {
		return ErrDurationInvalid
	}
	return nil
}
