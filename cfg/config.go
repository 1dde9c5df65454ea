package cfg

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

// TxnConfiguration controls transaction manager and lock manager behavior
type TxnConfiguration struct {
	LockWaitTimeoutMS           int `toml:"lock_wait_timeout_ms"`           // Default lock acquisition timeout
	DeadlockDetectionIntervalMS int `toml:"deadlock_detection_interval_ms"` // How often the background detector scans the wait-for graph
	LockEscalationThreshold     int `toml:"lock_escalation_threshold"`      // Row locks per table before escalating to a table lock
	LockTableShards             int `toml:"lock_table_shards"`              // Number of lock table shards (power of two)
	TransactionTimeoutSeconds   int `toml:"transaction_timeout_seconds"`    // Idle transactions are aborted after this long without activity
	SweepIntervalSeconds        int `toml:"sweep_interval_seconds"`         // How often the stale transaction sweeper runs
	MaxOperations               int `toml:"max_operations"`                 // Max reads+writes per transaction (0 = unlimited)
	MemoryLimitBytes            int `toml:"memory_limit_bytes"`             // Max tracked payload bytes per transaction (0 = unlimited)
}

// MVCCConfiguration controls the version store and its garbage collector
type MVCCConfiguration struct {
	GCIntervalSeconds     int `toml:"gc_interval_seconds"`     // Minimum interval between rate-limited cleanup runs
	VersionRetentionCount int `toml:"version_retention_count"` // Soft cap on versions kept per key during cleanup
}

// WALConfiguration controls the write-ahead log
type WALConfiguration struct {
	Path                      string `toml:"path"`
	BufferSize                int    `toml:"buffer_size"`                 // Write buffer size in kilobytes
	SyncOnCommit              bool   `toml:"sync_on_commit"`              // fsync after commit records
	CheckpointIntervalSeconds int    `toml:"checkpoint_interval_seconds"` // Minimum interval between checkpoints
}

// CommitLogConfiguration controls the terminal-transition audit log
type CommitLogConfiguration struct {
	Path      string `toml:"path"`
	CacheSize int    `toml:"cache_size"` // Recent entries kept in memory for lookups
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Txn        TxnConfiguration        `toml:"txn"`
	MVCC       MVCCConfiguration       `toml:"mvcc"`
	WAL        WALConfiguration        `toml:"wal"`
	CommitLog  CommitLogConfiguration  `toml:"commit_log"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Default configuration
var Config = &Configuration{
	NodeID:  0,
	DataDir: "./quarry-data",

	Txn: TxnConfiguration{
		LockWaitTimeoutMS:           30_000, // 30 second default lock wait
		DeadlockDetectionIntervalMS: 500,
		LockEscalationThreshold:     1000,
		LockTableShards:             16,
		TransactionTimeoutSeconds:   60,
		SweepIntervalSeconds:        10,
		MaxOperations:               0,
		MemoryLimitBytes:            0,
	},

	MVCC: MVCCConfiguration{
		GCIntervalSeconds:     60, // Rate limit cleanup to once per minute
		VersionRetentionCount: 10,
	},

	WAL: WALConfiguration{
		Path:                      "", // Defaults to DataDir/quarry.wal when empty
		BufferSize:                256,
		SyncOnCommit:              true,
		CheckpointIntervalSeconds: 300,
	},

	CommitLog: CommitLogConfiguration{
		Path:      "", // Defaults to DataDir/commit.log when empty
		CacheSize: 1024,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: false,
		Address: "0.0.0.0",
		Port:    9090,
	},
}

// Load loads configuration from file, leaving defaults in place for
// anything the file does not set
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to parse config file %s: %w", configPath, err)
			}
			log.Debug().Str("path", configPath).Msg("Loaded configuration file")
		}
	}
	return nil
}

// Validate checks configuration invariants
func Validate() error {
	c := Config

	if c.Txn.LockWaitTimeoutMS <= 0 {
		return fmt.Errorf("txn.lock_wait_timeout_ms must be positive, got %d", c.Txn.LockWaitTimeoutMS)
	}
	if c.Txn.LockEscalationThreshold <= 0 {
		return fmt.Errorf("txn.lock_escalation_threshold must be positive, got %d", c.Txn.LockEscalationThreshold)
	}
	if c.Txn.LockTableShards <= 0 || c.Txn.LockTableShards&(c.Txn.LockTableShards-1) != 0 {
		return fmt.Errorf("txn.lock_table_shards must be a positive power of two, got %d", c.Txn.LockTableShards)
	}
	if c.MVCC.GCIntervalSeconds <= 0 {
		return fmt.Errorf("mvcc.gc_interval_seconds must be positive, got %d", c.MVCC.GCIntervalSeconds)
	}
	if c.WAL.BufferSize <= 0 {
		return fmt.Errorf("wal.buffer_size must be positive, got %d", c.WAL.BufferSize)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be \"console\" or \"json\", got %q", c.Logging.Format)
	}
	return nil
}

// WALPath resolves the WAL file path, falling back to DataDir
func (c *Configuration) WALPath() string {
	if c.WAL.Path != "" {
		return c.WAL.Path
	}
	return c.DataDir + "/quarry.wal"
}

// CommitLogPath resolves the commit log path, falling back to DataDir
func (c *Configuration) CommitLogPath() string {
	if c.CommitLog.Path != "" {
		return c.CommitLog.Path
	}
	return c.DataDir + "/commit.log"
}
