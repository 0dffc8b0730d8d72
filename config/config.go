// Package config loads the process-level configuration knobs listed in
// spec section 6 from a YAML file, applying the documented defaults for
// anything left unset.
package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// MemtableConfig sizes the write buffer that sits in front of SSTable
// flushes.
type MemtableConfig struct {
	SizeLimitBytes int64 `yaml:"size_limit_bytes"`
}

// SSTableConfig controls the on-disk file layout.
type SSTableConfig struct {
	SparseIndexInterval int     `yaml:"sparse_index_interval"`
	BloomFPR            float64 `yaml:"bloom_fpr"`
}

// WALConfig controls durability of the write-ahead log. MaxSegmentSize is
// loaded and defaulted but not passed to the engine; the WAL rotates
// segments at its own built-in 64 MiB limit.
type WALConfig struct {
	SyncPolicy     string `yaml:"sync_policy"` // sync | group | periodic
	MaxSegmentSize int64  `yaml:"max_segment_size_bytes"`
}

// CompactionConfig controls the size-tiered background compactor.
type CompactionConfig struct {
	Threshold         int   `yaml:"threshold"`
	CheckIntervalMs   int64 `yaml:"check_interval_ms"`
}

// ReplicationConfig selects the process's role in the replication
// protocol and the addresses it needs for that role.
type ReplicationConfig struct {
	Role                string `yaml:"role"` // standalone | primary | backup
	BackupAddr          string `yaml:"backup_addr"`
	ListenAddr          string `yaml:"listen_addr"`
	ReconnectIntervalMs int64  `yaml:"reconnect_interval_ms"`
}

// SelfMonitoringConfig controls the optional CPU/mem/disk self-sampling
// loop.
type SelfMonitoringConfig struct {
	Enabled    bool  `yaml:"enabled"`
	IntervalMs int64 `yaml:"interval_ms"`
}

// LoggingConfig controls the process-wide slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Config is the top-level, per-process configuration document.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Memtable       MemtableConfig       `yaml:"memtable"`
	SSTable        SSTableConfig        `yaml:"sstable"`
	WAL            WALConfig            `yaml:"wal"`
	Compaction     CompactionConfig     `yaml:"compaction"`
	Replication    ReplicationConfig    `yaml:"replication"`
	SelfMonitoring SelfMonitoringConfig `yaml:"self_monitoring"`
	Logging        LoggingConfig        `yaml:"logging"`
}

// defaults returns a Config populated with every default named in spec
// section 6.
func defaults() *Config {
	return &Config{
		DataDir: "./data",
		Memtable: MemtableConfig{
			SizeLimitBytes: 4 * 1024 * 1024,
		},
		SSTable: SSTableConfig{
			SparseIndexInterval: 10,
			BloomFPR:            0.01,
		},
		WAL: WALConfig{
			SyncPolicy:     "group",
			MaxSegmentSize: 64 * 1024 * 1024,
		},
		Compaction: CompactionConfig{
			Threshold:       4,
			CheckIntervalMs: 60000,
		},
		Replication: ReplicationConfig{
			Role:                "standalone",
			ReconnectIntervalMs: 5000,
		},
		SelfMonitoring: SelfMonitoringConfig{
			Enabled:    false,
			IntervalMs: 15000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and parses a YAML configuration document from r, starting
// from the documented defaults and overwriting only what the document
// sets. A nil or empty reader yields the defaults unchanged.
func Load(r io.Reader) (*Config, error) {
	cfg := defaults()
	if r == nil {
		return cfg, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: reading document: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads configuration from a path. A missing file yields the
// defaults rather than an error, matching a fresh install with no
// configuration written yet.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Validate rejects configurations that violate the range constraints spec
// section 6 places on these knobs.
func (c *Config) Validate() error {
	switch c.WAL.SyncPolicy {
	case "sync", "group", "periodic":
	default:
		return fmt.Errorf("config: wal.sync_policy must be one of sync, group, periodic, got %q", c.WAL.SyncPolicy)
	}
	if c.SSTable.SparseIndexInterval < 1 || c.SSTable.SparseIndexInterval > 1000 {
		return fmt.Errorf("config: sstable.sparse_index_interval must be in [1, 1000], got %d", c.SSTable.SparseIndexInterval)
	}
	if c.SSTable.BloomFPR <= 0 || c.SSTable.BloomFPR >= 1 {
		return fmt.Errorf("config: sstable.bloom_fpr must be in (0, 1), got %f", c.SSTable.BloomFPR)
	}
	switch c.Replication.Role {
	case "standalone", "primary", "backup":
	default:
		return fmt.Errorf("config: replication.role must be one of standalone, primary, backup, got %q", c.Replication.Role)
	}
	if c.Replication.Role == "primary" && c.Replication.BackupAddr == "" {
		return fmt.Errorf("config: replication.backup_addr is required when role is primary")
	}
	if c.Replication.Role == "backup" && c.Replication.ListenAddr == "" {
		return fmt.Errorf("config: replication.listen_addr is required when role is backup")
	}
	return nil
}
