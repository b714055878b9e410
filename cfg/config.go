package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// SourceType selects the change log connector
type SourceType string

const (
	SourceMemory SourceType = "memory" // In-process database, demo and tests
	SourceMySQL  SourceType = "mysql"  // MySQL snapshot scan + binlog tail
)

// CheckpointStoreType selects where checkpoints are persisted
type CheckpointStoreType string

const (
	CheckpointPebble CheckpointStoreType = "pebble"
	CheckpointSQLite CheckpointStoreType = "sqlite"
	CheckpointMemory CheckpointStoreType = "memory"
)

// Processing guarantees
const (
	AtLeastOnce = "AT_LEAST_ONCE"
	ExactlyOnce = "EXACTLY_ONCE"
)

// SourceConfiguration describes the upstream database
type SourceConfiguration struct {
	Type              SourceType `toml:"type"`
	Address           string     `toml:"address"`
	Port              int        `toml:"port"`
	User              string     `toml:"user"`
	Password          string     `toml:"password"`
	ClusterName       string     `toml:"cluster_name"`       // Logical server name, used in event metadata and metric labels
	DatabaseWhitelist []string   `toml:"database_whitelist"` // Glob patterns, empty = all
	TableWhitelist    []string   `toml:"table_whitelist"`    // Glob patterns on "db.table", empty = all
	ServerID          uint32     `toml:"server_id"`          // Replication client ID, must be unique per MySQL server
	SchemaCacheSize   int        `toml:"schema_cache_size"`  // Number of table schemas kept in memory

	RetryInitialMS  int     `toml:"retry_initial_ms"`
	RetryMaxMS      int     `toml:"retry_max_ms"`
	RetryMultiplier float64 `toml:"retry_multiplier"`
	MaxRetries      int     `toml:"max_retries"` // 0 = retry forever
}

// JobConfiguration controls the processing job
type JobConfiguration struct {
	Name                string   `toml:"name"`
	ProcessingGuarantee string   `toml:"processing_guarantee"` // AT_LEAST_ONCE or EXACTLY_ONCE
	SnapshotIntervalMS  int      `toml:"snapshot_interval_ms"` // 0 disables periodic snapshots
	SnapshotTimeoutMS   int      `toml:"snapshot_timeout_ms"`
	SnapshotRetryMS     int      `toml:"snapshot_retry_ms"` // Backoff after a discarded epoch
	Partitions          int      `toml:"partitions"`
	InboxSize           int      `toml:"inbox_size"`    // Per-partition queue depth
	Members             []string `toml:"members"`       // Cluster members partitions are placed on
	VirtualNodes        int      `toml:"virtual_nodes"` // Ring points per member
	AutoRestart         bool     `toml:"auto_restart"`  // Restart from the last checkpoint on retryable failures
	MaxAutoRestarts     int      `toml:"max_auto_restarts"`
}

// CheckpointConfiguration controls checkpoint persistence
type CheckpointConfiguration struct {
	Store    CheckpointStoreType `toml:"store"`
	Path     string              `toml:"path"` // Relative paths are resolved against data_dir
	Compress bool                `toml:"compress"`
}

// SinkConfiguration controls where derived outputs go
type SinkConfiguration struct {
	Type           string   `toml:"type"` // map, kafka or nats
	Brokers        []string `toml:"brokers"`
	Topic          string   `toml:"topic"`
	NatsURL        string   `toml:"nats_url"`
	Stream         string   `toml:"stream"`
	BatchTimeoutMS int      `toml:"batch_timeout_ms"`
}

// AdminConfiguration for the job control HTTP server
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // Shared secret for /admin endpoints, empty disables auth
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Source     SourceConfiguration     `toml:"source"`
	Job        JobConfiguration        `toml:"job"`
	Checkpoint CheckpointConfiguration `toml:"checkpoint"`
	Sink       SinkConfiguration       `toml:"sink"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
	GuaranteeFlag  = flag.String("guarantee", "", "Processing guarantee (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./sluice-data",

	Source: SourceConfiguration{
		Type:            SourceMemory,
		Address:         "127.0.0.1",
		Port:            3306,
		ClusterName:     "dbserver1",
		ServerID:        5401,
		SchemaCacheSize: 256,
		RetryInitialMS:  100,
		RetryMaxMS:      10000,
		RetryMultiplier: 2.0,
	},

	Job: JobConfiguration{
		Name:                "cdc",
		ProcessingGuarantee: AtLeastOnce,
		SnapshotIntervalMS:  10000,
		SnapshotTimeoutMS:   5000,
		SnapshotRetryMS:     1000,
		Partitions:          8,
		InboxSize:           1024,
		VirtualNodes:        150,
		AutoRestart:         true,
		MaxAutoRestarts:     5,
	},

	Checkpoint: CheckpointConfiguration{
		Store:    CheckpointPebble,
		Path:     "checkpoints",
		Compress: true,
	},

	Sink: SinkConfiguration{
		Type:           "map",
		Topic:          "sluice-output",
		BatchTimeoutMS: 10,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8190,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}
	if *GuaranteeFlag != "" {
		Config.Job.ProcessingGuarantee = strings.ToUpper(*GuaranteeFlag)
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID, falling back
// to the hostname where no machine ID is available (minimal containers).
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("sluice")
	if err != nil {
		host, herr := os.Hostname()
		if herr != nil {
			return 0, err
		}
		id = host
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	switch Config.Source.Type {
	case SourceMemory:
	case SourceMySQL:
		if Config.Source.Address == "" {
			return fmt.Errorf("source address is required for mysql")
		}
		if Config.Source.Port < 1 || Config.Source.Port > 65535 {
			return fmt.Errorf("invalid source port: %d", Config.Source.Port)
		}
		if Config.Source.User == "" {
			return fmt.Errorf("source user is required for mysql")
		}
		if Config.Source.ServerID == 0 {
			return fmt.Errorf("source server_id must be non-zero")
		}
	default:
		return fmt.Errorf("invalid source type: %s", Config.Source.Type)
	}

	if Config.Source.ClusterName == "" {
		return fmt.Errorf("source cluster_name is required")
	}

	if Config.Source.RetryInitialMS < 1 || Config.Source.RetryMaxMS < Config.Source.RetryInitialMS {
		return fmt.Errorf("invalid source retry backoff: initial %dms, max %dms",
			Config.Source.RetryInitialMS, Config.Source.RetryMaxMS)
	}

	if Config.Source.RetryMultiplier < 1 {
		return fmt.Errorf("source retry multiplier must be >= 1")
	}

	if Config.Source.MaxRetries < 0 {
		return fmt.Errorf("source max retries must be >= 0")
	}

	switch Config.Job.ProcessingGuarantee {
	case AtLeastOnce, ExactlyOnce:
	default:
		return fmt.Errorf("invalid processing guarantee: %s", Config.Job.ProcessingGuarantee)
	}

	if Config.Job.Partitions < 1 {
		return fmt.Errorf("job partitions must be >= 1")
	}

	if Config.Job.SnapshotIntervalMS < 0 {
		return fmt.Errorf("snapshot interval must be >= 0")
	}

	if Config.Job.SnapshotTimeoutMS < 1 {
		return fmt.Errorf("snapshot timeout must be >= 1ms")
	}

	if Config.Job.SnapshotRetryMS < 0 {
		return fmt.Errorf("snapshot retry backoff must be >= 0")
	}

	if Config.Job.InboxSize < 1 {
		return fmt.Errorf("partition inbox size must be >= 1")
	}

	if Config.Job.VirtualNodes < 1 {
		return fmt.Errorf("virtual nodes must be >= 1")
	}

	if Config.Job.MaxAutoRestarts < 0 {
		return fmt.Errorf("max auto restarts must be >= 0")
	}

	switch Config.Checkpoint.Store {
	case CheckpointPebble, CheckpointSQLite:
		if Config.Checkpoint.Path == "" {
			return fmt.Errorf("checkpoint path is required for %s store", Config.Checkpoint.Store)
		}
	case CheckpointMemory:
	default:
		return fmt.Errorf("invalid checkpoint store: %s", Config.Checkpoint.Store)
	}

	switch Config.Sink.Type {
	case "map":
	case "kafka":
		if len(Config.Sink.Brokers) == 0 || Config.Sink.Topic == "" {
			return fmt.Errorf("kafka sink requires brokers and topic")
		}
	case "nats":
		if Config.Sink.NatsURL == "" || Config.Sink.Topic == "" {
			return fmt.Errorf("nats sink requires nats_url and topic")
		}
	default:
		return fmt.Errorf("invalid sink type: %s", Config.Sink.Type)
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}

// CheckpointPath returns the checkpoint store location, resolved against the
// data directory when relative.
func CheckpointPath() string {
	if path.IsAbs(Config.Checkpoint.Path) {
		return Config.Checkpoint.Path
	}
	return path.Join(Config.DataDir, Config.Checkpoint.Path)
}
