package cfg

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Configuration {
	return &Configuration{
		NodeID:  1,
		DataDir: "./test-data",
		Source: SourceConfiguration{
			Type:            SourceMemory,
			ClusterName:     "dbserver1",
			RetryInitialMS:  100,
			RetryMaxMS:      1000,
			RetryMultiplier: 2,
		},
		Job: JobConfiguration{
			ProcessingGuarantee: AtLeastOnce,
			SnapshotIntervalMS:  1000,
			SnapshotTimeoutMS:   500,
			SnapshotRetryMS:     100,
			Partitions:          4,
			InboxSize:           16,
			VirtualNodes:        10,
		},
		Checkpoint: CheckpointConfiguration{
			Store: CheckpointMemory,
		},
		Sink: SinkConfiguration{
			Type: "map",
		},
		Admin: AdminConfiguration{
			Enabled: true,
			Port:    8190,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()

	err := Validate()
	if err != nil {
		t.Errorf("Expected no error for valid config, got: %v", err)
	}
}

func TestValidate_DefaultConfig(t *testing.T) {
	if err := Validate(); err != nil {
		t.Errorf("Expected default config to validate, got: %v", err)
	}
}

func TestValidate_InvalidGuarantee(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	for _, g := range []string{"", "at_least_once", "EXACTLY_TWICE"} {
		Config = validConfig()
		Config.Job.ProcessingGuarantee = g

		if err := Validate(); err == nil {
			t.Errorf("Expected error for processing guarantee %q", g)
		}
	}
}

func TestValidate_InvalidPartitions(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Job.Partitions = 0

	if err := Validate(); err == nil {
		t.Error("Expected error for zero partitions")
	}
}

func TestValidate_InvalidSnapshotTimeout(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Job.SnapshotTimeoutMS = 0

	if err := Validate(); err == nil {
		t.Error("Expected error for zero snapshot timeout")
	}
}

func TestValidate_MySQLSource(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Source.Type = SourceMySQL
	Config.Source.Address = "mysql"
	Config.Source.Port = 3306
	Config.Source.User = "debezium"
	Config.Source.ServerID = 5401

	if err := Validate(); err != nil {
		t.Errorf("Expected no error for mysql source, got: %v", err)
	}

	tests := []func(c *SourceConfiguration){
		func(c *SourceConfiguration) { c.Address = "" },
		func(c *SourceConfiguration) { c.Port = 70000 },
		func(c *SourceConfiguration) { c.User = "" },
		func(c *SourceConfiguration) { c.ServerID = 0 },
	}
	for i, mutate := range tests {
		Config = validConfig()
		Config.Source.Type = SourceMySQL
		Config.Source.Address = "mysql"
		Config.Source.Port = 3306
		Config.Source.User = "debezium"
		Config.Source.ServerID = 5401
		mutate(&Config.Source)

		if err := Validate(); err == nil {
			t.Errorf("Expected error for mysql source mutation %d", i)
		}
	}
}

func TestValidate_InvalidRetryBackoff(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Source.RetryMaxMS = 10

	if err := Validate(); err == nil {
		t.Error("Expected error when max backoff is below initial backoff")
	}

	Config = validConfig()
	Config.Source.RetryMultiplier = 0.5

	if err := Validate(); err == nil {
		t.Error("Expected error for shrinking backoff multiplier")
	}
}

func TestValidate_InvalidCheckpointStore(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Checkpoint.Store = "s3"

	if err := Validate(); err == nil {
		t.Error("Expected error for unknown checkpoint store")
	}

	Config = validConfig()
	Config.Checkpoint.Store = CheckpointPebble
	Config.Checkpoint.Path = ""

	if err := Validate(); err == nil {
		t.Error("Expected error for pebble store without path")
	}
}

func TestValidate_InvalidSink(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Sink.Type = "kafka"

	if err := Validate(); err == nil {
		t.Error("Expected error for kafka sink without brokers")
	}

	Config.Sink.Brokers = []string{"localhost:9092"}
	Config.Sink.Topic = "customers"

	if err := Validate(); err != nil {
		t.Errorf("Expected no error for kafka sink, got: %v", err)
	}
}

func TestValidate_InvalidAdminPort(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	for _, port := range []int{-1, 0, 70000} {
		Config = validConfig()
		Config.Admin.Port = port

		if err := Validate(); err == nil {
			t.Errorf("Expected error for invalid admin port %d", port)
		}
	}

	Config = validConfig()
	Config.Admin.Enabled = false
	Config.Admin.Port = 0

	if err := Validate(); err != nil {
		t.Errorf("Expected disabled admin server to skip port check, got: %v", err)
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.NodeID = 0
	Config.DataDir = t.TempDir()

	// Load non-existent file should use defaults
	err := Load("non-existent-file.toml")
	if err != nil {
		t.Errorf("Expected no error for non-existent file, got: %v", err)
	}

	// Node ID should be auto-generated
	if Config.NodeID == 0 {
		t.Error("Expected node ID to be auto-generated")
	}
}

func TestLoad_File(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	dir := t.TempDir()
	configPath := filepath.Join(dir, "sluice.toml")
	contents := `
node_id = 7
data_dir = "` + filepath.ToSlash(dir) + `"

[source]
type = "mysql"
address = "mysql"
user = "debezium"
cluster_name = "dbserver1"
table_whitelist = ["inventory.customers", "inventory.orders"]

[job]
processing_guarantee = "EXACTLY_ONCE"
partitions = 3

[checkpoint]
store = "sqlite"
path = "checkpoints.db"
`
	if err := os.WriteFile(configPath, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}

	Config = validConfig()
	if err := Load(configPath); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if Config.NodeID != 7 {
		t.Errorf("Expected node ID 7, got %d", Config.NodeID)
	}
	if Config.Source.Type != SourceMySQL {
		t.Errorf("Expected mysql source, got %s", Config.Source.Type)
	}
	if len(Config.Source.TableWhitelist) != 2 {
		t.Errorf("Expected 2 whitelisted tables, got %v", Config.Source.TableWhitelist)
	}
	if Config.Job.ProcessingGuarantee != ExactlyOnce {
		t.Errorf("Expected EXACTLY_ONCE, got %s", Config.Job.ProcessingGuarantee)
	}
	if Config.Job.Partitions != 3 {
		t.Errorf("Expected 3 partitions, got %d", Config.Job.Partitions)
	}
	// Values absent from the file keep what was there before
	if Config.Job.InboxSize != 16 {
		t.Errorf("Expected inbox size 16, got %d", Config.Job.InboxSize)
	}
	if got, want := CheckpointPath(), filepath.Join(dir, "checkpoints.db"); filepath.Clean(got) != filepath.Clean(want) {
		t.Errorf("Expected checkpoint path %s, got %s", want, got)
	}
}

func TestLoad_CreateDataDir(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(t.TempDir(), "nested", "data")

	Config = &Configuration{
		NodeID:  1,
		DataDir: tempDir,
	}

	err := Load("")
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	// Verify directory was created
	if _, err := os.Stat(tempDir); os.IsNotExist(err) {
		t.Error("Data directory was not created")
	}
}

func TestGenerateNodeID(t *testing.T) {
	id1, err := generateNodeID()
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if id1 == 0 {
		t.Error("Generated node ID should not be 0")
	}

	// Generate another ID - should be the same (deterministic for machine)
	id2, err := generateNodeID()
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if id1 != id2 {
		t.Error("Node ID should be deterministic for same machine")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := t.TempDir()

	*DataDirFlag = tempDir
	*NodeIDFlag = 12345
	*AdminPortFlag = 9999
	*GuaranteeFlag = "exactly_once"

	defer func() {
		*DataDirFlag = ""
		*NodeIDFlag = 0
		*AdminPortFlag = 0
		*GuaranteeFlag = ""
	}()

	Config = validConfig()
	Config.NodeID = 0

	err := Load("")
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	// Verify CLI overrides were applied
	if Config.DataDir != tempDir {
		t.Errorf("Expected data dir %s, got %s", tempDir, Config.DataDir)
	}

	if Config.NodeID != 12345 {
		t.Errorf("Expected node ID 12345, got %d", Config.NodeID)
	}

	if Config.Admin.Port != 9999 {
		t.Errorf("Expected admin port 9999, got %d", Config.Admin.Port)
	}

	if Config.Job.ProcessingGuarantee != ExactlyOnce {
		t.Errorf("Expected EXACTLY_ONCE, got %s", Config.Job.ProcessingGuarantee)
	}
}

func BenchmarkGenerateNodeID(b *testing.B) {
	for i := 0; i < b.N; i++ {
		generateNodeID()
	}
}

func BenchmarkValidate(b *testing.B) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Validate()
	}
}
