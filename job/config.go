package job

import (
	"fmt"
	"time"

	"github.com/maxpert/sluice/cfg"
	"github.com/maxpert/sluice/cluster"
	"github.com/maxpert/sluice/pipeline"
	"github.com/maxpert/sluice/source"
)

// Config controls one job.
type Config struct {
	// ID addresses the job's checkpoints. A job submitted again under the
	// same ID resumes from them; empty generates a fresh ID.
	ID   string
	Name string

	Guarantee  pipeline.Guarantee
	Partitions int
	InboxSize  int

	SnapshotInterval time.Duration // 0 disables periodic snapshots
	SnapshotTimeout  time.Duration
	SnapshotRetry    time.Duration

	Members      []string
	VirtualNodes int

	AutoRestart     bool
	MaxAutoRestarts int

	// Backoff is both the reader's reconnect schedule and the delay before
	// an automatic restart.
	Backoff source.Backoff
}

// DefaultConfig returns a single-member at-least-once configuration.
func DefaultConfig() Config {
	return Config{
		Guarantee:        pipeline.AtLeastOnce,
		Partitions:       8,
		InboxSize:        1024,
		SnapshotInterval: 10 * time.Second,
		SnapshotTimeout:  5 * time.Second,
		SnapshotRetry:    time.Second,
		VirtualNodes:     cluster.DefaultVirtualNodes,
		AutoRestart:      true,
		MaxAutoRestarts:  5,
		Backoff:          source.DefaultBackoff,
	}
}

// ConfigFromFile builds a job configuration from the loaded configuration
// file.
func ConfigFromFile(c *cfg.Configuration) (Config, error) {
	guarantee, err := pipeline.ParseGuarantee(c.Job.ProcessingGuarantee)
	if err != nil {
		return Config{}, err
	}

	members := c.Job.Members
	if len(members) == 0 {
		members = []string{fmt.Sprintf("node-%d", c.NodeID)}
	}

	return Config{
		ID:               c.Job.Name,
		Name:             c.Job.Name,
		Guarantee:        guarantee,
		Partitions:       c.Job.Partitions,
		InboxSize:        c.Job.InboxSize,
		SnapshotInterval: time.Duration(c.Job.SnapshotIntervalMS) * time.Millisecond,
		SnapshotTimeout:  time.Duration(c.Job.SnapshotTimeoutMS) * time.Millisecond,
		SnapshotRetry:    time.Duration(c.Job.SnapshotRetryMS) * time.Millisecond,
		Members:          members,
		VirtualNodes:     c.Job.VirtualNodes,
		AutoRestart:      c.Job.AutoRestart,
		MaxAutoRestarts:  c.Job.MaxAutoRestarts,
		Backoff: source.Backoff{
			Initial:    time.Duration(c.Source.RetryInitialMS) * time.Millisecond,
			Max:        time.Duration(c.Source.RetryMaxMS) * time.Millisecond,
			Multiplier: c.Source.RetryMultiplier,
			MaxRetries: c.Source.MaxRetries,
		},
	}, nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Partitions == 0 {
		c.Partitions = d.Partitions
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	if c.SnapshotTimeout <= 0 {
		c.SnapshotTimeout = d.SnapshotTimeout
	}
	if c.SnapshotRetry <= 0 {
		c.SnapshotRetry = d.SnapshotRetry
	}
	if c.VirtualNodes <= 0 {
		c.VirtualNodes = d.VirtualNodes
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff = d.Backoff
	}
	if len(c.Members) == 0 {
		c.Members = []string{"local"}
	}
	return c
}

func (c Config) validate() error {
	if c.Partitions < 1 {
		return fmt.Errorf("partitions must be positive, got %d", c.Partitions)
	}
	if c.SnapshotInterval < 0 {
		return fmt.Errorf("snapshot interval must not be negative")
	}
	if c.MaxAutoRestarts < 0 {
		return fmt.Errorf("max auto restarts must not be negative")
	}
	return nil
}
