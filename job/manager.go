package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/maxpert/sluice/checkpoint"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

var (
	// ErrJobNotFound is returned for an unknown job ID.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobExists is returned when submitting an ID that is already known.
	ErrJobExists = errors.New("job already exists")

	// ErrJobActive is returned when removing a job that is still running.
	ErrJobActive = errors.New("job is still active")

	// ErrManagerClosed is returned by Submit after Close.
	ErrManagerClosed = errors.New("job manager closed")
)

// Manager owns the jobs of one process and their shared checkpoint store.
type Manager struct {
	store  checkpoint.Store
	jobs   *xsync.MapOf[string, *Job]
	closed atomic.Bool
}

// NewManager creates a manager persisting checkpoints to store. The
// manager does not close the store.
func NewManager(store checkpoint.Store) *Manager {
	return &Manager{
		store: store,
		jobs:  xsync.NewMapOf[string, *Job](),
	}
}

// Submit registers a job and starts its first execution. A job whose ID
// has checkpoints in the store resumes from the latest one.
func (m *Manager) Submit(def Definition, cfg Config) (*Job, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}

	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	if cfg.Name == "" && def.Plan != nil {
		cfg.Name = def.Plan.Name()
	}

	j, err := newJob(id, def, cfg, m.store)
	if err != nil {
		return nil, err
	}
	if _, loaded := m.jobs.LoadOrStore(id, j); loaded {
		return nil, fmt.Errorf("%w: %s", ErrJobExists, id)
	}

	log.Info().
		Str("job", id).
		Str("name", cfg.Name).
		Str("source", def.Source.Name()).
		Interface("assignment", j.assignment).
		Msg("Job submitted")
	j.start()
	return j, nil
}

// Lookup returns the job with id.
func (m *Manager) Lookup(id string) (*Job, bool) {
	return m.jobs.Load(id)
}

func (m *Manager) get(id string) (*Job, error) {
	j, ok := m.jobs.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j, nil
}

// Status returns the status of job id.
func (m *Manager) Status(id string) (Status, error) {
	j, err := m.get(id)
	if err != nil {
		return NotRunning, err
	}
	return j.Status(), nil
}

// Cancel cancels job id.
func (m *Manager) Cancel(id string) error {
	j, err := m.get(id)
	if err != nil {
		return err
	}
	return j.Cancel()
}

// Restart restarts job id from its latest checkpoint.
func (m *Manager) Restart(id string) error {
	j, err := m.get(id)
	if err != nil {
		return err
	}
	return j.Restart()
}

// RestartDiscardingState deletes the checkpoints of job id and restarts it
// cold.
func (m *Manager) RestartDiscardingState(ctx context.Context, id string) error {
	j, err := m.get(id)
	if err != nil {
		return err
	}
	return j.RestartDiscardingState(ctx)
}

// Snapshot takes an on-demand checkpoint of job id.
func (m *Manager) Snapshot(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	j, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return j.Snapshot(ctx)
}

// Remove forgets a job that is no longer running. Its checkpoints stay in
// the store.
func (m *Manager) Remove(id string) error {
	j, err := m.get(id)
	if err != nil {
		return err
	}
	if s := j.Status(); s.Live() {
		return fmt.Errorf("%w: %s is %s", ErrJobActive, id, s)
	}
	m.jobs.Delete(id)
	return nil
}

// List returns every job, oldest submission first.
func (m *Manager) List() []Info {
	var infos []Info
	m.jobs.Range(func(_ string, j *Job) bool {
		infos = append(infos, j.Info())
		return true
	})
	sort.Slice(infos, func(a, b int) bool {
		if !infos[a].SubmittedAt.Equal(infos[b].SubmittedAt) {
			return infos[a].SubmittedAt.Before(infos[b].SubmittedAt)
		}
		return infos[a].ID < infos[b].ID
	})
	return infos
}

// StatusCounts returns the number of jobs per status name.
func (m *Manager) StatusCounts() map[string]int {
	counts := make(map[string]int, len(AllStatuses))
	for _, s := range AllStatuses {
		counts[s.String()] = 0
	}
	m.jobs.Range(func(_ string, j *Job) bool {
		counts[j.Status().String()]++
		return true
	})
	return counts
}

// Close stops every job. Live jobs go back to NOT_RUNNING with their
// checkpoints intact.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.jobs.Range(func(_ string, j *Job) bool {
		j.shutdown()
		return true
	})
	log.Info().Int("jobs", m.jobs.Size()).Msg("Job manager closed")
	return nil
}
