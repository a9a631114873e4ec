// Package retention runs periodic pruning of store indexes whose members
// outlive the records they point at.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// PruneFunc removes stale entries and returns how many it removed.
type PruneFunc func(ctx context.Context) (int64, error)

type job struct {
	name  string
	prune PruneFunc
}

// Manager schedules prune jobs on a cron spec.
type Manager struct {
	schedule string
	timeout  time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	jobs []job
	cron *cron.Cron
}

// NewManager creates a manager for the given cron spec. Descriptors such as
// "@every 5m" are accepted.
func NewManager(schedule string, logger *slog.Logger) (*Manager, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		schedule: schedule,
		timeout:  time.Minute,
		logger:   logger.With("component", "retention"),
	}, nil
}

// AddJob registers a prune job. Jobs added after Start run from the next tick.
func (m *Manager) AddJob(name string, prune PruneFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job{name: name, prune: prune})
}

// Start begins running jobs on the schedule. Overlapping runs are skipped.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(m.schedule, func() { m.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("schedule retention: %w", err)
	}
	c.Start()
	m.cron = c

	m.logger.Info("retention scheduled", "schedule", m.schedule, "jobs", len(m.jobs))
	return nil
}

// Stop halts the schedule and waits for a running pass to finish or ctx to
// end.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs every job once and returns the number of entries removed per
// job. A failing job is logged and does not stop the others.
func (m *Manager) RunOnce(ctx context.Context) map[string]int64 {
	m.mu.Lock()
	jobs := make([]job, len(m.jobs))
	copy(jobs, m.jobs)
	m.mu.Unlock()

	removed := make(map[string]int64, len(jobs))
	for _, j := range jobs {
		jctx, cancel := context.WithTimeout(ctx, m.timeout)
		n, err := j.prune(jctx)
		cancel()
		if err != nil {
			m.logger.Warn("prune failed", "job", j.name, "error", err)
			continue
		}
		removed[j.name] = n
		if n > 0 {
			m.logger.Info("pruned stale entries", "job", j.name, "removed", n)
		}
	}
	return removed
}
