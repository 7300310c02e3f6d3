package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/tvarr-fleet/internal/models"
)

// MonitorStore is the narrow view of the Store the Monitor needs for its
// reconciliation passes.
type MonitorStore interface {
	ListProcessing(ctx context.Context) ([]*models.FileRecord, error)
	MarkFailed(ctx context.Context, id uint, reason string) (*models.FileRecord, error)
	Statistics(ctx context.Context) (*models.Statistics, error)
}

// MonitorRegistry is the narrow view of the Registry the Monitor needs.
type MonitorRegistry interface {
	Workers() []*models.WorkerRecord
	MarkOffline(workerID string, heartbeatTimeout time.Duration) (fileID *uint, marked bool)
	WorkerIsAlive(workerID string) bool
}

// Snapshot is published on the Event Bus after every reconciliation pass.
type Snapshot struct {
	Statistics *models.Statistics
	Workers    []*models.WorkerRecord
	Timestamp  time.Time
}

// Publisher is the narrow view of the Event Bus the Monitor needs.
type Publisher interface {
	PublishSnapshot(Snapshot)
}

// Monitor runs the periodic reconciliation loop: reaping workers that have
// stopped heartbeating and files left processing by a worker that vanished
// without a final heartbeat.
type Monitor struct {
	mu sync.RWMutex

	store    MonitorStore
	registry MonitorRegistry
	bus      Publisher
	logger   *slog.Logger

	pollInterval     time.Duration
	heartbeatTimeout time.Duration

	lastTick time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a Monitor. Pass nil for bus to disable snapshot publishing
// (useful in tests).
func NewMonitor(store MonitorStore, registry MonitorRegistry, bus Publisher, pollInterval, heartbeatTimeout time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:            store,
		registry:         registry,
		bus:              bus,
		logger:           logger,
		pollInterval:     pollInterval,
		heartbeatTimeout: heartbeatTimeout,
	}
}

// Start begins the reconciliation loop under ctx. Returns an error if
// already started.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx != nil {
		return fmt.Errorf("monitor already started")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run()

	m.logger.Info("monitor started",
		slog.Duration("poll_interval", m.pollInterval),
		slog.Duration("heartbeat_timeout", m.heartbeatTimeout))

	return nil
}

// Stop halts the reconciliation loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	m.ctx = nil
	m.cancel = nil
	m.mu.Unlock()

	m.logger.Info("monitor stopped")
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Reconcile(m.ctx)
		}
	}
}

// Reconcile runs one pass of both reconciliation steps and publishes a
// snapshot. Exported so tests and a manual "run it once now" admin hook can
// drive it directly without waiting for the ticker.
func (m *Monitor) Reconcile(ctx context.Context) {
	m.reapTimedOutWorkers(ctx)
	m.reapOrphanFiles(ctx)

	m.mu.Lock()
	m.lastTick = time.Now()
	m.mu.Unlock()

	if m.bus == nil {
		return
	}

	stats, err := m.store.Statistics(ctx)
	if err != nil {
		m.logger.Error("failed to compute statistics for snapshot", slog.Any("error", err))
		return
	}

	m.bus.PublishSnapshot(Snapshot{
		Statistics: stats,
		Workers:    m.registry.Workers(),
		Timestamp:  time.Now(),
	})
}

// reapTimedOutWorkers marks any worker whose last heartbeat is older than
// heartbeatTimeout offline, and fails its in-flight file if it had one.
func (m *Monitor) reapTimedOutWorkers(ctx context.Context) {
	now := time.Now()
	for _, w := range m.registry.Workers() {
		if w.Status == models.WorkerStatusOffline {
			continue
		}
		if now.Sub(w.LastSeen) <= m.heartbeatTimeout {
			continue
		}

		fileID, marked := m.registry.MarkOffline(w.ID, m.heartbeatTimeout)
		if !marked {
			// A concurrent heartbeat refreshed last_seen since the
			// Workers() snapshot was taken; leave the worker alone.
			continue
		}
		m.logger.Warn("worker heartbeat timeout, marking offline",
			slog.String("worker_id", w.ID),
			slog.Duration("since_last_seen", now.Sub(w.LastSeen)))

		if fileID != nil {
			if _, err := m.store.MarkFailed(ctx, *fileID, "Worker disconnected"); err != nil {
				m.logger.Error("failed to fail file for timed-out worker",
					slog.String("worker_id", w.ID),
					slog.Any("error", err))
			}
		}
	}
}

// reapOrphanFiles fails any processing file whose assigned worker is no
// longer present in the Registry or has gone offline. This self-heals from
// a worker crash that never sent a final heartbeat.
func (m *Monitor) reapOrphanFiles(ctx context.Context) {
	processing, err := m.store.ListProcessing(ctx)
	if err != nil {
		m.logger.Error("failed to list processing files", slog.Any("error", err))
		return
	}

	for _, f := range processing {
		if f.AssignedWorkerID != "" && m.registry.WorkerIsAlive(f.AssignedWorkerID) {
			continue
		}

		m.logger.Warn("orphaned processing file, marking failed",
			slog.Uint64("file_id", uint64(f.ID)),
			slog.String("assigned_worker_id", f.AssignedWorkerID))

		if _, err := m.store.MarkFailed(ctx, f.ID, "No active worker assigned"); err != nil {
			m.logger.Error("failed to fail orphaned file",
				slog.Uint64("file_id", uint64(f.ID)),
				slog.Any("error", err))
		}
	}
}

// LastTickAt returns when the Monitor last completed a reconciliation
// pass, the zero Time if it has never ticked. Satisfies the
// handlers.MonitorStatus interface used by the health check.
func (m *Monitor) LastTickAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastTick
}
