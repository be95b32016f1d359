package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/config"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/pipeline"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/storage"
)

const queueSize = 64

var ErrQueueFull = errors.New("scan queue is full")

type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateDone      State = "done"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Runner processes one scan until it finishes or abandon is closed.
type Runner interface {
	Run(ctx context.Context, scanID int64, abandon <-chan struct{}) (pipeline.RunResult, error)
}

type task struct {
	state     State
	abandon   chan struct{}
	cancelled bool
	finished  time.Time
}

func (t *task) terminal() bool {
	return t.state != StateQueued && t.state != StateRunning
}

// Manager runs scans on a fixed pool of background workers, decoupled from
// the request that started them.
type Manager struct {
	db     *storage.DB
	cfg    config.Config
	runner Runner

	queue chan int64

	mu    sync.Mutex
	tasks map[int64]*task
}

func NewManager(db *storage.DB, cfg config.Config, runner Runner) *Manager {
	return &Manager{
		db:     db,
		cfg:    cfg,
		runner: runner,
		queue:  make(chan int64, queueSize),
		tasks:  map[int64]*task{},
	}
}

// Enqueue schedules a scan. A scan that is already queued or running is
// reported with pipeline.ErrAlreadyScheduled.
func (m *Manager) Enqueue(scanID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tasks[scanID]; ok && !t.terminal() {
		return fmt.Errorf("scan %d: %w", scanID, pipeline.ErrAlreadyScheduled)
	}

	t := &task{state: StateQueued, abandon: make(chan struct{})}
	select {
	case m.queue <- scanID:
		m.tasks[scanID] = t
		return nil
	default:
		return ErrQueueFull
	}
}

// Cancel abandons a queued or running scan. Images already sent to the
// recognizer finish; no new image starts.
func (m *Manager) Cancel(scanID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[scanID]
	if !ok || t.terminal() {
		return false
	}
	if !t.cancelled {
		t.cancelled = true
		close(t.abandon)
	}
	return true
}

func (m *Manager) State(scanID int64) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[scanID]
	if !ok {
		return "", false
	}
	return t.state, true
}

// Run starts the workers and the recovery loop and blocks until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < m.cfg.ScanWorkers; i++ {
		g.Go(func() error {
			m.work(gctx)
			return nil
		})
	}
	g.Go(func() error {
		m.recoverLoop(gctx)
		return nil
	})
	return g.Wait()
}

func (m *Manager) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case scanID := <-m.queue:
			m.runOne(ctx, scanID)
		}
	}
}

func (m *Manager) runOne(ctx context.Context, scanID int64) {
	m.mu.Lock()
	t, ok := m.tasks[scanID]
	if !ok {
		m.mu.Unlock()
		return
	}
	t.state = StateRunning
	abandon := t.abandon
	m.mu.Unlock()

	_, err := m.runner.Run(ctx, scanID, abandon)

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case err != nil:
		t.state = StateFailed
		if ctx.Err() == nil {
			log.Error().Err(err).Int64("scan_id", scanID).Msg("scan run failed")
		}
	case t.cancelled:
		t.state = StateCancelled
	default:
		t.state = StateDone
	}
	t.finished = time.Now()
}

// prune forgets terminal tasks that finished more than the retention period
// before now.
func (m *Manager) prune(now time.Time) int {
	retention := m.cfg.ScanTaskRetention
	if retention <= 0 {
		retention = time.Hour
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tasks {
		if t.terminal() && now.Sub(t.finished) > retention {
			delete(m.tasks, id)
			n++
		}
	}
	return n
}

func (m *Manager) recoverLoop(ctx context.Context) {
	for {
		if n, err := m.Recover(ctx); err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("scan recovery failed")
			}
		} else if n > 0 {
			log.Info().Int("scans", n).Msg("requeued interrupted scans")
		}
		if n := m.prune(time.Now()); n > 0 {
			log.Debug().Int("tasks", n).Msg("pruned finished tasks")
		}

		interval := m.cfg.ScanRecoveryInterval
		if interval <= 0 {
			interval = time.Minute
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// Recover requeues scans left in processing with no live task, such as
// scans interrupted by a restart.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	scans, err := m.db.ListScansByStatus(ctx, internal.ScanProcessing)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, scan := range scans {
		err := m.Enqueue(scan.ID)
		if errors.Is(err, pipeline.ErrAlreadyScheduled) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
