// Package reconciler repairs divergence between local belief and venue
// state through named periodic jobs.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ttateluc/xo-trader/internal/ledger"
	"github.com/ttateluc/xo-trader/internal/metrics"
)

// Isolation declares the consistency boundary a task runs inside.
type Isolation int

const (
	// ReadOnly runs the task in a read-consistent snapshot.
	ReadOnly Isolation = iota
	// ReadWrite runs the task in a read-write transaction.
	ReadWrite
)

func (i Isolation) String() string {
	if i == ReadWrite {
		return "read-write"
	}
	return "read-only"
}

// Task is one named periodic job. Run receives a Ledger scoped to the
// declared isolation boundary.
type Task struct {
	Name         string
	Interval     time.Duration
	InitialDelay time.Duration
	Isolation    Isolation
	Run          func(ctx context.Context, lg ledger.Ledger) error
}

// Scheduler drives registered tasks on independent timers over a fixed
// worker pool. Every tick is a failure-isolation unit: an error or panic
// in one run is logged and counted, never propagated.
type Scheduler struct {
	ledger  ledger.Ledger
	logger  *zap.Logger
	metrics *metrics.Set
	workers chan struct{}

	mu    sync.Mutex
	tasks []Task
	wg    sync.WaitGroup
}

// NewScheduler builds a scheduler running at most workers tasks at once.
func NewScheduler(lg ledger.Ledger, workers int, m *metrics.Set, logger *zap.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		ledger:  lg,
		logger:  logger.Named("scheduler"),
		metrics: m,
		workers: make(chan struct{}, workers),
	}
}

// Register adds a task. Must be called before Start.
func (s *Scheduler) Register(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	s.logger.Info("task registered",
		zap.String("task", task.Name),
		zap.Duration("interval", task.Interval),
		zap.Duration("initial_delay", task.InitialDelay),
		zap.String("isolation", task.Isolation.String()),
	)
}

// Start launches every registered task loop and returns. Task loops stop
// when ctx is done; Wait blocks until they have drained.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, task)
	}
}

// Wait blocks until all task loops have exited.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) loop(ctx context.Context, task Task) {
	defer s.wg.Done()

	if task.InitialDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(task.InitialDelay):
		}
	}

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	s.runOnce(ctx, task)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, task)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, task Task) {
	select {
	case s.workers <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-s.workers }()

	err := s.runIsolated(ctx, task)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		s.logger.Error("task run failed",
			zap.String("task", task.Name),
			zap.Error(err),
		)
	}
	s.metrics.JobRuns.WithLabelValues(task.Name, outcome).Inc()
}

func (s *Scheduler) runIsolated(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()

	boundary := s.ledger.ReadOnly
	if task.Isolation == ReadWrite {
		boundary = s.ledger.Transact
	}
	return boundary(ctx, func(lg ledger.Ledger) error {
		return task.Run(ctx, lg)
	})
}
