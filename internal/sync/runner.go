package sync

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/lifetrack/internal/status"
	"go.uber.org/zap"
)

// ErrNoViewer is returned when no viewer identity is configured.
var ErrNoViewer = errors.New("sync: no viewer configured")

// Runner schedules cycles on a ticker and on demand, and reflects their
// outcome on the status machine.
type Runner struct {
	engine   *Engine
	machine  *status.Machine
	viewer   func() string
	interval time.Duration
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewRunner creates a runner. viewer is read before every cycle so identity
// changes apply without restart. interval <= 0 disables the ticker.
func NewRunner(e *Engine, m *status.Machine, viewer func() string, interval time.Duration, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		engine:   e,
		machine:  m,
		viewer:   viewer,
		interval: interval,
		logger:   logger,
	}
}

// Start runs a first cycle right away, then one per interval.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx)
}

// Stop stops the loop and waits for an in-flight cycle to return.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)
	r.tick(ctx)
	if r.interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	_, err := r.SyncNow(ctx)
	switch {
	case err == nil, ctx.Err() != nil:
	case errors.Is(err, ErrNoViewer):
		r.logger.Debug("no viewer configured, cycle skipped")
	default:
		r.logger.Error("sync cycle failed", zap.Error(err))
	}
}

// SyncNow runs one cycle for the current viewer. It waits for a cycle
// already in progress for the same viewer.
func (r *Runner) SyncNow(ctx context.Context) (*Summary, error) {
	viewer := r.viewer()
	if viewer == "" {
		r.transition(status.LocalOnly)
		return nil, ErrNoViewer
	}

	r.transition(status.Syncing)
	sum, err := r.engine.RunCycle(ctx, viewer)
	switch {
	case err != nil:
		r.transition(status.Error)
	case !sum.Endpoint.Reachable:
		r.transition(status.LocalOnly)
	case !sum.OK:
		r.transition(status.Degraded)
	default:
		r.transition(status.Idle)
	}
	return sum, err
}

func (r *Runner) transition(to status.State) {
	if r.machine == nil {
		return
	}
	if err := r.machine.Transition(to); err != nil {
		r.logger.Warn("status transition rejected", zap.Error(err))
	}
}
