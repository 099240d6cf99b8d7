package machine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/MachineTending/internal/telemetry"
	"github.com/KevinKickass/MachineTending/internal/types"
	"go.uber.org/zap"
)

// RobotLink is the part of the robot link the watchdog drives.
type RobotLink interface {
	Poll(ctx context.Context) (types.RobotStatus, error)
	Publish(ctx context.Context, phase types.PrinterPhase) error
	Reconnect(ctx context.Context) error
	Sessions() int64
}

// Watchdog keeps the robot link alive: every interval it polls one status
// frame into the shared cell and publishes the printer phase back. The
// motion program stops when the heartbeat goes quiet.
type Watchdog struct {
	link     RobotLink
	shared   *Shared
	interval time.Duration
	logger   *zap.Logger

	reporter  *telemetry.Reporter
	metrics   *telemetry.Metrics
	observers []Observer

	linkUp     atomic.Bool
	ticks      atomic.Int64
	reconnects atomic.Int64
}

type WatchdogOption func(*Watchdog)

func WithWatchdogReporter(r *telemetry.Reporter) WatchdogOption {
	return func(w *Watchdog) { w.reporter = r }
}

func WithWatchdogMetrics(m *telemetry.Metrics) WatchdogOption {
	return func(w *Watchdog) { w.metrics = m }
}

func WithWatchdogObserver(o Observer) WatchdogOption {
	return func(w *Watchdog) {
		if o != nil {
			w.observers = append(w.observers, o)
		}
	}
}

func NewWatchdog(link RobotLink, shared *Shared, interval time.Duration, logger *zap.Logger, opts ...WatchdogOption) *Watchdog {
	w := &Watchdog{
		link:     link,
		shared:   shared,
		interval: interval,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run loops until ctx is cancelled. Broken links are reconnected in place;
// only fatal faults end the loop with an error.
func (w *Watchdog) Run(ctx context.Context) error {
	w.logger.Info("Watchdog started", zap.Duration("interval", w.interval))
	defer w.logger.Info("Watchdog stopped", zap.Int64("ticks", w.ticks.Load()))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.tick(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Watchdog) tick(ctx context.Context) error {
	started := time.Now()

	status, err := w.link.Poll(ctx)
	if err == nil {
		w.shared.Status.Store(status)
		err = w.link.Publish(ctx, w.shared.Phase.Load())
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if !types.IsRecoverable(err) {
			w.logger.Error("Watchdog fault", zap.Error(err))
			return err
		}
		return w.reconnect(ctx, err)
	}

	w.setLinkUp(true)
	w.ticks.Add(1)
	w.reporter.Tick(time.Now())
	w.metrics.WatchdogTick(time.Since(started), int32(status.Phase))
	return nil
}

// reconnect makes one attempt per detected break. A failed attempt is
// retried on the next tick.
func (w *Watchdog) reconnect(ctx context.Context, cause error) error {
	w.setLinkUp(false)
	w.reconnects.Add(1)
	w.logger.Warn("Robot link broken, reconnecting", zap.Error(cause))

	err := w.link.Reconnect(ctx)
	w.metrics.Reconnect(err == nil)
	if err == nil {
		w.logger.Info("Robot link re-established", zap.Int64("sessions", w.link.Sessions()))
		return nil
	}
	if ctx.Err() != nil || types.IsRecoverable(err) {
		w.logger.Warn("Reconnect failed", zap.Error(err))
		return nil
	}
	return err
}

func (w *Watchdog) setLinkUp(up bool) {
	if w.linkUp.Swap(up) == up {
		return
	}
	w.metrics.LinkUp(up)
	for _, o := range w.observers {
		o.LinkStateChanged(up, w.link.Sessions())
	}
}

func (w *Watchdog) LinkUp() bool {
	return w.linkUp.Load()
}

func (w *Watchdog) Ticks() int64 {
	return w.ticks.Load()
}

func (w *Watchdog) Reconnects() int64 {
	return w.reconnects.Load()
}
