package machine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/KevinKickass/MachineTending/internal/config"
	"github.com/KevinKickass/MachineTending/internal/telemetry"
	"github.com/KevinKickass/MachineTending/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PrinterLink is the part of the printer link the coordinator drives.
type PrinterLink interface {
	VerifyFiles(ctx context.Context, names ...string) error
	Select(ctx context.Context, name string) error
	SelectedJob(ctx context.Context) (string, error)
	Start(ctx context.Context) error
	Cancel(ctx context.Context) error
	State(ctx context.Context) (types.JobState, error)
	BedTemperature(ctx context.Context) (float64, error)
}

// Coordinator runs the print, cool and pick cycle. It reads the robot only
// through the shared status cell and is the sole writer of the printer
// phase register.
type Coordinator struct {
	printer PrinterLink
	shared  *Shared
	cycle   config.CycleConfig
	jobs    config.PrinterConfig
	logger  *zap.Logger

	reporter  *telemetry.Reporter
	metrics   *telemetry.Metrics
	observers []Observer

	mu              sync.RWMutex
	state           CycleState
	jobCount        int
	currentJob      string
	cycleID         uuid.UUID
	errorMessage    string
	startedAt       time.Time
	lastStateChange time.Time
	phaseEntered    time.Time
}

type CoordinatorOption func(*Coordinator)

func WithReporter(r *telemetry.Reporter) CoordinatorOption {
	return func(c *Coordinator) { c.reporter = r }
}

func WithMetrics(m *telemetry.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

func WithObserver(o Observer) CoordinatorOption {
	return func(c *Coordinator) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

func NewCoordinator(
	printer PrinterLink,
	shared *Shared,
	cycle config.CycleConfig,
	jobs config.PrinterConfig,
	logger *zap.Logger,
	opts ...CoordinatorOption,
) *Coordinator {
	now := time.Now()
	c := &Coordinator{
		printer:         printer,
		shared:          shared,
		cycle:           cycle,
		jobs:            jobs,
		logger:          logger,
		state:           StateBootstrap,
		lastStateChange: now,
		phaseEntered:    now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes cycles until the configured job count is reached or a stop
// was requested. Cancellation of ctx is a stop, not a failure.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	c.startedAt = time.Now()
	c.mu.Unlock()

	err := c.run(ctx)
	switch {
	case err == nil:
		c.setState(StateStopped, "")
		return nil
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		if c.shared.Shutdown.Immediate() {
			c.abortJob()
		}
		c.setState(StateStopped, "")
		return nil
	default:
		c.Fail(err)
		return err
	}
}

func (c *Coordinator) run(ctx context.Context) error {
	if err := c.bootstrap(ctx); err != nil {
		return err
	}

	c.logger.Info("Start machine tending control loop",
		zap.Int("max_jobs", c.cycle.MaxJobs),
		zap.Float64("bed_pick_temp", c.jobs.BedPickTemp))
	c.reporter.StartTime(time.Now())
	c.reporter.JobCount(0)

	c.setState(StateSelectFirstJob, "")
	if err := c.selectJob(ctx, c.jobs.PrimeJob); err != nil {
		return err
	}

	for first := true; ; first = false {
		if c.shared.Shutdown.Requested() {
			c.logger.Info("Shutdown requested, leaving control loop", zap.Int("job_count", c.JobCount()))
			return nil
		}

		rec, err := c.runCycle(ctx, first)
		if err != nil {
			return err
		}

		count := c.complete(rec)
		if c.cycle.MaxJobs > 0 && count >= c.cycle.MaxJobs {
			c.logger.Info("Configured job count reached", zap.Int("job_count", count))
			return nil
		}
	}
}

// bootstrap checks the printer is ready and the robot is not mid-pick
// before the first cycle.
func (c *Coordinator) bootstrap(ctx context.Context) error {
	c.setState(StateBootstrap, "")

	if err := c.printer.VerifyFiles(ctx, c.jobs.PrimeJob, c.jobs.NoPrimeJob); err != nil {
		return err
	}

	var state types.JobState
	err := c.waitFor(ctx, "printer state", c.cycle.BootstrapTimeout, func(ctx context.Context) (bool, error) {
		var err error
		state, err = c.printer.State(ctx)
		return err == nil, err
	})
	if err != nil {
		return err
	}
	if state != types.JobOperational {
		return types.Fatalf(types.FaultPrecondition, "bootstrap", "printer busy, cannot start control loop (state %s)", state)
	}

	return c.waitFor(ctx, "robot status", c.cycle.BootstrapTimeout, func(context.Context) (bool, error) {
		s, ok := c.shared.Status.Load()
		return ok && s.Phase != types.RobotPicking, nil
	})
}

// selectJob selects name without printing and verifies the printer took it.
func (c *Coordinator) selectJob(ctx context.Context, name string) error {
	if err := c.printer.Select(ctx, name); err != nil {
		return err
	}
	if err := sleep(ctx, c.cycle.SelectSettle); err != nil {
		return err
	}

	var selected string
	var state types.JobState
	err := c.waitFor(ctx, "job info", c.cycle.BootstrapTimeout, func(ctx context.Context) (bool, error) {
		var err error
		if selected, err = c.printer.SelectedJob(ctx); err != nil {
			return false, err
		}
		state, err = c.printer.State(ctx)
		return err == nil, err
	})
	if err != nil {
		return err
	}

	if selected != name {
		return types.Fatalf(types.FaultPrecondition, "select job", "printer selected %q, expected %q", selected, name)
	}
	if state != types.JobOperational {
		return types.Fatalf(types.FaultPrecondition, "select job", "printer not operational after selecting %q (state %s)", name, state)
	}

	c.mu.Lock()
	c.currentJob = name
	c.mu.Unlock()

	c.logger.Info("Print job selected", zap.String("file", name))
	return nil
}

func (c *Coordinator) runCycle(ctx context.Context, first bool) (CycleRecord, error) {
	c.mu.Lock()
	rec := CycleRecord{
		ID:         uuid.New(),
		Job:        c.jobCount + 1,
		File:       c.currentJob,
		CycleStart: time.Now(),
	}
	c.cycleID = rec.ID
	c.mu.Unlock()

	// Printing
	c.setState(StatePrinting, "")
	c.setPhase(types.PrinterPrinting)
	c.logger.Info("Start new print job", zap.Int("job", rec.Job), zap.String("file", rec.File))

	if err := c.printer.Start(ctx); err != nil {
		return rec, err
	}
	rec.PrintStart = time.Now()

	if err := sleep(ctx, c.cycle.PrintStartGrace); err != nil {
		return rec, err
	}

	var state types.JobState
	err := c.waitFor(ctx, "print start", c.cycle.PrintTimeout, func(ctx context.Context) (bool, error) {
		var err error
		state, err = c.printer.State(ctx)
		return err == nil, err
	})
	if err != nil {
		return rec, err
	}
	if state != types.JobPrinting {
		return rec, types.Fatalf(types.FaultPrecondition, "print start", "printer reports %s after start, expected Printing", state)
	}

	err = c.waitFor(ctx, "print complete", c.cycle.PrintTimeout, func(ctx context.Context) (bool, error) {
		state, err := c.printer.State(ctx)
		return err == nil && state != types.JobPrinting, err
	})
	if err != nil {
		return rec, err
	}
	c.logger.Info("Print job complete", zap.Duration("duration", time.Since(rec.PrintStart)))

	// Cooling
	c.setState(StateCooling, "")
	c.logger.Info("Waiting for bed to cool", zap.Float64("threshold", c.jobs.BedPickTemp))

	err = c.waitFor(ctx, "bed cool", c.cycle.CoolTimeout, func(ctx context.Context) (bool, error) {
		temp, err := c.printer.BedTemperature(ctx)
		return err == nil && temp <= c.jobs.BedPickTemp, err
	})
	if err != nil {
		return rec, err
	}
	err = c.waitFor(ctx, "printer operational", c.cycle.CoolTimeout, func(ctx context.Context) (bool, error) {
		state, err := c.printer.State(ctx)
		return err == nil && state == types.JobOperational, err
	})
	if err != nil {
		return rec, err
	}
	rec.CoolComplete = time.Now()

	if first {
		if err := c.selectJob(ctx, c.jobs.NoPrimeJob); err != nil {
			return rec, err
		}
	}

	// AwaitPick
	if err := c.checkPickPrecondition(); err != nil {
		return rec, err
	}
	c.setState(StateAwaitPick, "")
	c.setPhase(types.PrinterIdle)

	err = c.waitFor(ctx, "pick start", c.cycle.PickTimeout, func(context.Context) (bool, error) {
		s, _ := c.shared.Status.Load()
		return s.Phase == types.RobotPicking, nil
	})
	if err != nil {
		return rec, err
	}
	rec.PickStart = time.Now()

	// Picking
	c.setState(StatePicking, "")
	c.logger.Info("Robot arm removing item from printer bed")

	var robot types.RobotStatus
	err = c.waitFor(ctx, "pick complete", c.cycle.PickTimeout, func(context.Context) (bool, error) {
		robot, _ = c.shared.Status.Load()
		return robot.Phase != types.RobotPicking, nil
	})
	if err != nil {
		return rec, err
	}
	if robot.Phase != types.RobotIdle {
		return rec, types.Fatalf(types.FaultPrecondition, "pick complete", "robot left PICKING for %s, expected IDLE", robot.Phase)
	}
	rec.PickComplete = time.Now()
	c.logger.Info("Item removed from printer bed")

	return rec, nil
}

// complete counts the cycle and emits its record.
func (c *Coordinator) complete(rec CycleRecord) int {
	c.mu.Lock()
	c.jobCount++
	count := c.jobCount
	c.mu.Unlock()

	c.setState(StateCycleComplete, "")

	c.reporter.JobCount(count)
	c.reporter.CycleStats(rec.PrintStart, rec.CoolComplete, rec.PickComplete)
	c.metrics.CycleCompleted(count, rec.PickComplete.Sub(rec.PrintStart))
	for _, o := range c.observers {
		o.JobCountChanged(count, c.cycle.MaxJobs)
		o.CycleCompleted(rec)
	}

	c.logger.Info("Cycle completed",
		zap.String("cycle_id", rec.ID.String()),
		zap.Int("job_count", count),
		zap.String("file", rec.File),
		zap.Duration("print", rec.CoolComplete.Sub(rec.PrintStart)),
		zap.Duration("pick", rec.PickComplete.Sub(rec.PickStart)))

	return count
}

// checkPickPrecondition requires a known robot status that is not PICKING
// before the bed is released.
func (c *Coordinator) checkPickPrecondition() error {
	s, ok := c.shared.Status.Load()
	if !ok {
		return types.Fatalf(types.FaultPrecondition, "await pick", "no robot status received before releasing the bed")
	}
	if s.Phase == types.RobotPicking {
		return types.Fatalf(types.FaultPrecondition, "await pick", "robot is already picking before the bed was released")
	}
	return nil
}

// waitFor polls cond at the poll interval until it reports done. Broken
// printer links are tolerated until the timeout expires.
func (c *Coordinator) waitFor(ctx context.Context, what string, timeout time.Duration, cond func(context.Context) (bool, error)) error {
	deadline := time.Now().Add(timeout)

	for {
		done, err := cond(ctx)
		switch {
		case err == nil && done:
			return nil
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil && !types.IsRecoverable(err):
			return err
		case err != nil:
			c.logger.Warn("Printer link unavailable", zap.String("wait", what), zap.Error(err))
		}

		if time.Now().After(deadline) {
			return types.Fatalf(types.FaultTimeout, what, "not reached within %s", timeout)
		}
		if err := sleep(ctx, c.cycle.PollInterval); err != nil {
			return err
		}
	}
}

// abortJob cancels the active print job on an immediate stop.
func (c *Coordinator) abortJob() {
	if c.State() != StatePrinting {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.printer.Cancel(ctx); err != nil {
		c.logger.Warn("Cancel print job failed", zap.Error(err))
		return
	}
	c.logger.Info("Print job cancelled")
}

// Fail records a fatal fault.
func (c *Coordinator) Fail(err error) {
	c.setState(StateFailed, err.Error())
}

func (c *Coordinator) setPhase(p types.PrinterPhase) {
	c.shared.Phase.Store(p)
	c.metrics.PrinterPhase(int32(p))
}

func (c *Coordinator) setState(state CycleState, errorMsg string) {
	c.mu.Lock()
	previous := c.state
	now := time.Now()
	entered := c.phaseEntered
	c.state = state
	c.errorMessage = errorMsg
	c.lastStateChange = now
	if previous != state {
		c.phaseEntered = now
	}
	c.mu.Unlock()

	if previous == state {
		return
	}

	c.metrics.Phase(string(previous), now.Sub(entered))
	c.logger.Debug("Machine state changed",
		zap.String("state", string(state)),
		zap.String("previous_state", string(previous)))
	for _, o := range c.observers {
		o.StateChanged(state, previous)
	}
}

func (c *Coordinator) State() CycleState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Coordinator) JobCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jobCount
}

func (c *Coordinator) GetStatus() MachineStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := MachineStatus{
		State:             c.state,
		JobCount:          c.jobCount,
		MaxJobs:           c.cycle.MaxJobs,
		CurrentJob:        c.currentJob,
		PrinterPhase:      c.shared.Phase.Load().String(),
		ShutdownRequested: c.shared.Shutdown.Requested(),
		ErrorMessage:      c.errorMessage,
		StartedAt:         c.startedAt,
		LastStateChange:   c.lastStateChange,
	}
	if c.cycleID != uuid.Nil {
		status.CycleID = c.cycleID.String()
	}
	if s, ok := c.shared.Status.Load(); ok {
		status.RobotPhase = s.Phase.String()
	}
	return status
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
