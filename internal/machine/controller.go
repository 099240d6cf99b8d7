package machine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Controller runs the watchdog and the coordinator as one unit and takes
// operator commands.
type Controller struct {
	logger      *zap.Logger
	shared      *Shared
	watchdog    *Watchdog
	coordinator *Coordinator

	heartbeatOnce sync.Once
	stopHeartbeat context.CancelFunc
	heartbeatDone chan struct{}
	heartbeatErr  error
}

func NewController(logger *zap.Logger, shared *Shared, watchdog *Watchdog, coordinator *Coordinator) *Controller {
	return &Controller{
		logger:        logger,
		shared:        shared,
		watchdog:      watchdog,
		coordinator:   coordinator,
		stopHeartbeat: func() {},
		heartbeatDone: make(chan struct{}),
	}
}

// StartWatchdog starts the heartbeat right after synchronization, before
// any printer I/O. It runs until StopWatchdog, an immediate shutdown or
// ctx ends. Later calls are no-ops.
func (c *Controller) StartWatchdog(ctx context.Context) {
	c.heartbeatOnce.Do(func() {
		wctx, cancel := c.shared.Shutdown.Context(ctx)
		c.stopHeartbeat = cancel
		go func() {
			defer close(c.heartbeatDone)
			c.heartbeatErr = c.watchdog.Run(wctx)
		}()
	})
}

// StopWatchdog ends the heartbeat and waits for the goroutine. Safe when
// it was never started.
func (c *Controller) StopWatchdog() {
	c.heartbeatOnce.Do(func() { close(c.heartbeatDone) })
	c.stopHeartbeat()
	<-c.heartbeatDone
}

// Run blocks until the coordinator is done. The watchdog keeps the
// heartbeat up until then, so an orderly stop never drops the robot link
// mid-cycle. A fatal fault in either goroutine stops both.
func (c *Controller) Run(ctx context.Context) error {
	c.StartWatchdog(ctx)
	defer c.StopWatchdog()

	runCtx, cancel := c.shared.Shutdown.Context(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		select {
		case <-c.heartbeatDone:
			return c.heartbeatErr
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		defer c.StopWatchdog()
		return c.coordinator.Run(gctx)
	})

	err := g.Wait()
	if err != nil {
		c.coordinator.Fail(err)
		c.logger.Error("Control loop failed", zap.Error(err))
		return err
	}

	c.logger.Info("Control loop finished",
		zap.Int("job_count", c.coordinator.JobCount()),
		zap.Bool("shutdown_requested", c.shared.Shutdown.Requested()))
	return nil
}

// ExecuteCommand handles operator commands
func (c *Controller) ExecuteCommand(_ context.Context, cmd Command) error {
	c.logger.Info("Machine command received",
		zap.String("command", string(cmd)),
		zap.String("current_state", string(c.coordinator.State())))

	switch cmd {
	case CommandStop:
		c.shared.Shutdown.Request()
	case CommandAbort:
		c.shared.Shutdown.RequestImmediate()
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
	return nil
}

func (c *Controller) GetStatus() MachineStatus {
	status := c.coordinator.GetStatus()
	status.RobotLinkUp = c.watchdog.LinkUp()
	return status
}

// LinkUp is used by the health probe.
func (c *Controller) LinkUp() bool {
	return c.watchdog.LinkUp()
}
