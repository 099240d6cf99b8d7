package system

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/KevinKickass/MachineTending/internal/api/rest"
	"github.com/KevinKickass/MachineTending/internal/api/websocket"
	"github.com/KevinKickass/MachineTending/internal/auth"
	"github.com/KevinKickass/MachineTending/internal/config"
	"github.com/KevinKickass/MachineTending/internal/interfaces"
	"github.com/KevinKickass/MachineTending/internal/machine"
	"github.com/KevinKickass/MachineTending/internal/octoprint"
	"github.com/KevinKickass/MachineTending/internal/printer"
	"github.com/KevinKickass/MachineTending/internal/robot"
	"github.com/KevinKickass/MachineTending/internal/telemetry"
	"github.com/KevinKickass/MachineTending/internal/types"
)

// LifecycleManager wires links, control loop and the optional status
// surfaces for one run of the process.
type LifecycleManager struct {
	config   *config.Config
	recipes  *config.RecipeConfig
	reporter *telemetry.Reporter
	logger   *zap.Logger

	shared  *machine.Shared
	metrics *telemetry.Metrics

	robotLink   *robot.Link
	controller  *machine.Controller
	authService *auth.AuthService
	wsHub       *websocket.Hub
	restServer  *rest.Server
	health      *HealthServer

	stateMu        sync.RWMutex
	currentState   SystemState
	lastError      string
	printerVersion string
	startedAt      time.Time
}

var _ interfaces.LifecycleManager = (*LifecycleManager)(nil)

func NewLifecycleManager(
	cfg *config.Config,
	recipes *config.RecipeConfig,
	reporter *telemetry.Reporter,
	logger *zap.Logger,
) *LifecycleManager {
	return &LifecycleManager{
		config:       cfg,
		recipes:      recipes,
		reporter:     reporter,
		logger:       logger,
		shared:       machine.NewShared(),
		metrics:      telemetry.NewMetrics(),
		currentState: StateInitializing,
	}
}

// MachineController returns the machine controller
func (lm *LifecycleManager) MachineController() interfaces.MachineController {
	return lm.controller
}

// RequestShutdown is called per OS signal. The first asks for an orderly
// stop after the current cycle, the second stops immediately.
func (lm *LifecycleManager) RequestShutdown() bool {
	immediate := lm.shared.Shutdown.Escalate()
	if immediate {
		lm.logger.Warn("Immediate shutdown requested")
	} else {
		lm.logger.Info("Shutdown requested, finishing current cycle")
	}
	return immediate
}

// Run blocks until the control loop is done. It returns nil after a
// completed run or a requested stop and the fatal fault otherwise.
func (lm *LifecycleManager) Run(ctx context.Context) error {
	lm.stateMu.Lock()
	lm.startedAt = time.Now()
	lm.stateMu.Unlock()

	lock, err := AcquireLock(lm.config.LockFile)
	if err != nil {
		lm.setError(err)
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			lm.logger.Warn("Failed to release instance lock", zap.Error(err))
		}
	}()

	if err := lm.start(ctx); err != nil {
		lm.setError(err)
		lm.stop()
		return err
	}

	lm.setState(StateRunning)
	lm.logger.Info("System started successfully",
		zap.String("cobot", lm.config.Cobot.CobotAddress()),
		zap.String("octoprint", lm.config.Printer.URL),
		zap.Int("max_jobs", lm.config.Cycle.MaxJobs),
		zap.Bool("status_api", lm.restServer != nil),
		zap.Bool("grpc_health", lm.health != nil))

	runErr := lm.run(ctx)

	lm.setState(StateStopping)
	lm.stop()

	if runErr != nil {
		lm.setError(runErr)
		return runErr
	}
	lm.setState(StateStopped)
	return nil
}

func (lm *LifecycleManager) start(ctx context.Context) error {
	cfg := lm.config

	// Der Abort-Befehl stoppt echte Hardware, ohne Secret kein API
	if cfg.Server.StatusAPIAddress != "" && !cfg.Auth.IsProductionReady() {
		return types.Fatalf(types.FaultConfig, "status api",
			"%s must hold a JWT secret of at least %d bytes when status_api_address is set",
			cfg.Auth.SecretEnv(), config.MinJWTSecretLength)
	}

	client, err := octoprint.NewClient(cfg.Printer.URL, cfg.Printer.APIKey, cfg.Printer.Timeout,
		cfg.Printer.RetryAttempts, lm.logger)
	if err != nil {
		return types.Fatal(types.FaultConfig, "octoprint client", err)
	}
	printerLink := printer.NewLink(client, lm.logger)

	watchdogOpts := []machine.WatchdogOption{
		machine.WithWatchdogReporter(lm.reporter),
		machine.WithWatchdogMetrics(lm.metrics),
	}
	coordinatorOpts := []machine.CoordinatorOption{
		machine.WithReporter(lm.reporter),
		machine.WithMetrics(lm.metrics),
	}
	if cfg.Server.StatusAPIAddress != "" {
		lm.authService = auth.NewAuthService(cfg.Auth, lm.logger)
		lm.wsHub = websocket.NewHub(lm.logger, lm.authService)
		watchdogOpts = append(watchdogOpts, machine.WithWatchdogObserver(lm.wsHub))
		coordinatorOpts = append(coordinatorOpts, machine.WithObserver(lm.wsHub))
	}

	lm.robotLink = robot.NewLink(cfg.Cobot.CobotAddress(), cfg.Cobot.LinkTimeout, lm.recipes, lm.logger)
	if err := lm.robotLink.Connect(ctx); err != nil {
		return startupFault("robot connect", err)
	}
	if err := lm.robotLink.StartSynchronization(ctx); err != nil {
		return startupFault("robot synchronization", err)
	}

	watchdog := machine.NewWatchdog(lm.robotLink, lm.shared, cfg.Cobot.WatchdogInterval, lm.logger, watchdogOpts...)
	coordinator := machine.NewCoordinator(printerLink, lm.shared, cfg.Cycle, cfg.Printer, lm.logger, coordinatorOpts...)
	lm.controller = machine.NewController(lm.logger, lm.shared, watchdog, coordinator)

	// Heartbeat sofort nach dem Sync-Start, der Roboter wartet nicht auf den Drucker
	lm.controller.StartWatchdog(ctx)

	version, err := printerLink.Connect(ctx)
	if err != nil {
		return startupFault("printer connect", err)
	}
	lm.stateMu.Lock()
	lm.printerVersion = version
	lm.stateMu.Unlock()

	if lm.wsHub != nil {
		lm.wsHub.SetMachineStatusProvider(lm.controller)
		lm.restServer = rest.NewServer(cfg.Server, lm, lm.logger, lm.wsHub, lm.authService, lm.metrics)
		if err := lm.restServer.Start(); err != nil {
			lm.restServer = nil
			return types.Fatal(types.FaultConfig, "status api", err)
		}
	}

	if cfg.Server.GRPCHealthAddress != "" {
		lm.health, err = NewHealthServer(cfg.Server.GRPCHealthAddress, lm.logger)
		if err != nil {
			return types.Fatal(types.FaultConfig, "grpc health", err)
		}
		lm.health.Start()
	}

	return nil
}

// startupFault: nothing retries during startup, so a broken link is a
// connection failure.
func startupFault(op string, err error) error {
	if types.IsRecoverable(err) {
		return types.Fatal(types.FaultConnection, op, err)
	}
	return err
}

func (lm *LifecycleManager) run(ctx context.Context) error {
	auxCtx, stopAux := context.WithCancel(ctx)
	defer stopAux()

	var g errgroup.Group
	g.Go(func() error {
		defer stopAux()
		return lm.controller.Run(ctx)
	})
	if lm.wsHub != nil {
		g.Go(func() error {
			return lm.wsHub.Run(auxCtx)
		})
	}
	if lm.health != nil {
		g.Go(func() error {
			lm.health.Watch(auxCtx, lm.controller.LinkUp, lm.config.Cobot.WatchdogInterval)
			return nil
		})
	}
	return g.Wait()
}

// stop shuts the servers down, ends the heartbeat and releases the robot
// session. Safe after a partial start.
func (lm *LifecycleManager) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), lm.config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if lm.restServer != nil {
		if err := lm.restServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if lm.health != nil {
		lm.health.Stop()
	}
	if lm.controller != nil {
		lm.controller.StopWatchdog()
	}
	if lm.robotLink != nil {
		if err := lm.robotLink.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		lm.logger.Warn("Shutdown incomplete", zap.Error(err))
		return
	}
	lm.logger.Info("Graceful shutdown completed")
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected system state change", zap.Error(err))
	}
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	lm.currentState = StateError
	lm.lastError = err.Error()
}

// State returns the process state.
func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()

	status := interfaces.SystemStatus{
		State:          lm.currentState.String(),
		Version:        Version,
		StartedAt:      lm.startedAt,
		PrinterVersion: lm.printerVersion,
		Error:          lm.lastError,
	}
	if !lm.startedAt.IsZero() {
		status.UptimeSeconds = int64(time.Since(lm.startedAt).Seconds())
	}
	if lm.controller != nil {
		status.RobotLinkUp = lm.controller.LinkUp()
	}
	if lm.wsHub != nil {
		status.WebSocketClients = lm.wsHub.GetClientCount()
	}
	return status
}
