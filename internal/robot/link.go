package robot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/MachineTending/internal/config"
	"github.com/KevinKickass/MachineTending/internal/rtde"
	"github.com/KevinKickass/MachineTending/internal/types"
	"go.uber.org/zap"
)

// DefaultFrequency is used when the state recipe does not set one.
const DefaultFrequency = 125.0

// Setpoints are the six double slots of the optional setp recipe.
type Setpoints [6]float64

// Link owns exactly one RTDE session with the cobot controller.
type Link struct {
	client  *rtde.Client
	recipes *config.RecipeConfig
	logger  *zap.Logger

	mu          sync.Mutex
	state       *rtde.Recipe
	watchdog    *rtde.Recipe
	setp        *rtde.Recipe
	phaseIdx    int
	poseIdx     int
	watchdogIdx int
	setpoints   Setpoints

	synchronized atomic.Bool
	sessions     atomic.Int64
}

func NewLink(address string, timeout time.Duration, recipes *config.RecipeConfig, logger *zap.Logger) *Link {
	return &Link{
		client:  rtde.NewClient(address, timeout, logger),
		recipes: recipes,
		logger:  logger.With(zap.String("cobot", address)),
	}
}

// classify maps transport errors to the control loop taxonomy.
func classify(op string, err error) error {
	var pe *rtde.ProtocolError
	if errors.As(err, &pe) {
		return types.Fatal(types.FaultProtocol, op, err)
	}
	return types.LinkBroken(op, err)
}

// Connect dials the controller and negotiates the recipes.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.client.Connect(ctx); err != nil {
		return types.LinkBroken("connect", err)
	}

	ok, err := l.client.NegotiateProtocolVersion(ctx)
	if err != nil {
		return classify("negotiate protocol", err)
	}
	if !ok {
		l.client.Disconnect()
		return types.Fatalf(types.FaultConnection, "negotiate protocol",
			"controller rejected RTDE protocol version %d", rtde.ProtocolVersion)
	}

	version, err := l.client.ControllerVersion(ctx)
	if err != nil {
		return classify("controller version", err)
	}
	l.logger.Info("UR controller connected", zap.String("controller_version", version.String()))

	stateCfg, _ := l.recipes.Recipe(config.RecipeState)
	frequency := stateCfg.Frequency
	if frequency == 0 {
		frequency = DefaultFrequency
	}

	state, err := l.client.SetupOutputs(ctx, stateCfg.Names(), frequency)
	if err != nil {
		return l.setupFailed("setup state recipe", err)
	}

	watchdogCfg, _ := l.recipes.Recipe(config.RecipeWatchdog)
	watchdog, err := l.client.SetupInputs(ctx, watchdogCfg.Names())
	if err != nil {
		return l.setupFailed("setup watchdog recipe", err)
	}

	var setp *rtde.Recipe
	if setpCfg, ok := l.recipes.Recipe(config.RecipeSetpoints); ok {
		setp, err = l.client.SetupInputs(ctx, setpCfg.Names())
		if err != nil {
			return l.setupFailed("setup setpoint recipe", err)
		}
	}

	l.state = state
	l.watchdog = watchdog
	l.setp = setp
	l.phaseIdx = state.Index(config.StatusRegister)
	l.poseIdx = state.Index(config.PoseField)
	l.watchdogIdx = watchdog.Index(config.WatchdogRegister)
	l.sessions.Add(1)

	l.logger.Info("RTDE recipes negotiated",
		zap.Strings("state", state.Names),
		zap.Strings("watchdog", watchdog.Names),
		zap.Bool("setpoints", setp != nil),
		zap.Float64("frequency_hz", frequency))

	return nil
}

func (l *Link) setupFailed(op string, err error) error {
	var pe *rtde.ProtocolError
	if errors.As(err, &pe) {
		l.client.Disconnect()
		return types.Fatal(types.FaultConnection, op, err)
	}
	return types.LinkBroken(op, err)
}

// StartSynchronization begins the periodic exchange. A refused start is a
// configuration mismatch and therefore fatal.
func (l *Link) StartSynchronization(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ok, err := l.client.Start(ctx)
	if err != nil {
		return classify("start synchronization", err)
	}
	if !ok {
		return types.Fatalf(types.FaultProtocol, "start synchronization", "controller refused to start data synchronization")
	}

	if l.setp != nil {
		if err := l.sendSetpointsLocked(ctx); err != nil {
			return err
		}
	}

	l.synchronized.Store(true)
	l.logger.Info("RTDE synchronization started")
	return nil
}

// Poll blocks for one status frame. An empty or unparsable frame is
// reported as a broken link.
func (l *Link) Poll(ctx context.Context) (types.RobotStatus, error) {
	values, err := l.client.Receive(ctx)
	if err != nil {
		l.synchronized.Store(false)
		return types.RobotStatus{}, types.LinkBroken("poll", err)
	}

	l.mu.Lock()
	phaseIdx, poseIdx := l.phaseIdx, l.poseIdx
	l.mu.Unlock()

	phase, err := types.ParseRobotPhase(values[phaseIdx].Int)
	if err != nil {
		return types.RobotStatus{}, err
	}

	status := types.RobotStatus{Phase: phase, ReceivedAt: time.Now()}
	if poseIdx >= 0 {
		copy(status.Pose[:], values[poseIdx].Vector)
	}
	return status, nil
}

// Publish writes the printer phase into the watchdog register and sends it.
func (l *Link) Publish(ctx context.Context, phase types.PrinterPhase) error {
	l.mu.Lock()
	watchdog, idx := l.watchdog, l.watchdogIdx
	l.mu.Unlock()

	if watchdog == nil {
		return types.LinkBroken("publish", rtde.ErrNotConnected)
	}

	values := make([]rtde.Value, len(watchdog.Types))
	for i, t := range watchdog.Types {
		values[i] = zeroValue(t)
	}
	values[idx] = rtde.IntValue(rtde.TypeInt32, int64(phase))

	if err := l.client.Send(ctx, watchdog, values); err != nil {
		l.synchronized.Store(false)
		return classify("publish", err)
	}
	return nil
}

// SetSetpoints stores and, when synchronized, transmits the setp recipe.
func (l *Link) SetSetpoints(ctx context.Context, sp Setpoints) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.setpoints = sp
	if l.setp == nil {
		return fmt.Errorf("no %q recipe configured", config.RecipeSetpoints)
	}
	if !l.synchronized.Load() {
		return nil
	}
	return l.sendSetpointsLocked(ctx)
}

func (l *Link) sendSetpointsLocked(ctx context.Context) error {
	values := make([]rtde.Value, len(l.setpoints))
	for i, v := range l.setpoints {
		values[i] = rtde.DoubleValue(v)
	}
	if err := l.client.Send(ctx, l.setp, values); err != nil {
		return classify("send setpoints", err)
	}
	return nil
}

// Reconnect tears the session down and establishes a new one.
func (l *Link) Reconnect(ctx context.Context) error {
	l.synchronized.Store(false)
	l.client.Disconnect()

	if err := l.Connect(ctx); err != nil {
		return err
	}
	return l.StartSynchronization(ctx)
}

// Close pauses synchronization when possible and drops the session.
func (l *Link) Close() error {
	if l.synchronized.Swap(false) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := l.client.Pause(ctx); err != nil {
			l.logger.Debug("RTDE pause failed", zap.Error(err))
		}
	}
	return l.client.Disconnect()
}

// Synchronized reports whether the last exchange on this link succeeded.
func (l *Link) Synchronized() bool {
	return l.synchronized.Load()
}

// Sessions counts successful recipe negotiations over the link's lifetime.
func (l *Link) Sessions() int64 {
	return l.sessions.Load()
}

func zeroValue(t rtde.FieldType) rtde.Value {
	switch t {
	case rtde.TypeVector3D:
		return rtde.VectorValue(t, make([]float64, 3))
	case rtde.TypeVector6D, rtde.TypeVector6Int32, rtde.TypeVector6Uint32:
		return rtde.VectorValue(t, make([]float64, 6))
	}
	return rtde.Value{Type: t}
}
