package system

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/KevinKickass/MachineTending/internal/config"
	"github.com/KevinKickass/MachineTending/internal/octoprint/octoprinttest"
	"github.com/KevinKickass/MachineTending/internal/rtde"
	"github.com/KevinKickass/MachineTending/internal/rtde/rtdetest"
	"github.com/KevinKickass/MachineTending/internal/telemetry"
	"github.com/KevinKickass/MachineTending/internal/types"
)

const (
	apiKey     = "SYS00000000000000000000000000000"
	primeJob   = "MT_prime_line.gcode"
	noPrimeJob = "MT_no_prime_line.gcode"
)

func TestLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mt.lock")

	first, err := AcquireLock(path)
	require.NoError(t, err)
	assert.Equal(t, path, first.Path())

	_, err = AcquireLock(path)
	assert.Equal(t, types.FaultPrecondition, types.KindOf(err))

	require.NoError(t, first.Release())
	second, err := AcquireLock(path)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, ValidateTransition(StateInitializing, StateRunning))
	assert.NoError(t, ValidateTransition(StateRunning, StateStopping))
	assert.NoError(t, ValidateTransition(StateStopping, StateStopped))
	assert.Error(t, ValidateTransition(StateStopped, StateRunning))
	assert.Error(t, ValidateTransition(StateInitializing, StateStopped))
	assert.Equal(t, "UNKNOWN", SystemState(42).String())
}

func checkHealth(t *testing.T, addr, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealthServerFollowsLink(t *testing.T) {
	h, err := NewHealthServer("127.0.0.1:0", zaptest.NewLogger(t))
	require.NoError(t, err)
	h.Start()
	t.Cleanup(h.Stop)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkHealth(t, h.Addr(), HealthService))

	var up atomic.Bool

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Watch(ctx, up.Load, time.Millisecond)

	up.Store(true)
	require.Eventually(t, func() bool {
		return checkHealth(t, h.Addr(), "") == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	up.Store(false)
	require.Eventually(t, func() bool {
		return checkHealth(t, h.Addr(), HealthService) == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 10*time.Millisecond)
}

func testRecipes() *config.RecipeConfig {
	return &config.RecipeConfig{Recipes: []config.Recipe{
		{Key: config.RecipeState, Frequency: 500, Fields: []config.RecipeField{
			{Name: config.StatusRegister, Type: "INT32"},
		}},
		{Key: config.RecipeWatchdog, Fields: []config.RecipeField{
			{Name: config.WatchdogRegister, Type: "INT32"},
		}},
	}}
}

const testJWTSecret = "system-test-secret-0123456789abcdef"

func testConfig(t *testing.T, cobotAddr, octoURL string) *config.Config {
	t.Helper()
	t.Setenv("MT_SYSTEM_TEST_SECRET", testJWTSecret)
	host, portStr, err := net.SplitHostPort(cobotAddr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return &config.Config{
		Cobot: config.CobotConfig{
			Address:          host,
			Port:             port,
			WatchdogInterval: 2 * time.Millisecond,
			LinkTimeout:      time.Second,
		},
		Printer: config.PrinterConfig{
			URL:           octoURL,
			APIKey:        apiKey,
			BedPickTemp:   40,
			PrimeJob:      primeJob,
			NoPrimeJob:    noPrimeJob,
			RetryAttempts: 2,
			Timeout:       time.Second,
		},
		Cycle: config.CycleConfig{
			MaxJobs:          1,
			PollInterval:     5 * time.Millisecond,
			PrintStartGrace:  10 * time.Millisecond,
			SelectSettle:     5 * time.Millisecond,
			PrintTimeout:     5 * time.Second,
			CoolTimeout:      5 * time.Second,
			PickTimeout:      5 * time.Second,
			BootstrapTimeout: 5 * time.Second,
		},
		Server: config.ServerConfig{
			StatusAPIAddress:  "127.0.0.1:0",
			GRPCHealthAddress: "127.0.0.1:0",
			ShutdownTimeout:   time.Second,
		},
		Auth: config.AuthConfig{
			JWTSecretEnv:     "MT_SYSTEM_TEST_SECRET",
			AccessTokenTTL:   time.Minute,
			OperatorUsername: "operator",
		},
		LockFile: filepath.Join(t.TempDir(), "mt.lock"),
	}
}

// pickOnce reports PICKING once the printer phase went back to IDLE after
// PRINTING, like the motion program on the cobot.
func pickOnce(ctx context.Context, srv *rtdetest.Server) {
	set := func(p types.RobotPhase) {
		srv.SetOutput(config.StatusRegister, rtde.IntValue(rtde.TypeInt32, int64(p)))
	}
	set(types.RobotIdle)

	printed := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Millisecond):
		}
		v, ok := srv.LastInput(config.WatchdogRegister)
		if !ok {
			continue
		}
		switch types.PrinterPhase(v.Int) {
		case types.PrinterPrinting:
			printed = true
		case types.PrinterIdle:
			if printed {
				set(types.RobotPicking)
				time.Sleep(30 * time.Millisecond)
				set(types.RobotIdle)
				return
			}
		}
	}
}

func TestLifecycleRunsOneJob(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	cobot := rtdetest.NewServer(t, 2*time.Millisecond)
	octo := octoprinttest.NewServer(t, apiKey, primeJob, noPrimeJob)
	octo.SetPrintPolls(2)
	octo.SetBed(45, 10)
	go pickOnce(ctx, cobot)

	var out bytes.Buffer
	lm := NewLifecycleManager(testConfig(t, cobot.Addr(), octo.URL), testRecipes(),
		telemetry.NewReporter(&out, true), zaptest.NewLogger(t))
	assert.Equal(t, "INITIALIZING", lm.GetCurrentStatus().State)

	require.NoError(t, lm.Run(ctx))

	assert.Equal(t, StateStopped, lm.State())
	status := lm.GetCurrentStatus()
	assert.Equal(t, "STOPPED", status.State)
	assert.NotEmpty(t, status.PrinterVersion)
	assert.Empty(t, status.Error)

	var counts []string
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if k, v, ok := telemetry.ParseRecord(line); ok && k == telemetry.KeyPrintJobCount {
			counts = append(counts, v)
		}
	}
	assert.Equal(t, []string{"0", "1"}, counts)
	assert.Equal(t, 1, octo.Starts())
	assert.Equal(t, 1, lm.MachineController().GetStatus().JobCount)
}

func TestLifecycleStartupConnectFailure(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	octo := octoprinttest.NewServer(t, apiKey, primeJob, noPrimeJob)
	lm := NewLifecycleManager(testConfig(t, addr, octo.URL), testRecipes(),
		telemetry.NewReporter(&bytes.Buffer{}, false), zaptest.NewLogger(t))

	err = lm.Run(context.Background())
	assert.Equal(t, types.FaultConnection, types.KindOf(err))
	assert.Equal(t, "ERROR", lm.GetCurrentStatus().State)
	assert.NotEmpty(t, lm.GetCurrentStatus().Error)
}

func TestWatchdogRunsWhilePrinterConnects(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cobot := rtdetest.NewServer(t, 2*time.Millisecond)
	octo := octoprinttest.NewServer(t, apiKey, primeJob, noPrimeJob)
	octo.SetDelay("/api/version", 400*time.Millisecond)

	cfg := testConfig(t, cobot.Addr(), octo.URL)
	cfg.Server = config.ServerConfig{ShutdownTimeout: time.Second}
	lm := NewLifecycleManager(cfg, testRecipes(), telemetry.NewReporter(&bytes.Buffer{}, false), zaptest.NewLogger(t))

	started := time.Now()
	require.NoError(t, lm.start(ctx))
	defer lm.stop()

	require.GreaterOrEqual(t, time.Since(started), 400*time.Millisecond)
	heartbeats := len(cobot.Inputs(config.WatchdogRegister))
	assert.GreaterOrEqual(t, heartbeats, 10, "robot heard %d heartbeats while the printer was connecting", heartbeats)
	assert.True(t, lm.controller.LinkUp())
}

func TestLifecycleStopEndsEarlyHeartbeat(t *testing.T) {
	cobot := rtdetest.NewServer(t, 2*time.Millisecond)
	octo := octoprinttest.NewServer(t, "wrong-key", primeJob, noPrimeJob)

	cfg := testConfig(t, cobot.Addr(), octo.URL)
	lm := NewLifecycleManager(cfg, testRecipes(), nil, zaptest.NewLogger(t))

	err := lm.Run(context.Background())
	assert.Equal(t, types.FaultConfig, types.KindOf(err))

	time.Sleep(20 * time.Millisecond)
	sent := len(cobot.Inputs(config.WatchdogRegister))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, sent, len(cobot.Inputs(config.WatchdogRegister)))
}

func TestLifecycleRequiresJWTSecretForStatusAPI(t *testing.T) {
	cobot := rtdetest.NewServer(t, 2*time.Millisecond)
	octo := octoprinttest.NewServer(t, apiKey, primeJob, noPrimeJob)

	cfg := testConfig(t, cobot.Addr(), octo.URL)
	t.Setenv("MT_SYSTEM_TEST_SECRET", "")

	lm := NewLifecycleManager(cfg, testRecipes(), nil, zaptest.NewLogger(t))
	err := lm.Run(context.Background())

	assert.Equal(t, types.FaultConfig, types.KindOf(err))
	assert.ErrorContains(t, err, "MT_SYSTEM_TEST_SECRET")
	assert.Zero(t, cobot.Connects())

	// Ohne Status-API braucht es kein Secret
	cfg.Server.StatusAPIAddress = ""
	lm = NewLifecycleManager(cfg, testRecipes(), nil, zaptest.NewLogger(t))
	require.NoError(t, lm.start(context.Background()))
	lm.stop()
	assert.Equal(t, 1, cobot.Connects())
}

func TestLifecycleRefusesSecondInstance(t *testing.T) {
	octo := octoprinttest.NewServer(t, apiKey, primeJob, noPrimeJob)
	cfg := testConfig(t, "127.0.0.1:1", octo.URL)

	held, err := AcquireLock(cfg.LockFile)
	require.NoError(t, err)
	defer held.Release()

	lm := NewLifecycleManager(cfg, testRecipes(), nil, zaptest.NewLogger(t))
	err = lm.Run(context.Background())
	assert.Equal(t, types.FaultPrecondition, types.KindOf(err))
}

func TestRequestShutdownEscalates(t *testing.T) {
	lm := NewLifecycleManager(&config.Config{}, testRecipes(), nil, zaptest.NewLogger(t))
	assert.False(t, lm.RequestShutdown())
	assert.True(t, lm.RequestShutdown())
}
