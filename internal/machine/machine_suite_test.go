package machine_test

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/KevinKickass/MachineTending/internal/config"
	"github.com/KevinKickass/MachineTending/internal/machine"
	"github.com/KevinKickass/MachineTending/internal/octoprint"
	"github.com/KevinKickass/MachineTending/internal/octoprint/octoprinttest"
	"github.com/KevinKickass/MachineTending/internal/printer"
	"github.com/KevinKickass/MachineTending/internal/robot"
	"github.com/KevinKickass/MachineTending/internal/rtde"
	"github.com/KevinKickass/MachineTending/internal/rtde/rtdetest"
	"github.com/KevinKickass/MachineTending/internal/telemetry"
	"github.com/KevinKickass/MachineTending/internal/types"
)

func TestMachine(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Machine Tending Cycle Suite")
}

const (
	apiKey     = "E2E0000000000000000000000000000A"
	primeJob   = "MT_prime_line.gcode"
	noPrimeJob = "MT_no_prime_line.gcode"
)

func recipes() *config.RecipeConfig {
	return &config.RecipeConfig{Recipes: []config.Recipe{
		{Key: config.RecipeState, Frequency: 500, Fields: []config.RecipeField{
			{Name: config.StatusRegister, Type: "INT32"},
			{Name: config.PoseField, Type: "VECTOR6D"},
		}},
		{Key: config.RecipeWatchdog, Fields: []config.RecipeField{
			{Name: config.WatchdogRegister, Type: "INT32"},
		}},
	}}
}

// motionProgram mimics the cobot program: after the printer went through
// PRINTING and back to IDLE it reports PICKING for a while, then IDLE.
func motionProgram(ctx context.Context, srv *rtdetest.Server, pick time.Duration) {
	setPhase := func(p types.RobotPhase) {
		srv.SetOutput(config.StatusRegister, rtde.IntValue(rtde.TypeInt32, int64(p)))
	}
	setPhase(types.RobotIdle)

	armed := false
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		v, ok := srv.LastInput(config.WatchdogRegister)
		if !ok {
			continue
		}
		switch types.PrinterPhase(v.Int) {
		case types.PrinterPrinting:
			armed = true
		case types.PrinterIdle:
			if !armed {
				continue
			}
			armed = false
			setPhase(types.RobotPicking)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pick):
			}
			setPhase(types.RobotIdle)
		}
	}
}

var _ = Describe("Cycle", func() {
	var (
		ctx        context.Context
		cancel     context.CancelFunc
		controller *rtdetest.Server
		octo       *octoprinttest.Server
		robotLink  *robot.Link
		out        *bytes.Buffer
		wg         sync.WaitGroup
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)

		controller = rtdetest.NewServer(GinkgoT(), 2*time.Millisecond)
		octo = octoprinttest.NewServer(GinkgoT(), apiKey, primeJob, noPrimeJob)
		octo.SetPrintPolls(2)
		octo.SetBed(45, 10)

		wg.Add(1)
		go func() {
			defer wg.Done()
			motionProgram(ctx, controller, 50*time.Millisecond)
		}()

		robotLink = robot.NewLink(controller.Addr(), time.Second, recipes(), zap.NewNop())
		Expect(robotLink.Connect(ctx)).To(Succeed())
		Expect(robotLink.StartSynchronization(ctx)).To(Succeed())

		out = &bytes.Buffer{}
	})

	AfterEach(func() {
		robotLink.Close()
		cancel()
		wg.Wait()
	})

	run := func(maxJobs int) (*machine.Controller, error) {
		client, err := octoprint.NewClient(octo.URL, apiKey, time.Second, 2, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		cycle := config.CycleConfig{
			MaxJobs:          maxJobs,
			PollInterval:     5 * time.Millisecond,
			PrintStartGrace:  10 * time.Millisecond,
			SelectSettle:     5 * time.Millisecond,
			PrintTimeout:     5 * time.Second,
			CoolTimeout:      5 * time.Second,
			PickTimeout:      5 * time.Second,
			BootstrapTimeout: 5 * time.Second,
		}
		jobs := config.PrinterConfig{BedPickTemp: 40, PrimeJob: primeJob, NoPrimeJob: noPrimeJob}

		shared := machine.NewShared()
		reporter := telemetry.NewReporter(out, true)
		watchdog := machine.NewWatchdog(robotLink, shared, 2*time.Millisecond, zap.NewNop())
		coordinator := machine.NewCoordinator(printer.NewLink(client, zap.NewNop()), shared, cycle, jobs, zap.NewNop(),
			machine.WithReporter(reporter))
		ctrl := machine.NewController(zap.NewNop(), shared, watchdog, coordinator)

		return ctrl, ctrl.Run(ctx)
	}

	records := func(key string) []string {
		var values []string
		for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
			k, v, ok := telemetry.ParseRecord(line)
			Expect(ok).To(BeTrue(), "malformed record %q", line)
			if k == key {
				values = append(values, v)
			}
		}
		return values
	}

	It("completes two jobs and stops cleanly", func() {
		ctrl, err := run(2)
		Expect(err).NotTo(HaveOccurred())

		Expect(records(telemetry.KeyCycleStats)).To(HaveLen(2))
		Expect(records(telemetry.KeyPrintJobCount)).To(Equal([]string{"0", "1", "2"}))
		Expect(records(telemetry.KeyStartTime)).To(HaveLen(1))

		Expect(octo.Starts()).To(Equal(2))
		Expect(octo.Selects()).To(Equal([]string{primeJob, noPrimeJob}))

		status := ctrl.GetStatus()
		Expect(status.State).To(Equal(machine.StateStopped))
		Expect(status.JobCount).To(Equal(2))
		Expect(status.PrinterPhase).To(Equal(types.PrinterIdle.String()))
	})

	It("keeps cycling across a dropped robot connection", func() {
		go func() {
			defer GinkgoRecover()
			Eventually(func() []string { return octo.Selects() }).
				WithTimeout(5 * time.Second).
				Should(ContainElement(noPrimeJob))
			controller.DropConnections()
		}()

		_, err := run(2)
		Expect(err).NotTo(HaveOccurred())
		Expect(records(telemetry.KeyCycleStats)).To(HaveLen(2))
		Expect(controller.Connects()).To(BeNumerically(">=", 2))
	})

	It("refuses to start while the printer is busy", func() {
		octo.SetState("Printing")

		_, err := run(1)
		Expect(types.KindOf(err)).To(Equal(types.FaultPrecondition))
		Expect(octo.Starts()).To(BeZero())
	})
})
