package machine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/KevinKickass/MachineTending/internal/types"
)

// fakeRobot plays the motion program: once it has seen PRINTING and then
// IDLE on the watchdog register it picks for pickPolls frames.
type fakeRobot struct {
	mu         sync.Mutex
	phase      types.RobotPhase
	armed      bool
	picking    int
	pickPolls  int
	published  []types.PrinterPhase
	breakNext  int
	failReconn int
	reconnects int
	sessions   int64
	fatal      error
	manual     bool
}

func newFakeRobot() *fakeRobot {
	return &fakeRobot{phase: types.RobotIdle, pickPolls: 10, sessions: 1}
}

func (r *fakeRobot) Poll(ctx context.Context) (types.RobotStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return types.RobotStatus{}, err
	}
	if r.fatal != nil {
		return types.RobotStatus{}, r.fatal
	}
	if r.breakNext > 0 {
		r.breakNext--
		return types.RobotStatus{}, types.LinkBroken("poll", errors.New("connection reset by peer"))
	}

	if r.picking > 0 {
		r.picking--
		if r.picking == 0 {
			r.phase = types.RobotIdle
		}
	}
	return types.RobotStatus{Phase: r.phase, ReceivedAt: time.Now()}, nil
}

func (r *fakeRobot) Publish(_ context.Context, phase types.PrinterPhase) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.published = append(r.published, phase)
	if r.manual {
		return nil
	}
	switch {
	case phase == types.PrinterPrinting:
		r.armed = true
	case phase == types.PrinterIdle && r.armed && r.picking == 0:
		r.armed = false
		r.phase = types.RobotPicking
		r.picking = r.pickPolls
	}
	return nil
}

func (r *fakeRobot) Reconnect(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reconnects++
	if r.failReconn > 0 {
		r.failReconn--
		return types.LinkBroken("connect", errors.New("connection refused"))
	}
	r.sessions++
	return nil
}

func (r *fakeRobot) Sessions() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions
}

func (r *fakeRobot) setPhase(p types.RobotPhase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phase = p
}

func (r *fakeRobot) lastPublished() (types.PrinterPhase, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.published) == 0 {
		return 0, false
	}
	return r.published[len(r.published)-1], true
}

// fakePrinter keeps a job Printing for printReads state reads after start
// and then cools the bed by coolStep per temperature read.
type fakePrinter struct {
	mu         sync.Mutex
	files      map[string]bool
	selected   string
	state      types.JobState
	bed        float64
	hotBed     float64
	coolStep   float64
	printReads int
	remaining  int
	starts     []string
	selects    []string
	cancels    int
	stateErrs  int
	onStart    func()
	selectAs   string
}

func newFakePrinter(files ...string) *fakePrinter {
	p := &fakePrinter{
		files:      make(map[string]bool),
		state:      types.JobOperational,
		bed:        22,
		hotBed:     60,
		coolStep:   20,
		printReads: 2,
	}
	for _, f := range files {
		p.files[f] = true
	}
	return p
}

func (p *fakePrinter) VerifyFiles(_ context.Context, names ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range names {
		if !p.files[n] {
			return types.Fatalf(types.FaultConfig, "verify files", "gcode files missing from OctoPrint: [%s]", n)
		}
	}
	return nil
}

func (p *fakePrinter) Select(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.files[name] {
		return types.Fatalf(types.FaultProtocol, "select", "404 not found")
	}
	p.selected = name
	if p.selectAs != "" {
		p.selected = p.selectAs
	}
	p.selects = append(p.selects, name)
	return nil
}

func (p *fakePrinter) SelectedJob(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selected, nil
}

func (p *fakePrinter) Start(context.Context) error {
	p.mu.Lock()
	if p.state != types.JobOperational || p.selected == "" {
		p.mu.Unlock()
		return types.Fatalf(types.FaultProtocol, "start job", "409 conflict")
	}
	p.state = types.JobPrinting
	p.remaining = p.printReads
	p.starts = append(p.starts, p.selected)
	hook := p.onStart
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (p *fakePrinter) Cancel(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != types.JobPrinting {
		return types.Fatalf(types.FaultProtocol, "cancel job", "409 conflict")
	}
	p.state = types.JobOperational
	p.cancels++
	return nil
}

func (p *fakePrinter) State(context.Context) (types.JobState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stateErrs > 0 {
		p.stateErrs--
		return "", types.LinkBroken("job state", errors.New("503 service unavailable"))
	}
	if p.state == types.JobPrinting {
		if p.remaining <= 0 {
			p.state = types.JobOperational
			p.bed = p.hotBed
		} else {
			p.remaining--
		}
	}
	return p.state, nil
}

func (p *fakePrinter) BedTemperature(context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != types.JobPrinting && p.bed > 22 {
		p.bed -= p.coolStep
		if p.bed < 22 {
			p.bed = 22
		}
	}
	return p.bed, nil
}

func (p *fakePrinter) startedFiles() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.starts...)
}

// recorder collects observer events.
type recorder struct {
	mu      sync.Mutex
	states  []CycleState
	counts  []int
	records []CycleRecord
	links   []bool
}

func (r *recorder) StateChanged(state, _ CycleState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recorder) JobCountChanged(count, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = append(r.counts, count)
}

func (r *recorder) CycleCompleted(rec CycleRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recorder) LinkStateChanged(up bool, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links = append(r.links, up)
}

func (r *recorder) cycleRecords() []CycleRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CycleRecord(nil), r.records...)
}

func (r *recorder) linkStates() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.links...)
}
