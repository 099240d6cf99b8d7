package machine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/KevinKickass/MachineTending/internal/types"
)

// StatusCell holds the most recent robot status. Writers overwrite,
// readers never block.
type StatusCell struct {
	v atomic.Pointer[types.RobotStatus]
}

func (c *StatusCell) Store(s types.RobotStatus) {
	c.v.Store(&s)
}

// Load returns false until the first status arrived.
func (c *StatusCell) Load() (types.RobotStatus, bool) {
	s := c.v.Load()
	if s == nil {
		return types.RobotStatus{}, false
	}
	return *s, true
}

// PhaseRegister is the printer phase relayed to the robot. The zero value
// is PrinterInitialized.
type PhaseRegister struct {
	v atomic.Int32
}

func (r *PhaseRegister) Store(p types.PrinterPhase) {
	r.v.Store(int32(p))
}

func (r *PhaseRegister) Load() types.PrinterPhase {
	return types.PrinterPhase(r.v.Load())
}

// ShutdownSignal carries the two stop requests. An orderly request is
// honoured at the top of the next cycle; an immediate one cancels every
// context derived through Context.
type ShutdownSignal struct {
	requested atomic.Bool
	immediate atomic.Bool
	once      sync.Once
	done      chan struct{}
}

func NewShutdownSignal() *ShutdownSignal {
	return &ShutdownSignal{done: make(chan struct{})}
}

func (s *ShutdownSignal) Request() {
	s.requested.Store(true)
}

func (s *ShutdownSignal) RequestImmediate() {
	s.requested.Store(true)
	s.immediate.Store(true)
	s.once.Do(func() { close(s.done) })
}

// Escalate is used for OS signals: the first one asks for an orderly stop,
// any further one for an immediate stop. It reports whether the stop is
// now immediate.
func (s *ShutdownSignal) Escalate() bool {
	if s.requested.Swap(true) {
		s.RequestImmediate()
		return true
	}
	return false
}

func (s *ShutdownSignal) Requested() bool {
	return s.requested.Load()
}

func (s *ShutdownSignal) Immediate() bool {
	return s.immediate.Load()
}

// Done is closed on an immediate request.
func (s *ShutdownSignal) Done() <-chan struct{} {
	return s.done
}

// Context derives a context that is cancelled on an immediate request.
func (s *ShutdownSignal) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Shared is the state the watchdog and the coordinator have in common.
type Shared struct {
	Status   StatusCell
	Phase    PhaseRegister
	Shutdown *ShutdownSignal
}

func NewShared() *Shared {
	return &Shared{Shutdown: NewShutdownSignal()}
}
