package machine

import (
	"time"

	"github.com/google/uuid"
)

type CycleState string

const (
	StateBootstrap      CycleState = "bootstrap"
	StateSelectFirstJob CycleState = "select_first_job"
	StatePrinting       CycleState = "printing"
	StateCooling        CycleState = "cooling"
	StateAwaitPick      CycleState = "await_pick"
	StatePicking        CycleState = "picking"
	StateCycleComplete  CycleState = "cycle_complete"
	StateStopped        CycleState = "stopped"
	StateFailed         CycleState = "failed"
)

type Command string

const (
	// CommandStop finishes the running cycle, then stops.
	CommandStop Command = "stop"
	// CommandAbort stops at once and cancels the active print job.
	CommandAbort Command = "abort"
)

// CycleRecord holds the timestamps of one print, cool and pick cycle.
// It is emitted once when the cycle completes and not kept afterwards.
type CycleRecord struct {
	ID           uuid.UUID `json:"cycle_id"`
	Job          int       `json:"job"`
	File         string    `json:"file"`
	CycleStart   time.Time `json:"cycle_start"`
	PrintStart   time.Time `json:"print_start"`
	CoolComplete time.Time `json:"cool_complete"`
	PickStart    time.Time `json:"pick_start"`
	PickComplete time.Time `json:"pick_complete"`
}

type MachineStatus struct {
	State             CycleState `json:"state"`
	JobCount          int        `json:"job_count"`
	MaxJobs           int        `json:"max_jobs"`
	CurrentJob        string     `json:"current_job,omitempty"`
	CycleID           string     `json:"cycle_id,omitempty"`
	RobotPhase        string     `json:"robot_phase"`
	PrinterPhase      string     `json:"printer_phase"`
	RobotLinkUp       bool       `json:"robot_link_up"`
	ShutdownRequested bool       `json:"shutdown_requested"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	LastStateChange   time.Time  `json:"last_state_change"`
}

// Observer receives machine events, e.g. the websocket hub.
type Observer interface {
	StateChanged(state, previous CycleState)
	JobCountChanged(count, max int)
	CycleCompleted(rec CycleRecord)
	LinkStateChanged(up bool, sessions int64)
}
