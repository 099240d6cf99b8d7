package system

import "fmt"

// Version is set at build time via -ldflags.
var Version = "dev"

// SystemState is the process-level state shown by /api/v1/system/status.
// The cycle state of the cell lives in the machine package.
type SystemState int

const (
	StateInitializing SystemState = iota
	StateRunning
	StateStopping
	StateStopped
	StateError
)

var stateNames = [...]string{
	StateInitializing: "INITIALIZING",
	StateRunning:      "RUNNING",
	StateStopping:     "STOPPING",
	StateStopped:      "STOPPED",
	StateError:        "ERROR",
}

func (s SystemState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// next lists the states reachable from each state. STOPPED is terminal,
// ERROR only allows the final cleanup.
var next = map[SystemState]uint8{
	StateInitializing: bit(StateRunning) | bit(StateError),
	StateRunning:      bit(StateStopping) | bit(StateError),
	StateStopping:     bit(StateStopped) | bit(StateError),
	StateStopped:      0,
	StateError:        bit(StateStopped),
}

func bit(s SystemState) uint8 { return 1 << uint(s) }

func ValidateTransition(from, to SystemState) error {
	allowed, ok := next[from]
	if !ok {
		return fmt.Errorf("unknown system state %d", int(from))
	}
	if allowed&bit(to) == 0 {
		return fmt.Errorf("system state %s cannot change to %s", from, to)
	}
	return nil
}
