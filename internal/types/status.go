package types

import (
	"fmt"
	"time"
)

// RobotPhase is published by the motion program on output_int_register_0.
type RobotPhase int32

const (
	RobotInitialized RobotPhase = iota
	RobotIdle
	RobotPicking
)

func (p RobotPhase) String() string {
	switch p {
	case RobotInitialized:
		return "INITIALIZED"
	case RobotIdle:
		return "IDLE"
	case RobotPicking:
		return "PICKING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(p))
	}
}

func (p RobotPhase) Valid() bool {
	return p >= RobotInitialized && p <= RobotPicking
}

// ParseRobotPhase rejects register values outside the enumerated phases.
func ParseRobotPhase(v int64) (RobotPhase, error) {
	p := RobotPhase(v)
	if v < int64(RobotInitialized) || v > int64(RobotPicking) {
		return p, Fatalf(FaultProtocol, "parse robot phase", "register value %d out of range", v)
	}
	return p, nil
}

// PrinterPhase is relayed to the robot on input_int_register_0.
type PrinterPhase int32

const (
	PrinterInitialized PrinterPhase = iota
	PrinterIdle
	PrinterPrinting
)

func (p PrinterPhase) String() string {
	switch p {
	case PrinterInitialized:
		return "INITIALIZED"
	case PrinterIdle:
		return "IDLE"
	case PrinterPrinting:
		return "PRINTING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(p))
	}
}

// Pose is the opaque TCP pose vector reported next to the phase.
type Pose [6]float64

// RobotStatus is one decoded status frame.
type RobotStatus struct {
	Phase      RobotPhase `json:"phase"`
	Pose       Pose       `json:"pose"`
	ReceivedAt time.Time  `json:"received_at"`
}

// JobState mirrors the printer's job state string. It is never cached.
type JobState string

const (
	JobOperational JobState = "Operational"
	JobPrinting    JobState = "Printing"
	JobFinishing   JobState = "Finishing"
	JobPausing     JobState = "Pausing"
	JobPaused      JobState = "Paused"
	JobCancelling  JobState = "Cancelling"
	JobError       JobState = "Error"
	JobOffline     JobState = "Offline"
)
