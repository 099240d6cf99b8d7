package interfaces

import (
	"context"
	"time"

	"github.com/KevinKickass/MachineTending/internal/machine"
)

// SystemStatus represents the current process state
type SystemStatus struct {
	State            string    `json:"state"`
	Version          string    `json:"version"`
	StartedAt        time.Time `json:"started_at"`
	UptimeSeconds    int64     `json:"uptime_seconds"`
	RobotLinkUp      bool      `json:"robot_link_up"`
	PrinterVersion   string    `json:"printer_version,omitempty"`
	WebSocketClients int       `json:"websocket_clients"`
	Error            string    `json:"error,omitempty"`
}

// MachineController is what the API layers may do with the control loop.
type MachineController interface {
	GetStatus() machine.MachineStatus
	ExecuteCommand(ctx context.Context, cmd machine.Command) error
}

type LifecycleManager interface {
	MachineController() MachineController
	GetCurrentStatus() SystemStatus
}
