package websocket

import "time"

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Machine state messages
	MessageTypeMachineState   MessageType = "machine_state"
	MessageTypeJobCount       MessageType = "job_count"
	MessageTypeCycleCompleted MessageType = "cycle_completed"

	// Link messages
	MessageTypeLinkState MessageType = "link_state"

	// System messages
	MessageTypeSystemStatus MessageType = "system_status"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

// MachineStateData represents machine state change data
type MachineStateData struct {
	State    string `json:"state"`
	Previous string `json:"previous_state"`
}

type JobCountData struct {
	Count   int `json:"count"`
	MaxJobs int `json:"max_jobs"`
}

// LinkStateData reports the robot link going down or coming back.
type LinkStateData struct {
	Link     string `json:"link"`
	Up       bool   `json:"up"`
	Sessions int64  `json:"sessions"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewMachineStateMessage(newState, previousState string) Message {
	return NewMessage(MessageTypeMachineState, MachineStateData{
		State:    newState,
		Previous: previousState,
	})
}

func NewJobCountMessage(count, maxJobs int) Message {
	return NewMessage(MessageTypeJobCount, JobCountData{Count: count, MaxJobs: maxJobs})
}

func NewLinkStateMessage(link string, up bool, sessions int64) Message {
	return NewMessage(MessageTypeLinkState, LinkStateData{Link: link, Up: up, Sessions: sessions})
}
