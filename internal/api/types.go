package api

import (
	"meetsync/audio"
	"meetsync/internal/service"
	"meetsync/session"
)

// Message WebSocket message structure
type Message struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`

	// Start recording parameters
	Title         string   `json:"title,omitempty"`
	Language      string   `json:"language,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	MicDevice     string   `json:"micDevice,omitempty"`
	SystemDevice  string   `json:"systemDevice,omitempty"`
	CaptureSystem bool     `json:"captureSystem,omitempty"`
	DisableMix    bool     `json:"disableMix,omitempty"`

	// Responses
	SessionID string                   `json:"sessionId,omitempty"`
	Session   *session.Session         `json:"session,omitempty"`
	Sessions  []*session.Session       `json:"sessions,omitempty"`
	State     *service.ControllerState `json:"state,omitempty"`
	Devices   []audio.Device           `json:"devices,omitempty"`
	Error     string                   `json:"error,omitempty"`

	// Audio levels
	MicLevel    float64 `json:"micLevel,omitempty"`
	SystemLevel float64 `json:"systemLevel,omitempty"`

	// Chunk events
	Channel  string `json:"channel,omitempty"`
	Sequence uint64 `json:"sequence,omitempty"`

	// Remote processing job
	Job *session.SyncJob `json:"job,omitempty"`

	// Crash recovery
	Interrupted *session.Snapshot `json:"interrupted,omitempty"`

	// Recording stop
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	SystemDegraded  bool    `json:"systemDegraded,omitempty"`
	Mixed           bool    `json:"mixed,omitempty"`
}
