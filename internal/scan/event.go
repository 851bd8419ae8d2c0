package scan

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"bluescan/internal/track"
)

type State int

const (
	Idle State = iota
	Scanning
)

func (s State) String() string {
	if s == Scanning {
		return "scanning"
	}
	return "idle"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "scanning":
		*s = Scanning
	case "idle", "":
		*s = Idle
	default:
		return fmt.Errorf("scan: unknown state %q", b)
	}
	return nil
}

type EventKind int

const (
	DeviceAdded EventKind = iota + 1
	DeviceUpdated
	ScanStarted
	ScanStopped
	ScanFailed
)

func (k EventKind) String() string {
	switch k {
	case DeviceAdded:
		return "device_added"
	case DeviceUpdated:
		return "device_updated"
	case ScanStarted:
		return "scan_started"
	case ScanStopped:
		return "scan_stopped"
	case ScanFailed:
		return "scan_failed"
	default:
		return "unknown"
	}
}

// StopReason says why a session ended.
type StopReason string

const (
	ReasonStopped    StopReason = "stopped"
	ReasonTimeout    StopReason = "timeout"
	ReasonCompleted  StopReason = "completed"
	ReasonSuperseded StopReason = "superseded"
)

// Event is delivered to observers. Device is set for DeviceAdded and
// DeviceUpdated, Reason for ScanStopped, Err for ScanFailed.
type Event struct {
	Kind    EventKind
	Session uuid.UUID
	At      time.Time
	Device  *track.Snapshot
	Reason  StopReason
	Err     error
}

// Record is what Capture hands to the persistence collaborator.
type Record struct {
	ID         string    `json:"id"`
	Address    string    `json:"address"`
	Name       string    `json:"name"`
	CapturedAt time.Time `json:"captured_at"`
}

// Status describes the aggregator at a point in time.
type Status struct {
	State     State     `json:"state"`
	Session   string    `json:"session,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Timeout   string    `json:"timeout,omitempty"`
	Devices   int       `json:"devices"`
	LastError string    `json:"last_error,omitempty"`
}
