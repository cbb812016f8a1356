// Package security provides the security event log: a trace of
// security-relevant engine decisions, kept both as operator-readable
// log lines and as a queryable JSON-lines file.
package security

import (
	"fmt"
	"time"
)

// EventType categorizes security events
type EventType string

const (
	// EventTypeDeviceAddedAuto records a device that was created
	// automatically from an unidentified request.
	EventTypeDeviceAddedAuto EventType = "device_added_auto"

	// EventTypeSensitiveFile records the retrieval of a file a plugin
	// declared sensitive, e.g. one embedding SIP credentials.
	EventTypeSensitiveFile EventType = "sensitive_file"

	// EventTypeAuthFailure records a rejected API request.
	EventTypeAuthFailure EventType = "auth_failure"
)

// Event is one security-relevant occurrence. The Message field is the
// stable line scanned by log-watching tools; its format must not
// change between releases.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	IP        string    `json:"ip"`
	DeviceID  string    `json:"device_id,omitempty"`
	Filename  string    `json:"filename,omitempty"`
	Path      string    `json:"path,omitempty"`
	Message   string    `json:"message"`
}

// Filter defines criteria for querying security events
type Filter struct {
	Type      EventType
	IP        string
	DeviceID  string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}

// NewEvent creates a security event of the given type.
func NewEvent(eventType EventType, ip string) *Event {
	return &Event{
		ID:        generateID(),
		Timestamp: time.Now(),
		Type:      eventType,
		IP:        ip,
	}
}

// WithDevice sets the device id
func (e *Event) WithDevice(deviceID string) *Event {
	e.DeviceID = deviceID
	return e
}

// WithFilename sets the requested filename
func (e *Event) WithFilename(filename string) *Event {
	e.Filename = filename
	return e
}

// WithPath sets the requested API path
func (e *Event) WithPath(path string) *Event {
	e.Path = path
	return e
}

// WithMessage sets the operator-readable message
func (e *Event) WithMessage(format string, args ...interface{}) *Event {
	e.Message = fmt.Sprintf(format, args...)
	return e
}

func generateID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
