package hub

import (
	"encoding/json"
	"fmt"

	"github.com/relabs-tech/orientation_bridge/internal/link"
	"github.com/relabs-tech/orientation_bridge/internal/orientation"
)

// EventType names the kind of a hub event. The values are the "type"
// field seen by subscribers.
type EventType string

const (
	EventRotation EventType = "rotation_update"
	EventStatus   EventType = "ble_status"
	EventError    EventType = "error"
)

// Event is one message on a subscriber queue. Only the field matching Type
// is meaningful.
type Event struct {
	Type    EventType
	Frame   orientation.Frame
	Status  link.Status
	Message string
}

func RotationEvent(f orientation.Frame) Event { return Event{Type: EventRotation, Frame: f} }

func StatusEvent(s link.Status) Event { return Event{Type: EventStatus, Status: s} }

func ErrorEvent(msg string) Event { return Event{Type: EventError, Message: msg} }

// MarshalJSON flattens the event into the wire objects:
//
//	{"type":"rotation_update","x":..,"y":..,"z":..}
//	{"type":"ble_status","connected":..,"device_name":..}
//	{"type":"error","message":..}
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventRotation:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			X    float64   `json:"x"`
			Y    float64   `json:"y"`
			Z    float64   `json:"z"`
		}{e.Type, e.Frame.X, e.Frame.Y, e.Frame.Z})
	case EventStatus:
		return json.Marshal(struct {
			Type       EventType `json:"type"`
			Connected  bool      `json:"connected"`
			DeviceName string    `json:"device_name"`
		}{e.Type, e.Status.Connected, e.Status.DeviceName})
	case EventError:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Message string    `json:"message"`
		}{e.Type, e.Message})
	}
	return nil, fmt.Errorf("hub: unknown event type %q", e.Type)
}
