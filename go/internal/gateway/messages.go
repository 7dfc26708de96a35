package gateway

import (
	"encoding/json"

	"github.com/xhide341/morph-app-sub000/go/internal/models"
)

// EnvelopeType tags a message on the room channel.
type EnvelopeType string

const (
	// Server to client.
	EnvelopeActivity         EnvelopeType = "activity"
	EnvelopeConnectionStatus EnvelopeType = "connection_status"
	EnvelopeRecentActivities EnvelopeType = "recent_activities"
	EnvelopeError            EnvelopeType = "error"

	// Client to server.
	EnvelopeJoinRoom EnvelopeType = "join_room"
)

// Envelope is the JSON frame exchanged on the room channel.
type Envelope struct {
	Type    EnvelopeType    `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// JoinRoomPayload announces a connection's identity after the transport
// connects.
type JoinRoomPayload struct {
	RoomID   string `json:"roomId"`
	UserName string `json:"userName"`
}

// ConnectionStatusPayload reports channel state to a single client.
type ConnectionStatusPayload struct {
	Status string `json:"status"`
	RoomID string `json:"roomId"`
}

// ErrorPayload carries a non-fatal engine error to the originating
// connection only.
type ErrorPayload struct {
	Message string `json:"message"`
}

func marshalEnvelope(t EnvelopeType, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: t, Payload: data})
}

// MarshalActivity frames a single canonical activity.
func MarshalActivity(a models.RoomActivity) ([]byte, error) {
	return marshalEnvelope(EnvelopeActivity, a)
}

// MarshalRecentActivities frames a room's ordered history for replay to a
// late-joining connection.
func MarshalRecentActivities(activities []models.RoomActivity) ([]byte, error) {
	if activities == nil {
		activities = []models.RoomActivity{}
	}
	return marshalEnvelope(EnvelopeRecentActivities, activities)
}

// MarshalConnectionStatus frames a status update for one connection.
func MarshalConnectionStatus(status, roomID string) ([]byte, error) {
	return marshalEnvelope(EnvelopeConnectionStatus, ConnectionStatusPayload{Status: status, RoomID: roomID})
}

// MarshalError frames an error message for the originating connection.
func MarshalError(message string) ([]byte, error) {
	return marshalEnvelope(EnvelopeError, ErrorPayload{Message: message})
}
