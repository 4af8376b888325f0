package websocket

import (
	"encoding/json"

	"github.com/stemsi/exstem-skills/internal/validation"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionPing        Action = "ping"
	ActionAutosave    Action = "autosave"
	ActionRecordStart Action = "record_start"
	ActionRecordStop  Action = "record_stop"
	ActionRecordError Action = "record_error"
	ActionSubmit      Action = "submit"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// AutosaveRequest saves an option or text answer.
type AutosaveRequest struct {
	Action   Action `json:"action"`
	QID      string `json:"q_id" binding:"required,uuid"`
	OptionID string `json:"option_id" binding:"max=64"`
	Text     string `json:"text" binding:"max=60000"`
}

// RecordStartRequest reports the learner's microphone decision and starts a
// recording. Audio follows as binary frames until record_stop.
type RecordStartRequest struct {
	Action     Action `json:"action"`
	QID        string `json:"q_id" binding:"required,uuid"`
	Permission bool   `json:"permission"`
	MIMEType   string `json:"mime_type" binding:"audio_mime"`
}

// RecordErrorRequest reports a device failure on the client.
type RecordErrorRequest struct {
	Action  Action `json:"action"`
	Payload string `json:"payload"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError    Event = "error"
	EventSuccess  Event = "success"
	EventPong     Event = "pong"
	EventSnapshot Event = "snapshot"
	EventStatus   Event = "status"
)

type SuccessResponse struct {
	Event  Event       `json:"event"`
	Action Action      `json:"action"`
	Data   interface{} `json:"data,omitempty"`
}

type ErrorResponse struct {
	Event      Event                 `json:"event"`
	Action     Action                `json:"action,omitempty"`
	Error      string                `json:"error"`
	Fields     map[string]string     `json:"fields,omitempty"`
	Violations validation.Violations `json:"violations,omitempty"`
}

type PongResponse struct {
	Event Event `json:"event"`
}

// SnapshotResponse is the first message of a session stream.
type SnapshotResponse struct {
	Event   Event       `json:"event"`
	Session interface{} `json:"session"`
}

// StatusResponse relays a submission status update.
type StatusResponse struct {
	Event  Event           `json:"event"`
	Update json.RawMessage `json:"update"`
}
