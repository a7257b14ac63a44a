package hub

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/taskrelay/taskrelay/pkg/models"
)

// Wire-level message types exchanged over the persistent connection.
const (
	TypeSubscribe        = "subscribe"
	TypeUnsubscribe      = "unsubscribe"
	TypeStatusUpdate     = "task_status_update"
	TypeLogsUpdate       = "task_logs_update"
	TypeConnectionStatus = "connection_status"
	TypePing             = "ping"
	TypePong             = "pong"
)

// Envelope is the JSON frame wrapping every message in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// SubscriptionPayload carries the task id for subscribe and unsubscribe.
type SubscriptionPayload struct {
	TaskID uuid.UUID `json:"task_id"`
}

// StatusPayload carries a realtime snapshot to subscribed clients.
type StatusPayload struct {
	TaskID uuid.UUID             `json:"task_id"`
	Status models.RealtimeStatus `json:"status"`
}

// LogsPayload carries appended log entries to subscribed clients.
type LogsPayload struct {
	TaskID uuid.UUID         `json:"task_id"`
	Logs   []models.LogEntry `json:"logs"`
}

// ConnectionStatusPayload announces connection liveness to the client.
type ConnectionStatusPayload struct {
	Connected bool `json:"connected"`
}

// marshalEnvelope wraps payload in an Envelope and returns the encoded frame.
func marshalEnvelope(typ string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{
		Type:      typ,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	})
}
