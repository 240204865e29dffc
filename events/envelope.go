// Package events decodes control-channel events and runs the handlers
// behind them: entity dispatch to PACS nodes, entity deletion from
// staging, and configuration reloads.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope is one control-channel message in either direction.
type Envelope struct {
	EventType     string          `json:"event_type,omitempty"`
	Type          string          `json:"type,omitempty"`
	WorkspaceID   string          `json:"workspace_id,omitempty"`
	EntityID      string          `json:"entity_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     string          `json:"timestamp,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// payloadWrapper is the nested shape some senders use: the real event
// sits one level down under data.payload.
type payloadWrapper struct {
	Payload *Envelope `json:"payload"`
}

// Decode parses a raw control-channel frame. When the frame's data
// carries a nested payload with its own event_type, that inner event
// replaces the outer one; unwrapping happens at most once.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}

	if len(env.Data) > 0 {
		var wrapper payloadWrapper
		if err := json.Unmarshal(env.Data, &wrapper); err == nil &&
			wrapper.Payload != nil && wrapper.Payload.EventType != "" {
			inner := wrapper.Payload
			if inner.WorkspaceID == "" {
				inner.WorkspaceID = env.WorkspaceID
			}
			if inner.CorrelationID == "" {
				inner.CorrelationID = env.CorrelationID
			}
			return inner, nil
		}
	}
	return &env, nil
}

// Kind returns the routing key of the envelope: event_type when
// present, otherwise the bare type field.
func (e *Envelope) Kind() string {
	if e.EventType != "" {
		return e.EventType
	}
	return e.Type
}

// IsResponse reports whether the event answers an earlier outbound
// message rather than requesting work.
func (e *Envelope) IsResponse() bool {
	return strings.HasSuffix(e.Kind(), "_response")
}

// TypeMessage carries the shared fields of flat outbound frames keyed
// by type (config_update, health_update). Embed it in the concrete
// message struct so its body fields sit at the top level of the frame.
type TypeMessage struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id"`
	Timestamp     string `json:"timestamp"`
}

// NewTypeMessage builds the shared fields of a flat outbound frame.
// An empty correlation ID gets a fresh one.
func NewTypeMessage(msgType, correlationID string) TypeMessage {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return TypeMessage{
		Type:          msgType,
		CorrelationID: correlationID,
		Timestamp:     eventTimestamp(),
	}
}

// EventMessage is an outbound frame keyed by event_type, with the
// event body nested under payload (dispatch.status).
type EventMessage struct {
	EventType     string `json:"event_type"`
	WorkspaceID   string `json:"workspace_id,omitempty"`
	EntityType    string `json:"entity_type,omitempty"`
	EntityID      string `json:"entity_id,omitempty"`
	CorrelationID string `json:"correlation_id"`
	Timestamp     string `json:"timestamp"`
	Payload       any    `json:"payload,omitempty"`
}

// NewEventMessage builds an outbound event frame. The correlation ID
// of the event being answered is carried over when set; otherwise a
// fresh one is generated.
func NewEventMessage(eventType, correlationID string, payload any) *EventMessage {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return &EventMessage{
		EventType:     eventType,
		CorrelationID: correlationID,
		Timestamp:     eventTimestamp(),
		Payload:       payload,
	}
}

func eventTimestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}
