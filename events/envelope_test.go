package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantKind string
		wantWS   string
		wantCorr string
	}{
		{
			name:     "Flat event",
			raw:      `{"event_type":"scan.dispatch","workspace_id":"ws1","correlation_id":"c1"}`,
			wantKind: "scan.dispatch",
			wantWS:   "ws1",
			wantCorr: "c1",
		},
		{
			name:     "Type only",
			raw:      `{"type":"ping"}`,
			wantKind: "ping",
		},
		{
			name:     "Nested payload replaces outer event",
			raw:      `{"event_type":"outer","workspace_id":"ws1","correlation_id":"c1","data":{"payload":{"event_type":"session.deleted","data":{"study_instance_uid":"1.2.3"}}}}`,
			wantKind: "session.deleted",
			wantWS:   "ws1",
			wantCorr: "c1",
		},
		{
			name:     "Nested payload keeps its own identifiers",
			raw:      `{"event_type":"outer","workspace_id":"ws1","correlation_id":"c1","data":{"payload":{"event_type":"session.deleted","workspace_id":"ws2","correlation_id":"c2"}}}`,
			wantKind: "session.deleted",
			wantWS:   "ws2",
			wantCorr: "c2",
		},
		{
			name:     "Payload without event_type stays wrapped",
			raw:      `{"event_type":"outer","data":{"payload":{"type":"something"}}}`,
			wantKind: "outer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, env.Kind())
			assert.Equal(t, tt.wantWS, env.WorkspaceID)
			assert.Equal(t, tt.wantCorr, env.CorrelationID)
		})
	}
}

func TestDecode_InvalidJSON(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.Error(t, err)
}

func TestIsResponse(t *testing.T) {
	env := &Envelope{EventType: "config_update_response"}
	assert.True(t, env.IsResponse())

	env = &Envelope{EventType: "scan.dispatch"}
	assert.False(t, env.IsResponse())

	env = &Envelope{Type: "health_update_response"}
	assert.True(t, env.IsResponse())
}

func TestNewTypeMessage_EmbedsFlat(t *testing.T) {
	type statusReport struct {
		TypeMessage
		ProxyStatus string `json:"proxy_status"`
	}

	msg := statusReport{
		TypeMessage: NewTypeMessage("health_update", ""),
		ProxyStatus: "online",
	}
	assert.NotEmpty(t, msg.CorrelationID, "a fresh correlation ID is generated when none is given")

	_, err := time.Parse("2006-01-02T15:04:05.000Z", msg.Timestamp)
	assert.NoError(t, err)

	encoded, err := json.Marshal(msg)
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(encoded, &frame))

	assert.Equal(t, "health_update", frame["type"])
	assert.Equal(t, "online", frame["proxy_status"], "body fields sit at the top level of the frame")
	assert.NotContains(t, frame, "data")
	assert.NotContains(t, frame, "event_type")
}

func TestNewEventMessage_NestsPayload(t *testing.T) {
	msg := NewEventMessage("dispatch.status", "c1", map[string]string{"status": "completed"})
	msg.WorkspaceID = "ws1"
	msg.EntityType = "scan"
	msg.EntityID = "scan-9"

	encoded, err := json.Marshal(msg)
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(encoded, &frame))

	assert.Equal(t, "dispatch.status", frame["event_type"])
	assert.Equal(t, "ws1", frame["workspace_id"])
	assert.Equal(t, "scan", frame["entity_type"])
	assert.Equal(t, "scan-9", frame["entity_id"])
	assert.Equal(t, "c1", frame["correlation_id"])
	payload, ok := frame["payload"].(map[string]any)
	require.True(t, ok, "the event body travels under payload")
	assert.Equal(t, "completed", payload["status"])
}
