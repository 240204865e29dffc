package control

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/pacsproxy/backend"
	"github.com/caio-sobreiro/pacsproxy/config"
	"github.com/caio-sobreiro/pacsproxy/events"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// controlServer is a test backend that greets, echoes every
// config_update with its response, and hands received frames out.
func controlServer(t *testing.T) (*httptest.Server, chan map[string]any) {
	t.Helper()
	frames := make(chan map[string]any, 16)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteJSON(map[string]any{
			"type": "connected", "workspace_id": "ws-1", "proxy_id": "proxy-1",
		})

		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			frames <- frame
			if frame["type"] == "config_update" {
				conn.WriteJSON(map[string]any{
					"type":           "config_update_response",
					"correlation_id": frame["correlation_id"],
				})
			}
		}
	}))
	return srv, frames
}

func TestChannel_AnnouncesFlatConfigAndSeesAcknowledgement(t *testing.T) {
	srv, frames := controlServer(t)
	defer srv.Close()

	store := config.NewStore(&config.Proxy{
		Port:           11112,
		AETitle:        "PACSPROXY",
		Mode:           config.ModePublic,
		IPAddress:      "10.0.0.2",
		BackendURL:     srv.URL,
		ProxyKey:       "key-1",
		HealthInterval: time.Hour,
	})

	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, nil))

	client := backend.NewClient(srv.URL, "key-1")
	health := NewHealthWorker(store, stubVerifier{}, "1.0.0", logger)
	channel := NewChannel(store, client, events.NewRouter(logger), health, "1.0.0", logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- channel.runOnce(ctx)
	}()

	var frame map[string]any
	select {
	case frame = <-frames:
	case <-time.After(5 * time.Second):
		t.Fatal("no config_update arrived")
	}

	assert.Equal(t, "config_update", frame["type"])
	assert.Equal(t, "PACSPROXY", frame["ae_title"], "endpoint fields sit at the top level of the frame")
	assert.Equal(t, "10.0.0.2", frame["ip_address"])
	assert.Equal(t, float64(11112), frame["port"])
	assert.Equal(t, srv.URL, frame["api_url"])
	assert.Equal(t, "1.0.0", frame["proxy_version"])
	assert.NotEmpty(t, frame["correlation_id"])
	assert.NotContains(t, frame, "event_type")
	assert.NotContains(t, frame, "data")

	// The response must be matched well inside the 5 s window; the
	// session reads frames while the announcement is still pending.
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "Configuration announcement acknowledged")
	}, 3*time.Second, 10*time.Millisecond)
	assert.NotContains(t, logs.String(), "not acknowledged")

	assert.Equal(t, "ws-1", client.WorkspaceID(), "identity is adopted from the greeting")

	cancel()
	channel.Shutdown(context.Background())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not wind down")
	}
}
