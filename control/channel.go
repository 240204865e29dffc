// Package control maintains the websocket control channel to the
// backend: identity handshake, configuration announcement, periodic
// node health reports, and inbound event delivery.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/caio-sobreiro/pacsproxy/backend"
	"github.com/caio-sobreiro/pacsproxy/config"
	"github.com/caio-sobreiro/pacsproxy/events"
)

const (
	pingInterval        = 120 * time.Second
	pongWait            = 300 * time.Second
	reconnectDelay      = 5 * time.Second
	firstMessageTimeout = 10 * time.Second
	responseWindow      = 5 * time.Second
	writeTimeout        = 10 * time.Second
)

// configUpdate announces the proxy's effective DICOM endpoint.
type configUpdate struct {
	IPAddress    string `json:"ip_address"`
	Port         int    `json:"port"`
	AETitle      string `json:"ae_title"`
	APIURL       string `json:"api_url"`
	ProxyVersion string `json:"proxy_version"`
}

// configUpdateMessage is the flat config_update frame: the endpoint
// fields sit at the top level next to type and correlation_id.
type configUpdateMessage struct {
	events.TypeMessage
	configUpdate
}

// connectedMessage is the backend's identity greeting.
type connectedMessage struct {
	Type        string `json:"type"`
	WorkspaceID string `json:"workspace_id"`
	ProxyID     string `json:"proxy_id"`
}

// Channel is the persistent control connection. It reconnects forever
// until its context is cancelled.
type Channel struct {
	cfg     *config.Store
	backend *backend.Client
	router  *events.Router
	health  *HealthWorker
	version string
	logger  *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan *events.Envelope
}

// NewChannel creates the control channel.
func NewChannel(cfg *config.Store, client *backend.Client, router *events.Router, health *HealthWorker, version string, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		cfg:     cfg,
		backend: client,
		router:  router,
		health:  health,
		version: version,
		logger:  logger,
		pending: make(map[string]chan *events.Envelope),
	}
}

// Run connects and serves the channel until ctx is cancelled,
// reconnecting after transient failures.
func (c *Channel) Run(ctx context.Context) {
	for {
		if err := c.runOnce(ctx); err != nil {
			c.logger.Warn("Control channel disconnected", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Channel) runOnce(ctx context.Context) error {
	wsURL, err := c.endpointURL()
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial control channel: %w", err)
	}
	defer conn.Close()

	c.setConn(conn)
	defer c.setConn(nil)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	first, err := c.awaitIdentity(conn)
	if err != nil {
		return err
	}

	sessionCtx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.pingLoop(sessionCtx, conn)
	}()
	go func() {
		defer wg.Done()
		c.health.Run(sessionCtx, c)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	// The read loop must be draining frames before the configuration
	// announcement goes out, or its response could never be matched.
	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(sessionCtx, conn)
	}()

	if err := c.announceConfig(sessionCtx); err != nil {
		// A missing or late config_update_response is not fatal.
		c.logger.Warn("Configuration announcement not acknowledged", "error", err)
	}

	if first != nil {
		c.router.Dispatch(sessionCtx, first)
	}

	return <-readErr
}

// endpointURL derives the websocket endpoint from the backend API URL.
func (c *Channel) endpointURL() (string, error) {
	snapshot := c.cfg.Current()
	base := strings.TrimSuffix(snapshot.BackendURL, "/")

	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid backend url: %w", err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/api/v1/proxy/ws"
	parsed.RawQuery = url.Values{"proxy_key": {snapshot.ProxyKey}}.Encode()
	return parsed.String(), nil
}

// awaitIdentity reads the first frame. A connected greeting establishes
// identity and is consumed; any other event establishes identity from
// its own fields and is returned for regular dispatch.
func (c *Channel) awaitIdentity(conn *websocket.Conn) (*events.Envelope, error) {
	conn.SetReadDeadline(time.Now().Add(firstMessageTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("no identity message: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(pongWait))

	var greeting connectedMessage
	if err := json.Unmarshal(raw, &greeting); err == nil && greeting.Type == "connected" {
		c.adoptIdentity(greeting.WorkspaceID, greeting.ProxyID)
		return nil, nil
	}

	env, err := events.Decode(raw)
	if err != nil {
		return nil, err
	}
	c.adoptIdentity(env.WorkspaceID, env.EntityID)
	return env, nil
}

func (c *Channel) adoptIdentity(workspaceID, proxyID string) {
	if workspaceID == "" {
		return
	}
	c.backend.SetWorkspaceID(workspaceID)
	c.logger.Info("Control channel identity established",
		"workspace_id", workspaceID, "proxy_id", proxyID)
}

// announceConfig sends config_update and waits briefly for its
// response.
func (c *Channel) announceConfig(ctx context.Context) error {
	snapshot := c.cfg.Current()
	msg := configUpdateMessage{
		TypeMessage: events.NewTypeMessage("config_update", ""),
		configUpdate: configUpdate{
			IPAddress:    snapshot.IPAddress,
			Port:         snapshot.Port,
			AETitle:      snapshot.AETitle,
			APIURL:       snapshot.BackendURL,
			ProxyVersion: c.version,
		},
	}

	reply := make(chan *events.Envelope, 1)
	c.registerPending(msg.CorrelationID, reply)
	defer c.unregisterPending(msg.CorrelationID)

	if err := c.Emit(ctx, msg); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(responseWindow):
		return fmt.Errorf("no config_update_response within %s", responseWindow)
	case resp := <-reply:
		c.logger.Info("Configuration announcement acknowledged",
			"correlation_id", resp.CorrelationID)
		return nil
	}
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("control channel read failed: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := events.Decode(raw)
		if err != nil {
			c.logger.Warn("Dropping undecodable control frame", "error", err)
			continue
		}

		switch {
		case env.Kind() == "ping":
			// Application-level keepalive, nothing to do.
		case env.IsResponse():
			c.deliverResponse(env)
		default:
			go c.router.Dispatch(ctx, env)
		}
	}
}

func (c *Channel) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.mu.Unlock()
			if err != nil {
				c.logger.Warn("Control channel ping failed", "error", err)
				return
			}
		}
	}
}

// Emit sends one outbound message on the channel. Implements
// events.StatusEmitter.
func (c *Channel) Emit(ctx context.Context, msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("control channel not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

// Shutdown sends the final offline health report before the channel
// closes for good.
func (c *Channel) Shutdown(ctx context.Context) {
	if err := c.health.EmitOffline(ctx, c); err != nil {
		c.logger.Warn("Failed to send offline health report", "error", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(writeTimeout))
		c.conn.Close()
	}
}

func (c *Channel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *Channel) registerPending(correlationID string, ch chan *events.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[correlationID] = ch
}

func (c *Channel) unregisterPending(correlationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, correlationID)
}

func (c *Channel) deliverResponse(env *events.Envelope) {
	c.mu.Lock()
	ch, ok := c.pending[env.CorrelationID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("Unmatched response", "event_type", env.Kind(),
			"correlation_id", env.CorrelationID)
		return
	}
	select {
	case ch <- env:
	default:
	}
}
