package control

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/caio-sobreiro/pacsproxy/config"
	"github.com/caio-sobreiro/pacsproxy/events"
)

const (
	defaultHealthInterval = 10 * time.Second
	healthDeadline        = 20 * time.Second
)

// NodeVerifier checks whether one PACS node answers a C-ECHO.
type NodeVerifier interface {
	VerifyNode(ctx context.Context, node config.NodeConfig) bool
}

// nodeHealth is one node's entry in a health_update.
type nodeHealth struct {
	NodeID      string `json:"node_id"`
	IsReachable bool   `json:"is_reachable"`
}

// healthUpdate is the body of outbound health_update frames.
type healthUpdate struct {
	ProxyStatus  string       `json:"proxy_status"`
	ProxyVersion string       `json:"proxy_version"`
	Nodes        []nodeHealth `json:"nodes"`
}

// healthUpdateMessage is the flat health_update frame.
type healthUpdateMessage struct {
	events.TypeMessage
	healthUpdate
}

// HealthWorker probes every active node and reports reachability on
// the control channel.
type HealthWorker struct {
	cfg      *config.Store
	verifier NodeVerifier
	version  string
	logger   *slog.Logger
}

// NewHealthWorker creates a health worker.
func NewHealthWorker(cfg *config.Store, verifier NodeVerifier, version string, logger *slog.Logger) *HealthWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthWorker{
		cfg:      cfg,
		verifier: verifier,
		version:  version,
		logger:   logger,
	}
}

// Run probes and reports until ctx is cancelled. The probe interval
// comes from the configuration snapshot taken at session start.
func (w *HealthWorker) Run(ctx context.Context, emitter events.StatusEmitter) {
	interval := w.cfg.Current().HealthInterval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.checkOnce(ctx, emitter)
		}
	}
}

func (w *HealthWorker) checkOnce(ctx context.Context, emitter events.StatusEmitter) {
	checkCtx, cancel := context.WithTimeout(ctx, healthDeadline)
	defer cancel()

	snapshot := w.cfg.Current()
	nodes := make([]nodeHealth, 0, len(snapshot.Nodes))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, node := range snapshot.Nodes {
		if !node.IsActive {
			continue
		}
		wg.Add(1)
		go func(node config.NodeConfig) {
			defer wg.Done()
			reachable := w.verifier.VerifyNode(checkCtx, node)
			w.cfg.SetReachable(node.NodeID, reachable)
			mu.Lock()
			nodes = append(nodes, nodeHealth{NodeID: node.NodeID, IsReachable: reachable})
			mu.Unlock()
		}(node)
	}
	wg.Wait()

	w.emit(ctx, emitter, "online", nodes)
}

// EmitOffline sends the terminal health report during shutdown.
func (w *HealthWorker) EmitOffline(ctx context.Context, emitter events.StatusEmitter) error {
	snapshot := w.cfg.Current()
	nodes := make([]nodeHealth, 0, len(snapshot.Nodes))
	for _, node := range snapshot.Nodes {
		if !node.IsActive {
			continue
		}
		nodes = append(nodes, nodeHealth{
			NodeID:      node.NodeID,
			IsReachable: w.cfg.IsReachable(node.NodeID),
		})
	}

	return emitter.Emit(ctx, w.message("offline", nodes))
}

func (w *HealthWorker) emit(ctx context.Context, emitter events.StatusEmitter, status string, nodes []nodeHealth) {
	if err := emitter.Emit(ctx, w.message(status, nodes)); err != nil {
		w.logger.Warn("Failed to emit health_update", "error", err)
	}
}

func (w *HealthWorker) message(status string, nodes []nodeHealth) healthUpdateMessage {
	return healthUpdateMessage{
		TypeMessage: events.NewTypeMessage("health_update", ""),
		healthUpdate: healthUpdate{
			ProxyStatus:  status,
			ProxyVersion: w.version,
			Nodes:        nodes,
		},
	}
}
