package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/caio-sobreiro/pacsproxy/backend"
	"github.com/caio-sobreiro/pacsproxy/config"
	"github.com/caio-sobreiro/pacsproxy/dicom"
	"github.com/caio-sobreiro/pacsproxy/locks"
	"github.com/caio-sobreiro/pacsproxy/phi"
	"github.com/caio-sobreiro/pacsproxy/scu"
	"github.com/caio-sobreiro/pacsproxy/storage"
)

// progressInterval throttles dispatch.status progress events during a
// download.
const progressInterval = 5 * time.Second

// dispatchPayload is the body of subject/session/scan dispatch events.
type dispatchPayload struct {
	SubjectID string   `json:"subject_id"`
	SessionID string   `json:"session_id"`
	ScanID    string   `json:"scan_id"`
	NodeIDs   []string `json:"node_ids"`
}

// dispatchStatus is the payload of outbound dispatch.status frames;
// the entity identity travels at the top level of the frame.
type dispatchStatus struct {
	NodeID     string  `json:"node_id,omitempty"`
	Status     string  `json:"status"`
	Progress   float64 `json:"progress,omitempty"`
	FilesSent  int     `json:"files_sent,omitempty"`
	FilesTotal int     `json:"files_total,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// NodeSender pushes prepared files to PACS nodes.
type NodeSender interface {
	SendToMultipleNodes(ctx context.Context, nodes []config.NodeConfig, files []string) []scu.NodeResult
}

// DispatchHandler downloads archive entities from the backend,
// restores their original patient identity, and pushes them to PACS
// nodes via C-STORE.
type DispatchHandler struct {
	cfg        *config.Store
	backend    *backend.Client
	staging    *storage.StagingStore
	resolver   *phi.Resolver
	locks      *locks.DispatchLockManager
	dispatcher NodeSender
	emitter    StatusEmitter
	logger     *slog.Logger
}

// NewDispatchHandler creates the dispatch event handler.
func NewDispatchHandler(cfg *config.Store, client *backend.Client, staging *storage.StagingStore, resolver *phi.Resolver, lockManager *locks.DispatchLockManager, dispatcher NodeSender, emitter StatusEmitter, logger *slog.Logger) *DispatchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DispatchHandler{
		cfg:        cfg,
		backend:    client,
		staging:    staging,
		resolver:   resolver,
		locks:      lockManager,
		dispatcher: dispatcher,
		emitter:    emitter,
		logger:     logger,
	}
}

// RegisterOn binds the handler's event types to the router.
func (h *DispatchHandler) RegisterOn(router *Router) {
	router.Register("subject.dispatch", h.handleEntity("subject"))
	router.Register("session.dispatch", h.handleEntity("session"))
	router.Register("scan.dispatch", h.handleEntity("scan"))
	router.Register("scan.new_scan_available", h.HandleNewScan)
}

func (h *DispatchHandler) handleEntity(entityType string) Handler {
	return func(ctx context.Context, env *Envelope) error {
		return h.dispatch(ctx, env, entityType, true, nil)
	}
}

// HandleNewScan pushes a freshly archived scan to every active,
// reachable node the proxy may read from.
func (h *DispatchHandler) HandleNewScan(ctx context.Context, env *Envelope) error {
	return h.dispatch(ctx, env, "scan", false, []string{})
}

// dispatch runs the full pipeline for one entity. nodeOverride, when
// non-nil, replaces the payload's node list (empty meaning all nodes).
func (h *DispatchHandler) dispatch(ctx context.Context, env *Envelope, entityType string, requireWrite bool, nodeOverride []string) error {
	var payload dispatchPayload
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return fmt.Errorf("failed to decode dispatch payload: %w", err)
		}
	}

	entityID := h.entityID(entityType, &payload, env)
	if entityID == "" {
		return fmt.Errorf("%s dispatch without an entity id", entityType)
	}

	nodeIDs := payload.NodeIDs
	if nodeOverride != nil {
		nodeIDs = nodeOverride
	}
	targets := h.cfg.DispatchTargets(nodeIDs, requireWrite)
	if len(targets) == 0 {
		h.logger.InfoContext(ctx, "Dispatch has no eligible nodes",
			"entity_type", entityType, "entity_id", entityID)
		return nil
	}

	// One lock per (node, entity); nodes already mid-dispatch for this
	// entity are skipped rather than queued.
	locked := targets[:0:0]
	for _, node := range targets {
		if h.locks.Acquire(node.NodeID, entityType, entityID) {
			locked = append(locked, node)
		} else {
			h.logger.InfoContext(ctx, "Dispatch already in progress, skipping node",
				"node_id", node.NodeID, "entity_type", entityType, "entity_id", entityID)
		}
	}
	if len(locked) == 0 {
		return nil
	}
	defer func() {
		for _, node := range locked {
			h.locks.Release(node.NodeID, entityType, entityID)
		}
	}()

	tempDir, err := os.MkdirTemp("", "pacsproxy-dispatch-*")
	if err != nil {
		return fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	files, err := h.fetchEntity(ctx, env, entityType, entityID, &payload, locked, tempDir)
	if err != nil {
		h.emitFailure(ctx, env, entityType, entityID, locked, err)
		return err
	}

	results := h.dispatcher.SendToMultipleNodes(ctx, locked, files)
	h.emitResults(ctx, env, entityType, entityID, locked, results, len(files))
	return nil
}

func (h *DispatchHandler) entityID(entityType string, payload *dispatchPayload, env *Envelope) string {
	var id string
	switch entityType {
	case "subject":
		id = payload.SubjectID
	case "session":
		id = payload.SessionID
	case "scan":
		id = payload.ScanID
	}
	if id == "" {
		id = env.EntityID
	}
	return id
}

// fetchEntity downloads the entity archive, extracts it, and restores
// original patient identity in every instance.
func (h *DispatchHandler) fetchEntity(ctx context.Context, env *Envelope, entityType, entityID string, payload *dispatchPayload, nodes []config.NodeConfig, tempDir string) ([]string, error) {
	zipPath := filepath.Join(tempDir, "entity.zip")
	progress := h.downloadProgress(ctx, env, entityType, entityID, nodes)

	var err error
	switch entityType {
	case "subject":
		err = h.backend.DownloadSubject(ctx, entityID, zipPath, progress)
	case "session":
		err = h.backend.DownloadSession(ctx, entityID, zipPath, progress)
	case "scan":
		err = h.backend.DownloadScan(ctx, entityID, payload.SubjectID, payload.SessionID, zipPath, progress)
	default:
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to download %s %s: %w", entityType, entityID, err)
	}

	extractDir := filepath.Join(tempDir, "extracted")
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return nil, err
	}
	if err := extractZip(zipPath, extractDir); err != nil {
		return nil, err
	}

	files, err := scu.CollectDICOMFiles(extractDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s %s archive contains no DICOM files", entityType, entityID)
	}

	for _, file := range files {
		if err := h.resolveInPlace(ctx, file); err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", file, err)
		}
	}
	return files, nil
}

// resolveInPlace rewrites one instance with its original patient
// identity restored, keeping the file's transfer syntax.
func (h *DispatchHandler) resolveInPlace(ctx context.Context, path string) error {
	ds, transferSyntax, err := dicom.ReadFile(path)
	if err != nil {
		return err
	}

	var studyPHI, seriesPHI phi.PHIMap
	if studyUID := ds.GetString(dicom.TagStudyInstanceUID); studyUID != "" {
		if session, err := h.staging.FindSessionByStudyUID(ctx, studyUID); err == nil && session != nil {
			studyPHI = session.StudyLevelPHI
		}
	}
	if seriesUID := ds.GetString(dicom.TagSeriesInstanceUID); seriesUID != "" {
		if scan, err := h.staging.FindScanBySeriesUID(ctx, seriesUID); err == nil && scan != nil {
			seriesPHI = scan.SeriesLevelPHI
		}
	}

	if err := h.resolver.ResolveDataset(ctx, ds, studyPHI, seriesPHI); err != nil {
		return err
	}
	return dicom.WriteFile(path, ds, transferSyntax)
}

// downloadProgress returns a progress callback emitting throttled
// dispatch.status downloading events for every target node.
func (h *DispatchHandler) downloadProgress(ctx context.Context, env *Envelope, entityType, entityID string, nodes []config.NodeConfig) backend.ProgressFunc {
	var lastEmit time.Time
	return func(done, total int64) {
		now := time.Now()
		if now.Sub(lastEmit) < progressInterval {
			return
		}
		lastEmit = now

		var fraction float64
		if total > 0 {
			fraction = float64(done) / float64(total)
		}
		for _, node := range nodes {
			h.emitStatus(ctx, env, entityType, entityID, dispatchStatus{
				NodeID:   node.NodeID,
				Status:   "downloading",
				Progress: fraction,
			})
		}
	}
}

func (h *DispatchHandler) emitResults(ctx context.Context, env *Envelope, entityType, entityID string, nodes []config.NodeConfig, results []scu.NodeResult, filesTotal int) {
	for i, node := range nodes {
		result := results[i]
		status := dispatchStatus{
			NodeID:     node.NodeID,
			FilesSent:  result.FilesSent,
			FilesTotal: filesTotal,
		}
		if result.Err != nil || result.FilesFailed > 0 {
			status.Status = "failed"
			if result.Err != nil {
				status.Error = result.Err.Error()
			}
		} else {
			status.Status = "completed"
		}
		h.emitStatus(ctx, env, entityType, entityID, status)
	}
}

func (h *DispatchHandler) emitFailure(ctx context.Context, env *Envelope, entityType, entityID string, nodes []config.NodeConfig, err error) {
	for _, node := range nodes {
		h.emitStatus(ctx, env, entityType, entityID, dispatchStatus{
			NodeID: node.NodeID,
			Status: "failed",
			Error:  err.Error(),
		})
	}
}

func (h *DispatchHandler) emitStatus(ctx context.Context, env *Envelope, entityType, entityID string, status dispatchStatus) {
	out := NewEventMessage("dispatch.status", env.CorrelationID, status)
	out.WorkspaceID = env.WorkspaceID
	out.EntityType = entityType
	out.EntityID = entityID
	if err := h.emitter.Emit(ctx, out); err != nil {
		h.logger.Warn("Failed to emit dispatch.status",
			"node_id", status.NodeID, "status", status.Status, "error", err)
	}
}
