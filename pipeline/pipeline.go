// Package pipeline implements the study-completion pipeline: archive
// the staged study as a ZIP, upload it to the backend with retries, log
// every attempt, and clean up on success.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/caio-sobreiro/pacsproxy/backend"
	"github.com/caio-sobreiro/pacsproxy/config"
	proxyerrors "github.com/caio-sobreiro/pacsproxy/errors"
	"github.com/caio-sobreiro/pacsproxy/phi"
	"github.com/caio-sobreiro/pacsproxy/storage"
)

// Uploader is the slice of the backend client the pipeline needs.
type Uploader interface {
	UploadArchive(ctx context.Context, req *backend.UploadRequest) (*backend.UploadResponse, error)
}

// Pipeline uploads finalized studies. It registers as a study-monitor
// completion callback.
type Pipeline struct {
	store    *storage.StagingStore
	uploader Uploader
	cfg      *config.Store
	logger   *slog.Logger

	mu        sync.Mutex
	completed map[string]struct{}
}

// New creates a pipeline.
func New(store *storage.StagingStore, uploader Uploader, cfg *config.Store, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:     store,
		uploader:  uploader,
		cfg:       cfg,
		logger:    logger,
		completed: make(map[string]struct{}),
	}
}

// OnStudyComplete is the monitor callback. It runs the whole pipeline
// for one study and never panics the caller; failures are logged and
// recorded in the upload log.
func (p *Pipeline) OnStudyComplete(studyUID string) {
	// Duplicate monitor firings for the same study are collapsed here.
	p.mu.Lock()
	if _, inFlight := p.completed[studyUID]; inFlight {
		p.mu.Unlock()
		p.logger.Info("Study completion already in progress", "study_uid", studyUID)
		return
	}
	p.completed[studyUID] = struct{}{}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.completed, studyUID)
		p.mu.Unlock()
	}()

	ctx := context.Background()
	if err := p.process(ctx, studyUID); err != nil {
		p.logger.Error("Study completion pipeline failed",
			"study_uid", studyUID, "error", err)
	}
}

func (p *Pipeline) process(ctx context.Context, studyUID string) error {
	session, err := p.store.FindSessionByStudyUID(ctx, studyUID)
	if err != nil {
		return err
	}
	if session == nil {
		return fmt.Errorf("no session for study %s", studyUID)
	}

	if err := p.store.MarkSessionComplete(ctx, session.ID); err != nil {
		return err
	}
	p.logger.Info("Study marked complete",
		"study_uid", studyUID, "patient_id", session.PatientID)

	cfg := p.cfg.Current()
	if !cfg.AutoDispatch {
		p.logger.Info("Auto-dispatch disabled, study kept in staging",
			"study_uid", studyUID)
		return nil
	}

	archivePath, size, err := p.buildArchive(session, cfg.ArchiveRoot)
	if err != nil {
		return err
	}

	return p.upload(ctx, session, archivePath, size, cfg)
}

func (p *Pipeline) buildArchive(session *storage.Session, archiveRoot string) (string, int64, error) {
	if err := os.MkdirAll(archiveRoot, 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create archive root: %w", err)
	}
	if err := checkFreeSpace(archiveRoot); err != nil {
		return "", 0, err
	}

	name := storage.SanitizeArchiveName(session.PatientID + "_" + session.StudyInstanceUID)
	archivePath := filepath.Join(archiveRoot, name+".zip")

	size, err := createZip(session.StoragePath, archivePath)
	if err != nil {
		return "", 0, err
	}

	p.logger.Info("Study archive built",
		"study_uid", session.StudyInstanceUID,
		"archive", archivePath,
		"size", size)
	return archivePath, size, nil
}

func (p *Pipeline) upload(ctx context.Context, session *storage.Session, archivePath string, size int64, cfg *config.Proxy) error {
	stats, err := p.store.GetStudyStatistics(ctx, session.StudyInstanceUID)
	if err != nil {
		return err
	}

	name := session.PatientName
	if name == "" {
		name = phi.UnknownPatient
	}
	req := &backend.UploadRequest{
		FilePath:         archivePath,
		Name:             name,
		PatientID:        session.PatientID,
		StudyDescription: session.StudyDescription,
		Metadata: map[string]any{
			"study_uid":       session.StudyInstanceUID,
			"study_date":      session.StudyDate,
			"series_count":    stats.SeriesCount,
			"instances_count": stats.InstancesCount,
		},
		ConflictResolution: "skip_existing",
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}

	// Record the upload as in progress before the first attempt so a
	// crash mid-upload still leaves a trace in the log.
	uploadStart := time.Now().UTC()
	if err := p.store.AppendUploadLog(ctx, &storage.UploadLog{
		SessionID:      session.ID,
		AttemptNumber:  0,
		Status:         storage.UploadInProgress,
		UploadFileSize: size,
		StartedAt:      &uploadStart,
	}); err != nil {
		p.logger.Error("Failed to record upload start", "error", err)
	}

	attempt := 0
	var resp *backend.UploadResponse

	operation := func() error {
		attempt++
		started := time.Now().UTC()

		var uploadErr error
		resp, uploadErr = p.uploader.UploadArchive(ctx, req)
		completed := time.Now().UTC()

		log := &storage.UploadLog{
			SessionID:       session.ID,
			AttemptNumber:   attempt,
			UploadFileSize:  size,
			StartedAt:       &started,
			CompletedAt:     &completed,
			DurationSeconds: completed.Sub(started).Seconds(),
		}

		if uploadErr == nil {
			log.Status = storage.UploadSuccess
			log.APIResponseID = resp.ID
			if err := p.store.AppendUploadLog(ctx, log); err != nil {
				p.logger.Error("Failed to record upload attempt", "error", err)
			}
			return nil
		}

		retryable := proxyerrors.IsRetryable(uploadErr) && attempt < maxRetries
		if retryable {
			log.Status = storage.UploadRetrying
		} else {
			log.Status = storage.UploadFailed
		}
		log.ErrorMessage = uploadErr.Error()
		var beErr *proxyerrors.BackendError
		if errors.As(uploadErr, &beErr) {
			log.ErrorCode = fmt.Sprintf("%d", beErr.StatusCode)
		}
		if err := p.store.AppendUploadLog(ctx, log); err != nil {
			p.logger.Error("Failed to record upload attempt", "error", err)
		}

		if !retryable {
			return backoff.Permanent(uploadErr)
		}
		return uploadErr
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(retryDelay), uint64(maxRetries-1)),
		ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		// Keep the ZIP for manual retry.
		p.logger.Error("Study upload failed after retries",
			"study_uid", session.StudyInstanceUID,
			"attempts", attempt,
			"archive", archivePath,
			"error", err)
		return err
	}

	if err := p.store.UpdateSessionStatus(ctx, session.ID, storage.SessionUploaded); err != nil {
		return err
	}
	p.logger.Info("Study uploaded",
		"study_uid", session.StudyInstanceUID,
		"api_response_id", resp.ID,
		"attempts", attempt)

	return p.cleanup(session, archivePath, cfg.CleanupAfterUpload)
}

// cleanup always removes the ZIP after a successful upload; the staged
// study tree goes too when cleanupAfterUpload is set.
func (p *Pipeline) cleanup(session *storage.Session, archivePath string, cleanupStaging bool) error {
	if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove archive: %w", err)
	}
	if cleanupStaging {
		if err := os.RemoveAll(session.StoragePath); err != nil {
			return fmt.Errorf("failed to remove staged study: %w", err)
		}
		p.logger.Info("Staged study removed",
			"study_uid", session.StudyInstanceUID,
			"path", session.StoragePath)
	}
	return nil
}
