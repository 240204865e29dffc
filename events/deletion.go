package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/caio-sobreiro/pacsproxy/storage"
)

// deletionPayload covers all three deletion event shapes.
type deletionPayload struct {
	StudyInstanceUID  string `json:"study_instance_uid"`
	SeriesNumber      string `json:"series_number"`
	OriginalPatientID string `json:"original_patient_id"`
	PatientID         string `json:"patient_id"`
}

// DeletionHandler removes staged data when the backend deletes the
// matching entity. All deletions are idempotent; deleting what is not
// there succeeds.
type DeletionHandler struct {
	staging *storage.StagingStore
	logger  *slog.Logger
}

// NewDeletionHandler creates the deletion event handler.
func NewDeletionHandler(staging *storage.StagingStore, logger *slog.Logger) *DeletionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeletionHandler{staging: staging, logger: logger}
}

// RegisterOn binds the handler's event types to the router.
func (h *DeletionHandler) RegisterOn(router *Router) {
	router.Register("session.deleted", h.HandleSessionDeleted)
	router.Register("scan.deleted", h.HandleScanDeleted)
	router.Register("subject.deleted", h.HandleSubjectDeleted)
}

func decodeDeletion(env *Envelope) (*deletionPayload, error) {
	var payload deletionPayload
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, fmt.Errorf("failed to decode deletion payload: %w", err)
		}
	}
	return &payload, nil
}

// HandleSessionDeleted drops one staged study.
func (h *DeletionHandler) HandleSessionDeleted(ctx context.Context, env *Envelope) error {
	payload, err := decodeDeletion(env)
	if err != nil {
		return err
	}
	if payload.StudyInstanceUID == "" {
		return fmt.Errorf("session.deleted without study_instance_uid")
	}

	if err := h.staging.DeleteSession(ctx, payload.StudyInstanceUID); err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "Session deleted from staging",
		"study_uid", payload.StudyInstanceUID)
	return nil
}

// HandleScanDeleted drops one series of a staged study.
func (h *DeletionHandler) HandleScanDeleted(ctx context.Context, env *Envelope) error {
	payload, err := decodeDeletion(env)
	if err != nil {
		return err
	}
	if payload.StudyInstanceUID == "" || payload.SeriesNumber == "" {
		return fmt.Errorf("scan.deleted without study_instance_uid and series_number")
	}

	if err := h.staging.DeleteScanBySeriesNumber(ctx, payload.StudyInstanceUID, payload.SeriesNumber); err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "Scan deleted from staging",
		"study_uid", payload.StudyInstanceUID,
		"series_number", payload.SeriesNumber)
	return nil
}

// HandleSubjectDeleted drops every staged study of one patient plus the
// identity mapping.
func (h *DeletionHandler) HandleSubjectDeleted(ctx context.Context, env *Envelope) error {
	payload, err := decodeDeletion(env)
	if err != nil {
		return err
	}
	patientID := payload.OriginalPatientID
	if patientID == "" {
		patientID = payload.PatientID
	}
	if patientID == "" {
		return fmt.Errorf("subject.deleted without a patient id")
	}

	if err := h.staging.DeleteSubject(ctx, patientID); err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "Subject deleted from staging", "patient_id", patientID)
	return nil
}
