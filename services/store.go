package services

import (
	"context"
	"log/slog"

	"github.com/caio-sobreiro/pacsproxy/config"
	"github.com/caio-sobreiro/pacsproxy/dicom"
	"github.com/caio-sobreiro/pacsproxy/interfaces"
	"github.com/caio-sobreiro/pacsproxy/monitor"
	"github.com/caio-sobreiro/pacsproxy/phi"
	"github.com/caio-sobreiro/pacsproxy/storage"
	"github.com/caio-sobreiro/pacsproxy/types"
)

// StoreService handles inbound C-STORE: validate, anonymize, persist to
// staging, and feed the study monitor.
type StoreService struct {
	staging    *storage.StagingStore
	anonymizer *phi.Anonymizer
	monitor    *monitor.StudyMonitor
	cfg        *config.Store
	logger     *slog.Logger
}

// NewStoreService creates the C-STORE handler.
func NewStoreService(staging *storage.StagingStore, anonymizer *phi.Anonymizer, studyMonitor *monitor.StudyMonitor, cfg *config.Store, logger *slog.Logger) *StoreService {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreService{
		staging:    staging,
		anonymizer: anonymizer,
		monitor:    studyMonitor,
		cfg:        cfg,
		logger:     logger,
	}
}

// HandleDIMSE processes one C-STORE-RQ.
func (s *StoreService) HandleDIMSE(ctx context.Context, mc *interfaces.MessageContext, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	transferSyntax := mc.TransferSyntaxUID
	if transferSyntax == "" {
		transferSyntax = types.ExplicitVRLittleEndian
	}

	ds, err := dicom.ParseDatasetWithTransferSyntax(data, transferSyntax)
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to parse C-STORE dataset",
			"calling_ae", mc.CallingAETitle, "error", err)
		return NewCStoreResponse(msg, types.StatusFailure), nil, nil
	}

	studyUID := ds.GetString(dicom.TagStudyInstanceUID)
	seriesUID := ds.GetString(dicom.TagSeriesInstanceUID)
	sopUID := ds.GetString(dicom.TagSOPInstanceUID)
	if studyUID == "" || seriesUID == "" || sopUID == "" {
		s.logger.WarnContext(ctx, "C-STORE dataset missing required UIDs",
			"study_uid", studyUID, "series_uid", seriesUID, "sop_uid", sopUID)
		return NewCStoreResponse(msg, types.StatusFailure), nil, nil
	}

	modality := ds.GetString(dicom.TagModality)
	if !types.IsSupportedModality(modality) {
		s.logger.WarnContext(ctx, "Unsupported modality rejected",
			"modality", modality, "calling_ae", mc.CallingAETitle)
		return NewCStoreResponse(msg, types.StatusNotAuthorized), nil, nil
	}

	var studyPHI, seriesPHI phi.PHIMap
	if s.cfg.Current().EnablePHIAnonymization {
		result, err := s.anonymizer.Anonymize(ctx, ds)
		if err != nil {
			s.logger.ErrorContext(ctx, "Anonymization failed",
				"study_uid", studyUID, "error", err)
			return NewCStoreResponse(msg, types.StatusFailure), nil, nil
		}
		studyPHI = result.StudyPHI
		seriesPHI = result.SeriesPHI
	}

	stored, err := s.staging.StoreDICOMFile(ctx, ds, transferSyntax, studyPHI, seriesPHI)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to stage instance",
			"study_uid", studyUID, "sop_uid", sopUID, "error", err)
		return NewCStoreResponse(msg, types.StatusFailure), nil, nil
	}

	s.monitor.UpdateActivity(studyUID)

	s.logger.InfoContext(ctx, "Instance stored",
		"study_uid", studyUID,
		"series_uid", seriesUID,
		"sop_uid", sopUID,
		"modality", modality,
		"instances_count", stored.Scan.InstancesCount,
		"calling_ae", mc.CallingAETitle)

	return NewCStoreResponse(msg, types.StatusSuccess), nil, nil
}
