package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/caio-sobreiro/pacsproxy/dicom"
	"github.com/caio-sobreiro/pacsproxy/interfaces"
	"github.com/caio-sobreiro/pacsproxy/phi"
	"github.com/caio-sobreiro/pacsproxy/storage"
	"github.com/caio-sobreiro/pacsproxy/types"
)

// GetService serves C-GET by streaming staged instances back to the
// requester as C-STORE sub-operations on the same association. Stored
// data is de-anonymized on the way out.
type GetService struct {
	staging  *storage.StagingStore
	resolver *phi.Resolver
	logger   *slog.Logger
}

// NewGetService creates the C-GET handler.
func NewGetService(staging *storage.StagingStore, resolver *phi.Resolver, logger *slog.Logger) *GetService {
	if logger == nil {
		logger = slog.Default()
	}
	return &GetService{staging: staging, resolver: resolver, logger: logger}
}

// HandleDIMSE rejects the non-streaming path; C-GET needs sub-operation
// support on the association.
func (s *GetService) HandleDIMSE(ctx context.Context, mc *interfaces.MessageContext, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	return nil, nil, fmt.Errorf("C-GET requires a streaming responder")
}

// HandleDIMSEStreaming processes one C-GET-RQ.
func (s *GetService) HandleDIMSEStreaming(ctx context.Context, mc *interfaces.MessageContext, msg *types.Message, data []byte, responder interfaces.ResponseSender) error {
	getResponder, ok := responder.(interfaces.CGetResponder)
	if !ok {
		return fmt.Errorf("responder does not support C-STORE sub-operations")
	}

	transferSyntax := mc.TransferSyntaxUID
	if transferSyntax == "" {
		transferSyntax = types.ExplicitVRLittleEndian
	}

	identifier, err := dicom.ParseDatasetWithTransferSyntax(data, transferSyntax)
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to parse C-GET identifier", "error", err)
		return responder.SendResponse(NewCGetFinalResponse(msg, types.StatusIdentifierMismatch, 0, 0, 0), nil)
	}

	studyUID := identifier.GetString(dicom.TagStudyInstanceUID)
	if studyUID == "" {
		return responder.SendResponse(NewCGetFinalResponse(msg, types.StatusIdentifierMismatch, 0, 0, 0), nil)
	}
	seriesUID := identifier.GetString(dicom.TagSeriesInstanceUID)

	session, err := s.staging.FindSessionByStudyUID(ctx, studyUID)
	if err != nil {
		s.logger.ErrorContext(ctx, "C-GET session lookup failed", "study_uid", studyUID, "error", err)
		return responder.SendResponse(NewCGetFinalResponse(msg, types.StatusOutOfResources, 0, 0, 0), nil)
	}
	if session == nil {
		return responder.SendResponse(NewCGetFinalResponse(msg, types.StatusSuccess, 0, 0, 0), nil)
	}

	instances, err := collectStagedInstances(ctx, s.staging, session, seriesUID)
	if err != nil {
		s.logger.ErrorContext(ctx, "C-GET instance collection failed", "study_uid", studyUID, "error", err)
		return responder.SendResponse(NewCGetFinalResponse(msg, types.StatusOutOfResources, 0, 0, 0), nil)
	}

	var completed, failed uint16
	remaining := uint16(len(instances))

	for _, instance := range instances {
		if err := s.sendInstance(ctx, getResponder, instance, transferSyntax); err != nil {
			s.logger.WarnContext(ctx, "C-GET sub-operation failed",
				"file", instance.Path, "error", err)
			failed++
		} else {
			completed++
		}
		remaining--

		if err := responder.SendResponse(NewCGetPendingResponse(msg, completed, failed, 0, remaining), nil); err != nil {
			return err
		}
	}

	status := uint16(types.StatusSuccess)
	if failed > 0 {
		status = types.StatusSubOpsOneOrMoreFailed
	}
	s.logger.InfoContext(ctx, "C-GET finished",
		"study_uid", studyUID,
		"completed", completed,
		"failed", failed,
		"calling_ae", mc.CallingAETitle)
	return responder.SendResponse(NewCGetFinalResponse(msg, status, completed, failed, 0), nil)
}

func (s *GetService) sendInstance(ctx context.Context, responder interfaces.CGetResponder, instance stagedInstance, transferSyntax string) error {
	ds, _, err := dicom.ReadFile(instance.Path)
	if err != nil {
		return err
	}

	if s.resolver != nil {
		if err := s.resolver.ResolveDataset(ctx, ds, instance.StudyPHI, instance.SeriesPHI); err != nil {
			return err
		}
	}

	sopClassUID := ds.GetString(dicom.TagSOPClassUID)
	sopInstanceUID := ds.GetString(dicom.TagSOPInstanceUID)
	if sopClassUID == "" || sopInstanceUID == "" {
		return fmt.Errorf("%s: missing SOP identity", instance.Path)
	}

	encoded, err := dicom.EncodeDatasetWithTransferSyntax(ds, transferSyntax)
	if err != nil {
		return err
	}
	return responder.SendCStore(sopClassUID, sopInstanceUID, encoded)
}
