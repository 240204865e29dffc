package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/caio-sobreiro/pacsproxy/config"
	"github.com/caio-sobreiro/pacsproxy/dicom"
	"github.com/caio-sobreiro/pacsproxy/interfaces"
	"github.com/caio-sobreiro/pacsproxy/phi"
	"github.com/caio-sobreiro/pacsproxy/scu"
	"github.com/caio-sobreiro/pacsproxy/storage"
	"github.com/caio-sobreiro/pacsproxy/types"
)

// MoveDestinationResolver validates a C-MOVE destination AE title
// against the node registry.
type MoveDestinationResolver interface {
	CheckMoveDestination(destinationAE string) (*config.NodeConfig, error)
}

// MoveService serves C-MOVE by pushing staged instances to the
// destination node over a fresh outbound association. Stored data is
// de-anonymized before it leaves the proxy.
type MoveService struct {
	staging      *storage.StagingStore
	resolver     *phi.Resolver
	destinations MoveDestinationResolver
	dispatcher   *scu.Dispatcher
	logger       *slog.Logger
}

// NewMoveService creates the C-MOVE handler.
func NewMoveService(staging *storage.StagingStore, resolver *phi.Resolver, destinations MoveDestinationResolver, dispatcher *scu.Dispatcher, logger *slog.Logger) *MoveService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MoveService{
		staging:      staging,
		resolver:     resolver,
		destinations: destinations,
		dispatcher:   dispatcher,
		logger:       logger,
	}
}

// HandleDIMSE rejects the non-streaming path; C-MOVE reports progress
// through pending responses.
func (s *MoveService) HandleDIMSE(ctx context.Context, mc *interfaces.MessageContext, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	return nil, nil, fmt.Errorf("C-MOVE requires a streaming responder")
}

// HandleDIMSEStreaming processes one C-MOVE-RQ.
func (s *MoveService) HandleDIMSEStreaming(ctx context.Context, mc *interfaces.MessageContext, msg *types.Message, data []byte, responder interfaces.ResponseSender) error {
	node, err := s.destinations.CheckMoveDestination(msg.MoveDestination)
	if err != nil {
		s.logger.WarnContext(ctx, "C-MOVE destination rejected",
			"destination", msg.MoveDestination, "error", err)
		return responder.SendResponse(NewCMoveErrorResponse(msg, types.StatusMoveDestinationUnknown), nil)
	}

	transferSyntax := mc.TransferSyntaxUID
	if transferSyntax == "" {
		transferSyntax = types.ExplicitVRLittleEndian
	}

	identifier, err := dicom.ParseDatasetWithTransferSyntax(data, transferSyntax)
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to parse C-MOVE identifier", "error", err)
		return responder.SendResponse(NewCMoveErrorResponse(msg, types.StatusIdentifierMismatch), nil)
	}

	studyUID := identifier.GetString(dicom.TagStudyInstanceUID)
	if studyUID == "" {
		return responder.SendResponse(NewCMoveErrorResponse(msg, types.StatusIdentifierMismatch), nil)
	}
	seriesUID := identifier.GetString(dicom.TagSeriesInstanceUID)

	session, err := s.staging.FindSessionByStudyUID(ctx, studyUID)
	if err != nil {
		s.logger.ErrorContext(ctx, "C-MOVE session lookup failed", "study_uid", studyUID, "error", err)
		return responder.SendResponse(NewCMoveErrorResponse(msg, types.StatusOutOfResources), nil)
	}
	if session == nil {
		return responder.SendResponse(NewCMoveSuccessResponse(msg, 0, 0, 0), nil)
	}

	instances, err := collectStagedInstances(ctx, s.staging, session, seriesUID)
	if err != nil {
		s.logger.ErrorContext(ctx, "C-MOVE instance collection failed", "study_uid", studyUID, "error", err)
		return responder.SendResponse(NewCMoveErrorResponse(msg, types.StatusOutOfResources), nil)
	}
	if len(instances) == 0 {
		return responder.SendResponse(NewCMoveSuccessResponse(msg, 0, 0, 0), nil)
	}

	if err := responder.SendResponse(NewCMovePendingResponse(msg, 0, 0, 0, uint16(len(instances))), nil); err != nil {
		return err
	}

	files, cleanup, err := s.prepareOutbound(ctx, instances)
	if err != nil {
		s.logger.ErrorContext(ctx, "C-MOVE preparation failed", "study_uid", studyUID, "error", err)
		return responder.SendResponse(NewCMoveErrorResponse(msg, types.StatusOutOfResources), nil)
	}
	defer cleanup()

	result := s.dispatcher.SendToNode(ctx, *node, files)
	completed := uint16(result.FilesSent)
	failed := uint16(result.FilesFailed)
	if result.Err != nil {
		failed = uint16(len(files) - result.FilesSent)
	}

	status := uint16(types.StatusSuccess)
	if failed > 0 {
		status = types.StatusSubOpsOneOrMoreFailed
	}
	s.logger.InfoContext(ctx, "C-MOVE finished",
		"study_uid", studyUID,
		"destination", msg.MoveDestination,
		"completed", completed,
		"failed", failed)
	warning := uint16(0)
	remaining := uint16(0)
	final := NewResponseBuilder(msg).CMoveResponse(status, &completed, &failed, &warning, &remaining)
	return responder.SendResponse(final, nil)
}

// prepareOutbound writes de-anonymized copies of the staged instances
// to a scratch directory the dispatcher can send from.
func (s *MoveService) prepareOutbound(ctx context.Context, instances []stagedInstance) ([]string, func(), error) {
	tempDir, err := os.MkdirTemp("", "pacsproxy-move-*")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(tempDir) }

	files := make([]string, 0, len(instances))
	for i, instance := range instances {
		ds, fileTS, err := dicom.ReadFile(instance.Path)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		if s.resolver != nil {
			if err := s.resolver.ResolveDataset(ctx, ds, instance.StudyPHI, instance.SeriesPHI); err != nil {
				cleanup()
				return nil, nil, err
			}
		}

		outPath := filepath.Join(tempDir, fmt.Sprintf("%06d.dcm", i))
		if err := dicom.WriteFile(outPath, ds, fileTS); err != nil {
			cleanup()
			return nil, nil, err
		}
		files = append(files, outPath)
	}
	return files, cleanup, nil
}
