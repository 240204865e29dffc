package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/caio-sobreiro/pacsproxy/backend"
	"github.com/caio-sobreiro/pacsproxy/dicom"
	proxyerrors "github.com/caio-sobreiro/pacsproxy/errors"
	"github.com/caio-sobreiro/pacsproxy/interfaces"
	"github.com/caio-sobreiro/pacsproxy/phi"
	"github.com/caio-sobreiro/pacsproxy/types"
)

// FindService answers C-FIND queries at PATIENT and STUDY level from the
// backend archive. Patient identifiers in the query are translated to
// their anonymous counterparts before hitting the backend, and matches
// are de-anonymized before they go back on the wire.
type FindService struct {
	backend  *backend.Client
	resolver *phi.Resolver
	logger   *slog.Logger
}

// NewFindService creates the C-FIND handler.
func NewFindService(client *backend.Client, resolver *phi.Resolver, logger *slog.Logger) *FindService {
	if logger == nil {
		logger = slog.Default()
	}
	return &FindService{backend: client, resolver: resolver, logger: logger}
}

// HandleDIMSE rejects the non-streaming path; C-FIND needs a pending
// response per match.
func (s *FindService) HandleDIMSE(ctx context.Context, mc *interfaces.MessageContext, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	return nil, nil, fmt.Errorf("C-FIND requires a streaming responder")
}

// HandleDIMSEStreaming processes one C-FIND-RQ, sending a pending
// response per match followed by a final success.
func (s *FindService) HandleDIMSEStreaming(ctx context.Context, mc *interfaces.MessageContext, msg *types.Message, data []byte, responder interfaces.ResponseSender) error {
	transferSyntax := mc.TransferSyntaxUID
	if transferSyntax == "" {
		transferSyntax = types.ExplicitVRLittleEndian
	}

	identifier, err := dicom.ParseDatasetWithTransferSyntax(data, transferSyntax)
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to parse C-FIND identifier", "error", err)
		return responder.SendResponse(NewCFindErrorResponse(msg, types.StatusIdentifierMismatch), nil)
	}

	level := identifier.GetString(dicom.TagQueryRetrieveLevel)
	var matches []*dicom.Dataset
	switch level {
	case "PATIENT":
		matches, err = s.findPatients(ctx, identifier)
	case "STUDY":
		matches, err = s.findStudies(ctx, identifier)
	default:
		s.logger.WarnContext(ctx, "Unsupported query level", "level", level)
		return responder.SendResponse(NewCFindErrorResponse(msg, types.StatusIdentifierMismatch), nil)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "C-FIND query failed", "level", level, "error", err)
		return responder.SendResponse(NewCFindErrorResponse(msg, types.StatusOutOfResources), nil)
	}

	for _, match := range matches {
		encoded, err := dicom.EncodeDatasetWithTransferSyntax(match, transferSyntax)
		if err != nil {
			return fmt.Errorf("failed to encode match: %w", err)
		}
		if err := responder.SendResponse(NewCFindPendingResponse(msg), encoded); err != nil {
			return err
		}
	}

	s.logger.InfoContext(ctx, "C-FIND answered",
		"level", level, "matches", len(matches), "calling_ae", mc.CallingAETitle)
	return responder.SendResponse(NewCFindSuccessResponse(msg), nil)
}

// queryFilters maps the identifier's patient keys onto backend query
// parameters. Real identifiers are swapped for anonymous ones; an
// identifier naming a patient the proxy has never seen yields no
// filter, which the caller treats as zero matches.
func (s *FindService) queryFilters(ctx context.Context, identifier *dicom.Dataset) (url.Values, bool, error) {
	filters := url.Values{}

	if id := identifier.GetString(dicom.TagPatientID); id != "" && id != "*" {
		mapping, err := s.resolver.ResolveToAnonymous(ctx, id)
		if errors.Is(err, proxyerrors.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		filters.Set("patient_id", mapping.AnonymousID)
	}
	if name := identifier.GetString(dicom.TagPatientName); name != "" && name != "*" {
		mapping, err := s.resolver.ResolveToAnonymous(ctx, name)
		if errors.Is(err, proxyerrors.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		filters.Set("patient_id", mapping.AnonymousID)
	}
	return filters, true, nil
}

func (s *FindService) findPatients(ctx context.Context, identifier *dicom.Dataset) ([]*dicom.Dataset, error) {
	filters, ok, err := s.queryFilters(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	subjects, err := s.backend.ListSubjects(ctx, filters)
	if err != nil {
		return nil, err
	}

	results := make([]*dicom.Dataset, 0, len(subjects))
	for _, subject := range subjects {
		ds := dicom.NewDataset()
		ds.SetString(dicom.TagQueryRetrieveLevel, "PATIENT")
		name, id := s.originalIdentity(ctx, subject.PatientID, subject.Name)
		ds.SetString(dicom.TagPatientName, name)
		ds.SetString(dicom.TagPatientID, id)
		results = append(results, ds)
	}
	return results, nil
}

func (s *FindService) findStudies(ctx context.Context, identifier *dicom.Dataset) ([]*dicom.Dataset, error) {
	filters, ok, err := s.queryFilters(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if uid := identifier.GetString(dicom.TagStudyInstanceUID); uid != "" {
		filters.Set("study_instance_uid", uid)
	}
	if date := identifier.GetString(dicom.TagStudyDate); date != "" {
		filters.Set("study_date", date)
	}

	sessions, err := s.backend.ListSessions(ctx, filters)
	if err != nil {
		return nil, err
	}

	results := make([]*dicom.Dataset, 0, len(sessions))
	for _, session := range sessions {
		ds := dicom.NewDataset()
		ds.SetString(dicom.TagQueryRetrieveLevel, "STUDY")
		ds.SetString(dicom.TagStudyInstanceUID, session.StudyInstanceUID)
		ds.SetString(dicom.TagStudyDate, session.StudyDate)
		ds.SetString(dicom.TagStudyDescription, session.StudyDescription)
		ds.SetString(dicom.TagAccessionNumber, session.AccessionNumber)

		subject, err := s.backend.GetSubject(ctx, session.SubjectID)
		if err != nil {
			s.logger.WarnContext(ctx, "Failed to load subject for study",
				"subject_id", session.SubjectID, "error", err)
		} else {
			name, id := s.originalIdentity(ctx, subject.PatientID, subject.Name)
			ds.SetString(dicom.TagPatientName, name)
			ds.SetString(dicom.TagPatientID, id)
		}
		results = append(results, ds)
	}
	return results, nil
}

// originalIdentity swaps an anonymous patient identity back to the real
// one when a mapping exists; unknown identities pass through unchanged.
func (s *FindService) originalIdentity(ctx context.Context, anonymousID, anonymousName string) (name, id string) {
	mapping, err := s.resolver.Lookup(ctx, anonymousID)
	if err != nil && anonymousName != "" {
		mapping, err = s.resolver.Lookup(ctx, anonymousName)
	}
	if err != nil {
		return anonymousName, anonymousID
	}
	return mapping.OriginalName, mapping.OriginalID
}
