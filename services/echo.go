// Package services implements the DIMSE service handlers the proxy
// exposes: verification, storage, and query/retrieve.
package services

import (
	"context"
	"log/slog"

	"github.com/caio-sobreiro/pacsproxy/interfaces"
	"github.com/caio-sobreiro/pacsproxy/types"
)

// EchoService handles C-ECHO verification requests.
//
// C-ECHO verifies connectivity and application-level communication
// between two DICOM Application Entities. It is stateless and always
// answers with success, regardless of access rules.
type EchoService struct {
	// No configuration or dependencies needed for echo service
}

// NewEchoService creates a new C-ECHO service instance.
func NewEchoService() *EchoService {
	return &EchoService{}
}

// HandleDIMSE processes a C-ECHO request and returns a success response.
func (s *EchoService) HandleDIMSE(ctx context.Context, mc *interfaces.MessageContext, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	slog.DebugContext(ctx, "Processing C-ECHO request",
		"message_id", msg.MessageID,
		"calling_ae", mc.CallingAETitle)

	response := NewCEchoResponse(msg, types.StatusSuccess)

	slog.InfoContext(ctx, "C-ECHO request successful",
		"message_id", msg.MessageID)

	return response, nil, nil
}

// HealthCheck verifies that the echo service is operational.
//
// Since echo service is stateless with no external dependencies,
// this always returns healthy.
func (s *EchoService) HealthCheck(ctx context.Context) error {
	return nil
}
