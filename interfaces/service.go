// Package interfaces contains all service and handler interfaces
package interfaces

import (
	"context"

	"github.com/caio-sobreiro/pacsproxy/types"
)

// MessageContext carries association-level facts into DIMSE handlers:
// who is calling, from where, and how the accompanying dataset is encoded.
type MessageContext struct {
	CallingAETitle        string
	CalledAETitle         string
	RemoteAddr            string
	PresentationContextID byte
	TransferSyntaxUID     string
}

// ServiceHandler interface for handling DIMSE operations
type ServiceHandler interface {
	HandleDIMSE(ctx context.Context, mc *MessageContext, msg *types.Message, data []byte) (*types.Message, []byte, error)
}

// StreamingServiceHandler interface for multi-response DIMSE operations
type StreamingServiceHandler interface {
	HandleDIMSEStreaming(ctx context.Context, mc *MessageContext, msg *types.Message, data []byte, responder ResponseSender) error
}

// ResponseSender interface for sending intermediate responses
type ResponseSender interface {
	SendResponse(msg *types.Message, data []byte) error
}

// CGetResponder interface for C-GET operations that need to send C-STORE
// sub-operations on the same association.
type CGetResponder interface {
	ResponseSender
	SendCStore(sopClassUID, sopInstanceUID string, data []byte) error
}
