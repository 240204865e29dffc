package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/caio-sobreiro/pacsproxy/interfaces"
	"github.com/caio-sobreiro/pacsproxy/types"
)

// Guard authorizes a DIMSE operation before it is dispatched. A non-nil
// error denies the operation; the caller answers with a not-authorized
// status instead of invoking the handler.
type Guard interface {
	Authorize(ctx context.Context, mc *interfaces.MessageContext, commandField uint16) error
}

// Registry manages DICOM service handlers and routes incoming DIMSE messages.
//
// The registry acts as a dispatcher, routing DIMSE messages to the appropriate
// service handler based on the command field. It supports both single-response
// and streaming (multi-response) operations, and optionally enforces an
// authorization guard before dispatching.
//
// Example usage:
//
//	registry := services.NewRegistry()
//	registry.RegisterHandler(types.CEchoRQ, echoService)
//	registry.RegisterHandler(types.CFindRQ, findService)
type Registry struct {
	handlers map[uint16]interfaces.ServiceHandler
	guard    Guard
}

// NewRegistry creates a new service registry.
//
// Returns an empty registry. Use RegisterHandler to add service handlers.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[uint16]interfaces.ServiceHandler),
	}
}

// SetGuard installs an authorization guard consulted before every dispatch.
// C-ECHO is exempt: verification is answered regardless of access rules.
func (r *Registry) SetGuard(guard Guard) {
	r.guard = guard
}

// RegisterHandler registers a service handler for a specific DIMSE command.
//
// Only one handler can be registered per command field; calling
// RegisterHandler again with the same command replaces the previous handler.
func (r *Registry) RegisterHandler(commandField uint16, handler interfaces.ServiceHandler) {
	r.handlers[commandField] = handler
}

// UnregisterHandler removes a service handler for a specific DIMSE command.
//
// After unregistering, messages with this command field will result in
// an "unsupported command" error.
func (r *Registry) UnregisterHandler(commandField uint16) {
	delete(r.handlers, commandField)
}

// HandleDIMSE routes DIMSE messages to the appropriate service handler.
//
// This method provides the single-response interface for DIMSE operations.
// For operations that support streaming (like C-FIND), the DIMSE layer uses
// HandleDIMSEStreaming instead.
func (r *Registry) HandleDIMSE(ctx context.Context, mc *interfaces.MessageContext, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	slog.DebugContext(ctx, "Routing DIMSE message",
		"command_field", fmt.Sprintf("0x%04x", msg.CommandField),
		"message_id", msg.MessageID,
		"calling_ae", mc.CallingAETitle)

	handler, ok := r.handlers[msg.CommandField]
	if !ok {
		slog.WarnContext(ctx, "No handler registered for DIMSE command",
			"command_field", fmt.Sprintf("0x%04x", msg.CommandField))
		return nil, nil, fmt.Errorf("unsupported DIMSE command: 0x%04x", msg.CommandField)
	}

	if err := r.authorize(ctx, mc, msg); err != nil {
		return CreateErrorResponse(msg, types.StatusNotAuthorized), nil, nil
	}

	return handler.HandleDIMSE(ctx, mc, msg, data)
}

// HandleDIMSEStreaming routes streaming DIMSE messages to appropriate service handlers.
//
// If the registered handler implements interfaces.StreamingServiceHandler, it will
// use the streaming interface. Otherwise, it falls back to HandleDIMSE and sends
// a single response.
func (r *Registry) HandleDIMSEStreaming(ctx context.Context, mc *interfaces.MessageContext, msg *types.Message, data []byte, responder interfaces.ResponseSender) error {
	slog.DebugContext(ctx, "Routing streaming DIMSE message",
		"command_field", fmt.Sprintf("0x%04x", msg.CommandField),
		"message_id", msg.MessageID,
		"calling_ae", mc.CallingAETitle)

	handler, ok := r.handlers[msg.CommandField]
	if !ok {
		slog.WarnContext(ctx, "No handler registered for DIMSE command",
			"command_field", fmt.Sprintf("0x%04x", msg.CommandField))
		return fmt.Errorf("unsupported DIMSE command: 0x%04x", msg.CommandField)
	}

	if err := r.authorize(ctx, mc, msg); err != nil {
		return responder.SendResponse(CreateErrorResponse(msg, types.StatusNotAuthorized), nil)
	}

	// Check if handler supports streaming
	if streamingHandler, ok := handler.(interfaces.StreamingServiceHandler); ok {
		return streamingHandler.HandleDIMSEStreaming(ctx, mc, msg, data, responder)
	}

	// Fallback to single-response handler
	responseMsg, responseData, err := handler.HandleDIMSE(ctx, mc, msg, data)
	if err != nil {
		return err
	}
	return responder.SendResponse(responseMsg, responseData)
}

func (r *Registry) authorize(ctx context.Context, mc *interfaces.MessageContext, msg *types.Message) error {
	if r.guard == nil || msg.CommandField == types.CEchoRQ {
		return nil
	}
	if err := r.guard.Authorize(ctx, mc, msg.CommandField); err != nil {
		slog.WarnContext(ctx, "DIMSE operation denied",
			"command_field", fmt.Sprintf("0x%04x", msg.CommandField),
			"calling_ae", mc.CallingAETitle,
			"remote_addr", mc.RemoteAddr,
			"error", err)
		return err
	}
	return nil
}

// HasHandler returns true if a handler is registered for the given command field.
func (r *Registry) HasHandler(commandField uint16) bool {
	_, ok := r.handlers[commandField]
	return ok
}

// RegisteredCommands returns a list of all command fields that have handlers registered.
func (r *Registry) RegisteredCommands() []uint16 {
	commands := make([]uint16, 0, len(r.handlers))
	for cmd := range r.handlers {
		commands = append(commands, cmd)
	}
	return commands
}

// CreateErrorResponse creates a standard DIMSE error response message.
//
// The response carries the response command field (original | 0x8000),
// the message ID being responded to, and the specified status code.
func CreateErrorResponse(req *types.Message, status uint16) *types.Message {
	return &types.Message{
		CommandField:              req.CommandField | 0x8000, // Set response bit
		MessageIDBeingRespondedTo: req.MessageID,
		AffectedSOPClassUID:       req.AffectedSOPClassUID,
		CommandDataSetType:        0x0101, // No dataset
		Status:                    status,
	}
}
