package services

import (
	"context"
	"errors"
	"testing"

	"github.com/caio-sobreiro/pacsproxy/interfaces"
	"github.com/caio-sobreiro/pacsproxy/types"
)

// mockHandler implements interfaces.ServiceHandler
type mockHandler struct {
	handleFunc func(ctx context.Context, mc *interfaces.MessageContext, msg *types.Message, data []byte) (*types.Message, []byte, error)
}

func (m *mockHandler) HandleDIMSE(ctx context.Context, mc *interfaces.MessageContext, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	if m.handleFunc != nil {
		return m.handleFunc(ctx, mc, msg, data)
	}
	return &types.Message{
		CommandField:              msg.CommandField | 0x8000,
		MessageIDBeingRespondedTo: msg.MessageID,
		Status:                    types.StatusSuccess,
	}, nil, nil
}

// mockStreamingHandler implements both ServiceHandler and StreamingServiceHandler
type mockStreamingHandler struct {
	mockHandler
	handleStreamingFunc func(ctx context.Context, mc *interfaces.MessageContext, msg *types.Message, data []byte, responder interfaces.ResponseSender) error
}

func (m *mockStreamingHandler) HandleDIMSEStreaming(ctx context.Context, mc *interfaces.MessageContext, msg *types.Message, data []byte, responder interfaces.ResponseSender) error {
	if m.handleStreamingFunc != nil {
		return m.handleStreamingFunc(ctx, mc, msg, data, responder)
	}
	return responder.SendResponse(&types.Message{
		CommandField:              msg.CommandField | 0x8000,
		MessageIDBeingRespondedTo: msg.MessageID,
		Status:                    types.StatusSuccess,
	}, nil)
}

// mockResponder implements interfaces.ResponseSender
type mockResponder struct {
	responses []*types.Message
	datasets  [][]byte
}

func (m *mockResponder) SendResponse(msg *types.Message, data []byte) error {
	m.responses = append(m.responses, msg)
	m.datasets = append(m.datasets, data)
	return nil
}

// denyGuard denies every command in its deny set.
type denyGuard struct {
	denied map[uint16]bool
}

func (g *denyGuard) Authorize(ctx context.Context, mc *interfaces.MessageContext, commandField uint16) error {
	if g.denied[commandField] {
		return errors.New("access denied")
	}
	return nil
}

func testContext() *interfaces.MessageContext {
	return &interfaces.MessageContext{
		CallingAETitle:        "MODALITY",
		CalledAETitle:         "PACSPROXY",
		PresentationContextID: 1,
		TransferSyntaxUID:     types.ExplicitVRLittleEndian,
	}
}

func TestNewRegistry(t *testing.T) {
	registry := NewRegistry()
	if registry == nil {
		t.Fatal("Expected non-nil registry")
	}

	if registry.handlers == nil {
		t.Fatal("Expected initialized handlers map")
	}

	if len(registry.handlers) != 0 {
		t.Errorf("Expected empty handlers map, got %d handlers", len(registry.handlers))
	}
}

func TestRegistry_RegisterHandler(t *testing.T) {
	registry := NewRegistry()
	handler := &mockHandler{}

	registry.RegisterHandler(types.CEchoRQ, handler)

	if !registry.HasHandler(types.CEchoRQ) {
		t.Error("Handler should be registered for C-ECHO-RQ")
	}

	if registry.HasHandler(types.CFindRQ) {
		t.Error("Handler should not be registered for C-FIND-RQ")
	}
}

func TestRegistry_RegisterHandler_Replace(t *testing.T) {
	registry := NewRegistry()
	handler1 := &mockHandler{
		handleFunc: func(ctx context.Context, mc *interfaces.MessageContext, msg *types.Message, data []byte) (*types.Message, []byte, error) {
			return &types.Message{Status: 1}, nil, nil
		},
	}
	handler2 := &mockHandler{
		handleFunc: func(ctx context.Context, mc *interfaces.MessageContext, msg *types.Message, data []byte) (*types.Message, []byte, error) {
			return &types.Message{Status: 2}, nil, nil
		},
	}

	registry.RegisterHandler(types.CEchoRQ, handler1)
	registry.RegisterHandler(types.CEchoRQ, handler2)

	msg := &types.Message{
		CommandField: types.CEchoRQ,
		MessageID:    1,
	}

	resp, _, _ := registry.HandleDIMSE(context.Background(), testContext(), msg, nil)
	if resp.Status != 2 {
		t.Errorf("Expected status 2 from second handler, got %d", resp.Status)
	}
}

func TestRegistry_UnregisterHandler(t *testing.T) {
	registry := NewRegistry()
	handler := &mockHandler{}

	registry.RegisterHandler(types.CEchoRQ, handler)
	if !registry.HasHandler(types.CEchoRQ) {
		t.Fatal("Handler should be registered")
	}

	registry.UnregisterHandler(types.CEchoRQ)
	if registry.HasHandler(types.CEchoRQ) {
		t.Error("Handler should be unregistered")
	}
}

func TestRegistry_HandleDIMSE(t *testing.T) {
	registry := NewRegistry()

	handler := &mockHandler{
		handleFunc: func(ctx context.Context, mc *interfaces.MessageContext, msg *types.Message, data []byte) (*types.Message, []byte, error) {
			return &types.Message{
				CommandField:              types.CEchoRSP,
				MessageIDBeingRespondedTo: msg.MessageID,
				Status:                    types.StatusSuccess,
			}, nil, nil
		},
	}

	registry.RegisterHandler(types.CEchoRQ, handler)

	msg := &types.Message{
		CommandField: types.CEchoRQ,
		MessageID:    42,
	}

	resp, data, err := registry.HandleDIMSE(context.Background(), testContext(), msg, nil)
	if err != nil {
		t.Fatalf("HandleDIMSE() error = %v", err)
	}

	if resp == nil {
		t.Fatal("Expected non-nil response")
	}

	if resp.CommandField != types.CEchoRSP {
		t.Errorf("CommandField = 0x%04x, want 0x%04x", resp.CommandField, types.CEchoRSP)
	}

	if resp.MessageIDBeingRespondedTo != 42 {
		t.Errorf("MessageIDBeingRespondedTo = %d, want 42", resp.MessageIDBeingRespondedTo)
	}

	if data != nil {
		t.Error("Expected nil data")
	}
}

func TestRegistry_HandleDIMSE_NoHandler(t *testing.T) {
	registry := NewRegistry()

	msg := &types.Message{
		CommandField: types.CEchoRQ,
		MessageID:    1,
	}

	_, _, err := registry.HandleDIMSE(context.Background(), testContext(), msg, nil)
	if err == nil {
		t.Error("Expected error for unregistered command")
	}
}

func TestRegistry_HandleDIMSE_HandlerError(t *testing.T) {
	registry := NewRegistry()

	expectedErr := errors.New("handler error")
	handler := &mockHandler{
		handleFunc: func(ctx context.Context, mc *interfaces.MessageContext, msg *types.Message, data []byte) (*types.Message, []byte, error) {
			return nil, nil, expectedErr
		},
	}

	registry.RegisterHandler(types.CEchoRQ, handler)

	msg := &types.Message{
		CommandField: types.CEchoRQ,
		MessageID:    1,
	}

	_, _, err := registry.HandleDIMSE(context.Background(), testContext(), msg, nil)
	if !errors.Is(err, expectedErr) {
		t.Errorf("Expected error %v, got %v", expectedErr, err)
	}
}

func TestRegistry_HandleDIMSE_GuardDenies(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterHandler(types.CStoreRQ, &mockHandler{})
	registry.SetGuard(&denyGuard{denied: map[uint16]bool{types.CStoreRQ: true}})

	msg := &types.Message{
		CommandField: types.CStoreRQ,
		MessageID:    7,
	}

	resp, _, err := registry.HandleDIMSE(context.Background(), testContext(), msg, nil)
	if err != nil {
		t.Fatalf("HandleDIMSE() error = %v", err)
	}

	if resp.Status != types.StatusNotAuthorized {
		t.Errorf("Status = 0x%04x, want not-authorized", resp.Status)
	}

	if resp.CommandField != types.CStoreRSP {
		t.Errorf("CommandField = 0x%04x, want 0x%04x", resp.CommandField, types.CStoreRSP)
	}
}

func TestRegistry_HandleDIMSE_GuardExemptsEcho(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterHandler(types.CEchoRQ, NewEchoService())
	registry.SetGuard(&denyGuard{denied: map[uint16]bool{
		types.CEchoRQ:  true,
		types.CStoreRQ: true,
	}})

	msg := &types.Message{
		CommandField:        types.CEchoRQ,
		MessageID:           1,
		AffectedSOPClassUID: types.VerificationSOPClass,
	}

	resp, _, err := registry.HandleDIMSE(context.Background(), testContext(), msg, nil)
	if err != nil {
		t.Fatalf("HandleDIMSE() error = %v", err)
	}

	if resp.Status != types.StatusSuccess {
		t.Errorf("Status = 0x%04x, want success; verification bypasses access rules", resp.Status)
	}
}

func TestRegistry_HandleDIMSEStreaming_StreamingHandler(t *testing.T) {
	registry := NewRegistry()

	handler := &mockStreamingHandler{
		handleStreamingFunc: func(ctx context.Context, mc *interfaces.MessageContext, msg *types.Message, data []byte, responder interfaces.ResponseSender) error {
			for i := 0; i < 3; i++ {
				if err := responder.SendResponse(&types.Message{
					CommandField:              types.CFindRSP,
					MessageIDBeingRespondedTo: msg.MessageID,
					Status:                    types.StatusPending,
				}, nil); err != nil {
					return err
				}
			}
			return responder.SendResponse(&types.Message{
				CommandField:              types.CFindRSP,
				MessageIDBeingRespondedTo: msg.MessageID,
				Status:                    types.StatusSuccess,
			}, nil)
		},
	}

	registry.RegisterHandler(types.CFindRQ, handler)

	msg := &types.Message{
		CommandField: types.CFindRQ,
		MessageID:    1,
	}

	responder := &mockResponder{}
	err := registry.HandleDIMSEStreaming(context.Background(), testContext(), msg, nil, responder)
	if err != nil {
		t.Fatalf("HandleDIMSEStreaming() error = %v", err)
	}

	if len(responder.responses) != 4 {
		t.Fatalf("Expected 4 responses, got %d", len(responder.responses))
	}

	for i := 0; i < 3; i++ {
		if responder.responses[i].Status != types.StatusPending {
			t.Errorf("Response %d: expected pending status, got 0x%04x", i, responder.responses[i].Status)
		}
	}

	if responder.responses[3].Status != types.StatusSuccess {
		t.Errorf("Final response: expected success status, got 0x%04x", responder.responses[3].Status)
	}
}

func TestRegistry_HandleDIMSEStreaming_NonStreamingHandler(t *testing.T) {
	registry := NewRegistry()

	payload := []byte{0x01, 0x02, 0x03}
	handler := &mockHandler{
		handleFunc: func(ctx context.Context, mc *interfaces.MessageContext, msg *types.Message, data []byte) (*types.Message, []byte, error) {
			return &types.Message{
				CommandField:              types.CEchoRSP,
				MessageIDBeingRespondedTo: msg.MessageID,
				Status:                    types.StatusSuccess,
			}, payload, nil
		},
	}

	registry.RegisterHandler(types.CEchoRQ, handler)

	msg := &types.Message{
		CommandField: types.CEchoRQ,
		MessageID:    1,
	}

	responder := &mockResponder{}
	err := registry.HandleDIMSEStreaming(context.Background(), testContext(), msg, nil, responder)
	if err != nil {
		t.Fatalf("HandleDIMSEStreaming() error = %v", err)
	}

	if len(responder.responses) != 1 {
		t.Fatalf("Expected 1 response, got %d", len(responder.responses))
	}

	if len(responder.datasets[0]) != len(payload) {
		t.Errorf("Expected handler payload to be forwarded")
	}
}

func TestRegistry_HandleDIMSEStreaming_GuardDenies(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterHandler(types.CFindRQ, &mockStreamingHandler{})
	registry.SetGuard(&denyGuard{denied: map[uint16]bool{types.CFindRQ: true}})

	msg := &types.Message{
		CommandField: types.CFindRQ,
		MessageID:    3,
	}

	responder := &mockResponder{}
	err := registry.HandleDIMSEStreaming(context.Background(), testContext(), msg, nil, responder)
	if err != nil {
		t.Fatalf("HandleDIMSEStreaming() error = %v", err)
	}

	if len(responder.responses) != 1 {
		t.Fatalf("Expected 1 response, got %d", len(responder.responses))
	}

	if responder.responses[0].Status != types.StatusNotAuthorized {
		t.Errorf("Status = 0x%04x, want not-authorized", responder.responses[0].Status)
	}
}

func TestRegistry_HandleDIMSEStreaming_NoHandler(t *testing.T) {
	registry := NewRegistry()

	msg := &types.Message{
		CommandField: types.CEchoRQ,
		MessageID:    1,
	}

	responder := &mockResponder{}
	err := registry.HandleDIMSEStreaming(context.Background(), testContext(), msg, nil, responder)
	if err == nil {
		t.Error("Expected error for unregistered command")
	}
}

func TestRegistry_RegisteredCommands(t *testing.T) {
	registry := NewRegistry()
	handler := &mockHandler{}

	registry.RegisterHandler(types.CEchoRQ, handler)
	registry.RegisterHandler(types.CFindRQ, handler)
	registry.RegisterHandler(types.CStoreRQ, handler)

	commands := registry.RegisteredCommands()
	if len(commands) != 3 {
		t.Errorf("Expected 3 registered commands, got %d", len(commands))
	}

	found := make(map[uint16]bool)
	for _, cmd := range commands {
		found[cmd] = true
	}

	for _, expected := range []uint16{types.CEchoRQ, types.CFindRQ, types.CStoreRQ} {
		if !found[expected] {
			t.Errorf("Expected command 0x%04x not found in registered commands", expected)
		}
	}
}

func TestCreateErrorResponse(t *testing.T) {
	req := &types.Message{
		CommandField:        types.CEchoRQ,
		MessageID:           42,
		AffectedSOPClassUID: types.VerificationSOPClass,
	}

	resp := CreateErrorResponse(req, types.StatusFailure)

	if resp.CommandField != types.CEchoRSP {
		t.Errorf("CommandField = 0x%04x, want 0x%04x", resp.CommandField, types.CEchoRSP)
	}

	if resp.MessageIDBeingRespondedTo != 42 {
		t.Errorf("MessageIDBeingRespondedTo = %d, want 42", resp.MessageIDBeingRespondedTo)
	}

	if resp.Status != types.StatusFailure {
		t.Errorf("Status = 0x%04x, want 0x%04x", resp.Status, types.StatusFailure)
	}

	if resp.CommandDataSetType != 0x0101 {
		t.Errorf("CommandDataSetType = 0x%04x, want 0x0101", resp.CommandDataSetType)
	}

	if resp.AffectedSOPClassUID != req.AffectedSOPClassUID {
		t.Errorf("AffectedSOPClassUID = %s, want %s", resp.AffectedSOPClassUID, req.AffectedSOPClassUID)
	}
}
