package dimse

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/caio-sobreiro/pacsproxy/interfaces"
	"github.com/caio-sobreiro/pacsproxy/types"
)

// PDULayer is the surface the DIMSE layer needs from the upper layer
// protocol handler.
type PDULayer interface {
	SendDIMSEResponse(presContextID byte, commandData []byte) error
	SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, datasetData []byte) error
	GetTransferSyntax(presContextID byte) (string, error)
	Association() *types.AssociationContext
	FindPresentationContext(abstractSyntax string) (*types.PresentationContext, bool)
}

// Service assembles PDV fragments into complete DIMSE messages and routes
// them to the service handler.
type Service struct {
	handler     interfaces.ServiceHandler
	commandData []byte
	datasetData []byte
	currentMsg  *types.Message
	subOpMsgID  uint32
	logger      *slog.Logger
}

// NewService creates a new DIMSE service with a handler
func NewService(handler interfaces.ServiceHandler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		handler: handler,
		logger:  logger,
	}
}

// responseHandler implements ResponseSender and CGetResponder for
// streaming responses on one association.
type responseHandler struct {
	service       *Service
	presContextID byte
	pduLayer      PDULayer
}

// SendResponse implements the ResponseSender interface
func (r *responseHandler) SendResponse(msg *types.Message, data []byte) error {
	return r.service.sendDIMSEResponse(msg, data, r.presContextID, r.pduLayer)
}

// SendCStore issues a C-STORE-RQ sub-operation on the same association,
// used by C-GET. The peer's C-STORE-RSP arrives as a regular command
// message and is absorbed by HandleDIMSEMessage.
func (r *responseHandler) SendCStore(sopClassUID, sopInstanceUID string, data []byte) error {
	ctx, ok := r.pduLayer.FindPresentationContext(sopClassUID)
	if !ok {
		return fmt.Errorf("no accepted presentation context for %s", sopClassUID)
	}

	msgID := uint16(atomic.AddUint32(&r.service.subOpMsgID, 1))
	command := &types.Message{
		CommandField:           types.CStoreRQ,
		MessageID:              msgID,
		Priority:               0x0002,
		CommandDataSetType:     0x0000, // Dataset present
		AffectedSOPClassUID:    sopClassUID,
		AffectedSOPInstanceUID: sopInstanceUID,
	}

	commandData, err := EncodeCommand(command)
	if err != nil {
		return fmt.Errorf("failed to encode C-STORE sub-operation: %w", err)
	}

	return r.pduLayer.SendDIMSEResponseWithDataset(ctx.ID, commandData, data)
}

// HandleDIMSEMessage processes DIMSE PDV fragments and routes complete
// messages to the service handler.
func (d *Service) HandleDIMSEMessage(presContextID byte, msgCtrlHeader byte, data []byte, pduLayer PDULayer) error {
	ctx := context.Background()

	// Message control header:
	// bit 0 set = command fragment, clear = dataset fragment
	// bit 1 set = last fragment
	isCommand := (msgCtrlHeader & 0x01) != 0
	isLastFragment := (msgCtrlHeader & 0x02) != 0

	if isCommand {
		d.commandData = append(d.commandData, data...)
		if !isLastFragment {
			return nil
		}

		msg, err := DecodeCommand(d.commandData)
		if err != nil {
			return fmt.Errorf("failed to parse DIMSE command: %w", err)
		}
		d.commandData = nil
		d.currentMsg = msg

		// C-STORE-RSP for a C-GET sub-operation we initiated
		if msg.CommandField == types.CStoreRSP {
			d.logger.Debug("Received C-STORE sub-operation response",
				"status", fmt.Sprintf("0x%04x", msg.Status),
				"sop_instance_uid", msg.AffectedSOPInstanceUID)
			d.currentMsg = nil
			return nil
		}

		if msg.CommandDataSetType == 0x0101 {
			return d.processCompleteMessage(ctx, presContextID, pduLayer)
		}
		return nil
	}

	d.datasetData = append(d.datasetData, data...)
	if isLastFragment {
		return d.processCompleteMessage(ctx, presContextID, pduLayer)
	}
	return nil
}

// processCompleteMessage processes a complete DIMSE message (command + optional dataset)
func (d *Service) processCompleteMessage(ctx context.Context, presContextID byte, pduLayer PDULayer) error {
	if d.currentMsg == nil {
		return fmt.Errorf("no current message to process")
	}

	msg := d.currentMsg
	datasetData := d.datasetData
	d.commandData = nil
	d.datasetData = nil
	d.currentMsg = nil

	d.logger.InfoContext(ctx, "Processing complete DIMSE message",
		"command_field", fmt.Sprintf("0x%04x", msg.CommandField),
		"message_id", msg.MessageID,
		"dataset_size", len(datasetData))

	mc := d.messageContext(presContextID, pduLayer)

	if streamingHandler, ok := d.handler.(interfaces.StreamingServiceHandler); ok {
		responder := &responseHandler{
			service:       d,
			presContextID: presContextID,
			pduLayer:      pduLayer,
		}
		return streamingHandler.HandleDIMSEStreaming(ctx, mc, msg, datasetData, responder)
	}

	responseMsg, responseData, err := d.handler.HandleDIMSE(ctx, mc, msg, datasetData)
	if err != nil {
		return fmt.Errorf("service handler failed: %w", err)
	}

	return d.sendDIMSEResponse(responseMsg, responseData, presContextID, pduLayer)
}

// messageContext snapshots association facts for the handler.
func (d *Service) messageContext(presContextID byte, pduLayer PDULayer) *interfaces.MessageContext {
	mc := &interfaces.MessageContext{
		PresentationContextID: presContextID,
	}
	if assoc := pduLayer.Association(); assoc != nil {
		mc.CallingAETitle = assoc.CallingAETitle
		mc.CalledAETitle = assoc.CalledAETitle
		mc.RemoteAddr = assoc.RemoteAddr
	}
	if ts, err := pduLayer.GetTransferSyntax(presContextID); err == nil {
		mc.TransferSyntaxUID = ts
	}
	return mc
}

// sendDIMSEResponse sends a DIMSE response
func (d *Service) sendDIMSEResponse(msg *types.Message, data []byte, presContextID byte, pduLayer PDULayer) error {
	commandData, err := EncodeCommand(msg)
	if err != nil {
		return fmt.Errorf("failed to encode response command: %w", err)
	}
	return pduLayer.SendDIMSEResponseWithDataset(presContextID, commandData, data)
}
