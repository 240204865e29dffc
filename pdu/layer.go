// Package pdu implements the acceptor side of the DICOM Upper Layer
// Protocol: association negotiation, P-DATA-TF framing and release.
package pdu

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/caio-sobreiro/pacsproxy/dicom"
	"github.com/caio-sobreiro/pacsproxy/types"
)

const (
	presentationResultAcceptance           byte = 0x00
	presentationResultRejectAbstractSyntax byte = 0x03
	presentationResultRejectTransferSyntax byte = 0x04
)

const defaultMaxPDULength = 16384

// DIMSEHandler interface for handling DIMSE messages
type DIMSEHandler interface {
	HandleDIMSEMessage(presContextID byte, msgCtrlHeader byte, data []byte, pduLayer *Layer) error
}

// Layer handles one association on the acceptor side.
type Layer struct {
	conn           net.Conn
	associationCtx *types.AssociationContext
	dimseHandler   DIMSEHandler
	serverAETitle  string
	logger         *slog.Logger
}

// NewLayer creates a new PDU layer handler
func NewLayer(conn net.Conn, dimseHandler DIMSEHandler, serverAETitle string, logger *slog.Logger) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Layer{
		conn:          conn,
		dimseHandler:  dimseHandler,
		serverAETitle: serverAETitle,
		logger:        logger,
	}
}

// Association returns the negotiated association context. Nil before the
// association phase completes.
func (p *Layer) Association() *types.AssociationContext {
	return p.associationCtx
}

func supportsAbstractSyntax(uid string) bool {
	return uid == types.VerificationSOPClass ||
		types.IsStorageSOPClass(uid) ||
		types.IsQueryRetrieveSOPClass(uid)
}

func normalizeUID(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00 ")
}

func parsePresentationContext(data []byte, logger *slog.Logger) (*types.PresentationContext, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("presentation context too short: %d", len(data))
	}

	ctxID := data[0]
	subOffset := 4 // Skip reserved bytes
	var abstractSyntax string
	var transferSyntaxes []string

	for subOffset+4 <= len(data) {
		subItemType := data[subOffset]
		subItemLength := binary.BigEndian.Uint16(data[subOffset+2 : subOffset+4])
		valueStart := subOffset + 4
		valueEnd := valueStart + int(subItemLength)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("presentation context %d sub-item exceeds length", ctxID)
		}

		value := data[valueStart:valueEnd]
		switch subItemType {
		case 0x30: // Abstract Syntax
			abstractSyntax = normalizeUID(value)
		case 0x40: // Transfer Syntax
			transferSyntaxes = append(transferSyntaxes, normalizeUID(value))
		}

		subOffset = valueEnd
	}

	if abstractSyntax == "" {
		return nil, fmt.Errorf("presentation context %d missing abstract syntax", ctxID)
	}

	result := presentationResultRejectAbstractSyntax
	selectedTransfer := ""

	if supportsAbstractSyntax(abstractSyntax) {
		result = presentationResultRejectTransferSyntax
		for _, ts := range transferSyntaxes {
			if types.IsSupportedTransferSyntax(ts) {
				selectedTransfer = ts
				result = presentationResultAcceptance
				break
			}
		}
	}

	logger.Debug("Presentation context negotiation result",
		"context_id", ctxID,
		"abstract_syntax", abstractSyntax,
		"selected_transfer_syntax", selectedTransfer,
		"result", result)

	return &types.PresentationContext{
		ID:             ctxID,
		Result:         result,
		AbstractSyntax: abstractSyntax,
		TransferSyntax: selectedTransfer,
	}, nil
}

func parseUserInformation(data []byte) (uint32, error) {
	offset := 0
	var maxPDULength uint32

	for offset+4 <= len(data) {
		subItemType := data[offset]
		subItemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(subItemLength)
		if valueEnd > len(data) {
			return 0, fmt.Errorf("user information sub-item exceeds length")
		}

		if subItemType == 0x51 && subItemLength == 4 {
			maxPDULength = binary.BigEndian.Uint32(data[valueStart:valueEnd])
		}

		offset = valueEnd
	}

	return maxPDULength, nil
}

// HandleConnection manages the complete DICOM connection lifecycle
func (p *Layer) HandleConnection() error {
	defer p.conn.Close()
	p.logger.Info("New DICOM connection", "remote_addr", p.conn.RemoteAddr())

	if err := p.handleAssociationPhase(); err != nil {
		return fmt.Errorf("association failed: %w", err)
	}

	for {
		pdu, err := p.readPDU()
		if err != nil {
			if err == io.EOF {
				p.logger.Info("Connection closed by client", "remote_addr", p.conn.RemoteAddr())
			} else {
				p.logger.Warn("Error reading PDU", "error", err, "remote_addr", p.conn.RemoteAddr())
			}
			break
		}

		if err := p.handlePDU(pdu); err != nil {
			if err == io.EOF {
				break // Normal termination
			}
			return fmt.Errorf("error handling PDU: %w", err)
		}
	}

	return nil
}

// readPDU reads a complete PDU from the connection
func (p *Layer) readPDU() (*types.PDU, error) {
	// PDU header: type (1) + reserved (1) + length (4)
	header := make([]byte, 6)
	if _, err := io.ReadFull(p.conn, header); err != nil {
		return nil, err
	}

	pduType := header[0]
	pduLength := binary.BigEndian.Uint32(header[2:6])

	pduData := make([]byte, pduLength)
	if _, err := io.ReadFull(p.conn, pduData); err != nil {
		return nil, fmt.Errorf("failed to read PDU data: %w", err)
	}

	return &types.PDU{
		Type:   pduType,
		Length: pduLength,
		Data:   pduData,
	}, nil
}

// handlePDU routes PDUs to appropriate handlers
func (p *Layer) handlePDU(pdu *types.PDU) error {
	p.logger.Debug("Received PDU", "type", fmt.Sprintf("0x%02x", pdu.Type), "length", pdu.Length)

	switch pdu.Type {
	case types.TypePDataTF:
		return p.handlePDataTF(pdu)
	case types.TypeReleaseRQ:
		return p.handleReleaseRequest()
	case types.TypeReleaseRP:
		p.logger.Debug("Received A-RELEASE-RP")
		return io.EOF
	case types.TypeAbort:
		p.logger.Info("Received A-ABORT")
		return io.EOF
	default:
		p.logger.Warn("Unhandled PDU type", "type", fmt.Sprintf("0x%02x", pdu.Type))
		return nil
	}
}

func (p *Layer) handleAssociationPhase() error {
	pdu, err := p.readPDU()
	if err != nil {
		return fmt.Errorf("failed to read association request: %w", err)
	}

	if pdu.Type != types.TypeAssociateRQ {
		return fmt.Errorf("expected A-ASSOCIATE-RQ, got PDU type: 0x%02x", pdu.Type)
	}

	return p.handleAssociateRequest(pdu)
}

// handleAssociateRequest processes A-ASSOCIATE-RQ and sends A-ASSOCIATE-AC
// or A-ASSOCIATE-RJ.
func (p *Layer) handleAssociateRequest(pdu *types.PDU) error {
	remoteAddr := ""
	if addr := p.conn.RemoteAddr(); addr != nil {
		remoteAddr = addr.String()
		if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
			remoteAddr = host
		}
	}

	p.associationCtx = &types.AssociationContext{
		CalledAETitle:    p.serverAETitle,
		CallingAETitle:   "UNKNOWN",
		RemoteAddr:       remoteAddr,
		MaxPDULength:     defaultMaxPDULength,
		PresentationCtxs: make(map[byte]*types.PresentationContext),
	}

	if err := p.parseAssociationRequest(pdu); err != nil {
		p.logger.Warn("Rejecting malformed association request", "error", err)
		if _, werr := p.conn.Write(createAssociateReject()); werr != nil {
			return fmt.Errorf("failed to send A-ASSOCIATE-RJ: %w", werr)
		}
		return fmt.Errorf("malformed association request: %w", err)
	}

	response := p.createAssociateAccept()
	if _, err := p.conn.Write(response); err != nil {
		return fmt.Errorf("failed to send A-ASSOCIATE-AC: %w", err)
	}

	p.logger.Debug("Sent A-ASSOCIATE-AC",
		"calling_ae", p.associationCtx.CallingAETitle,
		"remote_addr", remoteAddr)
	return nil
}

// handlePDataTF processes P-DATA-TF PDUs and forwards each PDV to the
// DIMSE layer.
func (p *Layer) handlePDataTF(pdu *types.PDU) error {
	data := pdu.Data
	offset := 0

	for offset+6 <= len(data) {
		pdvLength := binary.BigEndian.Uint32(data[offset : offset+4])
		if pdvLength < 2 || offset+4+int(pdvLength) > len(data) {
			return fmt.Errorf("incomplete PDV data")
		}

		pdvData := data[offset+4 : offset+4+int(pdvLength)]
		presContextID := pdvData[0]
		msgCtrlHeader := pdvData[1]

		p.logger.Debug("Processing DIMSE fragment",
			"presentation_context_id", presContextID,
			"message_control_header", fmt.Sprintf("0x%02x", msgCtrlHeader))

		if err := p.dimseHandler.HandleDIMSEMessage(presContextID, msgCtrlHeader, pdvData[2:], p); err != nil {
			return err
		}

		offset += 4 + int(pdvLength)
	}

	return nil
}

// handleReleaseRequest processes A-RELEASE-RQ and sends A-RELEASE-RP
func (p *Layer) handleReleaseRequest() error {
	response := []byte{types.TypeReleaseRP, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00}

	if _, err := p.conn.Write(response); err != nil {
		return fmt.Errorf("failed to send A-RELEASE-RP: %w", err)
	}

	p.logger.Debug("Sent A-RELEASE-RP")
	return io.EOF
}

// SendDIMSEResponse sends a DIMSE response via P-DATA-TF
func (p *Layer) SendDIMSEResponse(presContextID byte, commandData []byte) error {
	return p.SendDIMSEResponseWithDataset(presContextID, commandData, nil)
}

// SendDIMSEResponseWithDataset sends a DIMSE response with optional dataset
// via P-DATA-TF. The dataset is fragmented to honor the peer's maximum PDU
// length.
func (p *Layer) SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, datasetData []byte) error {
	// Command PDV: message control header bit0 = command, bit1 = last fragment
	if err := p.writePDV(presContextID, 0x03, commandData); err != nil {
		return fmt.Errorf("failed to send command PDU: %w", err)
	}

	if len(datasetData) == 0 {
		return nil
	}

	maxPDU := defaultMaxPDULength
	if p.associationCtx != nil && p.associationCtx.MaxPDULength > 0 {
		maxPDU = int(p.associationCtx.MaxPDULength)
	}
	// PDV overhead: 4-byte PDV length + context ID + control header
	chunkSize := maxPDU - 6
	if chunkSize < 1 {
		chunkSize = defaultMaxPDULength - 6
	}

	for start := 0; start < len(datasetData); start += chunkSize {
		end := start + chunkSize
		ctrl := byte(0x00) // dataset, more fragments follow
		if end >= len(datasetData) {
			end = len(datasetData)
			ctrl = 0x02 // dataset, last fragment
		}
		if err := p.writePDV(presContextID, ctrl, datasetData[start:end]); err != nil {
			return fmt.Errorf("failed to send dataset PDU: %w", err)
		}
	}

	return nil
}

func (p *Layer) writePDV(presContextID, msgCtrlHeader byte, payload []byte) error {
	pdvData := make([]byte, 0, 2+len(payload))
	pdvData = append(pdvData, presContextID, msgCtrlHeader)
	pdvData = append(pdvData, payload...)

	out := make([]byte, 0, 10+len(pdvData))
	out = append(out, types.TypePDataTF, 0x00)
	pduLength := make([]byte, 4)
	binary.BigEndian.PutUint32(pduLength, uint32(4+len(pdvData)))
	out = append(out, pduLength...)
	pdvLength := make([]byte, 4)
	binary.BigEndian.PutUint32(pdvLength, uint32(len(pdvData)))
	out = append(out, pdvLength...)
	out = append(out, pdvData...)

	_, err := p.conn.Write(out)
	return err
}

// GetTransferSyntax returns the negotiated transfer syntax for the given presentation context.
func (p *Layer) GetTransferSyntax(presContextID byte) (string, error) {
	if p.associationCtx == nil {
		return "", fmt.Errorf("association context not initialized")
	}

	ctx, ok := p.associationCtx.PresentationCtxs[presContextID]
	if !ok {
		return "", fmt.Errorf("presentation context %d not found", presContextID)
	}

	if ctx.TransferSyntax == "" {
		return "", fmt.Errorf("no transfer syntax negotiated for presentation context %d", presContextID)
	}

	return ctx.TransferSyntax, nil
}

// FindPresentationContext returns an accepted presentation context for the
// given abstract syntax, used when initiating sub-operations (C-GET).
func (p *Layer) FindPresentationContext(abstractSyntax string) (*types.PresentationContext, bool) {
	if p.associationCtx == nil {
		return nil, false
	}
	for _, ctx := range p.associationCtx.PresentationCtxs {
		if ctx.Result == presentationResultAcceptance && ctx.AbstractSyntax == abstractSyntax {
			return ctx, true
		}
	}
	return nil, false
}

// createAssociateReject builds an A-ASSOCIATE-RJ PDU (permanent,
// service-user, no reason given).
func createAssociateReject() []byte {
	return []byte{types.TypeAssociateRJ, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x01, 0x01, 0x01}
}

// createAssociateAccept creates a proper A-ASSOCIATE-AC PDU
func (p *Layer) createAssociateAccept() []byte {
	// Fixed fields (68 bytes)
	fixedFields := make([]byte, 68)

	// Protocol version (bytes 0-1): 0x0001
	binary.BigEndian.PutUint16(fixedFields[0:2], 0x0001)

	calledAE := p.associationCtx.CalledAETitle
	if len(calledAE) > 16 {
		calledAE = calledAE[:16]
	}
	callingAE := p.associationCtx.CallingAETitle
	if len(callingAE) > 16 {
		callingAE = callingAE[:16]
	}

	// AE titles are space padded to 16 bytes
	copy(fixedFields[4:20], fmt.Sprintf("%-16s", calledAE))
	copy(fixedFields[20:36], fmt.Sprintf("%-16s", callingAE))

	// Application Context Item
	appContextUID := types.ApplicationContextUID
	appContextItem := []byte{0x10, 0x00}
	appContextLen := make([]byte, 2)
	binary.BigEndian.PutUint16(appContextLen, uint16(len(appContextUID)))
	appContextItem = append(appContextItem, appContextLen...)
	appContextItem = append(appContextItem, []byte(appContextUID)...)

	// Context IDs sorted for consistent ordering
	var contextIDs []int
	for id := range p.associationCtx.PresentationCtxs {
		contextIDs = append(contextIDs, int(id))
	}
	for i := 0; i < len(contextIDs); i++ {
		for j := i + 1; j < len(contextIDs); j++ {
			if contextIDs[i] > contextIDs[j] {
				contextIDs[i], contextIDs[j] = contextIDs[j], contextIDs[i]
			}
		}
	}

	var allPresContextItems []byte
	for _, id := range contextIDs {
		ctx := p.associationCtx.PresentationCtxs[byte(id)]

		// Some implementations (DCMTK, Orthanc) reject A-ASSOCIATE-AC PDUs
		// carrying rejected presentation contexts even though PS3.8 9.3.3.3
		// asks for all contexts from the RQ. Skip rejected contexts.
		if ctx.Result != presentationResultAcceptance {
			continue
		}

		var presContextData []byte

		// Accepted contexts carry only the selected transfer syntax
		if ctx.TransferSyntax == "" {
			p.logger.Error("Accepted presentation context missing transfer syntax",
				"context_id", ctx.ID,
				"abstract_syntax", ctx.AbstractSyntax)
			continue
		}
		transferSyntaxItem := []byte{0x40, 0x00}
		transferSyntaxLen := make([]byte, 2)
		binary.BigEndian.PutUint16(transferSyntaxLen, uint16(len(ctx.TransferSyntax)))
		transferSyntaxItem = append(transferSyntaxItem, transferSyntaxLen...)
		transferSyntaxItem = append(transferSyntaxItem, []byte(ctx.TransferSyntax)...)
		presContextData = transferSyntaxItem

		// Presentation Context Item - AC (0x21)
		presContextItem := []byte{0x21, 0x00}
		presContextLen := make([]byte, 2)
		binary.BigEndian.PutUint16(presContextLen, uint16(4+len(presContextData)))
		presContextItem = append(presContextItem, presContextLen...)
		presContextItem = append(presContextItem, ctx.ID, ctx.Result, 0x00, 0x00)
		presContextItem = append(presContextItem, presContextData...)

		allPresContextItems = append(allPresContextItems, presContextItem...)
	}

	// User Information Item
	maxPDUItem := []byte{0x51, 0x00, 0x00, 0x04}
	maxPDUValue := make([]byte, 4)
	binary.BigEndian.PutUint32(maxPDUValue, defaultMaxPDULength)
	maxPDUItem = append(maxPDUItem, maxPDUValue...)

	implClassUID := dicom.ImplementationClassUID
	implClassItem := []byte{0x52, 0x00}
	implClassLen := make([]byte, 2)
	binary.BigEndian.PutUint16(implClassLen, uint16(len(implClassUID)))
	implClassItem = append(implClassItem, implClassLen...)
	implClassItem = append(implClassItem, []byte(implClassUID)...)

	implVersionName := dicom.ImplementationVersionName
	implVersionItem := []byte{0x55, 0x00}
	implVersionLen := make([]byte, 2)
	binary.BigEndian.PutUint16(implVersionLen, uint16(len(implVersionName)))
	implVersionItem = append(implVersionItem, implVersionLen...)
	implVersionItem = append(implVersionItem, []byte(implVersionName)...)

	userInfoData := append(maxPDUItem, implClassItem...)
	userInfoData = append(userInfoData, implVersionItem...)
	userInfoItem := []byte{0x50, 0x00}
	userInfoLen := make([]byte, 2)
	binary.BigEndian.PutUint16(userInfoLen, uint16(len(userInfoData)))
	userInfoItem = append(userInfoItem, userInfoLen...)
	userInfoItem = append(userInfoItem, userInfoData...)

	// Combine all
	variableItems := append(appContextItem, allPresContextItems...)
	variableItems = append(variableItems, userInfoItem...)
	pduData := append(fixedFields, variableItems...)

	pduHeader := []byte{types.TypeAssociateAC, 0x00}
	pduLength := make([]byte, 4)
	binary.BigEndian.PutUint32(pduLength, uint32(len(pduData)))
	pduHeader = append(pduHeader, pduLength...)

	return append(pduHeader, pduData...)
}

// parseAssociationRequest parses an A-ASSOCIATE-RQ PDU to extract presentation contexts and AE titles
func (p *Layer) parseAssociationRequest(pdu *types.PDU) error {
	if len(pdu.Data) < 68 {
		return fmt.Errorf("association request too short")
	}

	data := pdu.Data

	// Called AE Title (bytes 4-19), Calling AE Title (bytes 20-35)
	calledAE := trimAETitle(data[4:20])
	callingAE := trimAETitle(data[20:36])

	p.associationCtx.CalledAETitle = calledAE
	p.associationCtx.CallingAETitle = callingAE

	p.logger.Info("Association request",
		"calling_ae", callingAE,
		"called_ae", calledAE,
		"remote_addr", p.associationCtx.RemoteAddr)

	// Variable items start at offset 68
	offset := 68
	var proposedContexts int
	var acceptedContexts int

	for offset+4 <= len(data) {
		itemType := data[offset]
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(itemLength)
		if valueEnd > len(data) {
			return fmt.Errorf("association item exceeds PDU length")
		}
		itemData := data[valueStart:valueEnd]

		switch itemType {
		case 0x10: // Application Context
		case 0x20: // Presentation Context
			proposedContexts++
			ctx, err := parsePresentationContext(itemData, p.logger)
			if err != nil {
				p.logger.Warn("Failed to parse presentation context", "error", err)
			} else {
				p.associationCtx.PresentationCtxs[ctx.ID] = ctx
				if ctx.Result == presentationResultAcceptance {
					acceptedContexts++
				}
			}
		case 0x50: // User Information
			if maxPDULength, err := parseUserInformation(itemData); err != nil {
				p.logger.Warn("Failed to parse user information", "error", err)
			} else if maxPDULength > 0 {
				p.associationCtx.MaxPDULength = maxPDULength
			}
		}

		offset = valueEnd
	}

	if proposedContexts == 0 {
		return fmt.Errorf("no presentation contexts in association request")
	}

	p.logger.Info("Negotiated presentation contexts",
		"proposed", proposedContexts,
		"accepted", acceptedContexts,
		"max_pdu_length", p.associationCtx.MaxPDULength)

	return nil
}

func trimAETitle(raw []byte) string {
	value := string(raw)
	if idx := strings.IndexByte(value, 0); idx != -1 {
		value = value[:idx]
	}
	return strings.TrimSpace(value)
}
