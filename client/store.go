package client

import (
	"fmt"

	"github.com/caio-sobreiro/pacsproxy/dimse"
)

// SendCStore sends a C-STORE request over the association and waits for
// the response. The dataset must already be encoded in the transfer
// syntax negotiated for the SOP class.
func (a *Association) SendCStore(req *dimse.CStoreRequest) (*dimse.CStoreResponse, error) {
	presContextID, err := a.GetPresentationContextID(req.SOPClassUID)
	if err != nil {
		return nil, fmt.Errorf("no presentation context for SOP class %s: %w", req.SOPClassUID, err)
	}

	resp, err := dimse.SendCStore(a.conn, presContextID, a.maxPDULength, req)
	if err != nil {
		return nil, err
	}

	a.logger.Debug("C-STORE completed",
		"sop_class", req.SOPClassUID,
		"sop_instance", req.SOPInstanceUID,
		"status", fmt.Sprintf("0x%04x", resp.Status),
		"data_size", len(req.Data))

	return resp, nil
}
