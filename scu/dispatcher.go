// Package scu implements outbound DICOM dispatch: parallel per-node
// C-STORE batches with retry, plus C-ECHO verification.
package scu

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/caio-sobreiro/pacsproxy/client"
	"github.com/caio-sobreiro/pacsproxy/config"
	"github.com/caio-sobreiro/pacsproxy/dicom"
	"github.com/caio-sobreiro/pacsproxy/dimse"
	proxyerrors "github.com/caio-sobreiro/pacsproxy/errors"
	"github.com/caio-sobreiro/pacsproxy/types"
)

// DefaultWorkers bounds the multi-node fan-out.
const DefaultWorkers = 5

// NodeResult aggregates one node's batch outcome.
type NodeResult struct {
	NodeID      string
	FilesSent   int
	FilesFailed int
	Err         error
}

// Dispatcher sends staged DICOM files to configured nodes.
type Dispatcher struct {
	callingAETitle string
	workers        int
	logger         *slog.Logger
}

// NewDispatcher creates a dispatcher announcing the given AE title.
func NewDispatcher(callingAETitle string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		callingAETitle: callingAETitle,
		workers:        DefaultWorkers,
		logger:         logger,
	}
}

// CollectDICOMFiles returns every .dcm file below dir.
func CollectDICOMFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".dcm") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	return files, nil
}

// SendToNode sends the files to one node as a single batch. On any
// transport failure the whole batch retries up to the node's retry
// budget. Per-file DIMSE failures count in FilesFailed and do not
// trigger a batch retry.
func (d *Dispatcher) SendToNode(ctx context.Context, node config.NodeConfig, files []string) NodeResult {
	result := NodeResult{NodeID: node.NodeID}
	if len(files) == 0 {
		return result
	}

	attempts := node.RetryCount + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			result.Err = ctx.Err()
			return result
		}

		sent, failed, err := d.sendBatch(node, files)
		result.FilesSent = sent
		result.FilesFailed = failed
		result.Err = err
		if err == nil {
			return result
		}

		d.logger.Warn("Batch send failed",
			"node_id", node.NodeID,
			"attempt", attempt,
			"error", err)

		if attempt < attempts && node.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				result.Err = ctx.Err()
				return result
			case <-time.After(node.RetryDelay):
			}
		}
	}
	return result
}

func (d *Dispatcher) sendBatch(node config.NodeConfig, files []string) (sent, failed int, err error) {
	assoc, err := client.Connect(node.Address(), client.Config{
		CallingAETitle: d.callingAETitle,
		CalledAETitle:  node.AETitle,
		MaxPDULength:   node.MaxPDUSize,
		ConnectTimeout: node.ConnectionTimeout,
		ReadTimeout:    node.ConnectionTimeout,
		WriteTimeout:   node.ConnectionTimeout,
		Logger:         d.logger,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to associate with %s: %w", node.AETitle, err)
	}
	defer assoc.Close()

	for i, path := range files {
		if err := d.sendFile(assoc, path, uint16(i+1)); err != nil {
			if isTransportError(err) {
				return sent, failed, err
			}
			d.logger.Warn("C-STORE rejected",
				"node_id", node.NodeID, "file", path, "error", err)
			failed++
			continue
		}
		sent++
	}
	return sent, failed, nil
}

func (d *Dispatcher) sendFile(assoc *client.Association, path string, messageID uint16) error {
	ds, fileTS, err := dicom.ReadFile(path)
	if err != nil {
		return err
	}

	sopClassUID := ds.GetString(dicom.TagSOPClassUID)
	sopInstanceUID := ds.GetString(dicom.TagSOPInstanceUID)
	if sopClassUID == "" || sopInstanceUID == "" {
		return fmt.Errorf("%s: missing SOP identity", path)
	}

	presCtxID, err := assoc.GetPresentationContextID(sopClassUID)
	if err != nil {
		return err
	}

	// Re-encode when the negotiated transfer syntax differs from the file's.
	acceptedTS, err := assoc.GetTransferSyntax(presCtxID)
	if err != nil {
		return err
	}
	if acceptedTS == "" {
		acceptedTS = fileTS
	}
	data, err := dicom.EncodeDatasetWithTransferSyntax(ds, acceptedTS)
	if err != nil {
		return err
	}

	resp, err := assoc.SendCStore(&dimse.CStoreRequest{
		SOPClassUID:    sopClassUID,
		SOPInstanceUID: sopInstanceUID,
		Data:           data,
		MessageID:      messageID,
	})
	if err != nil {
		return err
	}
	if resp.Status != types.StatusSuccess {
		return fmt.Errorf("C-STORE of %s answered 0x%04x", sopInstanceUID, resp.Status)
	}
	return nil
}

// SendToMultipleNodes fans the batch out across a bounded worker pool
// and aggregates per-node results.
func (d *Dispatcher) SendToMultipleNodes(ctx context.Context, nodes []config.NodeConfig, files []string) []NodeResult {
	results := make([]NodeResult, len(nodes))

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)

	for i, node := range nodes {
		i, node := i, node
		g.Go(func() error {
			res := d.SendToNode(ctx, node, files)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// VerifyNode opens an association and issues a single C-ECHO.
func (d *Dispatcher) VerifyNode(ctx context.Context, node config.NodeConfig) bool {
	timeout := node.ConnectionTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	assoc, err := client.Connect(node.Address(), client.Config{
		CallingAETitle:   d.callingAETitle,
		CalledAETitle:    node.AETitle,
		MaxPDULength:     node.MaxPDUSize,
		ConnectTimeout:   timeout,
		ReadTimeout:      timeout,
		WriteTimeout:     timeout,
		Logger:           d.logger,
		AbstractSyntaxes: []string{types.VerificationSOPClass},
	})
	if err != nil {
		d.logger.Debug("Node verification failed",
			"node_id", node.NodeID, "error", err)
		return false
	}
	defer assoc.Close()

	resp, err := assoc.SendCEcho(1)
	if err != nil {
		d.logger.Debug("C-ECHO failed", "node_id", node.NodeID, "error", err)
		return false
	}
	return resp.Status == types.StatusSuccess
}

// isTransportError separates connection-level failures, which abort and
// retry the batch, from per-file DIMSE refusals.
func isTransportError(err error) bool {
	var netErr *proxyerrors.NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var toErr *proxyerrors.TimeoutError
	if errors.As(err, &toErr) {
		return true
	}
	var abortErr *proxyerrors.AbortError
	return errors.As(err, &abortErr)
}
