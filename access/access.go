// Package access enforces per-node permissions on inbound DIMSE
// operations. In public mode every peer is allowed; in private mode the
// calling AE title must map to an active node with the permission the
// verb requires.
package access

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/caio-sobreiro/pacsproxy/config"
	"github.com/caio-sobreiro/pacsproxy/interfaces"
	"github.com/caio-sobreiro/pacsproxy/types"
)

// Controller implements the services.Guard interface over the live
// configuration snapshot.
type Controller struct {
	cfg    *config.Store
	logger *slog.Logger
}

// NewController creates an access controller.
func NewController(cfg *config.Store, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{cfg: cfg, logger: logger}
}

// Authorize checks whether the calling peer may perform the DIMSE
// operation. A nil return allows it.
func (c *Controller) Authorize(ctx context.Context, mc *interfaces.MessageContext, commandField uint16) error {
	snapshot := c.cfg.Current()
	if snapshot.Mode == config.ModePublic {
		return nil
	}

	node := c.resolveNode(snapshot, mc.CallingAETitle, mc.RemoteAddr)
	if node == nil {
		return fmt.Errorf("unknown calling AE %q", mc.CallingAETitle)
	}
	if !node.IsActive {
		return fmt.Errorf("node %s is inactive", node.NodeID)
	}

	switch commandField {
	case types.CStoreRQ:
		if !node.CanWrite() {
			return fmt.Errorf("node %s lacks write permission", node.NodeID)
		}
	case types.CFindRQ, types.CGetRQ, types.CMoveRQ:
		if !node.CanRead() {
			return fmt.Errorf("node %s lacks read permission", node.NodeID)
		}
	default:
		return fmt.Errorf("operation 0x%04x not permitted", commandField)
	}
	return nil
}

// resolveNode maps a calling AE title to a node, disambiguating
// multiple matches by the peer's IP.
func (c *Controller) resolveNode(snapshot *config.Proxy, callingAE, remoteAddr string) *config.NodeConfig {
	matches := snapshot.FindNodeByAETitle(callingAE)
	if len(matches) == 0 {
		return nil
	}
	if len(matches) > 1 && remoteAddr != "" {
		for i := range matches {
			if matches[i].Host == remoteAddr {
				return &matches[i]
			}
		}
	}
	return &matches[0]
}

// CheckMoveDestination validates a C-MOVE destination AE title against
// the node registry. The destination must be a known, active node.
func (c *Controller) CheckMoveDestination(destinationAE string) (*config.NodeConfig, error) {
	snapshot := c.cfg.Current()
	matches := snapshot.FindNodeByAETitle(destinationAE)
	for i := range matches {
		if matches[i].IsActive {
			return &matches[i], nil
		}
	}
	return nil, fmt.Errorf("move destination %q is not a known active node", destinationAE)
}
