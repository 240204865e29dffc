package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/pacsproxy/config"
	"github.com/caio-sobreiro/pacsproxy/interfaces"
	"github.com/caio-sobreiro/pacsproxy/types"
)

func newController(mode string, nodes ...config.NodeConfig) *Controller {
	cfg := config.NewStore(&config.Proxy{
		Port:    11112,
		AETitle: "PACSPROXY",
		Mode:    mode,
		Nodes:   nodes,
	})
	return NewController(cfg, nil)
}

func caller(aeTitle, remoteAddr string) *interfaces.MessageContext {
	return &interfaces.MessageContext{
		CallingAETitle: aeTitle,
		CalledAETitle:  "PACSPROXY",
		RemoteAddr:     remoteAddr,
	}
}

func TestAuthorize_PublicModeAllowsAnyone(t *testing.T) {
	c := newController(config.ModePublic)

	err := c.Authorize(context.Background(), caller("STRANGER", "10.0.0.99"), types.CStoreRQ)
	assert.NoError(t, err)
}

func TestAuthorize_PrivateMode(t *testing.T) {
	writer := config.NodeConfig{
		NodeID: "node-w", AETitle: "MODALITY", Host: "10.0.0.5",
		IsActive: true, Permission: config.PermissionWrite,
	}
	reader := config.NodeConfig{
		NodeID: "node-r", AETitle: "VIEWER", Host: "10.0.0.6",
		IsActive: true, Permission: config.PermissionRead,
	}
	inactive := config.NodeConfig{
		NodeID: "node-i", AETitle: "RETIRED", Host: "10.0.0.7",
		IsActive: false, Permission: config.PermissionReadWrite,
	}

	c := newController(config.ModePrivate, writer, reader, inactive)
	ctx := context.Background()

	tests := []struct {
		name    string
		mc      *interfaces.MessageContext
		command uint16
		wantErr string
	}{
		{"writer may store", caller("MODALITY", "10.0.0.5"), types.CStoreRQ, ""},
		{"writer may not query", caller("MODALITY", "10.0.0.5"), types.CFindRQ, "lacks read permission"},
		{"reader may query", caller("VIEWER", "10.0.0.6"), types.CFindRQ, ""},
		{"reader may retrieve", caller("VIEWER", "10.0.0.6"), types.CGetRQ, ""},
		{"reader may move", caller("VIEWER", "10.0.0.6"), types.CMoveRQ, ""},
		{"reader may not store", caller("VIEWER", "10.0.0.6"), types.CStoreRQ, "lacks write permission"},
		{"unknown AE rejected", caller("STRANGER", "10.0.0.99"), types.CStoreRQ, "unknown calling AE"},
		{"inactive node rejected", caller("RETIRED", "10.0.0.7"), types.CFindRQ, "is inactive"},
		{"case-insensitive AE match", caller("modality", "10.0.0.5"), types.CStoreRQ, ""},
		{"unmapped operation rejected", caller("VIEWER", "10.0.0.6"), types.CEchoRQ, "not permitted"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Authorize(ctx, tt.mc, tt.command)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAuthorize_DuplicateAETitleDisambiguatedByAddress(t *testing.T) {
	siteA := config.NodeConfig{
		NodeID: "site-a", AETitle: "SCANNER", Host: "10.0.0.10",
		IsActive: true, Permission: config.PermissionNone,
	}
	siteB := config.NodeConfig{
		NodeID: "site-b", AETitle: "SCANNER", Host: "10.0.0.11",
		IsActive: true, Permission: config.PermissionWrite,
	}

	c := newController(config.ModePrivate, siteA, siteB)
	ctx := context.Background()

	assert.NoError(t, c.Authorize(ctx, caller("SCANNER", "10.0.0.11"), types.CStoreRQ),
		"the peer's IP selects the matching node")
	assert.Error(t, c.Authorize(ctx, caller("SCANNER", "10.0.0.10"), types.CStoreRQ))
}

func TestCheckMoveDestination(t *testing.T) {
	active := config.NodeConfig{
		NodeID: "node-1", AETitle: "WORKSTATION", Host: "10.0.0.20", Port: 104,
		IsActive: true, Permission: config.PermissionRead,
	}
	inactive := config.NodeConfig{
		NodeID: "node-2", AETitle: "OLDSTATION", Host: "10.0.0.21", Port: 104,
		IsActive: false, Permission: config.PermissionRead,
	}

	c := newController(config.ModePrivate, active, inactive)

	node, err := c.CheckMoveDestination("WORKSTATION")
	require.NoError(t, err)
	assert.Equal(t, "node-1", node.NodeID)
	assert.Equal(t, "10.0.0.20:104", node.Address())

	_, err = c.CheckMoveDestination("OLDSTATION")
	assert.Error(t, err, "an inactive node cannot receive a move")

	_, err = c.CheckMoveDestination("NOWHERE")
	assert.Error(t, err)
}
