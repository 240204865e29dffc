package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot() *Proxy {
	return &Proxy{
		Port:    11112,
		AETitle: "PACSPROXY",
		Mode:    ModePublic,
		Nodes: []NodeConfig{
			{NodeID: "n1", AETitle: "NODE1", Host: "10.0.0.1", Port: 104, IsActive: true, Permission: PermissionReadWrite},
			{NodeID: "n2", AETitle: "NODE2", Host: "10.0.0.2", Port: 104, IsActive: true, Permission: PermissionRead},
			{NodeID: "n3", AETitle: "NODE3", Host: "10.0.0.3", Port: 104, IsActive: false, Permission: PermissionReadWrite},
			{NodeID: "n4", AETitle: "NODE4", Host: "10.0.0.4", Port: 104, IsActive: true, Permission: PermissionWrite},
		},
	}
}

func TestDispatchTargets_FiltersByPermissionAndReachability(t *testing.T) {
	store := NewStore(testSnapshot())
	for _, id := range []string{"n1", "n2", "n3", "n4"} {
		store.SetReachable(id, true)
	}

	write := store.DispatchTargets(nil, true)
	require.Len(t, write, 2)
	assert.Equal(t, "n1", write[0].NodeID)
	assert.Equal(t, "n4", write[1].NodeID)

	read := store.DispatchTargets(nil, false)
	require.Len(t, read, 2)
	assert.Equal(t, "n1", read[0].NodeID)
	assert.Equal(t, "n2", read[1].NodeID)
}

func TestDispatchTargets_UnreachableNodesExcluded(t *testing.T) {
	store := NewStore(testSnapshot())
	store.SetReachable("n1", true)
	store.SetReachable("n4", false)

	targets := store.DispatchTargets(nil, true)
	require.Len(t, targets, 1)
	assert.Equal(t, "n1", targets[0].NodeID)

	// Nodes never probed count as unreachable.
	fresh := NewStore(testSnapshot())
	assert.Empty(t, fresh.DispatchTargets(nil, true))
}

func TestDispatchTargets_ExplicitNodeSet(t *testing.T) {
	store := NewStore(testSnapshot())
	for _, id := range []string{"n1", "n2", "n4"} {
		store.SetReachable(id, true)
	}

	targets := store.DispatchTargets([]string{"n4", "n2"}, true)
	require.Len(t, targets, 1)
	assert.Equal(t, "n4", targets[0].NodeID)

	// An inactive node stays excluded even when named explicitly.
	assert.Empty(t, store.DispatchTargets([]string{"n3"}, true))
}

func TestSwap_PrunesStaleReachability(t *testing.T) {
	store := NewStore(testSnapshot())
	store.SetReachable("n1", true)
	store.SetReachable("n2", true)

	next := testSnapshot()
	next.Nodes = next.Nodes[:1] // only n1 survives
	prev := store.Swap(next)

	assert.Equal(t, 4, len(prev.Nodes))
	assert.True(t, store.IsReachable("n1"))
	assert.False(t, store.IsReachable("n2"), "reachability of removed nodes is dropped")
	assert.Equal(t, 1, len(store.Current().Nodes))
}

func TestFindNodeByAETitle(t *testing.T) {
	snapshot := testSnapshot()

	matches := snapshot.FindNodeByAETitle("node1")
	require.Len(t, matches, 1)
	assert.Equal(t, "n1", matches[0].NodeID)

	matches = snapshot.FindNodeByAETitle("  NODE2 ")
	require.Len(t, matches, 1)
	assert.Equal(t, "n2", matches[0].NodeID)

	assert.Empty(t, snapshot.FindNodeByAETitle("MISSING"))
}

func TestProxyValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Proxy)
		wantErr bool
	}{
		{name: "Valid", mutate: func(p *Proxy) {}, wantErr: false},
		{name: "Privileged port", mutate: func(p *Proxy) { p.Port = 104 }, wantErr: true},
		{name: "Port too high", mutate: func(p *Proxy) { p.Port = 70000 }, wantErr: true},
		{name: "Empty AE title", mutate: func(p *Proxy) { p.AETitle = "" }, wantErr: true},
		{name: "AE title too long", mutate: func(p *Proxy) { p.AETitle = "AVERYLONGAETITLE17" }, wantErr: true},
		{name: "Bad mode", mutate: func(p *Proxy) { p.Mode = "hybrid" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testSnapshot()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
