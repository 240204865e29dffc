package config

import (
	"sync"
	"sync/atomic"
)

// Store publishes configuration snapshots. Readers call Current and get
// an immutable *Proxy; writers build a new snapshot and Swap it in.
// Node reachability is observed state and is tracked separately so that
// health checks do not churn snapshots.
type Store struct {
	current atomic.Pointer[Proxy]

	mu        sync.RWMutex
	reachable map[string]bool
}

// NewStore creates a store seeded with the initial snapshot.
func NewStore(initial *Proxy) *Store {
	s := &Store{reachable: make(map[string]bool)}
	s.current.Store(initial)
	return s
}

// Current returns the live configuration snapshot.
func (s *Store) Current() *Proxy {
	return s.current.Load()
}

// Swap publishes a new snapshot and returns the previous one.
func (s *Store) Swap(next *Proxy) *Proxy {
	prev := s.current.Swap(next)

	// Drop reachability state for nodes that no longer exist.
	s.mu.Lock()
	known := make(map[string]struct{}, len(next.Nodes))
	for _, node := range next.Nodes {
		known[node.NodeID] = struct{}{}
	}
	for id := range s.reachable {
		if _, ok := known[id]; !ok {
			delete(s.reachable, id)
		}
	}
	s.mu.Unlock()

	return prev
}

// SetReachable records the observed reachability of a node.
func (s *Store) SetReachable(nodeID string, reachable bool) {
	s.mu.Lock()
	s.reachable[nodeID] = reachable
	s.mu.Unlock()
}

// IsReachable reports the last observed reachability of a node. Nodes
// never checked report false.
func (s *Store) IsReachable(nodeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reachable[nodeID]
}

// DispatchTargets returns active, reachable nodes holding one of the
// given permissions, optionally restricted to an explicit node-ID set.
func (s *Store) DispatchTargets(nodeIDs []string, requireWrite bool) []NodeConfig {
	cfg := s.Current()

	wanted := make(map[string]struct{}, len(nodeIDs))
	for _, id := range nodeIDs {
		wanted[id] = struct{}{}
	}

	var targets []NodeConfig
	for _, node := range cfg.Nodes {
		if len(nodeIDs) > 0 {
			if _, ok := wanted[node.NodeID]; !ok {
				continue
			}
		}
		if !node.IsActive || !s.IsReachable(node.NodeID) {
			continue
		}
		if requireWrite && !node.CanWrite() {
			continue
		}
		if !requireWrite && !node.CanRead() {
			continue
		}
		targets = append(targets, node)
	}
	return targets
}
