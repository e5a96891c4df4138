// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nodeagent

import (
	"sync"

	"grimm.is/flymesh/internal/engine"
	"grimm.is/flymesh/internal/logging"
)

// Executor applies a fetched configuration to the local machine. The
// tunnel interface and the packet filter live behind this boundary;
// the reconciler only decides when and with what to call it.
// Implementations must be idempotent: applying the same inputs twice
// leaves the host unchanged.
type Executor interface {
	// ApplyPeers replaces the tunnel peer set.
	ApplyPeers(peers []Peer) error
	// ApplyACLs replaces the local packet filter rules, in order.
	ApplyACLs(rules []engine.ACLEntry) error
}

// LogExecutor logs what would be applied. It is the default when no
// real executor is wired, keeping the agent observable on hosts where
// it may not touch the data plane.
type LogExecutor struct {
	Log *logging.Logger
}

func (e *LogExecutor) logger() *logging.Logger {
	if e.Log != nil {
		return e.Log
	}
	return logging.WithComponent("executor")
}

func (e *LogExecutor) ApplyPeers(peers []Peer) error {
	e.logger().Info("Would apply tunnel peers", "count", len(peers))
	return nil
}

func (e *LogExecutor) ApplyACLs(rules []engine.ACLEntry) error {
	e.logger().Info("Would apply packet filter rules", "count", len(rules))
	return nil
}

// RecordingExecutor captures the applied state for tests.
type RecordingExecutor struct {
	mu        sync.Mutex
	Peers     []Peer
	ACLs      []engine.ACLEntry
	PeerCalls int
	ACLCalls  int
	FailApply error // returned from both methods when set
}

func (e *RecordingExecutor) ApplyPeers(peers []Peer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailApply != nil {
		return e.FailApply
	}
	e.Peers = append([]Peer(nil), peers...)
	e.PeerCalls++
	return nil
}

func (e *RecordingExecutor) ApplyACLs(rules []engine.ACLEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailApply != nil {
		return e.FailApply
	}
	e.ACLs = append([]engine.ACLEntry(nil), rules...)
	e.ACLCalls++
	return nil
}

// Applied returns the call counts under the lock.
func (e *RecordingExecutor) Applied() (peerCalls, aclCalls int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.PeerCalls, e.ACLCalls
}
