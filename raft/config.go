package raft

import (
	"github.com/sushantsondhi/partraft/common"
)

const (
	VotedFor    string = "votedFor"
	Term        string = "term"
	CommitIndex string = "commitIndex"
)

// Storage groups the stores owned by one partition of one server.
type Storage struct {
	LogStore        common.LogStore
	PersistentStore common.PersistentStore
	SnapshotStore   common.SnapshotStore
}

// minSessionTimeout keeps sessions from expiring faster than a leader can be elected.
func minSessionTimeout(cluster common.ClusterConfig) int64 {
	return 2 * cluster.ElectionTimeout.Milliseconds()
}
