package raft

import (
	"github.com/google/uuid"
	"github.com/sushantsondhi/partraft/common"
	"time"
)

type RaftState int

const (
	Candidate RaftState = iota
	Follower
	Leader
)

func (s RaftState) String() string {
	switch s {
	case Candidate:
		return "candidate"
	case Follower:
		return "follower"
	case Leader:
		return "leader"
	}
	return "unknown"
}

type state struct {
	// These 3 variables are persisted
	Term        uint64
	VotedFor    *uuid.UUID
	CommitIndex uint64

	// These variables are volatile
	State         RaftState
	AppliedIndex  uint64
	CurrentLeader *uuid.UUID

	// cached tail of the log, and the boundary left by the last compaction
	lastIndex, lastTerm         uint64
	snapshotIndex, snapshotTerm uint64
}

// leaderState is rebuilt every time the server wins an election.
type leaderState struct {
	NextIndexMap  map[uuid.UUID]uint64
	MatchIndexMap map[uuid.UUID]uint64

	inflight map[uuid.UUID]bool
	installs map[uuid.UUID]*installProgress
	expiring map[uint64]bool

	// termStartIndex is the index of the no-op appended on election
	termStartIndex uint64
	since          time.Time
	transfer       *transfer
}

func newLeaderState() *leaderState {
	return &leaderState{
		NextIndexMap:  make(map[uuid.UUID]uint64),
		MatchIndexMap: make(map[uuid.UUID]uint64),
		inflight:      make(map[uuid.UUID]bool),
		installs:      make(map[uuid.UUID]*installProgress),
		expiring:      make(map[uint64]bool),
		since:         time.Now(),
	}
}

// Status is a point-in-time view of a partition, safe to read from any goroutine.
type Status struct {
	ID            uuid.UUID
	Partition     common.PartitionID
	State         RaftState
	Term          uint64
	Leader        uuid.UUID
	CommitIndex   uint64
	AppliedIndex  uint64
	LastIndex     uint64
	LastTerm      uint64
	SnapshotIndex uint64
	Members       []common.Server
	Sessions      int
	Faulted       bool
}
