package raft

import (
	"github.com/google/uuid"
	"github.com/sushantsondhi/partraft/common"
	"strconv"
	"time"
)

func getTerm(persistentStore common.PersistentStore) (uint64, error) {
	r, err := persistentStore.GetDefault([]byte(Term), []byte("0"))
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(r), 10, 64)
}

func getVotedFor(persistentStore common.PersistentStore) (*uuid.UUID, error) {
	r, err := persistentStore.GetDefault([]byte(VotedFor), []byte("-"))
	if err != nil {
		return nil, err
	}
	if string(r) == "-" {
		return nil, nil
	}
	votedFor, err := uuid.ParseBytes(r)
	if err != nil {
		return nil, err
	}
	return &votedFor, nil
}

func encodeVotedFor(votedFor *uuid.UUID) []byte {
	if votedFor == nil {
		return []byte("-")
	}
	return []byte(votedFor.String())
}

func setVotedFor(persistentStore common.PersistentStore, votedFor *uuid.UUID) error {
	return persistentStore.Set([]byte(VotedFor), encodeVotedFor(votedFor))
}

// setTermAndVote stores both in one write, a crash never leaves a vote from an older term.
func setTermAndVote(persistentStore common.PersistentStore, term uint64, votedFor *uuid.UUID) error {
	return persistentStore.SetAll(map[string][]byte{
		Term:     []byte(strconv.FormatUint(term, 10)),
		VotedFor: encodeVotedFor(votedFor),
	})
}

func getCommitIndex(persistentStore common.PersistentStore) (uint64, error) {
	r, err := persistentStore.GetDefault([]byte(CommitIndex), []byte("0"))
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(r), 10, 64)
}

func setCommitIndex(persistentStore common.PersistentStore, commitIndex uint64) error {
	return persistentStore.Set([]byte(CommitIndex), []byte(strconv.FormatUint(commitIndex, 10)))
}

// signal replaces any pending value in a 1-buffered control channel.
// Only the partition loop sends on these channels, so it never blocks.
func signal(ch chan bool, value bool) {
	select {
	case <-ch:
	default:
	}
	ch <- value
}

func nowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
