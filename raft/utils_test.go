package raft

import (
	"errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushantsondhi/partraft/persistent"
	"path/filepath"
	"testing"
)

func TestGetAndSetTerm(t *testing.T) {
	store, err := persistent.NewPStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err, "db creation failed")
	defer store.Close()

	term, err := getTerm(store)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), term, "Default term not 0")
	self := uuid.New()
	require.NoError(t, setTermAndVote(store, 9, &self))
	term, err = getTerm(store)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), term, "Term not equal to setted term")
	votedFor, err := getVotedFor(store)
	require.NoError(t, err)
	require.NotNil(t, votedFor)
	assert.Equal(t, self, *votedFor)

	require.NoError(t, setTermAndVote(store, 10, nil))
	votedFor, err = getVotedFor(store)
	require.NoError(t, err)
	assert.Nil(t, votedFor, "a new term starts without a vote")
}

// countingPStore records every write it is asked to do.
type countingPStore struct {
	*persistent.MemPStore
	writes []map[string][]byte
	fail   bool
}

func (c *countingPStore) Set(key, value []byte) error {
	return c.SetAll(map[string][]byte{string(key): value})
}

func (c *countingPStore) SetAll(values map[string][]byte) error {
	c.writes = append(c.writes, values)
	if c.fail {
		return errors.New("disk full")
	}
	return c.MemPStore.SetAll(values)
}

func TestSetTermAndVoteIsOneWrite(t *testing.T) {
	store := &countingPStore{MemPStore: persistent.NewMemPStore()}
	candidate := uuid.New()
	require.NoError(t, setTermAndVote(store, 3, &candidate))
	require.Len(t, store.writes, 1)
	assert.Len(t, store.writes[0], 2)

	store.fail = true
	assert.Error(t, setTermAndVote(store, 4, nil))
	term, err := getTerm(store)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), term)
	votedFor, err := getVotedFor(store)
	require.NoError(t, err)
	require.NotNil(t, votedFor)
	assert.Equal(t, candidate, *votedFor)
}

func TestGetAndSetVotedFor(t *testing.T) {
	store, err := persistent.NewPStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err, "db creation failed")
	defer store.Close()

	votedFor, err := getVotedFor(store)
	require.NoError(t, err)
	assert.Nil(t, votedFor, "Default voted for not nil")

	newUUID := uuid.New()
	require.NoError(t, setVotedFor(store, &newUUID))
	votedFor, err = getVotedFor(store)
	require.NoError(t, err)
	require.NotNil(t, votedFor)
	assert.Equal(t, newUUID, *votedFor, "Voted for is not same as setted VotedFor")

	require.NoError(t, setVotedFor(store, nil))
	votedFor, err = getVotedFor(store)
	require.NoError(t, err)
	assert.Nil(t, votedFor, "vote was not cleared")
}

func TestGetAndSetCommitIndex(t *testing.T) {
	store := persistent.NewMemPStore()

	commitIndex, err := getCommitIndex(store)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), commitIndex, "Default commitIndex not 0")
	require.NoError(t, setCommitIndex(store, 9))
	commitIndex, err = getCommitIndex(store)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), commitIndex, "CommitIndex not equal to setted commitIndex")
	// term and commit index live under different keys
	term, err := getTerm(store)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), term)
}

func TestSignalKeepsLatestValue(t *testing.T) {
	ch := make(chan bool, 1)
	signal(ch, true)
	signal(ch, false)
	assert.False(t, <-ch)
	assert.Len(t, ch, 0)
}
