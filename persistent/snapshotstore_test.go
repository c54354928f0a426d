package persistent_test

import (
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushantsondhi/partraft/common"
	"github.com/sushantsondhi/partraft/persistent"
	"path/filepath"
	"testing"
)

func TestSnapshotStore_SaveAndLatest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.db")
	store, err := persistent.CreateDbSnapshotStore(path)
	require.NoError(t, err)

	latest, err := store.Latest()
	require.NoError(t, err)
	assert.Nil(t, latest, "fresh store must not have a snapshot")

	members := []common.Server{{ID: uuid.New(), NetAddress: "127.0.0.1:1"}}
	require.NoError(t, store.Save(common.Snapshot{Index: 10, Term: 2, Members: members, ConfigIndex: 1, Data: []byte("state-10")}))
	require.NoError(t, store.Save(common.Snapshot{Index: 20, Term: 3, Members: members, ConfigIndex: 1, Data: []byte("state-20")}))
	require.NoError(t, store.Close())

	store, err = persistent.CreateDbSnapshotStore(path)
	require.NoError(t, err)
	defer store.Close()
	latest, err = store.Latest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, uint64(20), latest.Index)
	assert.Equal(t, uint64(3), latest.Term)
	assert.Equal(t, members, latest.Members)
	assert.Equal(t, []byte("state-20"), latest.Data)
}

func TestChecksum(t *testing.T) {
	assert.Equal(t, persistent.Checksum([]byte("abc")), persistent.Checksum([]byte("abc")))
	assert.NotEqual(t, persistent.Checksum([]byte("abc")), persistent.Checksum([]byte("abd")))
}
