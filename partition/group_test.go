package partition

import (
	"context"
	"fmt"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushantsondhi/partraft/common"
	"github.com/sushantsondhi/partraft/protocol"
	"github.com/sushantsondhi/partraft/raft"
	"github.com/sushantsondhi/partraft/rpc"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type countingFSM struct {
	applied int
}

func (fsm *countingFSM) Apply(commit common.Commit, publisher common.Publisher) ([]byte, error) {
	fsm.applied++
	return []byte(fmt.Sprintf("%d", fsm.applied)), nil
}

func (fsm *countingFSM) Query(data []byte) ([]byte, error) {
	return []byte(fmt.Sprintf("%d", fsm.applied)), nil
}

func (fsm *countingFSM) CloseSession(session uint64) {}

func (fsm *countingFSM) Snapshot() ([]byte, error) {
	return []byte(fmt.Sprintf("%d", fsm.applied)), nil
}

func (fsm *countingFSM) Restore(data []byte) error {
	_, err := fmt.Sscanf(string(data), "%d", &fsm.applied)
	return err
}

func TestForKey(t *testing.T) {
	seen := make(map[common.PartitionID]bool)
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key%d", i)
		id := ForKey(key, 4)
		assert.GreaterOrEqual(t, int(id), 1)
		assert.LessOrEqual(t, int(id), 4)
		assert.Equal(t, id, ForKey(key, 4), "mapping must be stable")
		seen[id] = true
	}
	assert.Len(t, seen, 4)
	assert.Equal(t, common.PartitionID(1), ForKey("anything", 1))
	assert.Equal(t, common.PartitionID(1), ForKey("anything", 0))
}

func TestGroup_PartitionsElectIndependently(t *testing.T) {
	servers := []common.Server{{ID: uuid.New(), NetAddress: "local:0"}}
	cluster := common.DefaultClusterConfig(servers)
	cluster.Partitions = 3
	dir := t.TempDir()
	network := rpc.NewLocalNetwork()

	group, err := NewGroup(servers[0], cluster, Options{
		DataDir:         dir,
		NewStateMachine: func(common.PartitionID) common.StateMachine { return &countingFSM{} },
		Transport:       network.Join(servers[0].ID),
	})
	require.NoError(t, err)
	assert.Equal(t, []common.PartitionID{1, 2, 3}, group.Partitions())
	_, ok := group.Partition(4)
	assert.False(t, ok)

	for _, id := range group.Partitions() {
		server, ok := group.Partition(id)
		require.True(t, ok)
		require.Eventually(t, func() bool {
			return server.Status().State == raft.Leader
		}, 5*time.Second, 20*time.Millisecond)
		assert.DirExists(t, filepath.Join(dir, fmt.Sprintf("partition-%d", id)))
	}

	// partition 3 never saw the session opened on partition 2
	client := protocol.NewCommunicator(2, network.Join(uuid.New()), protocol.GobCodec{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	opened, err := client.OpenSession(ctx, servers[0].ID, &protocol.OpenSessionRequest{Client: client.ID(), Timeout: 5000})
	require.NoError(t, err)
	require.NoError(t, opened.Err())
	other := protocol.NewCommunicator(3, network.Join(uuid.New()), protocol.GobCodec{})
	response, err := other.Command(ctx, servers[0].ID, &protocol.CommandRequest{Session: opened.Session, Sequence: 1})
	require.NoError(t, err)
	assert.ErrorIs(t, response.Err(), protocol.ErrUnknownSession)

	require.NoError(t, group.Stop())
	assert.Empty(t, group.Partitions())
}

func TestGroup_InMemory(t *testing.T) {
	servers := []common.Server{{ID: uuid.New(), NetAddress: "local:0"}}
	cluster := common.DefaultClusterConfig(servers)
	cluster.Partitions = 2
	network := rpc.NewLocalNetwork()
	group, err := NewGroup(servers[0], cluster, Options{
		NewStateMachine: func(common.PartitionID) common.StateMachine { return &countingFSM{} },
		Transport:       network.Join(servers[0].ID),
	})
	require.NoError(t, err)
	defer group.Stop()
	assert.Len(t, group.Partitions(), 2)
}

func TestGroup_RejectsBadOptions(t *testing.T) {
	servers := []common.Server{{ID: uuid.New(), NetAddress: "local:0"}}
	cluster := common.DefaultClusterConfig(servers)
	_, err := NewGroup(servers[0], cluster, Options{})
	assert.Error(t, err)

	cluster.Partitions = 0
	_, err = NewGroup(servers[0], cluster, Options{
		NewStateMachine: func(common.PartitionID) common.StateMachine { return &countingFSM{} },
		Transport:       rpc.NewLocalNetwork().Join(servers[0].ID),
	})
	assert.Error(t, err)
}

func TestGroup_StopsStartedPartitionsOnFailure(t *testing.T) {
	servers := []common.Server{{ID: uuid.New(), NetAddress: "local:0"}}
	cluster := common.DefaultClusterConfig(servers)
	cluster.Partitions = 2
	dir := t.TempDir()
	// a file where partition 2's directory should go
	require.NoError(t, os.WriteFile(filepath.Join(dir, "partition-2"), []byte("x"), 0o644))
	_, err := NewGroup(servers[0], cluster, Options{
		DataDir:         dir,
		NewStateMachine: func(common.PartitionID) common.StateMachine { return &countingFSM{} },
		Transport:       rpc.NewLocalNetwork().Join(servers[0].ID),
	})
	assert.Error(t, err)
}
