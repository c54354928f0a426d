package partition

import (
	"fmt"
	"github.com/sushantsondhi/partraft/common"
	"github.com/sushantsondhi/partraft/persistent"
	"github.com/sushantsondhi/partraft/protocol"
	"github.com/sushantsondhi/partraft/raft"
	"go.uber.org/multierr"
	"hash/fnv"
	"log"
	"os"
	"path/filepath"
	"sort"
)

// Options controls how a Group builds its partitions.
type Options struct {
	// DataDir holds one directory per partition. Memory stores are used when empty.
	DataDir string
	// NewStateMachine builds the state machine of one partition.
	NewStateMachine func(partition common.PartitionID) common.StateMachine
	Codec           protocol.Codec
	Transport       common.Transport
}

// Group runs one raft server per partition of the cluster, all sharing
// a single transport.
type Group struct {
	me         common.Server
	partitions map[common.PartitionID]*raft.RaftServer
}

// NewGroup starts partitions 1..cluster.Partitions for me. On failure
// every partition started so far is stopped again.
func NewGroup(me common.Server, cluster common.ClusterConfig, options Options) (group *Group, err error) {
	if err := cluster.Validate(); err != nil {
		return nil, err
	}
	if options.NewStateMachine == nil || options.Transport == nil {
		return nil, fmt.Errorf("a state machine factory and a transport are required")
	}
	if options.Codec == nil {
		options.Codec = protocol.GobCodec{}
	}
	group = &Group{me: me, partitions: make(map[common.PartitionID]*raft.RaftServer)}
	defer func() {
		if err != nil {
			err = multierr.Append(err, group.Stop())
			group = nil
		}
	}()
	for i := 1; i <= cluster.Partitions; i++ {
		id := common.PartitionID(i)
		storage, err := openStorage(options.DataDir, id)
		if err != nil {
			return group, fmt.Errorf("partition %d: %w", id, err)
		}
		server, err := raft.NewRaftServer(me, id, cluster, options.NewStateMachine(id), storage, options.Transport, options.Codec)
		if err != nil {
			err = multierr.Combine(err, storage.LogStore.Close(), storage.PersistentStore.Close(), storage.SnapshotStore.Close())
			return group, fmt.Errorf("partition %d: %w", id, err)
		}
		group.partitions[id] = server
	}
	log.Printf("%v: serving %d partitions\n", me.ID, len(group.partitions))
	return group, nil
}

// openStorage opens the bolt files of a partition under dir/partition-<id>/.
func openStorage(dir string, id common.PartitionID) (raft.Storage, error) {
	if dir == "" {
		return raft.Storage{
			LogStore:        persistent.NewMemLogStore(),
			PersistentStore: persistent.NewMemPStore(),
			SnapshotStore:   &persistent.MemSnapshotStore{},
		}, nil
	}
	path := filepath.Join(dir, fmt.Sprintf("partition-%d", id))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return raft.Storage{}, err
	}
	logStore, logErr := persistent.CreateDbLogStore(filepath.Join(path, "logstore.db"))
	pStore, pErr := persistent.NewPStore(filepath.Join(path, "pstore.db"))
	snapshotStore, snapErr := persistent.CreateDbSnapshotStore(filepath.Join(path, "snapshot.db"))
	if err := multierr.Combine(logErr, pErr, snapErr); err != nil {
		if logErr == nil {
			err = multierr.Append(err, logStore.Close())
		}
		if pErr == nil {
			err = multierr.Append(err, pStore.Close())
		}
		if snapErr == nil {
			err = multierr.Append(err, snapshotStore.Close())
		}
		return raft.Storage{}, err
	}
	return raft.Storage{LogStore: logStore, PersistentStore: pStore, SnapshotStore: snapshotStore}, nil
}

func (group *Group) Partition(id common.PartitionID) (*raft.RaftServer, bool) {
	server, ok := group.partitions[id]
	return server, ok
}

// Partitions returns the ids of the hosted partitions in ascending order.
func (group *Group) Partitions() []common.PartitionID {
	var ids []common.PartitionID
	for id := range group.partitions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stop stops every partition. The transport is left to its owner.
func (group *Group) Stop() error {
	var err error
	for _, id := range group.Partitions() {
		err = multierr.Append(err, group.partitions[id].Stop())
		delete(group.partitions, id)
	}
	return err
}

// ForKey maps a key onto one of n partitions, numbered from 1.
func ForKey(key string, n int) common.PartitionID {
	if n < 1 {
		n = 1
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return common.PartitionID(h.Sum32()%uint32(n)) + 1
}
