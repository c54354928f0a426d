package raft

import (
	"context"
	"fmt"
	"github.com/google/uuid"
	"github.com/sushantsondhi/partraft/common"
	"github.com/sushantsondhi/partraft/protocol"
	"github.com/sushantsondhi/partraft/session"
	"go.uber.org/multierr"
	"log"
	"sync"
	"time"
)

// RaftServer is one member of one partition. All of its state is owned by a
// single task loop; RPC handlers and timers enqueue closures into it.
type RaftServer struct {
	state
	leader *leaderState

	// Data Stores
	FSM             common.StateMachine
	LogStore        common.LogStore
	PersistentStore common.PersistentStore
	SnapshotStore   common.SnapshotStore

	MyID      uuid.UUID
	Partition common.PartitionID
	name      string
	config    common.ClusterConfig
	comm      *protocol.Communicator
	codec     protocol.Codec

	members     *membership
	sessions    *session.Registry
	futures     map[uint64]chan applyResult
	waiters     []appliedWaiter
	published   map[uint64]bool
	install     *pendingInstall
	lastContact time.Time
	// leaderContact is the last time a leader was heard from.
	leaderContact time.Time
	// faulted is set after a durability failure and never cleared.
	faulted error

	// Synchronization primitives
	tasks                chan func()
	publications         chan publication
	ElectionTimeoutChan  chan bool
	HeartbeatTimeoutChan chan bool
	StopChan             chan struct{}
	stopOnce             sync.Once
	wg                   sync.WaitGroup
}

// NewRaftServer restores the partition from its stores and starts serving it
// on transport. A server that is not part of cluster.Cluster starts passive
// and only takes part once a leader adds it (see Join).
func NewRaftServer(
	me common.Server,
	partition common.PartitionID,
	cluster common.ClusterConfig,
	fsm common.StateMachine,
	storage Storage,
	transport common.Transport,
	codec protocol.Codec,
) (*RaftServer, error) {
	if err := cluster.Validate(); err != nil {
		return nil, err
	}
	server := &RaftServer{
		state: state{
			State: Follower,
		},
		FSM:                  fsm,
		LogStore:             storage.LogStore,
		PersistentStore:      storage.PersistentStore,
		SnapshotStore:        storage.SnapshotStore,
		MyID:                 me.ID,
		Partition:            partition,
		name:                 fmt.Sprintf("%v[p%d]", me.ID, partition),
		config:               cluster,
		codec:                codec,
		members:              newMembership(Configuration{Members: cluster.Cluster}),
		sessions:             session.NewRegistry(),
		futures:              make(map[uint64]chan applyResult),
		published:            make(map[uint64]bool),
		tasks:                make(chan func(), 256),
		publications:         make(chan publication, 256),
		ElectionTimeoutChan:  make(chan bool, 1),
		HeartbeatTimeoutChan: make(chan bool, 1),
		StopChan:             make(chan struct{}),
	}
	if err := server.restore(); err != nil {
		return nil, fmt.Errorf("restoring partition %d: %w", partition, err)
	}
	server.lastContact = time.Now()

	server.comm = protocol.NewCommunicator(partition, transport, codec)
	server.registerHandlers()

	server.ElectionTimeoutChan <- true
	server.HeartbeatTimeoutChan <- false
	server.wg.Add(4)
	go server.run()
	go server.publisher()
	go server.electionTimeoutController(cluster.ElectionTimeout)
	go server.heartBeatTimeoutController(cluster.HeartBeatTimeout)

	log.Printf("%v: initialization complete (term %d, commit %d, last %d)\n",
		server.name, server.Term, server.CommitIndex, server.lastIndex)
	return server, nil
}

// restore loads the persisted term and vote, the latest snapshot, the
// configuration history found in the log, and replays the committed prefix.
func (server *RaftServer) restore() error {
	var err error
	if server.Term, err = getTerm(server.PersistentStore); err != nil {
		return err
	}
	if server.VotedFor, err = getVotedFor(server.PersistentStore); err != nil {
		return err
	}
	if server.CommitIndex, err = getCommitIndex(server.PersistentStore); err != nil {
		return err
	}

	snapshot, err := server.SnapshotStore.Latest()
	if err != nil {
		return err
	}
	if snapshot != nil {
		if err := server.restoreSnapshot(*snapshot); err != nil {
			return err
		}
		server.members = newMembership(Configuration{Index: snapshot.ConfigIndex, Members: snapshot.Members})
		// a crash between saving the snapshot and compacting leaves a stale prefix
		if err := server.LogStore.Compact(snapshot.Index); err != nil {
			return err
		}
	}

	if err := server.loadLogBounds(); err != nil {
		return err
	}
	if err := server.scanConfigurations(); err != nil {
		return err
	}
	server.CommitIndex = maxUint64(minUint64(server.CommitIndex, server.lastIndex), server.snapshotIndex)
	server.applyCommitted()
	return nil
}

// loadLogBounds refreshes the cached last index and term from the log store.
func (server *RaftServer) loadLogBounds() error {
	lastIndex, err := server.LogStore.LastIndex()
	if err != nil {
		return err
	}
	if lastIndex == 0 || lastIndex <= server.snapshotIndex {
		server.lastIndex, server.lastTerm = server.snapshotIndex, server.snapshotTerm
		return nil
	}
	entry, err := server.LogStore.Get(lastIndex)
	if err != nil {
		return err
	}
	server.lastIndex, server.lastTerm = entry.Index, entry.Term
	return nil
}

// termAt returns the term of the entry at index, also for the index covered by the snapshot.
func (server *RaftServer) termAt(index uint64) (uint64, error) {
	switch {
	case index == 0:
		return 0, nil
	case index == server.snapshotIndex:
		return server.snapshotTerm, nil
	case index == server.lastIndex:
		return server.lastTerm, nil
	case index < server.snapshotIndex || index > server.lastIndex:
		return 0, fmt.Errorf("index %d outside of log (%d, %d]", index, server.snapshotIndex, server.lastIndex)
	}
	entry, err := server.LogStore.Get(index)
	if err != nil {
		return 0, err
	}
	return entry.Term, nil
}

func (server *RaftServer) GetID() uuid.UUID {
	return server.MyID
}

// Stop stops the partition loop and timers and closes the stores so that
// they may be reopened later. Requests waiting on the server fail with
// ErrUnavailable.
func (server *RaftServer) Stop() error {
	var err error
	server.stopOnce.Do(func() {
		close(server.StopChan)
		server.wg.Wait()
		server.comm.Close()
		logErr := server.LogStore.Close()
		pErr := server.PersistentStore.Close()
		sErr := server.SnapshotStore.Close()
		log.Printf("%v: SHUTDOWN!", server.name)
		err = multierr.Combine(logErr, pErr, sErr)
	})
	return err
}

// Status returns a copy of the server's volatile state.
func (server *RaftServer) Status() Status {
	var status Status
	_ = server.execute(context.Background(), func() {
		status = Status{
			ID:            server.MyID,
			Partition:     server.Partition,
			State:         server.State,
			Term:          server.Term,
			CommitIndex:   server.CommitIndex,
			AppliedIndex:  server.AppliedIndex,
			LastIndex:     server.lastIndex,
			LastTerm:      server.lastTerm,
			SnapshotIndex: server.snapshotIndex,
			Members:       server.members.current().Members,
			Sessions:      server.sessions.Len(),
			Faulted:       server.faulted != nil,
		}
		if server.CurrentLeader != nil {
			status.Leader = *server.CurrentLeader
		}
	})
	return status
}

// run is the partition's task loop.
func (server *RaftServer) run() {
	defer server.wg.Done()
	for {
		select {
		case <-server.StopChan:
			return
		case task := <-server.tasks:
			select {
			case <-server.StopChan:
				return
			default:
			}
			task()
		}
	}
}

// enqueue schedules task on the partition loop, it reports false once the server stopped.
func (server *RaftServer) enqueue(task func()) bool {
	select {
	case server.tasks <- task:
		return true
	case <-server.StopChan:
		return false
	}
}

// execute runs task on the partition loop and waits for it to finish.
func (server *RaftServer) execute(ctx context.Context, task func()) error {
	done := make(chan struct{})
	if !server.enqueue(func() {
		defer close(done)
		task()
	}) {
		return protocol.NewError(protocol.Unavailable, "server stopped")
	}
	select {
	case <-done:
		return nil
	case <-server.StopChan:
		return protocol.NewError(protocol.Unavailable, "server stopped")
	case <-ctx.Done():
		return protocol.NewError(protocol.Timeout, "%v", ctx.Err())
	}
}

// fail records a durability failure. The server steps down and refuses to
// vote, append or lead until it is restarted.
func (server *RaftServer) fail(err error) {
	if server.faulted != nil {
		return
	}
	log.Printf("%v: durability failure, refusing to take part until restarted: %+v\n", server.name, err)
	server.faulted = err
	if server.State != Follower {
		server.convertToFollower()
	}
	server.CurrentLeader = nil
	signal(server.ElectionTimeoutChan, false)
}
