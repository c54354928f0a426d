package raft

import (
	"context"
	"fmt"
	"github.com/google/uuid"
	"github.com/sushantsondhi/partraft/common"
	"github.com/sushantsondhi/partraft/persistent"
	"github.com/sushantsondhi/partraft/protocol"
	"github.com/sushantsondhi/partraft/session"
	"log"
)

// snapshotState is the encoded Data of a partition snapshot.
type snapshotState struct {
	Sessions []session.Session
	Expired  []uint64
	Machine  []byte
}

// installProgress tracks the snapshot a leader is streaming to one follower.
type installProgress struct {
	snapshot *common.Snapshot
	checksum uint32
	offset   int
}

// pendingInstall buffers the chunks a follower received so far.
type pendingInstall struct {
	index uint64
	data  []byte
}

func (server *RaftServer) maybeSnapshot() {
	threshold := server.config.SnapshotThreshold
	if threshold == 0 || server.AppliedIndex-server.snapshotIndex < threshold {
		return
	}
	if err := server.takeSnapshot(); err != nil {
		log.Printf("%v: error taking snapshot at %d: %+v\n", server.name, server.AppliedIndex, err)
	}
}

// takeSnapshot saves the state machine, sessions and committed configuration
// at the applied index and compacts the log up to it.
func (server *RaftServer) takeSnapshot() error {
	if server.AppliedIndex <= server.snapshotIndex {
		return nil
	}
	machine, err := server.FSM.Snapshot()
	if err != nil {
		return err
	}
	data, err := server.codec.Encode(snapshotState{
		Sessions: server.sessions.Snapshot(),
		Expired:  server.sessions.ExpiredIDs(),
		Machine:  machine,
	})
	if err != nil {
		return err
	}
	term, err := server.termAt(server.AppliedIndex)
	if err != nil {
		return err
	}
	configuration := server.members.committed()
	snapshot := common.Snapshot{
		Index:       server.AppliedIndex,
		Term:        term,
		Members:     configuration.Members,
		ConfigIndex: configuration.Index,
		Data:        data,
	}
	if err := server.SnapshotStore.Save(snapshot); err != nil {
		server.fail(err)
		return err
	}
	if err := server.LogStore.Compact(snapshot.Index); err != nil {
		server.fail(err)
		return err
	}
	server.snapshotIndex, server.snapshotTerm = snapshot.Index, snapshot.Term
	log.Printf("%v: snapshot taken at %d (term %d, %d bytes)\n", server.name, snapshot.Index, snapshot.Term, len(data))
	return nil
}

// Snapshot forces a snapshot at the current applied index.
func (server *RaftServer) Snapshot(ctx context.Context) error {
	var err error
	if execErr := server.execute(ctx, func() { err = server.takeSnapshot() }); execErr != nil {
		return execErr
	}
	return err
}

// restoreSnapshot loads the state machine and sessions from snapshot.
func (server *RaftServer) restoreSnapshot(snapshot common.Snapshot) error {
	var st snapshotState
	if err := server.codec.Decode(snapshot.Data, &st); err != nil {
		return fmt.Errorf("decoding snapshot %d: %w", snapshot.Index, err)
	}
	if err := server.FSM.Restore(st.Machine); err != nil {
		return fmt.Errorf("restoring state machine from snapshot %d: %w", snapshot.Index, err)
	}
	server.sessions.Restore(st.Sessions, st.Expired)
	server.snapshotIndex, server.snapshotTerm = snapshot.Index, snapshot.Term
	server.AppliedIndex = snapshot.Index
	if server.CommitIndex < snapshot.Index {
		server.CommitIndex = snapshot.Index
	}
	return nil
}

// sendInstall streams the next chunk of the latest snapshot to a follower
// whose next index was compacted away.
func (server *RaftServer) sendInstall(peer uuid.UUID) {
	leader := server.leader
	progress := leader.installs[peer]
	if progress == nil || progress.snapshot.Index != server.snapshotIndex {
		snapshot, err := server.SnapshotStore.Latest()
		if err != nil || snapshot == nil {
			log.Printf("%v: unable to load snapshot for %v: %+v\n", server.name, peer, err)
			return
		}
		progress = &installProgress{snapshot: snapshot, checksum: persistent.Checksum(snapshot.Data)}
		leader.installs[peer] = progress
		log.Printf("%v: installing snapshot %d on %v\n", server.name, snapshot.Index, peer)
	}
	data := progress.snapshot.Data
	end := progress.offset + server.config.SnapshotChunkSize
	if end > len(data) {
		end = len(data)
	}
	request := &protocol.InstallRequest{
		Term:         server.Term,
		Leader:       server.MyID,
		Index:        progress.snapshot.Index,
		SnapshotTerm: progress.snapshot.Term,
		Members:      progress.snapshot.Members,
		ConfigIndex:  progress.snapshot.ConfigIndex,
		Offset:       progress.offset,
		Data:         data[progress.offset:end],
		Complete:     end == len(data),
		Checksum:     progress.checksum,
	}
	leader.inflight[peer] = true
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), server.config.ElectionTimeout)
		defer cancel()
		response, err := server.comm.Install(ctx, peer, request)
		server.enqueue(func() {
			if server.leader == leader {
				leader.inflight[peer] = false
			}
			server.installResponse(peer, leader, request, response, err)
		})
	}()
}

func (server *RaftServer) installResponse(peer uuid.UUID, leader *leaderState, request *protocol.InstallRequest, response *protocol.InstallResponse, err error) {
	if err != nil {
		log.Printf("%v: error on install to %v: %+v\n", server.name, peer, err)
		return
	}
	if response.Term > server.Term {
		server.stepDown(response.Term)
		return
	}
	if server.leader != leader || request.Term != server.Term {
		return
	}
	progress := leader.installs[peer]
	if progress == nil || progress.snapshot.Index != request.Index {
		return
	}
	if err := response.Header().Err(); err != nil {
		log.Printf("%v: install on %v failed, restarting from offset 0: %+v\n", server.name, peer, err)
		progress.offset = 0
		return
	}
	if !request.Complete {
		progress.offset += len(request.Data)
		server.sendInstall(peer)
		return
	}
	delete(leader.installs, peer)
	if request.Index > leader.MatchIndexMap[peer] {
		leader.MatchIndexMap[peer] = request.Index
	}
	leader.NextIndexMap[peer] = request.Index + 1
	server.advanceCommitIndex()
	server.sendAppend(peer)
}

// installSnapshot is the follower side of Install.
func (server *RaftServer) installSnapshot(request *protocol.InstallRequest, response *protocol.InstallResponse) {
	response.Term = server.Term
	if server.faulted != nil {
		response.Fail(protocol.NewError(protocol.Unavailable, "server faulted"))
		return
	}
	if request.Term < server.Term {
		response.Fail(protocol.NewError(protocol.ProtocolError, "stale term %d", request.Term))
		return
	}
	if !server.acceptLeader(request.Term, request.Leader) {
		response.Fail(protocol.NewError(protocol.Unavailable, "server faulted"))
		return
	}
	response.Term = server.Term
	// already covered by our own state
	if request.Index <= server.snapshotIndex || request.Index <= server.CommitIndex {
		server.install = nil
		return
	}

	pending := server.install
	if request.Offset == 0 {
		pending = &pendingInstall{index: request.Index}
	} else if pending == nil || pending.index != request.Index || len(pending.data) != request.Offset {
		server.install = nil
		response.Fail(protocol.NewError(protocol.SnapshotInstall, "unexpected chunk offset %d", request.Offset))
		return
	}
	pending.data = append(pending.data, request.Data...)
	server.install = pending
	if !request.Complete {
		return
	}
	server.install = nil
	if persistent.Checksum(pending.data) != request.Checksum {
		response.Fail(protocol.NewError(protocol.SnapshotInstall, "checksum mismatch for snapshot %d", request.Index))
		return
	}
	snapshot := common.Snapshot{
		Index:       request.Index,
		Term:        request.SnapshotTerm,
		Members:     request.Members,
		ConfigIndex: request.ConfigIndex,
		Data:        pending.data,
	}
	if err := server.adoptSnapshot(snapshot); err != nil {
		response.Fail(protocol.NewError(protocol.SnapshotInstall, "%v", err))
	}
}

// adoptSnapshot replaces local state with a snapshot received from the leader,
// keeping the log suffix that follows it when the log matches.
func (server *RaftServer) adoptSnapshot(snapshot common.Snapshot) error {
	keepSuffix := false
	if snapshot.Index <= server.lastIndex {
		if term, err := server.termAt(snapshot.Index); err == nil && term == snapshot.Term {
			keepSuffix = true
		}
	}
	if err := server.restoreSnapshot(snapshot); err != nil {
		return err
	}
	if err := server.SnapshotStore.Save(snapshot); err != nil {
		server.fail(err)
		return err
	}
	var err error
	if keepSuffix {
		err = server.LogStore.Compact(snapshot.Index)
	} else {
		err = server.LogStore.Truncate(0)
		server.lastIndex, server.lastTerm = snapshot.Index, snapshot.Term
	}
	if err != nil {
		server.fail(err)
		return err
	}
	server.members.reset(Configuration{Index: snapshot.ConfigIndex, Members: snapshot.Members})
	if err := server.scanConfigurations(); err != nil {
		log.Printf("%v: error reading configurations after snapshot: %+v\n", server.name, err)
	}
	if err := setCommitIndex(server.PersistentStore, server.CommitIndex); err != nil {
		log.Printf("%v: error persisting commit index: %+v\n", server.name, err)
	}
	server.notifyWaiters()
	log.Printf("%v: installed snapshot %d (term %d)\n", server.name, snapshot.Index, snapshot.Term)
	// entries of a kept suffix may already be committed
	server.applyCommitted()
	return nil
}
