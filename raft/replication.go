package raft

import (
	"context"
	"github.com/google/uuid"
	"github.com/sushantsondhi/partraft/common"
	"github.com/sushantsondhi/partraft/protocol"
	"log"
	"sort"
	"time"
)

// checkProposal reports whether the leader may append new entries right now.
func (server *RaftServer) checkProposal() error {
	if server.faulted != nil {
		return protocol.NewError(protocol.Unavailable, "server faulted")
	}
	if server.State != Leader {
		leader := uuid.Nil
		if server.CurrentLeader != nil {
			leader = *server.CurrentLeader
		}
		return protocol.NotLeaderError(leader)
	}
	if t := server.leader.transfer; t != nil {
		return protocol.NotLeaderError(t.target)
	}
	return nil
}

// appendEntry appends a new entry of the leader's term carrying body and
// starts replicating it. Configuration entries take effect immediately.
func (server *RaftServer) appendEntry(entryType common.EntryType, body interface{}) (uint64, error) {
	var data []byte
	if body != nil {
		var err error
		if data, err = server.codec.Encode(body); err != nil {
			return 0, err
		}
	}
	entry := common.LogEntry{
		Index:     server.lastIndex + 1,
		Term:      server.Term,
		Type:      entryType,
		Timestamp: nowMillis(),
		Data:      data,
	}
	if err := server.LogStore.Append(entry); err != nil {
		server.fail(err)
		return 0, protocol.NewError(protocol.Unavailable, "unable to store entry in leader logstore: %v", err)
	}
	server.lastIndex, server.lastTerm = entry.Index, entry.Term
	if entry.Type == common.ConfigurationEntry {
		if err := server.configurationAppended(entry); err != nil {
			log.Printf("%v: error decoding configuration entry %d: %+v\n", server.name, entry.Index, err)
		}
	}
	return entry.Index, nil
}

// propose appends an entry as leader, registers a future for its result and
// starts replicating it.
func (server *RaftServer) propose(entryType common.EntryType, body interface{}) (uint64, chan applyResult, error) {
	if err := server.checkProposal(); err != nil {
		return 0, nil, err
	}
	index, err := server.appendEntry(entryType, body)
	if err != nil {
		return 0, nil, err
	}
	future := server.registerFuture(index)
	// a single member cluster commits on its own
	server.advanceCommitIndex()
	server.broadcastAppendEntries()
	return index, future, nil
}

// broadcastAppendEntries sends an append (or snapshot chunk) to every peer
// that has no request in flight. It doubles as the leader's heartbeat.
func (server *RaftServer) broadcastAppendEntries() {
	for _, member := range server.voters() {
		server.sendAppend(member.ID)
	}
}

func (server *RaftServer) sendAppend(peer uuid.UUID) {
	if server.State != Leader || server.leader.inflight[peer] {
		return
	}
	next, ok := server.leader.NextIndexMap[peer]
	if !ok {
		return
	}
	if next <= server.snapshotIndex {
		server.sendInstall(peer)
		return
	}
	prevIndex := next - 1
	prevTerm, err := server.termAt(prevIndex)
	if err != nil {
		log.Printf("%v: failed to get from log store: %+v\n", server.name, err)
		return
	}
	var entries []common.LogEntry
	if next <= server.lastIndex {
		to := minUint64(server.lastIndex+1, next+uint64(server.config.MaxEntriesPerAppend))
		if entries, err = server.LogStore.Entries(next, to); err != nil {
			log.Printf("%v: failed to get from log store: %+v\n", server.name, err)
			return
		}
	}
	request := &protocol.AppendRequest{
		Term:         server.Term,
		Leader:       server.MyID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		CommitIndex:  server.CommitIndex,
	}
	server.leader.inflight[peer] = true
	leader := server.leader
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), server.config.ElectionTimeout)
		defer cancel()
		response, err := server.comm.Append(ctx, peer, request)
		server.enqueue(func() {
			if server.leader == leader {
				leader.inflight[peer] = false
			}
			server.appendResponse(peer, leader, request, response, err)
		})
	}()
}

func (server *RaftServer) appendResponse(peer uuid.UUID, leader *leaderState, request *protocol.AppendRequest, response *protocol.AppendResponse, err error) {
	if err != nil {
		log.Printf("%v: error on append to %v: %+v\n", server.name, peer, err)
		return
	}
	if response.Term > server.Term {
		// the peer was on a higher term
		server.stepDown(response.Term)
		return
	}
	if server.leader != leader || request.Term != server.Term {
		return
	}
	if _, ok := leader.NextIndexMap[peer]; !ok {
		return
	}
	if err := response.Header().Err(); err != nil {
		log.Printf("%v: append rejected by %v: %+v\n", server.name, peer, err)
		return
	}
	if response.Succeeded {
		match := request.PrevLogIndex + uint64(len(request.Entries))
		if match > leader.MatchIndexMap[peer] {
			leader.MatchIndexMap[peer] = match
		}
		if match+1 > leader.NextIndexMap[peer] {
			leader.NextIndexMap[peer] = match + 1
		}
		server.advanceCommitIndex()
		if server.State != Leader {
			return
		}
		server.checkTransfer(peer)
		if server.State == Leader && leader.NextIndexMap[peer] <= server.lastIndex {
			server.sendAppend(peer)
		}
		return
	}
	// Failure means the follower has holes or conflicts in its log, resume from its hint
	next := minUint64(request.PrevLogIndex, response.LastLogIndex+1)
	if next < 1 {
		next = 1
	}
	log.Printf("%v: append to %v rejected at %d, retrying from %d\n", server.name, peer, request.PrevLogIndex, next)
	leader.NextIndexMap[peer] = next
	server.sendAppend(peer)
}

// advanceCommitIndex checks for new entries that are committed updating the commitIndex.
func (server *RaftServer) advanceCommitIndex() {
	if server.State != Leader {
		return
	}
	var matchIndexes []uint64
	for _, member := range server.members.current().Members {
		if member.ID == server.MyID {
			matchIndexes = append(matchIndexes, server.lastIndex)
		} else {
			matchIndexes = append(matchIndexes, server.leader.MatchIndexMap[member.ID])
		}
	}
	if len(matchIndexes) == 0 {
		return
	}
	sort.Slice(matchIndexes, func(i, j int) bool {
		return matchIndexes[i] > matchIndexes[j]
	})
	// the quorum-th highest match index is stored on a majority
	n := matchIndexes[server.members.quorum()-1]
	if n <= server.CommitIndex {
		return
	}
	term, err := server.termAt(n)
	if err != nil {
		log.Printf("%v: error getting log entry %+v\n", server.name, err)
		return
	}
	// only entries of the current term are committed by counting replicas
	if term == server.Term {
		server.setCommitIndex(n)
	}
}

func (server *RaftServer) setCommitIndex(index uint64) {
	if index <= server.CommitIndex {
		return
	}
	if err := setCommitIndex(server.PersistentStore, index); err != nil {
		server.fail(err)
		return
	}
	server.CommitIndex = index
	server.applyCommitted()
}

// appendEntries is the follower side of replication.
func (server *RaftServer) appendEntries(request *protocol.AppendRequest, response *protocol.AppendResponse) {
	response.Term = server.Term
	response.LastLogIndex = server.lastIndex
	if server.faulted != nil {
		response.Fail(protocol.NewError(protocol.Unavailable, "server faulted"))
		return
	}
	if request.Term < server.Term {
		// leader is stale, reject request
		return
	}
	if !server.acceptLeader(request.Term, request.Leader) {
		response.Fail(protocol.NewError(protocol.Unavailable, "server faulted"))
		return
	}
	response.Term = server.Term

	if request.PrevLogIndex > server.lastIndex {
		// Follower is behind the leader
		return
	}
	if request.PrevLogIndex >= server.snapshotIndex {
		prevTerm, err := server.termAt(request.PrevLogIndex)
		if err != nil {
			log.Printf("%v: unable to get previous log entry: %+v\n", server.name, err)
			return
		}
		if prevTerm != request.PrevLogTerm {
			// There is mismatch of log entries between leader and follower
			response.LastLogIndex = request.PrevLogIndex - 1
			return
		}
	}

	entries := request.Entries
	for len(entries) > 0 && entries[0].Index <= server.snapshotIndex {
		entries = entries[1:]
	}
	for i, entry := range entries {
		if entry.Index > server.lastIndex {
			if !server.appendLog(entries[i:]) {
				response.Fail(protocol.NewError(protocol.Unavailable, "server faulted"))
				return
			}
			break
		}
		term, err := server.termAt(entry.Index)
		if err != nil {
			log.Printf("%v: unable to read log entry %d: %+v\n", server.name, entry.Index, err)
			return
		}
		if term == entry.Term {
			continue
		}
		if entry.Index <= server.CommitIndex {
			log.Printf("%v: %+v\n", server.name, protocol.NewError(protocol.LogInconsistency,
				"leader %v conflicts with committed entry %d", request.Leader, entry.Index))
			return
		}
		log.Printf("%v: %+v\n", server.name, protocol.NewError(protocol.LogInconsistency,
			"truncating conflicting suffix from %d", entry.Index))
		if !server.truncateLog(entry.Index) || !server.appendLog(entries[i:]) {
			response.Fail(protocol.NewError(protocol.Unavailable, "server faulted"))
			return
		}
		break
	}

	lastNew := request.PrevLogIndex + uint64(len(request.Entries))
	if request.CommitIndex > server.CommitIndex {
		server.setCommitIndex(minUint64(request.CommitIndex, lastNew))
	}
	response.Succeeded = true
	response.LastLogIndex = server.lastIndex
}

// acceptLeader records contact with the leader of term, converting to follower when needed.
// It returns false if the server faulted while persisting the new term.
func (server *RaftServer) acceptLeader(term uint64, leader uuid.UUID) bool {
	if term > server.Term || server.State != Follower {
		server.stepDown(term)
		if server.faulted != nil {
			return false
		}
	}
	if server.CurrentLeader == nil || *server.CurrentLeader != leader {
		log.Printf("%v: following leader %v in term %d\n", server.name, leader, term)
		server.CurrentLeader = &leader
	}
	server.lastContact = time.Now()
	server.leaderContact = server.lastContact
	// reset election timeout
	signal(server.ElectionTimeoutChan, server.members.isMember(server.MyID))
	return true
}

func (server *RaftServer) appendLog(entries []common.LogEntry) bool {
	if len(entries) == 0 {
		return true
	}
	if err := server.LogStore.Append(entries...); err != nil {
		server.fail(err)
		return false
	}
	last := entries[len(entries)-1]
	server.lastIndex, server.lastTerm = last.Index, last.Term
	for _, entry := range entries {
		if entry.Type == common.ConfigurationEntry {
			if err := server.configurationAppended(entry); err != nil {
				log.Printf("%v: error decoding configuration entry %d: %+v\n", server.name, entry.Index, err)
			}
		}
	}
	return true
}

// truncateLog drops the uncommitted suffix starting at from, reverting
// configurations installed by it and failing requests waiting on it.
func (server *RaftServer) truncateLog(from uint64) bool {
	term, err := server.termAt(from - 1)
	if err != nil {
		server.fail(err)
		return false
	}
	if err := server.LogStore.Truncate(from); err != nil {
		server.fail(err)
		return false
	}
	server.lastIndex, server.lastTerm = from-1, term
	server.members.truncate(from)
	server.failFutures(from, protocol.NewError(protocol.NotLeader, "entry %d was overwritten", from))
	return true
}

// heartbeat confirms this server still follows the leader of request.Term.
func (server *RaftServer) heartbeat(request *protocol.HeartbeatRequest, response *protocol.HeartbeatResponse) {
	response.Term = server.Term
	if server.faulted != nil {
		response.Fail(protocol.NewError(protocol.Unavailable, "server faulted"))
		return
	}
	if request.Term < server.Term {
		return
	}
	if !server.acceptLeader(request.Term, request.Leader) {
		response.Fail(protocol.NewError(protocol.Unavailable, "server faulted"))
		return
	}
	response.Term = server.Term
}
