package raft

import (
	"context"
	"github.com/google/uuid"
	"github.com/sushantsondhi/partraft/common"
	"github.com/sushantsondhi/partraft/protocol"
	"log"
	"math/rand"
	"time"
)

// electionTimeoutController should run in a separate goroutine and is
// responsible for managing election timeouts. This goroutine is indirectly
// controlled by the ElectionTimeoutChan channel. Passing false to the channel
// disables the controller until true is passed to the channel. Passing true
// to the channel simply resets the timer. Whenever a timeout occurs it
// posts an electionTimeout task to the partition loop.
func (server *RaftServer) electionTimeoutController(timeout time.Duration) {
	defer server.wg.Done()
	timeoutRandomizer := func(timeout time.Duration) time.Duration {
		return timeout + time.Duration(rand.Float64()*float64(timeout))
	}
	ticker := time.NewTicker(timeoutRandomizer(timeout))
	defer ticker.Stop()
	for {
		select {
		case <-server.StopChan:
			return
		case <-ticker.C:
			ticker.Stop()
			if !server.enqueue(server.electionTimeout) {
				return
			}
			ticker.Reset(timeoutRandomizer(timeout))
		case reset := <-server.ElectionTimeoutChan:
			if reset {
				ticker.Reset(timeoutRandomizer(timeout))
			} else {
				ticker.Stop()
			}
		}
	}
}

// heartBeatTimeoutController should run in a separate goroutine and is
// responsible for managing heartbeat timeouts. It is controlled through
// HeartbeatTimeoutChan the same way electionTimeoutController is.
func (server *RaftServer) heartBeatTimeoutController(timeout time.Duration) {
	defer server.wg.Done()
	ticker := time.NewTicker(timeout)
	ticker.Stop()
	defer ticker.Stop()
	for {
		select {
		case <-server.StopChan:
			return
		case <-ticker.C:
			if !server.enqueue(server.heartbeatTimeout) {
				return
			}
		case reset := <-server.HeartbeatTimeoutChan:
			if reset {
				ticker.Reset(timeout)
			} else {
				ticker.Stop()
			}
		}
	}
}

func (server *RaftServer) electionTimeout() {
	if server.State == Leader || server.faulted != nil {
		return
	}
	// sometimes a queued tick arrives right after we heard from the leader
	if time.Since(server.lastContact) < server.config.ElectionTimeout {
		return
	}
	if !server.members.isMember(server.MyID) {
		return
	}
	server.startPoll()
}

func (server *RaftServer) heartbeatTimeout() {
	// spontaneous ticks can arrive after the timer was disabled
	if server.State != Leader {
		return
	}
	server.broadcastAppendEntries()
	server.expireSessions()
	server.checkTransferTimeout()
}

// voters returns the members of the active configuration other than this server.
func (server *RaftServer) voters() []common.Server {
	var voters []common.Server
	for _, member := range server.members.current().Members {
		if member.ID != server.MyID {
			voters = append(voters, member)
		}
	}
	return voters
}

// logUpToDate reports whether a candidate log ending at (index, term) is at least as up to date as ours.
func (server *RaftServer) logUpToDate(index, term uint64) bool {
	if term != server.lastTerm {
		return term > server.lastTerm
	}
	return index >= server.lastIndex
}

// startPoll runs a pre-vote round at term+1. Nothing is persisted and the
// term is left alone unless a majority would vote for us.
func (server *RaftServer) startPoll() {
	server.lastContact = time.Now()
	server.CurrentLeader = nil
	voters := server.voters()
	if len(voters) == 0 {
		server.convertToCandidate()
		return
	}
	term := server.Term
	request := &protocol.PollRequest{
		Term:         term + 1,
		Candidate:    server.MyID,
		LastLogIndex: server.lastIndex,
		LastLogTerm:  server.lastTerm,
	}
	quorum := server.members.quorum()
	accepted := 1
	done := false
	log.Printf("%v: polling %d members for term %d\n", server.name, len(voters), request.Term)
	for _, voter := range voters {
		to := voter.ID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), server.config.ElectionTimeout)
			defer cancel()
			response, err := server.comm.Poll(ctx, to, request)
			server.enqueue(func() {
				if err != nil {
					log.Printf("%v: error polling peer %v: %+v\n", server.name, to, err)
					return
				}
				if response.Term > server.Term {
					server.stepDown(response.Term)
					return
				}
				if done || server.Term != term || server.State == Leader || server.faulted != nil {
					return
				}
				if response.Header().Err() == nil && response.Accepted {
					accepted++
				}
				if accepted >= quorum {
					done = true
					server.convertToCandidate()
				}
			})
		}()
	}
}

func (server *RaftServer) poll(request *protocol.PollRequest, response *protocol.PollResponse) {
	response.Term = server.Term
	if server.faulted != nil {
		response.Fail(protocol.NewError(protocol.Unavailable, "server faulted"))
		return
	}
	if request.Term < server.Term {
		return
	}
	if server.State == Leader {
		return
	}
	// a live leader makes the poll pointless
	if server.CurrentLeader != nil && time.Since(server.leaderContact) < server.config.ElectionTimeout {
		return
	}
	response.Accepted = server.logUpToDate(request.LastLogIndex, request.LastLogTerm)
}

func (server *RaftServer) vote(request *protocol.VoteRequest, response *protocol.VoteResponse) {
	if server.faulted != nil {
		response.Term = server.Term
		response.Fail(protocol.NewError(protocol.Unavailable, "server faulted"))
		return
	}
	if request.Term > server.Term {
		server.stepDown(request.Term)
		if server.faulted != nil {
			response.Fail(protocol.NewError(protocol.Unavailable, "server faulted"))
			return
		}
	}
	response.Term = server.Term
	// Return false if term < currentTerm (Section 5.1)
	if request.Term < server.Term {
		return
	}
	// Don't vote if already voted (Section 5.2)
	if server.VotedFor != nil && *server.VotedFor != request.Candidate {
		return
	}
	// Only vote if candidate is sufficiently up-to-date (Section 5.4)
	if !server.logUpToDate(request.LastLogIndex, request.LastLogTerm) {
		return
	}
	candidate := request.Candidate
	if err := setVotedFor(server.PersistentStore, &candidate); err != nil {
		server.fail(err)
		response.Fail(protocol.NewError(protocol.Unavailable, "server faulted"))
		return
	}
	server.VotedFor = &candidate
	response.Voted = true
	server.lastContact = time.Now()
	signal(server.ElectionTimeoutChan, true)
}

// persistTerm moves to term and clears the vote, both persisted before use.
func (server *RaftServer) persistTerm(term uint64, votedFor *uuid.UUID) error {
	if err := setTermAndVote(server.PersistentStore, term, votedFor); err != nil {
		return err
	}
	server.Term = term
	server.VotedFor = votedFor
	return nil
}

// stepDown adopts a higher term and converts to follower.
func (server *RaftServer) stepDown(term uint64) {
	if term > server.Term {
		if err := server.persistTerm(term, nil); err != nil {
			server.fail(err)
			return
		}
	}
	if server.State != Follower {
		server.convertToFollower()
	}
}

// convertToFollower method will initiate transition of Raft's server
// state to a follower. Requests waiting on this server as leader fail with
// a NotLeader error so clients retry elsewhere.
func (server *RaftServer) convertToFollower() {
	log.Printf("%v: converting to follower in term %d\n", server.name, server.Term)
	wasLeader := server.State == Leader
	server.State = Follower
	server.CurrentLeader = nil
	if wasLeader {
		if t := server.leader.transfer; t != nil {
			t.finish(protocol.NotLeaderError(uuid.Nil))
		}
		server.leader = nil
		server.failFutures(0, protocol.NotLeaderError(uuid.Nil))
	}
	server.lastContact = time.Now()
	// (Re)start election timeouts
	signal(server.ElectionTimeoutChan, server.faulted == nil)
	signal(server.HeartbeatTimeoutChan, false)
}

// convertToCandidate starts an election for term+1.
func (server *RaftServer) convertToCandidate() {
	if server.faulted != nil || !server.members.isMember(server.MyID) {
		return
	}
	self := server.MyID
	if err := server.persistTerm(server.Term+1, &self); err != nil {
		server.fail(err)
		return
	}
	log.Printf("%v: converting to candidate in term %d\n", server.name, server.Term)
	server.State = Candidate
	server.CurrentLeader = nil
	server.lastContact = time.Now()
	signal(server.ElectionTimeoutChan, true)

	term := server.Term
	voters := server.voters()
	quorum := server.members.quorum()
	// We always vote ourselves
	votes := 1
	if votes >= quorum {
		server.convertToLeader(term)
		return
	}
	request := &protocol.VoteRequest{
		Term:         term,
		Candidate:    server.MyID,
		LastLogIndex: server.lastIndex,
		LastLogTerm:  server.lastTerm,
	}
	for _, voter := range voters {
		to := voter.ID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), server.config.ElectionTimeout)
			defer cancel()
			response, err := server.comm.Vote(ctx, to, request)
			server.enqueue(func() {
				if err != nil {
					log.Printf("%v: error requesting vote from peer %v: %+v\n", server.name, to, err)
					return
				}
				if response.Term > server.Term {
					server.stepDown(response.Term)
					return
				}
				if server.Term != term || server.State != Candidate {
					return
				}
				if response.Header().Err() == nil && response.Voted {
					votes++
					if votes == quorum {
						log.Printf("%v: majority votes (%d) received in election for term %d\n", server.name, votes, term)
						server.convertToLeader(term)
					}
				}
			})
		}()
	}
}

// convertToLeader sets up transition to Leader state. It does nothing for
// stale elections, when the term moved on or the server is no longer a candidate.
func (server *RaftServer) convertToLeader(term uint64) {
	if term != server.Term || server.State != Candidate {
		log.Printf("%v: discarding stale election results for term %d\n", server.name, term)
		return
	}
	log.Printf("%v: converting to leader in term %d\n", server.name, term)
	server.State = Leader
	self := server.MyID
	server.CurrentLeader = &self
	server.leader = newLeaderState()
	for _, member := range server.voters() {
		// optimistic next index, rejections walk it back using the follower's hint
		server.leader.NextIndexMap[member.ID] = server.lastIndex + 1
		server.leader.MatchIndexMap[member.ID] = 0
	}
	signal(server.ElectionTimeoutChan, false)
	signal(server.HeartbeatTimeoutChan, true)

	index, err := server.appendEntry(common.NoOpEntry, nil)
	if err != nil {
		return
	}
	server.leader.termStartIndex = index
	server.republishEvents()
	server.advanceCommitIndex()
	server.broadcastAppendEntries()
}
