package raft

import (
	"context"
	"github.com/google/uuid"
	"github.com/sushantsondhi/partraft/common"
	"github.com/sushantsondhi/partraft/protocol"
	"log"
)

// submit appends an entry as leader and waits for the result of applying it.
func (server *RaftServer) submit(ctx context.Context, entryType common.EntryType, body interface{}) (applyResult, error) {
	var future chan applyResult
	var proposeErr error
	if err := server.execute(ctx, func() {
		_, future, proposeErr = server.propose(entryType, body)
	}); err != nil {
		return applyResult{}, err
	}
	if proposeErr != nil {
		return applyResult{}, proposeErr
	}
	return server.await(ctx, future)
}

func (server *RaftServer) handleOpenSession(ctx context.Context, from uuid.UUID, message protocol.Message) (protocol.Response, error) {
	request := message.(*protocol.OpenSessionRequest)
	if redirected := server.redirect(ctx, from, request); redirected != nil {
		return redirected, nil
	}
	ctx, cancel := server.withDeadline(ctx)
	defer cancel()
	response := &protocol.OpenSessionResponse{}
	timeout := request.Timeout
	if min := minSessionTimeout(server.config); timeout < min {
		timeout = min
	}
	result, err := server.submit(ctx, common.OpenSessionEntry, openSessionBody{Client: request.Client, Timeout: timeout})
	if err != nil {
		response.Fail(err)
		return response, nil
	}
	response.Session = result.index
	response.Timeout = timeout
	if err := server.execute(ctx, func() { response.Members = server.members.current().Members }); err != nil {
		return nil, err
	}
	log.Printf("%v: opened session %d for client %v\n", server.name, response.Session, request.Client)
	return response, nil
}

func (server *RaftServer) handleCloseSession(ctx context.Context, from uuid.UUID, message protocol.Message) (protocol.Response, error) {
	request := message.(*protocol.CloseSessionRequest)
	if redirected := server.redirect(ctx, from, request); redirected != nil {
		return redirected, nil
	}
	ctx, cancel := server.withDeadline(ctx)
	defer cancel()
	response := &protocol.CloseSessionResponse{}
	if _, err := server.submit(ctx, common.CloseSessionEntry, closeSessionBody{Session: request.Session}); err != nil {
		response.Fail(err)
	}
	return response, nil
}

func (server *RaftServer) handleKeepAlive(ctx context.Context, from uuid.UUID, message protocol.Message) (protocol.Response, error) {
	request := message.(*protocol.KeepAliveRequest)
	if redirected := server.redirect(ctx, from, request); redirected != nil {
		return redirected, nil
	}
	ctx, cancel := server.withDeadline(ctx)
	defer cancel()
	response := &protocol.KeepAliveResponse{}
	_, err := server.submit(ctx, common.KeepAliveEntry, keepAliveBody{
		Session:         request.Session,
		CommandSequence: request.CommandSequence,
		EventIndex:      request.EventIndex,
	})
	if err != nil {
		response.Fail(err)
		return response, nil
	}
	if err := server.execute(ctx, func() { response.Members = server.members.current().Members }); err != nil {
		return nil, err
	}
	return response, nil
}

func (server *RaftServer) handleCommand(ctx context.Context, from uuid.UUID, message protocol.Message) (protocol.Response, error) {
	request := message.(*protocol.CommandRequest)
	if redirected := server.redirect(ctx, from, request); redirected != nil {
		return redirected, nil
	}
	ctx, cancel := server.withDeadline(ctx)
	defer cancel()
	response := &protocol.CommandResponse{}

	var cached *applyResult
	var future chan applyResult
	var proposeErr error
	err := server.execute(ctx, func() {
		if proposeErr = server.checkProposal(); proposeErr != nil {
			return
		}
		s, ok := server.sessions.Get(request.Session)
		if !ok {
			proposeErr = server.missingSession(request.Session)
			return
		}
		// answer retries of applied commands without touching the log
		if r, ok := s.Results[request.Sequence]; ok && request.Sequence <= s.CommandSequence {
			result := fromCached(r)
			cached = &result
			return
		}
		_, future, proposeErr = server.propose(common.CommandEntry, commandBody{
			Session:  request.Session,
			Sequence: request.Sequence,
			Data:     request.Data,
		})
	})
	if err == nil {
		err = proposeErr
	}
	var result applyResult
	switch {
	case err != nil:
	case cached != nil:
		result, err = *cached, cached.err
	default:
		result, err = server.await(ctx, future)
	}
	response.Index, response.EventIndex, response.Result = result.index, result.eventIndex, result.data
	if err != nil {
		response.Fail(err)
	}
	return response, nil
}

func (server *RaftServer) handleQuery(ctx context.Context, from uuid.UUID, message protocol.Message) (protocol.Response, error) {
	request := message.(*protocol.QueryRequest)
	if request.Consistency == protocol.Linearizable {
		if redirected := server.redirect(ctx, from, request); redirected != nil {
			return redirected, nil
		}
	}
	ctx, cancel := server.withDeadline(ctx)
	defer cancel()
	response := &protocol.QueryResponse{}
	var err error
	if request.Consistency == protocol.Linearizable {
		err = server.linearizableQuery(ctx, request, response)
	} else {
		err = server.sequentialQuery(ctx, request, response)
	}
	if err != nil {
		response.Fail(err)
	}
	return response, nil
}

// sequentialQuery serves a read from local state once it caught up with what the client has seen.
func (server *RaftServer) sequentialQuery(ctx context.Context, request *protocol.QueryRequest, response *protocol.QueryResponse) error {
	if err := server.waitApplied(ctx, request.Index); err != nil {
		return err
	}
	var queryErr error
	if err := server.execute(ctx, func() {
		if _, ok := server.sessions.Get(request.Session); !ok {
			queryErr = server.missingSession(request.Session)
			return
		}
		response.Index = server.AppliedIndex
		response.Result, queryErr = server.query(request.Data)
	}); err != nil {
		return err
	}
	return queryErr
}

// linearizableQuery confirms leadership with a quorum before reading at the read index.
func (server *RaftServer) linearizableQuery(ctx context.Context, request *protocol.QueryRequest, response *protocol.QueryResponse) error {
	var readIndex, term uint64
	var heartbeat *protocol.HeartbeatRequest
	var voters []uuid.UUID
	var quorum int
	var checkErr error
	if err := server.execute(ctx, func() {
		if server.State != Leader || server.faulted != nil {
			checkErr = protocol.NotLeaderError(uuid.Nil)
			return
		}
		if _, ok := server.sessions.Get(request.Session); !ok {
			checkErr = server.missingSession(request.Session)
			return
		}
		// until the no-op of this term commits, the commit index may lag the previous leader's
		readIndex = maxUint64(server.CommitIndex, server.leader.termStartIndex)
		term = server.Term
		heartbeat = &protocol.HeartbeatRequest{Term: term, Leader: server.MyID, CommitIndex: server.CommitIndex}
		for _, member := range server.voters() {
			voters = append(voters, member.ID)
		}
		quorum = server.members.quorum()
		if !server.members.isMember(server.MyID) {
			quorum++
		}
	}); err != nil {
		return err
	}
	if checkErr != nil {
		return checkErr
	}
	if err := server.confirmLeadership(ctx, term, heartbeat, voters, quorum); err != nil {
		return err
	}
	if err := server.waitApplied(ctx, readIndex); err != nil {
		return err
	}
	var queryErr error
	if err := server.execute(ctx, func() {
		if server.State != Leader || server.Term != term {
			queryErr = protocol.NotLeaderError(uuid.Nil)
			return
		}
		response.Index = server.AppliedIndex
		response.Result, queryErr = server.query(request.Data)
	}); err != nil {
		return err
	}
	return queryErr
}

// confirmLeadership runs one heartbeat round, it succeeds once a quorum
// (counting this server) acknowledged term.
func (server *RaftServer) confirmLeadership(ctx context.Context, term uint64, request *protocol.HeartbeatRequest, voters []uuid.UUID, quorum int) error {
	acks := 1
	if acks >= quorum {
		return nil
	}
	results := make(chan bool, len(voters))
	for _, voter := range voters {
		to := voter
		go func() {
			response, err := server.comm.Heartbeat(ctx, to, request)
			if err != nil || response.Header().Err() != nil {
				results <- false
				return
			}
			if response.Term > term {
				server.enqueue(func() { server.stepDown(response.Term) })
			}
			results <- response.Term == term
		}()
	}
	for range voters {
		select {
		case ok := <-results:
			if ok {
				acks++
			}
			if acks >= quorum {
				return nil
			}
		case <-ctx.Done():
			return protocol.NewError(protocol.Timeout, "leadership not confirmed in time")
		}
	}
	return protocol.NotLeaderError(uuid.Nil)
}

func (server *RaftServer) query(data []byte) ([]byte, error) {
	result, err := server.FSM.Query(data)
	if err != nil {
		return nil, protocol.NewError(protocol.QueryFailure, "%v", err)
	}
	return result, nil
}

// handleReset resends the event batches a client missed.
func (server *RaftServer) handleReset(ctx context.Context, from uuid.UUID, message protocol.Message) (protocol.Response, error) {
	request := message.(*protocol.ResetRequest)
	var leader uuid.UUID
	forward := false
	err := server.execute(ctx, func() {
		if server.State == Leader {
			if s, ok := server.sessions.Get(request.Session); ok {
				server.publish(s, server.sessions.PendingEvents(request.Session, request.Index))
			}
			return
		}
		if server.CurrentLeader != nil && !server.members.isMember(from) {
			leader, forward = *server.CurrentLeader, true
		}
	})
	if err != nil {
		return nil, err
	}
	if forward {
		if err := server.comm.Reset(leader, request); err != nil {
			log.Printf("%v: error forwarding reset to %v: %+v\n", server.name, leader, err)
		}
	}
	return nil, nil
}

// expireSessions proposes an ExpireSession entry for every session that went
// silent for longer than its timeout, measured from when this leader took over.
func (server *RaftServer) expireSessions() {
	since := server.leader.since.UnixNano() / 1e6
	for _, id := range server.sessions.Expired(nowMillis(), since) {
		if server.leader.expiring[id] {
			continue
		}
		if _, err := server.appendEntry(common.ExpireSessionEntry, expireSessionBody{Session: id}); err != nil {
			return
		}
		server.leader.expiring[id] = true
	}
	server.advanceCommitIndex()
}
