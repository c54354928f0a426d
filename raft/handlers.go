package raft

import (
	"context"
	"errors"
	"github.com/google/uuid"
	"github.com/sushantsondhi/partraft/common"
	"github.com/sushantsondhi/partraft/protocol"
	"log"
)

func (server *RaftServer) registerHandlers() {
	server.comm.Register(protocol.PollType, server.handlePoll)
	server.comm.Register(protocol.VoteType, server.handleVote)
	server.comm.Register(protocol.AppendType, server.handleAppend)
	server.comm.Register(protocol.HeartbeatType, server.handleHeartbeat)
	server.comm.Register(protocol.InstallType, server.handleInstall)
	server.comm.Register(protocol.ConfigureType, server.handleConfigure)
	server.comm.Register(protocol.TransferType, server.handleTransfer)
	server.comm.Register(protocol.JoinType, server.handleJoin)
	server.comm.Register(protocol.LeaveType, server.handleLeave)
	server.comm.Register(protocol.ReconfigureType, server.handleReconfigure)
	server.comm.Register(protocol.MetadataType, server.handleMetadata)
	server.comm.Register(protocol.OpenSessionType, server.handleOpenSession)
	server.comm.Register(protocol.CloseSessionType, server.handleCloseSession)
	server.comm.Register(protocol.KeepAliveType, server.handleKeepAlive)
	server.comm.Register(protocol.CommandType, server.handleCommand)
	server.comm.Register(protocol.QueryType, server.handleQuery)
	server.comm.Register(protocol.ResetType, server.handleReset)
}

func (server *RaftServer) handlePoll(ctx context.Context, from uuid.UUID, message protocol.Message) (protocol.Response, error) {
	request := message.(*protocol.PollRequest)
	response := &protocol.PollResponse{}
	if err := server.execute(ctx, func() { server.poll(request, response) }); err != nil {
		return nil, err
	}
	return response, nil
}

func (server *RaftServer) handleVote(ctx context.Context, from uuid.UUID, message protocol.Message) (protocol.Response, error) {
	request := message.(*protocol.VoteRequest)
	response := &protocol.VoteResponse{}
	if err := server.execute(ctx, func() { server.vote(request, response) }); err != nil {
		return nil, err
	}
	return response, nil
}

func (server *RaftServer) handleAppend(ctx context.Context, from uuid.UUID, message protocol.Message) (protocol.Response, error) {
	request := message.(*protocol.AppendRequest)
	response := &protocol.AppendResponse{}
	if err := server.execute(ctx, func() { server.appendEntries(request, response) }); err != nil {
		return nil, err
	}
	return response, nil
}

func (server *RaftServer) handleHeartbeat(ctx context.Context, from uuid.UUID, message protocol.Message) (protocol.Response, error) {
	request := message.(*protocol.HeartbeatRequest)
	response := &protocol.HeartbeatResponse{}
	if err := server.execute(ctx, func() { server.heartbeat(request, response) }); err != nil {
		return nil, err
	}
	return response, nil
}

func (server *RaftServer) handleInstall(ctx context.Context, from uuid.UUID, message protocol.Message) (protocol.Response, error) {
	request := message.(*protocol.InstallRequest)
	response := &protocol.InstallResponse{}
	if err := server.execute(ctx, func() { server.installSnapshot(request, response) }); err != nil {
		return nil, err
	}
	return response, nil
}

func (server *RaftServer) handleConfigure(ctx context.Context, from uuid.UUID, message protocol.Message) (protocol.Response, error) {
	request := message.(*protocol.ConfigureRequest)
	response := &protocol.ConfigureResponse{}
	if err := server.execute(ctx, func() { server.adoptConfiguration(request, response) }); err != nil {
		return nil, err
	}
	return response, nil
}

// redirect returns the reply for a client request this server must not
// handle as leader: the leader's own reply when the request could be
// forwarded, or a NotLeader error carrying the leader hint. It returns nil
// when this server leads. Requests are forwarded at most once: only those
// coming from outside the configuration are forwarded.
func (server *RaftServer) redirect(ctx context.Context, from uuid.UUID, request protocol.Message) protocol.Response {
	var isLeader, fromMember bool
	leader := uuid.Nil
	err := server.execute(ctx, func() {
		isLeader = server.State == Leader && server.faulted == nil
		if server.CurrentLeader != nil {
			leader = *server.CurrentLeader
		}
		fromMember = server.members.isMember(from)
	})
	if err == nil && isLeader {
		return nil
	}
	if err == nil && leader != uuid.Nil && !fromMember && leader != from {
		response, forwardErr := server.comm.Send(ctx, leader, request)
		if forwardErr == nil {
			return response
		}
		log.Printf("%v: error forwarding %s to leader %v: %+v\n", server.name, protocol.TypeName(request.Type()), leader, forwardErr)
	}
	if err == nil {
		err = protocol.NotLeaderError(leader)
	}
	return failed(request.Type(), err)
}

// failed builds an error response of the kind matching a request type.
func failed(t common.MessageType, err error) protocol.Response {
	response, newErr := protocol.NewResponse(t)
	if newErr != nil {
		log.Printf("no response type for %s: %+v\n", protocol.TypeName(t), newErr)
		return nil
	}
	response.Header().Fail(err)
	return response
}

// withDeadline bounds a client request by the configured request timeout.
func (server *RaftServer) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, server.config.RequestTimeout)
}

func (server *RaftServer) handleTransfer(ctx context.Context, from uuid.UUID, message protocol.Message) (protocol.Response, error) {
	request := message.(*protocol.TransferRequest)
	response := &protocol.TransferResponse{}
	if request.Member == server.MyID {
		var campaignErr error
		if err := server.execute(ctx, func() { campaignErr = server.campaignNow(from, request) }); err != nil {
			return nil, err
		}
		if campaignErr == nil {
			return response, nil
		}
		if !errors.Is(campaignErr, protocol.ErrNotLeader) {
			response.Fail(campaignErr)
			return response, nil
		}
		// not sent by our leader, treat it as an admin request for the leader
	}
	if redirected := server.redirect(ctx, from, request); redirected != nil {
		return redirected, nil
	}
	ctx, cancel := server.withDeadline(ctx)
	defer cancel()
	if err := server.Transfer(ctx, request.Member); err != nil {
		response.Fail(err)
	}
	return response, nil
}

func (server *RaftServer) handleJoin(ctx context.Context, from uuid.UUID, message protocol.Message) (protocol.Response, error) {
	request := message.(*protocol.JoinRequest)
	if redirected := server.redirect(ctx, from, request); redirected != nil {
		return redirected, nil
	}
	ctx, cancel := server.withDeadline(ctx)
	defer cancel()
	response := &protocol.JoinResponse{}
	result, err := server.changeMembership(ctx, request.Member, true)
	if err != nil {
		response.Fail(err)
		return response, nil
	}
	response.Index, response.Term, response.Members = result.Index, result.Term, result.Members
	return response, nil
}

func (server *RaftServer) handleLeave(ctx context.Context, from uuid.UUID, message protocol.Message) (protocol.Response, error) {
	request := message.(*protocol.LeaveRequest)
	if redirected := server.redirect(ctx, from, request); redirected != nil {
		return redirected, nil
	}
	ctx, cancel := server.withDeadline(ctx)
	defer cancel()
	response := &protocol.LeaveResponse{}
	result, err := server.changeMembership(ctx, request.Member, false)
	if err != nil {
		response.Fail(err)
		return response, nil
	}
	response.Index, response.Term, response.Members = result.Index, result.Term, result.Members
	return response, nil
}

func (server *RaftServer) handleReconfigure(ctx context.Context, from uuid.UUID, message protocol.Message) (protocol.Response, error) {
	request := message.(*protocol.ReconfigureRequest)
	if redirected := server.redirect(ctx, from, request); redirected != nil {
		return redirected, nil
	}
	ctx, cancel := server.withDeadline(ctx)
	defer cancel()
	response := &protocol.ReconfigureResponse{}
	result, err := server.reconfigure(ctx, request.Leave, request.Join)
	if err != nil {
		response.Fail(err)
		return response, nil
	}
	response.Index, response.Term, response.Members = result.Index, result.Term, result.Members
	return response, nil
}

// reconfigure replaces leave with join as two sequential single-member changes.
func (server *RaftServer) reconfigure(ctx context.Context, leave, join common.Server) (configurationResult, error) {
	result, err := server.changeMembership(ctx, leave, false)
	if err != nil {
		return result, err
	}
	if leave.ID == server.MyID {
		// we stepped down once our removal committed
		return result, nil
	}
	return server.changeMembership(ctx, join, true)
}

// Join asks the leader of the partition to add member, going through
// any of the known servers.
func (server *RaftServer) Join(ctx context.Context, member common.Server) error {
	var targets []common.Server
	if err := server.execute(ctx, func() { targets = server.members.current().Members }); err != nil {
		return err
	}
	var lastErr error = protocol.NewError(protocol.Unavailable, "no members to contact")
	for _, target := range targets {
		if target.ID == server.MyID {
			continue
		}
		response, err := server.comm.Join(ctx, target.ID, &protocol.JoinRequest{Member: member})
		if err == nil {
			err = response.Err()
		}
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// Leave removes member from the partition. It must be called on the leader.
func (server *RaftServer) Leave(ctx context.Context, member common.Server) error {
	_, err := server.changeMembership(ctx, member, false)
	return err
}

func (server *RaftServer) handleMetadata(ctx context.Context, from uuid.UUID, message protocol.Message) (protocol.Response, error) {
	response := &protocol.MetadataResponse{}
	err := server.execute(ctx, func() {
		response.Term = server.Term
		response.Members = server.members.current().Members
		if server.CurrentLeader != nil {
			response.Leader = *server.CurrentLeader
		}
		for _, s := range server.sessions.Sessions() {
			response.Sessions = append(response.Sessions, protocol.SessionMetadata{
				ID:      s.ID,
				Client:  s.Client,
				Timeout: s.Timeout,
			})
		}
	})
	if err != nil {
		return nil, err
	}
	return response, nil
}
