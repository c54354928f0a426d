package raft

import (
	"context"
	"github.com/google/uuid"
	"github.com/sushantsondhi/partraft/protocol"
	"log"
	"time"
)

// transfer is a leadership hand-off in progress. New writes are rejected
// until it completes or times out.
type transfer struct {
	target   uuid.UUID
	deadline time.Time
	done     chan error
}

func (t *transfer) finish(err error) {
	select {
	case t.done <- err:
	default:
	}
}

// startTransfer begins handing leadership to target, it must run on the loop.
func (server *RaftServer) startTransfer(target uuid.UUID) (*transfer, error) {
	if err := server.checkProposal(); err != nil {
		return nil, err
	}
	if target == server.MyID {
		return nil, protocol.NewError(protocol.ConfigurationError, "%v already leads", target)
	}
	if !server.members.isMember(target) {
		return nil, protocol.NewError(protocol.ConfigurationError, "%v is not a member", target)
	}
	t := &transfer{
		target:   target,
		deadline: time.Now().Add(server.config.ElectionTimeout),
		done:     make(chan error, 1),
	}
	server.leader.transfer = t
	log.Printf("%v: transferring leadership to %v\n", server.name, target)
	server.checkTransfer(target)
	return t, nil
}

// checkTransfer fires the transfer once the target's log matches ours,
// otherwise it keeps replicating to the target.
func (server *RaftServer) checkTransfer(peer uuid.UUID) {
	if server.State != Leader {
		return
	}
	t := server.leader.transfer
	if t == nil || t.target != peer {
		return
	}
	if server.leader.MatchIndexMap[peer] < server.lastIndex {
		server.sendAppend(peer)
		return
	}
	request := &protocol.TransferRequest{Member: peer, Term: server.Term}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), server.config.ElectionTimeout)
		defer cancel()
		if _, err := server.comm.Transfer(ctx, peer, request); err != nil {
			log.Printf("%v: error sending transfer to %v: %+v\n", server.name, peer, err)
		}
	}()
	server.leader.transfer = nil
	t.finish(nil)
	log.Printf("%v: handed leadership to %v, stepping down\n", server.name, peer)
	server.convertToFollower()
}

func (server *RaftServer) checkTransferTimeout() {
	if server.State != Leader {
		return
	}
	t := server.leader.transfer
	if t == nil || time.Now().Before(t.deadline) {
		return
	}
	log.Printf("%v: leadership transfer to %v timed out\n", server.name, t.target)
	server.leader.transfer = nil
	t.finish(protocol.NewError(protocol.Timeout, "transfer to %v timed out", t.target))
}

// campaignNow is the target side of a transfer: the leader asked us to start an election at once.
func (server *RaftServer) campaignNow(from uuid.UUID, request *protocol.TransferRequest) error {
	if request.Term < server.Term {
		return protocol.NewError(protocol.ProtocolError, "stale transfer for term %d", request.Term)
	}
	if server.CurrentLeader == nil || *server.CurrentLeader != from {
		return protocol.NotLeaderError(uuid.Nil)
	}
	if server.State == Leader {
		return nil
	}
	log.Printf("%v: leadership transferred by %v, starting election\n", server.name, from)
	server.convertToCandidate()
	return nil
}

// Transfer hands leadership of the partition to target. It must be called on the leader.
func (server *RaftServer) Transfer(ctx context.Context, target uuid.UUID) error {
	var t *transfer
	var startErr error
	if err := server.execute(ctx, func() { t, startErr = server.startTransfer(target) }); err != nil {
		return err
	}
	if startErr != nil {
		return startErr
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return protocol.NewError(protocol.Timeout, "%v", ctx.Err())
	case <-server.StopChan:
		return protocol.NewError(protocol.Unavailable, "server stopped")
	}
}
