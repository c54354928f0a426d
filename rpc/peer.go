package rpc

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/sushantsondhi/partraft/common"
	"io"
	"net/rpc"
	"sync"
	"time"
)

const retryDelay = 100 * time.Millisecond

// Peer is a lazily connected net/rpc client for one member.
type Peer struct {
	id      uuid.UUID
	address common.ServerAddress

	mu     sync.Mutex
	client *rpc.Client
}

// NewPeer creates a Peer instance with lazy initialization.
// Actual RPC connection is not established until an actual RPC
// call takes place.
func NewPeer(address common.ServerAddress, id uuid.UUID) *Peer {
	return &Peer{
		id:      id,
		address: address,
	}
}

func (peer *Peer) connect() (*rpc.Client, error) {
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.client == nil {
		client, err := rpc.Dial("tcp", string(peer.address))
		if err != nil {
			return nil, fmt.Errorf("dialing %v at %s: %w", peer.id, peer.address, err)
		}
		peer.client = client
	}
	return peer.client, nil
}

// drop forgets a broken connection unless another caller already replaced it.
func (peer *Peer) drop(client *rpc.Client) {
	peer.mu.Lock()
	if peer.client == client {
		peer.client = nil
	}
	peer.mu.Unlock()
	client.Close()
}

func brokenConnection(err error) bool {
	return errors.Is(err, rpc.ErrShutdown) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// call takes care of automatically re-trying on transient failures
func (peer *Peer) call(ctx context.Context, method string, args interface{}, result interface{}) (err error) {
	for i := 0; i < 3; i++ {
		var client *rpc.Client
		if client, err = peer.connect(); err != nil {
			// retry after a short delay
			select {
			case <-time.After(retryDelay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		call := client.Go(method, args, result, make(chan *rpc.Call, 1))
		select {
		case <-call.Done:
			err = call.Error
		case <-ctx.Done():
			return ctx.Err()
		}
		if brokenConnection(err) {
			// likely that connection timed out, retry immediately
			peer.drop(client)
			continue
		}
		return err
	}
	return
}

// send fires a one-way call without waiting for its completion.
func (peer *Peer) send(method string, args interface{}) error {
	client, err := peer.connect()
	if err != nil {
		return err
	}
	call := client.Go(method, args, &Reply{}, make(chan *rpc.Call, 1))
	if call.Error != nil {
		if brokenConnection(call.Error) {
			peer.drop(client)
		}
		return call.Error
	}
	return nil
}

func (peer *Peer) Close() error {
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.client == nil {
		return nil
	}
	err := peer.client.Close()
	peer.client = nil
	return err
}
