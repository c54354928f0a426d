package rpc

import (
	"context"
	"fmt"
	"github.com/google/uuid"
	"github.com/sushantsondhi/partraft/common"
	"sync"
)

// LocalNetwork connects in-process transports. It owns its routing table,
// so independent networks never see each other. Links can be cut to
// simulate partitions.
type LocalNetwork struct {
	mu       sync.RWMutex
	nodes    map[uuid.UUID]*LocalTransport
	isolated map[uuid.UUID]bool
	cut      map[[2]uuid.UUID]bool
}

func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		nodes:    make(map[uuid.UUID]*LocalTransport),
		isolated: make(map[uuid.UUID]bool),
		cut:      make(map[[2]uuid.UUID]bool),
	}
}

// Join attaches a new transport with the given id to the network.
func (network *LocalNetwork) Join(id uuid.UUID) *LocalTransport {
	transport := &LocalTransport{
		id:       id,
		network:  network,
		handlers: make(map[common.PartitionID]common.Handler),
	}
	network.mu.Lock()
	network.nodes[id] = transport
	network.mu.Unlock()
	return transport
}

// Isolate drops every message to and from id until Heal is called.
func (network *LocalNetwork) Isolate(id uuid.UUID) {
	network.mu.Lock()
	network.isolated[id] = true
	network.mu.Unlock()
}

// Cut drops messages between a and b in both directions.
func (network *LocalNetwork) Cut(a, b uuid.UUID) {
	network.mu.Lock()
	network.cut[[2]uuid.UUID{a, b}] = true
	network.cut[[2]uuid.UUID{b, a}] = true
	network.mu.Unlock()
}

// Heal restores every link of id.
func (network *LocalNetwork) Heal(id uuid.UUID) {
	network.mu.Lock()
	delete(network.isolated, id)
	for link := range network.cut {
		if link[0] == id || link[1] == id {
			delete(network.cut, link)
		}
	}
	network.mu.Unlock()
}

func (network *LocalNetwork) route(from, to uuid.UUID) (*LocalTransport, error) {
	network.mu.RLock()
	defer network.mu.RUnlock()
	if network.isolated[from] || network.isolated[to] || network.cut[[2]uuid.UUID{from, to}] {
		return nil, fmt.Errorf("%v cannot reach %v", from, to)
	}
	node, ok := network.nodes[to]
	if !ok || node.isClosed() {
		return nil, fmt.Errorf("unknown peer %v", to)
	}
	return node, nil
}

// LocalTransport is one member's endpoint on a LocalNetwork.
type LocalTransport struct {
	id      uuid.UUID
	network *LocalNetwork

	mu       sync.RWMutex
	handlers map[common.PartitionID]common.Handler
	closed   bool
}

var _ common.Transport = &LocalTransport{}

func (transport *LocalTransport) ID() uuid.UUID {
	return transport.id
}

func (transport *LocalTransport) Register(partition common.PartitionID, handler common.Handler) {
	transport.mu.Lock()
	transport.handlers[partition] = handler
	transport.mu.Unlock()
}

func (transport *LocalTransport) Unregister(partition common.PartitionID) {
	transport.mu.Lock()
	delete(transport.handlers, partition)
	transport.mu.Unlock()
}

func (transport *LocalTransport) isClosed() bool {
	transport.mu.RLock()
	defer transport.mu.RUnlock()
	return transport.closed
}

func (transport *LocalTransport) handler(partition common.PartitionID) (common.Handler, error) {
	transport.mu.RLock()
	defer transport.mu.RUnlock()
	handler, ok := transport.handlers[partition]
	if !ok {
		return nil, fmt.Errorf("partition %d is not served by %v", partition, transport.id)
	}
	return handler, nil
}

func (transport *LocalTransport) SendAndReceive(ctx context.Context, to uuid.UUID, partition common.PartitionID, msgType common.MessageType, payload []byte) ([]byte, error) {
	node, err := transport.network.route(transport.id, to)
	if err != nil {
		return nil, err
	}
	handler, err := node.handler(partition)
	if err != nil {
		return nil, err
	}
	type reply struct {
		payload []byte
		err     error
	}
	done := make(chan reply, 1)
	go func() {
		payload, err := handler(ctx, transport.id, msgType, append([]byte(nil), payload...))
		done <- reply{payload: payload, err: err}
	}()
	select {
	case r := <-done:
		// the link may have been cut while the request was being served
		if _, err := transport.network.route(to, transport.id); err != nil {
			return nil, err
		}
		return r.payload, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Unicast delivers synchronously, so one-way messages from a single goroutine stay ordered.
func (transport *LocalTransport) Unicast(to uuid.UUID, partition common.PartitionID, msgType common.MessageType, payload []byte) error {
	node, err := transport.network.route(transport.id, to)
	if err != nil {
		return err
	}
	handler, err := node.handler(partition)
	if err != nil {
		return err
	}
	_, err = handler(context.Background(), transport.id, msgType, append([]byte(nil), payload...))
	return err
}

func (transport *LocalTransport) Close() error {
	transport.mu.Lock()
	transport.closed = true
	transport.handlers = make(map[common.PartitionID]common.Handler)
	transport.mu.Unlock()
	return nil
}
