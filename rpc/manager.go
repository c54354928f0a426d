package rpc

import (
	"context"
	"fmt"
	"github.com/google/uuid"
	"github.com/sushantsondhi/partraft/common"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"log"
	"net"
	"net/rpc"
	"sync"
)

// Envelope is the single argument type exchanged over net/rpc. The sender's
// address travels along so servers can reach clients they never configured.
type Envelope struct {
	From        uuid.UUID
	FromAddress common.ServerAddress
	Partition   common.PartitionID
	Type        common.MessageType
	Payload     []byte
}

type Reply struct {
	Payload []byte
}

// Manager is the implementation of common.Transport using
// the golang's net/rpc package
type Manager struct {
	id      uuid.UUID
	address common.ServerAddress

	mu       sync.RWMutex
	handlers map[common.PartitionID]common.Handler
	peers    map[uuid.UUID]*Peer
	listener net.Listener

	// Testing primitives
	disconnected *atomic.Bool
	stopped      *atomic.Bool
	wg           sync.WaitGroup
}

var _ common.Transport = &Manager{}

func NewManager(id uuid.UUID, address common.ServerAddress) *Manager {
	return &Manager{
		id:           id,
		address:      address,
		handlers:     make(map[common.PartitionID]common.Handler),
		peers:        make(map[uuid.UUID]*Peer),
		disconnected: atomic.NewBool(false),
		stopped:      atomic.NewBool(false),
	}
}

func (manager *Manager) ID() uuid.UUID {
	return manager.id
}

// AddPeer makes a member reachable by id. Connections are established lazily.
func (manager *Manager) AddPeer(id uuid.UUID, address common.ServerAddress) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if peer, ok := manager.peers[id]; ok && peer.address == address {
		return
	} else if ok {
		peer.Close()
	}
	manager.peers[id] = NewPeer(address, id)
}

func (manager *Manager) peer(id uuid.UUID) (*Peer, error) {
	manager.mu.RLock()
	defer manager.mu.RUnlock()
	peer, ok := manager.peers[id]
	if !ok {
		return nil, fmt.Errorf("unknown peer %v", id)
	}
	return peer, nil
}

func (manager *Manager) Register(partition common.PartitionID, handler common.Handler) {
	manager.mu.Lock()
	manager.handlers[partition] = handler
	manager.mu.Unlock()
}

func (manager *Manager) Unregister(partition common.PartitionID) {
	manager.mu.Lock()
	delete(manager.handlers, partition)
	manager.mu.Unlock()
}

// Start binds the listen address and serves connections in the background.
func (manager *Manager) Start() error {
	rpcServ := rpc.NewServer()
	if err := rpcServ.RegisterName("Endpoint", &Endpoint{manager: manager}); err != nil {
		return err
	}
	listener, err := net.Listen("tcp", string(manager.address))
	if err != nil {
		return err
	}
	manager.mu.Lock()
	manager.listener = listener
	manager.mu.Unlock()
	manager.wg.Add(1)
	go func() {
		defer manager.wg.Done()
		for !manager.stopped.Load() {
			conn, err := listener.Accept()
			if err != nil {
				if manager.stopped.Load() {
					return
				}
				log.Printf("%v: rpc accept failed: %+v\n", manager.id, err)
				continue
			}
			go rpcServ.ServeConn(conn)
		}
	}()
	return nil
}

func (manager *Manager) envelope(partition common.PartitionID, msgType common.MessageType, payload []byte) *Envelope {
	return &Envelope{
		From:        manager.id,
		FromAddress: manager.address,
		Partition:   partition,
		Type:        msgType,
		Payload:     payload,
	}
}

func (manager *Manager) SendAndReceive(ctx context.Context, to uuid.UUID, partition common.PartitionID, msgType common.MessageType, payload []byte) ([]byte, error) {
	if manager.disconnected.Load() {
		return nil, fmt.Errorf("%v is disconnected", manager.id)
	}
	peer, err := manager.peer(to)
	if err != nil {
		return nil, err
	}
	var reply Reply
	if err := peer.call(ctx, "Endpoint.Deliver", manager.envelope(partition, msgType, payload), &reply); err != nil {
		return nil, err
	}
	return reply.Payload, nil
}

func (manager *Manager) Unicast(to uuid.UUID, partition common.PartitionID, msgType common.MessageType, payload []byte) error {
	if manager.disconnected.Load() {
		return fmt.Errorf("%v is disconnected", manager.id)
	}
	peer, err := manager.peer(to)
	if err != nil {
		return err
	}
	return peer.send("Endpoint.Deliver", manager.envelope(partition, msgType, payload))
}

// Close stops the listener and drops every peer connection.
func (manager *Manager) Close() error {
	if manager.stopped.Swap(true) {
		return nil
	}
	manager.mu.Lock()
	var err error
	if manager.listener != nil {
		err = manager.listener.Close()
	}
	for _, peer := range manager.peers {
		err = multierr.Append(err, peer.Close())
	}
	manager.mu.Unlock()
	manager.wg.Wait()
	return err
}

// Disconnect creates an artificial network partition to disconnect this manager from its peers (bi-directional).
// The partition is artificial in the sense that although the underlying network communications succeed,
// the implementations themselves are aware of disconnect and respond with a error in such cases.
// Reconnect can be used to heal the disconnected manager.
func (manager *Manager) Disconnect() {
	manager.disconnected.Store(true)
}

func (manager *Manager) Reconnect() {
	manager.disconnected.Store(false)
}

// Endpoint is the receiver registered with net/rpc.
type Endpoint struct {
	manager *Manager
}

func (endpoint *Endpoint) Deliver(envelope *Envelope, reply *Reply) error {
	manager := endpoint.manager
	if manager.disconnected.Load() {
		return fmt.Errorf("%v is disconnected", manager.id)
	}
	manager.mu.RLock()
	handler, ok := manager.handlers[envelope.Partition]
	_, known := manager.peers[envelope.From]
	manager.mu.RUnlock()
	if !known && envelope.FromAddress != "" {
		manager.AddPeer(envelope.From, envelope.FromAddress)
	}
	if !ok {
		return fmt.Errorf("partition %d is not served by %v", envelope.Partition, manager.id)
	}
	payload, err := handler(context.Background(), envelope.From, envelope.Type, envelope.Payload)
	if err != nil {
		return err
	}
	reply.Payload = payload
	return nil
}
