package protocol

import (
	"context"
	"fmt"
	"github.com/google/uuid"
	"github.com/sushantsondhi/partraft/common"
	"sync"
)

// HandlerFunc serves one decoded request. One-way messages return a nil response.
type HandlerFunc func(ctx context.Context, from uuid.UUID, request Message) (Response, error)

// Communicator binds one partition to a transport. It owns the table of
// message handlers for that partition, so two partitions (or a client and a
// server in the same process) never share dispatch state.
type Communicator struct {
	partition common.PartitionID
	transport common.Transport
	codec     Codec

	mu       sync.RWMutex
	handlers map[common.MessageType]HandlerFunc
}

func NewCommunicator(partition common.PartitionID, transport common.Transport, codec Codec) *Communicator {
	c := &Communicator{
		partition: partition,
		transport: transport,
		codec:     codec,
		handlers:  make(map[common.MessageType]HandlerFunc),
	}
	transport.Register(partition, c.dispatch)
	return c
}

func (c *Communicator) ID() uuid.UUID {
	return c.transport.ID()
}

// Register makes the handler available for messages of type t.
func (c *Communicator) Register(t common.MessageType, handler HandlerFunc) {
	c.mu.Lock()
	c.handlers[t] = handler
	c.mu.Unlock()
}

// Unregister stops serving messages of type t. Requests already being
// handled are not affected.
func (c *Communicator) Unregister(t common.MessageType) {
	c.mu.Lock()
	delete(c.handlers, t)
	c.mu.Unlock()
}

// Close detaches the partition from the transport.
func (c *Communicator) Close() {
	c.transport.Unregister(c.partition)
	c.mu.Lock()
	c.handlers = make(map[common.MessageType]HandlerFunc)
	c.mu.Unlock()
}

func (c *Communicator) dispatch(ctx context.Context, from uuid.UUID, t common.MessageType, payload []byte) ([]byte, error) {
	c.mu.RLock()
	handler, ok := c.handlers[t]
	c.mu.RUnlock()
	if !ok {
		return c.reject(t, NewError(ProtocolError, "no handler registered for %s on partition %d", TypeName(t), c.partition))
	}
	request, err := NewRequest(t)
	if err != nil {
		return nil, err
	}
	if err := c.codec.Decode(payload, request); err != nil {
		return c.reject(t, NewError(ProtocolError, "malformed %s request: %v", TypeName(t), err))
	}
	response, err := handler(ctx, from, request)
	if err != nil {
		return nil, err
	}
	if OneWay(t) || response == nil {
		return nil, nil
	}
	return c.codec.Encode(response)
}

// reject answers a request that could not be served with a failed response,
// so the error type survives transports that only carry error strings.
func (c *Communicator) reject(t common.MessageType, err *RaftError) ([]byte, error) {
	if OneWay(t) {
		return nil, err
	}
	response, newErr := NewResponse(t)
	if newErr != nil {
		return nil, err
	}
	response.Header().Fail(err)
	return c.codec.Encode(response)
}

func (c *Communicator) sendAndReceive(ctx context.Context, to uuid.UUID, request Message) (Response, error) {
	payload, err := c.codec.Encode(request)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", TypeName(request.Type()), err)
	}
	reply, err := c.transport.SendAndReceive(ctx, to, c.partition, request.Type(), payload)
	if err != nil {
		return nil, err
	}
	response, err := NewResponse(request.Type())
	if err != nil {
		return nil, err
	}
	if err := c.codec.Decode(reply, response); err != nil {
		return nil, NewError(ProtocolError, "malformed %s response: %v", TypeName(request.Type()), err)
	}
	return response, nil
}

func (c *Communicator) unicast(to uuid.UUID, request Message) error {
	payload, err := c.codec.Encode(request)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", TypeName(request.Type()), err)
	}
	return c.transport.Unicast(to, c.partition, request.Type(), payload)
}

// Send is the untyped form of the calls below, used when forwarding requests.
func (c *Communicator) Send(ctx context.Context, to uuid.UUID, request Message) (Response, error) {
	return c.sendAndReceive(ctx, to, request)
}

func (c *Communicator) OpenSession(ctx context.Context, to uuid.UUID, request *OpenSessionRequest) (*OpenSessionResponse, error) {
	response, err := c.sendAndReceive(ctx, to, request)
	if err != nil {
		return nil, err
	}
	return response.(*OpenSessionResponse), nil
}

func (c *Communicator) CloseSession(ctx context.Context, to uuid.UUID, request *CloseSessionRequest) (*CloseSessionResponse, error) {
	response, err := c.sendAndReceive(ctx, to, request)
	if err != nil {
		return nil, err
	}
	return response.(*CloseSessionResponse), nil
}

func (c *Communicator) KeepAlive(ctx context.Context, to uuid.UUID, request *KeepAliveRequest) (*KeepAliveResponse, error) {
	response, err := c.sendAndReceive(ctx, to, request)
	if err != nil {
		return nil, err
	}
	return response.(*KeepAliveResponse), nil
}

func (c *Communicator) Query(ctx context.Context, to uuid.UUID, request *QueryRequest) (*QueryResponse, error) {
	response, err := c.sendAndReceive(ctx, to, request)
	if err != nil {
		return nil, err
	}
	return response.(*QueryResponse), nil
}

func (c *Communicator) Command(ctx context.Context, to uuid.UUID, request *CommandRequest) (*CommandResponse, error) {
	response, err := c.sendAndReceive(ctx, to, request)
	if err != nil {
		return nil, err
	}
	return response.(*CommandResponse), nil
}

func (c *Communicator) Metadata(ctx context.Context, to uuid.UUID, request *MetadataRequest) (*MetadataResponse, error) {
	response, err := c.sendAndReceive(ctx, to, request)
	if err != nil {
		return nil, err
	}
	return response.(*MetadataResponse), nil
}

func (c *Communicator) Join(ctx context.Context, to uuid.UUID, request *JoinRequest) (*JoinResponse, error) {
	response, err := c.sendAndReceive(ctx, to, request)
	if err != nil {
		return nil, err
	}
	return response.(*JoinResponse), nil
}

func (c *Communicator) Leave(ctx context.Context, to uuid.UUID, request *LeaveRequest) (*LeaveResponse, error) {
	response, err := c.sendAndReceive(ctx, to, request)
	if err != nil {
		return nil, err
	}
	return response.(*LeaveResponse), nil
}

func (c *Communicator) Configure(ctx context.Context, to uuid.UUID, request *ConfigureRequest) (*ConfigureResponse, error) {
	response, err := c.sendAndReceive(ctx, to, request)
	if err != nil {
		return nil, err
	}
	return response.(*ConfigureResponse), nil
}

func (c *Communicator) Reconfigure(ctx context.Context, to uuid.UUID, request *ReconfigureRequest) (*ReconfigureResponse, error) {
	response, err := c.sendAndReceive(ctx, to, request)
	if err != nil {
		return nil, err
	}
	return response.(*ReconfigureResponse), nil
}

func (c *Communicator) Install(ctx context.Context, to uuid.UUID, request *InstallRequest) (*InstallResponse, error) {
	response, err := c.sendAndReceive(ctx, to, request)
	if err != nil {
		return nil, err
	}
	return response.(*InstallResponse), nil
}

func (c *Communicator) Transfer(ctx context.Context, to uuid.UUID, request *TransferRequest) (*TransferResponse, error) {
	response, err := c.sendAndReceive(ctx, to, request)
	if err != nil {
		return nil, err
	}
	return response.(*TransferResponse), nil
}

func (c *Communicator) Poll(ctx context.Context, to uuid.UUID, request *PollRequest) (*PollResponse, error) {
	response, err := c.sendAndReceive(ctx, to, request)
	if err != nil {
		return nil, err
	}
	return response.(*PollResponse), nil
}

func (c *Communicator) Vote(ctx context.Context, to uuid.UUID, request *VoteRequest) (*VoteResponse, error) {
	response, err := c.sendAndReceive(ctx, to, request)
	if err != nil {
		return nil, err
	}
	return response.(*VoteResponse), nil
}

func (c *Communicator) Append(ctx context.Context, to uuid.UUID, request *AppendRequest) (*AppendResponse, error) {
	response, err := c.sendAndReceive(ctx, to, request)
	if err != nil {
		return nil, err
	}
	return response.(*AppendResponse), nil
}

func (c *Communicator) Heartbeat(ctx context.Context, to uuid.UUID, request *HeartbeatRequest) (*HeartbeatResponse, error) {
	response, err := c.sendAndReceive(ctx, to, request)
	if err != nil {
		return nil, err
	}
	return response.(*HeartbeatResponse), nil
}

// Publish is one-way: the leader pushes an event batch to a session's client.
func (c *Communicator) Publish(to uuid.UUID, request *PublishRequest) error {
	return c.unicast(to, request)
}

// Reset is one-way: a client asks for pending events to be resent.
func (c *Communicator) Reset(to uuid.UUID, request *ResetRequest) error {
	return c.unicast(to, request)
}
