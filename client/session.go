package client

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/sushantsondhi/partraft/common"
	"github.com/sushantsondhi/partraft/protocol"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"log"
	"sync"
	"time"
)

const retryDelay = 50 * time.Millisecond

// Options configures a client session.
type Options struct {
	// Timeout is the session timeout requested from the cluster, which may raise it.
	Timeout time.Duration
	// Listener receives the events published to the session, in order.
	Listener func(event []byte)
	Codec    protocol.Codec
}

// Session is a client's session with one partition. Commands submitted
// through it are applied at most once, even when they are retried against
// another server. It is safe for concurrent use.
type Session struct {
	comm      *protocol.Communicator
	partition common.PartitionID
	id        uint64
	timeout   time.Duration
	listener  func(event []byte)
	name      string

	// responder is the index of the server that answered last
	responder *atomic.Int32
	// observed is the highest log index seen in any response
	observed *atomic.Uint64

	// commands of a session reach the log in sequence order, one at a time
	submitMu sync.Mutex

	mu       sync.Mutex
	servers  []common.Server
	sequence uint64
	// acked is the last sequence whose result the cluster may discard
	acked uint64

	eventsMu   sync.Mutex
	eventIndex uint64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Open registers a new session with the partition through any of servers.
func Open(ctx context.Context, transport common.Transport, partition common.PartitionID, servers []common.Server, options Options) (*Session, error) {
	if len(servers) == 0 {
		return nil, errors.New("no servers to contact")
	}
	if options.Codec == nil {
		options.Codec = protocol.GobCodec{}
	}
	s := &Session{
		partition: partition,
		listener:  options.Listener,
		name:      fmt.Sprintf("client %v[p%d]", transport.ID(), partition),
		responder: atomic.NewInt32(0),
		observed:  atomic.NewUint64(0),
		servers:   append([]common.Server(nil), servers...),
		stopChan:  make(chan struct{}),
	}
	s.comm = protocol.NewCommunicator(partition, transport, options.Codec)
	s.comm.Register(protocol.PublishType, s.handlePublish)

	request := &protocol.OpenSessionRequest{Client: transport.ID(), Timeout: options.Timeout.Milliseconds()}
	response, err := s.invoke(ctx, func(ctx context.Context, to uuid.UUID) (protocol.Response, error) {
		return s.comm.OpenSession(ctx, to, request)
	})
	if err != nil {
		s.comm.Close()
		return nil, err
	}
	opened := response.(*protocol.OpenSessionResponse)
	s.id = opened.Session
	s.timeout = time.Duration(opened.Timeout) * time.Millisecond
	s.observe(opened.Session)
	s.setMembers(opened.Members)
	log.Printf("%v: opened session %d with timeout %v\n", s.name, s.id, s.timeout)

	s.wg.Add(1)
	go s.keepAlive()
	return s, nil
}

func (s *Session) ID() uint64 {
	return s.id
}

// Index is the highest log index this session has observed.
func (s *Session) Index() uint64 {
	return s.observed.Load()
}

// Members returns the servers the session currently knows about.
func (s *Session) Members() []common.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]common.Server(nil), s.servers...)
}

func (s *Session) setMembers(members []common.Server) {
	if len(members) == 0 {
		return
	}
	s.mu.Lock()
	s.servers = append([]common.Server(nil), members...)
	s.mu.Unlock()
	s.responder.Store(0)
}

func (s *Session) observe(index uint64) {
	for {
		current := s.observed.Load()
		if index <= current || s.observed.CAS(current, index) {
			return
		}
	}
}

// invoke sends a request to the known servers, starting with the last
// responder and following leader hints, until one succeeds, ctx ends or
// the session is closed.
func (s *Session) invoke(ctx context.Context, send func(ctx context.Context, to uuid.UUID) (protocol.Response, error)) (protocol.Response, error) {
	return s.retry(ctx, s.stopChan, send)
}

func (s *Session) retry(ctx context.Context, stop <-chan struct{}, send func(ctx context.Context, to uuid.UUID) (protocol.Response, error)) (protocol.Response, error) {
	for {
		servers := s.Members()
		var errs error
		index := int(s.responder.Load()) % len(servers)
		for attempt := 0; attempt < len(servers); attempt++ {
			response, err := send(ctx, servers[index].ID)
			// a failed send leaves a typed nil behind the interface
			sent := err == nil
			if sent {
				err = response.Header().Err()
			}
			if err == nil {
				s.responder.Store(int32(index))
				return response, nil
			}
			if !protocol.Retriable(err) {
				s.responder.Store(int32(index))
				if !sent {
					return nil, err
				}
				return response, err
			}
			errs = multierr.Append(errs, fmt.Errorf("%v: %w", servers[index].ID, err))
			next := (index + 1) % len(servers)
			var raftErr *protocol.RaftError
			if errors.As(err, &raftErr) && raftErr.Leader != uuid.Nil {
				for i, server := range servers {
					if server.ID == raftErr.Leader && i != index {
						next = i
					}
				}
			}
			index = next
		}
		select {
		case <-ctx.Done():
			return nil, multierr.Append(errs, ctx.Err())
		case <-stop:
			return nil, multierr.Append(errs, errors.New("session closed"))
		case <-time.After(retryDelay):
		}
	}
}

// Command submits data to the partition's state machine and returns its result.
// Retries reuse the same sequence number, so the command is applied at most once.
func (s *Session) Command(ctx context.Context, data []byte) ([]byte, error) {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	s.mu.Lock()
	s.sequence++
	seq := s.sequence
	s.mu.Unlock()

	request := &protocol.CommandRequest{Session: s.id, Sequence: seq, Data: data}
	response, err := s.invoke(ctx, func(ctx context.Context, to uuid.UUID) (protocol.Response, error) {
		return s.comm.Command(ctx, to, request)
	})
	// a command given up on is never retried, so its result can go too
	s.mu.Lock()
	s.acked = seq
	s.mu.Unlock()
	result, ok := response.(*protocol.CommandResponse)
	if ok && result != nil {
		s.observe(result.Index)
	}
	if err != nil {
		return nil, err
	}
	return result.Result, nil
}

// Query reads from the state machine. Sequential reads may be served by
// any server, but never from state older than what this session has seen.
func (s *Session) Query(ctx context.Context, data []byte, consistency protocol.Consistency) ([]byte, error) {
	request := &protocol.QueryRequest{
		Session:     s.id,
		Index:       s.observed.Load(),
		Consistency: consistency,
		Data:        data,
	}
	response, err := s.invoke(ctx, func(ctx context.Context, to uuid.UUID) (protocol.Response, error) {
		return s.comm.Query(ctx, to, request)
	})
	if err != nil {
		return nil, err
	}
	result := response.(*protocol.QueryResponse)
	s.observe(result.Index)
	return result.Result, nil
}

// keepAlive should run in a separate goroutine, it keeps the session
// alive and acknowledges results and events until the session is closed.
func (s *Session) keepAlive() {
	defer s.wg.Done()
	interval := s.timeout / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := s.KeepAlive(ctx)
			cancel()
			if errors.Is(err, protocol.ErrSessionExpired) || errors.Is(err, protocol.ErrUnknownSession) {
				log.Printf("%v: session %d expired\n", s.name, s.id)
				return
			}
			if err != nil {
				log.Printf("%v: keep-alive failed: %+v\n", s.name, err)
			}
		}
	}
}

// KeepAlive renews the session once.
func (s *Session) KeepAlive(ctx context.Context) error {
	s.mu.Lock()
	acked := s.acked
	s.mu.Unlock()
	s.eventsMu.Lock()
	eventIndex := s.eventIndex
	s.eventsMu.Unlock()

	request := &protocol.KeepAliveRequest{Session: s.id, CommandSequence: acked, EventIndex: eventIndex}
	response, err := s.invoke(ctx, func(ctx context.Context, to uuid.UUID) (protocol.Response, error) {
		return s.comm.KeepAlive(ctx, to, request)
	})
	if err != nil {
		return err
	}
	s.setMembers(response.(*protocol.KeepAliveResponse).Members)
	return nil
}

// handlePublish delivers event batches in order. A batch that does not
// follow the last one delivered triggers a reset, so the server resends
// everything after it.
func (s *Session) handlePublish(ctx context.Context, from uuid.UUID, message protocol.Message) (protocol.Response, error) {
	request := message.(*protocol.PublishRequest)
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	if request.Session != s.id || request.EventIndex <= s.eventIndex {
		return nil, nil
	}
	if request.PreviousIndex != s.eventIndex {
		last := s.eventIndex
		go s.reset(from, last)
		return nil, nil
	}
	s.eventIndex = request.EventIndex
	s.observe(request.EventIndex)
	if s.listener != nil {
		for _, event := range request.Events {
			s.listener(event)
		}
	}
	return nil, nil
}

func (s *Session) reset(to uuid.UUID, index uint64) {
	if err := s.comm.Reset(to, &protocol.ResetRequest{Session: s.id, Index: index}); err != nil {
		log.Printf("%v: error requesting events after %d: %+v\n", s.name, index, err)
	}
}

// Close unregisters the session from the cluster and stops keeping it alive.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		request := &protocol.CloseSessionRequest{Session: s.id}
		_, err = s.retry(ctx, nil, func(ctx context.Context, to uuid.UUID) (protocol.Response, error) {
			return s.comm.CloseSession(ctx, to, request)
		})
		s.comm.Close()
		log.Printf("%v: closed session %d\n", s.name, s.id)
	})
	return err
}
