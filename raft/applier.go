package raft

import (
	"context"
	"github.com/google/uuid"
	"github.com/sushantsondhi/partraft/common"
	"github.com/sushantsondhi/partraft/protocol"
	"github.com/sushantsondhi/partraft/session"
	"log"
)

type openSessionBody struct {
	Client  uuid.UUID
	Timeout int64
}

type closeSessionBody struct {
	Session uint64
}

type keepAliveBody struct {
	Session         uint64
	CommandSequence uint64
	EventIndex      uint64
}

type commandBody struct {
	Session  uint64
	Sequence uint64
	Data     []byte
}

type expireSessionBody struct {
	Session uint64
}

// applyResult is what a request waiting on a log index receives once the entry is applied.
type applyResult struct {
	index      uint64
	eventIndex uint64
	data       []byte
	err        error
}

type appliedWaiter struct {
	index uint64
	done  chan struct{}
}

// publication is one event batch on its way to a session's client.
type publication struct {
	client  uuid.UUID
	request *protocol.PublishRequest
}

func (server *RaftServer) registerFuture(index uint64) chan applyResult {
	future := make(chan applyResult, 1)
	server.futures[index] = future
	return future
}

// failFutures completes every future at index >= from with err.
func (server *RaftServer) failFutures(from uint64, err error) {
	for index, future := range server.futures {
		if index >= from {
			future <- applyResult{index: index, err: err}
			delete(server.futures, index)
		}
	}
}

// await waits for an applied entry's result.
func (server *RaftServer) await(ctx context.Context, future chan applyResult) (applyResult, error) {
	select {
	case result := <-future:
		return result, result.err
	case <-ctx.Done():
		return applyResult{}, protocol.NewError(protocol.Timeout, "request not committed in time: %v", ctx.Err())
	case <-server.StopChan:
		return applyResult{}, protocol.NewError(protocol.Unavailable, "server stopped")
	}
}

// waitApplied blocks until the applied index reaches index.
func (server *RaftServer) waitApplied(ctx context.Context, index uint64) error {
	done := make(chan struct{})
	err := server.execute(ctx, func() {
		if server.AppliedIndex >= index {
			close(done)
			return
		}
		server.waiters = append(server.waiters, appliedWaiter{index: index, done: done})
	})
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return protocol.NewError(protocol.Timeout, "index %d not applied in time", index)
	case <-server.StopChan:
		return protocol.NewError(protocol.Unavailable, "server stopped")
	}
}

func (server *RaftServer) notifyWaiters() {
	remaining := server.waiters[:0]
	for _, waiter := range server.waiters {
		if waiter.index <= server.AppliedIndex {
			close(waiter.done)
		} else {
			remaining = append(remaining, waiter)
		}
	}
	server.waiters = remaining
}

// applyCommitted applies entries up to the commit index strictly in order.
func (server *RaftServer) applyCommitted() {
	for server.AppliedIndex < server.CommitIndex {
		entry, err := server.LogStore.Get(server.AppliedIndex + 1)
		if err != nil {
			log.Printf("%v: error getting log entry from log store: %+v\n", server.name, err)
			break
		}
		result := server.applyEntry(*entry)
		server.AppliedIndex = entry.Index
		if future, ok := server.futures[entry.Index]; ok {
			future <- result
			delete(server.futures, entry.Index)
		}
		server.flushEvents()
	}
	server.notifyWaiters()
	server.maybeSnapshot()
}

func (server *RaftServer) applyEntry(entry common.LogEntry) applyResult {
	result := applyResult{index: entry.Index}
	switch entry.Type {
	case common.NoOpEntry:
	case common.OpenSessionEntry:
		var body openSessionBody
		if result.err = server.decode(entry, &body); result.err == nil {
			server.sessions.Open(entry.Index, body.Client, body.Timeout, entry.Timestamp)
		}
	case common.CloseSessionEntry:
		var body closeSessionBody
		if result.err = server.decode(entry, &body); result.err != nil {
			break
		}
		if !server.sessions.Close(body.Session) {
			result.err = server.missingSession(body.Session)
			break
		}
		server.FSM.CloseSession(body.Session)
	case common.KeepAliveEntry:
		var body keepAliveBody
		if result.err = server.decode(entry, &body); result.err != nil {
			break
		}
		if !server.sessions.KeepAlive(body.Session, entry.Index, entry.Timestamp, body.CommandSequence, body.EventIndex) {
			result.err = server.missingSession(body.Session)
		}
	case common.CommandEntry:
		result = server.applyCommand(entry)
	case common.ConfigurationEntry:
		server.configurationCommitted(entry)
	case common.ExpireSessionEntry:
		var body expireSessionBody
		if result.err = server.decode(entry, &body); result.err != nil {
			break
		}
		if server.leader != nil {
			delete(server.leader.expiring, body.Session)
		}
		if server.sessions.Expire(body.Session, entry.Timestamp) {
			log.Printf("%v: session %d expired\n", server.name, body.Session)
			server.FSM.CloseSession(body.Session)
		}
	default:
		log.Printf("%v: skipping entry %d of unknown type %d\n", server.name, entry.Index, entry.Type)
	}
	return result
}

func (server *RaftServer) applyCommand(entry common.LogEntry) applyResult {
	var body commandBody
	if err := server.decode(entry, &body); err != nil {
		return applyResult{index: entry.Index, err: err}
	}
	s, ok := server.sessions.Get(body.Session)
	if !ok {
		return applyResult{index: entry.Index, err: server.missingSession(body.Session)}
	}
	if body.Sequence <= s.CommandSequence {
		// a retry of a command that was already applied
		if cached, ok := s.Results[body.Sequence]; ok {
			return fromCached(cached)
		}
		return applyResult{index: entry.Index, eventIndex: s.EventIndex}
	}
	server.sessions.Touch(body.Session, entry.Timestamp)
	data, err := server.FSM.Apply(common.Commit{
		Index:   entry.Index,
		Session: body.Session,
		Data:    body.Data,
	}, &eventQueue{server: server, index: entry.Index})
	cached := session.Result{Index: entry.Index, EventIndex: s.EventIndex, Data: data}
	if err != nil {
		cached.Error = err.Error()
	}
	server.sessions.CacheResult(body.Session, body.Sequence, cached)
	return fromCached(cached)
}

// missingSession explains why id is not in the registry.
func (server *RaftServer) missingSession(id uint64) error {
	if server.sessions.WasExpired(id) {
		return protocol.NewError(protocol.SessionExpired, "session %d", id)
	}
	return protocol.NewError(protocol.UnknownSession, "session %d", id)
}

func fromCached(cached session.Result) applyResult {
	result := applyResult{index: cached.Index, eventIndex: cached.EventIndex, data: cached.Data}
	if cached.Error != "" {
		result.err = protocol.NewError(protocol.CommandFailure, "%s", cached.Error)
	}
	return result
}

func (server *RaftServer) decode(entry common.LogEntry, body interface{}) error {
	if err := server.codec.Decode(entry.Data, body); err != nil {
		log.Printf("%v: malformed %v entry %d: %+v\n", server.name, entry.Type, entry.Index, err)
		return protocol.NewError(protocol.ProtocolError, "malformed %v entry %d", entry.Type, entry.Index)
	}
	return nil
}

// eventQueue is the Publisher handed to the state machine while applying one entry.
type eventQueue struct {
	server *RaftServer
	index  uint64
}

func (q *eventQueue) Publish(sessionID uint64, event []byte) {
	if _, ok := q.server.sessions.Get(sessionID); !ok {
		return
	}
	q.server.sessions.Publish(sessionID, q.index, event)
	q.server.published[sessionID] = true
}

// flushEvents sends the batches queued by the last applied entry. Only the
// leader delivers events; followers keep them so a new leader can resend.
func (server *RaftServer) flushEvents() {
	if len(server.published) == 0 {
		return
	}
	for id := range server.published {
		delete(server.published, id)
		if server.State != Leader {
			continue
		}
		s, ok := server.sessions.Get(id)
		if !ok || len(s.Events) == 0 {
			continue
		}
		server.publish(s, s.Events[len(s.Events)-1:])
	}
}

// republishEvents resends every unacknowledged batch, used by a new leader.
func (server *RaftServer) republishEvents() {
	for _, s := range server.sessions.Sessions() {
		if len(s.Events) > 0 {
			server.publish(s, s.Events)
		}
	}
}

func (server *RaftServer) publish(s *session.Session, batches []session.EventBatch) {
	for _, batch := range batches {
		p := publication{
			client: s.Client,
			request: &protocol.PublishRequest{
				Session:       s.ID,
				EventIndex:    batch.Index,
				PreviousIndex: batch.PreviousIndex,
				Events:        batch.Events,
			},
		}
		select {
		case server.publications <- p:
		default:
			// the client resets once it notices the gap
			log.Printf("%v: publish queue full, dropping batch %d for session %d\n", server.name, batch.Index, s.ID)
		}
	}
}

// publisher delivers event batches in order, off the partition loop.
func (server *RaftServer) publisher() {
	defer server.wg.Done()
	for {
		select {
		case <-server.StopChan:
			return
		case p := <-server.publications:
			if err := server.comm.Publish(p.client, p.request); err != nil {
				log.Printf("%v: error publishing events to %v: %+v\n", server.name, p.client, err)
			}
		}
	}
}
