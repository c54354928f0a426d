// Package session tracks client sessions of one partition. The registry is
// only mutated while applying committed log entries, so every server of a
// partition holds the same sessions with the same cached results and events.
package session

import (
	"github.com/google/uuid"
	"sort"
)

// Result is the cached outcome of one command, kept until the client acknowledges it.
type Result struct {
	Index      uint64
	EventIndex uint64
	Data       []byte
	Error      string
}

// EventBatch holds the events produced by applying the entry at Index.
type EventBatch struct {
	Index         uint64
	PreviousIndex uint64
	Events        [][]byte
}

type Session struct {
	ID     uint64
	Client uuid.UUID
	// Timeout in milliseconds.
	Timeout int64
	// LastUpdated is the timestamp of the last entry that kept the session alive.
	LastUpdated        int64
	LastKeepAliveIndex uint64
	// CommandSequence is the highest command sequence applied for this session.
	CommandSequence uint64
	// EventIndex is the index of the newest queued event batch.
	EventIndex uint64
	Results    map[uint64]Result
	Events     []EventBatch
}

func (s *Session) expired(timestamp, since int64) bool {
	last := s.LastUpdated
	if since > last {
		last = since
	}
	return timestamp-last > s.Timeout
}

type Registry struct {
	sessions map[uint64]*Session
	// expired remembers the ids of sessions removed by timeout
	expired map[uint64]bool
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint64]*Session), expired: make(map[uint64]bool)}
}

// Open registers a session. The id is the index of the OpenSession entry.
func (r *Registry) Open(id uint64, client uuid.UUID, timeout int64, timestamp int64) *Session {
	s := &Session{
		ID:                 id,
		Client:             client,
		Timeout:            timeout,
		LastUpdated:        timestamp,
		LastKeepAliveIndex: id,
		Results:            make(map[uint64]Result),
	}
	r.sessions[id] = s
	return s
}

func (r *Registry) Get(id uint64) (*Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Close(id uint64) bool {
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Expire removes the session if its timeout elapsed at timestamp.
func (r *Registry) Expire(id uint64, timestamp int64) bool {
	s, ok := r.sessions[id]
	if !ok || !s.expired(timestamp, 0) {
		return false
	}
	delete(r.sessions, id)
	r.expired[id] = true
	return true
}

// WasExpired reports whether the session was removed because its timeout elapsed.
func (r *Registry) WasExpired(id uint64) bool {
	return r.expired[id]
}

// KeepAlive refreshes the session and discards what the client acknowledged:
// results up to commandSequence and event batches up to eventIndex.
func (r *Registry) KeepAlive(id, index uint64, timestamp int64, commandSequence, eventIndex uint64) bool {
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.LastKeepAliveIndex = index
	if timestamp > s.LastUpdated {
		s.LastUpdated = timestamp
	}
	for seq := range s.Results {
		if seq <= commandSequence {
			delete(s.Results, seq)
		}
	}
	i := 0
	for i < len(s.Events) && s.Events[i].Index <= eventIndex {
		i++
	}
	s.Events = append([]EventBatch(nil), s.Events[i:]...)
	return true
}

func (r *Registry) Touch(id uint64, timestamp int64) {
	if s, ok := r.sessions[id]; ok && timestamp > s.LastUpdated {
		s.LastUpdated = timestamp
	}
}

// CacheResult records the result of command seq and advances the session's sequence.
func (r *Registry) CacheResult(id, seq uint64, result Result) {
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	s.Results[seq] = result
	if seq > s.CommandSequence {
		s.CommandSequence = seq
	}
}

// Publish queues an event produced by the entry at index.
func (r *Registry) Publish(id, index uint64, event []byte) {
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	if n := len(s.Events); n > 0 && s.Events[n-1].Index == index {
		s.Events[n-1].Events = append(s.Events[n-1].Events, event)
		return
	}
	s.Events = append(s.Events, EventBatch{
		Index:         index,
		PreviousIndex: s.EventIndex,
		Events:        [][]byte{event},
	})
	s.EventIndex = index
}

// PendingEvents returns the unacknowledged batches with index > after.
func (r *Registry) PendingEvents(id, after uint64) []EventBatch {
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	var batches []EventBatch
	for _, batch := range s.Events {
		if batch.Index > after {
			batches = append(batches, batch)
		}
	}
	return batches
}

// Expired lists sessions whose timeout elapsed at timestamp, measuring from
// max(LastUpdated, since).
func (r *Registry) Expired(timestamp, since int64) []uint64 {
	var ids []uint64
	for id, s := range r.sessions {
		if s.expired(timestamp, since) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Sessions returns all sessions ordered by id.
func (r *Registry) Sessions() []*Session {
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions
}

func (r *Registry) Len() int {
	return len(r.sessions)
}

// Snapshot returns a copy of every session, ordered by id.
func (r *Registry) Snapshot() []Session {
	snapshot := make([]Session, 0, len(r.sessions))
	for _, s := range r.Sessions() {
		c := *s
		c.Results = make(map[uint64]Result, len(s.Results))
		for seq, result := range s.Results {
			c.Results[seq] = result
		}
		c.Events = append([]EventBatch(nil), s.Events...)
		snapshot = append(snapshot, c)
	}
	return snapshot
}

// ExpiredIDs returns the ids of expired sessions in ascending order.
func (r *Registry) ExpiredIDs() []uint64 {
	ids := make([]uint64, 0, len(r.expired))
	for id := range r.expired {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Restore replaces the registry content with sessions and the ids of expired ones.
func (r *Registry) Restore(sessions []Session, expired []uint64) {
	r.expired = make(map[uint64]bool, len(expired))
	for _, id := range expired {
		r.expired[id] = true
	}
	r.sessions = make(map[uint64]*Session, len(sessions))
	for i := range sessions {
		s := sessions[i]
		if s.Results == nil {
			s.Results = make(map[uint64]Result)
		}
		r.sessions[s.ID] = &s
	}
}
