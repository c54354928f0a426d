package common

import (
	"context"
	"github.com/google/uuid"
)

type EntryType uint8

const (
	NoOpEntry EntryType = iota
	OpenSessionEntry
	CloseSessionEntry
	KeepAliveEntry
	CommandEntry
	ConfigurationEntry
	ExpireSessionEntry
)

func (t EntryType) String() string {
	switch t {
	case NoOpEntry:
		return "noop"
	case OpenSessionEntry:
		return "open-session"
	case CloseSessionEntry:
		return "close-session"
	case KeepAliveEntry:
		return "keep-alive"
	case CommandEntry:
		return "command"
	case ConfigurationEntry:
		return "configuration"
	case ExpireSessionEntry:
		return "expire-session"
	}
	return "unknown"
}

// LogEntry represents one particular log entry in the raft
type LogEntry struct {
	Index, Term uint64
	Type        EntryType
	// Timestamp is the leader's wall clock (unix millis) when the entry was appended.
	Timestamp int64
	Data      []byte
}

// Snapshot is a compacted point-in-time copy of a partition's applied state.
type Snapshot struct {
	Index, Term uint64
	// Members is the configuration in effect at Index, installed by the entry at ConfigIndex.
	Members     []Server
	ConfigIndex uint64
	Data        []byte
}

// LogStore is the interface that when implemented can be used as
// a store for storing logs of one raft server. LogStore is responsible
// for guaranteeing persistence of logs across server restarts.
type LogStore interface {
	// Append requires entries to be contiguous with LastIndex.
	Append(entries ...LogEntry) error
	Get(index uint64) (*LogEntry, error)
	// Entries returns entries in [from, to).
	Entries(from, to uint64) ([]LogEntry, error)
	// FirstIndex and LastIndex return 0 if the log is empty.
	FirstIndex() (uint64, error)
	LastIndex() (uint64, error)
	// Truncate drops every entry with index >= from.
	Truncate(from uint64) error
	// Compact drops every entry with index <= through.
	Compact(through uint64) error
	Close() error
}

// PersistentStore implementations can be used as general-purpose stores
// for storing non-volatile data (such as Raft server's non-volatile state variables).
type PersistentStore interface {
	Set(key, value []byte) error
	// SetAll writes every pair atomically.
	SetAll(values map[string][]byte) error
	Get(key []byte) ([]byte, error)
	GetDefault(key []byte, defaultVal []byte) ([]byte, error)
	Close() error
}

// SnapshotStore keeps the latest snapshot of a partition.
type SnapshotStore interface {
	Save(snapshot Snapshot) error
	// Latest returns nil if no snapshot was ever saved.
	Latest() (*Snapshot, error)
	Close() error
}

// Commit is a command handed to the state machine.
type Commit struct {
	Index   uint64
	Session uint64
	Data    []byte
}

// Publisher queues an event for delivery to a session's client.
type Publisher interface {
	Publish(session uint64, event []byte)
}

// StateMachine is the replicated application state. Apply is only ever
// called with committed commands in log order.
type StateMachine interface {
	Apply(commit Commit, publisher Publisher) ([]byte, error)
	Query(data []byte) ([]byte, error)
	// CloseSession releases state associated with a closed or expired session.
	CloseSession(session uint64)
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// MessageType tags a payload so the receiving partition can dispatch it.
type MessageType uint8

// Handler processes one inbound payload for a partition and returns the encoded reply.
// One-way messages return a nil reply.
type Handler func(ctx context.Context, from uuid.UUID, msgType MessageType, payload []byte) ([]byte, error)

// Transport delivers byte payloads between logical members.
type Transport interface {
	ID() uuid.UUID
	Register(partition PartitionID, handler Handler)
	Unregister(partition PartitionID)
	SendAndReceive(ctx context.Context, to uuid.UUID, partition PartitionID, msgType MessageType, payload []byte) ([]byte, error)
	// Unicast sends a one-way message, no response is expected.
	Unicast(to uuid.UUID, partition PartitionID, msgType MessageType, payload []byte) error
	Close() error
}
