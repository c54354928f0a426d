package protocol

import (
	"errors"
	"fmt"
	"github.com/google/uuid"
)

type ErrorType uint8

const (
	NoError ErrorType = iota
	// ProtocolError is a malformed or unroutable message. It is surfaced, never retried.
	ProtocolError
	// NotLeader carries a redirect hint with the current leader, if known.
	NotLeader
	// LogInconsistency is internal: it triggers follower-side truncation.
	LogInconsistency
	UnknownSession
	SessionExpired
	// SnapshotInstall reports a partial or corrupt snapshot transfer.
	SnapshotInstall
	ConfigurationError
	CommandFailure
	QueryFailure
	Timeout
	// Unavailable is returned by a server that lost durability or is shutting down.
	Unavailable
)

func (t ErrorType) String() string {
	switch t {
	case NoError:
		return "none"
	case ProtocolError:
		return "protocol error"
	case NotLeader:
		return "not leader"
	case LogInconsistency:
		return "log inconsistency"
	case UnknownSession:
		return "unknown session"
	case SessionExpired:
		return "session expired"
	case SnapshotInstall:
		return "snapshot install failure"
	case ConfigurationError:
		return "configuration error"
	case CommandFailure:
		return "command failure"
	case QueryFailure:
		return "query failure"
	case Timeout:
		return "timeout"
	case Unavailable:
		return "unavailable"
	}
	return fmt.Sprintf("error(%d)", uint8(t))
}

// RaftError is the error class shared by servers and clients.
// errors.Is matches on Type only, so the sentinels below can be used for checks.
type RaftError struct {
	Type    ErrorType
	Message string
	// Leader is set for NotLeader errors when the leader is known.
	Leader uuid.UUID
}

func (e *RaftError) Error() string {
	if e.Message == "" {
		return "raft: " + e.Type.String()
	}
	return fmt.Sprintf("raft: %s: %s", e.Type, e.Message)
}

func (e *RaftError) Is(target error) bool {
	t, ok := target.(*RaftError)
	return ok && t.Type == e.Type
}

var (
	ErrProtocol         = &RaftError{Type: ProtocolError}
	ErrNotLeader        = &RaftError{Type: NotLeader}
	ErrLogInconsistency = &RaftError{Type: LogInconsistency}
	ErrUnknownSession   = &RaftError{Type: UnknownSession}
	ErrSessionExpired   = &RaftError{Type: SessionExpired}
	ErrSnapshotInstall  = &RaftError{Type: SnapshotInstall}
	ErrConfiguration    = &RaftError{Type: ConfigurationError}
	ErrCommandFailure   = &RaftError{Type: CommandFailure}
	ErrQueryFailure     = &RaftError{Type: QueryFailure}
	ErrTimeout          = &RaftError{Type: Timeout}
	ErrUnavailable      = &RaftError{Type: Unavailable}
)

func NewError(errType ErrorType, format string, args ...interface{}) *RaftError {
	return &RaftError{Type: errType, Message: fmt.Sprintf(format, args...)}
}

// NotLeaderError builds a redirect, leader may be uuid.Nil when unknown.
func NotLeaderError(leader uuid.UUID) *RaftError {
	return &RaftError{Type: NotLeader, Leader: leader}
}

// TypeOf returns the ErrorType carried by err, or ProtocolError for foreign errors.
func TypeOf(err error) ErrorType {
	if err == nil {
		return NoError
	}
	var raftErr *RaftError
	if errors.As(err, &raftErr) {
		return raftErr.Type
	}
	return ProtocolError
}

// Retriable reports whether a client may safely resend the same request elsewhere.
func Retriable(err error) bool {
	switch TypeOf(err) {
	case NotLeader, Timeout, Unavailable:
		return true
	}
	var raftErr *RaftError
	// transport failures are not RaftErrors and are always worth another attempt
	return !errors.As(err, &raftErr)
}
