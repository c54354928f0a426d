package protocol

import (
	"fmt"
	"github.com/sushantsondhi/partraft/common"
)

const (
	OpenSessionType common.MessageType = iota + 1
	CloseSessionType
	KeepAliveType
	QueryType
	CommandType
	MetadataType
	JoinType
	LeaveType
	ConfigureType
	ReconfigureType
	InstallType
	TransferType
	PollType
	VoteType
	AppendType
	HeartbeatType
	PublishType
	ResetType
)

var typeNames = map[common.MessageType]string{
	OpenSessionType:  "open-session",
	CloseSessionType: "close-session",
	KeepAliveType:    "keep-alive",
	QueryType:        "query",
	CommandType:      "command",
	MetadataType:     "metadata",
	JoinType:         "join",
	LeaveType:        "leave",
	ConfigureType:    "configure",
	ReconfigureType:  "reconfigure",
	InstallType:      "install",
	TransferType:     "transfer",
	PollType:         "poll",
	VoteType:         "vote",
	AppendType:       "append",
	HeartbeatType:    "heartbeat",
	PublishType:      "publish",
	ResetType:        "reset",
}

func TypeName(t common.MessageType) string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("message(%d)", uint8(t))
}

// OneWay reports whether messages of type t expect no response.
func OneWay(t common.MessageType) bool {
	return t == PublishType || t == ResetType
}

// Consistency is the read guarantee requested by a query.
type Consistency uint8

const (
	// Linearizable reads are served by a leader that confirmed its leadership with a quorum.
	Linearizable Consistency = iota
	// Sequential reads are served from any server's applied state once it has caught up
	// with the index the client last observed. They may be stale relative to other clients.
	Sequential
)

type Status uint8

const (
	StatusOK Status = iota
	StatusError
)

// NewRequest returns an empty request of the given type for decoding.
func NewRequest(t common.MessageType) (Message, error) {
	switch t {
	case OpenSessionType:
		return &OpenSessionRequest{}, nil
	case CloseSessionType:
		return &CloseSessionRequest{}, nil
	case KeepAliveType:
		return &KeepAliveRequest{}, nil
	case QueryType:
		return &QueryRequest{}, nil
	case CommandType:
		return &CommandRequest{}, nil
	case MetadataType:
		return &MetadataRequest{}, nil
	case JoinType:
		return &JoinRequest{}, nil
	case LeaveType:
		return &LeaveRequest{}, nil
	case ConfigureType:
		return &ConfigureRequest{}, nil
	case ReconfigureType:
		return &ReconfigureRequest{}, nil
	case InstallType:
		return &InstallRequest{}, nil
	case TransferType:
		return &TransferRequest{}, nil
	case PollType:
		return &PollRequest{}, nil
	case VoteType:
		return &VoteRequest{}, nil
	case AppendType:
		return &AppendRequest{}, nil
	case HeartbeatType:
		return &HeartbeatRequest{}, nil
	case PublishType:
		return &PublishRequest{}, nil
	case ResetType:
		return &ResetRequest{}, nil
	}
	return nil, NewError(ProtocolError, "unknown message type %d", t)
}

// NewResponse returns an empty response of the given type for decoding.
func NewResponse(t common.MessageType) (Response, error) {
	switch t {
	case OpenSessionType:
		return &OpenSessionResponse{}, nil
	case CloseSessionType:
		return &CloseSessionResponse{}, nil
	case KeepAliveType:
		return &KeepAliveResponse{}, nil
	case QueryType:
		return &QueryResponse{}, nil
	case CommandType:
		return &CommandResponse{}, nil
	case MetadataType:
		return &MetadataResponse{}, nil
	case JoinType:
		return &JoinResponse{}, nil
	case LeaveType:
		return &LeaveResponse{}, nil
	case ConfigureType:
		return &ConfigureResponse{}, nil
	case ReconfigureType:
		return &ReconfigureResponse{}, nil
	case InstallType:
		return &InstallResponse{}, nil
	case TransferType:
		return &TransferResponse{}, nil
	case PollType:
		return &PollResponse{}, nil
	case VoteType:
		return &VoteResponse{}, nil
	case AppendType:
		return &AppendResponse{}, nil
	case HeartbeatType:
		return &HeartbeatResponse{}, nil
	}
	return nil, NewError(ProtocolError, "message type %s has no response", TypeName(t))
}
