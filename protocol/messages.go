package protocol

import (
	"errors"
	"github.com/google/uuid"
	"github.com/sushantsondhi/partraft/common"
)

// Message is the closed set of RPC payloads. Every request and response
// type below implements it, and NewRequest / NewResponse enumerate them.
type Message interface {
	Type() common.MessageType
}

// Response is a Message carrying a ResponseHeader.
type Response interface {
	Message
	Header() *ResponseHeader
}

// ResponseHeader is embedded in every response.
type ResponseHeader struct {
	Status  Status
	Error   ErrorType
	Message string
	Leader  uuid.UUID
}

func (h *ResponseHeader) Header() *ResponseHeader { return h }

// Fail marks the response as failed with err.
func (h *ResponseHeader) Fail(err error) {
	h.Status = StatusError
	h.Error = TypeOf(err)
	h.Message = err.Error()
	var raftErr *RaftError
	if errors.As(err, &raftErr) {
		h.Message = raftErr.Message
		h.Leader = raftErr.Leader
	}
}

// Err rebuilds the error carried by the header, nil if the response is OK.
func (h *ResponseHeader) Err() error {
	if h.Status == StatusOK {
		return nil
	}
	return &RaftError{Type: h.Error, Message: h.Message, Leader: h.Leader}
}

type OpenSessionRequest struct {
	Client uuid.UUID
	// Timeout in milliseconds after which a silent session is expired.
	Timeout int64
}

type OpenSessionResponse struct {
	ResponseHeader
	Session uint64
	Timeout int64
	Members []common.Server
}

type CloseSessionRequest struct {
	Session uint64
}

type CloseSessionResponse struct {
	ResponseHeader
}

type KeepAliveRequest struct {
	Session uint64
	// CommandSequence is the highest sequence for which the client received a result.
	CommandSequence uint64
	// EventIndex is the highest event batch index the client received.
	EventIndex uint64
}

type KeepAliveResponse struct {
	ResponseHeader
	Members []common.Server
}

type QueryRequest struct {
	Session     uint64
	Sequence    uint64
	Index       uint64
	Consistency Consistency
	Data        []byte
}

type QueryResponse struct {
	ResponseHeader
	Index  uint64
	Result []byte
}

type CommandRequest struct {
	Session  uint64
	Sequence uint64
	Data     []byte
}

type CommandResponse struct {
	ResponseHeader
	Index      uint64
	EventIndex uint64
	Result     []byte
}

type MetadataRequest struct {
	// Session is optional, it only identifies the caller in logs.
	Session uint64
}

type SessionMetadata struct {
	ID      uint64
	Client  uuid.UUID
	Timeout int64
}

type MetadataResponse struct {
	ResponseHeader
	Term     uint64
	Members  []common.Server
	Sessions []SessionMetadata
}

type JoinRequest struct {
	Member common.Server
}

type JoinResponse struct {
	ResponseHeader
	Index   uint64
	Term    uint64
	Members []common.Server
}

type LeaveRequest struct {
	Member common.Server
}

type LeaveResponse struct {
	ResponseHeader
	Index   uint64
	Term    uint64
	Members []common.Server
}

// ConfigureRequest announces a committed configuration to a member.
type ConfigureRequest struct {
	Term    uint64
	Leader  uuid.UUID
	Index   uint64
	Members []common.Server
}

type ConfigureResponse struct {
	ResponseHeader
	Term uint64
}

// ReconfigureRequest replaces Leave with Join, keeping the member count.
type ReconfigureRequest struct {
	Leave common.Server
	Join  common.Server
}

type ReconfigureResponse struct {
	ResponseHeader
	Index   uint64
	Term    uint64
	Members []common.Server
}

// InstallRequest carries one chunk of a snapshot.
type InstallRequest struct {
	Term         uint64
	Leader       uuid.UUID
	Index        uint64
	SnapshotTerm uint64
	Members      []common.Server
	ConfigIndex  uint64
	Offset       int
	Data         []byte
	Complete     bool
	// Checksum is the crc32 of the whole snapshot, sent with every chunk.
	Checksum uint32
}

type InstallResponse struct {
	ResponseHeader
	Term uint64
}

// TransferRequest asks the leader to hand off leadership to Member.
// Sent by the leader to Member itself, it starts an election immediately.
type TransferRequest struct {
	Member uuid.UUID
	Term   uint64
}

type TransferResponse struct {
	ResponseHeader
}

// PollRequest is a pre-vote probe, it never changes the receiver's term or vote.
type PollRequest struct {
	Term         uint64
	Candidate    uuid.UUID
	LastLogIndex uint64
	LastLogTerm  uint64
}

type PollResponse struct {
	ResponseHeader
	Term     uint64
	Accepted bool
}

type VoteRequest struct {
	Term         uint64
	Candidate    uuid.UUID
	LastLogIndex uint64
	LastLogTerm  uint64
}

type VoteResponse struct {
	ResponseHeader
	Term  uint64
	Voted bool
}

type AppendRequest struct {
	Term         uint64
	Leader       uuid.UUID
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []common.LogEntry
	CommitIndex  uint64
}

type AppendResponse struct {
	ResponseHeader
	Term      uint64
	Succeeded bool
	// LastLogIndex hints where the leader should resume after a rejection.
	LastLogIndex uint64
}

// HeartbeatRequest is a leadership confirmation round used by linearizable reads.
type HeartbeatRequest struct {
	Term        uint64
	Leader      uuid.UUID
	CommitIndex uint64
}

type HeartbeatResponse struct {
	ResponseHeader
	Term uint64
}

// PublishRequest delivers one event batch to a session's client.
type PublishRequest struct {
	Session       uint64
	EventIndex    uint64
	PreviousIndex uint64
	Events        [][]byte
}

// ResetRequest asks the server to resend every event batch after Index.
type ResetRequest struct {
	Session uint64
	Index   uint64
}

func (*OpenSessionRequest) Type() common.MessageType   { return OpenSessionType }
func (*OpenSessionResponse) Type() common.MessageType  { return OpenSessionType }
func (*CloseSessionRequest) Type() common.MessageType  { return CloseSessionType }
func (*CloseSessionResponse) Type() common.MessageType { return CloseSessionType }
func (*KeepAliveRequest) Type() common.MessageType     { return KeepAliveType }
func (*KeepAliveResponse) Type() common.MessageType    { return KeepAliveType }
func (*QueryRequest) Type() common.MessageType         { return QueryType }
func (*QueryResponse) Type() common.MessageType        { return QueryType }
func (*CommandRequest) Type() common.MessageType       { return CommandType }
func (*CommandResponse) Type() common.MessageType      { return CommandType }
func (*MetadataRequest) Type() common.MessageType      { return MetadataType }
func (*MetadataResponse) Type() common.MessageType     { return MetadataType }
func (*JoinRequest) Type() common.MessageType          { return JoinType }
func (*JoinResponse) Type() common.MessageType         { return JoinType }
func (*LeaveRequest) Type() common.MessageType         { return LeaveType }
func (*LeaveResponse) Type() common.MessageType        { return LeaveType }
func (*ConfigureRequest) Type() common.MessageType     { return ConfigureType }
func (*ConfigureResponse) Type() common.MessageType    { return ConfigureType }
func (*ReconfigureRequest) Type() common.MessageType   { return ReconfigureType }
func (*ReconfigureResponse) Type() common.MessageType  { return ReconfigureType }
func (*InstallRequest) Type() common.MessageType       { return InstallType }
func (*InstallResponse) Type() common.MessageType      { return InstallType }
func (*TransferRequest) Type() common.MessageType      { return TransferType }
func (*TransferResponse) Type() common.MessageType     { return TransferType }
func (*PollRequest) Type() common.MessageType          { return PollType }
func (*PollResponse) Type() common.MessageType         { return PollType }
func (*VoteRequest) Type() common.MessageType          { return VoteType }
func (*VoteResponse) Type() common.MessageType         { return VoteType }
func (*AppendRequest) Type() common.MessageType        { return AppendType }
func (*AppendResponse) Type() common.MessageType       { return AppendType }
func (*HeartbeatRequest) Type() common.MessageType     { return HeartbeatType }
func (*HeartbeatResponse) Type() common.MessageType    { return HeartbeatType }
func (*PublishRequest) Type() common.MessageType       { return PublishType }
func (*ResetRequest) Type() common.MessageType         { return ResetType }
