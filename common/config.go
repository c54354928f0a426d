package common

import (
	"errors"
	"fmt"
	"github.com/google/uuid"
	"time"
)

// ServerAddress represents a network address of a raft server (hostname:port)
type ServerAddress string

// PartitionID identifies one independent raft group.
type PartitionID uint32

type Server struct {
	ID         uuid.UUID
	NetAddress ServerAddress
}

// ClusterConfig specifies configuration information related to a
// raft cluster. This includes tunable properties of the Raft
// protocol itself such as different timeouts.
type ClusterConfig struct {
	Cluster          []Server
	HeartBeatTimeout time.Duration
	ElectionTimeout  time.Duration
	// RequestTimeout bounds how long a client request waits for commit.
	RequestTimeout time.Duration
	// Partitions is the number of independent raft groups hosted by every server.
	Partitions int
	// SnapshotThreshold is the number of applied entries after which the log is compacted.
	SnapshotThreshold uint64
	// SnapshotChunkSize is the maximum number of snapshot bytes per InstallRequest.
	SnapshotChunkSize int
	// MaxEntriesPerAppend limits the batch size of one AppendRequest.
	MaxEntriesPerAppend int
}

// DefaultClusterConfig returns a config with sane timeouts for the given servers.
func DefaultClusterConfig(servers []Server) ClusterConfig {
	return ClusterConfig{
		Cluster:             servers,
		HeartBeatTimeout:    50 * time.Millisecond,
		ElectionTimeout:     200 * time.Millisecond,
		RequestTimeout:      5 * time.Second,
		Partitions:          1,
		SnapshotThreshold:   1024,
		SnapshotChunkSize:   64 * 1024,
		MaxEntriesPerAppend: 64,
	}
}

func (c ClusterConfig) Validate() error {
	if len(c.Cluster) == 0 {
		return errors.New("cluster must contain at least one server")
	}
	seen := make(map[uuid.UUID]bool, len(c.Cluster))
	for _, server := range c.Cluster {
		if seen[server.ID] {
			return fmt.Errorf("duplicate server id: %v", server.ID)
		}
		seen[server.ID] = true
	}
	if c.HeartBeatTimeout <= 0 || c.ElectionTimeout <= 0 {
		return errors.New("heartbeat and election timeouts must be positive")
	}
	if c.HeartBeatTimeout >= c.ElectionTimeout {
		return fmt.Errorf("heartbeat timeout (%v) must be smaller than election timeout (%v)", c.HeartBeatTimeout, c.ElectionTimeout)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}
	if c.SnapshotChunkSize <= 0 || c.MaxEntriesPerAppend <= 0 {
		return errors.New("snapshot chunk size and append batch size must be positive")
	}
	if c.Partitions < 1 {
		return fmt.Errorf("invalid number of partitions: %d", c.Partitions)
	}
	return nil
}

// Lookup returns the server with the given id.
func (c ClusterConfig) Lookup(id uuid.UUID) (Server, bool) {
	for _, server := range c.Cluster {
		if server.ID == id {
			return server, true
		}
	}
	return Server{}, false
}
