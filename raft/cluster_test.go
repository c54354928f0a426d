package raft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushantsondhi/partraft/common"
	"github.com/sushantsondhi/partraft/persistent"
	"github.com/sushantsondhi/partraft/protocol"
	"github.com/sushantsondhi/partraft/rpc"
	"go.uber.org/atomic"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const testPartition common.PartitionID = 1

// listFSM records every applied command. Commands starting with "event:"
// also publish their payload to the issuing session.
type listFSM struct {
	mu      sync.Mutex
	Entries []string
	closed  []uint64
}

func (fsm *listFSM) Apply(commit common.Commit, publisher common.Publisher) ([]byte, error) {
	fsm.mu.Lock()
	defer fsm.mu.Unlock()
	data := string(commit.Data)
	if data == "fail" {
		return nil, errors.New("refused")
	}
	fsm.Entries = append(fsm.Entries, data)
	if strings.HasPrefix(data, "event:") {
		publisher.Publish(commit.Session, []byte(strings.TrimPrefix(data, "event:")))
	}
	return []byte(fmt.Sprintf("%d", len(fsm.Entries))), nil
}

func (fsm *listFSM) Query(data []byte) ([]byte, error) {
	fsm.mu.Lock()
	defer fsm.mu.Unlock()
	return []byte(strings.Join(fsm.Entries, ",")), nil
}

func (fsm *listFSM) CloseSession(session uint64) {
	fsm.mu.Lock()
	fsm.closed = append(fsm.closed, session)
	fsm.mu.Unlock()
}

func (fsm *listFSM) Snapshot() ([]byte, error) {
	fsm.mu.Lock()
	defer fsm.mu.Unlock()
	return json.Marshal(fsm.Entries)
}

func (fsm *listFSM) Restore(data []byte) error {
	fsm.mu.Lock()
	defer fsm.mu.Unlock()
	fsm.Entries = nil
	return json.Unmarshal(data, &fsm.Entries)
}

func (fsm *listFSM) closedSessions() []uint64 {
	fsm.mu.Lock()
	defer fsm.mu.Unlock()
	return append([]uint64(nil), fsm.closed...)
}

func (fsm *listFSM) entries() []string {
	fsm.mu.Lock()
	defer fsm.mu.Unlock()
	return append([]string(nil), fsm.Entries...)
}

// faultyLogStore fails every Append once broken is set.
type faultyLogStore struct {
	common.LogStore
	broken *atomic.Bool
}

func (f *faultyLogStore) Append(entries ...common.LogEntry) error {
	if f.broken.Load() {
		return errors.New("disk on fire")
	}
	return f.LogStore.Append(entries...)
}

// faultyPStore fails every write once broken is set.
type faultyPStore struct {
	common.PersistentStore
	broken *atomic.Bool
}

func (f *faultyPStore) Set(key, value []byte) error {
	return f.SetAll(map[string][]byte{string(key): value})
}

func (f *faultyPStore) SetAll(values map[string][]byte) error {
	if f.broken.Load() {
		return errors.New("state file is read-only")
	}
	return f.PersistentStore.SetAll(values)
}

// appendRecorder keeps the AppendRequests delivered to one server.
type appendRecorder struct {
	common.Transport
	mu       sync.Mutex
	requests []protocol.AppendRequest
}

func (r *appendRecorder) Register(partition common.PartitionID, handler common.Handler) {
	r.Transport.Register(partition, func(ctx context.Context, from uuid.UUID, t common.MessageType, payload []byte) ([]byte, error) {
		if t == protocol.AppendType {
			var request protocol.AppendRequest
			if err := (protocol.GobCodec{}).Decode(payload, &request); err == nil {
				r.mu.Lock()
				r.requests = append(r.requests, request)
				r.mu.Unlock()
			}
		}
		return handler(ctx, from, t, payload)
	})
}

// from returns the recorded requests sent by leader.
func (r *appendRecorder) from(leader uuid.UUID) []protocol.AppendRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var requests []protocol.AppendRequest
	for _, request := range r.requests {
		if request.Leader == leader {
			requests = append(requests, request)
		}
	}
	return requests
}

type testCluster struct {
	t          *testing.T
	network    *rpc.LocalNetwork
	configs    []common.ClusterConfig
	members    []common.Server
	dirs       []string
	servers    []*RaftServer
	fsms       []*listFSM
	transports []*rpc.LocalTransport
	broken     []*atomic.Bool
	// stateBroken breaks the persistent store, broken the log store
	stateBroken []*atomic.Bool
	recorders   map[int]*appendRecorder
}

func generateClusterConfig(n int) common.ClusterConfig {
	var servers []common.Server
	for i := 0; i < n; i++ {
		servers = append(servers, common.Server{
			ID:         uuid.New(),
			NetAddress: common.ServerAddress(fmt.Sprintf("local:%d", i)),
		})
	}
	config := common.DefaultClusterConfig(servers)
	config.RequestTimeout = 2 * time.Second
	return config
}

// makeRaftCluster starts one server per config, server i being configs[i].Cluster[i].
func makeRaftCluster(t *testing.T, configs ...common.ClusterConfig) *testCluster {
	c := &testCluster{t: t, network: rpc.NewLocalNetwork(), configs: configs, recorders: make(map[int]*appendRecorder)}
	for i := range configs {
		c.members = append(c.members, configs[i].Cluster[i])
		c.dirs = append(c.dirs, t.TempDir())
		c.fsms = append(c.fsms, &listFSM{})
		c.transports = append(c.transports, nil)
		c.servers = append(c.servers, nil)
		c.broken = append(c.broken, atomic.NewBool(false))
		c.stateBroken = append(c.stateBroken, atomic.NewBool(false))
		c.start(i)
	}
	t.Cleanup(c.shutdown)
	return c
}

// addServer starts a server that is not part of config, it only takes part once added to the configuration.
func (c *testCluster) addServer(config common.ClusterConfig) int {
	i := len(c.servers)
	c.members = append(c.members, common.Server{ID: uuid.New(), NetAddress: common.ServerAddress(fmt.Sprintf("local:%d", i))})
	c.configs = append(c.configs, config)
	c.dirs = append(c.dirs, c.t.TempDir())
	c.fsms = append(c.fsms, &listFSM{})
	c.transports = append(c.transports, nil)
	c.servers = append(c.servers, nil)
	c.broken = append(c.broken, atomic.NewBool(false))
	c.stateBroken = append(c.stateBroken, atomic.NewBool(false))
	c.start(i)
	return i
}

// start (re)opens the bolt stores of server i and starts it.
func (c *testCluster) start(i int) {
	t := c.t
	me := c.members[i]
	logStore, err := persistent.CreateDbLogStore(filepath.Join(c.dirs[i], "log.db"))
	require.NoError(t, err)
	pStore, err := persistent.NewPStore(filepath.Join(c.dirs[i], "state.db"))
	require.NoError(t, err)
	snapshotStore, err := persistent.CreateDbSnapshotStore(filepath.Join(c.dirs[i], "snapshot.db"))
	require.NoError(t, err)
	c.fsms[i] = &listFSM{}
	c.transports[i] = c.network.Join(me.ID)
	var transport common.Transport = c.transports[i]
	if recorder, ok := c.recorders[i]; ok {
		recorder.Transport = c.transports[i]
		transport = recorder
	}
	server, err := NewRaftServer(me, testPartition, c.configs[i], c.fsms[i], Storage{
		LogStore:        &faultyLogStore{LogStore: logStore, broken: c.broken[i]},
		PersistentStore: &faultyPStore{PersistentStore: pStore, broken: c.stateBroken[i]},
		SnapshotStore:   snapshotStore,
	}, transport, protocol.GobCodec{})
	require.NoError(t, err)
	c.servers[i] = server
}

// record restarts server i with its incoming AppendRequests recorded.
func (c *testCluster) record(i int) *appendRecorder {
	recorder := &appendRecorder{}
	c.recorders[i] = recorder
	c.stop(i)
	c.start(i)
	return recorder
}

func (c *testCluster) stop(i int) {
	if c.servers[i] == nil {
		return
	}
	assert.NoError(c.t, c.servers[i].Stop())
	c.transports[i].Close()
	c.servers[i] = nil
}

func (c *testCluster) shutdown() {
	for i := range c.servers {
		c.stop(i)
	}
}

func (c *testCluster) status(i int) Status {
	return c.servers[i].Status()
}

// verifyElectionSafetyAndLiveness waits for a leader and checks that no
// term ever has two leaders. It returns the index of the current leader.
func (c *testCluster) verifyElectionSafetyAndLiveness() int {
	leader := -1
	require.Eventually(c.t, func() bool {
		leaders := make(map[uint64][]int)
		var highest uint64
		for i, server := range c.servers {
			if server == nil {
				continue
			}
			status := server.Status()
			if status.State == Leader {
				leaders[status.Term] = append(leaders[status.Term], i)
				if status.Term >= highest {
					highest = status.Term
				}
			}
		}
		for term, ldrs := range leaders {
			assert.LessOrEqualf(c.t, len(ldrs), 1, "multiple leaders for term %d", term)
		}
		if ldrs, ok := leaders[highest]; ok && len(ldrs) == 1 {
			leader = ldrs[0]
			return true
		}
		return false
	}, 5*time.Second, 20*time.Millisecond, "election liveness not satisfied (no leader elected)")
	return leader
}

// waitConverged waits until every running server applied the leader's commit index.
func (c *testCluster) waitConverged(leader int) {
	require.Eventually(c.t, func() bool {
		target := c.status(leader)
		for _, server := range c.servers {
			if server == nil {
				continue
			}
			status := server.Status()
			if status.AppliedIndex < target.CommitIndex || status.LastIndex < target.LastIndex {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond, "servers did not converge")
}

// testClient talks to the cluster over the same local network as the servers.
type testClient struct {
	t       *testing.T
	id      uuid.UUID
	comm    *protocol.Communicator
	session uint64
	seq     uint64

	mu     sync.Mutex
	events []*protocol.PublishRequest
}

func (c *testCluster) newClient() *testClient {
	id := uuid.New()
	client := &testClient{t: c.t, id: id}
	client.comm = protocol.NewCommunicator(testPartition, c.network.Join(id), protocol.GobCodec{})
	client.comm.Register(protocol.PublishType, func(ctx context.Context, from uuid.UUID, message protocol.Message) (protocol.Response, error) {
		client.mu.Lock()
		client.events = append(client.events, message.(*protocol.PublishRequest))
		client.mu.Unlock()
		return nil, nil
	})
	return client
}

func (client *testClient) published() []*protocol.PublishRequest {
	client.mu.Lock()
	defer client.mu.Unlock()
	return append([]*protocol.PublishRequest(nil), client.events...)
}

func (client *testClient) open(to uuid.UUID, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	response, err := client.comm.OpenSession(ctx, to, &protocol.OpenSessionRequest{
		Client:  client.id,
		Timeout: timeout.Milliseconds(),
	})
	require.NoError(client.t, err)
	require.NoError(client.t, response.Err())
	client.session = response.Session
}

// command sends data with an explicit sequence number.
func (client *testClient) command(to uuid.UUID, seq uint64, data string) (*protocol.CommandResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	response, err := client.comm.Command(ctx, to, &protocol.CommandRequest{
		Session:  client.session,
		Sequence: seq,
		Data:     []byte(data),
	})
	if err != nil {
		return nil, err
	}
	return response, response.Err()
}

// next sends data with the next sequence number and requires success.
func (client *testClient) next(to uuid.UUID, data string) *protocol.CommandResponse {
	client.seq++
	response, err := client.command(to, client.seq, data)
	require.NoError(client.t, err)
	return response
}

func (client *testClient) query(to uuid.UUID, index uint64, consistency protocol.Consistency) (*protocol.QueryResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	response, err := client.comm.Query(ctx, to, &protocol.QueryRequest{
		Session:     client.session,
		Index:       index,
		Consistency: consistency,
	})
	if err != nil {
		return nil, err
	}
	return response, response.Err()
}
