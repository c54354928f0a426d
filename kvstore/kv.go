package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/sushantsondhi/partraft/client"
	"github.com/sushantsondhi/partraft/common"
	"github.com/sushantsondhi/partraft/partition"
	"github.com/sushantsondhi/partraft/protocol"
	"go.uber.org/multierr"
	"log"
	"sort"
	"sync"
	"time"
)

// KVStore implements a simple key-value store over the partitioned Raft
// implementation. Keys are spread over the partitions and the store holds
// one client session per partition. It is intended to be used as a library
// by the clients and is thread-safe.
type KVStore struct {
	partitions int
	sessions   map[common.PartitionID]*client.Session

	mu       sync.Mutex
	watchers map[string][]func(Event)
}

// Options configures the sessions a KVStore opens.
type Options struct {
	// Timeout is the session timeout requested from every partition.
	Timeout time.Duration
	// Codec must match the one the servers use, gob when nil.
	Codec protocol.Codec
}

// NewKeyValStore opens a session with every partition of the cluster.
func NewKeyValStore(ctx context.Context, servers []common.Server, partitions int, transport common.Transport, options Options) (store *KVStore, err error) {
	store = &KVStore{
		partitions: partitions,
		sessions:   make(map[common.PartitionID]*client.Session),
		watchers:   make(map[string][]func(Event)),
	}
	for i := 1; i <= partitions; i++ {
		id := common.PartitionID(i)
		session, openErr := client.Open(ctx, transport, id, servers, client.Options{
			Timeout:  options.Timeout,
			Listener: store.dispatch,
			Codec:    options.Codec,
		})
		if openErr != nil {
			err = multierr.Combine(fmt.Errorf("partition %d: %w", id, openErr), store.Close(ctx))
			return nil, err
		}
		store.sessions[id] = session
	}
	return store, nil
}

func (kv *KVStore) session(key string) *client.Session {
	return kv.sessions[partition.ForKey(key, kv.partitions)]
}

func (kv *KVStore) command(ctx context.Context, request Request) ([]byte, error) {
	bytes, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	result, err := kv.session(request.Key).Command(ctx, bytes)
	return result, translate(err)
}

// translate turns a failure of the state machine back into ErrKeyNotFound.
func translate(err error) error {
	var raftErr *protocol.RaftError
	if errors.As(err, &raftErr) && raftErr.Message == ErrKeyNotFound.Error() {
		return ErrKeyNotFound
	}
	return err
}

// Set method can be used to add or update key-value pair in the store.
func (kv *KVStore) Set(ctx context.Context, key, val string) error {
	_, err := kv.command(ctx, Request{Type: Set, Key: key, Val: val})
	return err
}

// Delete removes key, it returns ErrKeyNotFound if it was not present.
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	_, err := kv.command(ctx, Request{Type: Delete, Key: key})
	return err
}

// Get method can be used to get the value corresponding to the given key
// in the store. The read is linearizable.
func (kv *KVStore) Get(ctx context.Context, key string) (string, error) {
	return kv.GetWithConsistency(ctx, key, protocol.Linearizable)
}

func (kv *KVStore) GetWithConsistency(ctx context.Context, key string, consistency protocol.Consistency) (string, error) {
	bytes, err := json.Marshal(Request{Type: Get, Key: key})
	if err != nil {
		return "", err
	}
	val, err := kv.session(key).Query(ctx, bytes, consistency)
	if err != nil {
		return "", translate(err)
	}
	return string(val), nil
}

// Keys lists the keys starting with prefix across all partitions, sorted.
func (kv *KVStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	bytes, err := json.Marshal(Request{Type: Keys, Key: prefix})
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, session := range kv.sessions {
		result, err := session.Query(ctx, bytes, protocol.Linearizable)
		if err != nil {
			return nil, err
		}
		var part []string
		if err := json.Unmarshal(result, &part); err != nil {
			return nil, err
		}
		keys = append(keys, part...)
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch calls fn for every change of key until Unwatch is called.
func (kv *KVStore) Watch(ctx context.Context, key string, fn func(Event)) error {
	kv.mu.Lock()
	kv.watchers[key] = append(kv.watchers[key], fn)
	first := len(kv.watchers[key]) == 1
	kv.mu.Unlock()
	if !first {
		return nil
	}
	if _, err := kv.command(ctx, Request{Type: Watch, Key: key}); err != nil {
		kv.mu.Lock()
		delete(kv.watchers, key)
		kv.mu.Unlock()
		return err
	}
	return nil
}

// Unwatch drops every watcher of key.
func (kv *KVStore) Unwatch(ctx context.Context, key string) error {
	kv.mu.Lock()
	delete(kv.watchers, key)
	kv.mu.Unlock()
	_, err := kv.command(ctx, Request{Type: Unwatch, Key: key})
	return err
}

func (kv *KVStore) dispatch(data []byte) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		log.Printf("kvstore: malformed event: %+v\n", err)
		return
	}
	kv.mu.Lock()
	watchers := append([]func(Event){}, kv.watchers[event.Key]...)
	kv.mu.Unlock()
	for _, fn := range watchers {
		fn(event)
	}
}

// Indexes returns, per partition, the highest log index the store has observed.
func (kv *KVStore) Indexes() map[common.PartitionID]uint64 {
	indexes := make(map[common.PartitionID]uint64, len(kv.sessions))
	for id, session := range kv.sessions {
		indexes[id] = session.Index()
	}
	return indexes
}

// Close closes every session of the store.
func (kv *KVStore) Close(ctx context.Context) error {
	var err error
	for id, session := range kv.sessions {
		err = multierr.Append(err, session.Close(ctx))
		delete(kv.sessions, id)
	}
	return err
}
