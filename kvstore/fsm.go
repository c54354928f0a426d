package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"github.com/google/btree"
	"github.com/sushantsondhi/partraft/common"
	"sort"
	"strings"
)

type RequestType int

const (
	Set RequestType = iota
	Get
	Delete
	Watch
	Unwatch
	Keys
)

// Request is the JSON payload of every command and query of the store.
type Request struct {
	Type RequestType
	Key  string
	Val  string
}

const (
	SetEvent    = "set"
	DeleteEvent = "delete"
)

// Event is published to the sessions watching Key.
type Event struct {
	Type string
	Key  string
	Val  string
}

var ErrKeyNotFound = errors.New("key does not exist")

type kvItem struct {
	key, val string
}

func (a kvItem) Less(b btree.Item) bool {
	return a.key < b.(kvItem).key
}

// KeyValFSM is the implementation of the common.StateMachine interface
// for the key-value store. Keys are kept ordered in a btree so prefix
// listings need no sorting.
type KeyValFSM struct {
	store *btree.BTree
	// watchers maps a key to the sessions watching it
	watchers map[string]map[uint64]bool
}

var _ common.StateMachine = &KeyValFSM{}

func NewKeyValFSM() *KeyValFSM {
	return &KeyValFSM{
		store:    btree.New(32),
		watchers: make(map[string]map[uint64]bool),
	}
}

func (fsm *KeyValFSM) Apply(commit common.Commit, publisher common.Publisher) ([]byte, error) {
	var request Request
	if err := json.Unmarshal(commit.Data, &request); err != nil {
		return nil, err
	}
	switch request.Type {
	case Set:
		fsm.store.ReplaceOrInsert(kvItem{key: request.Key, val: request.Val})
		fsm.notify(publisher, Event{Type: SetEvent, Key: request.Key, Val: request.Val})
		return nil, nil
	case Delete:
		if fsm.store.Delete(kvItem{key: request.Key}) == nil {
			return nil, ErrKeyNotFound
		}
		fsm.notify(publisher, Event{Type: DeleteEvent, Key: request.Key})
		return nil, nil
	case Watch:
		if fsm.watchers[request.Key] == nil {
			fsm.watchers[request.Key] = make(map[uint64]bool)
		}
		fsm.watchers[request.Key][commit.Session] = true
		return nil, nil
	case Unwatch:
		fsm.unwatch(request.Key, commit.Session)
		return nil, nil
	}
	return fsm.read(request)
}

func (fsm *KeyValFSM) Query(data []byte) ([]byte, error) {
	var request Request
	if err := json.Unmarshal(data, &request); err != nil {
		return nil, err
	}
	return fsm.read(request)
}

func (fsm *KeyValFSM) read(request Request) ([]byte, error) {
	switch request.Type {
	case Get:
		item := fsm.store.Get(kvItem{key: request.Key})
		if item == nil {
			return nil, ErrKeyNotFound
		}
		return []byte(item.(kvItem).val), nil
	case Keys:
		// Key is a prefix here
		keys := []string{}
		fsm.store.AscendGreaterOrEqual(kvItem{key: request.Key}, func(i btree.Item) bool {
			key := i.(kvItem).key
			if !strings.HasPrefix(key, request.Key) {
				return false
			}
			keys = append(keys, key)
			return true
		})
		return json.Marshal(keys)
	}
	return nil, fmt.Errorf("unsupported request type %d", request.Type)
}

func (fsm *KeyValFSM) notify(publisher common.Publisher, event Event) {
	sessions := fsm.watchers[event.Key]
	if len(sessions) == 0 {
		return
	}
	bytes, err := json.Marshal(event)
	if err != nil {
		return
	}
	// sessions in ascending order so every server publishes identically
	ids := make([]uint64, 0, len(sessions))
	for id := range sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		publisher.Publish(id, bytes)
	}
}

func (fsm *KeyValFSM) unwatch(key string, session uint64) {
	delete(fsm.watchers[key], session)
	if len(fsm.watchers[key]) == 0 {
		delete(fsm.watchers, key)
	}
}

func (fsm *KeyValFSM) CloseSession(session uint64) {
	for key := range fsm.watchers {
		fsm.unwatch(key, session)
	}
}

type kvSnapshot struct {
	Data     map[string]string
	Watchers map[string][]uint64
}

func (fsm *KeyValFSM) Snapshot() ([]byte, error) {
	snapshot := kvSnapshot{
		Data:     make(map[string]string, fsm.store.Len()),
		Watchers: make(map[string][]uint64, len(fsm.watchers)),
	}
	fsm.store.Ascend(func(i btree.Item) bool {
		item := i.(kvItem)
		snapshot.Data[item.key] = item.val
		return true
	})
	for key, sessions := range fsm.watchers {
		for id := range sessions {
			snapshot.Watchers[key] = append(snapshot.Watchers[key], id)
		}
	}
	return json.Marshal(snapshot)
}

func (fsm *KeyValFSM) Restore(data []byte) error {
	var snapshot kvSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	fsm.store.Clear(false)
	for key, val := range snapshot.Data {
		fsm.store.ReplaceOrInsert(kvItem{key: key, val: val})
	}
	fsm.watchers = make(map[string]map[uint64]bool, len(snapshot.Watchers))
	for key, ids := range snapshot.Watchers {
		fsm.watchers[key] = make(map[uint64]bool, len(ids))
		for _, id := range ids {
			fsm.watchers[key][id] = true
		}
	}
	return nil
}
