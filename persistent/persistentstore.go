package persistent

import (
	"errors"
	"github.com/boltdb/bolt"
	"github.com/sushantsondhi/partraft/common"
	"sort"
)

var stateBucketName = []byte("state")

// ErrKeyNotFound is returned by Get for keys that were never set.
var ErrKeyNotFound = errors.New("[Get]: key doesn't exist")

// PStore keeps a partition's hard state in a single bolt bucket.
type PStore struct {
	db *bolt.DB
}

var _ common.PersistentStore = PStore{}

func NewPStore(dataBaseFilePath string) (PStore, error) {
	db, err := bolt.Open(dataBaseFilePath, 0600, nil)
	if err != nil {
		return PStore{}, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucketName)
		return err
	})
	if err != nil {
		db.Close()
		return PStore{}, err
	}
	return PStore{db: db}, nil
}

func (store PStore) Set(key, value []byte) error {
	return store.SetAll(map[string][]byte{string(key): value})
}

// SetAll writes every pair in one transaction, so after a crash either all
// of them or none are visible.
func (store PStore) SetAll(values map[string][]byte) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return store.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(stateBucketName)
		for _, key := range keys {
			if err := bucket.Put([]byte(key), values[key]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (store PStore) Get(key []byte) ([]byte, error) {
	var val []byte
	err := store.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(stateBucketName).Get(key)
		if v == nil {
			return ErrKeyNotFound
		}
		// bolt values are only valid for the life of the transaction
		val = append([]byte(nil), v...)
		return nil
	})
	return val, err
}

// GetDefault returns the value of key, storing defaultVal first if the key is unset.
func (store PStore) GetDefault(key []byte, defaultVal []byte) ([]byte, error) {
	var val []byte
	err := store.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(stateBucketName)
		if v := bucket.Get(key); v != nil {
			val = append([]byte(nil), v...)
			return nil
		}
		val = defaultVal
		return bucket.Put(key, defaultVal)
	})
	return val, err
}

func (store PStore) Close() error {
	return store.db.Close()
}
