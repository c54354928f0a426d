package persistent

// Bolt is a pure Go key/value store  that don't require a full database server such as Postgres or MySQL
import (
	"errors"
	"fmt"
	"github.com/boltdb/bolt"
	"github.com/sushantsondhi/partraft/common"
)

var logsBucketName = []byte("logs")

// ErrNotFound is returned when an index is not (or no longer) in the log.
var ErrNotFound = errors.New("[Get]: index doesn't exist")

// DbLogStore is a log store implementation backed by a Bolt DB.
// Keys are big-endian indexes so bolt's ordered cursor walks the log in order.
type DbLogStore struct {
	db *bolt.DB
}

var _ common.LogStore = &DbLogStore{}

func CreateDbLogStore(dataBaseFilePath string) (*DbLogStore, error) {
	// Open the .db data file.
	// It will be created if it doesn't exist.
	db, err := bolt.Open(dataBaseFilePath, 0600, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(logsBucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &DbLogStore{
		db: db,
	}, nil
}

func (d *DbLogStore) Append(entries ...common.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(logsBucketName)
		next := entries[0].Index
		if k, _ := bucket.Cursor().Last(); k != nil && bytesToUint64(k)+1 != next {
			return fmt.Errorf("[Append]: can't append index %d after %d", next, bytesToUint64(k))
		}
		for _, entry := range entries {
			if entry.Index != next {
				return fmt.Errorf("[Append]: entries are not contiguous at index %d", entry.Index)
			}
			val, err := EncodeToBytes(entry)
			if err != nil {
				return err
			}
			if err := bucket.Put(uint64ToBytes(entry.Index), val); err != nil {
				return err
			}
			next++
		}
		return nil
	})
}

func (d *DbLogStore) Get(index uint64) (*common.LogEntry, error) {
	var entry common.LogEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(logsBucketName).Get(uint64ToBytes(index))
		if val == nil {
			return ErrNotFound
		}
		var err error
		entry, err = DecodeToLogEntry(val)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (d *DbLogStore) Entries(from, to uint64) ([]common.LogEntry, error) {
	var entries []common.LogEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(logsBucketName).Cursor()
		for k, v := c.Seek(uint64ToBytes(from)); k != nil && bytesToUint64(k) < to; k, v = c.Next() {
			entry, err := DecodeToLogEntry(v)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

func (d *DbLogStore) FirstIndex() (uint64, error) {
	var index uint64
	err := d.db.View(func(tx *bolt.Tx) error {
		if k, _ := tx.Bucket(logsBucketName).Cursor().First(); k != nil {
			index = bytesToUint64(k)
		}
		return nil
	})
	return index, err
}

func (d *DbLogStore) LastIndex() (uint64, error) {
	var index uint64
	err := d.db.View(func(tx *bolt.Tx) error {
		if k, _ := tx.Bucket(logsBucketName).Cursor().Last(); k != nil {
			index = bytesToUint64(k)
		}
		return nil
	})
	return index, err
}

func (d *DbLogStore) Truncate(from uint64) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(logsBucketName)
		var keys [][]byte
		c := bucket.Cursor()
		for k, _ := c.Seek(uint64ToBytes(from)); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		return deleteKeys(bucket, keys)
	})
}

func (d *DbLogStore) Compact(through uint64) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(logsBucketName)
		var keys [][]byte
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil && bytesToUint64(k) <= through; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		return deleteKeys(bucket, keys)
	})
}

func (d *DbLogStore) Close() error {
	return d.db.Close()
}

// deleting while iterating a bolt cursor skips keys, so callers collect first
func deleteKeys(bucket *bolt.Bucket, keys [][]byte) error {
	for _, k := range keys {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
