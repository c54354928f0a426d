package persistent

import (
	"encoding/binary"
	"errors"
	"github.com/boltdb/bolt"
	"github.com/sushantsondhi/partraft/common"
	"hash/crc32"
)

var (
	snapshotsBucketName = []byte("snapshots")
	latestKey           = []byte("latest")
	checksumKey         = []byte("checksum")

	ErrCRCMismatch = errors.New("snapshot: crc mismatch")

	crcTable = crc32.MakeTable(crc32.Castagnoli)
)

// Checksum is the crc32 (Castagnoli) used for snapshots on disk and on the wire.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// DbSnapshotStore keeps the latest snapshot of a partition in a Bolt DB.
type DbSnapshotStore struct {
	db *bolt.DB
}

var _ common.SnapshotStore = &DbSnapshotStore{}

func CreateDbSnapshotStore(dataBaseFilePath string) (*DbSnapshotStore, error) {
	db, err := bolt.Open(dataBaseFilePath, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotsBucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &DbSnapshotStore{db: db}, nil
}

func (s *DbSnapshotStore) Save(snapshot common.Snapshot) error {
	val, err := EncodeToBytes(snapshot)
	if err != nil {
		return err
	}
	sum := make([]byte, 4)
	binary.BigEndian.PutUint32(sum, Checksum(val))
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(snapshotsBucketName)
		if err := bucket.Put(latestKey, val); err != nil {
			return err
		}
		return bucket.Put(checksumKey, sum)
	})
}

func (s *DbSnapshotStore) Latest() (*common.Snapshot, error) {
	var snapshot *common.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(snapshotsBucketName)
		val := bucket.Get(latestKey)
		if val == nil {
			return nil
		}
		sum := bucket.Get(checksumKey)
		if len(sum) != 4 || binary.BigEndian.Uint32(sum) != Checksum(val) {
			return ErrCRCMismatch
		}
		decoded, err := DecodeToSnapshot(val)
		if err != nil {
			return err
		}
		snapshot = &decoded
		return nil
	})
	return snapshot, err
}

func (s *DbSnapshotStore) Close() error {
	return s.db.Close()
}

// MemSnapshotStore keeps the latest snapshot in memory.
type MemSnapshotStore struct {
	latest *common.Snapshot
}

var _ common.SnapshotStore = &MemSnapshotStore{}

func (s *MemSnapshotStore) Save(snapshot common.Snapshot) error {
	s.latest = &snapshot
	return nil
}

func (s *MemSnapshotStore) Latest() (*common.Snapshot, error) {
	return s.latest, nil
}

func (s *MemSnapshotStore) Close() error {
	return nil
}
