package persistent

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"github.com/sushantsondhi/partraft/common"
)

func EncodeToBytes(p interface{}) ([]byte, error) {
	buf := bytes.Buffer{}
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeToLogEntry(s []byte) (common.LogEntry, error) {
	entry := common.LogEntry{}
	dec := gob.NewDecoder(bytes.NewReader(s))
	err := dec.Decode(&entry)
	return entry, err
}

func DecodeToSnapshot(s []byte) (common.Snapshot, error) {
	snapshot := common.Snapshot{}
	dec := gob.NewDecoder(bytes.NewReader(s))
	err := dec.Decode(&snapshot)
	return snapshot, err
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func uint64ToBytes(u uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, u)
	return buf
}
