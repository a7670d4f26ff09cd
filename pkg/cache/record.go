package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Persisted record layout:
//
//	magic    [4]byte  "RSP1"
//	length   uint32   payload length, big endian
//	checksum uint64   xxhash64 of the payload, big endian
//	payload  []byte   msgpack encoded CachedResponse
const recordHeaderSize = 16

var recordMagic = [4]byte{'R', 'S', 'P', '1'}

// EncodeRecord serializes an entry into a self-describing record.
func EncodeRecord(entry *CachedResponse) ([]byte, error) {
	payload, err := msgpack.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	buf := make([]byte, recordHeaderSize+len(payload))
	copy(buf[0:4], recordMagic[:])
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	binary.BigEndian.PutUint64(buf[8:16], xxhash.Sum64(payload))
	copy(buf[recordHeaderSize:], payload)
	return buf, nil
}

// DecodeRecord parses a record produced by EncodeRecord. Any truncation, size
// mismatch or checksum failure returns an error wrapping ErrCorruptRecord.
func DecodeRecord(data []byte) (*CachedResponse, error) {
	if len(data) < recordHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the record header", ErrCorruptRecord, len(data))
	}
	if !bytes.Equal(data[0:4], recordMagic[:]) {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorruptRecord, data[0:4])
	}

	length := binary.BigEndian.Uint32(data[4:8])
	payload := data[recordHeaderSize:]
	if uint64(len(payload)) != uint64(length) {
		return nil, fmt.Errorf("%w: payload is %d bytes, header says %d", ErrCorruptRecord, len(payload), length)
	}
	if sum := xxhash.Sum64(payload); sum != binary.BigEndian.Uint64(data[8:16]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}

	var entry CachedResponse
	if err := msgpack.Unmarshal(payload, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if entry.Key == "" {
		return nil, fmt.Errorf("%w: empty key", ErrCorruptRecord)
	}
	return &entry, nil
}
