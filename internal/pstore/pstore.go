// Package pstore is the append-only payload storage of spec.md §4.1,
// grounded on internal/log/store.go's length-prefixed append format:
// where that file appends opaque protobuf Record bytes and locates them
// via a companion mmap index, pstore appends JSON-encoded payload blobs
// and keeps the offset -> position map in memory only; Open rebuilds it
// by replaying the data file.
package pstore

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/arborix/segmentdb/internal/segtypes"
)

const (
	dataFileName = "payloads.dat"
	lenWidth     = 8
)

var enc = binary.BigEndian

// Store is an append-only payload log: Set appends a new record and
// remembers its position, Get reads the most recent record for an
// offset, and Delete/DeleteKey/ClearAllKeys append tombstone or
// narrower overwrite records rather than mutating history in place.
type Store struct {
	mu       sync.Mutex
	file     *os.File
	buf      *bufio.Writer
	size     uint64
	latest   map[segtypes.Offset]uint64 // offset -> position of its most recent record
	tomb     map[segtypes.Offset]bool
}

type record struct {
	Offset    segtypes.Offset    `json:"offset"`
	Tombstone bool               `json:"tombstone,omitempty"`
	Payload   segtypes.Payload   `json:"payload,omitempty"`
}

// Open opens (or creates) the payload store rooted at dir, replaying its
// data file to rebuild the offset -> position map.
func Open(dir string) (*Store, error) {
	f, err := os.OpenFile(filepath.Join(dir, dataFileName), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	s := &Store{
		file:   f,
		buf:    bufio.NewWriter(f),
		latest: make(map[segtypes.Offset]uint64),
		tomb:   make(map[segtypes.Offset]bool),
	}
	if err := s.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) replay() error {
	fi, err := s.file.Stat()
	if err != nil {
		return err
	}
	var pos uint64
	total := uint64(fi.Size())
	for pos < total {
		lenBuf := make([]byte, lenWidth)
		if _, err := s.file.ReadAt(lenBuf, int64(pos)); err != nil {
			return err
		}
		n := enc.Uint64(lenBuf)
		body := make([]byte, n)
		if _, err := s.file.ReadAt(body, int64(pos+lenWidth)); err != nil {
			return err
		}
		var rec record
		if err := json.Unmarshal(body, &rec); err != nil {
			return segtypes.WrapServiceError(err, "pstore: corrupt record at position %d", pos)
		}
		s.latest[rec.Offset] = pos
		s.tomb[rec.Offset] = rec.Tombstone
		pos += lenWidth + n
	}
	s.size = total
	return nil
}

func (s *Store) append(rec record) (pos uint64, err error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}
	pos = s.size
	if err := binary.Write(s.buf, enc, uint64(len(body))); err != nil {
		return 0, err
	}
	if _, err := s.buf.Write(body); err != nil {
		return 0, err
	}
	s.size += lenWidth + uint64(len(body))
	return pos, nil
}

// Set appends payload as the current record for offset, superseding any
// earlier record.
func (s *Store) Set(offset segtypes.Offset, payload segtypes.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, err := s.append(record{Offset: offset, Payload: payload})
	if err != nil {
		return err
	}
	s.latest[offset] = pos
	s.tomb[offset] = false
	return nil
}

// Get returns the current payload for offset, or ok=false if the offset
// has never been written or has been tombstoned.
func (s *Store) Get(offset segtypes.Offset) (segtypes.Payload, bool, error) {
	s.mu.Lock()
	pos, ok := s.latest[offset]
	tomb := s.tomb[offset]
	s.mu.Unlock()
	if !ok || tomb {
		return nil, false, nil
	}
	rec, err := s.readAt(pos)
	if err != nil {
		return nil, false, err
	}
	return rec.Payload, true, nil
}

func (s *Store) readAt(pos uint64) (record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return record{}, err
	}
	lenBuf := make([]byte, lenWidth)
	if _, err := s.file.ReadAt(lenBuf, int64(pos)); err != nil {
		return record{}, err
	}
	n := enc.Uint64(lenBuf)
	body := make([]byte, n)
	if _, err := s.file.ReadAt(body, int64(pos+lenWidth)); err != nil {
		return record{}, err
	}
	var rec record
	if err := json.Unmarshal(body, &rec); err != nil {
		return record{}, err
	}
	return rec, nil
}

// Delete appends a tombstone record for offset (spec.md §4.1
// delete_point / clear_payload over an entire point).
func (s *Store) Delete(offset segtypes.Offset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, err := s.append(record{Offset: offset, Tombstone: true})
	if err != nil {
		return err
	}
	s.latest[offset] = pos
	s.tomb[offset] = true
	return nil
}

// DeleteKey removes the given keys from offset's current payload
// (spec.md §4.1 delete_payload), appending the narrowed record.
func (s *Store) DeleteKey(offset segtypes.Offset, keys ...string) error {
	payload, ok, err := s.Get(offset)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	payload = payload.Clone()
	for _, k := range keys {
		delete(payload, k)
	}
	return s.Set(offset, payload)
}

// ClearAllKeys empties offset's payload without tombstoning the point
// itself (spec.md §4.1 clear_payload).
func (s *Store) ClearAllKeys(offset segtypes.Offset) error {
	return s.Set(offset, segtypes.Payload{})
}

// Flush flushes buffered writes and fsyncs the underlying file.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

// Close flushes and closes the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}

// Path returns the on-disk data file path.
func (s *Store) Path() string { return s.file.Name() }
