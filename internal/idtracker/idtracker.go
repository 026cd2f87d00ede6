// Package idtracker is the external id <-> internal offset tracker of
// spec.md §4.1, grounded on internal/log/index.go's offset/position
// pairing: where that file maps a dense entry number to a store
// position, idtracker maps an external PointID to a dense internal
// Offset and back, persisted in the same ordered bbolt bucket pattern
// internal/payloadindex uses for its field indices.
package idtracker

import (
	"encoding/binary"

	"github.com/google/btree"
	"github.com/google/uuid"

	"github.com/arborix/segmentdb/internal/kvstore"
	"github.com/arborix/segmentdb/internal/segtypes"
)

const bucket = "ids"

var enc = binary.BigEndian

type entry struct {
	id      segtypes.PointID
	offset  segtypes.Offset
	version segtypes.OpNum
	deleted bool
}

func lessEntry(a, b entry) bool { return a.id.Less(b.id) }

// Tracker owns the bidirectional id <-> offset mapping and per-point
// version for a single segment.
type Tracker struct {
	store *kvstore.Store

	byID     map[segtypes.PointID]*entry
	byOffset map[segtypes.Offset]*entry
	ordered  *btree.BTreeG[entry]
	nextFree segtypes.Offset
}

// New creates an empty tracker backed by store.
func New(store *kvstore.Store) *Tracker {
	return &Tracker{
		store:    store,
		byID:     make(map[segtypes.PointID]*entry),
		byOffset: make(map[segtypes.Offset]*entry),
		ordered:  btree.NewG(32, lessEntry),
	}
}

// encodeKey builds the persisted key for id: a one-byte tag followed by
// either the 8-byte big-endian numeric value or the 16-byte UUID.
func encodeKey(id segtypes.PointID) []byte {
	if id.IsUUID() {
		u := id.UUID()
		key := make([]byte, 17)
		key[0] = 1
		copy(key[1:], u[:])
		return key
	}
	key := make([]byte, 9)
	key[0] = 0
	enc.PutUint64(key[1:], id.Num())
	return key
}

func decodeKey(key []byte) segtypes.PointID {
	if key[0] == 1 {
		var u uuid.UUID
		copy(u[:], key[1:])
		return segtypes.UIDPointID(u)
	}
	return segtypes.NumID(enc.Uint64(key[1:]))
}

func encodeValue(offset segtypes.Offset, version segtypes.OpNum, deleted bool) []byte {
	v := make([]byte, 13)
	enc.PutUint32(v[0:4], uint32(offset))
	enc.PutUint64(v[4:12], uint64(version))
	if deleted {
		v[12] = 1
	}
	return v
}

func decodeValue(v []byte) (segtypes.Offset, segtypes.OpNum, bool) {
	return segtypes.Offset(enc.Uint32(v[0:4])), segtypes.OpNum(enc.Uint64(v[4:12])), v[12] == 1
}

func (t *Tracker) persist(e *entry) error {
	return t.store.Put(bucket, encodeKey(e.id), encodeValue(e.offset, e.version, e.deleted))
}

// Assign returns the internal offset for id, creating one (and a fresh
// version of 0) if id has never been seen before.
func (t *Tracker) Assign(id segtypes.PointID) (segtypes.Offset, error) {
	if e, ok := t.byID[id]; ok {
		if e.deleted {
			e.deleted = false
			t.ordered.ReplaceOrInsert(*e)
			if err := t.persist(e); err != nil {
				return 0, err
			}
		}
		return e.offset, nil
	}
	e := &entry{id: id, offset: t.nextFree, version: 0}
	t.nextFree++
	t.byID[id] = e
	t.byOffset[e.offset] = e
	t.ordered.ReplaceOrInsert(*e)
	return e.offset, t.persist(e)
}

// InternalID resolves id to its internal offset.
func (t *Tracker) InternalID(id segtypes.PointID) (segtypes.Offset, bool) {
	e, ok := t.byID[id]
	if !ok || e.deleted {
		return 0, false
	}
	return e.offset, true
}

// ExternalID resolves offset back to its external point id.
func (t *Tracker) ExternalID(offset segtypes.Offset) (segtypes.PointID, bool) {
	e, ok := t.byOffset[offset]
	if !ok || e.deleted {
		return segtypes.PointID{}, false
	}
	return e.id, true
}

// Version returns the currently recorded op_num for a point.
func (t *Tracker) Version(id segtypes.PointID) (segtypes.OpNum, bool) {
	e, ok := t.byID[id]
	if !ok || e.deleted {
		return 0, false
	}
	return e.version, true
}

// SetVersion records version as id's latest applied op_num, per spec.md
// §4.1's "compare incoming op_num against stored version" ordering rule.
func (t *Tracker) SetVersion(id segtypes.PointID, version segtypes.OpNum) error {
	e, ok := t.byID[id]
	if !ok {
		return segtypes.PointNotFound{ID: id}
	}
	e.version = version
	return t.persist(e)
}

// Drop marks id (and its offset) as removed without reclaiming the
// offset, mirroring how a deleted log entry leaves a hole rather than
// renumbering everything after it.
func (t *Tracker) Drop(id segtypes.PointID) error {
	e, ok := t.byID[id]
	if !ok {
		return nil
	}
	e.deleted = true
	t.ordered.Delete(*e)
	return t.persist(e)
}

// HasPoint reports whether id currently resolves to a live point.
func (t *Tracker) HasPoint(id segtypes.PointID) bool {
	e, ok := t.byID[id]
	return ok && !e.deleted
}

// Len returns the number of live points tracked.
func (t *Tracker) Len() int {
	return t.ordered.Len()
}

// IterIDs walks every live point id in ascending PointID order (numeric
// ids before UUIDs, per PointID.Less), stopping early if fn returns
// false.
func (t *Tracker) IterIDs(fn func(segtypes.PointID, segtypes.Offset) bool) {
	t.ordered.Ascend(func(e entry) bool {
		return fn(e.id, e.offset)
	})
}

// Load rehydrates the tracker from its backing bucket.
func (t *Tracker) Load() error {
	t.byID = make(map[segtypes.PointID]*entry)
	t.byOffset = make(map[segtypes.Offset]*entry)
	t.ordered = btree.NewG(32, lessEntry)
	t.nextFree = 0
	return t.store.ForEach(bucket, func(key, value []byte) error {
		id := decodeKey(key)
		offset, version, deleted := decodeValue(value)
		e := &entry{id: id, offset: offset, version: version, deleted: deleted}
		t.byID[id] = e
		t.byOffset[offset] = e
		if !deleted {
			t.ordered.ReplaceOrInsert(*e)
		}
		if offset >= t.nextFree {
			t.nextFree = offset + 1
		}
		return nil
	})
}

// Flush syncs the backing store.
func (t *Tracker) Flush() error { return t.store.Flush() }
