// Package vstore is the mmap-backed fixed-stride vector storage of
// spec.md §4.1, grounded on internal/log/index.go's gommap-mapped,
// fixed-width record index: where that file maps a constant (offset,
// position) stride, vstore maps a constant (dim*4)-byte float32 stride,
// one slot per point offset, truncated up-front to its maximum capacity
// the same way index.go truncates to Config.Segment.MaxIndexBytes.
package vstore

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/tysonmote/gommap"

	"github.com/arborix/segmentdb/internal/segtypes"
)

const fileName = "vectors.dat"

var enc = binary.BigEndian

// DefaultMaxPoints bounds an appendable segment's vector file when the
// caller does not size it explicitly.
const DefaultMaxPoints = 1 << 20

// Store is a fixed-stride, mmap-backed vector file: slot i holds the dim
// float32 components of point offset i, or all-NaN if the slot has never
// been written (spec.md §4.1's "no vector" state for a tombstoned or
// not-yet-appended offset).
type Store struct {
	file   *os.File
	mmap   gommap.MMap
	dim    int
	stride uint64
	size   uint64 // bytes logically in use
	cap    uint64 // bytes the mmap region spans
}

// Open opens (or creates) the vector store for dim-dimensional vectors
// rooted at dir, sized for up to maxPoints slots.
func Open(dir string, dim int, maxPoints int) (*Store, error) {
	if dim <= 0 {
		return nil, segtypes.NewServiceError("vstore: invalid vector dimension %d", dim)
	}
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}
	f, err := os.OpenFile(filepath.Join(dir, fileName), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	s := &Store{file: f, dim: dim, stride: uint64(dim) * 4}
	s.size = uint64(fi.Size())

	s.cap = s.stride * uint64(maxPoints)
	if s.cap < s.size {
		s.cap = s.size
	}
	if err := f.Truncate(int64(s.cap)); err != nil {
		f.Close()
		return nil, err
	}

	if s.cap > 0 {
		if s.mmap, err = gommap.Map(f.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED); err != nil {
			f.Close()
			return nil, err
		}
	}
	return s, nil
}

// Dim returns the fixed vector dimensionality of the store.
func (s *Store) Dim() int { return s.dim }

// Count returns the number of slots currently backed by real data.
func (s *Store) Count() uint32 { return uint32(s.size / s.stride) }

// Capacity returns the maximum number of slots the store can hold
// without growing.
func (s *Store) Capacity() uint32 { return uint32(s.cap / s.stride) }

func (s *Store) ensureSlot(offset segtypes.Offset) error {
	end := (uint64(offset) + 1) * s.stride
	if end <= s.cap {
		return nil
	}
	return segtypes.NewServiceError("vstore: offset %d exceeds capacity %d", offset, s.Capacity())
}

// Put writes vec into slot offset, zero-extending any skipped slots with
// NaN-filled placeholders so Get on an unwritten slot is well defined.
func (s *Store) Put(offset segtypes.Offset, vec []float32) error {
	if len(vec) != s.dim {
		return segtypes.NewServiceError("vstore: vector has dim %d, store expects %d", len(vec), s.dim)
	}
	if err := s.ensureSlot(offset); err != nil {
		return err
	}
	start := uint64(offset) * s.stride
	end := start + s.stride

	if start > s.size {
		for gap := s.size; gap < start; gap += 4 {
			enc.PutUint32(s.mmap[gap:gap+4], math.Float32bits(float32(math.NaN())))
		}
	}
	for i, f := range vec {
		enc.PutUint32(s.mmap[start+uint64(i)*4:start+uint64(i+1)*4], math.Float32bits(f))
	}
	if end > s.size {
		s.size = end
	}
	return nil
}

// Get reads the vector stored at offset. ok is false if offset has never
// been written or was tombstoned.
func (s *Store) Get(offset segtypes.Offset) (vec []float32, ok bool, err error) {
	start := uint64(offset) * s.stride
	end := start + s.stride
	if end > s.size {
		return nil, false, nil
	}
	out := make([]float32, s.dim)
	allNaN := true
	for i := range out {
		bits := enc.Uint32(s.mmap[start+uint64(i)*4 : start+uint64(i+1)*4])
		v := math.Float32frombits(bits)
		out[i] = v
		if !math.IsNaN(float64(v)) {
			allNaN = false
		}
	}
	if allNaN {
		return nil, false, nil
	}
	return out, true, nil
}

// Tombstone marks offset's slot as holding no vector by overwriting it
// with NaNs, without shrinking the file (spec.md §4.1 delete_point).
func (s *Store) Tombstone(offset segtypes.Offset) error {
	start := uint64(offset) * s.stride
	end := start + s.stride
	if end > s.size {
		return nil
	}
	for gap := start; gap < end; gap += 4 {
		enc.PutUint32(s.mmap[gap:gap+4], math.Float32bits(float32(math.NaN())))
	}
	return nil
}

// Flush syncs the mmap region and the underlying file to disk.
func (s *Store) Flush() error {
	if s.mmap != nil {
		if err := s.mmap.Sync(gommap.MS_SYNC); err != nil {
			return err
		}
	}
	return s.file.Sync()
}

// Close flushes the mapping and truncates the file back to its
// logically used size, mirroring index.go's Close.
func (s *Store) Close() error {
	if s.mmap != nil {
		if err := s.mmap.Sync(gommap.MS_SYNC); err != nil {
			return err
		}
	}
	if err := s.file.Truncate(int64(s.size)); err != nil {
		return err
	}
	return s.file.Close()
}

// Path returns the on-disk path of the vector file, for use by snapshot
// and directory-copy operations.
func (s *Store) Path() string {
	return s.file.Name()
}

func (s *Store) String() string {
	return fmt.Sprintf("vstore(dim=%d, count=%d, cap=%d)", s.dim, s.Count(), s.Capacity())
}
