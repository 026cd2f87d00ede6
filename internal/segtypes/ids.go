// Package segtypes holds the data types shared by every segment-layer
// component: point identity, payloads, the condition algebra, the
// OperationError taxonomy and the segment configuration descriptor.
package segtypes

import (
	"fmt"

	"github.com/google/uuid"
)

// PointID is the tagged union of spec.md §9 "Sum types": a point's external
// id is either a 64-bit unsigned integer or a UUID.
type PointID struct {
	num     uint64
	uid     uuid.UUID
	isUUID  bool
}

// NumID builds a numeric PointID.
func NumID(v uint64) PointID { return PointID{num: v} }

// UIDPointID builds a UUID PointID.
func UIDPointID(v uuid.UUID) PointID { return PointID{uid: v, isUUID: true} }

// IsUUID reports whether the id is the UUID arm of the union.
func (p PointID) IsUUID() bool { return p.isUUID }

// Num returns the numeric value. Only meaningful when !IsUUID().
func (p PointID) Num() uint64 { return p.num }

// UUID returns the UUID value. Only meaningful when IsUUID().
func (p PointID) UUID() uuid.UUID { return p.uid }

func (p PointID) String() string {
	if p.isUUID {
		return p.uid.String()
	}
	return fmt.Sprintf("%d", p.num)
}

// Less orders numeric ids before UUID ids, then by value, so that
// read_filtered can produce the ascending-by-id merge spec.md §4.2 requires.
func (p PointID) Less(other PointID) bool {
	if p.isUUID != other.isUUID {
		return !p.isUUID
	}
	if !p.isUUID {
		return p.num < other.num
	}
	return p.uid.String() < other.uid.String()
}

func (p PointID) Equal(other PointID) bool {
	if p.isUUID != other.isUUID {
		return false
	}
	if p.isUUID {
		return p.uid == other.uid
	}
	return p.num == other.num
}

// Offset is the dense 32-bit internal index assigned by the id tracker
// (spec.md §3 "Internal offset").
type Offset uint32

// OpNum is the monotonic sequence number assigned by the WAL to every
// mutation (spec.md glossary "op_num").
type OpNum uint64
