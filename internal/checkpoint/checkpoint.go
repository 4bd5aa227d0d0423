// Package checkpoint tracks the lifecycle of checkpoints: discrete, ordered
// units of state progression. A checkpoint is opened against a parent,
// filled with writes, sealed once all in-flight writes have landed, rooted
// when its delta root is accepted as canonical, and finally compacted once
// no live fork or reader needs it.
package checkpoint

import "errors"

// Checkpoint is a monotonically increasing state-progression number.
type Checkpoint uint64

type Status uint8

const (
	StatusOpen Status = iota
	StatusSealed
	StatusRooted
	StatusCompactable
	StatusCompacted
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusSealed:
		return "sealed"
	case StatusRooted:
		return "rooted"
	case StatusCompactable:
		return "compactable"
	case StatusCompacted:
		return "compacted"
	default:
		return "unknown"
	}
}

var (
	ErrUnknownCheckpoint = errors.New("unknown checkpoint")
	ErrCheckpointExists  = errors.New("checkpoint already exists")
	ErrBadTransition     = errors.New("invalid checkpoint transition")
	ErrNotSealed         = errors.New("checkpoint not sealed")
	ErrNotOpen           = errors.New("checkpoint not open for writes")
	ErrStillReferenced   = errors.New("checkpoint still referenced")
	ErrCheckpointPruned  = errors.New("checkpoint pruned by compaction")
	ErrParentNotRooted   = errors.New("parent checkpoint not rooted")
	ErrHasDescendants    = errors.New("checkpoint has live descendants")
)
