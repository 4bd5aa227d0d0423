package checkpoint

import (
	"fmt"
	"sort"
	"sync"

	"github.com/eigerco/mulberry/internal/crypto"
)

type entry struct {
	parent    Checkpoint
	hasParent bool
	status    Status

	// Writes in flight against this checkpoint. Seal waits for this to
	// drain before returning.
	inFlight int

	// Live readers pinning this checkpoint against compaction.
	readers int

	deltaRoot    crypto.Hash
	hasDeltaRoot bool
}

// Tracker owns the checkpoint fork tree and drives each checkpoint through
// its lifecycle. All methods are safe for concurrent use; the tracker holds
// its lock only briefly, except Seal which blocks until in-flight writes to
// the checkpoint have drained.
type Tracker struct {
	mu      sync.Mutex
	drained *sync.Cond

	entries map[Checkpoint]*entry

	maxRooted Checkpoint
	hasRooted bool
}

func NewTracker() *Tracker {
	t := &Tracker{
		entries: make(map[Checkpoint]*entry),
	}
	t.drained = sync.NewCond(&t.mu)
	return t
}

// Begin opens a checkpoint with no parent. Used for the first checkpoint of
// a store.
func (t *Tracker) Begin(cp Checkpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[cp]; ok {
		return fmt.Errorf("%w: %d", ErrCheckpointExists, cp)
	}
	t.entries[cp] = &entry{status: StatusOpen}
	return nil
}

// BeginChild opens a checkpoint as a child of parent. The parent must exist
// and must not have been compacted; the child number must be greater than
// the parent's.
func (t *Tracker) BeginChild(cp, parent Checkpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[cp]; ok {
		return fmt.Errorf("%w: %d", ErrCheckpointExists, cp)
	}
	p, ok := t.entries[parent]
	if !ok {
		return fmt.Errorf("%w: parent %d", ErrUnknownCheckpoint, parent)
	}
	if p.status == StatusCompacted {
		return fmt.Errorf("%w: parent %d is compacted", ErrBadTransition, parent)
	}
	if cp <= parent {
		return fmt.Errorf("%w: child %d must follow parent %d", ErrBadTransition, cp, parent)
	}
	t.entries[cp] = &entry{parent: parent, hasParent: true, status: StatusOpen}
	return nil
}

// WriteBegin registers an in-flight write against an open checkpoint.
// Every successful WriteBegin must be paired with a WriteEnd.
func (t *Tracker) WriteBegin(cp Checkpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[cp]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownCheckpoint, cp)
	}
	if e.status != StatusOpen {
		return fmt.Errorf("%w: %d is %s", ErrNotOpen, cp, e.status)
	}
	e.inFlight++
	return nil
}

// WriteEnd retires an in-flight write.
func (t *Tracker) WriteEnd(cp Checkpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[cp]
	if !ok || e.inFlight == 0 {
		return
	}
	e.inFlight--
	if e.inFlight == 0 {
		t.drained.Broadcast()
	}
}

// Seal transitions a checkpoint from open to sealed. New writes are
// rejected as soon as Seal is called; Seal then blocks until all writes
// already in flight have completed, so a sealed checkpoint is a consistent
// snapshot.
func (t *Tracker) Seal(cp Checkpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[cp]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownCheckpoint, cp)
	}
	if e.status != StatusOpen {
		return fmt.Errorf("%w: seal %d from %s", ErrBadTransition, cp, e.status)
	}
	e.status = StatusSealed

	for e.inFlight > 0 {
		t.drained.Wait()
	}
	return nil
}

// SetDeltaRoot records the delta root computed for a sealed checkpoint.
func (t *Tracker) SetDeltaRoot(cp Checkpoint, root crypto.Hash) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[cp]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownCheckpoint, cp)
	}
	if e.status == StatusOpen {
		return fmt.Errorf("%w: %d", ErrNotSealed, cp)
	}
	e.deltaRoot = root
	e.hasDeltaRoot = true
	return nil
}

// DeltaRoot returns the recorded delta root of a checkpoint.
func (t *Tracker) DeltaRoot(cp Checkpoint) (crypto.Hash, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[cp]
	if !ok {
		return crypto.Hash{}, fmt.Errorf("%w: %d", ErrUnknownCheckpoint, cp)
	}
	if !e.hasDeltaRoot {
		return crypto.Hash{}, fmt.Errorf("%w: %d has no delta root", ErrNotSealed, cp)
	}
	return e.deltaRoot, nil
}

// Root transitions a sealed checkpoint to rooted, accepting its delta root
// as part of the canonical chain. The parent, if any, must already be
// rooted or beyond.
func (t *Tracker) Root(cp Checkpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[cp]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownCheckpoint, cp)
	}
	if e.status != StatusSealed {
		return fmt.Errorf("%w: root %d from %s", ErrBadTransition, cp, e.status)
	}
	if !e.hasDeltaRoot {
		return fmt.Errorf("%w: %d has no delta root", ErrNotSealed, cp)
	}
	if e.hasParent {
		p := t.entries[e.parent]
		if p != nil && p.status < StatusRooted {
			return fmt.Errorf("%w: parent %d is %s", ErrParentNotRooted, e.parent, p.status)
		}
	}
	e.status = StatusRooted
	if !t.hasRooted || cp > t.maxRooted {
		t.maxRooted = cp
		t.hasRooted = true
	}
	return nil
}

// Abandon discards a non-rooted fork leaf. A checkpoint with live
// descendants, in-flight writes or pinned readers cannot be abandoned.
func (t *Tracker) Abandon(cp Checkpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[cp]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownCheckpoint, cp)
	}
	if e.status >= StatusRooted {
		return fmt.Errorf("%w: abandon %d from %s", ErrBadTransition, cp, e.status)
	}
	if e.inFlight > 0 {
		return fmt.Errorf("%w: %d has writes in flight", ErrStillReferenced, cp)
	}
	if e.readers > 0 {
		return fmt.Errorf("%w: %d has %d readers", ErrStillReferenced, cp, e.readers)
	}
	for other, oe := range t.entries {
		if oe.hasParent && oe.parent == cp {
			return fmt.Errorf("%w: %d has child %d", ErrHasDescendants, cp, other)
		}
	}
	delete(t.entries, cp)
	return nil
}

// Status returns the current lifecycle status of a checkpoint.
func (t *Tracker) Status(cp Checkpoint) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[cp]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownCheckpoint, cp)
	}
	return e.status, nil
}

// AcquireReader pins a checkpoint against compaction for the duration of a
// read. Must be paired with ReleaseReader. A checkpoint already handed to
// the compactor cannot be pinned anymore: readers==0 at collection time is
// the single gate, so reads race neither reclamation nor each other.
func (t *Tracker) AcquireReader(cp Checkpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[cp]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownCheckpoint, cp)
	}
	if e.status >= StatusCompactable {
		return fmt.Errorf("%w: %d", ErrCheckpointPruned, cp)
	}
	e.readers++
	return nil
}

// ReleaseReader releases a pin taken by AcquireReader.
func (t *Tracker) ReleaseReader(cp Checkpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[cp]; ok && e.readers > 0 {
		e.readers--
	}
}

// Ancestors returns the visibility set for reads at the given checkpoint:
// the checkpoint itself and its full parent chain. Sibling forks are never
// included, rooted or not.
func (t *Tracker) Ancestors(cp Checkpoint) (Ancestors, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[cp]
	if !ok {
		return Ancestors{}, fmt.Errorf("%w: %d", ErrUnknownCheckpoint, cp)
	}

	anc := Ancestors{set: make(map[Checkpoint]struct{})}
	for e != nil {
		anc.set[cp] = struct{}{}
		if !e.hasParent {
			break
		}
		cp = e.parent
		e = t.entries[cp]
	}
	return anc, nil
}

// Watermark returns the oldest checkpoint still required by a live
// consumer: the rooted floor of any open or sealed fork and any
// reader-pinned checkpoint all hold the watermark down. With no live
// consumers the watermark is the rooted tip. Versions strictly below the
// watermark are superseded by definition once a newer version at or below
// the watermark exists.
func (t *Tracker) Watermark() (Checkpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.watermarkLocked()
}

func (t *Tracker) watermarkLocked() (Checkpoint, bool) {
	if !t.hasRooted {
		return 0, false
	}
	wm := t.maxRooted
	for cp, e := range t.entries {
		if e.readers > 0 && cp < wm {
			wm = cp
		}
		if e.status == StatusOpen || e.status == StatusSealed {
			if floor, ok := t.rootedFloorLocked(cp); ok && floor < wm {
				wm = floor
			}
		}
	}
	return wm, true
}

// rootedFloorLocked walks parents from cp to the nearest rooted ancestor.
func (t *Tracker) rootedFloorLocked(cp Checkpoint) (Checkpoint, bool) {
	e := t.entries[cp]
	for e != nil {
		if e.status >= StatusRooted {
			return cp, true
		}
		if !e.hasParent {
			return 0, false
		}
		cp = e.parent
		e = t.entries[cp]
	}
	return 0, false
}

// CollectCompactable transitions every rooted checkpoint strictly below the
// watermark with no live readers to compactable and returns them in
// ascending order. The snapshot is taken under a single lock hold so the
// compactor can work on it without further coordination.
func (t *Tracker) CollectCompactable() []Checkpoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	wm, ok := t.watermarkLocked()
	if !ok {
		return nil
	}

	var out []Checkpoint
	for cp, e := range t.entries {
		if e.status == StatusRooted && e.readers == 0 && cp < wm {
			e.status = StatusCompactable
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MarkCompacted finishes the lifecycle of a compactable checkpoint after
// its superseded versions have been reclaimed.
func (t *Tracker) MarkCompacted(cp Checkpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[cp]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownCheckpoint, cp)
	}
	if e.status != StatusCompactable {
		return fmt.Errorf("%w: compact %d from %s", ErrBadTransition, cp, e.status)
	}
	if e.readers > 0 {
		return fmt.Errorf("%w: %d has %d readers", ErrStillReferenced, cp, e.readers)
	}
	e.status = StatusCompacted
	return nil
}

// MaxRooted returns the highest rooted checkpoint.
func (t *Tracker) MaxRooted() (Checkpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxRooted, t.hasRooted
}

// Restore reinserts a checkpoint recovered from persisted metadata. Called
// while reopening a store, before the tracker sees any concurrent use.
func (t *Tracker) Restore(cp, parent Checkpoint, hasParent bool, status Status, root crypto.Hash, hasRoot bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[cp]; ok {
		return fmt.Errorf("%w: %d", ErrCheckpointExists, cp)
	}
	t.entries[cp] = &entry{
		parent:       parent,
		hasParent:    hasParent,
		status:       status,
		deltaRoot:    root,
		hasDeltaRoot: hasRoot,
	}
	if status >= StatusRooted && (!t.hasRooted || cp > t.maxRooted) {
		t.maxRooted = cp
		t.hasRooted = true
	}
	return nil
}
