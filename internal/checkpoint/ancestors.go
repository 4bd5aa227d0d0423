package checkpoint

// Ancestors is the visibility set for reads at one checkpoint: the
// checkpoint itself plus its full parent chain. Membership is explicit;
// a checkpoint that merely sorts below the chain numerically is not
// visible, so a write on a competing fork can never leak into a read.
type Ancestors struct {
	set map[Checkpoint]struct{}
}

// Contains reports whether a version written at cp is visible.
func (a Ancestors) Contains(cp Checkpoint) bool {
	_, ok := a.set[cp]
	return ok
}

// NewAncestors builds a visibility set from an explicit chain. Intended for
// tests and tools; normal callers obtain one from Tracker.Ancestors.
func NewAncestors(chain ...Checkpoint) Ancestors {
	set := make(map[Checkpoint]struct{}, len(chain))
	for _, cp := range chain {
		set[cp] = struct{}{}
	}
	return Ancestors{set: set}
}
