// Package deltahash computes the per-checkpoint delta root: one hash
// summarizing every account version written in a checkpoint. The write set
// is taken in address order and each final version is hashed canonically,
// so the root is reproducible bit for bit regardless of the order the
// writes arrived in.
package deltahash

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/eigerco/mulberry/internal/checkpoint"
	"github.com/eigerco/mulberry/internal/crypto"
	"github.com/eigerco/mulberry/internal/merkle"
	"github.com/eigerco/mulberry/internal/store"
)

// Aggregator computes delta roots over a sealed checkpoint's write set.
type Aggregator struct {
	accounts *store.Accounts
	workers  int
}

// NewAggregator creates an aggregator hashing with up to workers
// goroutines; workers <= 0 uses GOMAXPROCS.
func NewAggregator(accounts *store.Accounts, workers int) *Aggregator {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Aggregator{accounts: accounts, workers: workers}
}

// Compute builds the delta root of a checkpoint. The caller must only
// invoke it once the checkpoint is sealed: the write set has to be final
// for the root to be meaningful. An empty write set yields the zero hash.
//
// Each address appears in the write set exactly once, carrying whichever
// version won the checkpoint's last-writer-wins resolution.
func (g *Aggregator) Compute(cp checkpoint.Checkpoint) (crypto.Hash, error) {
	records, err := g.accounts.WriteSet(cp)
	if err != nil {
		return crypto.Hash{}, fmt.Errorf("collect write set of %d: %w", cp, err)
	}
	if len(records) == 0 {
		return crypto.Hash{}, nil
	}

	// Write-set keys iterate in address order, which is the canonical
	// leaf order. Leaves are hashed in parallel and placed by position.
	leaves := make([]crypto.Hash, len(records))

	var eg errgroup.Group
	eg.SetLimit(g.workers)
	for i, rec := range records {
		i, rec := i, rec
		eg.Go(func() error {
			account, seq, err := g.accounts.ReadExact(rec.Address, cp)
			if err != nil {
				return fmt.Errorf("read final version of %s at %d: %w", rec.Address, cp, err)
			}
			if seq != rec.Seq {
				return fmt.Errorf("write set of %d names seq %d for %s, stored version has seq %d", cp, rec.Seq, rec.Address, seq)
			}
			leaves[i] = account.ContentHash(rec.Address)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return crypto.Hash{}, err
	}

	return merkle.ComputeRoot(leaves, crypto.HashData), nil
}
