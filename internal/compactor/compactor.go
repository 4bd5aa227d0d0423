// Package compactor implements the squash engine. It runs in the
// background, takes a snapshot of compactable checkpoints under a brief
// tracker lock, and physically reclaims account versions that are
// superseded at the watermark. A version still needed by a live fork or
// reader is never touched: eligibility is decided by the tracker's
// reference counting, not by elapsed time.
package compactor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eigerco/mulberry/internal/checkpoint"
	"github.com/eigerco/mulberry/internal/index"
	"github.com/eigerco/mulberry/internal/store"
	"github.com/eigerco/mulberry/pkg/log"
)

// Options configure a Compactor.
type Options struct {
	// Interval between background compaction cycles.
	Interval time.Duration
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
}

// Result summarizes one compaction cycle.
type Result struct {
	// Checkpoints fully processed this cycle.
	Checkpoints int
	// Reclaimed counts superseded versions physically removed.
	Reclaimed int
	// Dropped counts dead accounts removed outright, index entry included.
	Dropped int
	// Retained counts floor versions kept as the oldest readable state.
	Retained int
}

// Compactor reclaims storage held by superseded account versions.
type Compactor struct {
	accounts *store.Accounts
	tracker  *checkpoint.Tracker
	idx      *index.Sharded
	opts     Options

	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func New(accounts *store.Accounts, tracker *checkpoint.Tracker, idx *index.Sharded, opts Options) *Compactor {
	opts.applyDefaults()
	return &Compactor{
		accounts: accounts,
		tracker:  tracker,
		idx:      idx,
		opts:     opts,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background compaction loop. The loop exits when the
// context is cancelled or Stop is called.
func (c *Compactor) Start(ctx context.Context) {
	c.started = true
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				res, err := c.RunOnce()
				if err != nil {
					log.Compactor.Error().Err(err).Msg("compaction cycle failed")
					continue
				}
				if res.Checkpoints > 0 {
					log.Compactor.Info().
						Int("checkpoints", res.Checkpoints).
						Int("reclaimed", res.Reclaimed).
						Int("dropped", res.Dropped).
						Int("retained", res.Retained).
						Msg("compaction cycle")
				}
			}
		}
	}()
}

// Stop terminates the background loop and waits for it to exit. A no-op if
// Start was never called.
func (c *Compactor) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.started {
		<-c.done
	}
}

// RunOnce performs a single compaction cycle over the checkpoints that are
// compactable right now. Checkpoints are processed oldest first so floor
// decisions see the final shape of everything below them.
func (c *Compactor) RunOnce() (Result, error) {
	var res Result

	compactable := c.tracker.CollectCompactable()
	if len(compactable) == 0 {
		return res, nil
	}

	watermark, ok := c.tracker.Watermark()
	if !ok {
		return res, nil
	}

	for _, cp := range compactable {
		if err := c.compactCheckpoint(cp, watermark, &res); err != nil {
			if errors.Is(err, checkpoint.ErrStillReferenced) {
				// A reader pinned the checkpoint after the
				// snapshot was taken. Abort this checkpoint,
				// not the cycle.
				log.Compactor.Debug().Uint64("checkpoint", uint64(cp)).Msg("compaction conflict, skipping")
				continue
			}
			return res, err
		}
		res.Checkpoints++
	}
	return res, nil
}

func (c *Compactor) compactCheckpoint(cp, watermark checkpoint.Checkpoint, res *Result) error {
	writeSet, err := c.accounts.WriteSet(cp)
	if err != nil {
		return fmt.Errorf("write set of %d: %w", cp, err)
	}

	for _, rec := range writeSet {
		superseded, err := c.accounts.NewerVersionExists(rec.Address, cp, watermark)
		if err != nil {
			return fmt.Errorf("check supersession of %s at %d: %w", rec.Address, cp, err)
		}

		if superseded {
			if _, err := c.accounts.Reclaim(cp, rec.Address); err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("reclaim %s at %d: %w", rec.Address, cp, err)
			}
			res.Reclaimed++
			continue
		}

		// This is the floor version at the watermark. A dead version
		// carries no state, so it is removed outright together with
		// its index entry; a live one is retained as the oldest
		// readable state.
		account, seq, err := c.accounts.ReadExact(rec.Address, cp)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return fmt.Errorf("read floor version of %s at %d: %w", rec.Address, cp, err)
		}
		if account.IsDead() {
			if _, err := c.accounts.Reclaim(cp, rec.Address); err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("drop dead account %s at %d: %w", rec.Address, cp, err)
			}
			c.idx.Remove(rec.Address, index.Handle{Checkpoint: cp, Seq: seq})
			res.Dropped++
		} else {
			res.Retained++
		}
	}

	if err := c.tracker.MarkCompacted(cp); err != nil {
		return err
	}
	if meta, err := c.accounts.GetCheckpointMeta(cp); err == nil {
		meta.Status = checkpoint.StatusCompacted
		if err := c.accounts.PutCheckpointMeta(cp, meta); err != nil {
			return fmt.Errorf("persist compacted status of %d: %w", cp, err)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("checkpoint meta of %d: %w", cp, err)
	}
	if c.accounts.Stats(cp).Count == 0 {
		c.accounts.DropStorage(cp)
	}
	return nil
}
