// Package accountsdb wires the account store, shard index, delta-hash
// aggregator, checkpoint tracker and compactor into one database. All
// public operations are safe for concurrent use.
package accountsdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/eigerco/mulberry/internal/accounts"
	"github.com/eigerco/mulberry/internal/checkpoint"
	"github.com/eigerco/mulberry/internal/compactor"
	"github.com/eigerco/mulberry/internal/crypto"
	"github.com/eigerco/mulberry/internal/deltahash"
	"github.com/eigerco/mulberry/internal/index"
	"github.com/eigerco/mulberry/internal/store"
	"github.com/eigerco/mulberry/pkg/db"
	"github.com/eigerco/mulberry/pkg/db/pebble"
	"github.com/eigerco/mulberry/pkg/log"
)

// Options configure a DB.
type Options struct {
	// ShardCount is the fixed power-of-two shard count of the index.
	ShardCount int
	// HashWorkers bounds parallelism of delta-hash computation.
	HashWorkers int
	Store       store.Options
	Compaction  compactor.Options
}

func (o *Options) applyDefaults() {
	if o.ShardCount <= 0 {
		o.ShardCount = 256
	}
}

// DB is the account database.
type DB struct {
	accounts  *store.Accounts
	tracker   *checkpoint.Tracker
	idx       *index.Sharded
	agg       *deltahash.Aggregator
	compactor *compactor.Compactor
}

// Open opens (or creates) an account database at the given path.
func Open(path string, opts Options) (*DB, error) {
	kv, err := pebble.NewKVStore(path)
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", path, err)
	}
	return New(kv, opts)
}

// New assembles a database over an existing KV store. The database takes
// ownership of the store and closes it on Close.
func New(kv db.KVStore, opts Options) (*DB, error) {
	opts.applyDefaults()

	idx, err := index.New(opts.ShardCount)
	if err != nil {
		return nil, err
	}
	acc, err := store.NewAccounts(kv, opts.Store)
	if err != nil {
		return nil, err
	}
	tracker := checkpoint.NewTracker()

	d := &DB{
		accounts: acc,
		tracker:  tracker,
		idx:      idx,
		agg:      deltahash.NewAggregator(acc, opts.HashWorkers),
	}
	d.compactor = compactor.New(acc, tracker, idx, opts.Compaction)
	if err := d.recover(); err != nil {
		return nil, fmt.Errorf("recover persisted state: %w", err)
	}
	return d, nil
}

// recover rebuilds the checkpoint tracker from persisted metadata and the
// shard index and storage bookkeeping from persisted version records, so a
// reopened database resumes where it left off.
func (d *DB) recover() error {
	metas, err := d.accounts.CheckpointMetas()
	if err != nil {
		return err
	}
	for cp, meta := range metas {
		root, err := d.accounts.GetDeltaRoot(cp)
		hasRoot := err == nil
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := d.tracker.Restore(cp, meta.Parent, meta.HasParent, meta.Status, root, hasRoot); err != nil {
			return err
		}
	}
	return d.accounts.Recover(func(addr crypto.Address, cp checkpoint.Checkpoint, seq uint64) {
		d.idx.Upsert(addr, index.Handle{Checkpoint: cp, Seq: seq})
	})
}

// BeginCheckpoint opens a new checkpoint with no parent.
func (d *DB) BeginCheckpoint(cp checkpoint.Checkpoint) error {
	if err := d.tracker.Begin(cp); err != nil {
		return err
	}
	return d.accounts.PutCheckpointMeta(cp, store.CheckpointMeta{Status: checkpoint.StatusOpen})
}

// BeginChildCheckpoint opens a new checkpoint as a child of parent,
// extending the fork tree.
func (d *DB) BeginChildCheckpoint(cp, parent checkpoint.Checkpoint) error {
	if err := d.tracker.BeginChild(cp, parent); err != nil {
		return err
	}
	return d.accounts.PutCheckpointMeta(cp, store.CheckpointMeta{
		Parent:    parent,
		HasParent: true,
		Status:    checkpoint.StatusOpen,
	})
}

// Append writes a new version of addr at checkpoint cp and updates the
// shard index. The checkpoint must still be open. Within one checkpoint,
// concurrent appends to the same address resolve last-writer-wins.
func (d *DB) Append(cp checkpoint.Checkpoint, addr crypto.Address, account accounts.Account) (index.Handle, error) {
	if err := d.tracker.WriteBegin(cp); err != nil {
		return index.Handle{}, err
	}
	defer d.tracker.WriteEnd(cp)

	handle, err := d.accounts.Append(cp, addr, account)
	if err != nil {
		return index.Handle{}, err
	}
	d.idx.Upsert(addr, handle)
	return handle, nil
}

// Read returns the latest version of addr visible at checkpoint at. The
// checkpoint is pinned against compaction for the duration of the read.
// Reads at a checkpoint that compaction has already claimed return
// ErrNotFound: the data below the watermark is gone, never wrong.
func (d *DB) Read(addr crypto.Address, at checkpoint.Checkpoint) (accounts.Account, error) {
	if err := d.tracker.AcquireReader(at); err != nil {
		if errors.Is(err, checkpoint.ErrCheckpointPruned) {
			return accounts.Account{}, fmt.Errorf("%w: checkpoint %d compacted", store.ErrNotFound, at)
		}
		return accounts.Account{}, err
	}
	defer d.tracker.ReleaseReader(at)

	anc, err := d.tracker.Ancestors(at)
	if err != nil {
		return accounts.Account{}, err
	}
	account, _, err := d.accounts.Read(addr, at, anc)
	if err != nil {
		return accounts.Account{}, err
	}
	return account, nil
}

// Lookup returns the location of the latest version of addr, if any.
func (d *DB) Lookup(addr crypto.Address) (index.Handle, bool) {
	return d.idx.Lookup(addr)
}

// SealCheckpoint transitions a checkpoint from open to sealed. It blocks
// until all in-flight writes to the checkpoint have completed, after which
// the write set is final.
func (d *DB) SealCheckpoint(cp checkpoint.Checkpoint) error {
	if err := d.tracker.Seal(cp); err != nil {
		return err
	}
	return d.putMeta(cp)
}

// ComputeDeltaHash computes, records and persists the delta root of a
// sealed checkpoint. Calling it again returns the recorded root. Returns
// ErrNotSealed if the checkpoint is still accepting writes.
func (d *DB) ComputeDeltaHash(cp checkpoint.Checkpoint) (crypto.Hash, error) {
	status, err := d.tracker.Status(cp)
	if err != nil {
		return crypto.Hash{}, err
	}
	if status == checkpoint.StatusOpen {
		return crypto.Hash{}, fmt.Errorf("%w: %d", checkpoint.ErrNotSealed, cp)
	}

	if root, err := d.tracker.DeltaRoot(cp); err == nil {
		return root, nil
	}

	root, err := d.agg.Compute(cp)
	if err != nil {
		return crypto.Hash{}, err
	}
	if err := d.tracker.SetDeltaRoot(cp, root); err != nil {
		return crypto.Hash{}, err
	}
	if err := d.accounts.PutDeltaRoot(cp, root); err != nil {
		return crypto.Hash{}, err
	}
	log.Store.Debug().Uint64("checkpoint", uint64(cp)).Str("root", root.String()).Msg("delta root computed")
	return root, nil
}

// RootCheckpoint accepts a sealed checkpoint's delta root as canonical.
// The delta root must have been computed first.
func (d *DB) RootCheckpoint(cp checkpoint.Checkpoint) error {
	if err := d.tracker.Root(cp); err != nil {
		return err
	}
	return d.putMeta(cp)
}

// AbandonCheckpoint discards a non-rooted fork leaf: the tracker entry, the
// fork's stored versions and write set, and any index entries pointing at
// them. An address whose index entry pointed into the fork is re-indexed at
// its newest version on the rooted chain.
func (d *DB) AbandonCheckpoint(cp checkpoint.Checkpoint) error {
	if err := d.tracker.Abandon(cp); err != nil {
		return err
	}
	records, err := d.accounts.PurgeCheckpoint(cp)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if d.idx.Remove(rec.Address, index.Handle{Checkpoint: cp, Seq: rec.Seq}) {
			d.reindex(rec.Address)
		}
	}
	return nil
}

// reindex restores the index entry of addr to its newest version on the
// rooted chain, if one exists.
func (d *DB) reindex(addr crypto.Address) {
	tip, ok := d.tracker.MaxRooted()
	if !ok {
		return
	}
	anc, err := d.tracker.Ancestors(tip)
	if err != nil {
		return
	}
	_, at, err := d.accounts.Read(addr, tip, anc)
	if err != nil {
		return
	}
	if _, seq, err := d.accounts.ReadExact(addr, at); err == nil {
		d.idx.Upsert(addr, index.Handle{Checkpoint: at, Seq: seq})
	}
}

// DeltaRoot returns the recorded delta root of a checkpoint.
func (d *DB) DeltaRoot(cp checkpoint.Checkpoint) (crypto.Hash, error) {
	return d.tracker.DeltaRoot(cp)
}

// CheckpointStatus returns the lifecycle status of a checkpoint.
func (d *DB) CheckpointStatus(cp checkpoint.Checkpoint) (checkpoint.Status, error) {
	return d.tracker.Status(cp)
}

// Stats returns the storage statistics of one checkpoint.
func (d *DB) Stats(cp checkpoint.Checkpoint) store.StorageStats {
	return d.accounts.Stats(cp)
}

// Compact runs one synchronous compaction cycle.
func (d *DB) Compact() (compactor.Result, error) {
	return d.compactor.RunOnce()
}

// StartCompactor launches background compaction.
func (d *DB) StartCompactor(ctx context.Context) {
	d.compactor.Start(ctx)
}

// Close stops background work and closes the database.
func (d *DB) Close() error {
	d.compactor.Stop()
	return d.accounts.Close()
}

func (d *DB) putMeta(cp checkpoint.Checkpoint) error {
	status, err := d.tracker.Status(cp)
	if err != nil {
		return err
	}
	meta, err := d.accounts.GetCheckpointMeta(cp)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	meta.Status = status
	return d.accounts.PutCheckpointMeta(cp, meta)
}
