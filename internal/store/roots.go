package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/eigerco/mulberry/internal/checkpoint"
	"github.com/eigerco/mulberry/internal/crypto"
	"github.com/eigerco/mulberry/pkg/db/pebble"
)

// PutDeltaRoot persists the delta root of a sealed checkpoint.
func (a *Accounts) PutDeltaRoot(cp checkpoint.Checkpoint, root crypto.Hash) error {
	if a.closed.Load() {
		return ErrStoreClosed
	}
	if err := a.db.Put(makeCheckpointKey(prefixDeltaRoot, cp), root[:]); err != nil {
		return fmt.Errorf("store delta root of %d: %w", cp, err)
	}
	return nil
}

// GetDeltaRoot returns the persisted delta root of a checkpoint.
func (a *Accounts) GetDeltaRoot(cp checkpoint.Checkpoint) (crypto.Hash, error) {
	if a.closed.Load() {
		return crypto.Hash{}, ErrStoreClosed
	}
	raw, err := a.db.Get(makeCheckpointKey(prefixDeltaRoot, cp))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return crypto.Hash{}, ErrNotFound
		}
		return crypto.Hash{}, fmt.Errorf("get delta root of %d: %w", cp, err)
	}
	if len(raw) != crypto.HashSize {
		return crypto.Hash{}, fmt.Errorf("%w: delta root of %d has %d bytes", ErrCorruptRecord, cp, len(raw))
	}
	var root crypto.Hash
	copy(root[:], raw)
	return root, nil
}

// CheckpointMeta is the persisted record of one checkpoint.
type CheckpointMeta struct {
	Parent    checkpoint.Checkpoint
	HasParent bool
	Status    checkpoint.Status
}

// PutCheckpointMeta persists the metadata of a checkpoint. Written when a
// checkpoint is opened and updated on lifecycle transitions, giving the log
// a durable record of the fork tree.
func (a *Accounts) PutCheckpointMeta(cp checkpoint.Checkpoint, meta CheckpointMeta) error {
	if a.closed.Load() {
		return ErrStoreClosed
	}
	value := make([]byte, 10)
	if meta.HasParent {
		value[0] = 1
	}
	binary.BigEndian.PutUint64(value[1:9], uint64(meta.Parent))
	value[9] = byte(meta.Status)
	if err := a.db.Put(makeCheckpointKey(prefixCheckpointMeta, cp), value); err != nil {
		return fmt.Errorf("store checkpoint meta of %d: %w", cp, err)
	}
	return nil
}

// GetCheckpointMeta returns the persisted metadata of a checkpoint.
func (a *Accounts) GetCheckpointMeta(cp checkpoint.Checkpoint) (CheckpointMeta, error) {
	if a.closed.Load() {
		return CheckpointMeta{}, ErrStoreClosed
	}
	raw, err := a.db.Get(makeCheckpointKey(prefixCheckpointMeta, cp))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return CheckpointMeta{}, ErrNotFound
		}
		return CheckpointMeta{}, fmt.Errorf("get checkpoint meta of %d: %w", cp, err)
	}
	if len(raw) != 10 {
		return CheckpointMeta{}, fmt.Errorf("%w: checkpoint meta of %d has %d bytes", ErrCorruptRecord, cp, len(raw))
	}
	return CheckpointMeta{
		HasParent: raw[0] == 1,
		Parent:    checkpoint.Checkpoint(binary.BigEndian.Uint64(raw[1:9])),
		Status:    checkpoint.Status(raw[9]),
	}, nil
}
