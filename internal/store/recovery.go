package store

import (
	"encoding/binary"
	"fmt"

	"github.com/eigerco/mulberry/internal/checkpoint"
	"github.com/eigerco/mulberry/internal/crypto"
)

// Recover rebuilds the in-memory storage bookkeeping from the persisted
// version records and reports every version to visit, so the caller can
// rebuild derived state such as the shard index. Called once while opening
// a store, before any concurrent use.
func (a *Accounts) Recover(visit func(addr crypto.Address, cp checkpoint.Checkpoint, seq uint64)) error {
	if a.closed.Load() {
		return ErrStoreClosed
	}

	iter, err := a.db.NewIterator([]byte{prefixVersion}, []byte{prefixVersion + 1})
	if err != nil {
		return fmt.Errorf("scan version records: %w", err)
	}
	defer iter.Close()

	for iter.Next() {
		addr, cp, err := parseVersionKey(iter.Key())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		value, err := iter.Value()
		if err != nil {
			return fmt.Errorf("read version record: %w", err)
		}
		if len(value) < seqHeaderSize {
			return fmt.Errorf("%w: address %s checkpoint %d: truncated record", ErrCorruptRecord, addr, cp)
		}
		seq := binary.BigEndian.Uint64(value[:seqHeaderSize])
		a.storageFor(cp).restoreVersion(seq, len(value)-seqHeaderSize)
		if visit != nil {
			visit(addr, cp, seq)
		}
	}
	return nil
}

// CheckpointMetas returns the persisted metadata of every checkpoint.
func (a *Accounts) CheckpointMetas() (map[checkpoint.Checkpoint]CheckpointMeta, error) {
	if a.closed.Load() {
		return nil, ErrStoreClosed
	}

	iter, err := a.db.NewIterator([]byte{prefixCheckpointMeta}, []byte{prefixCheckpointMeta + 1})
	if err != nil {
		return nil, fmt.Errorf("scan checkpoint metadata: %w", err)
	}
	defer iter.Close()

	metas := make(map[checkpoint.Checkpoint]CheckpointMeta)
	for iter.Next() {
		key := iter.Key()
		if len(key) != 1+8 {
			return nil, fmt.Errorf("%w: malformed checkpoint meta key of %d bytes", ErrCorruptRecord, len(key))
		}
		cp := checkpoint.Checkpoint(binary.BigEndian.Uint64(key[1:]))
		value, err := iter.Value()
		if err != nil {
			return nil, fmt.Errorf("read checkpoint meta: %w", err)
		}
		if len(value) != 10 {
			return nil, fmt.Errorf("%w: checkpoint meta of %d has %d bytes", ErrCorruptRecord, cp, len(value))
		}
		metas[cp] = CheckpointMeta{
			HasParent: value[0] == 1,
			Parent:    checkpoint.Checkpoint(binary.BigEndian.Uint64(value[1:9])),
			Status:    checkpoint.Status(value[9]),
		}
	}
	return metas, nil
}
