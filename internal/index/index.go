// Package index implements the sharded in-memory index mapping each account
// address to the location of its latest stored version. The address space
// is partitioned by a fixed prefix of the address into a power-of-two
// number of shards, each with its own lock, so lookups and upserts on
// different shards never contend.
package index

import (
	"sync"

	"github.com/eigerco/mulberry/internal/checkpoint"
	"github.com/eigerco/mulberry/internal/crypto"
)

// Handle locates one stored account version.
type Handle struct {
	Checkpoint checkpoint.Checkpoint
	// Seq is the write sequence within the checkpoint. Within one
	// checkpoint a higher sequence supersedes a lower one.
	Seq uint64
}

// Newer reports whether h supersedes other.
func (h Handle) Newer(other Handle) bool {
	if h.Checkpoint != other.Checkpoint {
		return h.Checkpoint > other.Checkpoint
	}
	return h.Seq > other.Seq
}

type shard struct {
	mu      sync.RWMutex
	entries map[crypto.Address]Handle
}

// Sharded is the shard index. Exactly one live entry exists per address at
// any time; Upsert keeps only the newest handle.
type Sharded struct {
	calc      binCalculator
	shardList []*shard
}

// New creates a shard index with the given power-of-two shard count.
func New(shards int) (*Sharded, error) {
	calc, err := newBinCalculator(shards)
	if err != nil {
		return nil, err
	}
	list := make([]*shard, calc.shards())
	for i := range list {
		list[i] = &shard{entries: make(map[crypto.Address]Handle)}
	}
	return &Sharded{calc: calc, shardList: list}, nil
}

// ShardCount returns the fixed number of shards.
func (ix *Sharded) ShardCount() int {
	return len(ix.shardList)
}

// Upsert records handle as the location of the latest version of addr,
// unless the current entry already supersedes it. Returns the previous
// handle, if any.
func (ix *Sharded) Upsert(addr crypto.Address, handle Handle) (Handle, bool) {
	s := ix.shardList[ix.calc.bin(addr)]
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.entries[addr]
	if ok && prev.Newer(handle) {
		return prev, true
	}
	s.entries[addr] = handle
	return prev, ok
}

// Lookup returns the handle of the latest version of addr.
func (ix *Sharded) Lookup(addr crypto.Address) (Handle, bool) {
	s := ix.shardList[ix.calc.bin(addr)]
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.entries[addr]
	return h, ok
}

// Remove drops the entry for addr, but only if it still equals handle.
// Used when compaction removes a dead account outright.
func (ix *Sharded) Remove(addr crypto.Address, handle Handle) bool {
	s := ix.shardList[ix.calc.bin(addr)]
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[addr]
	if !ok || cur != handle {
		return false
	}
	delete(s.entries, addr)
	return true
}

// Len returns the number of live entries across all shards.
func (ix *Sharded) Len() int {
	n := 0
	for _, s := range ix.shardList {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}
