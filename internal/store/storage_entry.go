package store

import (
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// storageEntry is the in-memory bookkeeping for one checkpoint's storage:
// how many versions it holds, how many bytes of them are still live, and
// which write sequences have been superseded. Superseded sequences are kept
// in a bitmap until compaction physically reclaims the records, mirroring
// the two-phase clean/reclaim split.
type storageEntry struct {
	mu         sync.Mutex
	nextSeq    uint64
	count      int
	aliveBytes int
	obsolete   *roaring64.Bitmap
}

func newStorageEntry() *storageEntry {
	return &storageEntry{obsolete: roaring64.New()}
}

// allocSeq hands out the next write sequence for the checkpoint.
func (s *storageEntry) allocSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.nextSeq
	s.nextSeq++
	return seq
}

// recordWrite accounts for a new version of size bytes. If the write
// replaced an earlier version in the same checkpoint (same address written
// twice), the replaced sequence is marked obsolete.
func (s *storageEntry) recordWrite(size int, replacedSeq uint64, replaced bool, replacedSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	s.aliveBytes += size
	if replaced {
		s.obsolete.Add(replacedSeq)
		s.count--
		s.aliveBytes -= replacedSize
	}
}

// restoreVersion re-registers a version found during recovery, keeping the
// sequence counter ahead of every persisted sequence.
func (s *storageEntry) restoreVersion(seq uint64, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	s.aliveBytes += size
	if seq >= s.nextSeq {
		s.nextSeq = seq + 1
	}
}

// markObsolete records that the version with the given sequence has been
// superseded and its bytes reclaimed.
func (s *storageEntry) markObsolete(seq uint64, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.obsolete.Contains(seq) {
		return
	}
	s.obsolete.Add(seq)
	s.count--
	s.aliveBytes -= size
}

func (s *storageEntry) snapshot() StorageStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StorageStats{
		Count:         s.count,
		AliveBytes:    s.aliveBytes,
		ObsoleteCount: int(s.obsolete.GetCardinality()),
	}
}

// StorageStats is a point-in-time view of one checkpoint's storage.
type StorageStats struct {
	Count         int
	AliveBytes    int
	ObsoleteCount int
}
