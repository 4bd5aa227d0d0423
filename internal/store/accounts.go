package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/spaolacci/murmur3"

	"github.com/eigerco/mulberry/internal/accounts"
	"github.com/eigerco/mulberry/internal/checkpoint"
	"github.com/eigerco/mulberry/internal/crypto"
	"github.com/eigerco/mulberry/internal/index"
	"github.com/eigerco/mulberry/pkg/db"
	"github.com/eigerco/mulberry/pkg/db/pebble"
	"github.com/eigerco/mulberry/pkg/log"
)

var (
	ErrNotFound      = errors.New("account not found")
	ErrCorruptRecord = errors.New("corrupt account record")
	ErrStoreClosed   = errors.New("account store is closed")
)

// seqHeaderSize prefixes every version record value with its write
// sequence, big-endian.
const seqHeaderSize = 8

// Options configure an Accounts store.
type Options struct {
	// WriteStripes is the number of per-address write locks; rounded up
	// to a power of two. Concurrent appends to different addresses
	// proceed in parallel, appends to the same address serialize on one
	// stripe.
	WriteStripes int
	// CacheSize is the number of deserialized versions kept in the read
	// cache.
	CacheSize int
}

func (o *Options) applyDefaults() {
	if o.WriteStripes <= 0 {
		o.WriteStripes = 64
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 4096
	}
}

// Accounts is the append-only account version store. Every append creates a
// new version record; prior versions stay intact until compaction reclaims
// them. Appends are committed synchronously, so a version is durable before
// it becomes visible to any reader.
type Accounts struct {
	db     db.KVStore
	cache  *lru.Cache
	closed atomic.Bool

	stripes    []sync.Mutex
	stripeMask uint64

	mu      sync.RWMutex
	storage map[checkpoint.Checkpoint]*storageEntry
}

// WriteRecord is one entry of a checkpoint's write set.
type WriteRecord struct {
	Address crypto.Address
	Seq     uint64
}

// NewAccounts creates an account store over the given KV store.
func NewAccounts(kv db.KVStore, opts Options) (*Accounts, error) {
	opts.applyDefaults()

	stripes := opts.WriteStripes
	for stripes&(stripes-1) != 0 {
		stripes++
	}
	cache, err := lru.New(opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create read cache: %w", err)
	}
	return &Accounts{
		db:         kv,
		cache:      cache,
		stripes:    make([]sync.Mutex, stripes),
		stripeMask: uint64(stripes - 1),
		storage:    make(map[checkpoint.Checkpoint]*storageEntry),
	}, nil
}

func (a *Accounts) stripe(addr crypto.Address) *sync.Mutex {
	h := murmur3.Sum64(addr[:])
	return &a.stripes[h&a.stripeMask]
}

func (a *Accounts) storageFor(cp checkpoint.Checkpoint) *storageEntry {
	a.mu.RLock()
	e, ok := a.storage[cp]
	a.mu.RUnlock()
	if ok {
		return e
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok = a.storage[cp]; ok {
		return e
	}
	e = newStorageEntry()
	a.storage[cp] = e
	return e
}

// Append writes a new version of addr at checkpoint cp. If the same address
// was already written in cp the new version replaces it: last writer wins,
// serialized on the address's write stripe. The version record and the
// checkpoint's write-set entry are committed in one synchronous batch.
func (a *Accounts) Append(cp checkpoint.Checkpoint, addr crypto.Address, account accounts.Account) (index.Handle, error) {
	if a.closed.Load() {
		return index.Handle{}, ErrStoreClosed
	}

	payload, err := accounts.Marshal(account)
	if err != nil {
		return index.Handle{}, fmt.Errorf("marshal account %s: %w", addr, err)
	}

	mu := a.stripe(addr)
	mu.Lock()
	defer mu.Unlock()

	entry := a.storageFor(cp)
	key := makeVersionKey(addr, cp)

	// Detect an earlier write to the same address in this checkpoint so
	// its sequence can be marked obsolete.
	var replacedSeq uint64
	var replacedSize int
	replaced := false
	if prev, err := a.db.Get(key); err == nil {
		if len(prev) >= seqHeaderSize {
			replacedSeq = binary.BigEndian.Uint64(prev[:seqHeaderSize])
			replacedSize = len(prev) - seqHeaderSize
			replaced = true
		}
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return index.Handle{}, fmt.Errorf("read prior version of %s at %d: %w", addr, cp, err)
	}

	seq := entry.allocSeq()

	value := make([]byte, 0, seqHeaderSize+len(payload))
	value = binary.BigEndian.AppendUint64(value, seq)
	value = append(value, payload...)

	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)

	batch := a.db.NewBatch()
	defer batch.Close()
	if err := batch.Put(key, value); err != nil {
		return index.Handle{}, fmt.Errorf("store version: %w", err)
	}
	if err := batch.Put(makeWriteSetKey(cp, addr), seqBytes); err != nil {
		return index.Handle{}, fmt.Errorf("store write-set entry: %w", err)
	}
	if err := batch.Commit(); err != nil {
		return index.Handle{}, fmt.Errorf(ErrFailedBatchCommit, err)
	}

	entry.recordWrite(len(payload), replacedSeq, replaced, replacedSize)
	a.cache.Add(string(key), account)

	return index.Handle{Checkpoint: cp, Seq: seq}, nil
}

// Read returns the latest version of addr visible at checkpoint at,
// following the ancestors visibility set. Returns ErrNotFound if no visible
// version exists.
func (a *Accounts) Read(addr crypto.Address, at checkpoint.Checkpoint, anc checkpoint.Ancestors) (accounts.Account, checkpoint.Checkpoint, error) {
	if a.closed.Load() {
		return accounts.Account{}, 0, ErrStoreClosed
	}

	start, end := versionScanBounds(addr, at)
	iter, err := a.db.NewIterator(start, end)
	if err != nil {
		return accounts.Account{}, 0, fmt.Errorf("scan versions of %s: %w", addr, err)
	}
	defer iter.Close()

	// Versions iterate in ascending checkpoint order; the last visible
	// one is the answer.
	var bestKey []byte
	var bestCP checkpoint.Checkpoint
	found := false
	for iter.Next() {
		_, cp, err := parseVersionKey(iter.Key())
		if err != nil {
			return accounts.Account{}, 0, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		if anc.Contains(cp) {
			bestKey = iter.Key()
			bestCP = cp
			found = true
		}
	}
	if !found {
		return accounts.Account{}, 0, ErrNotFound
	}

	account, err := a.getVersion(bestKey, addr, bestCP)
	if err != nil {
		return accounts.Account{}, 0, err
	}
	return account, bestCP, nil
}

// ReadExact returns the version of addr written at exactly cp, along with
// its write sequence.
func (a *Accounts) ReadExact(addr crypto.Address, cp checkpoint.Checkpoint) (accounts.Account, uint64, error) {
	if a.closed.Load() {
		return accounts.Account{}, 0, ErrStoreClosed
	}

	key := makeVersionKey(addr, cp)
	raw, err := a.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return accounts.Account{}, 0, ErrNotFound
		}
		return accounts.Account{}, 0, fmt.Errorf("get version of %s at %d: %w", addr, cp, err)
	}
	if len(raw) < seqHeaderSize {
		return accounts.Account{}, 0, fmt.Errorf("%w: address %s checkpoint %d: truncated record", ErrCorruptRecord, addr, cp)
	}
	seq := binary.BigEndian.Uint64(raw[:seqHeaderSize])

	if cached, ok := a.cache.Get(string(key)); ok {
		return cached.(accounts.Account), seq, nil
	}

	account, err := accounts.Unmarshal(raw[seqHeaderSize:])
	if err != nil {
		log.Store.Error().Err(err).Str("address", addr.String()).Uint64("checkpoint", uint64(cp)).Msg("corrupt account record")
		return accounts.Account{}, 0, fmt.Errorf("%w: address %s checkpoint %d: %v", ErrCorruptRecord, addr, cp, err)
	}
	a.cache.Add(string(key), account)
	return account, seq, nil
}

// getVersion fetches and decodes one version record, consulting the cache.
func (a *Accounts) getVersion(key []byte, addr crypto.Address, cp checkpoint.Checkpoint) (accounts.Account, error) {
	if cached, ok := a.cache.Get(string(key)); ok {
		return cached.(accounts.Account), nil
	}

	raw, err := a.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			// Reclaimed between scan and fetch.
			return accounts.Account{}, ErrNotFound
		}
		return accounts.Account{}, fmt.Errorf("get version of %s at %d: %w", addr, cp, err)
	}
	if len(raw) < seqHeaderSize {
		return accounts.Account{}, fmt.Errorf("%w: address %s checkpoint %d: truncated record", ErrCorruptRecord, addr, cp)
	}
	account, err := accounts.Unmarshal(raw[seqHeaderSize:])
	if err != nil {
		log.Store.Error().Err(err).Str("address", addr.String()).Uint64("checkpoint", uint64(cp)).Msg("corrupt account record")
		return accounts.Account{}, fmt.Errorf("%w: address %s checkpoint %d: %v", ErrCorruptRecord, addr, cp, err)
	}
	a.cache.Add(string(key), account)
	return account, nil
}

// WriteSet returns the final write set of a checkpoint, sorted by address.
// Within a checkpoint each address appears once: last writer wins.
func (a *Accounts) WriteSet(cp checkpoint.Checkpoint) ([]WriteRecord, error) {
	if a.closed.Load() {
		return nil, ErrStoreClosed
	}

	start, end := writeSetScanBounds(cp)
	iter, err := a.db.NewIterator(start, end)
	if err != nil {
		return nil, fmt.Errorf("scan write set of %d: %w", cp, err)
	}
	defer iter.Close()

	var records []WriteRecord
	for iter.Next() {
		_, addr, err := parseWriteSetKey(iter.Key())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		value, err := iter.Value()
		if err != nil {
			return nil, fmt.Errorf("read write-set entry: %w", err)
		}
		if len(value) != 8 {
			return nil, fmt.Errorf("%w: write-set entry for %s has %d bytes", ErrCorruptRecord, addr, len(value))
		}
		records = append(records, WriteRecord{Address: addr, Seq: binary.BigEndian.Uint64(value)})
	}
	return records, nil
}

// Reclaim physically removes the version of addr written at cp and its
// write-set entry. Used by the compactor once the version is superseded or
// dead. Returns the reclaimed sequence.
func (a *Accounts) Reclaim(cp checkpoint.Checkpoint, addr crypto.Address) (uint64, error) {
	if a.closed.Load() {
		return 0, ErrStoreClosed
	}

	mu := a.stripe(addr)
	mu.Lock()
	defer mu.Unlock()

	key := makeVersionKey(addr, cp)
	raw, err := a.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("get version of %s at %d: %w", addr, cp, err)
	}
	if len(raw) < seqHeaderSize {
		return 0, fmt.Errorf("%w: address %s checkpoint %d: truncated record", ErrCorruptRecord, addr, cp)
	}
	seq := binary.BigEndian.Uint64(raw[:seqHeaderSize])

	batch := a.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(key); err != nil {
		return 0, fmt.Errorf("delete version: %w", err)
	}
	if err := batch.Delete(makeWriteSetKey(cp, addr)); err != nil {
		return 0, fmt.Errorf("delete write-set entry: %w", err)
	}
	if err := batch.Commit(); err != nil {
		return 0, fmt.Errorf(ErrFailedBatchCommit, err)
	}

	a.storageFor(cp).markObsolete(seq, len(raw)-seqHeaderSize)
	a.cache.Remove(string(key))
	return seq, nil
}

// PurgeCheckpoint removes every trace of an abandoned checkpoint: its
// version and write-set records, its delta root and its metadata, all in
// one atomic batch. Returns the purged write records so the caller can
// repair derived state such as the shard index.
func (a *Accounts) PurgeCheckpoint(cp checkpoint.Checkpoint) ([]WriteRecord, error) {
	if a.closed.Load() {
		return nil, ErrStoreClosed
	}

	records, err := a.WriteSet(cp)
	if err != nil {
		return nil, err
	}

	batch := a.db.NewBatch()
	defer batch.Close()
	for _, rec := range records {
		if err := batch.Delete(makeVersionKey(rec.Address, cp)); err != nil {
			return nil, fmt.Errorf("delete version of %s at %d: %w", rec.Address, cp, err)
		}
		if err := batch.Delete(makeWriteSetKey(cp, rec.Address)); err != nil {
			return nil, fmt.Errorf("delete write-set entry of %s at %d: %w", rec.Address, cp, err)
		}
	}
	if err := batch.Delete(makeCheckpointKey(prefixDeltaRoot, cp)); err != nil {
		return nil, fmt.Errorf("delete delta root of %d: %w", cp, err)
	}
	if err := batch.Delete(makeCheckpointKey(prefixCheckpointMeta, cp)); err != nil {
		return nil, fmt.Errorf("delete checkpoint meta of %d: %w", cp, err)
	}
	if err := batch.Commit(); err != nil {
		return nil, fmt.Errorf(ErrFailedBatchCommit, err)
	}

	for _, rec := range records {
		a.cache.Remove(string(makeVersionKey(rec.Address, cp)))
	}
	a.DropStorage(cp)
	return records, nil
}

// NewerVersionExists reports whether addr has a version at a checkpoint in
// (after, upTo]. Used by the compactor to decide whether a version is
// superseded at the watermark.
func (a *Accounts) NewerVersionExists(addr crypto.Address, after, upTo checkpoint.Checkpoint) (bool, error) {
	if a.closed.Load() {
		return false, ErrStoreClosed
	}
	if after >= upTo {
		return false, nil
	}

	start := makeVersionKey(addr, after+1)
	end := append(makeVersionKey(addr, upTo), 0)
	iter, err := a.db.NewIterator(start, end)
	if err != nil {
		return false, fmt.Errorf("scan versions of %s: %w", addr, err)
	}
	defer iter.Close()
	return iter.Next(), nil
}

// Stats returns the storage statistics of one checkpoint.
func (a *Accounts) Stats(cp checkpoint.Checkpoint) StorageStats {
	return a.storageFor(cp).snapshot()
}

// DropStorage forgets the in-memory bookkeeping of a fully compacted
// checkpoint.
func (a *Accounts) DropStorage(cp checkpoint.Checkpoint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.storage, cp)
}

// Close closes the store and its backing database.
func (a *Accounts) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	return a.db.Close()
}
