package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eigerco/mulberry/internal/accounts"
	"github.com/eigerco/mulberry/internal/checkpoint"
	"github.com/eigerco/mulberry/internal/crypto"
	"github.com/eigerco/mulberry/internal/testutils"
	"github.com/eigerco/mulberry/pkg/db/pebble"
)

func newStore(t *testing.T) *Accounts {
	kv, err := pebble.NewKVStore(t.TempDir())
	require.NoError(t, err)

	acc, err := NewAccounts(kv, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { acc.Close() })
	return acc
}

func Test_AppendRead(t *testing.T) {
	acc := newStore(t)
	addr := testutils.RandomAddress(t)
	account := testutils.RandomAccount(t, 100)

	handle, err := acc.Append(1, addr, account)
	require.NoError(t, err)
	require.Equal(t, checkpoint.Checkpoint(1), handle.Checkpoint)

	got, cp, err := acc.Read(addr, 1, checkpoint.NewAncestors(1))
	require.NoError(t, err)
	require.Equal(t, checkpoint.Checkpoint(1), cp)
	require.True(t, account.Equal(got), "read must return the exact bytes written")
}

func Test_ReadNotFound(t *testing.T) {
	acc := newStore(t)
	_, _, err := acc.Read(testutils.RandomAddress(t), 5, checkpoint.NewAncestors(5))
	require.ErrorIs(t, err, ErrNotFound)
}

func Test_ReadLatestVisibleVersion(t *testing.T) {
	acc := newStore(t)
	addr := testutils.RandomAddress(t)

	v1 := accounts.Account{Lamports: 100}
	v2 := accounts.Account{Lamports: 150}
	_, err := acc.Append(1, addr, v1)
	require.NoError(t, err)
	_, err = acc.Append(2, addr, v2)
	require.NoError(t, err)

	got, cp, err := acc.Read(addr, 1, checkpoint.NewAncestors(1))
	require.NoError(t, err)
	require.Equal(t, uint64(100), got.Lamports)
	require.Equal(t, checkpoint.Checkpoint(1), cp)

	got, cp, err = acc.Read(addr, 2, checkpoint.NewAncestors(1, 2))
	require.NoError(t, err)
	require.Equal(t, uint64(150), got.Lamports)
	require.Equal(t, checkpoint.Checkpoint(2), cp)

	// Reading at a later checkpoint with no newer version returns the
	// floor version.
	got, _, err = acc.Read(addr, 9, checkpoint.NewAncestors(1, 2, 9))
	require.NoError(t, err)
	require.Equal(t, uint64(150), got.Lamports)
}

func Test_ReadSkipsInvisibleForks(t *testing.T) {
	acc := newStore(t)
	addr := testutils.RandomAddress(t)

	_, err := acc.Append(1, addr, accounts.Account{Lamports: 100})
	require.NoError(t, err)
	// Written on a fork the reader does not descend from.
	_, err = acc.Append(2, addr, accounts.Account{Lamports: 999})
	require.NoError(t, err)

	got, cp, err := acc.Read(addr, 3, checkpoint.NewAncestors(1, 3))
	require.NoError(t, err)
	require.Equal(t, uint64(100), got.Lamports)
	require.Equal(t, checkpoint.Checkpoint(1), cp)
}

func Test_LastWriterWinsWithinCheckpoint(t *testing.T) {
	acc := newStore(t)
	addr := testutils.RandomAddress(t)

	h1, err := acc.Append(3, addr, accounts.Account{Lamports: 1})
	require.NoError(t, err)
	h2, err := acc.Append(3, addr, accounts.Account{Lamports: 2})
	require.NoError(t, err)
	require.True(t, h2.Seq > h1.Seq)

	got, _, err := acc.Read(addr, 3, checkpoint.NewAncestors(3))
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.Lamports)

	// The write set carries only the winning version.
	ws, err := acc.WriteSet(3)
	require.NoError(t, err)
	require.Len(t, ws, 1)
	require.Equal(t, h2.Seq, ws[0].Seq)

	stats := acc.Stats(3)
	require.Equal(t, 1, stats.Count)
	require.Equal(t, 1, stats.ObsoleteCount)
}

func Test_ConcurrentAppendsSameAddress(t *testing.T) {
	acc := newStore(t)
	addr := testutils.RandomAddress(t)

	const writers = 16
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = acc.Append(3, addr, accounts.Account{Lamports: uint64(i + 1)})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	// Exactly one version survives, and it is the one with the highest
	// write sequence.
	ws, err := acc.WriteSet(3)
	require.NoError(t, err)
	require.Len(t, ws, 1)

	got, seq, err := acc.ReadExact(addr, 3)
	require.NoError(t, err)
	require.Equal(t, ws[0].Seq, seq)
	require.Equal(t, uint64(writers-1), seq)
	require.NotZero(t, got.Lamports)
}

func Test_WriteSetSortedByAddress(t *testing.T) {
	acc := newStore(t)

	addrs := []crypto.Address{{0xC0}, {0x01}, {0x80}, {0x02}}
	for i, addr := range addrs {
		_, err := acc.Append(1, addr, accounts.Account{Lamports: uint64(i + 1)})
		require.NoError(t, err)
	}

	ws, err := acc.WriteSet(1)
	require.NoError(t, err)
	require.Len(t, ws, len(addrs))
	for i := 1; i < len(ws); i++ {
		require.True(t, ws[i-1].Address.Compare(ws[i].Address) < 0, "write set must be address sorted")
	}
}

func Test_WriteSetScopedToCheckpoint(t *testing.T) {
	acc := newStore(t)
	addr := testutils.RandomAddress(t)

	_, err := acc.Append(1, addr, accounts.Account{Lamports: 1})
	require.NoError(t, err)
	_, err = acc.Append(2, addr, accounts.Account{Lamports: 2})
	require.NoError(t, err)

	ws, err := acc.WriteSet(1)
	require.NoError(t, err)
	require.Len(t, ws, 1)

	ws, err = acc.WriteSet(2)
	require.NoError(t, err)
	require.Len(t, ws, 1)

	ws, err = acc.WriteSet(3)
	require.NoError(t, err)
	require.Empty(t, ws)
}

func Test_Reclaim(t *testing.T) {
	acc := newStore(t)
	addr := testutils.RandomAddress(t)

	_, err := acc.Append(1, addr, accounts.Account{Lamports: 100})
	require.NoError(t, err)
	_, err = acc.Append(2, addr, accounts.Account{Lamports: 150})
	require.NoError(t, err)

	_, err = acc.Reclaim(1, addr)
	require.NoError(t, err)

	// The reclaimed version is gone, the newer one unaffected.
	_, _, err = acc.ReadExact(addr, 1)
	require.ErrorIs(t, err, ErrNotFound)
	got, _, err := acc.ReadExact(addr, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(150), got.Lamports)

	ws, err := acc.WriteSet(1)
	require.NoError(t, err)
	require.Empty(t, ws)

	_, err = acc.Reclaim(1, addr)
	require.ErrorIs(t, err, ErrNotFound)
}

func Test_PurgeCheckpoint(t *testing.T) {
	acc := newStore(t)
	addr := testutils.RandomAddress(t)

	_, err := acc.Append(1, addr, accounts.Account{Lamports: 100})
	require.NoError(t, err)
	h, err := acc.Append(5, addr, accounts.Account{Lamports: 999})
	require.NoError(t, err)
	require.NoError(t, acc.PutDeltaRoot(5, testutils.RandomHash(t)))
	require.NoError(t, acc.PutCheckpointMeta(5, CheckpointMeta{Parent: 1, HasParent: true, Status: checkpoint.StatusOpen}))

	records, err := acc.PurgeCheckpoint(5)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, addr, records[0].Address)
	require.Equal(t, h.Seq, records[0].Seq)

	// Every trace of the checkpoint is gone.
	_, _, err = acc.ReadExact(addr, 5)
	require.ErrorIs(t, err, ErrNotFound)
	ws, err := acc.WriteSet(5)
	require.NoError(t, err)
	require.Empty(t, ws)
	_, err = acc.GetDeltaRoot(5)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = acc.GetCheckpointMeta(5)
	require.ErrorIs(t, err, ErrNotFound)

	// The purged version no longer supersedes anything.
	ok, err := acc.NewerVersionExists(addr, 1, 9)
	require.NoError(t, err)
	require.False(t, ok)

	got, _, err := acc.ReadExact(addr, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(100), got.Lamports)
}

func Test_RecoverRebuildsBookkeeping(t *testing.T) {
	dir := t.TempDir()

	kv, err := pebble.NewKVStore(dir)
	require.NoError(t, err)
	acc, err := NewAccounts(kv, Options{})
	require.NoError(t, err)

	addr := testutils.RandomAddress(t)
	other := testutils.RandomAddress(t)
	_, err = acc.Append(1, addr, accounts.Account{Lamports: 1})
	require.NoError(t, err)
	h, err := acc.Append(1, addr, accounts.Account{Lamports: 2})
	require.NoError(t, err)
	_, err = acc.Append(2, other, accounts.Account{Lamports: 3, Data: []byte{9}})
	require.NoError(t, err)
	require.NoError(t, acc.Close())

	kv, err = pebble.NewKVStore(dir)
	require.NoError(t, err)
	reopened, err := NewAccounts(kv, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	type seen struct {
		cp  checkpoint.Checkpoint
		seq uint64
	}
	visited := make(map[crypto.Address]seen)
	require.NoError(t, reopened.Recover(func(a crypto.Address, cp checkpoint.Checkpoint, seq uint64) {
		visited[a] = seen{cp: cp, seq: seq}
	}))

	// Only the winning version of each address survives on disk.
	require.Len(t, visited, 2)
	require.Equal(t, seen{cp: 1, seq: h.Seq}, visited[addr])
	require.Equal(t, 1, reopened.Stats(1).Count)
	require.Equal(t, 1, reopened.Stats(2).Count)

	// New writes continue past the recovered sequence counter.
	h2, err := reopened.Append(1, other, accounts.Account{Lamports: 4})
	require.NoError(t, err)
	require.True(t, h2.Seq > h.Seq)
}

func Test_CheckpointMetas(t *testing.T) {
	acc := newStore(t)

	require.NoError(t, acc.PutCheckpointMeta(1, CheckpointMeta{Status: checkpoint.StatusRooted}))
	require.NoError(t, acc.PutCheckpointMeta(2, CheckpointMeta{Parent: 1, HasParent: true, Status: checkpoint.StatusOpen}))

	metas, err := acc.CheckpointMetas()
	require.NoError(t, err)
	require.Len(t, metas, 2)
	require.Equal(t, CheckpointMeta{Status: checkpoint.StatusRooted}, metas[1])
	require.Equal(t, CheckpointMeta{Parent: 1, HasParent: true, Status: checkpoint.StatusOpen}, metas[2])
}

func Test_NewerVersionExists(t *testing.T) {
	acc := newStore(t)
	addr := testutils.RandomAddress(t)

	_, err := acc.Append(1, addr, accounts.Account{Lamports: 1})
	require.NoError(t, err)
	_, err = acc.Append(5, addr, accounts.Account{Lamports: 5})
	require.NoError(t, err)

	ok, err := acc.NewerVersionExists(addr, 1, 5)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = acc.NewerVersionExists(addr, 1, 4)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = acc.NewerVersionExists(addr, 5, 9)
	require.NoError(t, err)
	require.False(t, ok)
}

func Test_CorruptRecord(t *testing.T) {
	kv, err := pebble.NewKVStore(t.TempDir())
	require.NoError(t, err)

	acc, err := NewAccounts(kv, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { acc.Close() })

	addr := testutils.RandomAddress(t)
	// Plant a record that cannot be deserialized.
	require.NoError(t, kv.Put(makeVersionKey(addr, 1), []byte{0, 0, 0, 0, 0, 0, 0, 1, 0xde, 0xad}))

	_, _, err = acc.ReadExact(addr, 1)
	require.ErrorIs(t, err, ErrCorruptRecord)
	require.ErrorContains(t, err, addr.String())
	require.ErrorContains(t, err, "checkpoint 1")
}

func Test_DeltaRootPersistence(t *testing.T) {
	acc := newStore(t)
	root := testutils.RandomHash(t)

	require.NoError(t, acc.PutDeltaRoot(7, root))
	got, err := acc.GetDeltaRoot(7)
	require.NoError(t, err)
	require.Equal(t, root, got)

	_, err = acc.GetDeltaRoot(8)
	require.ErrorIs(t, err, ErrNotFound)
}

func Test_CheckpointMetaPersistence(t *testing.T) {
	acc := newStore(t)

	meta := CheckpointMeta{Parent: 4, HasParent: true, Status: checkpoint.StatusRooted}
	require.NoError(t, acc.PutCheckpointMeta(5, meta))

	got, err := acc.GetCheckpointMeta(5)
	require.NoError(t, err)
	require.Equal(t, meta, got)

	_, err = acc.GetCheckpointMeta(6)
	require.ErrorIs(t, err, ErrNotFound)
}

func Test_StoreClosed(t *testing.T) {
	acc := newStore(t)
	require.NoError(t, acc.Close())
	// Closing twice has no effect.
	require.NoError(t, acc.Close())

	addr := testutils.RandomAddress(t)
	_, err := acc.Append(1, addr, accounts.Account{Lamports: 1})
	require.ErrorIs(t, err, ErrStoreClosed)
	_, _, err = acc.Read(addr, 1, checkpoint.NewAncestors(1))
	require.ErrorIs(t, err, ErrStoreClosed)
	_, err = acc.WriteSet(1)
	require.ErrorIs(t, err, ErrStoreClosed)
}
