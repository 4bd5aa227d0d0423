package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/mulberry/internal/checkpoint"
	"github.com/eigerco/mulberry/internal/crypto"
)

func TestNewShardCountValidation(t *testing.T) {
	testCases := []struct {
		shards int
		valid  bool
	}{
		{0, false},
		{-1, false},
		{1, true},
		{2, true},
		{3, false},
		{256, true},
		{1 << 24, true},
		{1<<24 + 1, false},
		{1 << 25, false},
	}

	for _, tc := range testCases {
		_, err := New(tc.shards)
		if tc.valid {
			require.NoError(t, err, "shards=%d", tc.shards)
		} else {
			require.ErrorIs(t, err, ErrBadShardCount, "shards=%d", tc.shards)
		}
	}
}

func TestBinUsesAddressPrefix(t *testing.T) {
	calc, err := newBinCalculator(4)
	require.NoError(t, err)

	// With 4 shards only the top 2 bits of the first byte matter.
	assert.Equal(t, 0, calc.bin(crypto.Address{0x00}))
	assert.Equal(t, 0, calc.bin(crypto.Address{0x3F, 0xFF, 0xFF}))
	assert.Equal(t, 1, calc.bin(crypto.Address{0x40}))
	assert.Equal(t, 2, calc.bin(crypto.Address{0x80}))
	assert.Equal(t, 3, calc.bin(crypto.Address{0xC0}))
	assert.Equal(t, 3, calc.bin(crypto.Address{0xFF, 0xFF, 0xFF}))
}

func TestUpsertLookup(t *testing.T) {
	ix, err := New(8)
	require.NoError(t, err)

	addr := crypto.Address{7}
	_, ok := ix.Lookup(addr)
	require.False(t, ok)

	ix.Upsert(addr, Handle{Checkpoint: 1, Seq: 0})
	h, ok := ix.Lookup(addr)
	require.True(t, ok)
	require.Equal(t, Handle{Checkpoint: 1, Seq: 0}, h)
	require.Equal(t, 1, ix.Len())
}

func TestUpsertNewerWins(t *testing.T) {
	ix, err := New(8)
	require.NoError(t, err)
	addr := crypto.Address{7}

	ix.Upsert(addr, Handle{Checkpoint: 2, Seq: 5})

	// An older checkpoint does not displace the entry.
	prev, ok := ix.Upsert(addr, Handle{Checkpoint: 1, Seq: 9})
	require.True(t, ok)
	require.Equal(t, Handle{Checkpoint: 2, Seq: 5}, prev)
	h, _ := ix.Lookup(addr)
	require.Equal(t, Handle{Checkpoint: 2, Seq: 5}, h)

	// A later sequence in the same checkpoint does.
	ix.Upsert(addr, Handle{Checkpoint: 2, Seq: 6})
	h, _ = ix.Lookup(addr)
	require.Equal(t, Handle{Checkpoint: 2, Seq: 6}, h)
}

func TestOneLiveEntryPerAddress(t *testing.T) {
	ix, err := New(4)
	require.NoError(t, err)
	addr := crypto.Address{0x80}

	for cp := uint64(1); cp <= 10; cp++ {
		ix.Upsert(addr, Handle{Checkpoint: checkpoint.Checkpoint(cp)})
	}
	require.Equal(t, 1, ix.Len())
}

func TestRemoveOnlyIfCurrent(t *testing.T) {
	ix, err := New(4)
	require.NoError(t, err)
	addr := crypto.Address{1}

	ix.Upsert(addr, Handle{Checkpoint: 3, Seq: 1})

	require.False(t, ix.Remove(addr, Handle{Checkpoint: 2, Seq: 1}))
	_, ok := ix.Lookup(addr)
	require.True(t, ok)

	require.True(t, ix.Remove(addr, Handle{Checkpoint: 3, Seq: 1}))
	_, ok = ix.Lookup(addr)
	require.False(t, ok)
}

func TestHandleNewer(t *testing.T) {
	assert.True(t, Handle{Checkpoint: 2}.Newer(Handle{Checkpoint: 1, Seq: 9}))
	assert.True(t, Handle{Checkpoint: 1, Seq: 2}.Newer(Handle{Checkpoint: 1, Seq: 1}))
	assert.False(t, Handle{Checkpoint: 1, Seq: 1}.Newer(Handle{Checkpoint: 1, Seq: 1}))
	assert.False(t, Handle{Checkpoint: 1, Seq: 5}.Newer(Handle{Checkpoint: 2, Seq: 0}))
}
