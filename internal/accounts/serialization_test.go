package accounts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/mulberry/internal/crypto"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	testCases := []struct {
		name    string
		account Account
	}{
		{"empty", Account{}},
		{"no data", Account{Lamports: 100, RentEpoch: 3}},
		{"with data", Account{Lamports: 1, Data: []byte{1, 2, 3}, Executable: true}},
		{"owner set", Account{Lamports: 42, Owner: crypto.Address{0xAA, 0xBB}, RentEpoch: 255}},
		{"large data", Account{Lamports: 9, Data: make([]byte, 10*1024)}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := Marshal(tc.account)
			require.NoError(t, err)

			got, err := Unmarshal(raw)
			require.NoError(t, err)
			assert.True(t, tc.account.Equal(got), "round trip mismatch")
		})
	}
}

func TestUnmarshalTruncated(t *testing.T) {
	raw, err := Marshal(Account{Lamports: 5, Data: []byte{1, 2, 3, 4}})
	require.NoError(t, err)

	for i := 0; i < len(raw); i++ {
		_, err := Unmarshal(raw[:i])
		require.Error(t, err, "truncation at %d bytes must fail", i)
	}

	// Trailing garbage is rejected too.
	_, err = Unmarshal(append(raw, 0))
	require.ErrorIs(t, err, ErrRecordTruncated)
}

func TestUnmarshalBadExecutableFlag(t *testing.T) {
	raw, err := Marshal(Account{Lamports: 5})
	require.NoError(t, err)

	// The executable byte sits between owner and rent epoch.
	raw[len(raw)-9] = 2
	_, err = Unmarshal(raw)
	require.Error(t, err)
}

func TestContentHashBindsAddress(t *testing.T) {
	account := Account{Lamports: 100, Data: []byte("state")}
	addrA := crypto.Address{1}
	addrB := crypto.Address{2}

	require.NotEqual(t, account.ContentHash(addrA), account.ContentHash(addrB))
	require.Equal(t, account.ContentHash(addrA), account.ContentHash(addrA))
}

func TestContentHashChangesWithPayload(t *testing.T) {
	addr := crypto.Address{9}
	a := Account{Lamports: 100}
	b := Account{Lamports: 150}
	require.NotEqual(t, a.ContentHash(addr), b.ContentHash(addr))
}

func TestIsDead(t *testing.T) {
	assert.True(t, Account{}.IsDead())
	assert.False(t, Account{Lamports: 1}.IsDead())
	assert.False(t, Account{Data: []byte{0}}.IsDead())
}
