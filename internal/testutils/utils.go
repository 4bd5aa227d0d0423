package testutils

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eigerco/mulberry/internal/accounts"
	"github.com/eigerco/mulberry/internal/crypto"
)

func RandomHash(t *testing.T) crypto.Hash {
	var hash crypto.Hash
	_, err := rand.Read(hash[:])
	require.NoError(t, err)
	return hash
}

func RandomAddress(t *testing.T) crypto.Address {
	var addr crypto.Address
	_, err := rand.Read(addr[:])
	require.NoError(t, err)
	return addr
}

func RandomBytes(t *testing.T, n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func RandomAccount(t *testing.T, lamports uint64) accounts.Account {
	return accounts.Account{
		Lamports:  lamports,
		Data:      RandomBytes(t, 48),
		Owner:     RandomAddress(t),
		RentEpoch: 7,
	}
}
