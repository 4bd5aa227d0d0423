package crypto

import (
	"bytes"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

type Hash [HashSize]byte

// Address is a 32-byte account key. The key space is uniformly
// distributed, so fixed-prefix partitioning of addresses is safe.
type Address [AddressSize]byte

func HashData(data []byte) Hash {
	hash := blake2b.Sum256(data)
	return hash
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// Compare orders addresses lexicographically over the raw 32 bytes.
func (a Address) Compare(other Address) int {
	return bytes.Compare(a[:], other[:])
}
