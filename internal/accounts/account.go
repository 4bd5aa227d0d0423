package accounts

import (
	"github.com/eigerco/mulberry/internal/crypto"
)

// Account is one versioned account state. Identity is the address it is
// stored under; the struct itself carries only the payload fields.
// Accounts are never mutated in place: every write appends a new version
// tagged with the checkpoint it was written in.
type Account struct {
	Lamports   uint64
	Data       []byte
	Owner      crypto.Address
	Executable bool
	RentEpoch  uint64
}

// IsDead reports whether this version marks the account as deleted.
// A zero-lamport version with no data carries no live state and becomes
// eligible for removal once it falls below the compaction watermark.
func (a Account) IsDead() bool {
	return a.Lamports == 0 && len(a.Data) == 0
}

// ContentHash computes the canonical content hash of an account version,
// bound to the address it is stored under. Two versions with identical
// payloads under different addresses hash differently.
func (a Account) ContentHash(addr crypto.Address) crypto.Hash {
	buf := make([]byte, 0, crypto.AddressSize+serializedSize(a))
	buf = append(buf, addr[:]...)
	buf = appendAccount(buf, a)
	return crypto.HashData(buf)
}

// Equal reports whether two account versions are identical, byte for byte.
func (a Account) Equal(other Account) bool {
	if a.Lamports != other.Lamports ||
		a.Owner != other.Owner ||
		a.Executable != other.Executable ||
		a.RentEpoch != other.RentEpoch ||
		len(a.Data) != len(other.Data) {
		return false
	}
	for i := range a.Data {
		if a.Data[i] != other.Data[i] {
			return false
		}
	}
	return true
}
