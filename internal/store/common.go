package store

import (
	"encoding/binary"
	"fmt"

	"github.com/eigerco/mulberry/internal/checkpoint"
	"github.com/eigerco/mulberry/internal/crypto"
)

const (
	ErrFailedBatchCommit = "failed to commit batch: %v"
)

// Prefix constants for all store record types
const (
	prefixVersion byte = iota + 1
	prefixWriteSet
	prefixDeltaRoot
	prefixCheckpointMeta
)

// PrefixToString converts a prefix byte to a string
func PrefixToString(p byte) string {
	switch p {
	case prefixVersion:
		return "version"
	case prefixWriteSet:
		return "writeSet"
	case prefixDeltaRoot:
		return "deltaRoot"
	case prefixCheckpointMeta:
		return "checkpointMeta"
	default:
		return "unknown"
	}
}

// makeVersionKey builds the key of one account version:
// prefix | address | checkpoint. Address-major layout keeps all versions of
// one address contiguous and ordered by checkpoint.
func makeVersionKey(addr crypto.Address, cp checkpoint.Checkpoint) []byte {
	key := make([]byte, 1+crypto.AddressSize+8)
	key[0] = prefixVersion
	copy(key[1:], addr[:])
	binary.BigEndian.PutUint64(key[1+crypto.AddressSize:], uint64(cp))
	return key
}

// versionScanBounds returns the key range covering all versions of addr at
// checkpoints in [0, at]. The upper bound appends a zero byte to make the
// exclusive bound include the at checkpoint itself.
func versionScanBounds(addr crypto.Address, at checkpoint.Checkpoint) (start, end []byte) {
	start = makeVersionKey(addr, 0)
	end = append(makeVersionKey(addr, at), 0)
	return start, end
}

// makeWriteSetKey builds the key of one write-set entry:
// prefix | checkpoint | address. Checkpoint-major layout makes a prefix
// scan of one checkpoint yield its write set already sorted by address.
func makeWriteSetKey(cp checkpoint.Checkpoint, addr crypto.Address) []byte {
	key := make([]byte, 1+8+crypto.AddressSize)
	key[0] = prefixWriteSet
	binary.BigEndian.PutUint64(key[1:], uint64(cp))
	copy(key[1+8:], addr[:])
	return key
}

// writeSetScanBounds returns the key range covering the write set of cp.
// The exclusive upper bound appends 0xff bytes past any valid address
// suffix rather than incrementing the checkpoint, so the maximum
// checkpoint value needs no special case.
func writeSetScanBounds(cp checkpoint.Checkpoint) (start, end []byte) {
	start = make([]byte, 1+8)
	start[0] = prefixWriteSet
	binary.BigEndian.PutUint64(start[1:], uint64(cp))
	end = append(makeWriteSetKey(cp, crypto.Address{}), 0)
	for i := 1 + 8; i < len(end); i++ {
		end[i] = 0xff
	}
	return start, end
}

func parseWriteSetKey(key []byte) (checkpoint.Checkpoint, crypto.Address, error) {
	if len(key) != 1+8+crypto.AddressSize || key[0] != prefixWriteSet {
		return 0, crypto.Address{}, fmt.Errorf("malformed write-set key of %d bytes", len(key))
	}
	cp := checkpoint.Checkpoint(binary.BigEndian.Uint64(key[1:9]))
	var addr crypto.Address
	copy(addr[:], key[9:])
	return cp, addr, nil
}

func parseVersionKey(key []byte) (crypto.Address, checkpoint.Checkpoint, error) {
	if len(key) != 1+crypto.AddressSize+8 || key[0] != prefixVersion {
		return crypto.Address{}, 0, fmt.Errorf("malformed version key of %d bytes", len(key))
	}
	var addr crypto.Address
	copy(addr[:], key[1:1+crypto.AddressSize])
	cp := checkpoint.Checkpoint(binary.BigEndian.Uint64(key[1+crypto.AddressSize:]))
	return addr, cp, nil
}

// makeCheckpointKey builds a checkpoint-keyed record (delta root or meta).
func makeCheckpointKey(prefix byte, cp checkpoint.Checkpoint) []byte {
	key := make([]byte, 1+8)
	key[0] = prefix
	binary.BigEndian.PutUint64(key[1:], uint64(cp))
	return key
}
