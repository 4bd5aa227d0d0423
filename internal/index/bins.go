package index

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/eigerco/mulberry/internal/crypto"
)

const (
	// maxBinBits is how many leading address bits participate in shard
	// selection. Addresses are uniformly distributed, so the top 24 bits
	// partition the key space evenly.
	maxBinBits = 24
	// MaxShards is the largest supported shard count.
	MaxShards = 1 << maxBinBits
)

var ErrBadShardCount = errors.New("shard count must be a power of two between 1 and 2^24")

// binCalculator maps an address to its shard using a fixed prefix of the
// address. The shard count is chosen at initialization and immutable.
type binCalculator struct {
	// bits from the first 3 address bytes to shift away when selecting
	// the shard
	shiftBits uint
}

func newBinCalculator(shards int) (binCalculator, error) {
	if shards <= 0 || shards > MaxShards || shards&(shards-1) != 0 {
		return binCalculator{}, fmt.Errorf("%w: %d", ErrBadShardCount, shards)
	}
	binBits := bits.Len(uint(shards)) - 1
	return binCalculator{shiftBits: maxBinBits - uint(binBits)}, nil
}

func (b binCalculator) shards() int {
	return 1 << (maxBinBits - b.shiftBits)
}

func (b binCalculator) bin(addr crypto.Address) int {
	prefix := uint(addr[0])<<16 | uint(addr[1])<<8 | uint(addr[2])
	return int(prefix >> b.shiftBits)
}
