package accounts

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/eigerco/mulberry/internal/crypto"
)

var (
	ErrRecordTruncated = errors.New("account record truncated")
	ErrDataTooLarge    = errors.New("account data exceeds maximum size")
)

// MaxDataSize bounds the serialized data field. Matches the u32 length
// prefix on the wire.
const MaxDataSize = math.MaxUint32

// Layout: lamports u64 | data length u32 | data | owner 32 bytes |
// executable byte | rent epoch u64, all integers little-endian. The layout
// is fixed and self-delimiting so the same account always serializes to the
// same bytes.
const fixedOverhead = 8 + 4 + crypto.AddressSize + 1 + 8

func serializedSize(a Account) int {
	return fixedOverhead + len(a.Data)
}

// Marshal serializes an account into its canonical byte form.
func Marshal(a Account) ([]byte, error) {
	if uint64(len(a.Data)) > MaxDataSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrDataTooLarge, len(a.Data))
	}
	return appendAccount(make([]byte, 0, serializedSize(a)), a), nil
}

func appendAccount(buf []byte, a Account) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, a.Lamports)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(a.Data)))
	buf = append(buf, a.Data...)
	buf = append(buf, a.Owner[:]...)
	if a.Executable {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.LittleEndian.AppendUint64(buf, a.RentEpoch)
	return buf
}

// Unmarshal parses an account from its canonical byte form. The input must
// contain exactly one record with no trailing bytes.
func Unmarshal(data []byte) (Account, error) {
	if len(data) < fixedOverhead {
		return Account{}, fmt.Errorf("%w: %d bytes", ErrRecordTruncated, len(data))
	}

	var a Account
	a.Lamports = binary.LittleEndian.Uint64(data[:8])
	dataLen := int(binary.LittleEndian.Uint32(data[8:12]))
	if len(data) != fixedOverhead+dataLen {
		return Account{}, fmt.Errorf("%w: want %d bytes, have %d", ErrRecordTruncated, fixedOverhead+dataLen, len(data))
	}

	rest := data[12:]
	if dataLen > 0 {
		a.Data = make([]byte, dataLen)
		copy(a.Data, rest[:dataLen])
	}
	rest = rest[dataLen:]

	copy(a.Owner[:], rest[:crypto.AddressSize])
	rest = rest[crypto.AddressSize:]

	switch rest[0] {
	case 0:
		a.Executable = false
	case 1:
		a.Executable = true
	default:
		return Account{}, fmt.Errorf("invalid executable flag %#x", rest[0])
	}

	a.RentEpoch = binary.LittleEndian.Uint64(rest[1:9])
	return a, nil
}
