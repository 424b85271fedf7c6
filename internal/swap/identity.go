package swap

import (
	"encoding/binary"
	"math/big"

	"golang.org/x/crypto/blake2b"
)

// Canonical encoding: fixed field order, fixed widths. Hashes are raw 32
// bytes, addresses are length-prefixed (u32 LE) UTF-8, amounts are 16-byte
// little-endian (validated to fit 128 bits), heights are u64 LE. Any change
// here changes every escrow ID, so it never changes.

func appendAddress(b []byte, addr string) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(addr)))
	return append(b, addr...)
}

func appendAmount(b []byte, v *big.Int) []byte {
	var be [16]byte
	if v != nil {
		v.FillBytes(be[:])
	}
	// big.Int fills big-endian; reverse into little-endian.
	for i := 15; i >= 0; i-- {
		b = append(b, be[i])
	}
	return b
}

// EncodeCanonical returns the canonical byte encoding of the immutables.
func (im Immutables) EncodeCanonical() []byte {
	b := make([]byte, 0, 160)
	b = append(b, im.OrderHash[:]...)
	b = append(b, im.Hashlock[:]...)
	b = appendAddress(b, im.Maker)
	b = appendAddress(b, im.Taker)
	b = appendAmount(b, im.Amount)
	b = appendAmount(b, im.SafetyDeposit)
	b = binary.LittleEndian.AppendUint64(b, im.Timelocks.DeployedAt)
	b = binary.LittleEndian.AppendUint64(b, im.Timelocks.WithdrawalAfter)
	b = binary.LittleEndian.AppendUint64(b, im.Timelocks.PublicWithdrawalAfter)
	b = binary.LittleEndian.AppendUint64(b, im.Timelocks.CancellationAfter)
	return b
}

// EscrowID derives the escrow's content address. It doubles as the registry
// key and as the de-duplication guard against replayed creation calls.
func EscrowID(im Immutables) Hash {
	return Hash(blake2b.Sum256(im.EncodeCanonical()))
}

// IntentKey derives the content address of a maker's intent slot.
func IntentKey(maker string, nonce uint64) Hash {
	b := appendAddress(nil, maker)
	b = binary.LittleEndian.AppendUint64(b, nonce)
	return Hash(blake2b.Sum256(b))
}

// HashSecret hashes a withdrawal secret for comparison with a hashlock.
func HashSecret(secret []byte) Hash {
	return Hash(blake2b.Sum256(secret))
}
