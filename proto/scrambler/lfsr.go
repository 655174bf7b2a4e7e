// ════════════════════════════════════════════════════════════════════════════════════════════════
// PCIe Gen1/Gen2 Scrambling LFSR - Hardware Reference Model
// ────────────────────────────────────────────────────────────────────────────────────────────────
//
// Polynomial: G(X) = X^16 + X^5 + X^4 + X^3 + 1
//
// The transmitter XORs every data symbol with 8 bits of LFSR output and advances the LFSR by 8
// bit-times per symbol. The receiver runs an identical LFSR and XORs again.
//
// SYNCHRONIZATION RULES:
// ──────────────────────
//   - COM initializes the LFSR to 0xFFFF
//   - SKP does not advance the LFSR
//   - every other symbol (data or control) advances it by one symbol
//   - control symbols and ordered-set data are never XORed
//
// TAP FUNCTIONS:
// ──────────────
// Advance1 is the state 8 bit-times (one symbol) later. Its upper byte, bit reversed, is the key
// that scrambles the next symbol. Advance2 is two symbols later: the same network cascaded.
//
// Hardware: 16 flip-flops + two cascaded XOR networks (next1, next2), ≤4-input XOR per bit
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package scrambler

import "math/bits"

const (
	// Reset is loaded when a COM is seen.
	Reset uint16 = 0xFFFF

	// PostReset is Reset advanced by one symbol, loaded when a COM is followed in the same word
	// by a symbol that advances the LFSR.
	PostReset uint16 = 0xE817
)

// Advance1 returns the LFSR state one symbol (8 bit-times) after v.
//
// Verilog equivalent:
//
//	assign next1[0]  = v[8];
//	assign next1[3]  = v[11] ^ v[8];
//	assign next1[8]  = v[0] ^ v[13] ^ v[12] ^ v[11];   // key bits live in [15:8]
//	...
func Advance1(v uint16) uint16 {
	b := func(i uint) uint16 { return v >> i & 1 }

	n := [16]uint16{
		b(8),
		b(9),
		b(10),
		b(11) ^ b(8),
		b(12) ^ b(9) ^ b(8),
		b(13) ^ b(10) ^ b(9) ^ b(8),
		b(14) ^ b(11) ^ b(10) ^ b(9),
		b(15) ^ b(12) ^ b(11) ^ b(10),

		// Value to be XORed
		b(0) ^ b(13) ^ b(12) ^ b(11),
		b(1) ^ b(14) ^ b(13) ^ b(12),
		b(2) ^ b(15) ^ b(14) ^ b(13),
		b(3) ^ b(15) ^ b(14),
		b(4) ^ b(15),
		b(5),
		b(6),
		b(7),
	}

	var next uint16
	for i, bit := range n {
		next |= bit << i
	}
	return next
}

// Advance2 returns the LFSR state two symbols after v.
func Advance2(v uint16) uint16 {
	return Advance1(Advance1(v))
}

// Key returns the byte XORed into the symbol scrambled with state v: bit i of the symbol is
// XORed with bit 15-i of the state.
func Key(v uint16) uint8 {
	return bits.Reverse8(uint8(v >> 8))
}

// Keystream returns the first n keys after a COM, i.e. what an all-zero payload scrambles to.
func Keystream(n int) []byte {
	out := make([]byte, n)
	v := Reset
	for i := range out {
		out[i] = Key(v)
		v = Advance1(v)
	}
	return out
}
