// ════════════════════════════════════════════════════════════════════════════════════════════════
// PCIe 8b/10b Symbol Stream - Hardware Reference Model
// ────────────────────────────────────────────────────────────────────────────────────────────────
//
// Types shared by every stage of the analyzer pipeline. The transceiver hands the fabric one
// 16-bit word per clock: two decoded 8b/10b symbols plus one K flag per symbol.
//
// LANE ORDER:
// ───────────
// As delivered by the transceiver, the LOW byte (ctrl bit 0) is the first symbol on the wire.
// The ordered-set detector swaps the bytes on entry so that from the detector onwards the HIGH
// byte (ctrl bit 1) is the leading symbol. Every stage after the detector uses that order.
//
//	Transceiver word:  [15:8] second symbol   [7:0] first symbol    ctrl = {k_second, k_first}
//	Pipeline word:     [15:8] leading symbol  [7:0] trailing symbol ctrl = {k_lead, k_trail}
//
// The 4-lane Quad used by the filler remover stores the earliest byte in lane 0 (bits [7:0]).
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package symbol

import "fmt"

// K builds the 8-bit value of a Kx.y control character (K(28, 5) is COM).
func K(x, y uint8) uint8 { return y<<5 | x }

// D builds the 8-bit value of a Dx.y data character (D(10, 2) is the TS1 identifier).
func D(x, y uint8) uint8 { return y<<5 | x }

// Two places the same byte in both halves of a 16-bit word.
func Two(b uint8) uint16 { return uint16(b)<<8 | uint16(b) }

// Special characters of the PCIe Gen1/Gen2 physical layer.
var (
	COM = K(28, 5) // 0xBC - comma, starts every ordered set, resets the scrambler
	SKP = K(28, 0) // 0x1C - skip, clock compensation filler
	FTS = K(28, 1) // 0x3C - fast training sequence
	IDL = K(28, 3) // 0x7C - electrical idle
	STP = K(27, 7) // 0xFB - start TLP
	SDP = K(28, 2) // 0x5C - start DLLP
	END = K(29, 7) // 0xFD - end of packet
	EDB = K(30, 7) // 0xFE - end bad
	PAD = K(23, 7) // 0xF7 - pad

	TS1ID = D(10, 2) // 0x4A - TS1 identifier
	TS2ID = D(5, 2)  // 0x45 - TS2 identifier
	CPID  = D(21, 5) // 0xB5 - compliance pattern identifier
)

// Symbol is one decoded byte and its K flag.
type Symbol struct {
	Value uint8
	K     bool
}

// KSym and DSym are shorthands used mostly by test vectors.
func KSym(v uint8) Symbol { return Symbol{Value: v, K: true} }
func DSym(v uint8) Symbol { return Symbol{Value: v} }

// Is reports whether s is the control character v.
func (s Symbol) Is(v uint8) bool { return s.K && s.Value == v }

func (s Symbol) String() string {
	if s.K {
		return fmt.Sprintf("K%02X", s.Value)
	}
	return fmt.Sprintf("D%02X", s.Value)
}

// Word is one clock of a 2-lane stream.
//
// Hardware: 18-bit bus {ctrl[1:0], data[15:0]}
type Word struct {
	Data uint16 // 16 bits - two symbols
	Ctrl uint8  // 2 bits  - K flag per byte, bit N covers data[8N+7:8N]
}

// MakeWord builds a pipeline-order word from the leading and trailing symbols.
func MakeWord(lead, trail Symbol) Word {
	w := Word{Data: uint16(lead.Value)<<8 | uint16(trail.Value)}
	if lead.K {
		w.Ctrl |= 0b10
	}
	if trail.K {
		w.Ctrl |= 0b01
	}
	return w
}

// Wire builds a transceiver-order word: first is the symbol received first.
func Wire(first, second Symbol) Word {
	return MakeWord(second, first)
}

// Upper returns the symbol in data[15:8].
func (w Word) Upper() Symbol {
	return Symbol{Value: uint8(w.Data >> 8), K: w.Ctrl&0b10 != 0}
}

// Lower returns the symbol in data[7:0].
func (w Word) Lower() Symbol {
	return Symbol{Value: uint8(w.Data), K: w.Ctrl&0b01 != 0}
}

// Swap exchanges the two byte lanes together with their K flags.
//
// Verilog equivalent:
//
//	assign swapped = {ctrl[0], ctrl[1], data[7:0], data[15:8]};
func (w Word) Swap() Word {
	return Word{
		Data: w.Data<<8 | w.Data>>8,
		Ctrl: (w.Ctrl&1)<<1 | (w.Ctrl>>1)&1,
	}
}

func (w Word) String() string {
	return fmt.Sprintf("%v %v", w.Upper(), w.Lower())
}

// Quad is one clock of a 4-lane stream. Lane 0 holds the earliest byte.
//
// Hardware: 36-bit bus {ctrl[3:0], data[31:0]}
type Quad struct {
	Data uint32 // 32 bits - four symbols
	Ctrl uint8  // 4 bits  - K flag per lane
}

// MakeQuad builds a quad from up to four symbols in transmission order.
func MakeQuad(syms ...Symbol) Quad {
	var q Quad
	for i, s := range syms {
		if i == 4 {
			break
		}
		q.Data |= uint32(s.Value) << (8 * i)
		if s.K {
			q.Ctrl |= 1 << i
		}
	}
	return q
}

// Lane returns the symbol in lane i (0-3).
func (q Quad) Lane(i int) Symbol {
	return Symbol{Value: uint8(q.Data >> (8 * i)), K: q.Ctrl>>i&1 != 0}
}

// Symbols returns the four lanes in transmission order.
func (q Quad) Symbols() [4]Symbol {
	return [4]Symbol{q.Lane(0), q.Lane(1), q.Lane(2), q.Lane(3)}
}

func (q Quad) String() string {
	return fmt.Sprintf("%v %v %v %v", q.Lane(0), q.Lane(1), q.Lane(2), q.Lane(3))
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// 2 → 4 LANE WIDENER
// ════════════════════════════════════════════════════════════════════════════════════════════════
//
// Widener packs two consecutive pipeline-order Words into one Quad. It is the 16→32 bit stream
// converter between the descrambler and the filler remover: a Quad comes out every second clock.
//
//	Quad lanes = { w1.trailing, w1.leading, w0.trailing, w0.leading }   (lane 3 … lane 0)
//
// Hardware: one 18-bit holding register + phase flip-flop
// ════════════════════════════════════════════════════════════════════════════════════════════════

type Widener struct {
	held  Word
	phase bool // true once the first half of a Quad is held
}

// Cycle accepts one Word and returns a Quad on every second call.
func (wd *Widener) Cycle(w Word) (Quad, bool) {
	if !wd.phase {
		wd.held = w
		wd.phase = true
		return Quad{}, false
	}
	wd.phase = false
	first := wd.held
	return MakeQuad(first.Upper(), first.Lower(), w.Upper(), w.Lower()), true
}

// Reset drops a half-filled Quad.
func (wd *Widener) Reset() {
	*wd = Widener{}
}
