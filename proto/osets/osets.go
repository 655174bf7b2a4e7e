// ════════════════════════════════════════════════════════════════════════════════════════════════
// PCIe Ordered-Set Detector - Hardware Reference Model
// ────────────────────────────────────────────────────────────────────────────────────────────────
//
// This Go implementation models the exact clock-by-clock behaviour of the analyzer's ordered-set
// detector. Methods with pointer receivers are sequential logic (always_ff); plain functions are
// combinational (always_comb).
//
// WHAT IT DOES:
// ─────────────
// The physical layer interleaves ordered sets with scrambled payload. Ordered-set bytes are not
// scrambled, so the descrambler must be told which bytes to leave alone. The detector looks for
// the known patterns in a 10-word lookback window and tags every byte lane that belongs to one.
//
//	Ordered set          Pattern (leading symbol first)
//	────────────────────────────────────────────────────────────
//	SKP                  COM SKP SKP SKP
//	Electrical idle      COM IDL IDL IDL
//	FTS                  COM FTS FTS FTS
//	TS1                  COM x x x x x D10.2 ×10
//	TS2                  COM x x x x x D5.2  ×10
//	Compliance           COM D21.5 COM D10.2
//	Modified compliance  COM D21.5 COM D10.2 ERR ERR COM COM
//
// PIPELINE STRUCTURE:
// ───────────────────
// Cycle N:   word enters window slot 0 (byte lanes swapped: leading symbol → data[15:8])
// Cycle N+8: word reaches slot 8, pattern logic inspects slots 8…0
// Cycle N+9: word leaves slot 9 together with the registered tag and type
//
// Total latency: 9 cycles
// Throughput: 1 word per cycle, never stalls
//
// DRAIN COUNTER:
// ──────────────
// A hit tags the triggering word directly and loads a 16-bit drain pattern. Each following
// cycle the top two bits become the tag and the pattern shifts left by two. While it drains the
// type output keeps the value set by the hit; once it is empty the output reverts to DATA.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package osets

import (
	"fmt"

	"pcieanalyzer/proto/symbol"
)

const (
	WindowDepth = 10 // Words of lookback
	Latency     = 9  // Cycles from input to tagged output
)

// Type classifies the ordered set a tagged word belongs to.
// Hardware: 4-bit output, values 0-7 used.
type Type uint8

const (
	Data Type = iota
	Skip
	Idle
	FTS
	TS1
	TS2
	Compliance
	ModifiedCompliance

	NumTypes = 8
)

var typeNames = [NumTypes]string{
	"DATA", "SKIP", "IDLE", "FTS", "TS1", "TS2", "COMPLIANCE", "MODIFIED_COMPLIANCE",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Lane bits of the ordered-set mask.
const (
	MaskTrailing uint8 = 0b01 // data[7:0]
	MaskLeading  uint8 = 0b10 // data[15:8]
	MaskBoth     uint8 = 0b11
)

// Tagged is a pipeline-order word plus its ordered-set tag.
//
// Hardware: 24-bit bus {type[3:0], osets[1:0], ctrl[1:0], data[15:0]}
type Tagged struct {
	symbol.Word
	Mask uint8 // 2 bits - lane is part of an ordered set, do not descramble
	Type Type  // 4 bits - classification of the current ordered set
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// SHIFT WINDOW
// ════════════════════════════════════════════════════════════════════════════════════════════════
//
// window is the 10-deep word shift chain, kept as a ring so a push is one index update.
// at(0) is the newest word, at(9) the oldest.
//
// Hardware: 10 × 18-bit registers (word0 … word9)

type window struct {
	words [WindowDepth]symbol.Word
	head  int
}

func (w *window) at(i int) symbol.Word {
	return w.words[(w.head+WindowDepth-i)%WindowDepth]
}

func (w *window) push(x symbol.Word) {
	w.head = (w.head + 1) % WindowDepth
	w.words[w.head] = x
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// PATTERN LOGIC (Combinational)
// ════════════════════════════════════════════════════════════════════════════════════════════════

// hit is the result of one pattern comparator firing.
type hit struct {
	mask  uint8
	typ   Type
	drain uint16
}

// Drain patterns: the number of leading ones is the number of lanes still to tag after the
// triggering word.
const (
	drainLeadingFiller     uint16 = 0b1100000000000000
	drainLeadingTraining   uint16 = 0b1111111111111100
	drainLeadingCompliance uint16 = 0b1100000000000000
	drainLeadingModified   uint16 = 0b1111110000000000

	drainTrailingFiller     uint16 = 0b1110000000000000
	drainTrailingTraining   uint16 = 0b1111111111111100
	drainTrailingCompliance uint16 = 0b1110000000000000
	drainTrailingModified   uint16 = 0b1111111000000000
)

var fillers = [...]struct {
	char uint8
	typ  Type
}{
	{symbol.SKP, Skip},
	{symbol.IDL, Idle},
	{symbol.FTS, FTS},
}

var trainings = [...]struct {
	id  uint8
	typ Type
}{
	{symbol.TS1ID, TS1},
	{symbol.TS2ID, TS2},
}

func hi(w symbol.Word) uint8 { return uint8(w.Data >> 8) }
func lo(w symbol.Word) uint8 { return uint8(w.Data) }

// matchLeading evaluates the comparators for a COM in the leading lane of slot 8.
//
// The comparators are evaluated in gateware source order; a later hit overrides an earlier one.
// Only the COM itself is checked for its K flag, every other compare is on data bits alone.
func matchLeading(win *window) (hit, bool) {
	w8 := win.at(8)
	if !w8.Upper().Is(symbol.COM) {
		return hit{}, false
	}

	var h hit
	found := false
	w7 := win.at(7)

	// COM F F F
	for _, f := range fillers {
		if lo(w8) == f.char && w7.Data == symbol.Two(f.char) {
			h, found = hit{MaskBoth, f.typ, drainLeadingFiller}, true
		}
	}

	// COM … ID ×10 : slots 5…1 are full identifier pairs
	for _, ts := range trainings {
		run := true
		for i := 5; i >= 1; i-- {
			run = run && win.at(i).Data == symbol.Two(ts.id)
		}
		if run {
			h, found = hit{MaskBoth, ts.typ, drainLeadingTraining}, true
		}
	}

	// COM D21.5 COM D10.2 [ERR ERR COM COM]
	if lo(w8) == symbol.CPID && hi(w7) == symbol.COM && lo(w7) == symbol.TS1ID {
		w5 := win.at(5)
		if hi(w5) == symbol.COM && lo(w5) == symbol.COM {
			h = hit{MaskBoth, ModifiedCompliance, drainLeadingModified}
		} else {
			h = hit{MaskBoth, Compliance, drainLeadingCompliance}
		}
		found = true
	}

	return h, found
}

// matchTrailing evaluates the comparators for a COM in the trailing lane of slot 8.
// Every pattern is shifted by one byte relative to matchLeading.
func matchTrailing(win *window) (hit, bool) {
	w8 := win.at(8)
	if !w8.Lower().Is(symbol.COM) {
		return hit{}, false
	}

	var h hit
	found := false
	w7, w6 := win.at(7), win.at(6)

	for _, f := range fillers {
		if w7.Data == symbol.Two(f.char) && hi(w6) == f.char {
			h, found = hit{MaskTrailing, f.typ, drainTrailingFiller}, true
		}
	}

	// The trailing alignment tags both lanes of the triggering word and drains for 7 words,
	// so the last identifier byte in slot 0 is never tagged. Kept as the gateware does it.
	for _, ts := range trainings {
		run := lo(win.at(5)) == ts.id && hi(win.at(0)) == ts.id
		for i := 4; i >= 1; i-- {
			run = run && win.at(i).Data == symbol.Two(ts.id)
		}
		if run {
			h, found = hit{MaskBoth, ts.typ, drainTrailingTraining}, true
		}
	}

	if hi(w7) == symbol.CPID && lo(w7) == symbol.COM && hi(w6) == symbol.TS1ID {
		if lo(win.at(5)) == symbol.COM && hi(win.at(4)) == symbol.COM {
			h = hit{MaskTrailing, ModifiedCompliance, drainTrailingModified}
		} else {
			h = hit{MaskTrailing, Compliance, drainTrailingCompliance}
		}
		found = true
	}

	return h, found
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// DETECTOR (Sequential)
// ════════════════════════════════════════════════════════════════════════════════════════════════

// DetectorStats is debug information, not synthesized.
type DetectorStats struct {
	Cycles     uint64
	Hits       [NumTypes]uint64 // Trigger events per type (Hits[Data] is unused)
	TaggedByte uint64           // Output lanes with a mask bit set
}

// Detector holds all state of the ordered-set detector.
//
// Hardware: 10 × 18-bit window + 16-bit drain register + 6-bit output register
type Detector struct {
	win   window
	drain uint16
	out   Tagged
	stats DetectorStats
}

func NewDetector() *Detector {
	return &Detector{}
}

// Reset returns the detector to its power-on state.
func (d *Detector) Reset() {
	*d = Detector{}
}

// Cycle models one rising clock edge. in is a transceiver-order word; the return value is the
// registered output after the edge, which carries the word that entered Latency cycles ago.
func (d *Detector) Cycle(in symbol.Word) Tagged {
	// Next-state logic reads the pre-edge registers only.
	mask, typ, drain := d.out.Mask, d.out.Type, d.drain
	if top := uint8(d.drain >> 14); top != 0 {
		mask = top
		drain = d.drain << 2
	} else {
		mask = 0
		typ = Data
	}

	h, ok := matchLeading(&d.win)
	if !ok {
		h, ok = matchTrailing(&d.win)
	}
	if ok {
		mask, typ, drain = h.mask, h.typ, h.drain
		d.stats.Hits[h.typ]++
	}

	// Clock edge
	d.win.push(in.Swap())
	d.drain = drain
	d.out = Tagged{Word: d.win.at(Latency), Mask: mask, Type: typ}

	d.stats.Cycles++
	d.stats.TaggedByte += uint64(popcount2(mask))
	return d.out
}

// Output returns the registered output without advancing the clock.
func (d *Detector) Output() Tagged {
	return d.out
}

func (d *Detector) Stats() DetectorStats {
	return d.stats
}

func popcount2(m uint8) int {
	return int(m&1) + int(m>>1&1)
}
