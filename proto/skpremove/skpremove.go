// ════════════════════════════════════════════════════════════════════════════════════════════════
// PCIe Filler-Symbol Remover - Hardware Reference Model
// ────────────────────────────────────────────────────────────────────────────────────────────────
//
// Link partners insert SKP ordered sets for clock compensation, on average one every 354
// symbols. They carry nothing worth recording, so the remover deletes the filler symbols from the
// 4-lane stream and repacks what is left into dense, fully valid quads.
//
// DATAPATH:
// ─────────
//
//	sink quad ──► filler compare ──► fragment select ──► 64-bit shift register ──► output select
//	 (4 lanes)     (4 × 9-bit ==)     (16-entry table)    (fill 0-7 bytes)          (fill 4-7)
//
// A fragment is the surviving lanes of one input quad, packed towards lane 0 (0-4 bytes).
// Accepted fragments enter the shift register from the top; the oldest byte of a register
// holding n bytes sits in byte 8-n. Output is valid whenever n ≥ 4 and shows the oldest four.
//
// FLOW CONTROL:
// ─────────────
//
//	sink.ready   = fill ≤ 7
//	source.valid = fill ≥ 4
//	fill'        = fill + len(fragment)·accept - 4·emit
//
// The gateware compares fill ≤ 7 only, which overflows the 8-byte register when 7 bytes are held,
// the downstream stalls and a 2-4 byte fragment arrives. This model refuses such a fragment
// instead (it stays on the sink and is offered again).
//
// FILLER SYMBOL:
// ──────────────
// The gateware matches K28.1 (0x3C) in the lanes, not the SKP character K28.0 (0x1C) that the
// ordered-set detector classifies as SKIP. NewRemover keeps that constant; use
// NewRemoverWithFiller to select another one.
//
// Hardware: 64+8-bit shift register + 4-bit fill counter + 2 lookup muxes. Latency: 1-2 cycles.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package skpremove

import "pcieanalyzer/proto/symbol"

const (
	Lanes    = 4 // Bytes per quad
	Capacity = 8 // Bytes the shift register can hold
	MaxFill  = 7 // Highest fill at which the sink is ready
)

// DefaultFiller is the control character the gateware removes (K28.1).
var DefaultFiller = symbol.K(28, 1)

// ════════════════════════════════════════════════════════════════════════════════════════════════
// FRAGMENT SELECT (Combinational)
// ════════════════════════════════════════════════════════════════════════════════════════════════

// fragment is the packed set of surviving lanes from one input quad.
type fragment struct {
	data  uint32
	ctrl  uint8
	bytes int
}

// fragmentFor packs the lanes of q whose bit in drop is clear, lowest lane first.
//
// In hardware this is a 16-way case statement keyed by the filler bitmask; the table is the
// lane permutation and the data bits come from the quad.
func fragmentFor(q symbol.Quad, drop uint8) fragment {
	var f fragment
	for _, lane := range fragmentLanes[drop&0xF] {
		f.data |= (q.Data >> (8 * lane) & 0xFF) << (8 * f.bytes)
		f.ctrl |= (q.Ctrl >> lane & 1) << f.bytes
		f.bytes++
	}
	return f
}

// fragmentLanes[mask] lists the lanes that survive when the lanes in mask are fillers.
var fragmentLanes = func() (t [16][]uint) {
	for mask := range t {
		for lane := uint(0); lane < Lanes; lane++ {
			if mask>>lane&1 == 0 {
				t[mask] = append(t[mask], lane)
			}
		}
	}
	return t
}()

// fillerMask returns a bit per lane that carries the filler control character.
func fillerMask(q symbol.Quad, filler uint8) uint8 {
	var m uint8
	for i := 0; i < Lanes; i++ {
		if q.Lane(i).Is(filler) {
			m |= 1 << i
		}
	}
	return m
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// SHIFT REGISTER
// ════════════════════════════════════════════════════════════════════════════════════════════════

// shiftReg holds up to 8 bytes; valid bytes occupy the top `fill` positions, oldest lowest.
//
// Hardware: 64-bit data + 8-bit ctrl registers, 4-bit fill counter
type shiftReg struct {
	data uint64
	ctrl uint8
	fill int
}

// insert shifts the register down by the fragment size and places the fragment on top.
//
// Verilog equivalent:
//
//	case (frag_bytes)
//	  1: sr_data <= {frag_data[7:0],  sr_data[63:8]};
//	  2: sr_data <= {frag_data[15:0], sr_data[63:16]};
//	  ...
func (r *shiftReg) insert(f fragment) {
	if f.bytes == 0 {
		return
	}
	n := uint(f.bytes)
	r.data = r.data>>(8*n) | uint64(f.data)<<(64-8*n)
	r.ctrl = r.ctrl>>n | f.ctrl<<(Capacity-n)
}

// oldest selects the four oldest bytes. Only meaningful when fill ≥ 4.
func (r *shiftReg) oldest() symbol.Quad {
	off := uint(Capacity - r.fill)
	return symbol.Quad{
		Data: uint32(r.data >> (8 * off)),
		Ctrl: r.ctrl >> off & 0xF,
	}
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// REMOVER (Sequential)
// ════════════════════════════════════════════════════════════════════════════════════════════════

// Handshake reports what happened on a clock edge.
type Handshake struct {
	Accepted bool        // sink.valid & sink.ready: the input quad was consumed
	Emitted  bool        // source.valid & source.ready: Out left the remover
	Out      symbol.Quad // Output before the edge, meaningful when Emitted
}

// Stats is debug information, not synthesized.
type Stats struct {
	Cycles       uint64
	QuadsIn      uint64
	QuadsOut     uint64
	FillersFound uint64 // Filler bytes dropped
	Refused      uint64 // Valid input not accepted
	MaxFillSeen  int
}

// Remover holds the filler-compaction buffer.
type Remover struct {
	filler uint8
	sr     shiftReg
	stats  Stats
}

func NewRemover() *Remover {
	return NewRemoverWithFiller(DefaultFiller)
}

func NewRemoverWithFiller(filler uint8) *Remover {
	return &Remover{filler: filler}
}

// Reset empties the buffer; the filler setting is kept.
func (r *Remover) Reset() {
	*r = Remover{filler: r.filler}
}

func (r *Remover) Filler() uint8 { return r.filler }

// Fill is the number of bytes held.
func (r *Remover) Fill() int { return r.sr.fill }

// Ready is the sink ready signal.
func (r *Remover) Ready() bool { return r.sr.fill <= MaxFill }

// Output is the source data and valid signal.
func (r *Remover) Output() (symbol.Quad, bool) {
	if r.sr.fill < Lanes {
		return symbol.Quad{}, false
	}
	return r.sr.oldest(), true
}

// Cycle models one rising clock edge. inValid is sink.valid for in, outReady is source.ready.
func (r *Remover) Cycle(in symbol.Quad, inValid, outReady bool) Handshake {
	out, outValid := r.Output()
	emit := outValid && outReady

	drop := fillerMask(in, r.filler)
	frag := fragmentFor(in, drop)

	fill := r.sr.fill
	if emit {
		fill -= Lanes
	}
	accept := inValid && r.Ready() && fill+frag.bytes <= MaxFill

	// Clock edge
	if accept {
		r.sr.insert(frag)
		fill += frag.bytes
	}
	r.sr.fill = fill

	r.stats.Cycles++
	if accept {
		r.stats.QuadsIn++
		r.stats.FillersFound += uint64(Lanes - frag.bytes)
	} else if inValid {
		r.stats.Refused++
	}
	if emit {
		r.stats.QuadsOut++
	}
	if fill > r.stats.MaxFillSeen {
		r.stats.MaxFillSeen = fill
	}

	return Handshake{Accepted: accept, Emitted: emit, Out: out}
}

func (r *Remover) Stats() Stats {
	return r.stats
}
