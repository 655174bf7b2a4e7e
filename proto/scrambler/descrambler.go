package scrambler

import (
	"pcieanalyzer/proto/osets"
	"pcieanalyzer/proto/symbol"
)

// ════════════════════════════════════════════════════════════════════════════════════════════════
// DESCRAMBLER
// ════════════════════════════════════════════════════════════════════════════════════════════════
//
// Consumes the tagged 2-lane stream from the ordered-set detector and removes the scrambling from
// every byte that is neither a control symbol nor tagged as ordered-set data.
//
// The descrambler needs no lock procedure: the first COM resynchronizes it, and every COM after
// that keeps it in step with the transmitter.
//
// PER-CYCLE BEHAVIOUR (keyed by ctrl, leading lane = data[15:8]):
// ───────────────────────────────────────────────────────────────
//
//	ctrl  leading  trailing   LFSR next
//	────────────────────────────────────────────────────────────────────────────────
//	00    ^key(v)  ^key(v+1)  v+2
//	01    ^key(v)  K          trailing COM → Reset, SKP → v+1, other K → v+2
//	10    K        ^key(v)    leading COM → PostReset (trailing ^ 0xFF), SKP → v+1, other → v+2
//	11    K        K          priority chain, see nextBothK
//
// where v+N is the state advanced by N symbols. A set mask bit then forces that lane back to the
// received value.
//
// NOTE: with a non-COM, non-SKP control symbol in the leading lane the trailing byte is XORed
// with key(v), while a symbol-serial transmitter would have advanced once before it. This
// matches the gateware; the round-trip tests keep framing symbols in the trailing lane.
//
// Latency: 1 cycle. Never stalls.
//
// Hardware: 16-bit LFSR register + 24-bit output register + 2 × 8-bit XOR + next-state mux
// ════════════════════════════════════════════════════════════════════════════════════════════════

// class is the part of a symbol's identity the LFSR next-state logic looks at.
type class uint8

const (
	classData class = iota
	classCOM
	classSKP
	classOtherK
)

func classify(s symbol.Symbol) class {
	switch {
	case !s.K:
		return classData
	case s.Value == symbol.COM:
		return classCOM
	case s.Value == symbol.SKP:
		return classSKP
	default:
		return classOtherK
	}
}

// nextOneK is the LFSR update when exactly one lane holds a control symbol.
func nextOneK(k class, v uint16) uint16 {
	switch k {
	case classCOM:
		return Reset
	case classSKP:
		return Advance1(v)
	default:
		return Advance2(v)
	}
}

// nextBothK is the LFSR update when both lanes hold control symbols. The leading lane is
// examined first.
func nextBothK(lead, trail class, v uint16) uint16 {
	switch lead {
	case classCOM:
		switch trail {
		case classCOM, classSKP:
			return Reset
		default:
			return PostReset
		}
	case classSKP:
		switch trail {
		case classCOM:
			return Reset
		case classSKP:
			return v
		default:
			return Advance1(v)
		}
	default:
		switch trail {
		case classCOM:
			return Reset
		case classSKP:
			return Advance1(v)
		default:
			return Advance2(v)
		}
	}
}

// DescramblerStats is debug information, not synthesized.
type DescramblerStats struct {
	Cycles      uint64
	Resyncs     uint64 // Cycles with a COM in either lane
	Descrambled uint64 // Bytes XORed with a key
	Bypassed    uint64 // Data bytes left alone because of an ordered-set mask
}

// Descrambler holds the receiver LFSR and the output register.
type Descrambler struct {
	lfsr  uint16
	out   osets.Tagged
	stats DescramblerStats
}

func NewDescrambler() *Descrambler {
	return &Descrambler{lfsr: Reset}
}

func (d *Descrambler) Reset() {
	*d = Descrambler{lfsr: Reset}
}

// LFSR returns the current state register.
func (d *Descrambler) LFSR() uint16 {
	return d.lfsr
}

// Cycle models one rising clock edge and returns the registered output after it.
func (d *Descrambler) Cycle(in osets.Tagged) osets.Tagged {
	lead, trail := in.Upper(), in.Lower()
	outLead, outTrail := lead.Value, trail.Value
	v := d.lfsr
	var next uint16
	var xored uint64

	switch in.Ctrl {
	case 0b00:
		outLead ^= Key(v)
		outTrail ^= Key(Advance1(v))
		next = Advance2(v)
		xored = 2

	case 0b01:
		outLead ^= Key(v)
		next = nextOneK(classify(trail), v)
		xored = 1

	case 0b10:
		if classify(lead) == classCOM {
			// First byte after the reset: the key of 0xFFFF is an inversion.
			outTrail ^= 0xFF
			next = PostReset
		} else {
			outTrail ^= Key(v)
			next = nextOneK(classify(lead), v)
		}
		xored = 1

	case 0b11:
		next = nextBothK(classify(lead), classify(trail), v)
	}

	// Ordered-set lanes override whatever the ctrl case computed.
	if in.Mask&osets.MaskLeading != 0 {
		outLead = lead.Value
	}
	if in.Mask&osets.MaskTrailing != 0 {
		outTrail = trail.Value
	}

	// Clock edge
	d.lfsr = next
	d.out = osets.Tagged{
		Word: symbol.Word{Data: uint16(outLead)<<8 | uint16(outTrail), Ctrl: in.Ctrl},
		Mask: in.Mask,
		Type: in.Type,
	}

	bypassed := maskedData(in)
	d.stats.Cycles++
	d.stats.Bypassed += bypassed
	d.stats.Descrambled += xored - bypassed
	if lead.Is(symbol.COM) || trail.Is(symbol.COM) {
		d.stats.Resyncs++
	}
	return d.out
}

// Output returns the registered output without advancing the clock.
func (d *Descrambler) Output() osets.Tagged {
	return d.out
}

func (d *Descrambler) Stats() DescramblerStats {
	return d.stats
}

// maskedData counts data lanes that the case logic XORed but the mask restored.
func maskedData(in osets.Tagged) uint64 {
	var n uint64
	if in.Mask&osets.MaskLeading != 0 && in.Ctrl&0b10 == 0 {
		n++
	}
	if in.Mask&osets.MaskTrailing != 0 && in.Ctrl&0b01 == 0 {
		n++
	}
	return n
}
