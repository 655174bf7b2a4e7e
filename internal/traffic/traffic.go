// Package traffic builds synthetic scrambled link traffic: training sets, filler sets, logical
// idle and framed packets, as the transmitter of a PCIe Gen1/Gen2 link would send them.
//
// Every block has an even number of symbols and starts on a word boundary, so COM always lands
// in the first wire slot and the packet framing symbols STP/END in the second.
package traffic

import (
	"math/rand"

	"pcieanalyzer/proto/scrambler"
	"pcieanalyzer/proto/symbol"
)

// Stream is the same traffic before and after the transmitter.
type Stream struct {
	Plain []symbol.Word // pipeline order, unscrambled
	Wire  []symbol.Word // transceiver order, scrambled
}

type txSym struct {
	sym    symbol.Symbol
	bypass bool
}

// Generator accumulates blocks of symbols.
type Generator struct {
	rng  *rand.Rand
	syms []txSym
}

func New(seed int64) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

func (g *Generator) rnd() uint8 { return uint8(g.rng.Intn(256)) }

func (g *Generator) k(v uint8) { g.syms = append(g.syms, txSym{sym: symbol.KSym(v)}) }

func (g *Generator) d(v uint8, bypass bool) {
	g.syms = append(g.syms, txSym{symbol.DSym(v), bypass})
}

// Training appends a TS1 or TS2: COM, five random fields, ten identifiers.
func (g *Generator) Training(id uint8) *Generator {
	g.k(symbol.COM)
	for i := 0; i < 5; i++ {
		g.d(g.rnd(), true)
	}
	for i := 0; i < 10; i++ {
		g.d(id, true)
	}
	return g
}

// Filler appends COM followed by three copies of a filler character (SKP, FTS or IDL).
func (g *Generator) Filler(char uint8) *Generator {
	g.k(symbol.COM)
	for i := 0; i < 3; i++ {
		g.k(char)
	}
	return g
}

// Idle appends 2n logical idle (scrambled zero) symbols.
func (g *Generator) Idle(n int) *Generator {
	for i := 0; i < 2*n; i++ {
		g.d(0, false)
	}
	return g
}

// Packet appends a framed packet with 2n payload bytes. STP and END are preceded by one random
// data byte to keep them in the second wire slot.
func (g *Generator) Packet(n int) *Generator {
	g.d(g.rnd(), false)
	g.k(symbol.STP)
	for i := 0; i < 2*n; i++ {
		g.d(g.rnd(), false)
	}
	g.d(g.rnd(), false)
	g.k(symbol.END)
	return g
}

// Random appends n randomly chosen blocks.
func (g *Generator) Random(n int) *Generator {
	for i := 0; i < n; i++ {
		switch g.rng.Intn(7) {
		case 0:
			g.Training(symbol.TS1ID)
		case 1:
			g.Training(symbol.TS2ID)
		case 2:
			g.Filler(symbol.SKP)
		case 3:
			g.Filler(symbol.FTS)
		case 4:
			g.Idle(1 + g.rng.Intn(3))
		default:
			g.Packet(1 + g.rng.Intn(8))
		}
	}
	return g
}

// Symbols returns the plaintext symbols in transmission order.
func (g *Generator) Symbols() []symbol.Symbol {
	out := make([]symbol.Symbol, len(g.syms))
	for i, s := range g.syms {
		out[i] = s.sym
	}
	return out
}

// Stream scrambles everything appended so far with a fresh transmitter.
func (g *Generator) Stream() Stream {
	scr := scrambler.NewScrambler()
	var st Stream
	for i := 0; i+1 < len(g.syms); i += 2 {
		a, b := g.syms[i], g.syms[i+1]
		first := scr.Symbol(a.sym, a.bypass)
		second := scr.Symbol(b.sym, b.bypass)
		st.Wire = append(st.Wire, symbol.Wire(first, second))
		st.Plain = append(st.Plain, symbol.MakeWord(a.sym, b.sym))
	}
	return st
}

// Generate is a TS1 followed by n random blocks.
func Generate(seed int64, n int) Stream {
	return New(seed).Training(symbol.TS1ID).Random(n).Stream()
}
