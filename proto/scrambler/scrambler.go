package scrambler

import "pcieanalyzer/proto/symbol"

// Scrambler is a symbol-serial model of the transmitter side. It is the reference the
// descrambler is checked against and the source of scrambled test traffic.
//
// Ordered-set data symbols (TS1/TS2 bodies, compliance patterns) are sent in the clear but still
// advance the LFSR; the caller marks them with bypass.
type Scrambler struct {
	lfsr uint16
}

func NewScrambler() *Scrambler {
	return &Scrambler{lfsr: Reset}
}

// Symbol scrambles one symbol and advances the LFSR.
func (s *Scrambler) Symbol(sym symbol.Symbol, bypass bool) symbol.Symbol {
	switch {
	case sym.Is(symbol.COM):
		s.lfsr = Reset
		return sym
	case sym.Is(symbol.SKP):
		return sym
	}

	out := sym
	if !sym.K && !bypass {
		out.Value ^= Key(s.lfsr)
	}
	s.lfsr = Advance1(s.lfsr)
	return out
}

// Word scrambles a transceiver-order word: the low byte goes out first.
func (s *Scrambler) Word(w symbol.Word, bypassFirst, bypassSecond bool) symbol.Word {
	first := s.Symbol(w.Lower(), bypassFirst)
	second := s.Symbol(w.Upper(), bypassSecond)
	return symbol.Wire(first, second)
}

// LFSR returns the current state register.
func (s *Scrambler) LFSR() uint16 {
	return s.lfsr
}
