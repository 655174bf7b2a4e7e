// ════════════════════════════════════════════════════════════════════════════════════════════════
// Transceiver Built-In Self-Test - Hardware Reference Model
// ────────────────────────────────────────────────────────────────────────────────────────────────
//
// A link check that needs no PCIe partner: the transmitter sends a free-running counter, the
// receiver (usually through near-end PMA loopback) checks that every word is the previous one
// plus one and counts the words that are not.
//
//	TX: data = counter[15:0], valid = enable; counter += 1 whenever the transceiver is ready
//	RX: errors += 1 when data != last + 1; last = data; errors = 0 while disabled
//
// A single corrupted word costs two errors: the bad word itself and the good word after it.
//
// The host drives both through prefix_enable registers and reads prefix_errors.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package bist

import (
	"sync/atomic"

	"pcieanalyzer/proto/csr"
)

// TXGenerator is the transmit-side pattern generator.
//
// Hardware: 32-bit counter + enable synchronizer
type TXGenerator struct {
	enable  atomic.Bool
	counter uint32
}

func (g *TXGenerator) Enabled() bool     { return g.enable.Load() }
func (g *TXGenerator) SetEnable(on bool) { g.enable.Store(on) }

// Cycle returns the word on the transceiver input and advances the counter if ready.
func (g *TXGenerator) Cycle(ready bool) (data uint16, valid bool) {
	data, valid = uint16(g.counter), g.enable.Load()
	if ready {
		g.counter++
	}
	return data, valid
}

func (g *TXGenerator) AddRegisters(f *csr.File, prefix string) {
	f.AddStorage(prefix+"_enable", func() uint32 { return b2u(g.Enabled()) }, func(v uint32) { g.SetEnable(v&1 != 0) })
}

// RXChecker is the receive-side pattern checker.
//
// Hardware: 16-bit last-word register + 16-bit incrementer/comparator + 32-bit error counter
type RXChecker struct {
	enable atomic.Bool
	errors atomic.Uint32
	last   uint16
}

func (c *RXChecker) Enabled() bool     { return c.enable.Load() }
func (c *RXChecker) SetEnable(on bool) { c.enable.Store(on) }
func (c *RXChecker) Errors() uint32    { return c.errors.Load() }

// Cycle samples one received word. It reports whether the word broke the count.
func (c *RXChecker) Cycle(data uint16) bool {
	bad := data != c.last+1
	c.last = data

	// Clear wins over count. The gateware's later increment assignment would still count a
	// mismatch while disabled.
	switch {
	case !c.enable.Load():
		c.errors.Store(0)
	case bad:
		c.errors.Add(1)
	}
	return bad
}

func (c *RXChecker) AddRegisters(f *csr.File, prefix string) {
	f.AddStorage(prefix+"_enable", func() uint32 { return b2u(c.Enabled()) }, func(v uint32) { c.SetEnable(v&1 != 0) })
	f.AddStatus(prefix+"_errors", c.Errors)
}

// Loopback wires a generator to a checker through a link that may corrupt words.
type Loopback struct {
	TX TXGenerator
	RX RXChecker

	Cycles    uint64 // debug only, not synthesized
	Corrupted uint64
}

// Cycle moves one word across the link. flip is XORed into the word on the wire; a disabled
// transmitter leaves the line at zero.
func (l *Loopback) Cycle(flip uint16) {
	data, valid := l.TX.Cycle(true)
	if !valid {
		data = 0
	}
	if flip != 0 {
		data ^= flip
		l.Corrupted++
	}
	l.RX.Cycle(data)
	l.Cycles++
}

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
