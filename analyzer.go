package pcieanalyzer

import (
	"github.com/go-logr/logr"

	"pcieanalyzer/proto/osets"
	"pcieanalyzer/proto/record"
	"pcieanalyzer/proto/scrambler"
	"pcieanalyzer/proto/skpremove"
	"pcieanalyzer/proto/symbol"
)

// ═══════════════════════════════════════════════════════════════════════════
// PCIe ANALYZER CORE: Receive Path From Transceiver To Capture Memory
// ═══════════════════════════════════════════════════════════════════════════
//
// WHAT THIS IS:
// The complete receive datapath of the link analyzer, one call per link clock.
// The transceiver delivers 2 decoded 8b/10b symbols per clock; the core
// classifies ordered sets, undoes the scrambling, drops filler symbols and
// writes what is left into capture memory when the host asks for it.
//
// DATAPATH:
//
//	transceiver ─► detector ─► descrambler ─► widener ─► filler remover ─► recorder
//	  16b/clk      9 clocks     1 clock       16→32b      0-7 byte buffer    8-deep FIFO
//
// SPECIFICATIONS:
// - Line rate: 2.5 GT/s (Gen1), 125 MHz link clock, 16 bits per clock
// - Decode latency: 10 clocks from transceiver word to descrambled word
// - The link cannot be stalled. When the recorder backs up far enough to fill
//   the remover, whole quads are lost and counted as overruns.
//
// Every stage samples the registered outputs of the stage before it, so Cycle
// clocks the stages from the sink back to the source.
//
// ═══════════════════════════════════════════════════════════════════════════

// Latency is the number of Cycle calls from a word entering the core to its
// descrambled form leaving it.
const Latency = osets.Latency + 1

// DefaultMemoryWords sizes capture memory when Options leaves it zero (1 MiB).
const DefaultMemoryWords = 1 << 18

// Options configure a Core.
type Options struct {
	Filler      uint8  // Control character removed by the filler remover
	MemoryWords uint32 // Capture memory size in 32-bit words
}

// DefaultOptions matches the gateware build.
func DefaultOptions() Options {
	return Options{
		Filler:      skpremove.DefaultFiller,
		MemoryWords: DefaultMemoryWords,
	}
}

// CoreStats - debug only, not synthesized
type CoreStats struct {
	Cycles   uint64
	Quads    uint64 // Quads produced by the widener
	Overruns uint64 // Quads lost at a full filler remover
}

// Core is the whole receive path.
type Core struct {
	Detector    *osets.Detector
	Descrambler *scrambler.Descrambler
	Remover     *skpremove.Remover
	Recorder    *record.Recorder

	widener symbol.Widener

	// Widener output register, the remover's sink
	quad      symbol.Quad
	quadValid bool

	stats CoreStats
	meter meter
}

func NewCore(opts Options, log logr.Logger) *Core {
	if opts.MemoryWords == 0 {
		opts.MemoryWords = DefaultMemoryWords
	}
	return &Core{
		Detector:    osets.NewDetector(),
		Descrambler: scrambler.NewDescrambler(),
		Remover:     skpremove.NewRemoverWithFiller(opts.Filler),
		Recorder:    record.New(record.NewMemory(opts.MemoryWords), log.WithName("recorder")),
	}
}

// Reset returns every stage to its power-on state. Recorder registers and
// memory contents survive, as they do on a link reset.
func (c *Core) Reset() {
	c.Detector.Reset()
	c.Descrambler.Reset()
	c.Remover.Reset()
	c.Recorder.Reset()
	c.widener.Reset()
	c.quad, c.quadValid = symbol.Quad{}, false
	c.stats = CoreStats{}
	c.meter = meter{}
}

// Cycle - Run one link clock
//
// in is the transceiver word for this clock. The return value is the
// descrambled, tagged word that entered Latency calls earlier.
func (c *Core) Cycle(in symbol.Word) osets.Tagged {
	// Remover ⇄ recorder handshake
	hs := c.Remover.Cycle(c.quad, c.quadValid, c.Recorder.Ready())
	c.Recorder.Cycle(hs.Out.Data, hs.Emitted)
	if c.quadValid && !hs.Accepted {
		c.stats.Overruns++
	}

	// Widener samples the descrambler register
	c.quad, c.quadValid = c.widener.Cycle(c.Descrambler.Output().Word)
	if c.quadValid {
		c.stats.Quads++
	}

	// Descrambler samples the detector register
	out := c.Descrambler.Cycle(c.Detector.Output())
	c.Detector.Cycle(in)

	c.stats.Cycles++
	if c.stats.Cycles%meterInterval == 0 {
		c.Flush()
	}
	return out
}

// Flush pushes the counters accumulated since the last flush to the metrics
// registry. Cycle does this periodically on its own.
func (c *Core) Flush() {
	c.meter.detector(c.Detector.Stats())
	c.meter.descrambler(c.Descrambler.Stats())
	c.meter.remover(c.Remover.Stats())
	c.meter.recorder(c.Recorder.Stats())
	c.meter.overruns(c.stats.Overruns)
}

func (c *Core) Stats() CoreStats {
	return c.stats
}
