// ════════════════════════════════════════════════════════════════════════════════════════════════
// Capture Recorder - Hardware Reference Model
// ────────────────────────────────────────────────────────────────────────────────────────────────
//
// Writes the repacked 32-bit stream into capture memory on command from the host.
//
// REGISTERS (prefix_*):
// ─────────────────────
//
//	start   trigger  write 1 to begin a capture
//	done    status   1 while idle
//	base    storage  first word address
//	length  storage  number of words to capture
//
// STATE MACHINE:
// ──────────────
//
//	IDLE ──start──► RUN ──length words written──► IDLE
//
// In RUN every word leaving the 8-deep FIFO is written to base+count. The sink is ready whenever
// the FIFO has room, in either state, so a capture begins with whatever was queued before start.
// A length of 0 finishes without writing anything.
//
// Host writes arrive on another goroutine, so the register state is kept in atomics.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package record

import (
	"sync/atomic"

	"github.com/go-logr/logr"

	"pcieanalyzer/proto/csr"
)

type State uint8

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "RUN"
	}
	return "IDLE"
}

// Stats is debug information, not synthesized.
type Stats struct {
	Cycles   uint64
	Captures uint64 // Completed captures
	Words    uint64 // Words written to memory
	Dropped  uint64 // Words addressed past the end of memory
	Stalls   uint64 // Cycles the sink refused valid input
}

// Recorder holds the FSM, the FIFO and the host registers.
type Recorder struct {
	mem  *Memory
	log  logr.Logger
	fifo fifo

	state State
	count uint32

	// Host-visible
	base    atomic.Uint32
	length  atomic.Uint32
	startRq atomic.Bool
	done    atomic.Bool

	stats Stats
}

func New(mem *Memory, log logr.Logger) *Recorder {
	r := &Recorder{mem: mem, log: log}
	r.done.Store(true)
	return r
}

// Reset returns the FSM and FIFO to power-on state. Register values are kept.
func (r *Recorder) Reset() {
	r.fifo = fifo{}
	r.state = Idle
	r.count = 0
	r.startRq.Store(false)
	r.done.Store(true)
	r.stats = Stats{}
}

func (r *Recorder) Memory() *Memory { return r.mem }
func (r *Recorder) State() State    { return r.state }
func (r *Recorder) Done() bool      { return r.done.Load() }

// Ready is the sink ready signal.
func (r *Recorder) Ready() bool { return !r.fifo.full() }

// SetBase and SetLength write the storage registers.
func (r *Recorder) SetBase(addr uint32) { r.base.Store(addr) }
func (r *Recorder) SetLength(n uint32)  { r.length.Store(n) }

// Start pulses the start register. It takes effect on the next Cycle while idle and is lost while
// a capture is running. done drops immediately so a host polling right after the write does not
// see the previous capture's status.
func (r *Recorder) Start() {
	if r.done.Swap(false) {
		r.startRq.Store(true)
	}
}

// Cycle models one rising clock edge. It returns whether the sink accepted in.
func (r *Recorder) Cycle(in uint32, valid bool) bool {
	accept := valid && r.Ready()

	switch r.state {
	case Idle:
		if r.startRq.Swap(false) {
			r.count = 0
			base, length := r.base.Load(), r.length.Load()
			r.log.V(1).Info("capture started", "base", base, "length", length)
			if length == 0 {
				r.finish()
			} else {
				r.state = Running
				r.done.Store(false)
			}
		}

	case Running:
		if !r.fifo.empty() {
			addr := r.base.Load() + r.count
			if r.mem.Store(addr, r.fifo.pop()) {
				r.stats.Words++
			} else {
				r.stats.Dropped++
			}
			r.count++
			if r.count == r.length.Load() {
				r.finish()
			}
		}
	}

	// FIFO write side
	if accept {
		r.fifo.push(in)
	} else if valid {
		r.stats.Stalls++
	}
	r.stats.Cycles++
	return accept
}

func (r *Recorder) finish() {
	r.state = Idle
	r.done.Store(true)
	r.stats.Captures++
	r.log.V(1).Info("capture done", "words", r.count, "dropped", r.stats.Dropped)
}

func (r *Recorder) Stats() Stats {
	return r.stats
}

// AddRegisters exposes the recorder's registers as prefix_start, prefix_done, prefix_base and
// prefix_length.
func (r *Recorder) AddRegisters(f *csr.File, prefix string) {
	f.AddTrigger(prefix+"_start", func(v uint32) {
		if v&1 != 0 {
			r.Start()
		}
	})
	f.AddStatus(prefix+"_done", func() uint32 {
		if r.Done() {
			return 1
		}
		return 0
	})
	f.AddStorage(prefix+"_base", r.base.Load, r.base.Store)
	f.AddStorage(prefix+"_length", r.length.Load, r.length.Store)
}
