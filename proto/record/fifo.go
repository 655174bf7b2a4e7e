package record

// FIFODepth is the depth of the clock-domain crossing between the link clock and the memory
// clock.
const FIFODepth = 8

// fifo models the buffered asynchronous FIFO in front of the memory writer. Both clocks are the
// same clock in this model, so it reduces to a ring buffer.
//
// Hardware: 8 × 32-bit dual-port RAM + gray-coded pointers
type fifo struct {
	words [FIFODepth]uint32
	head  int // next read
	n     int
}

func (f *fifo) full() bool  { return f.n == FIFODepth }
func (f *fifo) empty() bool { return f.n == 0 }

func (f *fifo) push(w uint32) {
	f.words[(f.head+f.n)%FIFODepth] = w
	f.n++
}

func (f *fifo) pop() uint32 {
	w := f.words[f.head]
	f.head = (f.head + 1) % FIFODepth
	f.n--
	return w
}
