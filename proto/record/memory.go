package record

import (
	"github.com/pkg/errors"
)

var ErrOutOfRange = errors.New("address out of range")

// Memory is the word-addressed capture memory the recorder writes into. Each word is one
// 32-bit beat of the repacked stream, lane 0 in the low byte.
type Memory struct {
	data []uint32
}

func NewMemory(sizeWords uint32) *Memory {
	return &Memory{
		data: make([]uint32, sizeWords),
	}
}

// Size is the capacity in words.
func (m *Memory) Size() uint32 {
	return uint32(len(m.data))
}

// Contains reports whether addr is backed by storage.
func (m *Memory) Contains(addr uint32) bool {
	return uint64(addr) < uint64(len(m.data))
}

// Load returns 0 for addresses past the end, like an unmapped bus read.
func (m *Memory) Load(addr uint32) uint32 {
	if m.Contains(addr) {
		return m.data[addr]
	}
	return 0
}

// Store drops writes past the end and reports whether the word landed.
func (m *Memory) Store(addr uint32, value uint32) bool {
	if m.Contains(addr) {
		m.data[addr] = value
		return true
	}
	return false
}

// Upload copies n words starting at base, the host-side read-back after a capture.
func (m *Memory) Upload(base, n uint32) ([]uint32, error) {
	end := uint64(base) + uint64(n)
	if end > uint64(len(m.data)) {
		return nil, errors.Wrapf(ErrOutOfRange, "upload of %d words at 0x%08x, memory holds %d", n, base, len(m.data))
	}
	out := make([]uint32, n)
	copy(out, m.data[base:end])
	return out, nil
}
