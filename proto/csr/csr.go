// ════════════════════════════════════════════════════════════════════════════════════════════════
// Control/Status Register File
// ────────────────────────────────────────────────────────────────────────────────────────────────
//
// The analyzer's blocks expose a few 32-bit registers to the host: storage registers the host
// writes, status registers it polls, and write-only triggers. Each block adds its registers
// under a prefix so the host sees flat names such as rx_recorder_start or gtp0_rx_bist_errors.
//
//	Kind      Host read        Host write
//	────────────────────────────────────────
//	Storage   stored value     store
//	Status    live value       rejected
//	Trigger   0                pulse (value passed to the block)
//
// Register callbacks run on the caller's goroutine; blocks that are clocked on another goroutine
// keep their register state in atomics.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package csr

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrUnknownRegister = errors.New("unknown register")
	ErrReadOnly        = errors.New("register is read-only")
)

type Kind uint8

const (
	Storage Kind = iota
	Status
	Trigger
)

func (k Kind) String() string {
	switch k {
	case Storage:
		return "storage"
	case Status:
		return "status"
	case Trigger:
		return "trigger"
	}
	return "unknown"
}

// Register is one named host-visible register.
type Register struct {
	Name  string
	Kind  Kind
	read  func() uint32
	write func(uint32)
}

// Accessor is the host side of a register file, local or remote.
type Accessor interface {
	Read(name string) (uint32, error)
	Write(name string, v uint32) error
}

// File is a set of registers addressed by name. Safe for concurrent use.
type File struct {
	mu   sync.RWMutex
	regs map[string]*Register
}

func NewFile() *File {
	return &File{regs: make(map[string]*Register)}
}

func (f *File) add(r *Register) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.regs[r.Name]; dup {
		panic("csr: duplicate register " + r.Name)
	}
	f.regs[r.Name] = r
}

// AddStorage adds a read/write register. read returns the stored value; write stores a new one.
func (f *File) AddStorage(name string, read func() uint32, write func(uint32)) {
	f.add(&Register{Name: name, Kind: Storage, read: read, write: write})
}

// AddStatus adds a read-only register.
func (f *File) AddStatus(name string, read func() uint32) {
	f.add(&Register{Name: name, Kind: Status, read: read})
}

// AddTrigger adds a write-only register; reads return 0.
func (f *File) AddTrigger(name string, write func(uint32)) {
	f.add(&Register{Name: name, Kind: Trigger, write: write})
}

func (f *File) lookup(name string) (*Register, error) {
	f.mu.RLock()
	r, ok := f.regs[name]
	f.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownRegister, "%q", name)
	}
	return r, nil
}

func (f *File) Read(name string) (uint32, error) {
	r, err := f.lookup(name)
	if err != nil {
		return 0, err
	}
	if r.read == nil {
		return 0, nil
	}
	return r.read(), nil
}

func (f *File) Write(name string, v uint32) error {
	r, err := f.lookup(name)
	if err != nil {
		return err
	}
	if r.write == nil {
		return errors.Wrapf(ErrReadOnly, "%q", name)
	}
	r.write(v)
	return nil
}

// Kind returns the kind of a register.
func (f *File) Kind(name string) (Kind, error) {
	r, err := f.lookup(name)
	if err != nil {
		return 0, err
	}
	return r.Kind, nil
}

// Names returns all register names in sorted order.
func (f *File) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.regs))
	for n := range f.regs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Snapshot reads every readable register.
func (f *File) Snapshot() map[string]uint32 {
	out := make(map[string]uint32)
	for _, n := range f.Names() {
		r, _ := f.lookup(n)
		if r.Kind == Trigger {
			continue
		}
		out[n] = r.read()
	}
	return out
}
