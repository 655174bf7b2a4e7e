package record_test

import (
	"github.com/pkg/errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"pcieanalyzer/proto/csr"
	"pcieanalyzer/proto/record"
)

var _ = Describe("Memory", func() {
	It("drops stores past the end and reads them as zero", func() {
		m := record.NewMemory(4)
		Expect(m.Store(3, 0xAA)).To(BeTrue())
		Expect(m.Store(4, 0xBB)).To(BeFalse())
		Expect(m.Load(3)).To(Equal(uint32(0xAA)))
		Expect(m.Load(4)).To(BeZero())
	})

	It("bounds-checks uploads", func() {
		m := record.NewMemory(16)
		words, err := m.Upload(12, 4)
		Expect(err).NotTo(HaveOccurred())
		Expect(words).To(HaveLen(4))

		_, err = m.Upload(12, 5)
		Expect(errors.Cause(err)).To(Equal(record.ErrOutOfRange))

		_, err = m.Upload(0xFFFFFFFF, 2)
		Expect(errors.Cause(err)).To(Equal(record.ErrOutOfRange))
	})
})

var _ = Describe("Recorder", func() {
	var (
		mem *record.Memory
		rec *record.Recorder
	)

	// feed offers words until each is accepted, clocking the recorder once per offer.
	feed := func(words ...uint32) {
		for _, w := range words {
			for !rec.Cycle(w, true) {
			}
		}
	}
	idle := func(n int) {
		for i := 0; i < n; i++ {
			rec.Cycle(0, false)
		}
	}

	BeforeEach(func() {
		mem = record.NewMemory(64)
		rec = record.New(mem, testLogger())
	})

	It("starts idle with done set", func() {
		Expect(rec.State()).To(Equal(record.Idle))
		Expect(rec.Done()).To(BeTrue())
	})

	It("writes exactly length words at base", func() {
		rec.SetBase(10)
		rec.SetLength(5)
		rec.Start()
		Expect(rec.Done()).To(BeFalse())

		rec.Cycle(0, false)
		Expect(rec.State()).To(Equal(record.Running))

		feed(1, 2, 3, 4, 5, 6, 7)
		idle(record.FIFODepth + 2)

		Expect(rec.Done()).To(BeTrue())
		Expect(rec.State()).To(Equal(record.Idle))

		words, err := mem.Upload(9, 7)
		Expect(err).NotTo(HaveOccurred())
		Expect(words).To(Equal([]uint32{0, 1, 2, 3, 4, 5, 0}))

		s := rec.Stats()
		Expect(s.Words).To(Equal(uint64(5)))
		Expect(s.Captures).To(Equal(uint64(1)))
	})

	It("queues up to the FIFO depth while idle and records it first", func() {
		for i := uint32(0); i < record.FIFODepth; i++ {
			Expect(rec.Cycle(100+i, true)).To(BeTrue())
		}
		Expect(rec.Ready()).To(BeFalse())
		Expect(rec.Cycle(999, true)).To(BeFalse())
		Expect(rec.Stats().Stalls).To(Equal(uint64(1)))

		rec.SetLength(3)
		rec.Start()
		idle(5)

		words, _ := mem.Upload(0, 4)
		Expect(words).To(Equal([]uint32{100, 101, 102, 0}))
		Expect(rec.Ready()).To(BeTrue())
	})

	It("finishes a zero-length capture without writing", func() {
		rec.SetLength(0)
		rec.Start()
		rec.Cycle(0xDEAD, true)
		Expect(rec.Done()).To(BeTrue())
		Expect(rec.Stats().Words).To(BeZero())
		Expect(rec.Stats().Captures).To(Equal(uint64(1)))
	})

	It("ignores start while a capture runs", func() {
		rec.SetLength(2)
		rec.Start()
		rec.Cycle(0, false)
		rec.Start()
		feed(1, 2)
		idle(4)
		Expect(rec.Stats().Captures).To(Equal(uint64(1)))
		Expect(rec.State()).To(Equal(record.Idle))
	})

	It("counts words addressed past the end of memory", func() {
		rec.SetBase(62)
		rec.SetLength(4)
		rec.Start()
		rec.Cycle(0, false)
		feed(1, 2, 3, 4)
		idle(6)
		Expect(rec.Stats().Words).To(Equal(uint64(2)))
		Expect(rec.Stats().Dropped).To(Equal(uint64(2)))
	})

	Context("through the register file", func() {
		var regs *csr.File

		BeforeEach(func() {
			regs = csr.NewFile()
			rec.AddRegisters(regs, "rx_recorder")
		})

		It("captures when driven like the host script", func() {
			Expect(regs.Write("rx_recorder_base", 0)).To(Succeed())
			Expect(regs.Write("rx_recorder_length", 2)).To(Succeed())
			Expect(regs.Write("rx_recorder_start", 1)).To(Succeed())

			Expect(regs.Read("rx_recorder_done")).To(BeZero())
			rec.Cycle(0, false)
			feed(0xCAFE, 0xF00D)
			idle(4)
			Expect(regs.Read("rx_recorder_done")).To(Equal(uint32(1)))

			words, _ := mem.Upload(0, 2)
			Expect(words).To(Equal([]uint32{0xCAFE, 0xF00D}))
		})

		It("rejects writes to done", func() {
			err := regs.Write("rx_recorder_done", 0)
			Expect(errors.Cause(err)).To(Equal(csr.ErrReadOnly))
		})

		It("lists the four registers", func() {
			Expect(regs.Names()).To(ConsistOf(
				"rx_recorder_base", "rx_recorder_done", "rx_recorder_length", "rx_recorder_start"))
		})
	})
})
