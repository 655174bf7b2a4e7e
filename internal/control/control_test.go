package control_test

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/garyburd/redigo/redis"
	"github.com/jpillora/backoff"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"pcieanalyzer/internal/control"
	"pcieanalyzer/proto/csr"
	"pcieanalyzer/proto/record"
)

const key = "pcie-analyzer"

var _ = Describe("Mirror", func() {
	var (
		s      *store
		regs   *csr.File
		rec    *record.Recorder
		mirror *control.Mirror
		host   *control.Client
	)

	BeforeEach(func() {
		s = newStore()
		regs = csr.NewFile()
		rec = record.New(record.NewMemory(64), testLogger())
		rec.AddRegisters(regs, "rx")

		dial := func() (redis.Conn, error) { return &fakeConn{s: s}, nil }
		mirror = control.NewMirror(regs, dial, key, "session-1", time.Millisecond, testLogger())
		host = control.NewClient(&fakeConn{s: s}, key)
	})

	AfterEach(func() {
		Expect(mirror.Close()).To(Succeed())
	})

	It("publishes every readable register and the session", func() {
		Expect(mirror.Sync()).To(Succeed())
		Expect(s.hash(key)).To(Equal(map[string]string{
			"rx_done":   "1",
			"rx_base":   "0",
			"rx_length": "0",
			"session":   "session-1",
		}))

		Expect(host.Read("rx_done")).To(BeEquivalentTo(1))
		Expect(host.Session()).To(Equal("session-1"))
	})

	It("applies host writes and acknowledges them after publishing", func() {
		Expect(host.Write("rx_base", 16)).To(Succeed())
		Expect(host.Write("rx_length", 0x20)).To(Succeed())
		Expect(s.hash(key + ":write")).To(HaveLen(2))

		Expect(mirror.Sync()).To(Succeed())
		Expect(s.hash(key + ":write")).To(BeEmpty())
		Expect(regs.Read("rx_base")).To(BeEquivalentTo(16))
		Expect(host.Read("rx_length")).To(BeEquivalentTo(0x20))
	})

	It("accepts hex and decimal values", func() {
		_, err := (&fakeConn{s: s}).Do("HSET", key+":write", "rx_base", "0x10", "rx_length", "7")
		Expect(err).NotTo(HaveOccurred())

		Expect(mirror.Sync()).To(Succeed())
		Expect(regs.Read("rx_base")).To(BeEquivalentTo(16))
		Expect(regs.Read("rx_length")).To(BeEquivalentTo(7))
	})

	It("drops writes it cannot apply without failing the round", func() {
		_, err := (&fakeConn{s: s}).Do("HSET", key+":write",
			"nope", "1",
			"rx_done", "0",
			"rx_base", "not-a-number",
		)
		Expect(err).NotTo(HaveOccurred())

		Expect(mirror.Sync()).To(Succeed())
		Expect(s.hash(key + ":write")).To(BeEmpty())
		Expect(host.Read("rx_done")).To(BeEquivalentTo(1))
		Expect(host.Read("rx_base")).To(BeEquivalentTo(0))
	})

	It("pulses start through the trigger register", func() {
		rec.SetLength(4)
		Expect(host.Write("rx_start", 1)).To(Succeed())
		Expect(mirror.Sync()).To(Succeed())

		Expect(rec.Done()).To(BeFalse())
		Expect(host.Read("rx_done")).To(BeEquivalentTo(0))
		_, err := host.Read("rx_start")
		Expect(err).To(MatchError(csr.ErrUnknownRegister), "triggers are not mirrored")
	})

	It("redials after a connection failure", func() {
		var dials int
		conns := []*fakeConn{}
		mirror = control.NewMirror(regs, func() (redis.Conn, error) {
			dials++
			c := &fakeConn{s: s}
			conns = append(conns, c)
			return c, nil
		}, key, "", time.Millisecond, testLogger())

		Expect(mirror.Sync()).To(Succeed())
		conns[0].broken = true
		Expect(mirror.Sync()).To(HaveOccurred())
		Expect(conns[0].closed).To(BeTrue())

		Expect(mirror.Sync()).To(Succeed())
		Expect(dials).To(Equal(2))
		Expect(s.hash(key)).NotTo(HaveKey(control.SessionField))
	})

	It("keeps retrying with backoff until redis is reachable", func(ctx SpecContext) {
		var dials atomic.Int32
		mirror = control.NewMirror(regs, func() (redis.Conn, error) {
			if dials.Add(1) <= 3 {
				return nil, errors.New("connection refused")
			}
			return &fakeConn{s: s}, nil
		}, key, "session-2", time.Millisecond, testLogger())
		mirror.Backoff = &backoff.Backoff{Min: time.Millisecond, Max: 4 * time.Millisecond, Factor: 2}

		runCtx, cancel := context.WithCancel(ctx)
		finished := make(chan error, 1)
		go func() { finished <- mirror.Run(runCtx) }()

		Eventually(func() map[string]string { return s.hash(key) }).
			WithContext(ctx).Should(HaveKeyWithValue("session", "session-2"))
		Expect(dials.Load()).To(BeNumerically(">=", 4))

		cancel()
		Eventually(finished).WithContext(ctx).Should(Receive(BeNil()))
	}, SpecTimeout(5*time.Second))
})

var _ = Describe("Client", func() {
	It("reports registers the mirror never published as unknown", func() {
		host := control.NewClient(&fakeConn{s: newStore()}, key)
		_, err := host.Read("rx_done")
		Expect(err).To(MatchError(csr.ErrUnknownRegister))
	})

	It("wraps transport errors", func() {
		host := control.NewClient(&fakeConn{s: newStore(), broken: true}, key)
		_, err := host.Read("rx_done")
		Expect(err).To(MatchError(ContainSubstring("reading rx_done")))
		Expect(host.Write("rx_base", 1)).To(MatchError(ContainSubstring("writing rx_base")))
	})
})

var _ = Describe("Capture", func() {
	It("runs a capture through the mirror", func(ctx SpecContext) {
		s := newStore()
		regs := csr.NewFile()
		rec := record.New(record.NewMemory(64), testLogger())
		rec.AddRegisters(regs, "rx")
		mirror := control.NewMirror(regs, func() (redis.Conn, error) { return &fakeConn{s: s}, nil },
			key, "", time.Millisecond, testLogger())

		// The analyzer: one mirror round, then a burst of clock cycles feeding a counter.
		devCtx, stop := context.WithCancel(ctx)
		defer stop()
		go func() {
			defer GinkgoRecover()
			defer mirror.Close()
			word := uint32(1)
			for devCtx.Err() == nil {
				Expect(mirror.Sync()).To(Succeed())
				for i := 0; i < 4; i++ {
					if rec.Cycle(word, true) {
						word++
					}
				}
				time.Sleep(time.Millisecond)
			}
		}()

		host := control.NewClient(&fakeConn{s: s}, key)
		Expect(control.Capture(ctx, host, "rx", 8, 16, time.Millisecond)).To(Succeed())
		Expect(host.Read("rx_done")).To(BeEquivalentTo(1))

		mem := rec.Memory()
		Expect(mem.Load(8)).NotTo(BeZero())
		for a := uint32(9); a < 24; a++ {
			Expect(mem.Load(a)).To(Equal(mem.Load(a-1)+1), "address %d", a)
		}
		Expect(mem.Load(24)).To(BeZero())
	}, SpecTimeout(10*time.Second))

	It("gives up when the context ends first", func(ctx SpecContext) {
		regs := csr.NewFile()
		rec := record.New(record.NewMemory(64), testLogger())
		rec.AddRegisters(regs, "rx")

		// Nothing clocks the recorder, so done never returns to 1.
		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		err := control.Capture(short, regs, "rx", 0, 4, time.Millisecond)
		Expect(err).To(MatchError(context.DeadlineExceeded))
		Expect(regs.Read("rx_length")).To(BeEquivalentTo(4))
	}, SpecTimeout(5*time.Second))

	It("stops at the first register error", func(ctx SpecContext) {
		err := control.Capture(ctx, csr.NewFile(), "rx", 0, 4, time.Millisecond)
		Expect(err).To(MatchError(csr.ErrUnknownRegister))
	}, SpecTimeout(time.Second))
})
