package pcieanalyzer_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	pcieanalyzer "pcieanalyzer"
	"pcieanalyzer/internal/metrics"
	"pcieanalyzer/internal/traffic"
	"pcieanalyzer/proto/osets"
	"pcieanalyzer/proto/skpremove"
	"pcieanalyzer/proto/symbol"
)

// payload flattens pipeline-order words into bytes and drops the filler symbol.
func payload(words []symbol.Word, filler uint8) []symbol.Symbol {
	var out []symbol.Symbol
	for _, w := range words {
		for _, s := range []symbol.Symbol{w.Upper(), w.Lower()} {
			if !s.Is(filler) {
				out = append(out, s)
			}
		}
	}
	return out
}

// pack groups bytes into recorder words, earliest byte lowest.
func pack(syms []symbol.Symbol) []uint32 {
	var out []uint32
	for i := 0; i+4 <= len(syms); i += 4 {
		out = append(out, uint32(syms[i].Value)|uint32(syms[i+1].Value)<<8|
			uint32(syms[i+2].Value)<<16|uint32(syms[i+3].Value)<<24)
	}
	return out
}

var _ = Describe("Core", func() {
	var core *pcieanalyzer.Core

	BeforeEach(func() {
		core = pcieanalyzer.NewCore(pcieanalyzer.DefaultOptions(), testLogger())
	})

	It("reproduces the plaintext after Latency cycles", func() {
		for seed := int64(0); seed < 5; seed++ {
			core.Reset()
			st := traffic.Generate(seed, 60)

			var got []osets.Tagged
			for _, w := range append(st.Wire, make([]symbol.Word, pcieanalyzer.Latency)...) {
				got = append(got, core.Cycle(w))
			}
			got = got[pcieanalyzer.Latency:]

			for i, want := range st.Plain {
				Expect(got[i].Word).To(Equal(want), "seed %d word %d", seed, i)
			}
		}
	})

	It("tags training sets on the way through", func() {
		st := traffic.New(1).Training(symbol.TS2ID).Idle(4).Stream()
		var got []osets.Tagged
		for _, w := range append(st.Wire, make([]symbol.Word, pcieanalyzer.Latency)...) {
			got = append(got, core.Cycle(w))
		}
		got = got[pcieanalyzer.Latency:]

		for i := 0; i < 8; i++ {
			Expect(got[i].Type).To(Equal(osets.TS2))
			Expect(got[i].Mask).To(Equal(osets.MaskBoth))
		}
		Expect(got[8].Type).To(Equal(osets.Data))
	})

	It("records the filler-free stream into memory", func() {
		st := traffic.Generate(7, 80)

		// Before the first plaintext word the widener samples the descrambler's reset value and
		// the Latency words of pipeline fill. None of them is a control symbol.
		const fillBytes = 2 * (pcieanalyzer.Latency + 1)
		want := payload(st.Plain, skpremove.DefaultFiller)
		length := uint32((fillBytes+len(want))/4 - 1)

		core.Recorder.SetBase(0x100)
		core.Recorder.SetLength(length)
		core.Recorder.Start()

		for _, w := range append(st.Wire, make([]symbol.Word, pcieanalyzer.Latency+16)...) {
			core.Cycle(w)
		}

		Expect(core.Recorder.Done()).To(BeTrue())
		Expect(core.Stats().Overruns).To(BeZero())
		Expect(core.Recorder.Stats().Words).To(Equal(uint64(length)))

		words, err := core.Recorder.Memory().Upload(0x100, length)
		Expect(err).NotTo(HaveOccurred())

		var got []uint8
		for _, w := range words {
			got = append(got, uint8(w), uint8(w>>8), uint8(w>>16), uint8(w>>24))
		}
		got = got[fillBytes:]
		for i, b := range got {
			Expect(b).To(Equal(want[i].Value), "byte %d", i)
		}
	})

	It("counts overruns when nothing drains the recorder", func() {
		st := traffic.New(2).Idle(200).Stream()
		for _, w := range st.Wire {
			core.Cycle(w)
		}
		// 8 words in the FIFO, one quad in the remover, one quad still in the widener register;
		// everything else is lost
		Expect(core.Recorder.Ready()).To(BeFalse())
		Expect(core.Remover.Fill()).To(Equal(4))
		Expect(core.Stats().Overruns).To(Equal(core.Stats().Quads - 10))
	})

	It("publishes ordered-set counts on Flush", func() {
		ts1 := metrics.PcieOrderedSetsTotal.WithLabelValues("TS1")
		before := testutil.ToFloat64(ts1)

		st := traffic.New(4).Training(symbol.TS1ID).Training(symbol.TS1ID).Idle(2).Stream()
		for _, w := range append(st.Wire, make([]symbol.Word, pcieanalyzer.Latency)...) {
			core.Cycle(w)
		}
		core.Flush()

		Expect(testutil.ToFloat64(ts1) - before).To(Equal(2.0))
	})
})

var _ = Describe("Run", func() {
	feed := func(words []symbol.Word) <-chan symbol.Word {
		ch := make(chan symbol.Word)
		go func() {
			defer close(ch)
			for _, w := range words {
				ch <- w
			}
		}()
		return ch
	}

	It("decodes one word per input word and removes fillers", func(ctx SpecContext) {
		st := traffic.Generate(11, 100)
		decoded := make(chan osets.Tagged)
		quads := make(chan symbol.Quad)

		var gotWords []symbol.Word
		var gotBytes []symbol.Symbol
		done := make(chan struct{})
		go func(dec <-chan osets.Tagged, qs <-chan symbol.Quad) {
			defer close(done)
			for dec != nil || qs != nil {
				select {
				case t, ok := <-dec:
					if !ok {
						dec = nil
						continue
					}
					gotWords = append(gotWords, t.Word)
				case q, ok := <-qs:
					if !ok {
						qs = nil
						continue
					}
					s := q.Symbols()
					gotBytes = append(gotBytes, s[:]...)
				}
			}
		}(decoded, quads)

		rs, err := pcieanalyzer.Run(ctx, pcieanalyzer.DefaultOptions(), testLogger(), feed(st.Wire),
			pcieanalyzer.Streams{Decoded: decoded, Quads: quads})
		Expect(err).NotTo(HaveOccurred())
		Eventually(done).Should(BeClosed())

		Expect(gotWords).To(Equal(st.Plain))

		// A trailing half quad never reaches the remover
		words := st.Plain
		if rs.HalfQuad {
			words = words[:len(words)-1]
		}
		want := payload(words, skpremove.DefaultFiller)
		Expect(rs.Leftover).To(Equal(len(want) % 4))
		Expect(gotBytes).To(Equal(want[:len(want)-rs.Leftover]))
		Expect(rs.Words).To(Equal(uint64(len(st.Plain))))
	}, SpecTimeout(10*time.Second))

	It("handles input shorter than the detector window", func(ctx SpecContext) {
		st := traffic.New(5).Idle(2).Stream()
		decoded := make(chan osets.Tagged, 16)
		rs, err := pcieanalyzer.Run(ctx, pcieanalyzer.DefaultOptions(), testLogger(), feed(st.Wire),
			pcieanalyzer.Streams{Decoded: decoded})
		Expect(err).NotTo(HaveOccurred())
		Expect(rs.Words).To(Equal(uint64(2)))
		Expect(decoded).To(HaveLen(2))
	}, SpecTimeout(5*time.Second))

	It("stops when the context is cancelled", func(ctx SpecContext) {
		in := make(chan symbol.Word)
		cctx, cancel := context.WithCancel(ctx)
		go func() {
			in <- symbol.Word{}
			cancel()
		}()
		_, err := pcieanalyzer.Run(cctx, pcieanalyzer.DefaultOptions(), testLogger(), in, pcieanalyzer.Streams{})
		Expect(err).To(MatchError(context.Canceled))
	}, SpecTimeout(5*time.Second))
})
