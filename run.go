package pcieanalyzer

import (
	"context"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"pcieanalyzer/proto/osets"
	"pcieanalyzer/proto/scrambler"
	"pcieanalyzer/proto/skpremove"
	"pcieanalyzer/proto/symbol"
)

// ═══════════════════════════════════════════════════════════════════════════
// STREAMING RUNNER
// ═══════════════════════════════════════════════════════════════════════════
//
// Run is the offline form of the core: each stage owns one goroutine and the
// stages hand words to each other over channels. Channel sends block, so a
// slow consumer stalls the whole chain and nothing is ever lost, unlike the
// real link. There is no recorder; the caller consumes the quads.
//
// Word order is preserved end to end. Pipeline fill and flush are hidden:
// decoded receives exactly one word per input word, in input order.
//
// ═══════════════════════════════════════════════════════════════════════════

// Streams are the output channels of Run. Either may be nil. Run closes the
// ones it was given.
type Streams struct {
	Decoded chan<- osets.Tagged // descrambled words with their ordered-set tags
	Quads   chan<- symbol.Quad  // filler-free 4-symbol words
}

// RunStats summarizes a finished Run.
type RunStats struct {
	Words      uint64 // Words decoded
	Quads      uint64 // Quads emitted after filler removal
	Leftover   int    // Bytes still in the remover when the input ended
	HalfQuad   bool   // Input ended with half a quad in the widener
	Detector   osets.DetectorStats
	Descramble scrambler.DescramblerStats
	Remover    skpremove.Stats
}

// Run decodes in until it is closed or ctx is cancelled.
func Run(ctx context.Context, opts Options, log logr.Logger, in <-chan symbol.Word, out Streams) (RunStats, error) {
	var rs RunStats
	g, ctx := errgroup.WithContext(ctx)

	tagged := make(chan osets.Tagged, 64)
	quads := make(chan symbol.Quad, 16)

	// Stage 1: ordered-set detector
	g.Go(func() error {
		defer close(tagged)
		det := osets.NewDetector()
		n := 0
		step := func(w symbol.Word) error {
			t := det.Cycle(w)
			n++
			if n <= osets.Latency {
				return nil
			}
			return send(ctx, tagged, t)
		}

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case w, ok := <-in:
				if !ok {
					// Push the last words out of the window
					if n > 0 {
						for i := 0; i < osets.Latency; i++ {
							if err := step(symbol.Word{}); err != nil {
								return err
							}
						}
					}
					rs.Detector = det.Stats()
					return nil
				}
				if err := step(w); err != nil {
					return err
				}
			}
		}
	})

	// Stage 2: descrambler + widener
	g.Go(func() error {
		defer close(quads)
		if out.Decoded != nil {
			defer close(out.Decoded)
		}
		desc := scrambler.NewDescrambler()
		var wd symbol.Widener
		var phase bool

		for t := range tagged {
			d := desc.Cycle(t)
			rs.Words++
			if out.Decoded != nil {
				if err := send(ctx, out.Decoded, d); err != nil {
					return err
				}
			}
			q, ok := wd.Cycle(d.Word)
			phase = !ok
			if ok {
				if err := send(ctx, quads, q); err != nil {
					return err
				}
			}
		}
		rs.HalfQuad = phase
		rs.Descramble = desc.Stats()
		return ctx.Err()
	})

	// Stage 3: filler remover
	g.Go(func() error {
		if out.Quads != nil {
			defer close(out.Quads)
		}
		rem := skpremove.NewRemoverWithFiller(opts.Filler)
		emit := func(q symbol.Quad) error {
			rs.Quads++
			if out.Quads == nil {
				return nil
			}
			return send(ctx, out.Quads, q)
		}

		for q := range quads {
			for {
				hs := rem.Cycle(q, true, true)
				if hs.Emitted {
					if err := emit(hs.Out); err != nil {
						return err
					}
				}
				if hs.Accepted {
					break
				}
			}
		}
		for {
			if _, ok := rem.Output(); !ok {
				break
			}
			hs := rem.Cycle(symbol.Quad{}, false, true)
			if err := emit(hs.Out); err != nil {
				return err
			}
		}
		rs.Leftover = rem.Fill()
		rs.Remover = rem.Stats()
		return ctx.Err()
	})

	err := g.Wait()
	if err != nil {
		return rs, err
	}

	var m meter
	m.detector(rs.Detector)
	m.descrambler(rs.Descramble)
	m.remover(rs.Remover)

	log.V(1).Info("stream decoded",
		"words", rs.Words,
		"quads", rs.Quads,
		"leftoverBytes", rs.Leftover,
		"resyncs", rs.Descramble.Resyncs,
		"fillersRemoved", rs.Remover.FillersFound)
	return rs, nil
}

// send blocks until v is delivered or ctx is done.
func send[T any](ctx context.Context, ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
