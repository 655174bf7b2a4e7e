package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"pcieanalyzer"
	"pcieanalyzer/internal/capture"
	"pcieanalyzer/internal/metrics"
	"pcieanalyzer/internal/traffic"
	"pcieanalyzer/proto/bist"
	"pcieanalyzer/proto/csr"
	"pcieanalyzer/proto/osets"
	"pcieanalyzer/proto/record"
	"pcieanalyzer/proto/symbol"
)

// Cycles between context checks and gauge updates in the clocked loops.
const pollCycles = 1 << 12

func options(c env) pcieanalyzer.Options {
	return pcieanalyzer.Options{
		Filler:      uint8(c.cfg.Filler),
		MemoryWords: c.cfg.Recorder.MemoryWords,
	}
}

// parseArgs parses subcommand flags and checks the positional argument count.
func parseArgs(fs *pflag.FlagSet, name string, args []string, positional int) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != positional {
		return errors.Errorf("%s: want %d argument(s), got %d", name, positional, fs.NArg())
	}
	return nil
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	return f, errors.Wrap(err, "opening capture")
}

func createOutput(path string) (io.WriteCloser, error) {
	if path == "-" {
		return nopWriteCloser{os.Stdout}, nil
	}
	f, err := os.Create(path)
	return f, errors.Wrap(err, "creating output")
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// ════════════════════════════════════════════════════════════════════════════════════════════════
// decode
// ════════════════════════════════════════════════════════════════════════════════════════════════

func runDecode(ctx context.Context, e env, args []string) error {
	fs := pflag.NewFlagSet("decode", pflag.ContinueOnError)
	quads := fs.Bool("quads", false, "print filler-free 4-symbol words instead of tagged words")
	if err := parseArgs(fs, "decode", args, 1); err != nil {
		return err
	}

	f, err := openInput(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()

	g, ctx := errgroup.WithContext(ctx)

	in := make(chan symbol.Word, 64)
	g.Go(func() error {
		defer close(in)
		r := capture.NewReader(f)
		for {
			w, err := r.Read()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			select {
			case in <- w:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	decoded := make(chan osets.Tagged, 64)
	quadCh := make(chan symbol.Quad, 16)
	var streams pcieanalyzer.Streams
	if *quads {
		streams.Quads = quadCh
	} else {
		streams.Decoded = decoded
	}

	var stats pcieanalyzer.RunStats
	g.Go(func() error {
		var err error
		stats, err = pcieanalyzer.Run(ctx, options(e), e.log, in, streams)
		return err
	})

	out := bufio.NewWriter(os.Stdout)
	g.Go(func() error {
		if *quads {
			for q := range quadCh {
				fmt.Fprintln(out, q)
			}
			return nil
		}
		fmt.Fprintln(out, "   index  data  ctrl  mask  type")
		i := 0
		for t := range decoded {
			fmt.Fprintf(out, "%8d  %04x    %02b    %02b  %s\n", i, t.Data, t.Ctrl, t.Mask, t.Type)
			i++
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if err := out.Flush(); err != nil {
		return err
	}

	e.log.Info("decoded",
		"words", stats.Words,
		"quads", stats.Quads,
		"orderedSets", stats.Detector.Hits,
		"fillersRemoved", stats.Remover.FillersFound,
		"halfQuad", stats.HalfQuad)
	return nil
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// record
// ════════════════════════════════════════════════════════════════════════════════════════════════

func runRecord(ctx context.Context, e env, args []string) error {
	rc := e.cfg.Recorder
	fs := pflag.NewFlagSet("record", pflag.ContinueOnError)
	output := fs.StringP("output", "o", "capture.bin", "file for the uploaded words (little-endian uint32)")
	fs.Uint32Var(&rc.Base, "base", rc.Base, "first capture memory word")
	fs.Uint32Var(&rc.Length, "length", rc.Length, "words to capture")
	if err := parseArgs(fs, "record", args, 1); err != nil {
		return err
	}

	f, err := openInput(fs.Arg(0))
	if err != nil {
		return err
	}
	words, err := capture.ReadAll(f)
	f.Close()
	if err != nil {
		return err
	}

	core := pcieanalyzer.NewCore(options(e), e.log)
	regs := csr.NewFile()
	core.Recorder.AddRegisters(regs, rc.Name)
	stopMirror := startMirror(ctx, e, regs)
	defer stopMirror()

	// Host procedure: program the window, then pulse start.
	for _, w := range []struct {
		name string
		v    uint32
	}{
		{rc.Name + "_base", rc.Base},
		{rc.Name + "_length", rc.Length},
		{rc.Name + "_start", 1},
	} {
		if err := regs.Write(w.name, w.v); err != nil {
			return err
		}
	}

	for i, w := range words {
		if i%pollCycles == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		core.Cycle(w)
	}
	// Let the pipeline and the recorder FIFO drain.
	for i := 0; i < pcieanalyzer.Latency+2*record.FIFODepth; i++ {
		core.Cycle(symbol.Word{})
	}
	core.Flush()

	cs, rs := core.Stats(), core.Recorder.Stats()
	if done, _ := regs.Read(rc.Name + "_done"); done != 1 {
		e.log.Info("capture did not complete, input too short", "written", rs.Words, "length", rc.Length)
	}

	data, err := core.Recorder.Memory().Upload(rc.Base, rc.Length)
	if err != nil {
		return err
	}
	out, err := createOutput(*output)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(out)
	if err := binary.Write(w, binary.LittleEndian, data); err != nil {
		out.Close()
		return errors.Wrap(err, "writing capture")
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return errors.Wrap(err, "writing capture")
	}
	if err := out.Close(); err != nil {
		return err
	}

	e.log.Info("recorded",
		"output", *output,
		"cycles", cs.Cycles,
		"words", rs.Words,
		"dropped", rs.Dropped,
		"overruns", cs.Overruns)
	return nil
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// bist
// ════════════════════════════════════════════════════════════════════════════════════════════════

func runBIST(ctx context.Context, e env, args []string) error {
	bc := e.cfg.BIST
	fs := pflag.NewFlagSet("bist", pflag.ContinueOnError)
	fs.Uint64Var(&bc.Cycles, "cycles", bc.Cycles, "words to send")
	fs.Float64Var(&bc.ErrorRate, "error-rate", bc.ErrorRate, "probability a word is corrupted on the link")
	fs.Int64Var(&bc.Seed, "seed", bc.Seed, "error injection seed")
	if err := parseArgs(fs, "bist", args, 0); err != nil {
		return err
	}
	if bc.ErrorRate < 0 || bc.ErrorRate > 1 {
		return errors.Errorf("--error-rate %g out of [0,1]", bc.ErrorRate)
	}

	var lb bist.Loopback
	regs := csr.NewFile()
	tx, rx := bc.Name+"_tx_bist", bc.Name+"_rx_bist"
	lb.TX.AddRegisters(regs, tx)
	lb.RX.AddRegisters(regs, rx)
	stopMirror := startMirror(ctx, e, regs)
	defer stopMirror()

	gauge := metrics.PcieBistErrors.WithLabelValues(bc.Name)
	rng := rand.New(rand.NewSource(bc.Seed))

	// Host procedure: both off, transmitter on, let the link settle, checker on.
	for _, w := range []struct {
		name string
		v    uint32
	}{
		{tx + "_enable", 0},
		{rx + "_enable", 0},
		{tx + "_enable", 1},
	} {
		if err := regs.Write(w.name, w.v); err != nil {
			return err
		}
	}
	for i := 0; i < 16; i++ {
		lb.Cycle(0)
	}
	if err := regs.Write(rx+"_enable", 1); err != nil {
		return err
	}

	for i := uint64(0); i < bc.Cycles; i++ {
		if i%pollCycles == 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			gauge.Set(float64(lb.RX.Errors()))
		}
		var flip uint16
		if bc.ErrorRate > 0 && rng.Float64() < bc.ErrorRate {
			flip = 1 << rng.Intn(16)
		}
		lb.Cycle(flip)
	}

	errs, err := regs.Read(rx + "_errors")
	if err != nil {
		return err
	}
	gauge.Set(float64(errs))

	e.log.Info("bist finished",
		"link", bc.Name,
		"cycles", bc.Cycles,
		"corrupted", lb.Corrupted,
		"errors", errs)
	if bc.ErrorRate == 0 && errs != 0 {
		return errors.Errorf("%s: %d errors on a clean link", bc.Name, errs)
	}
	return nil
}

// ════════════════════════════════════════════════════════════════════════════════════════════════
// gen
// ════════════════════════════════════════════════════════════════════════════════════════════════

func runGen(ctx context.Context, e env, args []string) error {
	fs := pflag.NewFlagSet("gen", pflag.ContinueOnError)
	output := fs.StringP("output", "o", "-", "capture CSV to write")
	seed := fs.Int64("seed", 1, "traffic seed")
	blocks := fs.Int("blocks", 64, "random blocks after the initial TS1")
	if err := parseArgs(fs, "gen", args, 0); err != nil {
		return err
	}

	st := traffic.Generate(*seed, *blocks)
	out, err := createOutput(*output)
	if err != nil {
		return err
	}
	w := capture.NewWriter(out)
	for _, word := range st.Wire {
		if err := w.Write(word); err != nil {
			out.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	e.log.V(1).Info("traffic written", "output", *output, "words", len(st.Wire), "seed", *seed)
	return nil
}
