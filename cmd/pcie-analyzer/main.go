// Command pcie-analyzer replays transceiver captures through the analyzer's receive path.
//
//	pcie-analyzer [global flags] decode DUMP.csv        print descrambled, tagged words
//	pcie-analyzer [global flags] record DUMP.csv -o F   run a recorder capture, write the upload
//	pcie-analyzer [global flags] bist                   run the transceiver self-test loopback
//	pcie-analyzer [global flags] gen -o DUMP.csv        write scrambled test traffic
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pcieanalyzer/internal/config"
	"pcieanalyzer/internal/control"
	"pcieanalyzer/internal/metrics"
	"pcieanalyzer/proto/csr"
)

const progName = "pcie-analyzer"

// env is what every subcommand gets from main.
type env struct {
	cfg     *config.Config
	log     logr.Logger
	session string
}

type command struct {
	summary string
	run     func(ctx context.Context, e env, args []string) error
}

var commands = map[string]command{
	"decode": {"print descrambled words with their ordered-set tags", runDecode},
	"record": {"capture filler-free words into memory and write them out", runRecord},
	"bist":   {"run the transceiver built-in self-test loopback", runBIST},
	"gen":    {"write scrambled test traffic as a capture CSV", runGen},
}

func usage(fs *pflag.FlagSet, name string) {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] <command> [args]\n\ncommands:\n", name)
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", n, commands[n].summary)
	}
	fmt.Fprintf(os.Stderr, "\nflags:\n%s", fs.FlagUsages())
}

func main() {
	fs := pflag.NewFlagSet(progName, pflag.ContinueOnError)
	fs.SetInterspersed(false)
	flags := config.AddFlags(fs)
	printConfig := fs.Bool("print-config", false, "print the resolved configuration and exit")
	fs.Usage = func() { usage(fs, progName) }

	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	cfg, err := flags.Config()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *printConfig {
		b, err := cfg.YAML()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Stdout.Write(b)
		return
	}

	args := fs.Args()
	if len(args) == 0 {
		usage(fs, progName)
		os.Exit(2)
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage(fs, progName)
		os.Exit(2)
	}

	zl, err := newZap(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer zl.Sync()

	session := uuid.New().String()
	log := zapr.NewLogger(zl).WithValues("session", session)
	setupLog := log.WithName("setup")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, setupLog)
	}

	setupLog.V(1).Info("starting", "command", args[0], "filler", cfg.Filler)
	if err := cmd.run(ctx, env{cfg: cfg, log: log.WithName(args[0]), session: session}, args[1:]); err != nil {
		setupLog.Error(err, "command failed", "command", args[0])
		zl.Sync()
		os.Exit(1)
	}
}

// newZap builds a console logger for terminals and a JSON logger otherwise.
func newZap(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}

	var enc zapcore.Encoder
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(ec)
	} else {
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}
	return zap.New(zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl)), nil
}

func serveMetrics(addr string, log logr.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	log.Info("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error(err, "metrics server stopped")
	}
}

// startMirror publishes regs to redis until the returned stop is called. Without a redis
// address it does nothing.
func startMirror(ctx context.Context, e env, regs *csr.File) (stop func()) {
	if e.cfg.Redis.Addr == "" {
		return func() {}
	}

	m := control.NewMirror(regs, control.TCPDialer(e.cfg.Redis.Addr), e.cfg.Redis.Key, e.session,
		e.cfg.Redis.PollInterval.Std(), e.log.WithName("mirror"))
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	return func() {
		cancel()
		<-done
		// Final state for hosts that poll after we exit.
		if err := m.Sync(); err != nil {
			e.log.Error(err, "final register publish")
		}
		m.Close()
	}
}
