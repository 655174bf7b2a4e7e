// Package config loads analyzer settings from a YAML file and command-line flags. Flags that
// are set explicitly win over the file; the file wins over defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"pcieanalyzer/proto/skpremove"
	"pcieanalyzer/proto/symbol"
)

// Symbol is a control character written as Kx.y (K28.1) or as a byte value (0x3C).
type Symbol uint8

func (s Symbol) String() string {
	return fmt.Sprintf("K%d.%d", uint8(s)&0x1F, uint8(s)>>5)
}

// ParseSymbol accepts Kx.y, Dx.y or a number in Go syntax.
func ParseSymbol(text string) (Symbol, error) {
	text = strings.TrimSpace(text)
	if len(text) > 1 && (text[0] == 'K' || text[0] == 'k' || text[0] == 'D' || text[0] == 'd') {
		var x, y uint8
		if _, err := fmt.Sscanf(text[1:], "%d.%d", &x, &y); err != nil || x > 31 || y > 7 {
			return 0, errors.Errorf("symbol %q: want Kx.y with x<32, y<8", text)
		}
		return Symbol(symbol.K(x, y)), nil
	}
	var v uint
	if _, err := fmt.Sscan(text, &v); err != nil || v > 0xFF {
		return 0, errors.Errorf("symbol %q: not a byte", text)
	}
	return Symbol(v), nil
}

func (s *Symbol) UnmarshalJSON(b []byte) error {
	var text string
	if err := json.Unmarshal(b, &text); err != nil {
		var n uint8
		if err := json.Unmarshal(b, &n); err != nil {
			return errors.Wrap(err, "symbol")
		}
		*s = Symbol(n)
		return nil
	}
	v, err := ParseSymbol(text)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s Symbol) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Duration is a time.Duration written as "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var text string
	if err := json.Unmarshal(b, &text); err != nil {
		return errors.Wrap(err, "duration")
	}
	v, err := time.ParseDuration(text)
	if err != nil {
		return errors.Wrap(err, "duration")
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Recorder struct {
	Name        string `json:"name"` // Register prefix
	Base        uint32 `json:"base"`
	Length      uint32 `json:"length"`
	MemoryWords uint32 `json:"memoryWords"`
}

type Redis struct {
	Addr         string   `json:"addr"` // Empty disables the control plane
	Key          string   `json:"key"`
	PollInterval Duration `json:"pollInterval"`
}

type BIST struct {
	Name      string  `json:"name"` // Register prefix, e.g. gtp0
	Cycles    uint64  `json:"cycles"`
	ErrorRate float64 `json:"errorRate"` // Probability a word is corrupted on the wire
	Seed      int64   `json:"seed"`
}

type Config struct {
	Filler      Symbol   `json:"filler"`
	LogLevel    string   `json:"logLevel"`
	MetricsAddr string   `json:"metricsAddr"`
	Recorder    Recorder `json:"recorder"`
	Redis       Redis    `json:"redis"`
	BIST        BIST     `json:"bist"`
}

func Default() *Config {
	return &Config{
		Filler:   Symbol(skpremove.DefaultFiller),
		LogLevel: "info",
		Recorder: Recorder{
			Name:        "rx_recorder",
			Length:      1 << 16,
			MemoryWords: 1 << 18,
		},
		Redis: Redis{
			Key:          "pcie-analyzer",
			PollInterval: Duration(100 * time.Millisecond),
		},
		BIST: BIST{
			Name:   "gtp0",
			Cycles: 1 << 20,
			Seed:   1,
		},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return c, c.Validate()
}

func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("logLevel %q: want debug, info, warn or error", c.LogLevel)
	}
	if c.Recorder.MemoryWords == 0 {
		return errors.New("recorder.memoryWords must be positive")
	}
	if uint64(c.Recorder.Base)+uint64(c.Recorder.Length) > uint64(c.Recorder.MemoryWords) {
		return errors.Errorf("recorder window 0x%x+%d exceeds memory of %d words",
			c.Recorder.Base, c.Recorder.Length, c.Recorder.MemoryWords)
	}
	if c.BIST.ErrorRate < 0 || c.BIST.ErrorRate > 1 {
		return errors.Errorf("bist.errorRate %g out of [0,1]", c.BIST.ErrorRate)
	}
	return nil
}

// YAML renders the configuration, for --print-config.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Flags are the global command-line options.
type Flags struct {
	fs *pflag.FlagSet

	ConfigFile  string
	LogLevel    string
	MetricsAddr string
	RedisAddr   string
	Filler      string
}

// AddFlags registers the global flags on fs.
func AddFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	d := Default()
	fs.StringVarP(&f.ConfigFile, "config", "c", "", "YAML configuration file")
	fs.StringVar(&f.LogLevel, "log-level", d.LogLevel, "debug, info, warn or error")
	fs.StringVar(&f.MetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	fs.StringVar(&f.RedisAddr, "redis-addr", "", "mirror registers into redis at this address")
	fs.StringVar(&f.Filler, "filler", d.Filler.String(), "control character dropped by the filler remover")
	return f
}

// Config resolves defaults, the config file and explicitly set flags, in that order.
func (f *Flags) Config() (*Config, error) {
	c := Default()
	if f.ConfigFile != "" {
		var err error
		if c, err = Load(f.ConfigFile); err != nil {
			return nil, err
		}
	}
	if f.fs.Changed("log-level") {
		c.LogLevel = f.LogLevel
	}
	if f.fs.Changed("metrics-addr") {
		c.MetricsAddr = f.MetricsAddr
	}
	if f.fs.Changed("redis-addr") {
		c.Redis.Addr = f.RedisAddr
	}
	if f.fs.Changed("filler") {
		s, err := ParseSymbol(f.Filler)
		if err != nil {
			return nil, errors.Wrap(err, "--filler")
		}
		c.Filler = s
	}
	return c, c.Validate()
}
