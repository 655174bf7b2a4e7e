package bist

import (
	"testing"

	"pcieanalyzer/proto/csr"
)

func TestLoopback_CleanLinkHasNoErrors(t *testing.T) {
	var l Loopback
	l.TX.SetEnable(true)
	l.Cycle(0)
	l.RX.SetEnable(true)

	// Through a 16-bit wrap
	for i := 0; i < 70000; i++ {
		l.Cycle(0)
	}
	if l.RX.Errors() != 0 {
		t.Fatalf("errors = %d on a clean link", l.RX.Errors())
	}
}

func TestLoopback_GlitchCountsTwice(t *testing.T) {
	// WHAT: One corrupted word is followed by one good word
	// WHY: Both break the last+1 relation, so the checker reports 2

	var l Loopback
	l.TX.SetEnable(true)
	l.Cycle(0)
	l.RX.SetEnable(true)

	for i := 0; i < 100; i++ {
		flip := uint16(0)
		if i == 50 {
			flip = 0x0040
		}
		l.Cycle(flip)
	}
	if l.RX.Errors() != 2 || l.Corrupted != 1 {
		t.Fatalf("errors = %d corrupted = %d, want 2 and 1", l.RX.Errors(), l.Corrupted)
	}
}

func TestRXChecker_ClearedWhileDisabled(t *testing.T) {
	var c RXChecker
	c.SetEnable(true)
	c.Cycle(5)
	c.Cycle(9)
	if c.Errors() != 2 {
		t.Fatalf("errors = %d", c.Errors())
	}
	c.SetEnable(false)
	if bad := c.Cycle(1234); !bad {
		t.Error("mismatch not reported")
	}
	if c.Errors() != 0 {
		t.Errorf("errors = %d while disabled", c.Errors())
	}
}

func TestTXGenerator_HoldsWhenNotReady(t *testing.T) {
	var g TXGenerator
	if _, valid := g.Cycle(true); valid {
		t.Error("disabled generator drives valid")
	}
	d1, _ := g.Cycle(false)
	d2, _ := g.Cycle(true)
	d3, _ := g.Cycle(true)
	if d1 != 1 || d2 != 1 || d3 != 2 {
		t.Errorf("data = %d %d %d, want 1 1 2", d1, d2, d3)
	}
}

func TestRegisters(t *testing.T) {
	var l Loopback
	f := csr.NewFile()
	l.TX.AddRegisters(f, "gtp0_tx_bist")
	l.RX.AddRegisters(f, "gtp0_rx_bist")

	// Same sequence as the host BIST procedure
	for _, w := range []struct {
		name string
		v    uint32
	}{
		{"gtp0_tx_bist_enable", 0},
		{"gtp0_rx_bist_enable", 0},
		{"gtp0_tx_bist_enable", 1},
	} {
		if err := f.Write(w.name, w.v); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 10; i++ {
		l.Cycle(0)
	}
	if err := f.Write("gtp0_rx_bist_enable", 1); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		l.Cycle(0)
	}

	if v, err := f.Read("gtp0_rx_bist_errors"); err != nil || v != 0 {
		t.Fatalf("errors = %d, %v", v, err)
	}
	if v, _ := f.Read("gtp0_tx_bist_enable"); v != 1 {
		t.Errorf("tx enable reads %d", v)
	}
	if err := f.Write("gtp0_rx_bist_errors", 0); err == nil {
		t.Error("errors register accepted a write")
	}
}
