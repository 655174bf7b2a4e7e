// Package capture reads and writes logic-analyzer CSV exports of the transceiver receive bus.
//
// The format is the one produced by the on-chip logic analyzer export: a header row, then one
// row per sample with the 2-bit K flags in column 4 and the 16-bit data in column 5, both in
// hex. Each row is one transceiver-order word (first symbol in the low byte).
//
//	Sample in Buffer,Sample in Window,TRIGGER,rxvalid,rxctrl,rxdata
//	0,0,0,1,1,12BC
package capture

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"pcieanalyzer/proto/symbol"
)

const (
	ctrlColumn = 4
	dataColumn = 5
)

// Header is written by Writer.
var Header = []string{"Sample in Buffer", "Sample in Window", "TRIGGER", "rxvalid", "rxctrl", "rxdata"}

// Reader decodes a capture one word at a time.
type Reader struct {
	r    *csv.Reader
	line int
}

func NewReader(r io.Reader) *Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	return &Reader{r: cr}
}

// Read returns the next word, or io.EOF after the last one.
func (r *Reader) Read() (symbol.Word, error) {
	for {
		rec, err := r.r.Read()
		if err == io.EOF {
			return symbol.Word{}, io.EOF
		}
		r.line++
		if err != nil {
			return symbol.Word{}, errors.Wrapf(err, "line %d", r.line)
		}
		if r.line == 1 {
			continue // header
		}
		if len(rec) <= dataColumn {
			return symbol.Word{}, errors.Errorf("line %d: %d columns, need at least %d", r.line, len(rec), dataColumn+1)
		}

		ctrl, err := strconv.ParseUint(strings.TrimSpace(rec[ctrlColumn]), 16, 2)
		if err != nil {
			return symbol.Word{}, errors.Wrapf(err, "line %d: ctrl", r.line)
		}
		data, err := strconv.ParseUint(strings.TrimSpace(rec[dataColumn]), 16, 16)
		if err != nil {
			return symbol.Word{}, errors.Wrapf(err, "line %d: data", r.line)
		}
		return symbol.Word{Data: uint16(data), Ctrl: uint8(ctrl)}, nil
	}
}

// ReadAll decodes the whole capture.
func ReadAll(r io.Reader) ([]symbol.Word, error) {
	cr := NewReader(r)
	var out []symbol.Word
	for {
		w, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, w)
	}
}

// Writer encodes words in the same format.
type Writer struct {
	w *csv.Writer
	n int
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: csv.NewWriter(w)}
}

func (w *Writer) Write(word symbol.Word) error {
	if w.n == 0 {
		if err := w.w.Write(Header); err != nil {
			return errors.Wrap(err, "writing header")
		}
	}
	idx := strconv.Itoa(w.n)
	rec := []string{idx, idx, "0", "1", fmt.Sprintf("%X", word.Ctrl), fmt.Sprintf("%04X", word.Data)}
	w.n++
	return errors.Wrapf(w.w.Write(rec), "sample %d", w.n-1)
}

// Flush writes buffered rows and reports any write error.
func (w *Writer) Flush() error {
	w.w.Flush()
	return errors.Wrap(w.w.Error(), "flushing capture")
}
