package pcieanalyzer

import (
	"pcieanalyzer/internal/metrics"
	"pcieanalyzer/proto/osets"
	"pcieanalyzer/proto/record"
	"pcieanalyzer/proto/scrambler"
	"pcieanalyzer/proto/skpremove"
)

// meterInterval is how many cycles pass between metric flushes.
const meterInterval = 1 << 12

// meter turns the stage debug counters into prometheus counter increments.
// It remembers what was already reported so each flush adds only the delta.
type meter struct {
	det osets.DetectorStats
	des scrambler.DescramblerStats
	rem skpremove.Stats
	rec record.Stats
	ovr uint64
}

func (m *meter) detector(s osets.DetectorStats) {
	for t := osets.Type(1); t < osets.NumTypes; t++ {
		if d := s.Hits[t] - m.det.Hits[t]; d != 0 {
			metrics.PcieOrderedSetsTotal.WithLabelValues(t.String()).Add(float64(d))
		}
	}
	m.det = s
}

func (m *meter) descrambler(s scrambler.DescramblerStats) {
	metrics.PcieWordsDecodedTotal.Add(float64(s.Cycles - m.des.Cycles))
	metrics.PcieDescramblerResyncsTotal.Add(float64(s.Resyncs - m.des.Resyncs))
	m.des = s
}

func (m *meter) remover(s skpremove.Stats) {
	metrics.PcieFillerBytesRemovedTotal.Add(float64(s.FillersFound - m.rem.FillersFound))
	m.rem = s
}

func (m *meter) recorder(s record.Stats) {
	metrics.PcieRecordedWordsTotal.Add(float64(s.Words - m.rec.Words))
	m.rec = s
}

func (m *meter) overruns(n uint64) {
	metrics.PcieOverrunQuadsTotal.Add(float64(n - m.ovr))
	m.ovr = n
}
