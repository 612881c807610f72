package wake

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/ZinkoSoft/tars-go/internal/fanout"
)

// Detection is one positive detector result.
type Detection struct {
	Score  float64
	Energy float64
	TS     time.Time
}

// Detector scores PCM frames. Implementations own their retrigger guard; a
// frame yields at most one positive result.
type Detector interface {
	Detect(f fanout.Frame) (Detection, bool)
}

// EnergyDetector triggers on frame energy crossing a threshold. It stands
// in for a trained wake-word model on hardware that cannot run one; the
// score is the RMS amplitude of the frame normalized to [0,1].
//
// The retrigger guard is keyed on frame capture time, so replayed audio
// behaves the same as live audio.
type EnergyDetector struct {
	threshold float64
	retrigger time.Duration
	last      time.Time
}

// NewEnergyDetector validates the threshold and builds a detector.
func NewEnergyDetector(threshold float64, retrigger time.Duration) (*EnergyDetector, error) {
	if threshold <= 0 || threshold > 1 {
		return nil, fmt.Errorf("energy threshold %v outside (0, 1]", threshold)
	}
	return &EnergyDetector{threshold: threshold, retrigger: retrigger}, nil
}

// Detect scores one frame. Not safe for concurrent use; the audio loop is
// the only caller.
func (d *EnergyDetector) Detect(f fanout.Frame) (Detection, bool) {
	score := rms(f.PCM)
	if score < d.threshold {
		return Detection{}, false
	}
	ts := time.Now()
	if f.TS != 0 {
		ts = time.Unix(0, f.TS)
	}
	if !d.last.IsZero() && ts.Sub(d.last) < d.retrigger {
		return Detection{}, false
	}
	d.last = ts
	return Detection{Score: score, Energy: score, TS: ts}, true
}

// rms returns the root-mean-square amplitude of 16-bit little-endian mono
// samples, normalized to [0,1]. An odd trailing byte is ignored.
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		v := float64(s) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
