package wake

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/ZinkoSoft/tars-go/internal/fanout"
)

// pcmFrame builds n identical 16-bit little-endian samples.
func pcmFrame(sample int16, n int) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(sample))
	}
	return buf
}

func TestRMS(t *testing.T) {
	if got := rms(nil); got != 0 {
		t.Errorf("rms(nil) = %v, want 0", got)
	}
	if got := rms(pcmFrame(0, 160)); got != 0 {
		t.Errorf("rms(silence) = %v, want 0", got)
	}
	if got := rms(pcmFrame(32767, 160)); math.Abs(got-1) > 0.001 {
		t.Errorf("rms(full scale) = %v, want ~1", got)
	}
	if got := rms(pcmFrame(16384, 160)); math.Abs(got-0.5) > 0.001 {
		t.Errorf("rms(half scale) = %v, want ~0.5", got)
	}
}

func TestNewEnergyDetectorRejectsBadThreshold(t *testing.T) {
	for _, thr := range []float64{0, -0.1, 1.5} {
		if _, err := NewEnergyDetector(thr, time.Second); err == nil {
			t.Errorf("NewEnergyDetector(%v) succeeded, want error", thr)
		}
	}
}

func TestEnergyDetectorThreshold(t *testing.T) {
	det, err := NewEnergyDetector(0.5, 0)
	if err != nil {
		t.Fatalf("NewEnergyDetector: %v", err)
	}

	if _, ok := det.Detect(fanout.Frame{PCM: pcmFrame(8192, 160)}); ok {
		t.Error("quiet frame triggered detection")
	}
	d, ok := det.Detect(fanout.Frame{PCM: pcmFrame(24576, 160)})
	if !ok {
		t.Fatal("loud frame did not trigger detection")
	}
	if d.Score < 0.5 || d.Score > 1 {
		t.Errorf("Score = %v", d.Score)
	}
	if d.Energy != d.Score {
		t.Errorf("Energy = %v, Score = %v", d.Energy, d.Score)
	}
}

func TestEnergyDetectorRetrigger(t *testing.T) {
	det, err := NewEnergyDetector(0.5, time.Second)
	if err != nil {
		t.Fatalf("NewEnergyDetector: %v", err)
	}
	loud := pcmFrame(24576, 160)
	base := time.Now()

	if _, ok := det.Detect(fanout.Frame{TS: base.UnixNano(), PCM: loud}); !ok {
		t.Fatal("first loud frame did not trigger")
	}
	if _, ok := det.Detect(fanout.Frame{TS: base.Add(100 * time.Millisecond).UnixNano(), PCM: loud}); ok {
		t.Error("frame inside retrigger window triggered")
	}
	if _, ok := det.Detect(fanout.Frame{TS: base.Add(1100 * time.Millisecond).UnixNano(), PCM: loud}); !ok {
		t.Error("frame past retrigger window did not trigger")
	}
}
