package audio

import (
	"math"
	"testing"
)

func TestMix(t *testing.T) {
	mic := []float64{0.5, 0.5, 0.5, 0.5}
	sys := []float64{0.3, 0.3}

	out, n := Mix(mic, sys)
	if n != 2 {
		t.Fatalf("consumed %d samples, want 2", n)
	}
	for i, v := range out {
		if math.Abs(v-0.4) > 1e-9 {
			t.Errorf("out[%d] = %v, want 0.4", i, v)
		}
	}

	if out, n := Mix(nil, sys); out != nil || n != 0 {
		t.Errorf("Mix with empty mic = %v, %d", out, n)
	}
}

func TestMixWithSilence(t *testing.T) {
	out := MixWithSilence([]float64{0.8, -0.4})
	if math.Abs(out[0]-0.4) > 1e-9 || math.Abs(out[1]+0.2) > 1e-9 {
		t.Errorf("MixWithSilence = %v", out)
	}
}

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v", got)
	}
	if got := RMS([]float64{0.5, -0.5, 0.5, -0.5}); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("RMS = %v, want 0.5", got)
	}
}

func TestPCM16Roundtrip(t *testing.T) {
	in := []float64{0, 0.25, -0.25, 0.99, -0.99}
	data := PCM16Bytes(in)
	if len(data) != len(in)*2 {
		t.Fatalf("encoded %d bytes, want %d", len(data), len(in)*2)
	}

	out := SamplesFromPCM16(data)
	for i := range in {
		if math.Abs(out[i]-in[i]) > 1e-3 {
			t.Errorf("sample %d: %v -> %v", i, in[i], out[i])
		}
	}
}

func TestPCM16Clamp(t *testing.T) {
	data := PCM16Bytes([]float64{1.5, -1.5})
	out := SamplesFromPCM16(data)
	if math.Abs(out[0]-1.0) > 1e-3 || math.Abs(out[1]+1.0) > 1e-3 {
		t.Errorf("clamped samples = %v", out)
	}
}
