package audio

import (
	"math"
	"testing"
)

func constSamples(n int, v float64) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestFragmenterSeparateChannels(t *testing.T) {
	f := newFragmenter(false)
	f.pushMic(constSamples(10, 0.1))
	f.pushSystem(constSamples(5, 0.2))

	frags := f.cut(false)
	if len(frags) != 2 {
		t.Fatalf("cut returned %d fragments, want 2", len(frags))
	}
	if frags[0].Channel != ChannelMicrophone || len(frags[0].Samples) != 10 {
		t.Errorf("mic fragment: %s/%d", frags[0].Channel, len(frags[0].Samples))
	}
	if frags[1].Channel != ChannelSystem || len(frags[1].Samples) != 5 {
		t.Errorf("system fragment: %s/%d", frags[1].Channel, len(frags[1].Samples))
	}

	// Каждый семпл выдаётся ровно один раз
	if again := f.cut(false); again != nil {
		t.Errorf("second cut re-emitted data: %v", again)
	}
}

func TestFragmenterMixedWaitsForLaggingSource(t *testing.T) {
	f := newFragmenter(true)
	f.pushMic(constSamples(100, 0.5))
	f.pushSystem(constSamples(60, 0.3))

	frags := f.cut(false)
	if len(frags) != 1 || frags[0].Channel != ChannelMixed {
		t.Fatalf("cut = %+v", frags)
	}
	if len(frags[0].Samples) != 60 {
		t.Fatalf("mixed %d samples, want 60", len(frags[0].Samples))
	}
	if math.Abs(frags[0].Samples[0]-0.4) > 1e-9 {
		t.Errorf("mixed sample = %v, want 0.4", frags[0].Samples[0])
	}

	mic, sys := f.pending()
	if mic != 40 || sys != 0 {
		t.Errorf("pending = %d/%d, want 40/0", mic, sys)
	}
}

func TestFragmenterForceFlushDrainsRemainder(t *testing.T) {
	f := newFragmenter(true)
	f.pushMic(constSamples(100, 0.5))
	f.pushSystem(constSamples(60, 0.3))
	f.cut(false)

	// Backstop: остаток микрофона миксуется с тишиной
	frags := f.cut(true)
	if len(frags) != 1 || len(frags[0].Samples) != 40 {
		t.Fatalf("force cut = %+v", frags)
	}
	if math.Abs(frags[0].Samples[0]-0.25) > 1e-9 {
		t.Errorf("silence-mixed sample = %v, want 0.25", frags[0].Samples[0])
	}

	if mic, sys := f.pending(); mic != 0 || sys != 0 {
		t.Errorf("pending after force = %d/%d", mic, sys)
	}
	if again := f.cut(true); again != nil {
		t.Errorf("force cut re-emitted data: %v", again)
	}
}

func TestFragmenterMixedBothRemainders(t *testing.T) {
	f := newFragmenter(true)
	f.pushMic(constSamples(10, 0.4))
	f.pushSystem(constSamples(30, 0.2))

	frags := f.cut(true)
	if len(frags) != 1 {
		t.Fatalf("cut = %+v", frags)
	}
	// 10 смешанных + 20 системных с тишиной
	if len(frags[0].Samples) != 30 {
		t.Fatalf("force cut emitted %d samples, want 30", len(frags[0].Samples))
	}
	if math.Abs(frags[0].Samples[0]-0.3) > 1e-9 {
		t.Errorf("mixed head = %v, want 0.3", frags[0].Samples[0])
	}
	if math.Abs(frags[0].Samples[29]-0.1) > 1e-9 {
		t.Errorf("silence-mixed tail = %v, want 0.1", frags[0].Samples[29])
	}
}
