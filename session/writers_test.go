package session

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestMP3WriterEncodes(t *testing.T) {
	var buf bytes.Buffer
	w := NewMP3Writer(&buf, 16000, 1)

	samples := make([]float64, 16000)
	for i := range samples {
		samples[i] = 0.25
	}
	if err := w.Write(samples); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := w.SamplesWritten(); got != 16000 {
		t.Errorf("SamplesWritten = %d", got)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("no MP3 bytes produced")
	}

	// После Flush запись закрыта
	if err := w.Write(samples); err == nil {
		t.Error("Write after Flush succeeded")
	}
	if err := w.Flush(); err != nil {
		t.Errorf("repeated Flush: %v", err)
	}
}

func TestMP3WriterPCM16(t *testing.T) {
	var buf bytes.Buffer
	w := NewMP3Writer(&buf, 16000, 1)

	if err := w.WritePCM16([]byte{1, 2, 3}); err == nil {
		t.Error("odd-length PCM accepted")
	}

	pcm := make([]byte, 2*4096)
	if err := w.WritePCM16(pcm); err != nil {
		t.Fatalf("WritePCM16: %v", err)
	}
	if got := w.SamplesWritten(); got != 4096 {
		t.Errorf("SamplesWritten = %d, want 4096", got)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("no MP3 bytes produced")
	}
}

func TestMP3DurationRejectsGarbage(t *testing.T) {
	if _, err := MP3Duration(bytes.NewReader([]byte("not an mp3 stream at all"))); err == nil {
		t.Fatal("garbage accepted as MP3")
	}
}

func TestWAVFromPCM16(t *testing.T) {
	pcm := make([]byte, 320)
	wav := WAVFromPCM16(pcm, 16000, 1)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav length = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Errorf("bad container magic: %q %q", wav[0:4], wav[8:12])
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 16000 {
		t.Errorf("sample rate = %d", rate)
	}
	if ch := binary.LittleEndian.Uint16(wav[22:24]); ch != 1 {
		t.Errorf("channels = %d", ch)
	}
	if size := binary.LittleEndian.Uint32(wav[40:44]); size != uint32(len(pcm)) {
		t.Errorf("data size = %d, want %d", size, len(pcm))
	}
}
