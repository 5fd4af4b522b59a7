package session

import (
	"fmt"
	"io"
	"sync"

	"github.com/braheezy/shine-mp3/pkg/mp3"
)

// MP3Writer — стриминговый MP3 энкодер поверх io.Writer через shine-mp3
// (чистый Go, без FFmpeg). Используется при сборке артефактов для
// загрузки: PCM чанки из store кодируются прямо в буфер отправки.
type MP3Writer struct {
	w          io.Writer
	encoder    *mp3.Encoder
	sampleRate int
	channels   int

	// Буфер для накопления сэмплов (shine требует целые блоки)
	buffer []int16

	samplesWritten int64
	mu             sync.Mutex
	closed         bool
}

// NewMP3Writer создаёт новый MP3 writer
func NewMP3Writer(w io.Writer, sampleRate, channels int) *MP3Writer {
	return &MP3Writer{
		w:          w,
		encoder:    mp3.NewEncoder(sampleRate, channels),
		sampleRate: sampleRate,
		channels:   channels,
		buffer:     make([]int16, 0, 8192),
	}
}

// Write записывает float64 семплы
func (w *MP3Writer) Write(samples []float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("writer is closed")
	}

	// Конвертируем в int16
	for _, s := range samples {
		// Clamp
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		w.buffer = append(w.buffer, int16(s*32767))
	}
	w.samplesWritten += int64(len(samples))

	// Shine кодирует блоками по 1152 сэмплов на канал для MP3 Layer III.
	// Пишем когда накопилось несколько блоков.
	minBufferSize := 1152 * w.channels * 4
	if len(w.buffer) >= minBufferSize {
		w.encoder.Write(w.w, w.buffer)
		w.buffer = w.buffer[:0]
	}
	return nil
}

// WritePCM16 записывает сырые little-endian PCM16 байты (формат чанков)
func (w *MP3Writer) WritePCM16(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("writer is closed")
	}
	if len(data)%2 != 0 {
		return fmt.Errorf("odd PCM16 payload length: %d", len(data))
	}

	for i := 0; i+1 < len(data); i += 2 {
		w.buffer = append(w.buffer, int16(uint16(data[i])|uint16(data[i+1])<<8))
	}
	w.samplesWritten += int64(len(data) / 2)

	minBufferSize := 1152 * w.channels * 4
	if len(w.buffer) >= minBufferSize {
		w.encoder.Write(w.w, w.buffer)
		w.buffer = w.buffer[:0]
	}
	return nil
}

// SamplesWritten возвращает количество записанных семплов
func (w *MP3Writer) SamplesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.samplesWritten
}

// Flush дожимает остаток буфера, дополняя его до целого блока нулями,
// и завершает поток. Повторный вызов — no-op.
func (w *MP3Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if len(w.buffer) > 0 {
		blockSize := 1152 * w.channels
		for len(w.buffer)%blockSize != 0 {
			w.buffer = append(w.buffer, 0)
		}
		w.encoder.Write(w.w, w.buffer)
		w.buffer = nil
	}
	return nil
}
