package audio

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// SampleRate — частота дискретизации захвата. 16kHz моно: нативный
// формат удалённого транскрайбера, ресемплинг не нужен.
const SampleRate = 16000

// Mix смешивает микрофон и системный звук в один канал по минимальной
// доступной длине: out = (mic + sys) / 2. Возвращает результат и число
// использованных семплов каждого источника.
func Mix(mic, sys []float64) ([]float64, int) {
	n := len(mic)
	if len(sys) < n {
		n = len(sys)
	}
	if n == 0 {
		return nil, 0
	}
	out := make([]float64, n)
	copy(out, mic[:n])
	floats.Add(out, sys[:n])
	floats.Scale(0.5, out)
	return out, n
}

// MixWithSilence смешивает остаток одного канала с тишиной (для
// backstop-сброса, когда второй канал заглох): фактически делит
// амплитуду пополам, сохраняя непрерывность уровня микса.
func MixWithSilence(samples []float64) []float64 {
	out := make([]float64, len(samples))
	copy(out, samples)
	floats.Scale(0.5, out)
	return out
}

// RMS вычисляет уровень сигнала для метринга в UI
func RMS(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return math.Sqrt(floats.Dot(samples, samples) / float64(len(samples)))
}

// PCM16Bytes конвертирует семплы в little-endian PCM16 (формат чанков)
func PCM16Bytes(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		// Clamp
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		v := int16(s * 32767)
		out[i*2] = byte(v)
		out[i*2+1] = byte(uint16(v) >> 8)
	}
	return out
}

// SamplesFromPCM16 — обратная конвертация (используется в тестах и
// при сборке WAV для выдачи в UI)
func SamplesFromPCM16(data []byte) []float64 {
	n := len(data) / 2
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		v := int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
		out[i] = float64(v) / 32767
	}
	return out
}
