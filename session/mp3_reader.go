package session

import (
	"fmt"
	"io"

	gomp3 "github.com/hajimehoshi/go-mp3"
)

// MP3Duration возвращает длительность MP3 потока в секундах.
// Используется при синхронизации прерванной записи: чистого стопа не
// было, и длительность восстанавливается из самого аудио.
func MP3Duration(r io.Reader) (float64, error) {
	dec, err := gomp3.NewDecoder(r)
	if err != nil {
		return 0, fmt.Errorf("decode mp3: %w", err)
	}
	// Length — размер декодированного потока: стерео PCM16, 4 байта на фрейм
	frames := dec.Length() / 4
	if frames <= 0 {
		return 0, fmt.Errorf("mp3 stream has unknown length")
	}
	return float64(frames) / float64(dec.SampleRate()), nil
}
