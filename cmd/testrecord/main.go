// Ручной тест захвата: пишет микрофон (и опционально системный звук)
// в WAV файл без демона и удалённого сервиса.
// Запуск: go run ./cmd/testrecord -duration 10s -system
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"meetsync/audio"
	"meetsync/session"
)

func main() {
	duration := flag.Duration("duration", 10*time.Second, "Длительность записи")
	system := flag.Bool("system", false, "Захватывать системный звук")
	output := flag.String("out", "test_recording.wav", "Выходной WAV файл")
	flag.Parse()

	log.Println("=== Тест захвата аудио ===")
	log.Printf("Выходной файл: %s, длительность: %v", *output, *duration)

	zlog := zap.Must(zap.NewDevelopment()).Sugar()

	engine, err := audio.NewEngine(audio.EngineOptions{
		FragmentInterval: time.Second,
		FlushInterval:    5 * time.Second,
		StopTimeout:      3 * time.Second,
	}, zlog)
	if err != nil {
		log.Fatalf("Ошибка инициализации аудио: %v", err)
	}
	defer engine.Close()

	devices, err := engine.ListDevices()
	if err != nil {
		log.Fatalf("Ошибка перечисления устройств: %v", err)
	}
	for _, d := range devices {
		log.Printf("Устройство: %q input=%v output=%v", d.Name, d.IsInput, d.IsOutput)
	}

	handle, err := engine.Acquire(audio.AcquireOptions{WantSystemAudio: *system})
	if err != nil {
		log.Fatalf("Ошибка захвата: %v", err)
	}
	if handle.SystemDegraded() {
		log.Println("Системный звук недоступен, пишем только микрофон")
	}

	var pcm []byte
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for frag := range handle.Fragments() {
			pcm = append(pcm, audio.PCM16Bytes(frag.Samples)...)
			log.Printf("Фрагмент: канал=%s семплов=%d rms=%.4f",
				frag.Channel, len(frag.Samples), audio.RMS(frag.Samples))
		}
	}()

	time.Sleep(*duration)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := handle.Stop(ctx); err != nil {
		log.Printf("Остановка с предупреждением: %v", err)
	}
	<-drained

	wav := session.WAVFromPCM16(pcm, audio.SampleRate, 1)
	if err := os.WriteFile(*output, wav, 0644); err != nil {
		log.Fatalf("Ошибка записи файла: %v", err)
	}
	log.Printf("Готово: %s (%d байт, %.1f сек)",
		*output, len(wav), float64(len(pcm)/2)/float64(audio.SampleRate))
}
