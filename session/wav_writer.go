package session

import (
	"bytes"
	"encoding/binary"
)

// WAVFromPCM16 оборачивает PCM16 данные в WAV контейнер.
// Используется при выдаче аудио сессии в UI: чанки из store склеиваются
// и отдаются одним проигрываемым файлом.
func WAVFromPCM16(pcm []byte, sampleRate, channels int) []byte {
	const bitsPerSample = 16
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := uint32(len(pcm))

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))

	// RIFF header
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")

	// fmt chunk
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))         // chunk size
	binary.Write(buf, binary.LittleEndian, uint16(1))          // PCM
	binary.Write(buf, binary.LittleEndian, uint16(channels))   // channels
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate)) // sample rate
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))   // byte rate
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign)) // block align
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))

	// data chunk
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataSize)
	buf.Write(pcm)

	return buf.Bytes()
}
