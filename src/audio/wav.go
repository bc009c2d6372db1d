package audio

import (
	"bytes"
	"encoding/binary"
)

// MulawToWAV decodes mulaw audio and wraps it in a 16-bit mono PCM WAV
// container, suitable for speech-to-text upload.
func MulawToWAV(mulaw []byte, sampleRate int) []byte {
	return PCMToWAV(MulawToPCM(mulaw), sampleRate)
}

// PCMToWAV wraps linear PCM samples in a WAV container.
func PCMToWAV(pcm []int16, sampleRate int) []byte {
	dataLen := len(pcm) * 2
	buf := &bytes.Buffer{}

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*2)) // byte rate
	binary.Write(buf, binary.LittleEndian, uint16(2))            // block align
	binary.Write(buf, binary.LittleEndian, uint16(16))           // bits per sample

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(dataLen))
	for _, s := range pcm {
		binary.Write(buf, binary.LittleEndian, s)
	}

	return buf.Bytes()
}
