package audio

import (
	"bytes"
	"encoding/binary"
	"io"
)

const DefaultSampleRate = 16000

// EncodeWAV wraps raw PCM16LE mono samples in a WAV container.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	_ = WriteWAV(&buf, pcm, sampleRate)
	return buf.Bytes()
}

// WriteWAV writes a canonical 44-byte RIFF header followed by pcm.
func WriteWAV(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	dataSize := uint32(len(pcm))
	header := struct {
		Riff          [4]byte
		ChunkSize     uint32
		Wave          [4]byte
		Fmt           [4]byte
		FmtSize       uint32
		AudioFormat   uint16
		NumChannels   uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
		Data          [4]byte
		DataSize      uint32
	}{
		Riff:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Wave:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   audioFormat,
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * numChannels * bitsPerSample / 8),
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      dataSize,
	}
	if err := binary.Write(out, binary.LittleEndian, header); err != nil {
		return err
	}
	_, err := out.Write(pcm)
	return err
}
