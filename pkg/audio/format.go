package audio

import "bytes"

// Format is a container recognized by its leading bytes.
type Format string

const (
	FormatUnknown Format = ""
	FormatWAV     Format = "wav"
	FormatMP3     Format = "mp3"
	FormatOgg     Format = "ogg"
	FormatFLAC    Format = "flac"
	FormatWebM    Format = "webm"
)

// Detect sniffs the container of an encoded audio payload.
func Detect(data []byte) Format {
	switch {
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return FormatWAV
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("OggS")):
		return FormatOgg
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("fLaC")):
		return FormatFLAC
	case len(data) >= 4 && bytes.Equal(data[:4], []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return FormatWebM
	case len(data) >= 3 && bytes.Equal(data[:3], []byte("ID3")):
		return FormatMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return FormatMP3
	default:
		return FormatUnknown
	}
}
