package audio

import (
	"encoding/binary"
	"math"
)

// Level returns the RMS energy of PCM16LE samples normalized to [0,1].
// A trailing odd byte is ignored.
func Level(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
