package segment

import (
	"encoding/binary"
	"math"

	"github.com/MrWong99/rememberme/pkg/audio"
)

// RMS returns the root-mean-square energy of little-endian int16 PCM, in
// sample units (0 to 32768). Empty payloads and payloads that are not a
// whole number of samples return 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 || len(pcm)%2 != 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Classifier is the energy-threshold voice activity detector.
type Classifier struct {
	// Threshold is compared strictly: a frame is speech only when its RMS
	// exceeds it.
	Threshold float64
}

// Classify reports whether frame contains speech.
func (c Classifier) Classify(frame audio.AudioFrame) bool {
	return RMS(frame.Data) > c.Threshold
}
