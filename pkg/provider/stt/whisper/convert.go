package whisper

import "encoding/binary"

// whisperSampleRate is the only input rate whisper.cpp models accept.
const whisperSampleRate = 16000

// pcmToFloat32 converts 16-bit signed little-endian mono PCM to float32
// samples in [-1.0, 1.0). A trailing odd byte is ignored.
func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}
