package whisper

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestPcmToFloat32(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []int16
		odd  bool
	}{
		{name: "empty"},
		{name: "full scale", in: []int16{32767, -32768, 0}},
		{name: "mixed", in: []int16{100, -100, 16384, -16384}},
		{name: "trailing odd byte", in: []int16{8192}, odd: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pcm := make([]byte, len(tt.in)*2)
			for i, v := range tt.in {
				binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
			}
			if tt.odd {
				pcm = append(pcm, 0xFF)
			}
			out := pcmToFloat32(pcm)
			if len(out) != len(tt.in) {
				t.Fatalf("got %d samples, want %d", len(out), len(tt.in))
			}
			for i, v := range tt.in {
				want := float32(v) / 32768.0
				if math.Abs(float64(out[i]-want)) > 1e-6 {
					t.Errorf("sample[%d] = %f, want %f", i, out[i], want)
				}
			}
		})
	}
}
