package segment

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/MrWong99/rememberme/pkg/audio"
)

func pcm(samples ...int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

func TestRMS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []byte
		want float64
	}{
		{name: "empty", in: nil, want: 0},
		{name: "odd length", in: []byte{0xff, 0x7f, 0x01}, want: 0},
		{name: "single byte", in: []byte{0x10}, want: 0},
		{name: "constant", in: pcm(1000, 1000, 1000, 1000), want: 1000},
		{name: "alternating sign", in: pcm(300, -300, 300, -300), want: 300},
		{name: "full scale negative", in: pcm(math.MinInt16, math.MinInt16), want: 32768},
		{name: "mixed", in: pcm(3, 4), want: math.Sqrt(12.5)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := RMS(tc.in)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("RMS = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestClassifier_Classify(t *testing.T) {
	t.Parallel()

	c := Classifier{Threshold: 300}
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{name: "loud", data: pcm(1000, -1000), want: true},
		{name: "exactly threshold is silence", data: pcm(300, -300), want: false},
		{name: "quiet", data: pcm(10, -10), want: false},
		{name: "empty", data: nil, want: false},
		{name: "truncated sample", data: append(pcm(5000, 5000), 0x01), want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := c.Classify(audio.AudioFrame{Data: tc.data}); got != tc.want {
				t.Errorf("Classify = %v, want %v", got, tc.want)
			}
		})
	}
}
