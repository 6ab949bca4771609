package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// MonoConverter turns frames of any supported format into mono frames at a
// fixed sample rate. A frame whose payload is not a whole number of samples
// passes through untouched so the classifier can treat it as silence.
// Use one converter per track.
type MonoConverter struct {
	SampleRate int

	warnOnce sync.Once
}

// Convert returns frame downmixed to mono and resampled to c.SampleRate.
// Frames already in the target format are returned unchanged.
func (c *MonoConverter) Convert(frame AudioFrame) AudioFrame {
	if len(frame.Data)%2 != 0 {
		return frame
	}
	target := Format{SampleRate: c.SampleRate, Channels: 1}
	if frame.Channels == 1 && (c.SampleRate == 0 || frame.SampleRate == c.SampleRate) {
		return frame
	}

	c.warnOnce.Do(func() {
		slog.Debug("audio: converting track format",
			"from", Format{SampleRate: frame.SampleRate, Channels: frame.Channels},
			"to", target,
		)
	})

	pcm := frame.Data
	if frame.Channels == 2 {
		pcm = StereoToMono(pcm)
	}
	rate := frame.SampleRate
	if c.SampleRate > 0 && rate != c.SampleRate {
		pcm = ResampleMono16(pcm, rate, c.SampleRate)
		rate = c.SampleRate
	}
	return AudioFrame{
		Data:       pcm,
		SampleRate: rate,
		Channels:   1,
		Timestamp:  frame.Timestamp,
	}
}

// StereoToMono averages each interleaved L/R pair into one mono sample.
// A trailing partial stereo frame is dropped.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, n*2)
	for i := range n {
		l := int32(int16(uint16(pcm[i*4]) | uint16(pcm[i*4+1])<<8))
		r := int32(int16(uint16(pcm[i*4+2]) | uint16(pcm[i*4+3])<<8))
		avg := int16((l + r) / 2)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(uint16(avg) >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate with
// linear interpolation. Invalid rates or equal rates return pcm unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcN := len(pcm) / 2
	dstN := int(int64(srcN) * int64(dstRate) / int64(srcRate))
	if dstN == 0 {
		return nil
	}

	sample := func(i int) float64 {
		if i >= srcN {
			i = srcN - 1
		}
		return float64(int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8))
	}

	out := make([]byte, dstN*2)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstN {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		v := int16(sample(idx)*(1-frac) + sample(idx+1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(uint16(v) >> 8)
	}
	return out
}
