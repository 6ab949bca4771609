package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	wavHeaderSize = 44
	bitsPerSample = 16
)

// ErrNotWAV is returned by [DecodeWAV] when the input is not a 16-bit PCM
// RIFF/WAVE stream.
var ErrNotWAV = errors.New("audio: not a 16-bit PCM WAV stream")

// EncodeWAV wraps raw 16-bit little-endian PCM in a canonical 44-byte
// RIFF/WAVE header.
func EncodeWAV(pcm []byte, f Format) []byte {
	blockAlign := f.Channels * bitsPerSample / 8
	buf := make([]byte, wavHeaderSize+len(pcm))

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(f.SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[wavHeaderSize:], pcm)
	return buf
}

// DecodeWAV reads a RIFF/WAVE stream and returns its PCM payload and format.
// Chunks other than "fmt " and "data" are skipped. Only uncompressed 16-bit
// PCM is accepted.
func DecodeWAV(r io.Reader) ([]byte, Format, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, Format{}, fmt.Errorf("audio: read wav: %w", err)
	}
	if len(raw) < 12 || !bytes.Equal(raw[0:4], []byte("RIFF")) || !bytes.Equal(raw[8:12], []byte("WAVE")) {
		return nil, Format{}, ErrNotWAV
	}

	var (
		f       Format
		haveFmt bool
	)
	for off := 12; off+8 <= len(raw); {
		id := string(raw[off : off+4])
		size := int(binary.LittleEndian.Uint32(raw[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(raw) {
			size = len(raw) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, Format{}, ErrNotWAV
			}
			if binary.LittleEndian.Uint16(raw[body:body+2]) != 1 ||
				binary.LittleEndian.Uint16(raw[body+14:body+16]) != bitsPerSample {
				return nil, Format{}, ErrNotWAV
			}
			f.Channels = int(binary.LittleEndian.Uint16(raw[body+2 : body+4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(raw[body+4 : body+8]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, Format{}, ErrNotWAV
			}
			return raw[body : body+size], f, nil
		}
		// Chunks are padded to an even size.
		off = body + size + size%2
	}
	return nil, Format{}, ErrNotWAV
}
