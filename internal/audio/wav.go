package audio

import (
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var ErrInvalidWAV = errors.New("audio: invalid wav file")

const wavFormatPCM = 1

// DecodeWAV reads a whole PCM WAV stream and returns it as a mono 16-bit
// frame. Multi-channel audio is downmixed by averaging; 8, 24 and 32-bit
// integer depths are rescaled to 16 bits.
func DecodeWAV(r io.ReadSeeker) (Frame, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Frame{}, ErrInvalidWAV
	}
	if dec.WavAudioFormat != wavFormatPCM {
		return Frame{}, fmt.Errorf("%w: unsupported audio format %d", ErrInvalidWAV, dec.WavAudioFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}
	if buf == nil || buf.Format == nil || buf.Format.SampleRate <= 0 {
		return Frame{}, fmt.Errorf("%w: missing format", ErrInvalidWAV)
	}

	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	depth := int(dec.BitDepth)
	count := len(buf.Data) / channels
	samples := make([]int16, count)
	for i := 0; i < count; i++ {
		var sum int
		for c := 0; c < channels; c++ {
			sum += to16(buf.Data[i*channels+c], depth)
		}
		samples[i] = int16(sum / channels)
	}
	return Frame{Samples: samples, SampleRate: buf.Format.SampleRate}, nil
}

func to16(v, depth int) int {
	switch depth {
	case 8:
		return (v - 128) << 8
	case 24:
		return v >> 8
	case 32:
		return v >> 16
	default:
		return v
	}
}

// EncodeWAV writes frame as a mono 16-bit PCM WAV file.
func EncodeWAV(w io.WriteSeeker, frame Frame) error {
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: frame.SampleRate},
		SourceBitDepth: 16,
	}
	data := make([]int, len(frame.Samples))
	for i, s := range frame.Samples {
		data[i] = int(s)
	}
	buffer.Data = data

	enc := wav.NewEncoder(w, frame.SampleRate, 16, 1, wavFormatPCM)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
