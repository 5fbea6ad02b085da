package service

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/wav"
)

// LoadWAV reads a WAV file and returns its payload as little-endian mono
// PCM16 bytes. Multi-channel input is downmixed by averaging; a sample
// rate other than wantRate is rejected rather than silently resampled.
func LoadWAV(path string, wantRate int) ([]byte, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, errors.New("invalid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil && err != io.EOF {
		return nil, 0, err
	}
	if buf == nil || len(buf.Data) == 0 {
		return nil, 0, errors.New("empty wav payload")
	}

	rate := int(dec.SampleRate)
	if rate == 0 && buf.Format != nil {
		rate = buf.Format.SampleRate
	}
	if wantRate > 0 && rate != wantRate {
		return nil, 0, fmt.Errorf("sample rate %d, want %d", rate, wantRate)
	}
	if dec.BitDepth != 0 && dec.BitDepth != 16 {
		return nil, 0, fmt.Errorf("bit depth %d, want 16", dec.BitDepth)
	}

	channels := int(dec.NumChans)
	if channels == 0 && buf.Format != nil {
		channels = buf.Format.NumChannels
	}
	if channels < 1 {
		channels = 1
	}

	samples := buf.Data
	if channels > 1 {
		samples = downmix(samples, channels)
	}

	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(s)))
	}
	return pcm, rate, nil
}

// downmix averages interleaved channels into mono.
func downmix(data []int, channels int) []int {
	frames := len(data) / channels
	out := make([]int, frames)
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += data[i*channels+c]
		}
		out[i] = sum / channels
	}
	return out
}
