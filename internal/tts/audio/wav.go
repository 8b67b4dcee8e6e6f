package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavBitDepth  = 16
	wavPCMFormat = 1
)

// ErrInvalidWAV is returned when bytes cannot be parsed as PCM WAV.
var ErrInvalidWAV = errors.New("invalid wav data")

// EncodeWAV renders the waveform as 16-bit PCM WAV.
func EncodeWAV(waveform Waveform) ([]byte, error) {
	validateErr := waveform.Validate()
	if validateErr != nil {
		return nil, validateErr
	}

	out := &writeSeeker{}
	encoder := wav.NewEncoder(out, waveform.SampleRate, wavBitDepth, waveform.Channels, wavPCMFormat)

	ints := make([]int, len(waveform.Samples))
	for index, sample := range waveform.Samples {
		ints[index] = floatToPCM16(sample)
	}

	buffer := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: waveform.Channels,
			SampleRate:  waveform.SampleRate,
		},
		Data:           ints,
		SourceBitDepth: wavBitDepth,
	}

	writeErr := encoder.Write(buffer)
	if writeErr != nil {
		return nil, fmt.Errorf("failed to write wav samples: %w", writeErr)
	}

	closeErr := encoder.Close()
	if closeErr != nil {
		return nil, fmt.Errorf("failed to finalize wav header: %w", closeErr)
	}

	return out.buf, nil
}

// DecodeWAV parses PCM WAV bytes into a normalized waveform.
func DecodeWAV(data []byte) (Waveform, error) {
	decoder := wav.NewDecoder(bytes.NewReader(data))
	if !decoder.IsValidFile() {
		return Waveform{}, ErrInvalidWAV
	}

	buffer, err := decoder.FullPCMBuffer()
	if err != nil {
		return Waveform{}, fmt.Errorf("%w: %w", ErrInvalidWAV, err)
	}

	bitDepth := int(decoder.BitDepth)
	if bitDepth <= 0 {
		return Waveform{}, fmt.Errorf("%w: bit depth %d", ErrInvalidWAV, bitDepth)
	}

	scale := float32(math.Pow(2, float64(bitDepth-1)))
	samples := make([]float32, len(buffer.Data))

	for index, value := range buffer.Data {
		samples[index] = float32(value) / scale
	}

	waveform := Waveform{
		Samples:    samples,
		SampleRate: int(decoder.SampleRate),
		Channels:   int(decoder.NumChans),
	}

	validateErr := waveform.Validate()
	if validateErr != nil {
		return Waveform{}, validateErr
	}

	return waveform, nil
}

func floatToPCM16(sample float32) int {
	clamped := max(-1, min(1, float64(sample)))

	return int(math.Round(clamped * math.MaxInt16))
}

// writeSeeker is an in-memory io.WriteSeeker; the wav encoder seeks back to
// patch chunk sizes on Close.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	end := w.pos + len(p)
	if end > len(w.buf) {
		w.buf = append(w.buf, make([]byte, end-len(w.buf))...)
	}

	copy(w.buf[w.pos:end], p)
	w.pos = end

	return len(p), nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var next int64

	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(w.pos) + offset
	case io.SeekEnd:
		next = int64(len(w.buf)) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}

	if next < 0 {
		return 0, fmt.Errorf("negative seek position %d", next)
	}

	w.pos = int(next)

	return next, nil
}
