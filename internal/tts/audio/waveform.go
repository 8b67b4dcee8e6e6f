// Package audio provides the waveform data model, validation, concatenation
// and WAV encoding for synthesized speech.
package audio

import (
	"errors"
	"fmt"
	"time"
)

// Limits for accepted waveform formats.
const (
	MaxSampleRate = 192000
	MaxChannels   = 8
)

// Error message formats.
const (
	errFmtSampleRateRange = "%w: sample rate %d must be between 1 and %d Hz"
	errFmtChannelsRange   = "%w: channel count %d must be between 1 and %d"
	errFmtSampleAlignment = "%w: %d samples are not a multiple of %d channels"
	errFmtSegmentFormat   = "%w: segment %d is %d Hz/%d ch, expected %d Hz/%d ch"
)

// Common errors for the audio package.
var (
	ErrInvalidFormat  = errors.New("invalid waveform format")
	ErrFormatMismatch = errors.New("waveform segments differ in sample rate or channel count")
	ErrNoSegments     = errors.New("no waveform segments to concatenate")
)

// Waveform is interleaved PCM audio in the range [-1, 1].
type Waveform struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Validate checks that the format is usable and the samples are frame aligned.
func (w Waveform) Validate() error {
	if w.SampleRate <= 0 || w.SampleRate > MaxSampleRate {
		return fmt.Errorf(errFmtSampleRateRange, ErrInvalidFormat, w.SampleRate, MaxSampleRate)
	}

	if w.Channels <= 0 || w.Channels > MaxChannels {
		return fmt.Errorf(errFmtChannelsRange, ErrInvalidFormat, w.Channels, MaxChannels)
	}

	if len(w.Samples)%w.Channels != 0 {
		return fmt.Errorf(errFmtSampleAlignment, ErrInvalidFormat, len(w.Samples), w.Channels)
	}

	return nil
}

// Frames returns the number of sample frames (samples per channel).
func (w Waveform) Frames() int {
	if w.Channels <= 0 {
		return 0
	}

	return len(w.Samples) / w.Channels
}

// Duration returns the playback length.
func (w Waveform) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}

	return time.Duration(w.Frames()) * time.Second / time.Duration(w.SampleRate)
}

// Concat joins segments in order. All segments must share sample rate and
// channel count; a mismatch is an error, segments are never resampled.
func Concat(segments []Waveform) (Waveform, error) {
	if len(segments) == 0 {
		return Waveform{}, ErrNoSegments
	}

	first := segments[0]
	total := 0

	for index, segment := range segments {
		validateErr := segment.Validate()
		if validateErr != nil {
			return Waveform{}, fmt.Errorf("segment %d: %w", index, validateErr)
		}

		if segment.SampleRate != first.SampleRate || segment.Channels != first.Channels {
			return Waveform{}, fmt.Errorf(
				errFmtSegmentFormat,
				ErrFormatMismatch,
				index,
				segment.SampleRate,
				segment.Channels,
				first.SampleRate,
				first.Channels,
			)
		}

		total += len(segment.Samples)
	}

	samples := make([]float32, 0, total)
	for _, segment := range segments {
		samples = append(samples, segment.Samples...)
	}

	return Waveform{
		Samples:    samples,
		SampleRate: first.SampleRate,
		Channels:   first.Channels,
	}, nil
}
