package core_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/book-expert/tts-studio/internal/core"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"invalid", fmt.Errorf("%w: text too long", core.ErrInvalidRequest), core.KindInvalidRequest},
		{"mismatch", fmt.Errorf("wrap: %w", core.ErrProfileMismatch), core.KindProfileMismatch},
		{"not found", core.ErrNotFound, core.KindNotFound},
		{"load", fmt.Errorf("%w: weights missing", core.ErrModelLoadFailure), core.KindModelLoadFailure},
		{"synthesis", fmt.Errorf("chunk 2: %w", core.ErrSynthesis), core.KindSynthesis},
		{"export", fmt.Errorf("%w: ffmpeg missing", core.ErrExport), core.KindExport},
		{"unsupported style counts as invalid", fmt.Errorf("%w: %w", core.ErrExport, core.ErrInvalidRequest), core.KindInvalidRequest},
		{"other", errors.New("boom"), core.KindInternal},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, testCase.want, core.KindOf(testCase.err))
		})
	}
}

func TestPrecisionFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, core.PrecisionBFloat16, core.PrecisionFor("cuda:0"))
	assert.Equal(t, core.PrecisionBFloat16, core.PrecisionFor("mps"))
	assert.Equal(t, core.PrecisionFloat32, core.PrecisionFor("cpu"))
	assert.Equal(t, core.PrecisionFloat32, core.PrecisionFor(""))
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	mode, err := core.ParseMode("")
	assert.NoError(t, err)
	assert.Equal(t, core.ModeCustomVoice, mode)

	mode, err = core.ParseMode("voice_clone")
	assert.NoError(t, err)
	assert.Equal(t, core.ModeVoiceClone, mode)

	_, err = core.ParseMode("karaoke")
	assert.ErrorIs(t, err, core.ErrInvalidRequest)
}
