package core

import (
	"fmt"
	"strings"
)

// Mode selects how the model is conditioned.
type Mode string

const (
	ModeCustomVoice Mode = "custom_voice"
	ModeVoiceDesign Mode = "voice_design"
	ModeVoiceClone  Mode = "voice_clone"
)

// ParseMode validates a wire value. An empty string means custom_voice.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case "", ModeCustomVoice:
		return ModeCustomVoice, nil
	case ModeVoiceDesign, ModeVoiceClone:
		return Mode(raw), nil
	default:
		return "", fmt.Errorf("%w: unsupported mode %q", ErrInvalidRequest, raw)
	}
}

// Precision is the numeric type model weights are loaded with.
type Precision string

const (
	PrecisionBFloat16 Precision = "bfloat16"
	PrecisionFloat32  Precision = "float32"
)

// PrecisionFor returns the fixed precision policy for a device: reduced
// precision on accelerators, full precision on CPU.
func PrecisionFor(device string) Precision {
	if strings.HasPrefix(device, "cuda") || strings.HasPrefix(device, "mps") {
		return PrecisionBFloat16
	}

	return PrecisionFloat32
}

// ModelKey identifies one cache slot.
type ModelKey struct {
	ModelID   string
	Device    string
	Precision Precision
}

// NewModelKey builds a key with the precision implied by device.
func NewModelKey(modelID, device string) ModelKey {
	return ModelKey{
		ModelID:   modelID,
		Device:    device,
		Precision: PrecisionFor(device),
	}
}

func (k ModelKey) String() string {
	return k.ModelID + "@" + k.Device + "/" + string(k.Precision)
}

// GenerateParams carries the mode-specific conditioning for one model call.
type GenerateParams struct {
	Mode        Mode
	Language    string
	Speaker     string
	Instruct    string
	ClonePrompt []byte
}

// PromptSource is the input for deriving a voice clone prompt.
type PromptSource struct {
	RefAudio    []byte
	RefText     string
	XVectorOnly bool
}
