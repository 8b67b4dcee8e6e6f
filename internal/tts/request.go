package tts

import (
	"fmt"
	"strings"

	"github.com/book-expert/tts-studio/internal/core"
)

// Request validation messages.
const (
	errFmtInvalid          = "%w: %s"
	msgTextEmpty           = "text must not be empty"
	msgInstructRequired    = "voice_design requires a non-empty instruct"
	msgCloneSourceRequired = "voice_clone requires a profile or ref_audio"
	msgCloneSourceConflict = "voice_clone takes either a profile or ref_audio, not both"
	msgRefTextRequired     = "voice_clone with ref_audio requires ref_text or x_vector_only"
)

// Voice is the mode-specific part of a request. The set of variants is closed.
type Voice interface {
	Mode() core.Mode
	isVoice()
}

// CustomVoice speaks with one of the model's built-in speakers.
type CustomVoice struct {
	// Speaker may be empty; the default speaker is used then.
	Speaker  string
	Instruct string
}

// VoiceDesign speaks with a voice described in natural language.
type VoiceDesign struct {
	Instruct string
}

// VoiceClone speaks with a voice copied from reference audio, either stored
// as a profile or supplied inline.
type VoiceClone struct {
	Profile     string
	RefAudio    string
	RefText     string
	XVectorOnly bool
}

// Mode implements Voice.
func (CustomVoice) Mode() core.Mode { return core.ModeCustomVoice }

// Mode implements Voice.
func (VoiceDesign) Mode() core.Mode { return core.ModeVoiceDesign }

// Mode implements Voice.
func (VoiceClone) Mode() core.Mode { return core.ModeVoiceClone }

func (CustomVoice) isVoice() {}
func (VoiceDesign) isVoice() {}
func (VoiceClone) isVoice()  {}

// UsesProfile reports whether the clone is driven by a stored profile.
func (v VoiceClone) UsesProfile() bool { return v.Profile != "" }

// Request is a validated synthesis request.
type Request struct {
	Text      string
	ChunkText bool
	Language  string
	ModelID   string
	Device    string
	Voice     Voice
}

// RequestSpec is the flat wire form of a synthesis request.
type RequestSpec struct {
	Mode        string `json:"mode"`
	Text        string `json:"text"`
	ChunkText   bool   `json:"chunk_text"`
	Language    string `json:"language,omitempty"`
	Speaker     string `json:"speaker,omitempty"`
	Instruct    string `json:"instruct,omitempty"`
	Model       string `json:"model,omitempty"`
	Device      string `json:"device,omitempty"`
	Profile     string `json:"profile,omitempty"`
	RefAudio    string `json:"ref_audio,omitempty"`
	RefText     string `json:"ref_text,omitempty"`
	XVectorOnly bool   `json:"x_vector_only,omitempty"`
}

// NewRequest checks the mode preconditions and builds the matching Voice.
func NewRequest(spec RequestSpec) (Request, error) {
	mode, modeErr := core.ParseMode(spec.Mode)
	if modeErr != nil {
		return Request{}, modeErr
	}

	if strings.TrimSpace(spec.Text) == "" {
		return Request{}, invalid(msgTextEmpty)
	}

	var voice Voice

	switch mode {
	case core.ModeCustomVoice:
		voice = CustomVoice{
			Speaker:  strings.TrimSpace(spec.Speaker),
			Instruct: strings.TrimSpace(spec.Instruct),
		}
	case core.ModeVoiceDesign:
		instruct := strings.TrimSpace(spec.Instruct)
		if instruct == "" {
			return Request{}, invalid(msgInstructRequired)
		}

		voice = VoiceDesign{Instruct: instruct}
	case core.ModeVoiceClone:
		clone, cloneErr := newVoiceClone(spec)
		if cloneErr != nil {
			return Request{}, cloneErr
		}

		voice = clone
	}

	return Request{
		Text:      spec.Text,
		ChunkText: spec.ChunkText,
		Language:  strings.TrimSpace(spec.Language),
		ModelID:   strings.TrimSpace(spec.Model),
		Device:    strings.TrimSpace(spec.Device),
		Voice:     voice,
	}, nil
}

func newVoiceClone(spec RequestSpec) (VoiceClone, error) {
	profile := strings.TrimSpace(spec.Profile)
	refAudio := strings.TrimSpace(spec.RefAudio)
	refText := strings.TrimSpace(spec.RefText)

	switch {
	case profile == "" && refAudio == "":
		return VoiceClone{}, invalid(msgCloneSourceRequired)
	case profile != "" && refAudio != "":
		return VoiceClone{}, invalid(msgCloneSourceConflict)
	case refAudio != "" && refText == "" && !spec.XVectorOnly:
		return VoiceClone{}, invalid(msgRefTextRequired)
	}

	return VoiceClone{
		Profile:     profile,
		RefAudio:    refAudio,
		RefText:     refText,
		XVectorOnly: spec.XVectorOnly,
	}, nil
}

func invalid(message string) error {
	return fmt.Errorf(errFmtInvalid, core.ErrInvalidRequest, message)
}
