// Package profile persists named voice-clone prompts together with the model
// they were built with.
//
// Each profile is stored as two files in one directory: the prompt payload
// (<name>.prompt) and a small TOML metadata record (<name>.meta.toml). The
// store keeps the pair consistent: both files exist or neither does.
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/tts/ttsutils"
)

// MaxNameLength is the longest accepted profile name after sanitization.
const MaxNameLength = 64

// Error message formats.
const (
	errFmtNameEmpty    = "%w: profile name is empty"
	errFmtNameEscape   = "%w: profile name %q escapes the profile directory"
	errFmtNameTooLong  = "%w: profile name %q is longer than %d characters"
	errFmtNameExists   = "%w: %w: %s"
	errFmtNameNotFound = "%w: voice profile %q"
)

// Common errors for the profile package.
var (
	ErrExists          = errors.New("voice profile already exists")
	ErrMissingAudio    = errors.New("reference audio is required")
	ErrMissingRefText  = errors.New("reference text is required unless x_vector_only is set")
	ErrMissingModel    = errors.New("model id is required")
	ErrCorruptPayload  = errors.New("voice profile payload is corrupt")
	ErrMissingBuilder  = errors.New("no prompt builder configured")
	ErrInvalidEnvelope = errors.New("voice profile payload is missing fields")
)

// Profile is one stored voice. Prompt is empty in List results.
type Profile struct {
	Name        string
	DisplayName string
	ModelID     string
	CreatedAt   time.Time
	XVectorOnly bool
	PromptBytes int
	Prompt      []byte
}

// PromptBuilder derives an opaque clone prompt from reference audio using
// the given model.
type PromptBuilder interface {
	BuildPrompt(ctx context.Context, modelID string, source core.PromptSource) ([]byte, error)
}

// SanitizeName turns a display name into a safe file-name stem. Names that
// try to leave the profile directory are rejected rather than rewritten.
func SanitizeName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", fmt.Errorf(errFmtNameEmpty, core.ErrInvalidRequest)
	}

	if strings.Contains(trimmed, "..") || strings.ContainsAny(trimmed, `/\`) {
		return "", fmt.Errorf(errFmtNameEscape, core.ErrInvalidRequest, name)
	}

	safe := ttsutils.SanitizeName(trimmed)
	if safe == "" || strings.HasPrefix(safe, ".") {
		return "", fmt.Errorf(errFmtNameEscape, core.ErrInvalidRequest, name)
	}

	if len(safe) > MaxNameLength {
		return "", fmt.Errorf(errFmtNameTooLong, core.ErrInvalidRequest, name, MaxNameLength)
	}

	return safe, nil
}

// ValidateSource enforces the clone prompt input rule: reference audio plus
// either a transcript or the x-vector-only flag.
func ValidateSource(source core.PromptSource) error {
	if len(source.RefAudio) == 0 {
		return fmt.Errorf("%w: %w", core.ErrInvalidRequest, ErrMissingAudio)
	}

	if !source.XVectorOnly && strings.TrimSpace(source.RefText) == "" {
		return fmt.Errorf("%w: %w", core.ErrInvalidRequest, ErrMissingRefText)
	}

	return nil
}
