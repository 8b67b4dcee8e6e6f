// Package core defines the core business types and interfaces for the TTS service.
package core

import (
	"context"

	"github.com/book-expert/tts-studio/internal/tts/audio"
)

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// Model is one loaded instance of the generative TTS model.
//
// Implementations talk to the inference runtime; the service never looks
// inside the weights. Generate returns one mono or multi-channel segment for
// the given text.
type Model interface {
	Key() ModelKey
	Generate(ctx context.Context, text string, params GenerateParams) (audio.Waveform, error)
	CreateClonePrompt(ctx context.Context, source PromptSource) ([]byte, error)
	SupportedSpeakers(ctx context.Context) ([]string, error)
	SupportedLanguages(ctx context.Context) ([]string, error)
	Close() error
}

// ModelLoader materializes a Model for a cache key.
type ModelLoader interface {
	Load(ctx context.Context, key ModelKey) (Model, error)
}
