package tts

import (
	"context"
	"fmt"
	"strings"

	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/modelcache"
	"github.com/book-expert/tts-studio/internal/profile"
)

// ProfileSpec is the wire form of a profile creation request.
type ProfileSpec struct {
	Name        string `json:"name"`
	RefAudio    string `json:"ref_audio"`
	RefText     string `json:"ref_text,omitempty"`
	XVectorOnly bool   `json:"x_vector_only,omitempty"`
	Model       string `json:"model,omitempty"`
}

// Meta describes what the service can do.
type Meta struct {
	DefaultModels map[core.Mode]string `json:"default_models"`
	Device        string               `json:"device"`
	Speakers      []string             `json:"speakers"`
	Languages     []string             `json:"languages"`
	ProfilesDir   string               `json:"voices_dir"`
	ChunkLimit    int                  `json:"chunk_limit"`
}

// Health is the service health report.
type Health struct {
	OK      bool             `json:"ok"`
	Runtime string           `json:"runtime"`
	Cache   modelcache.Stats `json:"cache"`
}

// CreateProfile resolves the reference audio and stores a new voice profile
// built with the requested model, or the clone default.
func (s *Synthesizer) CreateProfile(ctx context.Context, spec ProfileSpec) (profile.Profile, error) {
	// Cheap checks first so bad requests never download reference audio.
	_, nameErr := profile.SanitizeName(spec.Name)
	if nameErr != nil {
		return profile.Profile{}, nameErr
	}

	if strings.TrimSpace(spec.RefAudio) == "" {
		return profile.Profile{}, fmt.Errorf("%w: %w", core.ErrInvalidRequest, profile.ErrMissingAudio)
	}

	if !spec.XVectorOnly && strings.TrimSpace(spec.RefText) == "" {
		return profile.Profile{}, fmt.Errorf("%w: %w", core.ErrInvalidRequest, profile.ErrMissingRefText)
	}

	refAudio, resolveErr := s.resolver.Resolve(ctx, spec.RefAudio)
	if resolveErr != nil {
		return profile.Profile{}, fmt.Errorf(errFmtReference, core.ErrInvalidRequest, resolveErr)
	}

	modelID := strings.TrimSpace(spec.Model)
	if modelID == "" {
		modelID = s.settings.DefaultModels[core.ModeVoiceClone]
	}

	return s.profiles.Create(ctx, spec.Name, core.PromptSource{
		RefAudio:    refAudio,
		RefText:     strings.TrimSpace(spec.RefText),
		XVectorOnly: spec.XVectorOnly,
	}, modelID)
}

// Meta reports defaults plus the speakers and languages of the default
// custom-voice model, loading it if needed.
func (s *Synthesizer) Meta(ctx context.Context) (Meta, error) {
	meta := Meta{
		DefaultModels: s.settings.DefaultModels,
		Device:        s.settings.Device,
		ProfilesDir:   s.settings.ProfilesDir,
		ChunkLimit:    s.settings.ChunkLimit,
	}

	lease, err := s.cache.Acquire(ctx, s.settings.DefaultModels[core.ModeCustomVoice], s.settings.Device)
	if err != nil {
		return meta, err
	}
	defer lease.Release()

	speakers, err := lease.Model().SupportedSpeakers(ctx)
	if err != nil {
		return meta, fmt.Errorf(errFmtSpeakerLookup, core.ErrSynthesis, err)
	}

	languages, err := lease.Model().SupportedLanguages(ctx)
	if err != nil {
		return meta, fmt.Errorf("%w: failed to list languages: %w", core.ErrSynthesis, err)
	}

	meta.Speakers = speakers
	meta.Languages = languages

	return meta, nil
}

// Health reports runtime reachability and cache occupancy.
func (s *Synthesizer) Health(ctx context.Context) Health {
	health := Health{OK: true, Runtime: "unchecked", Cache: s.cache.Stats()}

	if s.health == nil {
		return health
	}

	err := s.health.HealthCheck(ctx)
	if err != nil {
		health.OK = false
		health.Runtime = err.Error()

		return health
	}

	health.Runtime = "ok"

	return health
}

// PromptBuilder derives clone prompts for the profile store through the
// model cache.
type PromptBuilder struct {
	cache  *modelcache.Cache
	device string
}

// NewPromptBuilder creates a builder that loads models on device.
func NewPromptBuilder(cache *modelcache.Cache, device string) *PromptBuilder {
	return &PromptBuilder{cache: cache, device: device}
}

// BuildPrompt implements profile.PromptBuilder.
func (b *PromptBuilder) BuildPrompt(ctx context.Context, modelID string, source core.PromptSource) ([]byte, error) {
	lease, err := b.cache.Acquire(ctx, modelID, b.device)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	prompt, err := lease.Model().CreateClonePrompt(ctx, source)
	if err != nil {
		return nil, fmt.Errorf(errFmtClonePrompt, core.ErrSynthesis, err)
	}

	return prompt, nil
}
