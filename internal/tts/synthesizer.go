// Package tts turns synthesis requests into audio.
//
// The Synthesizer validates a request, resolves which model serves it,
// splits the text into model-sized chunks, runs each chunk through a leased
// model and joins the resulting segments. The HTTPClient in this package is
// the model runtime the cache loads from.
package tts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/config"
	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/modelcache"
	"github.com/book-expert/tts-studio/internal/profile"
	"github.com/book-expert/tts-studio/internal/tts/audio"
	"github.com/book-expert/tts-studio/internal/tts/text"
	"github.com/book-expert/tts-studio/internal/tts/ttsutils"
	"golang.org/x/sync/errgroup"
)

// Error formats.
const (
	errFmtTextTooLong    = "%w: text is %d characters, the limit is %d; enable chunk_text to split it"
	errFmtProfileModel   = "%w: profile %q is bound to model %q, request asked for %q"
	errFmtChunkFailed    = "%w: chunk %d of %d: %w"
	errFmtConcatFailed   = "%w: %w"
	errFmtReference      = "%w: %w"
	errFmtClonePrompt    = "%w: failed to derive clone prompt: %w"
	errFmtNoSpeakers     = "%w: model %s reports no speakers"
	errFmtSpeakerLookup  = "%w: failed to list speakers: %w"
	errFmtNoDefaultModel = "%w: no default model configured for mode %s"
)

// ErrNoVoice is returned for a request built without NewRequest.
var ErrNoVoice = errors.New("request has no voice")

// ProfileStore is the part of the profile store the synthesizer needs.
type ProfileStore interface {
	Get(name string) (profile.Profile, error)
	Create(ctx context.Context, name string, source core.PromptSource, modelID string) (profile.Profile, error)
}

// HealthChecker reports whether the model runtime is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Settings are the synthesis defaults.
type Settings struct {
	Device          string
	DefaultModels   map[core.Mode]string
	ChunkLimit      int
	ParallelChunks  int
	DefaultSpeaker  string
	DefaultLanguage string
	ProfilesDir     string
}

// SettingsFromConfig extracts synthesis settings from the service configuration.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Device: cfg.Models.Device,
		DefaultModels: map[core.Mode]string{
			core.ModeCustomVoice: cfg.Models.CustomVoiceModel,
			core.ModeVoiceDesign: cfg.Models.VoiceDesignModel,
			core.ModeVoiceClone:  cfg.Models.VoiceCloneModel,
		},
		ChunkLimit:      cfg.Synthesis.ChunkLimit,
		ParallelChunks:  cfg.Synthesis.ParallelChunks,
		DefaultSpeaker:  cfg.Synthesis.DefaultSpeaker,
		DefaultLanguage: cfg.Synthesis.DefaultLanguage,
		ProfilesDir:     cfg.Profiles.Dir,
	}
}

// Result is the outcome of one synthesis call.
type Result struct {
	Waveform audio.Waveform
	Chunks   int
	Model    core.ModelKey
}

// Synthesizer serves synthesis requests.
type Synthesizer struct {
	cache    *modelcache.Cache
	profiles ProfileStore
	resolver *audio.ReferenceResolver
	health   HealthChecker
	settings Settings
	log      *logger.Logger
}

// NewSynthesizer wires a synthesizer. health may be nil.
func NewSynthesizer(
	cache *modelcache.Cache,
	profiles ProfileStore,
	resolver *audio.ReferenceResolver,
	health HealthChecker,
	settings Settings,
	log *logger.Logger,
) *Synthesizer {
	if settings.ChunkLimit <= 0 {
		settings.ChunkLimit = text.DefaultChunkLimit
	}

	if settings.ParallelChunks <= 0 {
		settings.ParallelChunks = 1
	}

	if resolver == nil {
		resolver = audio.NewReferenceResolver(nil)
	}

	return &Synthesizer{
		cache:    cache,
		profiles: profiles,
		resolver: resolver,
		health:   health,
		settings: settings,
		log:      log,
	}
}

// Synthesize produces one waveform for the request. Every precondition is
// checked before a model is touched; any chunk failure fails the request.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (Result, error) {
	if req.Voice == nil {
		return Result{}, fmt.Errorf("%w: %w", core.ErrInvalidRequest, ErrNoVoice)
	}

	var stored *profile.Profile

	if clone, ok := req.Voice.(VoiceClone); ok && clone.UsesProfile() {
		found, getErr := s.profiles.Get(clone.Profile)
		if getErr != nil {
			return Result{}, getErr
		}

		stored = &found
	}

	modelID, modelErr := s.resolveModel(req, stored)
	if modelErr != nil {
		return Result{}, modelErr
	}

	chunks, chunkErr := s.chunks(req)
	if chunkErr != nil {
		return Result{}, chunkErr
	}

	var refAudio []byte

	if clone, ok := req.Voice.(VoiceClone); ok && !clone.UsesProfile() {
		resolved, resolveErr := s.resolver.Resolve(ctx, clone.RefAudio)
		if resolveErr != nil {
			return Result{}, fmt.Errorf(errFmtReference, core.ErrInvalidRequest, resolveErr)
		}

		refAudio = resolved
	}

	lease, acquireErr := s.cache.Acquire(ctx, modelID, s.device(req))
	if acquireErr != nil {
		return Result{}, acquireErr
	}
	defer lease.Release()

	model := lease.Model()

	params, paramsErr := s.generateParams(ctx, model, req, stored, refAudio)
	if paramsErr != nil {
		return Result{}, paramsErr
	}

	started := time.Now()

	segments, generateErr := s.generate(ctx, model, chunks, params)
	if generateErr != nil {
		return Result{}, generateErr
	}

	waveform, concatErr := audio.Concat(segments)
	if concatErr != nil {
		return Result{}, fmt.Errorf(errFmtConcatFailed, core.ErrSynthesis, concatErr)
	}

	s.log.Info("Synthesized %d chunk(s) with %s: %s of audio in %s",
		len(chunks), lease.Key(), ttsutils.FormatDuration(waveform.Duration()),
		ttsutils.FormatDuration(time.Since(started)))

	return Result{Waveform: waveform, Chunks: len(chunks), Model: lease.Key()}, nil
}

// resolveModel applies explicit > profile > mode default, and rejects an
// explicit model that contradicts the profile's binding.
func (s *Synthesizer) resolveModel(req Request, stored *profile.Profile) (string, error) {
	if stored != nil {
		if req.ModelID != "" && req.ModelID != stored.ModelID {
			return "", fmt.Errorf(errFmtProfileModel, core.ErrProfileMismatch, stored.Name, stored.ModelID, req.ModelID)
		}

		return stored.ModelID, nil
	}

	if req.ModelID != "" {
		return req.ModelID, nil
	}

	modelID := s.settings.DefaultModels[req.Voice.Mode()]
	if modelID == "" {
		return "", fmt.Errorf(errFmtNoDefaultModel, core.ErrInvalidRequest, req.Voice.Mode())
	}

	return modelID, nil
}

func (s *Synthesizer) chunks(req Request) ([]string, error) {
	limit := s.settings.ChunkLimit

	if !req.ChunkText {
		length := text.Length(req.Text)
		if length > limit {
			return nil, fmt.Errorf(errFmtTextTooLong, core.ErrInvalidRequest, length, limit)
		}

		return []string{req.Text}, nil
	}

	return text.Chunk(req.Text, limit), nil
}

func (s *Synthesizer) device(req Request) string {
	if req.Device != "" {
		return req.Device
	}

	return s.settings.Device
}

func (s *Synthesizer) generateParams(
	ctx context.Context,
	model core.Model,
	req Request,
	stored *profile.Profile,
	refAudio []byte,
) (core.GenerateParams, error) {
	params := core.GenerateParams{
		Mode:     req.Voice.Mode(),
		Language: req.Language,
	}

	if params.Language == "" {
		params.Language = s.settings.DefaultLanguage
	}

	switch voice := req.Voice.(type) {
	case CustomVoice:
		speaker, speakerErr := s.speaker(ctx, model, voice.Speaker)
		if speakerErr != nil {
			return params, speakerErr
		}

		params.Speaker = speaker
		params.Instruct = voice.Instruct
	case VoiceDesign:
		params.Instruct = voice.Instruct
	case VoiceClone:
		if stored != nil {
			params.ClonePrompt = stored.Prompt

			break
		}

		// Derived once and shared by every chunk of this request.
		prompt, promptErr := model.CreateClonePrompt(ctx, core.PromptSource{
			RefAudio:    refAudio,
			RefText:     voice.RefText,
			XVectorOnly: voice.XVectorOnly,
		})
		if promptErr != nil {
			return params, fmt.Errorf(errFmtClonePrompt, core.ErrSynthesis, promptErr)
		}

		params.ClonePrompt = prompt
	}

	return params, nil
}

func (s *Synthesizer) speaker(ctx context.Context, model core.Model, requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}

	if s.settings.DefaultSpeaker != "" {
		return s.settings.DefaultSpeaker, nil
	}

	speakers, err := model.SupportedSpeakers(ctx)
	if err != nil {
		return "", fmt.Errorf(errFmtSpeakerLookup, core.ErrSynthesis, err)
	}

	if len(speakers) == 0 {
		return "", fmt.Errorf(errFmtNoSpeakers, core.ErrSynthesis, model.Key())
	}

	return speakers[0], nil
}

// generate runs the chunks through the model. Results keep chunk order
// whatever the parallelism; cancellation is honored between chunks.
func (s *Synthesizer) generate(
	ctx context.Context,
	model core.Model,
	chunks []string,
	params core.GenerateParams,
) ([]audio.Waveform, error) {
	segments := make([]audio.Waveform, len(chunks))

	if s.settings.ParallelChunks <= 1 || len(chunks) == 1 {
		for index, chunk := range chunks {
			ctxErr := ctx.Err()
			if ctxErr != nil {
				return nil, ctxErr
			}

			segment, err := model.Generate(ctx, chunk, params)
			if err != nil {
				return nil, fmt.Errorf(errFmtChunkFailed, core.ErrSynthesis, index+1, len(chunks), err)
			}

			segments[index] = segment
		}

		return segments, nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.settings.ParallelChunks)

	for index, chunk := range chunks {
		group.Go(func() error {
			ctxErr := groupCtx.Err()
			if ctxErr != nil {
				return ctxErr
			}

			segment, err := model.Generate(groupCtx, chunk, params)
			if err != nil {
				return fmt.Errorf(errFmtChunkFailed, core.ErrSynthesis, index+1, len(chunks), err)
			}

			segments[index] = segment

			return nil
		})
	}

	waitErr := group.Wait()
	if waitErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		return nil, waitErr
	}

	return segments, nil
}
