package tts_test

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/modelcache"
	"github.com/book-expert/tts-studio/internal/profile"
	"github.com/book-expert/tts-studio/internal/tts"
	"github.com/book-expert/tts-studio/internal/tts/audio"
	"github.com/book-expert/tts-studio/internal/tts/text"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	customModel = "custom-0.6b"
	designModel = "design-1.7b"
	cloneModel  = "base-1.7b"
	sampleRate  = 24000
)

var errInference = errors.New("device lost")

type generateCall struct {
	text   string
	params core.GenerateParams
}

type fakeModel struct {
	key     core.ModelKey
	harness *harness
}

func (m *fakeModel) Key() core.ModelKey { return m.key }

func (m *fakeModel) Generate(_ context.Context, chunk string, params core.GenerateParams) (audio.Waveform, error) {
	h := m.harness

	h.mu.Lock()
	call := len(h.calls)
	h.calls = append(h.calls, generateCall{text: chunk, params: params})
	onGenerate := h.onGenerate
	failAt := h.failAt
	oddRateAt := h.oddRateAt
	h.mu.Unlock()

	if onGenerate != nil {
		onGenerate(call)
	}

	if failAt >= 0 && call == failAt {
		return audio.Waveform{}, errInference
	}

	rate := sampleRate
	if oddRateAt >= 0 && call == oddRateAt {
		rate = 16000
	}

	// One frame per character keeps durations proportional to the text.
	frames := text.Length(chunk)
	samples := make([]float32, frames)

	value := float32(0)
	if h.valueFor != nil {
		value = h.valueFor(chunk)
	}

	for index := range samples {
		samples[index] = value
	}

	return audio.Waveform{Samples: samples, SampleRate: rate, Channels: 1}, nil
}

func (m *fakeModel) CreateClonePrompt(_ context.Context, source core.PromptSource) ([]byte, error) {
	m.harness.mu.Lock()
	m.harness.promptCalls++
	m.harness.mu.Unlock()

	return []byte("prompt(" + m.key.ModelID + "," + source.RefText + ")"), nil
}

func (m *fakeModel) SupportedSpeakers(context.Context) ([]string, error) {
	return []string{"Vivian", "Ryan"}, nil
}

func (m *fakeModel) SupportedLanguages(context.Context) ([]string, error) {
	return []string{"Auto", "English", "Chinese"}, nil
}

func (m *fakeModel) Close() error { return nil }

type harness struct {
	mu          sync.Mutex
	loads       []core.ModelKey
	calls       []generateCall
	promptCalls int
	failAt      int
	oddRateAt   int
	onGenerate  func(call int)
	valueFor    func(chunk string) float32

	cache    *modelcache.Cache
	profiles *profile.Store
	synth    *tts.Synthesizer
}

func (h *harness) Load(_ context.Context, key core.ModelKey) (core.Model, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.loads = append(h.loads, key)

	return &fakeModel{key: key, harness: h}, nil
}

func (h *harness) HealthCheck(context.Context) error { return nil }

func (h *harness) generateCalls() []generateCall {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]generateCall(nil), h.calls...)
}

func (h *harness) loadCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.loads)
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "tts-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func newHarness(t *testing.T, adjust func(*tts.Settings)) *harness {
	t.Helper()

	log := newTestLogger(t)
	h := &harness{failAt: -1, oddRateAt: -1}
	h.cache = modelcache.New(h, modelcache.Options{Capacity: 3}, log)

	store, err := profile.Open(t.TempDir(), tts.NewPromptBuilder(h.cache, "cpu"), profile.Options{}, log)
	require.NoError(t, err)

	t.Cleanup(store.Close)

	settings := tts.Settings{
		Device: "cpu",
		DefaultModels: map[core.Mode]string{
			core.ModeCustomVoice: customModel,
			core.ModeVoiceDesign: designModel,
			core.ModeVoiceClone:  cloneModel,
		},
		ChunkLimit:      500,
		ParallelChunks:  1,
		DefaultLanguage: "Auto",
		ProfilesDir:     store.Dir(),
	}

	if adjust != nil {
		adjust(&settings)
	}

	h.profiles = store
	h.synth = tts.NewSynthesizer(h.cache, store, nil, h, settings, log)

	return h
}

func mustRequest(t *testing.T, spec tts.RequestSpec) tts.Request {
	t.Helper()

	req, err := tts.NewRequest(spec)
	require.NoError(t, err)

	return req
}

func inlineAudio() string {
	return "data:audio/wav;base64," + base64.StdEncoding.EncodeToString([]byte("RIFF-ref"))
}

func TestSynthesize_ShortTextSameWithOrWithoutChunking(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	input := "Hello there, this is a short sentence."

	plain, err := h.synth.Synthesize(ctx, mustRequest(t, tts.RequestSpec{Text: input, Speaker: "Ryan"}))
	require.NoError(t, err)

	chunked, err := h.synth.Synthesize(ctx, mustRequest(t, tts.RequestSpec{Text: input, Speaker: "Ryan", ChunkText: true}))
	require.NoError(t, err)

	assert.Equal(t, plain.Waveform, chunked.Waveform)
	assert.Equal(t, 1, plain.Chunks)
	assert.Equal(t, 1, chunked.Chunks)

	calls := h.generateCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, input, calls[0].text)
	assert.Equal(t, calls[0], calls[1])
	assert.Equal(t, 1, h.loadCount())
}

func TestSynthesize_LongTextWithoutChunkingFailsFast(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	_, err := h.synth.Synthesize(context.Background(), mustRequest(t, tts.RequestSpec{
		Text: strings.Repeat("Hello there. ", 60),
	}))
	require.ErrorIs(t, err, core.ErrInvalidRequest)

	assert.Equal(t, 0, h.loadCount(), "no model is loaded for a rejected request")
	assert.Empty(t, h.generateCalls())
}

func TestSynthesize_LongTextIsChunked(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	input := strings.Repeat("Hello there. ", 60)

	result, err := h.synth.Synthesize(context.Background(), mustRequest(t, tts.RequestSpec{
		Mode:      "custom_voice",
		Text:      input,
		ChunkText: true,
		Speaker:   "Ryan",
	}))
	require.NoError(t, err)

	calls := h.generateCalls()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, len(calls), result.Chunks)

	var totalFrames int

	for _, call := range calls {
		assert.LessOrEqual(t, text.Length(call.text), 500)
		assert.Equal(t, "Ryan", call.params.Speaker)
		assert.Equal(t, core.ModeCustomVoice, call.params.Mode)
		assert.Equal(t, "Auto", call.params.Language)

		totalFrames += text.Length(call.text)
	}

	assert.Equal(t, totalFrames, result.Waveform.Frames())
	assert.Equal(t, sampleRate, result.Waveform.SampleRate)
	assert.Equal(t, customModel, result.Model.ModelID)
	assert.Equal(t, core.PrecisionFloat32, result.Model.Precision)
}

func TestSynthesize_ParallelChunksKeepOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(s *tts.Settings) {
		s.ChunkLimit = 12
		s.ParallelChunks = 4
	})

	input := "alpha beta gamma delta epsilon zeta eta theta iota kappa lambda"
	chunks := text.Chunk(input, 12)
	require.Greater(t, len(chunks), 3)

	position := make(map[string]float32, len(chunks))
	for index, chunk := range chunks {
		position[chunk] = float32(index + 1)
	}

	h.valueFor = func(chunk string) float32 { return position[chunk] }

	result, err := h.synth.Synthesize(context.Background(), mustRequest(t, tts.RequestSpec{
		Text: input, ChunkText: true,
	}))
	require.NoError(t, err)

	var offset int

	for index, chunk := range chunks {
		assert.InDelta(t, float32(index+1), result.Waveform.Samples[offset], 1e-6, chunk)
		offset += text.Length(chunk)
	}
}

func TestSynthesize_ChunkFailureAbortsRequest(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.failAt = 1

	_, err := h.synth.Synthesize(context.Background(), mustRequest(t, tts.RequestSpec{
		Text: strings.Repeat("Hello there. ", 100), ChunkText: true,
	}))
	require.ErrorIs(t, err, core.ErrSynthesis)
	require.ErrorIs(t, err, errInference)
	assert.Len(t, h.generateCalls(), 2, "no chunk after the failed one is synthesized")
}

func TestSynthesize_HeterogeneousSegmentsFail(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.oddRateAt = 1

	_, err := h.synth.Synthesize(context.Background(), mustRequest(t, tts.RequestSpec{
		Text: strings.Repeat("Hello there. ", 60), ChunkText: true,
	}))
	require.ErrorIs(t, err, core.ErrSynthesis)
	require.ErrorIs(t, err, audio.ErrFormatMismatch)
}

func TestSynthesize_CancelledBetweenChunks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	defer cancel()

	h.onGenerate = func(int) { cancel() }

	_, err := h.synth.Synthesize(ctx, mustRequest(t, tts.RequestSpec{
		Text: strings.Repeat("Hello there. ", 100), ChunkText: true,
	}))
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, h.generateCalls(), 1)
}

func TestSynthesize_DefaultSpeaker(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	_, err := h.synth.Synthesize(context.Background(), mustRequest(t, tts.RequestSpec{Text: "hi"}))
	require.NoError(t, err)
	assert.Equal(t, "Vivian", h.generateCalls()[0].params.Speaker, "first supported speaker")

	configured := newHarness(t, func(s *tts.Settings) { s.DefaultSpeaker = "Ryan" })

	_, err = configured.synth.Synthesize(context.Background(), mustRequest(t, tts.RequestSpec{Text: "hi"}))
	require.NoError(t, err)
	assert.Equal(t, "Ryan", configured.generateCalls()[0].params.Speaker)
}

func TestSynthesize_ModelResolution(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	design, err := h.synth.Synthesize(ctx, mustRequest(t, tts.RequestSpec{
		Mode: "voice_design", Text: "hi", Instruct: "a calm old sailor",
	}))
	require.NoError(t, err)
	assert.Equal(t, designModel, design.Model.ModelID)
	assert.Equal(t, "a calm old sailor", h.generateCalls()[0].params.Instruct)

	explicit, err := h.synth.Synthesize(ctx, mustRequest(t, tts.RequestSpec{
		Text: "hi", Model: "other-model", Device: "cuda:1",
	}))
	require.NoError(t, err)
	assert.Equal(t, "other-model", explicit.Model.ModelID)
	assert.Equal(t, core.PrecisionBFloat16, explicit.Model.Precision)
}

func TestSynthesize_ProfileAffinity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	stored, err := h.synth.CreateProfile(ctx, tts.ProfileSpec{
		Name: "Narrator", RefAudio: inlineAudio(), RefText: "reference words", Model: "base-M",
	})
	require.NoError(t, err)
	assert.Equal(t, "base-M", stored.ModelID)

	callsBefore := len(h.generateCalls())

	_, err = h.synth.Synthesize(ctx, mustRequest(t, tts.RequestSpec{
		Mode: "voice_clone", Text: "hi", Profile: "Narrator", Model: "base-other",
	}))
	require.ErrorIs(t, err, core.ErrProfileMismatch)
	assert.Len(t, h.generateCalls(), callsBefore)

	for _, model := range []string{"", "base-M"} {
		result, synthErr := h.synth.Synthesize(ctx, mustRequest(t, tts.RequestSpec{
			Mode: "voice_clone", Text: "hi", Profile: "Narrator", Model: model,
		}))
		require.NoError(t, synthErr)
		assert.Equal(t, "base-M", result.Model.ModelID)
	}

	calls := h.generateCalls()
	assert.Equal(t, stored.Prompt, calls[len(calls)-1].params.ClonePrompt)

	_, err = h.synth.Synthesize(ctx, mustRequest(t, tts.RequestSpec{
		Mode: "voice_clone", Text: "hi", Profile: "Nobody",
	}))
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestSynthesize_RawCloneDerivesPromptOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	result, err := h.synth.Synthesize(context.Background(), mustRequest(t, tts.RequestSpec{
		Mode:      "voice_clone",
		Text:      strings.Repeat("Hello there. ", 60),
		ChunkText: true,
		RefAudio:  inlineAudio(),
		RefText:   "reference words",
	}))
	require.NoError(t, err)
	assert.Equal(t, cloneModel, result.Model.ModelID)

	h.mu.Lock()
	promptCalls := h.promptCalls
	h.mu.Unlock()

	assert.Equal(t, 1, promptCalls)

	for _, call := range h.generateCalls() {
		assert.Equal(t, []byte("prompt(base-1.7b,reference words)"), call.params.ClonePrompt)
	}
}

func TestSynthesize_BadReferenceAudio(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	_, err := h.synth.Synthesize(context.Background(), mustRequest(t, tts.RequestSpec{
		Mode: "voice_clone", Text: "hi", RefAudio: "data:audio/wav;base64,%%%", XVectorOnly: true,
	}))
	require.ErrorIs(t, err, core.ErrInvalidRequest)
	assert.Equal(t, 0, h.loadCount())
}

func TestSynthesize_RequiresVoice(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	_, err := h.synth.Synthesize(context.Background(), tts.Request{Text: "hi"})
	require.ErrorIs(t, err, core.ErrInvalidRequest)
}

func TestCreateProfile_Validation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.synth.CreateProfile(ctx, tts.ProfileSpec{Name: "../escape", RefAudio: inlineAudio(), RefText: "x"})
	require.ErrorIs(t, err, core.ErrInvalidRequest)

	_, err = h.synth.CreateProfile(ctx, tts.ProfileSpec{Name: "voice", RefAudio: inlineAudio()})
	require.ErrorIs(t, err, profile.ErrMissingRefText)

	xvector, err := h.synth.CreateProfile(ctx, tts.ProfileSpec{Name: "voice", RefAudio: inlineAudio(), XVectorOnly: true})
	require.NoError(t, err)
	assert.Equal(t, cloneModel, xvector.ModelID)
}

func TestMetaAndHealth(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)

	defer cancel()

	meta, err := h.synth.Meta(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Vivian", "Ryan"}, meta.Speakers)
	assert.Contains(t, meta.Languages, "English")
	assert.Equal(t, customModel, meta.DefaultModels[core.ModeCustomVoice])
	assert.Equal(t, 500, meta.ChunkLimit)

	health := h.synth.Health(ctx)
	assert.True(t, health.OK)
	assert.Equal(t, "ok", health.Runtime)
	assert.Equal(t, 1, health.Cache.Resident)
}
