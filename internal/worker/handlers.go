package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/book-expert/events"
	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/export"
	"github.com/book-expert/tts-studio/internal/tts"
	"github.com/book-expert/tts-studio/internal/tts/audio"
	"github.com/book-expert/tts-studio/internal/tts/ttsutils"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	formatWAV = "wav"
	formatMP3 = "mp3"
	formatMP4 = "mp4"

	profileObjectPrefix = "profiles/"
)

func (w *NatsWorker) handleSynthesize(ctx context.Context, data []byte) (any, error) {
	// chunk_text defaults to true when the field is absent.
	spec := tts.RequestSpec{ChunkText: true}

	err := decode(data, &spec)
	if err != nil {
		return nil, err
	}

	req, err := tts.NewRequest(spec)
	if err != nil {
		return nil, err
	}

	result, err := w.synthesis.Synthesize(ctx, req)
	if err != nil {
		return nil, err
	}

	audioKey, err := w.uploadWAV(ctx, result.Waveform)
	if err != nil {
		return nil, err
	}

	return SynthesisReply{
		AudioKey:        audioKey,
		Format:          formatWAV,
		SampleRate:      result.Waveform.SampleRate,
		Channels:        result.Waveform.Channels,
		DurationSeconds: result.Waveform.Duration().Seconds(),
		Chunks:          result.Chunks,
		Model:           result.Model.ModelID,
		Device:          result.Model.Device,
		Precision:       string(result.Model.Precision),
	}, nil
}

func (w *NatsWorker) handleExportMP3(ctx context.Context, data []byte) (any, error) {
	var req MP3Request

	err := decode(data, &req)
	if err != nil {
		return nil, err
	}

	waveform, err := w.loadWaveform(ctx, req.AudioKey)
	if err != nil {
		return nil, err
	}

	mp3, err := w.exporter.ToMP3(ctx, waveform)
	if err != nil {
		return nil, err
	}

	return w.uploadArtifact(ctx, mp3, ttsutils.ExtMP3, formatMP3)
}

func (w *NatsWorker) handleExportVideo(ctx context.Context, data []byte) (any, error) {
	var req VideoRequest

	err := decode(data, &req)
	if err != nil {
		return nil, err
	}

	// Reject bad options before touching the object store.
	style, err := export.ParseStyle(req.Style)
	if err != nil {
		return nil, err
	}

	layout, err := export.ParseLayout(req.Layout)
	if err != nil {
		return nil, err
	}

	waveform, err := w.loadWaveform(ctx, req.AudioKey)
	if err != nil {
		return nil, err
	}

	video, err := w.exporter.ToVideo(ctx, waveform, export.VideoOptions{
		Transcript: req.Transcript,
		Style:      style,
		Layout:     layout,
	})
	if err != nil {
		return nil, err
	}

	return w.uploadArtifact(ctx, video, ttsutils.ExtMP4, formatMP4)
}

func (w *NatsWorker) handleProfileCreate(ctx context.Context, data []byte) (any, error) {
	var spec tts.ProfileSpec

	err := decode(data, &spec)
	if err != nil {
		return nil, err
	}

	created, err := w.synthesis.CreateProfile(ctx, spec)
	if err != nil {
		return nil, err
	}

	return summarize(created), nil
}

func (w *NatsWorker) handleProfileList(_ context.Context, _ []byte) (any, error) {
	profiles, err := w.profiles.List()
	if err != nil {
		return nil, err
	}

	reply := ProfileListReply{Profiles: make([]ProfileSummary, 0, len(profiles))}
	for _, p := range profiles {
		reply.Profiles = append(reply.Profiles, summarize(p))
	}

	return reply, nil
}

func (w *NatsWorker) handleProfileGet(_ context.Context, data []byte) (any, error) {
	name, err := profileName(data)
	if err != nil {
		return nil, err
	}

	stored, err := w.profiles.Get(name)
	if err != nil {
		return nil, err
	}

	return summarize(stored), nil
}

func (w *NatsWorker) handleProfileDelete(_ context.Context, data []byte) (any, error) {
	name, err := profileName(data)
	if err != nil {
		return nil, err
	}

	err = w.profiles.Delete(name)
	if err != nil {
		return nil, err
	}

	return DeleteReply{Deleted: name}, nil
}

func (w *NatsWorker) handleProfileExport(ctx context.Context, data []byte) (any, error) {
	name, err := profileName(data)
	if err != nil {
		return nil, err
	}

	payload, err := w.profiles.Export(name)
	if err != nil {
		return nil, err
	}

	key := profileObjectPrefix + ttsutils.SanitizeName(name) + "-" + uuid.NewString() + ttsutils.ExtPrompt

	err = w.store.Upload(ctx, key, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to upload profile payload: %w", err)
	}

	return ExportReply{ObjectKey: key, Format: strings.TrimPrefix(ttsutils.ExtPrompt, "."), Bytes: len(payload)}, nil
}

func (w *NatsWorker) handleProfileImport(ctx context.Context, data []byte) (any, error) {
	var req ProfileImportRequest

	err := decode(data, &req)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(req.ObjectKey) == "" {
		return nil, fmt.Errorf("%w: object_key is required", core.ErrInvalidRequest)
	}

	payload, err := w.store.Download(ctx, req.ObjectKey)
	if err != nil {
		return nil, err
	}

	imported, err := w.profiles.Import(payload)
	if err != nil {
		return nil, err
	}

	return summarize(imported), nil
}

func (w *NatsWorker) handleMeta(ctx context.Context, _ []byte) (any, error) {
	return w.synthesis.Meta(ctx)
}

func (w *NatsWorker) handleHealth(ctx context.Context, _ []byte) (any, error) {
	return w.synthesis.Health(ctx), nil
}

// handleTextProcessed serves the book pipeline: the page text is read from
// the object store, spoken with the default voice and uploaded as WAV.
// Failures are logged and left unanswered, as pipeline consumers expect only
// AudioChunkCreatedEvent replies.
func (w *NatsWorker) handleTextProcessed(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.HandleTimeout)
	defer cancel()

	var event events.TextProcessedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		w.log.Error("Failed to parse and validate event: %v", err)

		return
	}

	audioKey, err := w.processPage(ctx, &event)
	if err != nil {
		w.log.Error("Failed to process TTS job for event %s: %v", event.Header.WorkflowID, err)

		return
	}

	created := &events.AudioChunkCreatedEvent{
		Header:     event.Header,
		AudioKey:   audioKey,
		PageNumber: event.PageNumber,
		TotalPages: event.TotalPages,
	}

	w.respond(msg, created)
	w.publish(w.opts.AudioChunkCreatedSubject, created)
}

func (w *NatsWorker) publish(subject string, payload any) {
	if subject == "" {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		w.log.Error("Failed to marshal event for %s: %v", subject, err)

		return
	}

	err = w.natsConnection.Publish(subject, data)
	if err != nil {
		w.log.Error("Failed to publish event to %s: %v", subject, err)
	}
}

func (w *NatsWorker) processPage(ctx context.Context, event *events.TextProcessedEvent) (string, error) {
	textData, err := w.store.Download(ctx, event.TextKey)
	if err != nil {
		return "", fmt.Errorf("failed to download text data for key '%s': %w", event.TextKey, err)
	}

	req, err := tts.NewRequest(tts.RequestSpec{
		Mode:      string(core.ModeCustomVoice),
		Text:      string(textData),
		ChunkText: true,
		Speaker:   event.Voice,
	})
	if err != nil {
		return "", err
	}

	result, err := w.synthesis.Synthesize(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to synthesize page %d: %w", event.PageNumber, err)
	}

	return w.uploadWAV(ctx, result.Waveform)
}

func (w *NatsWorker) loadWaveform(ctx context.Context, key string) (audio.Waveform, error) {
	if strings.TrimSpace(key) == "" {
		return audio.Waveform{}, fmt.Errorf("%w: audio_key is required", core.ErrInvalidRequest)
	}

	data, err := w.store.Download(ctx, key)
	if err != nil {
		return audio.Waveform{}, err
	}

	waveform, err := audio.DecodeWAV(data)
	if err != nil {
		return audio.Waveform{}, fmt.Errorf("%w: object %q is not usable audio: %w", core.ErrInvalidRequest, key, err)
	}

	return waveform, nil
}

func (w *NatsWorker) uploadWAV(ctx context.Context, waveform audio.Waveform) (string, error) {
	wav, err := audio.EncodeWAV(waveform)
	if err != nil {
		return "", fmt.Errorf("%w: failed to encode audio: %w", core.ErrSynthesis, err)
	}

	audioKey := uuid.NewString() + ttsutils.ExtWAV

	err = w.store.Upload(ctx, audioKey, wav)
	if err != nil {
		return "", fmt.Errorf("failed to upload audio data for key '%s': %w", audioKey, err)
	}

	return audioKey, nil
}

func (w *NatsWorker) uploadArtifact(ctx context.Context, data []byte, ext, format string) (ExportReply, error) {
	key := uuid.NewString() + ext

	err := w.store.Upload(ctx, key, data)
	if err != nil {
		return ExportReply{}, fmt.Errorf("failed to upload %s artifact '%s': %w", format, key, err)
	}

	return ExportReply{ObjectKey: key, Format: format, Bytes: len(data)}, nil
}

func profileName(data []byte) (string, error) {
	var req ProfileRequest

	err := decode(data, &req)
	if err != nil {
		return "", err
	}

	if strings.TrimSpace(req.Name) == "" {
		return "", fmt.Errorf("%w: name is required", core.ErrInvalidRequest)
	}

	return req.Name, nil
}
