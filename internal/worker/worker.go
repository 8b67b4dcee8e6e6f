// Package worker serves synthesis, export and profile requests over NATS
// request/reply.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/export"
	"github.com/book-expert/tts-studio/internal/profile"
	"github.com/book-expert/tts-studio/internal/tts"
	"github.com/book-expert/tts-studio/internal/tts/audio"
	"github.com/nats-io/nats.go"
)

const defaultHandleTimeout = 30 * time.Second

var (
	// ErrSubjectPrefixEmpty indicates that no subject prefix was configured.
	ErrSubjectPrefixEmpty = errors.New("subject prefix cannot be empty")
	// ErrMissingDependency indicates that a required collaborator is nil.
	ErrMissingDependency = errors.New("worker dependency is missing")
)

// Synthesis is the orchestrator surface the worker drives.
type Synthesis interface {
	Synthesize(ctx context.Context, req tts.Request) (tts.Result, error)
	CreateProfile(ctx context.Context, spec tts.ProfileSpec) (profile.Profile, error)
	Meta(ctx context.Context) (tts.Meta, error)
	Health(ctx context.Context) tts.Health
}

// Profiles is the subset of the profile store the worker exposes directly.
type Profiles interface {
	Get(name string) (profile.Profile, error)
	List() ([]profile.Profile, error)
	Delete(name string) error
	Export(name string) ([]byte, error)
	Import(payload []byte) (profile.Profile, error)
}

// Exporter converts waveforms into deliverable media.
type Exporter interface {
	ToMP3(ctx context.Context, waveform audio.Waveform) ([]byte, error)
	ToVideo(ctx context.Context, waveform audio.Waveform, opts export.VideoOptions) ([]byte, error)
}

// Options configure subjects and per-message time limits.
type Options struct {
	SubjectPrefix            string
	TextProcessedSubject     string
	AudioChunkCreatedSubject string
	HandleTimeout            time.Duration
}

// NatsWorker listens for requests on NATS subjects and replies to each.
type NatsWorker struct {
	natsConnection *nats.Conn
	store          core.ObjectStore
	synthesis      Synthesis
	profiles       Profiles
	exporter       Exporter
	opts           Options
	log            *logger.Logger
}

type handlerFunc func(ctx context.Context, data []byte) (any, error)

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	store core.ObjectStore,
	synthesis Synthesis,
	profiles Profiles,
	exporter Exporter,
	opts Options,
	log *logger.Logger,
) (*NatsWorker, error) {
	if opts.SubjectPrefix == "" {
		return nil, ErrSubjectPrefixEmpty
	}

	if natsConnection == nil || store == nil || synthesis == nil || profiles == nil || exporter == nil {
		return nil, ErrMissingDependency
	}

	if opts.HandleTimeout <= 0 {
		opts.HandleTimeout = defaultHandleTimeout
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		store:          store,
		synthesis:      synthesis,
		profiles:       profiles,
		exporter:       exporter,
		opts:           opts,
		log:            log,
	}, nil
}

// Subject returns the full subject for a suffix.
func (w *NatsWorker) Subject(suffix string) string {
	return w.opts.SubjectPrefix + "." + suffix
}

type route struct {
	suffix  string
	handler handlerFunc
}

// routes lists every request subject. Health comes last so a health reply
// means every other subject is already subscribed.
func (w *NatsWorker) routes() []route {
	return []route{
		{SubjectSynthesize, w.handleSynthesize},
		{SubjectExportMP3, w.handleExportMP3},
		{SubjectExportVideo, w.handleExportVideo},
		{SubjectProfilesCreate, w.handleProfileCreate},
		{SubjectProfilesList, w.handleProfileList},
		{SubjectProfilesGet, w.handleProfileGet},
		{SubjectProfilesDelete, w.handleProfileDelete},
		{SubjectProfilesExport, w.handleProfileExport},
		{SubjectProfilesImport, w.handleProfileImport},
		{SubjectMeta, w.handleMeta},
		{SubjectHealth, w.handleHealth},
	}
}

// Run subscribes to every subject and blocks until ctx is done, then drains.
func (w *NatsWorker) Run(ctx context.Context) error {
	var subs []*nats.Subscription

	if w.opts.TextProcessedSubject != "" {
		sub, err := w.natsConnection.Subscribe(w.opts.TextProcessedSubject, w.handleTextProcessed)
		if err != nil {
			return fmt.Errorf("failed to subscribe to subject %s: %w", w.opts.TextProcessedSubject, err)
		}

		subs = append(subs, sub)
	}

	for _, r := range w.routes() {
		subject := w.Subject(r.suffix)

		sub, err := w.natsConnection.Subscribe(subject, w.serve(subject, r.handler))
		if err != nil {
			_ = drainAll(subs)

			return fmt.Errorf("failed to subscribe to subject %s: %w", subject, err)
		}

		subs = append(subs, sub)
	}

	flushErr := w.natsConnection.Flush()
	if flushErr != nil {
		_ = drainAll(subs)

		return fmt.Errorf("failed to flush subscriptions: %w", flushErr)
	}

	w.log.System("Worker listening on %s.* (%d subjects)", w.opts.SubjectPrefix, len(subs))

	<-ctx.Done()

	return drainAll(subs)
}

func drainAll(subs []*nats.Subscription) error {
	var errs []error

	for _, sub := range subs {
		drainErr := sub.Drain()
		if drainErr != nil {
			errs = append(errs, fmt.Errorf("failed to drain subscription %s: %w", sub.Subject, drainErr))
		}
	}

	return errors.Join(errs...)
}

func (w *NatsWorker) serve(subject string, handler handlerFunc) nats.MsgHandler {
	return func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), w.opts.HandleTimeout)
		defer cancel()

		started := time.Now()

		result, err := handler(ctx, msg.Data)
		if err != nil {
			kind := core.KindOf(err)
			w.log.Error("Request on %s failed (%s): %v", subject, kind, err)

			w.respond(msg, ErrorReply{Error: ErrorBody{Kind: kind, Message: err.Error()}})

			return
		}

		w.log.Info("Request on %s served in %s", subject, time.Since(started).Round(time.Millisecond))
		w.respond(msg, result)
	}
}

func (w *NatsWorker) respond(msg *nats.Msg, payload any) {
	if msg.Reply == "" {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		w.log.Error("Failed to marshal reply for %s: %v", msg.Subject, err)

		return
	}

	err = msg.Respond(data)
	if err != nil {
		w.log.Error("Failed to publish reply for %s: %v", msg.Subject, err)
	}
}

// decode unmarshals a request body. An empty body leaves target untouched.
func decode(data []byte, target any) error {
	if len(data) == 0 {
		return nil
	}

	err := json.Unmarshal(data, target)
	if err != nil {
		return fmt.Errorf("%w: malformed request body: %w", core.ErrInvalidRequest, err)
	}

	return nil
}
