package profile

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/tts/ttsutils"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// File name suffixes inside the profile directory.
const (
	promptSuffix    = ttsutils.ExtPrompt
	metaSuffix      = ".meta.toml"
	tempSuffix      = ".tmp"
	tombstoneSuffix = ".deleted"
	filePermissions = 0o600
)

// Store is a directory of voice profiles.
type Store struct {
	dir     string
	builder PromptBuilder
	codec   *codec
	log     *logger.Logger
	now     func() time.Time

	locksMu sync.Mutex
	locks   map[string]*nameLock
}

// nameLock serializes operations on one profile name. refs counts holders and
// waiters; the entry is dropped when it reaches zero.
type nameLock struct {
	mu   sync.Mutex
	refs int
}

// Options configure a Store.
type Options struct {
	CompressionLevel int
	Now              func() time.Time
}

// Open creates the profile directory if needed, repairs any half-finished
// writes or deletes left behind by a crash, and returns the store.
func Open(dir string, builder PromptBuilder, opts Options, log *logger.Logger) (*Store, error) {
	dirErr := ttsutils.EnsureDir(dir)
	if dirErr != nil {
		return nil, fmt.Errorf("failed to prepare profile directory: %w", dirErr)
	}

	profileCodec, codecErr := newCodec(opts.CompressionLevel)
	if codecErr != nil {
		return nil, codecErr
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	store := &Store{
		dir:     dir,
		builder: builder,
		codec:   profileCodec,
		log:     log,
		now:     now,
		locks:   make(map[string]*nameLock),
	}

	recoverErr := store.recover()
	if recoverErr != nil {
		profileCodec.close()

		return nil, recoverErr
	}

	return store, nil
}

// Dir returns the profile directory.
func (s *Store) Dir() string { return s.dir }

// Close releases the compression codec.
func (s *Store) Close() {
	s.codec.close()
}

// Create builds a clone prompt from source with modelID and stores it under
// the sanitized name. An existing profile is never overwritten.
func (s *Store) Create(ctx context.Context, name string, source core.PromptSource, modelID string) (Profile, error) {
	safeName, nameErr := SanitizeName(name)
	if nameErr != nil {
		return Profile{}, nameErr
	}

	sourceErr := ValidateSource(source)
	if sourceErr != nil {
		return Profile{}, sourceErr
	}

	if strings.TrimSpace(modelID) == "" {
		return Profile{}, fmt.Errorf("%w: %w", core.ErrInvalidRequest, ErrMissingModel)
	}

	if s.builder == nil {
		return Profile{}, fmt.Errorf("%w: %w", core.ErrModelLoadFailure, ErrMissingBuilder)
	}

	unlock := s.lockName(safeName)
	defer unlock()

	existsErr := s.ensureAbsent(safeName)
	if existsErr != nil {
		return Profile{}, existsErr
	}

	prompt, buildErr := s.builder.BuildPrompt(ctx, modelID, source)
	if buildErr != nil {
		return Profile{}, fmt.Errorf("failed to build clone prompt for %q: %w", safeName, buildErr)
	}

	profile := Profile{
		Name:        safeName,
		DisplayName: strings.TrimSpace(name),
		ModelID:     modelID,
		CreatedAt:   s.now().UTC(),
		XVectorOnly: source.XVectorOnly,
		PromptBytes: len(prompt),
		Prompt:      prompt,
	}

	writeErr := s.write(envelopeFor(profile))
	if writeErr != nil {
		return Profile{}, writeErr
	}

	s.log.Info("Created voice profile %s for model %s (%s prompt)",
		safeName, modelID, humanize.Bytes(uint64(len(prompt))))

	return profile, nil
}

// Get loads a profile including its prompt.
func (s *Store) Get(name string) (Profile, error) {
	safeName, nameErr := SanitizeName(name)
	if nameErr != nil {
		return Profile{}, nameErr
	}

	unlock := s.lockName(safeName)
	defer unlock()

	env, readErr := s.readEnvelope(safeName)
	if readErr != nil {
		return Profile{}, readErr
	}

	return env.profile(), nil
}

// List returns the metadata of every profile, newest first. Prompts are not read.
func (s *Store) List() ([]Profile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile directory: %w", err)
	}

	profiles := make([]Profile, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}

		// #nosec G304 -- entry comes from the store's own directory listing
		data, readErr := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if readErr != nil {
			if errors.Is(readErr, os.ErrNotExist) {
				continue
			}

			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), readErr)
		}

		record, decodeErr := decodeMeta(data)
		if decodeErr != nil {
			s.log.Warn("Skipping unreadable profile metadata %s: %v", entry.Name(), decodeErr)

			continue
		}

		profiles = append(profiles, record.profile())
	}

	slices.SortFunc(profiles, func(a, b Profile) int {
		if byTime := b.CreatedAt.Compare(a.CreatedAt); byTime != 0 {
			return byTime
		}

		return cmp.Compare(a.Name, b.Name)
	})

	return profiles, nil
}

// Delete removes both files of a profile, or neither.
func (s *Store) Delete(name string) error {
	safeName, nameErr := SanitizeName(name)
	if nameErr != nil {
		return nameErr
	}

	unlock := s.lockName(safeName)
	defer unlock()

	promptPath, metaPath := s.promptPath(safeName), s.metaPath(safeName)

	if !exists(promptPath) && !exists(metaPath) {
		return fmt.Errorf(errFmtNameNotFound, core.ErrNotFound, safeName)
	}

	// Tombstone both files first so a failure leaves the pair intact.
	var moved []string

	for _, path := range []string{metaPath, promptPath} {
		if !exists(path) {
			continue
		}

		renameErr := os.Rename(path, path+tombstoneSuffix)
		if renameErr != nil {
			for _, done := range moved {
				_ = os.Rename(done+tombstoneSuffix, done)
			}

			return fmt.Errorf("failed to delete voice profile %q: %w", safeName, renameErr)
		}

		moved = append(moved, path)
	}

	for _, path := range moved {
		removeErr := os.Remove(path + tombstoneSuffix)
		if removeErr != nil {
			s.log.Warn("Failed to remove %s, it will be cleaned up on restart: %v", path+tombstoneSuffix, removeErr)
		}
	}

	s.log.Info("Deleted voice profile %s", safeName)

	return nil
}

// Export returns the raw prompt payload of a profile for backup or transfer.
func (s *Store) Export(name string) ([]byte, error) {
	safeName, nameErr := SanitizeName(name)
	if nameErr != nil {
		return nil, nameErr
	}

	unlock := s.lockName(safeName)
	defer unlock()

	payload, readErr := s.readPayload(safeName)
	if readErr != nil {
		return nil, readErr
	}

	return payload, nil
}

// Import stores an exported payload. The name and model binding come from
// the payload itself and pass the same checks as Create.
func (s *Store) Import(payload []byte) (Profile, error) {
	env, decodeErr := s.codec.decode(payload)
	if decodeErr != nil {
		return Profile{}, fmt.Errorf("%w: %w", core.ErrInvalidRequest, decodeErr)
	}

	safeName, nameErr := SanitizeName(env.Name)
	if nameErr != nil {
		return Profile{}, nameErr
	}

	env.Name = safeName
	if env.DisplayName == "" {
		env.DisplayName = safeName
	}

	if env.CreatedAt.IsZero() {
		env.CreatedAt = s.now().UTC()
	}

	unlock := s.lockName(safeName)
	defer unlock()

	existsErr := s.ensureAbsent(safeName)
	if existsErr != nil {
		return Profile{}, existsErr
	}

	writeErr := s.write(env)
	if writeErr != nil {
		return Profile{}, writeErr
	}

	s.log.Info("Imported voice profile %s for model %s", safeName, env.ModelID)

	return env.profile(), nil
}

func (s *Store) lockName(name string) func() {
	s.locksMu.Lock()

	lock, ok := s.locks[name]
	if !ok {
		lock = &nameLock{}
		s.locks[name] = lock
	}
	lock.refs++
	s.locksMu.Unlock()

	lock.mu.Lock()

	return func() {
		lock.mu.Unlock()

		s.locksMu.Lock()
		lock.refs--

		if lock.refs == 0 {
			delete(s.locks, name)
		}
		s.locksMu.Unlock()
	}
}

func (s *Store) ensureAbsent(name string) error {
	if exists(s.promptPath(name)) || exists(s.metaPath(name)) {
		return fmt.Errorf(errFmtNameExists, core.ErrInvalidRequest, ErrExists, name)
	}

	return nil
}

// write stores the prompt first and the metadata second, each through a
// temp file and rename. Metadata is what makes a profile visible.
func (s *Store) write(env envelope) error {
	payload, encodeErr := s.codec.encode(env)
	if encodeErr != nil {
		return encodeErr
	}

	meta, metaErr := encodeMeta(env.meta())
	if metaErr != nil {
		return metaErr
	}

	promptPath := s.promptPath(env.Name)

	promptErr := writeAtomic(promptPath, payload)
	if promptErr != nil {
		return fmt.Errorf("failed to write voice profile %q: %w", env.Name, promptErr)
	}

	writeMetaErr := writeAtomic(s.metaPath(env.Name), meta)
	if writeMetaErr != nil {
		_ = os.Remove(promptPath)

		return fmt.Errorf("failed to write metadata for voice profile %q: %w", env.Name, writeMetaErr)
	}

	return nil
}

func (s *Store) readPayload(name string) ([]byte, error) {
	if !exists(s.metaPath(name)) {
		return nil, fmt.Errorf(errFmtNameNotFound, core.ErrNotFound, name)
	}

	payload, err := os.ReadFile(s.promptPath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf(errFmtNameNotFound, core.ErrNotFound, name)
		}

		return nil, fmt.Errorf("failed to read voice profile %q: %w", name, err)
	}

	return payload, nil
}

func (s *Store) readEnvelope(name string) (envelope, error) {
	payload, readErr := s.readPayload(name)
	if readErr != nil {
		return envelope{}, readErr
	}

	env, decodeErr := s.codec.decode(payload)
	if decodeErr != nil {
		return envelope{}, fmt.Errorf("voice profile %q: %w", name, decodeErr)
	}

	return env, nil
}

// recover brings every profile back to a consistent state: temp files and
// tombstones are removed, a prompt without metadata gets its metadata
// rebuilt from the payload, and metadata without a prompt is dropped.
func (s *Store) recover() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read profile directory: %w", err)
	}

	var prompts, metas []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		fileName := entry.Name()
		path := filepath.Join(s.dir, fileName)

		switch {
		case strings.HasSuffix(fileName, tempSuffix), strings.HasSuffix(fileName, tombstoneSuffix):
			s.log.Warn("Removing leftover file %s", fileName)

			_ = os.Remove(path)
		case strings.HasSuffix(fileName, metaSuffix):
			metas = append(metas, strings.TrimSuffix(fileName, metaSuffix))
		case strings.HasSuffix(fileName, promptSuffix):
			prompts = append(prompts, strings.TrimSuffix(fileName, promptSuffix))
		}
	}

	for _, name := range prompts {
		if exists(s.metaPath(name)) {
			continue
		}

		s.restoreMeta(name)
	}

	for _, name := range metas {
		if exists(s.promptPath(name)) {
			continue
		}

		s.log.Warn("Removing metadata of voice profile %s without a prompt", name)

		_ = os.Remove(s.metaPath(name))
	}

	return nil
}

func (s *Store) restoreMeta(name string) {
	promptPath := s.promptPath(name)

	// #nosec G304 -- path is built from the store's own directory listing
	payload, readErr := os.ReadFile(promptPath)
	if readErr == nil {
		env, decodeErr := s.codec.decode(payload)
		if decodeErr == nil && env.Name == name {
			meta, metaErr := encodeMeta(env.meta())
			if metaErr == nil && writeAtomic(s.metaPath(name), meta) == nil {
				s.log.Warn("Restored metadata of voice profile %s", name)

				return
			}
		}
	}

	s.log.Warn("Removing unrecoverable prompt of voice profile %s", name)

	_ = os.Remove(promptPath)
}

func (s *Store) promptPath(name string) string {
	return filepath.Join(s.dir, name+promptSuffix)
}

func (s *Store) metaPath(name string) string {
	return filepath.Join(s.dir, name+metaSuffix)
}

func writeAtomic(path string, data []byte) error {
	tempPath := path + "." + uuid.NewString() + tempSuffix

	err := os.WriteFile(tempPath, data, filePermissions)
	if err != nil {
		_ = os.Remove(tempPath)

		return fmt.Errorf("failed to write %s: %w", tempPath, err)
	}

	err = os.Rename(tempPath, path)
	if err != nil {
		_ = os.Remove(tempPath)

		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}

	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}
