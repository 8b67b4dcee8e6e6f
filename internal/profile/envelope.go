package profile

import (
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pelletier/go-toml/v2"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	envelopeVersion  = 1
	maxDecodedBytes  = 256 << 20
	defaultZstdLevel = 3
)

// envelope is the self-describing prompt payload. It carries enough metadata
// to rebuild the metadata record, which is what makes export and import work.
type envelope struct {
	Version     int       `msgpack:"v"`
	Name        string    `msgpack:"name"`
	DisplayName string    `msgpack:"display_name"`
	ModelID     string    `msgpack:"model_id"`
	CreatedAt   time.Time `msgpack:"created_at"`
	XVectorOnly bool      `msgpack:"x_vector_only"`
	Prompt      []byte    `msgpack:"prompt"`
}

// metaRecord is the cheap-to-read metadata file.
type metaRecord struct {
	Name        string    `toml:"name"`
	DisplayName string    `toml:"display_name"`
	ModelID     string    `toml:"model_id"`
	CreatedAt   time.Time `toml:"created_at"`
	XVectorOnly bool      `toml:"x_vector_only"`
	PromptBytes int       `toml:"prompt_bytes"`
}

func envelopeFor(p Profile) envelope {
	return envelope{
		Version:     envelopeVersion,
		Name:        p.Name,
		DisplayName: p.DisplayName,
		ModelID:     p.ModelID,
		CreatedAt:   p.CreatedAt,
		XVectorOnly: p.XVectorOnly,
		Prompt:      p.Prompt,
	}
}

func (e envelope) profile() Profile {
	return Profile{
		Name:        e.Name,
		DisplayName: e.DisplayName,
		ModelID:     e.ModelID,
		CreatedAt:   e.CreatedAt,
		XVectorOnly: e.XVectorOnly,
		PromptBytes: len(e.Prompt),
		Prompt:      e.Prompt,
	}
}

func (e envelope) meta() metaRecord {
	return metaRecord{
		Name:        e.Name,
		DisplayName: e.DisplayName,
		ModelID:     e.ModelID,
		CreatedAt:   e.CreatedAt,
		XVectorOnly: e.XVectorOnly,
		PromptBytes: len(e.Prompt),
	}
}

func (m metaRecord) profile() Profile {
	return Profile{
		Name:        m.Name,
		DisplayName: m.DisplayName,
		ModelID:     m.ModelID,
		CreatedAt:   m.CreatedAt,
		XVectorOnly: m.XVectorOnly,
		PromptBytes: m.PromptBytes,
	}
}

// codec compresses msgpack envelopes with zstd. EncodeAll and DecodeAll are
// safe for concurrent use.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCodec(level int) (*codec, error) {
	if level <= 0 {
		level = defaultZstdLevel
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &codec{encoder: encoder, decoder: decoder}, nil
}

func (c *codec) encode(env envelope) ([]byte, error) {
	packed, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode voice profile %q: %w", env.Name, err)
	}

	return c.encoder.EncodeAll(packed, nil), nil
}

func (c *codec) decode(payload []byte) (envelope, error) {
	var env envelope

	packed, err := c.decoder.DecodeAll(payload, nil)
	if err != nil {
		return env, fmt.Errorf("%w: %w", ErrCorruptPayload, err)
	}

	err = msgpack.Unmarshal(packed, &env)
	if err != nil {
		return env, fmt.Errorf("%w: %w", ErrCorruptPayload, err)
	}

	if env.Name == "" || env.ModelID == "" || len(env.Prompt) == 0 {
		return env, ErrInvalidEnvelope
	}

	return env, nil
}

func (c *codec) close() {
	_ = c.encoder.Close()
	c.decoder.Close()
}

func encodeMeta(record metaRecord) ([]byte, error) {
	data, err := toml.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata for %q: %w", record.Name, err)
	}

	return data, nil
}

func decodeMeta(data []byte) (metaRecord, error) {
	var record metaRecord

	err := toml.Unmarshal(data, &record)
	if err != nil {
		return record, fmt.Errorf("failed to decode metadata: %w", err)
	}

	return record, nil
}
