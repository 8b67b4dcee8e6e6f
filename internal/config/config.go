// Package config provides the configuration structure for the tts-studio service.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// Defaults applied to fields left empty in the configuration file.
const (
	DefaultSubjectPrefix            = "tts"
	DefaultTextProcessedSubject     = "text.processed"
	DefaultAudioChunkCreatedSubject = "audio.chunk.created"
	DefaultObjectStoreBucket        = "TTS_AUDIO"
	DefaultRequestTimeoutSeconds    = 600

	DefaultCacheCapacity      = 3
	DefaultDevice             = "cpu"
	DefaultCustomVoiceModel   = "Qwen/Qwen3-TTS-12Hz-0.6B-CustomVoice"
	DefaultVoiceDesignModel   = "Qwen/Qwen3-TTS-12Hz-1.7B-VoiceDesign"
	DefaultVoiceCloneModel    = "Qwen/Qwen3-TTS-12Hz-1.7B-Base"
	DefaultSidecarURL         = "http://127.0.0.1:8090"
	DefaultLoadTimeoutSeconds = 900

	DefaultChunkLimit     = 500
	DefaultParallelChunks = 1
	DefaultLanguage       = "Auto"

	DefaultProfilesDir      = "voices"
	DefaultCompressionLevel = 3

	DefaultFFmpegPath   = "ffmpeg"
	DefaultFPS          = 30
	DefaultMP3Bitrate   = "192k"
	DefaultVideoBitrate = "192k"
	DefaultBaseLogsDir  = "logs"

	// FontEnvVar overrides export.font_path when set.
	FontEnvVar = "TTS_STUDIO_VIDEO_FONT"
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                      string `toml:"url"`
	SubjectPrefix            string `toml:"subject_prefix"`
	TextProcessedSubject     string `toml:"text_processed_subject"`
	AudioChunkCreatedSubject string `toml:"audio_chunk_created_subject"`
	AudioObjectStoreBucket   string `toml:"audio_object_store_bucket"`
	RequestTimeoutSeconds    int    `toml:"request_timeout_seconds"`
}

// ModelsConfig controls which models are loaded, where, and how many stay resident.
type ModelsConfig struct {
	Capacity           int    `toml:"capacity"`
	Device             string `toml:"device"`
	CustomVoiceModel   string `toml:"custom_voice_model"`
	VoiceDesignModel   string `toml:"voice_design_model"`
	VoiceCloneModel    string `toml:"voice_clone_model"`
	SidecarURL         string `toml:"sidecar_url"`
	LoadTimeoutSeconds int    `toml:"load_timeout_seconds"`
	MinFreeMemoryMB    uint64 `toml:"min_free_memory_mb"`
}

// SynthesisConfig holds request-level synthesis defaults.
type SynthesisConfig struct {
	ChunkLimit      int    `toml:"chunk_limit"`
	ParallelChunks  int    `toml:"parallel_chunks"`
	DefaultSpeaker  string `toml:"default_speaker"`
	DefaultLanguage string `toml:"default_language"`
}

// ProfilesConfig holds the voice profile store settings.
type ProfilesConfig struct {
	Dir              string `toml:"dir"`
	CompressionLevel int    `toml:"compression_level"`
}

// ExportConfig holds the media export settings.
type ExportConfig struct {
	FFmpegPath   string `toml:"ffmpeg_path"`
	FontPath     string `toml:"font_path"`
	FPS          int    `toml:"fps"`
	MP3Bitrate   string `toml:"mp3_bitrate"`
	VideoBitrate string `toml:"video_audio_bitrate"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS      NATSConfig      `toml:"nats"`
	Models    ModelsConfig    `toml:"models"`
	Synthesis SynthesisConfig `toml:"synthesis"`
	Profiles  ProfilesConfig  `toml:"profiles"`
	Export    ExportConfig    `toml:"export"`
	Paths     PathsConfig     `toml:"paths"`
}

// Load loads the configuration for the tts-studio service and fills in defaults.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	return &cfg, nil
}

// ApplyDefaults fills every unset field with its default value.
func (c *Config) ApplyDefaults() {
	setString(&c.NATS.SubjectPrefix, DefaultSubjectPrefix)
	setString(&c.NATS.TextProcessedSubject, DefaultTextProcessedSubject)
	setString(&c.NATS.AudioChunkCreatedSubject, DefaultAudioChunkCreatedSubject)
	setString(&c.NATS.AudioObjectStoreBucket, DefaultObjectStoreBucket)
	setInt(&c.NATS.RequestTimeoutSeconds, DefaultRequestTimeoutSeconds)

	setInt(&c.Models.Capacity, DefaultCacheCapacity)
	setString(&c.Models.Device, DefaultDevice)
	setString(&c.Models.CustomVoiceModel, DefaultCustomVoiceModel)
	setString(&c.Models.VoiceDesignModel, DefaultVoiceDesignModel)
	setString(&c.Models.VoiceCloneModel, DefaultVoiceCloneModel)
	setString(&c.Models.SidecarURL, DefaultSidecarURL)
	setInt(&c.Models.LoadTimeoutSeconds, DefaultLoadTimeoutSeconds)

	setInt(&c.Synthesis.ChunkLimit, DefaultChunkLimit)
	setInt(&c.Synthesis.ParallelChunks, DefaultParallelChunks)
	setString(&c.Synthesis.DefaultLanguage, DefaultLanguage)

	setString(&c.Profiles.Dir, DefaultProfilesDir)
	setInt(&c.Profiles.CompressionLevel, DefaultCompressionLevel)

	setString(&c.Export.FFmpegPath, DefaultFFmpegPath)
	setInt(&c.Export.FPS, DefaultFPS)
	setString(&c.Export.MP3Bitrate, DefaultMP3Bitrate)
	setString(&c.Export.VideoBitrate, DefaultVideoBitrate)

	if font := os.Getenv(FontEnvVar); font != "" {
		c.Export.FontPath = font
	}

	setString(&c.Paths.BaseLogsDir, DefaultBaseLogsDir)
}

// RequestTimeout is the deadline for handling one inbound request.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.NATS.RequestTimeoutSeconds) * time.Second
}

// LoadTimeout is the deadline for a single sidecar model load.
func (c *Config) LoadTimeout() time.Duration {
	return time.Duration(c.Models.LoadTimeoutSeconds) * time.Second
}

// SidecarTimeout bounds any single HTTP exchange with the sidecar. It covers
// the longer of a request and a model load; callers narrow it per call.
func (c *Config) SidecarTimeout() time.Duration {
	return max(c.RequestTimeout(), c.LoadTimeout())
}

func setString(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func setInt(field *int, value int) {
	if *field <= 0 {
		*field = value
	}
}
