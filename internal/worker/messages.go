package worker

import (
	"time"

	"github.com/book-expert/tts-studio/internal/profile"
)

// Subject suffixes appended to the configured prefix.
const (
	SubjectSynthesize     = "synthesize"
	SubjectExportMP3      = "export.mp3"
	SubjectExportVideo    = "export.video"
	SubjectProfilesCreate = "profiles.create"
	SubjectProfilesList   = "profiles.list"
	SubjectProfilesGet    = "profiles.get"
	SubjectProfilesDelete = "profiles.delete"
	SubjectProfilesExport = "profiles.export"
	SubjectProfilesImport = "profiles.import"
	SubjectMeta           = "meta"
	SubjectHealth         = "health"
)

// SynthesisReply points at the WAV uploaded for a synthesis request.
type SynthesisReply struct {
	AudioKey        string  `json:"audio_key"`
	Format          string  `json:"format"`
	SampleRate      int     `json:"sample_rate"`
	Channels        int     `json:"channels"`
	DurationSeconds float64 `json:"duration_seconds"`
	Chunks          int     `json:"chunks"`
	Model           string  `json:"model"`
	Device          string  `json:"device"`
	Precision       string  `json:"precision"`
}

// MP3Request converts a stored WAV to MP3.
type MP3Request struct {
	AudioKey string `json:"audio_key"`
}

// VideoRequest renders a stored WAV as a video.
type VideoRequest struct {
	AudioKey   string `json:"audio_key"`
	Transcript string `json:"transcript,omitempty"`
	Style      string `json:"style,omitempty"`
	Layout     string `json:"layout,omitempty"`
}

// ExportReply points at an uploaded export artifact.
type ExportReply struct {
	ObjectKey string `json:"object_key"`
	Format    string `json:"format"`
	Bytes     int    `json:"bytes"`
}

// ProfileRequest names one stored profile.
type ProfileRequest struct {
	Name string `json:"name"`
}

// ProfileImportRequest imports a payload previously uploaded to the bucket.
type ProfileImportRequest struct {
	ObjectKey string `json:"object_key"`
}

// ProfileSummary is the wire view of a profile. The prompt itself never
// travels inline.
type ProfileSummary struct {
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	ModelID     string    `json:"model_id"`
	CreatedAt   time.Time `json:"created_at"`
	XVectorOnly bool      `json:"x_vector_only"`
	PromptBytes int       `json:"prompt_bytes"`
}

// ProfileListReply lists profiles newest first.
type ProfileListReply struct {
	Profiles []ProfileSummary `json:"profiles"`
}

// DeleteReply confirms a deletion.
type DeleteReply struct {
	Deleted string `json:"deleted"`
}

// ErrorReply is sent instead of a result when a request fails.
type ErrorReply struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the error kind and message.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func summarize(p profile.Profile) ProfileSummary {
	return ProfileSummary{
		Name:        p.Name,
		DisplayName: p.DisplayName,
		ModelID:     p.ModelID,
		CreatedAt:   p.CreatedAt,
		XVectorOnly: p.XVectorOnly,
		PromptBytes: p.PromptBytes,
	}
}
