// Package export turns synthesized waveforms into MP3 audio and MP4 videos
// by driving an ffmpeg binary. Every call is one-shot: nothing is cached.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/config"
	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/tts/audio"
	"github.com/book-expert/tts-studio/internal/tts/ttsutils"
	"github.com/dustin/go-humanize"
)

const (
	maxStderrSnippet = 240
	drawtextFilter   = " drawtext "
)

// Error formats.
const (
	errFmtFFmpegMissing = "%w: ffmpeg not found at %q: %w"
	errFmtFFmpegFailed  = "%w: ffmpeg failed: %w: %s"
	errFmtNoDrawtext    = "%w: ffmpeg at %q does not support the drawtext filter"
	errFmtFontMissing   = "%w: transcript font %q is not readable: %w"
	errFmtEncodeInput   = "%w: %w"
	errFmtEmptyOutput   = "%w: ffmpeg produced no output"
)

// ErrNoTextRenderer is wrapped when a transcript overlay cannot be drawn.
var ErrNoTextRenderer = errors.New("no usable text renderer")

// Exporter encodes waveforms with ffmpeg.
type Exporter struct {
	ffmpegPath   string
	fontPath     string
	fps          int
	mp3Bitrate   string
	videoBitrate string
	log          *logger.Logger
}

// New creates an exporter from the export configuration.
func New(cfg config.ExportConfig, log *logger.Logger) *Exporter {
	exporter := &Exporter{
		ffmpegPath:   cfg.FFmpegPath,
		fontPath:     cfg.FontPath,
		fps:          cfg.FPS,
		mp3Bitrate:   cfg.MP3Bitrate,
		videoBitrate: cfg.VideoBitrate,
		log:          log,
	}

	if exporter.ffmpegPath == "" {
		exporter.ffmpegPath = config.DefaultFFmpegPath
	}

	if exporter.fps <= 0 {
		exporter.fps = config.DefaultFPS
	}

	if exporter.mp3Bitrate == "" {
		exporter.mp3Bitrate = config.DefaultMP3Bitrate
	}

	if exporter.videoBitrate == "" {
		exporter.videoBitrate = config.DefaultVideoBitrate
	}

	return exporter
}

// ToMP3 encodes the waveform as MP3.
func (e *Exporter) ToMP3(ctx context.Context, waveform audio.Waveform) ([]byte, error) {
	wav, encodeErr := audio.EncodeWAV(waveform)
	if encodeErr != nil {
		return nil, fmt.Errorf(errFmtEncodeInput, core.ErrExport, encodeErr)
	}

	binary, lookErr := e.binary()
	if lookErr != nil {
		return nil, lookErr
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "wav", "-i", "pipe:0",
		"-vn", "-c:a", "libmp3lame", "-b:a", e.mp3Bitrate,
		"-f", "mp3", "pipe:1",
	}

	// #nosec G204 -- binary comes from configuration, arguments are fixed
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdin = bytes.NewReader(wav)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr != nil {
		return nil, ffmpegError(ctx, runErr, stderr.String())
	}

	if stdout.Len() == 0 {
		return nil, fmt.Errorf(errFmtEmptyOutput, core.ErrExport)
	}

	e.log.Info("Encoded %s of audio to MP3 (%s)",
		ttsutils.FormatDuration(waveform.Duration()), humanize.Bytes(uint64(stdout.Len())))

	return stdout.Bytes(), nil
}

// ToVideo renders the waveform as an MP4 with a visualizer and an optional
// transcript overlay. Style and layout are validated before any work starts.
func (e *Exporter) ToVideo(ctx context.Context, waveform audio.Waveform, opts VideoOptions) ([]byte, error) {
	opts, optsErr := opts.normalize()
	if optsErr != nil {
		return nil, optsErr
	}

	wav, encodeErr := audio.EncodeWAV(waveform)
	if encodeErr != nil {
		return nil, fmt.Errorf(errFmtEncodeInput, core.ErrExport, encodeErr)
	}

	binary, lookErr := e.binary()
	if lookErr != nil {
		return nil, lookErr
	}

	frame := FrameFor(opts.Layout)

	var caption Caption
	if strings.TrimSpace(opts.Transcript) != "" {
		caption = LayoutCaption(opts.Transcript, frame)

		rendererErr := e.checkTextRenderer(ctx, binary)
		if rendererErr != nil {
			return nil, rendererErr
		}
	}

	workDir, dirErr := os.MkdirTemp("", "tts-export-*")
	if dirErr != nil {
		return nil, fmt.Errorf("%w: failed to create work directory: %w", core.ErrExport, dirErr)
	}

	defer func() {
		removeErr := os.RemoveAll(workDir)
		if removeErr != nil {
			e.log.Warn("Failed to remove work directory '%s': %v", workDir, removeErr)
		}
	}()

	audioPath := filepath.Join(workDir, "audio"+ttsutils.ExtWAV)
	outputPath := filepath.Join(workDir, "video"+ttsutils.ExtMP4)

	textPath := ""
	if caption.Text != "" {
		textPath = filepath.Join(workDir, "transcript.txt")
	}

	writeErr := writeInputs(audioPath, wav, textPath, caption.Text)
	if writeErr != nil {
		return nil, writeErr
	}

	args := e.videoArgs(frame, filterGraph(opts.Style, frame, waveform.Duration().Seconds(), e.fps,
		caption, textPath, e.fontPath), audioPath, outputPath)

	// #nosec G204 -- binary comes from configuration, arguments are built from validated options
	cmd := exec.CommandContext(ctx, binary, args...)

	var stderr bytes.Buffer

	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr != nil {
		return nil, ffmpegError(ctx, runErr, stderr.String())
	}

	video, readErr := os.ReadFile(outputPath)
	if readErr != nil {
		return nil, fmt.Errorf("%w: failed to read rendered video: %w", core.ErrExport, readErr)
	}

	if len(video) == 0 {
		return nil, fmt.Errorf(errFmtEmptyOutput, core.ErrExport)
	}

	e.log.Info("Rendered %s %s video (%s)", opts.Layout, opts.Style, humanize.Bytes(uint64(len(video))))

	return video, nil
}

func (e *Exporter) videoArgs(frame Frame, graph, audioPath, outputPath string) []string {
	size := fmt.Sprintf("%dx%d", frame.Width, frame.Height)
	fps := strconv.Itoa(e.fps)

	return []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", fmt.Sprintf("color=c=%s:s=%s:r=%s", backgroundColor, size, fps),
		"-i", audioPath,
		"-filter_complex", graph,
		"-map", "[v]", "-map", "1:a",
		"-shortest",
		"-c:v", "libx264", "-pix_fmt", "yuv420p", "-r", fps,
		"-c:a", "aac", "-b:a", e.videoBitrate,
		"-movflags", "+faststart",
		outputPath,
	}
}

func (e *Exporter) binary() (string, error) {
	path, err := exec.LookPath(e.ffmpegPath)
	if err != nil {
		return "", fmt.Errorf(errFmtFFmpegMissing, core.ErrExport, e.ffmpegPath, err)
	}

	return path, nil
}

// checkTextRenderer verifies ffmpeg can draw text and that a configured
// font is readable.
func (e *Exporter) checkTextRenderer(ctx context.Context, binary string) error {
	// #nosec G204 -- binary comes from configuration
	output, err := exec.CommandContext(ctx, binary, "-hide_banner", "-filters").Output()
	if err != nil {
		return fmt.Errorf("%w: %w: listing ffmpeg filters: %w", core.ErrExport, ErrNoTextRenderer, err)
	}

	if !bytes.Contains(output, []byte(drawtextFilter)) {
		return fmt.Errorf(errFmtNoDrawtext, fmt.Errorf("%w: %w", core.ErrExport, ErrNoTextRenderer), binary)
	}

	if e.fontPath != "" {
		_, statErr := os.Stat(e.fontPath)
		if statErr != nil {
			return fmt.Errorf(errFmtFontMissing, fmt.Errorf("%w: %w", core.ErrExport, ErrNoTextRenderer), e.fontPath, statErr)
		}
	}

	return nil
}

func writeInputs(audioPath string, wav []byte, textPath, transcript string) error {
	err := os.WriteFile(audioPath, wav, 0o600)
	if err != nil {
		return fmt.Errorf("%w: failed to write audio input: %w", core.ErrExport, err)
	}

	if textPath == "" {
		return nil
	}

	err = os.WriteFile(textPath, []byte(transcript), 0o600)
	if err != nil {
		return fmt.Errorf("%w: failed to write transcript input: %w", core.ErrExport, err)
	}

	return nil
}

func ffmpegError(ctx context.Context, runErr error, stderr string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	snippet := strings.Join(strings.Fields(stderr), " ")
	if len(snippet) > maxStderrSnippet {
		snippet = snippet[:maxStderrSnippet]
	}

	return fmt.Errorf(errFmtFFmpegFailed, core.ErrExport, runErr, snippet)
}
