package export

import (
	"fmt"
	"strings"

	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/tts/text"
)

// Style selects how the audio is visualized.
type Style string

const (
	StyleWaveform Style = "waveform"
	StyleSpectrum Style = "spectrum"
	StylePulse    Style = "pulse"
)

// Layout names an output frame shape.
type Layout string

const (
	LayoutVertical  Layout = "vertical"
	LayoutSquare    Layout = "square"
	LayoutLandscape Layout = "landscape"
)

// Overlay sizing limits.
const (
	minFontSize       = 32
	maxFontSize       = 72
	minLineWidth      = 18
	latinGlyphRatio   = 0.55
	cjkGlyphRatio     = 0.9
	lineSpacingFactor = 0.25
	minSpectrumWidth  = 160
)

// Frame describes the geometry and transcript placement of one layout.
type Frame struct {
	Width       int
	Height      int
	fontFactor  float64
	maxLines    int
	centerRatio float64
}

var frames = map[Layout]Frame{
	LayoutVertical:  {Width: 1080, Height: 1920, fontFactor: 0.038, maxLines: 5, centerRatio: 0.62},
	LayoutSquare:    {Width: 1080, Height: 1080, fontFactor: 0.035, maxLines: 4, centerRatio: 0.60},
	LayoutLandscape: {Width: 1920, Height: 1080, fontFactor: 0.032, maxLines: 4, centerRatio: 0.58},
}

// VideoOptions are the per-request video settings.
type VideoOptions struct {
	Transcript string
	Style      Style
	Layout     Layout
}

// ParseStyle validates a style name. Empty means waveform.
func ParseStyle(raw string) (Style, error) {
	switch style := Style(strings.TrimSpace(raw)); style {
	case "":
		return StyleWaveform, nil
	case StyleWaveform, StyleSpectrum, StylePulse:
		return style, nil
	default:
		return "", unsupported("style", raw)
	}
}

// ParseLayout validates a layout name. Empty means vertical.
func ParseLayout(raw string) (Layout, error) {
	layout := Layout(strings.TrimSpace(raw))
	if layout == "" {
		return LayoutVertical, nil
	}

	if _, ok := frames[layout]; !ok {
		return "", unsupported("layout", raw)
	}

	return layout, nil
}

// FrameFor returns the geometry of a validated layout.
func FrameFor(layout Layout) Frame {
	return frames[layout]
}

// normalize validates the options and fills defaults.
func (o VideoOptions) normalize() (VideoOptions, error) {
	style, err := ParseStyle(string(o.Style))
	if err != nil {
		return o, err
	}

	layout, err := ParseLayout(string(o.Layout))
	if err != nil {
		return o, err
	}

	o.Style = style
	o.Layout = layout

	return o, nil
}

// Caption is a transcript laid out for one frame.
type Caption struct {
	Text        string
	FontSize    int
	LineSpacing int
	CenterRatio float64
}

// LayoutCaption wraps transcript for frame. Wide scripts get a wider glyph
// estimate and may break inside words.
func LayoutCaption(transcript string, frame Frame) Caption {
	fontSize := max(minFontSize, min(maxFontSize, int(float64(frame.Height)*frame.fontFactor)))

	cjk := text.ContainsCJK(transcript)

	glyphRatio := latinGlyphRatio
	if cjk {
		glyphRatio = cjkGlyphRatio
	}

	lineWidth := max(minLineWidth, int(float64(frame.Width)/(float64(fontSize)*glyphRatio)))

	return Caption{
		Text:        text.WrapTranscript(transcript, lineWidth, frame.maxLines, cjk),
		FontSize:    fontSize,
		LineSpacing: int(float64(fontSize) * lineSpacingFactor),
		CenterRatio: frame.centerRatio,
	}
}

func unsupported(what, value string) error {
	return fmt.Errorf("%w: %w: unsupported %s %q", core.ErrInvalidRequest, core.ErrExport, what, value)
}
