package export

import (
	"fmt"
	"strings"
)

const (
	backgroundColor = "0x0b1020"
	accentColor     = "0x00c2a8"
)

// EscapePath makes a file path safe inside an ffmpeg filter argument.
func EscapePath(path string) string {
	return strings.ReplaceAll(strings.ReplaceAll(path, `\`, "/"), ":", `\:`)
}

// spectrumWidth stretches the spectrum so one column is roughly one frame.
func spectrumWidth(frame Frame, durationSeconds float64, fps int) int {
	if durationSeconds <= 0 {
		return frame.Width
	}

	return int(max(minSpectrumWidth, min(float64(frame.Width*4), durationSeconds*float64(fps))))
}

func visualizer(style Style, frame Frame, durationSeconds float64, fps int) string {
	width, height := frame.Width, frame.Height

	switch style {
	case StyleSpectrum:
		return fmt.Sprintf(
			"[1:a]showspectrum=s=%dx%d:mode=combined:color=rainbow:scale=log:fps=%d,"+
				"format=rgba,scale=%d:%d,setsar=1,colorkey=0x000000:0.02:0.0 [viz]",
			spectrumWidth(frame, durationSeconds, fps), height, fps, width, height)
	case StylePulse:
		return fmt.Sprintf(
			"[1:a]aformat=channel_layouts=stereo,adelay=0|12,"+
				"avectorscope=s=%dx%d:mode=polar:draw=aaline:scale=log:zoom=1.35:rc=0:gc=194:bc=168,"+
				"format=rgba,boxblur=2:1,scale=%d:%d,setsar=1,colorkey=0x000000:0.08:0.0 [viz]",
			width, height, width, height)
	default:
		return fmt.Sprintf(
			"[1:a]showwaves=s=%dx%d:mode=line:rate=%d:colors=%s,"+
				"format=rgba,setsar=1,colorkey=0x000000:0.12:0.0 [viz]",
			width, height, fps, accentColor)
	}
}

func drawtext(caption Caption, textFile, fontFile string) string {
	var builder strings.Builder

	// expansion=none keeps a literal % in the transcript from being parsed.
	fmt.Fprintf(&builder, "drawtext=textfile='%s':expansion=none", EscapePath(textFile))

	if fontFile != "" {
		fmt.Fprintf(&builder, ":fontfile='%s'", EscapePath(fontFile))
	}

	fmt.Fprintf(&builder,
		":fontcolor=white:fontsize=%d:line_spacing=%d:x=(w-text_w)/2:y=(h*%.2f)-(text_h/2)"+
			":shadowcolor=0x000000@0.6:shadowx=3:shadowy=3",
		caption.FontSize, caption.LineSpacing, caption.CenterRatio)

	return builder.String()
}

// filterGraph assembles the complete -filter_complex value. textFile is
// empty when there is no caption.
func filterGraph(style Style, frame Frame, durationSeconds float64, fps int, caption Caption, textFile, fontFile string) string {
	viz := visualizer(style, frame, durationSeconds, fps)

	if textFile == "" {
		return viz + ";[0:v][viz]overlay=0:0 [v]"
	}

	return viz + ";[0:v][viz]overlay=0:0[base];[base]" + drawtext(caption, textFile, fontFile) + " [v]"
}
