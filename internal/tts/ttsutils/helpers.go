// Package ttsutils provides small file, naming and formatting helpers shared
// by the synthesis, profile and export packages.
package ttsutils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Common path and naming constants.
const (
	defaultDirPermissions  = 0o750
	dot                    = "."
	invalidCharReplacement = '_'
)

// Time formatting constants.
const (
	secondsInMinute = 60
	secondsInHour   = 3600
	formatSeconds   = "%.1fs"
	formatMinutes   = "%dm %.1fs"
	formatHours     = "%dh %dm"
)

// File extension constants.
const (
	ExtWAV    = ".wav"
	ExtMP3    = ".mp3"
	ExtMP4    = ".mp4"
	ExtPrompt = ".prompt"
)

// Error format string constants.
const (
	errFmtFailedToCreateDir = "failed to create directory %s: %w"
	errFmtNotADirectory     = "%s exists and is not a directory"
)

// EnsureDir ensures a directory exists at the given path, creating it if it doesn't.
func EnsureDir(path string) error {
	info, statErr := os.Stat(path)
	if os.IsNotExist(statErr) {
		// MkdirAll is used to create parent directories as needed.
		mkdirErr := os.MkdirAll(path, defaultDirPermissions)
		if mkdirErr != nil {
			return fmt.Errorf(errFmtFailedToCreateDir, path, mkdirErr)
		}

		return nil
	}

	if statErr != nil {
		return fmt.Errorf(errFmtFailedToCreateDir, path, statErr)
	}

	if !info.IsDir() {
		return fmt.Errorf(errFmtNotADirectory, path)
	}

	return nil
}

// FormatDuration formats a duration in a human-readable string (e.g., "1h 15m", "5m
// 30.5s", "45.2s").
func FormatDuration(duration time.Duration) string {
	seconds := duration.Seconds()
	if seconds < secondsInMinute {
		return fmt.Sprintf(formatSeconds, seconds)
	}

	if seconds < secondsInHour {
		minutes := int(seconds / secondsInMinute)
		remainingSeconds := seconds - float64(minutes*secondsInMinute)

		return fmt.Sprintf(formatMinutes, minutes, remainingSeconds)
	}

	hours := int(seconds / secondsInHour)
	remainingSeconds := seconds - float64(hours*secondsInHour)
	remainingMinutes := int(remainingSeconds / secondsInMinute)

	return fmt.Sprintf(formatHours, hours, remainingMinutes)
}

// SanitizeName keeps ASCII letters, digits, '.', '_' and '-', replaces every
// other character with '_' and trims leading and trailing underscores.
func SanitizeName(name string) string {
	var builder strings.Builder

	builder.Grow(len(name))

	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			builder.WriteRune(r)
		case r == '.', r == '_', r == '-':
			builder.WriteRune(r)
		default:
			builder.WriteRune(invalidCharReplacement)
		}
	}

	return strings.Trim(builder.String(), string(invalidCharReplacement))
}

// GetFileExtension returns the file extension without the leading dot.
func GetFileExtension(filename string) string {
	return strings.TrimPrefix(filepath.Ext(filename), dot)
}
