package ttsutils_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/tts-studio/internal/tts/ttsutils"
)

// TestEnsureDir verifies that a directory is created if it doesn't exist.
func TestEnsureDir(t *testing.T) {
	t.Parallel()

	tempDir := t.TempDir()
	testPath := filepath.Join(tempDir, "new", "dir")

	err := ttsutils.EnsureDir(testPath)
	if err != nil {
		t.Fatalf("EnsureDir failed: %v", err)
	}

	info, err := os.Stat(testPath)
	if err != nil || !info.IsDir() {
		t.Errorf("EnsureDir did not create the directory %q", testPath)
	}

	// Calling again on an existing directory is a no-op.
	err = ttsutils.EnsureDir(testPath)
	if err != nil {
		t.Errorf("EnsureDir failed on an existing directory: %v", err)
	}
}

func TestEnsureDir_FileInTheWay(t *testing.T) {
	t.Parallel()

	filePath := filepath.Join(t.TempDir(), "file")

	err := os.WriteFile(filePath, []byte("x"), 0o600)
	if err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	err = ttsutils.EnsureDir(filePath)
	if err == nil {
		t.Errorf("Expected an error when a file occupies %q", filePath)
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"Seconds", 45200 * time.Millisecond, "45.2s"},
		{"Minutes", 5*time.Minute + 30500*time.Millisecond, "5m 30.5s"},
		{"Hours", time.Hour + 15*time.Minute, "1h 15m"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			result := ttsutils.FormatDuration(testCase.duration)
			if result != testCase.expected {
				t.Errorf("FormatDuration(%v) = %q, want %q", testCase.duration, result, testCase.expected)
			}
		})
	}
}

func TestSanitizeName(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		input    string
		expected string
	}{
		{"Narrator", "Narrator"},
		{"  my voice  ", "my_voice"},
		{"../../etc/passwd", ".._.._etc_passwd"},
		{"voice:v2?", "voice_v2"},
		{"Émilie", "milie"},
		{"___", ""},
		{"a.b-c_d", "a.b-c_d"},
	}

	for _, testCase := range testCases {
		result := ttsutils.SanitizeName(testCase.input)
		if result != testCase.expected {
			t.Errorf("SanitizeName(%q) = %q, want %q", testCase.input, result, testCase.expected)
		}
	}
}

func TestGetFileExtension(t *testing.T) {
	t.Parallel()

	if ext := ttsutils.GetFileExtension("audio.wav"); ext != "wav" {
		t.Errorf("Expected 'wav', got %q", ext)
	}

	if ext := ttsutils.GetFileExtension("noext"); ext != "" {
		t.Errorf("Expected empty extension, got %q", ext)
	}
}
