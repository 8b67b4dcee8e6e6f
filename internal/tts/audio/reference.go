package audio

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

const (
	dataURLPrefix     = "data:audio/"
	dataURLMarker     = ";base64,"
	maxReferenceBytes = 64 << 20
)

// ErrInvalidReference is returned when reference audio cannot be resolved.
var ErrInvalidReference = errors.New("invalid reference audio")

// ReferenceKind tells where reference audio comes from.
type ReferenceKind int

const (
	ReferenceInline ReferenceKind = iota
	ReferenceURL
	ReferencePath
)

// ClassifyReference inspects a reference-audio string without resolving it.
func ClassifyReference(raw string) ReferenceKind {
	switch {
	case strings.HasPrefix(raw, dataURLPrefix):
		return ReferenceInline
	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
		return ReferenceURL
	default:
		return ReferencePath
	}
}

// EncodeDataURL wraps raw audio bytes as a base64 data URL of the given
// subtype, e.g. "wav".
func EncodeDataURL(data []byte, subtype string) string {
	return dataURLPrefix + subtype + dataURLMarker + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURL extracts the payload of a base64 audio data URL.
func DecodeDataURL(dataURL string) ([]byte, error) {
	if !strings.HasPrefix(dataURL, dataURLPrefix) {
		return nil, fmt.Errorf("%w: not an audio data URL", ErrInvalidReference)
	}

	_, payload, found := strings.Cut(dataURL, dataURLMarker)
	if !found {
		return nil, fmt.Errorf("%w: data URL is not base64 encoded", ErrInvalidReference)
	}

	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidReference, err)
	}

	if len(decoded) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidReference)
	}

	return decoded, nil
}

// ReferenceResolver turns a reference-audio string (data URL, remote URL or
// local path) into the raw encoded bytes handed to the model runtime.
type ReferenceResolver struct {
	httpClient *http.Client
}

// NewReferenceResolver creates a resolver using the given HTTP client for
// remote references.
func NewReferenceResolver(httpClient *http.Client) *ReferenceResolver {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &ReferenceResolver{httpClient: httpClient}
}

// Resolve returns the reference audio bytes.
func (r *ReferenceResolver) Resolve(ctx context.Context, raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}

	switch ClassifyReference(raw) {
	case ReferenceInline:
		return DecodeDataURL(raw)
	case ReferenceURL:
		return r.fetch(ctx, raw)
	default:
		return readLocal(raw)
	}
}

func (r *ReferenceResolver) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidReference, err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch %s: %w", ErrInvalidReference, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetching %s returned %s", ErrInvalidReference, url, resp.Status)
	}

	return readBounded(resp.Body)
}

func readLocal(path string) ([]byte, error) {
	// #nosec G304 -- reference paths are operator-provided server-side files
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidReference, err)
	}
	defer file.Close()

	return readBounded(file)
}

func readBounded(reader io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(reader, maxReferenceBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidReference, err)
	}

	if len(data) > maxReferenceBytes {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrInvalidReference, maxReferenceBytes)
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidReference)
	}

	return data, nil
}
