package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/tts/audio"
)

// API endpoints and paths of the inference runtime.
const (
	apiHealth      = "/health"
	apiLoadModel   = "/v1/models/load"
	apiModelFmt    = "/v1/models/%s"
	apiSpeakers    = "/speakers"
	apiLanguages   = "/languages"
	apiGenerate    = "/generate"
	apiClonePrompt = "/clone-prompt"
)

// HealthCheckTimeout bounds health checks and model unloads.
const HealthCheckTimeout = 10 * time.Second

// HTTP headers.
const (
	headerContentType  = "Content-Type"
	headerAccept       = "Accept"
	contentTypeJSON    = "application/json"
	contentTypeWAV     = "audio/wav"
	contentTypeOctet   = "application/octet-stream"
	maxResponseBytes   = 512 << 20
	maxErrorBodyLength = 4 << 10
)

// Error messages.
const (
	errUnexpectedContentType   = "unexpected content type: expected %s, got %s"
	errFmtServiceErrorWithCode = "inference runtime error (%s): %s (code: %s)"
	errFmtServiceNonOKStatus   = "inference runtime returned non-OK status: %s, body: %s"
)

// Common errors for the runtime client.
var (
	ErrTextCannotBeEmpty  = errors.New("text cannot be empty")
	ErrReceivedEmptyAudio = errors.New("received empty audio data")
	ErrEmptyPrompt        = errors.New("received empty clone prompt")
	ErrEmptyHandle        = errors.New("runtime returned no model handle")
)

// HTTPClient talks to the inference runtime that hosts the model weights.
// It implements core.ModelLoader; every loaded model is a RemoteModel bound
// to a runtime-side handle.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

// LoadRequest asks the runtime to materialize a model.
type LoadRequest struct {
	ModelID string `json:"model_id"`
	Device  string `json:"device"`
	DType   string `json:"dtype"`
}

// LoadResponse names the runtime-side handle of a loaded model.
type LoadResponse struct {
	Handle string `json:"handle"`
}

// GenerateRequest defines the JSON payload for one model call.
type GenerateRequest struct {
	Text        string `json:"text"`
	Mode        string `json:"mode"`
	Language    string `json:"language,omitempty"`
	Speaker     string `json:"speaker,omitempty"`
	Instruct    string `json:"instruct,omitempty"`
	ClonePrompt []byte `json:"voice_clone_prompt,omitempty"`
}

// ClonePromptRequest defines the JSON payload for deriving a clone prompt.
type ClonePromptRequest struct {
	RefAudio    []byte `json:"ref_audio"`
	RefText     string `json:"ref_text,omitempty"`
	XVectorOnly bool   `json:"x_vector_only"`
}

// TTSErrorResponse represents a structured error response from the runtime.
type TTSErrorResponse struct {
	// Detail contains a human-readable error description.
	Detail string `json:"detail"`

	// ErrorCode provides a machine-readable error classification.
	ErrorCode string `json:"error_code,omitempty"`
}

type speakersResponse struct {
	Speakers []string `json:"speakers"`
}

type languagesResponse struct {
	Languages []string `json:"languages"`
}

// NewHTTPClient creates and configures a client for the inference runtime.
// The baseURL should include the protocol and port (e.g., "http://localhost:8090").
// The timeout applies to every HTTP request; zero leaves requests bounded
// only by their context.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Load implements core.ModelLoader.
func (c *HTTPClient) Load(ctx context.Context, key core.ModelKey) (core.Model, error) {
	body, err := c.postJSON(ctx, apiLoadModel, LoadRequest{
		ModelID: key.ModelID,
		Device:  key.Device,
		DType:   string(key.Precision),
	}, contentTypeJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to load model %s: %w", key, err)
	}

	var resp LoadResponse

	err = parseJSON(body, &resp)
	if err != nil {
		return nil, err
	}

	if resp.Handle == "" {
		return nil, ErrEmptyHandle
	}

	return &RemoteModel{client: c, key: key, handle: resp.Handle}, nil
}

// HealthCheck verifies that the runtime is running and operational.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, apiHealth, nil, "")
	if err != nil {
		return fmt.Errorf("health check failed for runtime at %s: %w", c.baseURL, err)
	}

	return nil
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, payload any, accept string) ([]byte, error) {
	requestBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	return c.do(ctx, http.MethodPost, path, requestBody, accept)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, requestBody []byte, accept string) ([]byte, error) {
	var reader io.Reader = http.NoBody
	if requestBody != nil {
		reader = bytes.NewReader(requestBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if requestBody != nil {
		httpReq.Header.Set(headerContentType, contentTypeJSON)
	}

	if accept != "" {
		httpReq.Header.Set(headerAccept, accept)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to runtime at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, c.parseErrorResponse(resp)
	}

	if accept != "" && accept != contentTypeJSON {
		contentType := resp.Header.Get(headerContentType)
		if contentType != accept {
			return nil, fmt.Errorf(errUnexpectedContentType, accept, contentType)
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return data, nil
}

// parseErrorResponse attempts to decode a structured JSON error from the runtime.
// If structured parsing fails, it falls back to returning the raw response body
// to ensure diagnostic information is preserved.
func (c *HTTPClient) parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLength))

	var errorResp TTSErrorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Detail != "" {
		return fmt.Errorf(errFmtServiceErrorWithCode, resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	return fmt.Errorf(errFmtServiceNonOKStatus, resp.Status, string(body))
}

// RemoteModel is a model loaded in the inference runtime.
type RemoteModel struct {
	client *HTTPClient
	key    core.ModelKey
	handle string
}

// Key implements core.Model.
func (m *RemoteModel) Key() core.ModelKey { return m.key }

// Handle returns the runtime-side identifier.
func (m *RemoteModel) Handle() string { return m.handle }

func (m *RemoteModel) path(suffix string) string {
	return fmt.Sprintf(apiModelFmt, url.PathEscape(m.handle)) + suffix
}

// Generate implements core.Model. The runtime answers with a WAV file.
func (m *RemoteModel) Generate(ctx context.Context, text string, params core.GenerateParams) (audio.Waveform, error) {
	if text == "" {
		return audio.Waveform{}, ErrTextCannotBeEmpty
	}

	body, err := m.client.postJSON(ctx, m.path(apiGenerate), GenerateRequest{
		Text:        text,
		Mode:        string(params.Mode),
		Language:    params.Language,
		Speaker:     params.Speaker,
		Instruct:    params.Instruct,
		ClonePrompt: params.ClonePrompt,
	}, contentTypeWAV)
	if err != nil {
		return audio.Waveform{}, err
	}

	if len(body) == 0 {
		return audio.Waveform{}, ErrReceivedEmptyAudio
	}

	return audio.DecodeWAV(body)
}

// CreateClonePrompt implements core.Model.
func (m *RemoteModel) CreateClonePrompt(ctx context.Context, source core.PromptSource) ([]byte, error) {
	body, err := m.client.postJSON(ctx, m.path(apiClonePrompt), ClonePromptRequest{
		RefAudio:    source.RefAudio,
		RefText:     source.RefText,
		XVectorOnly: source.XVectorOnly,
	}, contentTypeOctet)
	if err != nil {
		return nil, err
	}

	if len(body) == 0 {
		return nil, ErrEmptyPrompt
	}

	return body, nil
}

// SupportedSpeakers implements core.Model.
func (m *RemoteModel) SupportedSpeakers(ctx context.Context) ([]string, error) {
	body, err := m.client.do(ctx, http.MethodGet, m.path(apiSpeakers), nil, contentTypeJSON)
	if err != nil {
		return nil, err
	}

	var resp speakersResponse

	err = parseJSON(body, &resp)
	if err != nil {
		return nil, err
	}

	return resp.Speakers, nil
}

// SupportedLanguages implements core.Model.
func (m *RemoteModel) SupportedLanguages(ctx context.Context) ([]string, error) {
	body, err := m.client.do(ctx, http.MethodGet, m.path(apiLanguages), nil, contentTypeJSON)
	if err != nil {
		return nil, err
	}

	var resp languagesResponse

	err = parseJSON(body, &resp)
	if err != nil {
		return nil, err
	}

	return resp.Languages, nil
}

// Close unloads the model from the runtime.
func (m *RemoteModel) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), HealthCheckTimeout)
	defer cancel()

	_, err := m.client.do(ctx, http.MethodDelete, m.path(""), nil, "")
	if err != nil {
		return fmt.Errorf("failed to unload model %s: %w", m.key, err)
	}

	return nil
}
