package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/objectstore"
	"github.com/book-expert/tts-studio/internal/worker"
	"github.com/nats-io/nats.go"
)

// ErrNoConnection indicates a command ran without a connected client.
var ErrNoConnection = errors.New("not connected to NATS")

var kindSentinels = map[string]error{
	core.KindInvalidRequest:   core.ErrInvalidRequest,
	core.KindProfileMismatch:  core.ErrProfileMismatch,
	core.KindNotFound:         core.ErrNotFound,
	core.KindModelLoadFailure: core.ErrModelLoadFailure,
	core.KindSynthesis:        core.ErrSynthesis,
	core.KindExport:           core.ErrExport,
}

// RemoteError is a failure reported by the service.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Kind + ": " + e.Message
}

// Is matches the core sentinel for the reported kind.
func (e *RemoteError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]

	return ok && errors.Is(sentinel, target)
}

// studioClient issues requests to a running service.
type studioClient struct {
	conn    *nats.Conn
	store   *objectstore.NatsObjectStore
	prefix  string
	timeout time.Duration
}

type clientOptions struct {
	url     string
	prefix  string
	bucket  string
	timeout time.Duration
}

func connect(opts clientOptions, log *logger.Logger) (*studioClient, error) {
	conn, err := nats.Connect(opts.url, nats.Name("tts-client"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", opts.url, err)
	}

	jetstreamContext, err := conn.JetStream()
	if err != nil {
		conn.Close()

		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, opts.bucket, objectstore.Options{}, log)
	if err != nil {
		conn.Close()

		return nil, err
	}

	return &studioClient{conn: conn, store: store, prefix: opts.prefix, timeout: opts.timeout}, nil
}

func (c *studioClient) Close() {
	if c != nil && c.conn != nil {
		c.conn.Close()
	}
}

// call sends request to prefix.suffix and decodes the reply into reply.
// Error envelopes come back as *RemoteError.
func (c *studioClient) call(ctx context.Context, suffix string, request, reply any) error {
	if c == nil || c.conn == nil {
		return ErrNoConnection
	}

	var data []byte

	if request != nil {
		var err error

		data, err = json.Marshal(request)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.conn.RequestWithContext(ctx, c.prefix+"."+suffix, data)
	if err != nil {
		return fmt.Errorf("request to %s.%s failed: %w", c.prefix, suffix, err)
	}

	var failure worker.ErrorReply

	err = json.Unmarshal(msg.Data, &failure)
	if err != nil {
		return fmt.Errorf("malformed reply from %s.%s: %w", c.prefix, suffix, err)
	}

	if failure.Error.Kind != "" {
		return &RemoteError{Kind: failure.Error.Kind, Message: failure.Error.Message}
	}

	if reply == nil {
		return nil
	}

	err = json.Unmarshal(msg.Data, reply)
	if err != nil {
		return fmt.Errorf("malformed reply from %s.%s: %w", c.prefix, suffix, err)
	}

	return nil
}
