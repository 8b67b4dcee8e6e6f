// Command tts-client talks to a running tts-studio service over NATS.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/config"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

// Flag names.
const (
	flagNATSURL = "nats-url"
	flagPrefix  = "prefix"
	flagBucket  = "bucket"
	flagTimeout = "timeout"
	flagLogDir  = "log-dir"
)

const logFileName = "tts-client.log"

// app holds what every subcommand shares.
type app struct {
	opts   clientOptions
	logDir string
	client *studioClient
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := newRootCmd(&app{}).ExecuteContext(ctx)

	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "tts-client",
		Short:         "Synthesize speech and manage voice profiles on a tts-studio service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.opts.url, flagNATSURL, nats.DefaultURL, "NATS server URL")
	flags.StringVar(&a.opts.prefix, flagPrefix, config.DefaultSubjectPrefix, "Service subject prefix")
	flags.StringVar(&a.opts.bucket, flagBucket, config.DefaultObjectStoreBucket, "Object store bucket for audio")
	flags.DurationVar(&a.opts.timeout, flagTimeout,
		time.Duration(config.DefaultRequestTimeoutSeconds)*time.Second, "Per-request timeout")
	flags.StringVar(&a.logDir, flagLogDir, os.TempDir(), "Directory for the client log")

	rootCmd.AddCommand(
		newSynthesizeCmd(a),
		newProfilesCmd(a),
		newMetaCmd(a),
		newHealthCmd(a),
	)

	return rootCmd
}

// withClient connects lazily so argument errors never need a server.
func (a *app) withClient(ctx context.Context, fn func(ctx context.Context, c *studioClient) error) error {
	if a.client != nil {
		return fn(ctx, a.client)
	}

	log, err := logger.New(a.logDir, logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	defer func() { _ = log.Close() }()

	client, err := connect(a.opts, log)
	if err != nil {
		return err
	}
	defer client.Close()

	return fn(ctx, client)
}

func printJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")

	err := encoder.Encode(value)
	if err != nil {
		return fmt.Errorf("failed to print reply: %w", err)
	}

	return nil
}
