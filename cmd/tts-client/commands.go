package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/book-expert/tts-studio/internal/export"
	"github.com/book-expert/tts-studio/internal/tts"
	"github.com/book-expert/tts-studio/internal/tts/audio"
	"github.com/book-expert/tts-studio/internal/tts/ttsutils"
	"github.com/book-expert/tts-studio/internal/worker"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// Argument errors.
var (
	ErrEitherTextOrFile    = errors.New("either --text or --file must be provided")
	ErrCannotSpecifyBoth   = errors.New("cannot specify both --text and --file")
	ErrUnsupportedFormat   = errors.New("output format must be wav, mp3 or mp4")
	ErrVideoOptionsNeedMP4 = errors.New("--transcript and --style/--layout only apply to mp4 output")
)

const defaultOutputStem = "speech"

type synthesizeFlags struct {
	spec       tts.RequestSpec
	textFile   string
	noChunk    bool
	output     string
	format     string
	transcript string
	style      string
	layout     string
}

func newSynthesizeCmd(a *app) *cobra.Command {
	var flags synthesizeFlags

	cmd := &cobra.Command{
		Use:   "synthesize",
		Short: "Synthesize text and save it as WAV, MP3 or MP4",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			spec, err := flags.requestSpec()
			if err != nil {
				return err
			}

			format, videoOpts, err := flags.outputFormat()
			if err != nil {
				return err
			}

			output := flags.output
			if output == "" {
				output = defaultOutputStem + "." + format
			}

			return a.withClient(cmd.Context(), func(ctx context.Context, c *studioClient) error {
				data, err := c.synthesize(ctx, spec, format, videoOpts)
				if err != nil {
					return err
				}

				err = os.WriteFile(output, data, 0o600)
				if err != nil {
					return fmt.Errorf("failed to write %s: %w", output, err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Generated: %s (%s)\n", output, humanize.Bytes(uint64(len(data))))

				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.spec.Text, "text", "", "Text to convert to speech")
	f.StringVar(&flags.textFile, "file", "", "Read the text from a file")
	f.StringVar(&flags.spec.Mode, "mode", "custom_voice", "custom_voice, voice_design or voice_clone")
	f.StringVar(&flags.spec.Speaker, "speaker", "", "Speaker for custom_voice")
	f.StringVar(&flags.spec.Instruct, "instruct", "", "Style instruction; required for voice_design")
	f.StringVar(&flags.spec.Language, "language", "", "Language tag, automatic when empty")
	f.StringVar(&flags.spec.Model, "model", "", "Model id override")
	f.StringVar(&flags.spec.Device, "device", "", "Device override")
	f.StringVar(&flags.spec.Profile, "profile", "", "Stored voice profile for voice_clone")
	f.StringVar(&flags.spec.RefAudio, "ref-audio", "", "Reference audio (local file, URL or data URL) for voice_clone")
	f.StringVar(&flags.spec.RefText, "ref-text", "", "Transcript of the reference audio")
	f.BoolVar(&flags.spec.XVectorOnly, "x-vector-only", false, "Clone from the speaker embedding only")
	f.BoolVar(&flags.noChunk, "no-chunk", false, "Send the text as one chunk")
	f.StringVarP(&flags.output, "output", "o", "", "Output file (default speech.<format>)")
	f.StringVar(&flags.format, "format", "", "wav, mp3 or mp4 (default from --output extension, else wav)")
	f.StringVar(&flags.transcript, "transcript", "", "Transcript overlay for mp4 output")
	f.StringVar(&flags.style, "style", "", "Video style: waveform, spectrum or pulse")
	f.StringVar(&flags.layout, "layout", "", "Video layout: vertical, square or landscape")

	return cmd
}

// requestSpec resolves the text source and validates the request locally.
func (f *synthesizeFlags) requestSpec() (tts.RequestSpec, error) {
	spec := f.spec

	if spec.Text == "" && f.textFile == "" {
		return spec, ErrEitherTextOrFile
	}

	if spec.Text != "" && f.textFile != "" {
		return spec, ErrCannotSpecifyBoth
	}

	if f.textFile != "" {
		data, err := os.ReadFile(f.textFile)
		if err != nil {
			return spec, fmt.Errorf("failed to read %s: %w", f.textFile, err)
		}

		spec.Text = string(data)
	}

	spec.ChunkText = !f.noChunk

	inline, err := inlineReference(spec.RefAudio)
	if err != nil {
		return spec, err
	}

	spec.RefAudio = inline

	_, err = tts.NewRequest(spec)
	if err != nil {
		return spec, err
	}

	return spec, nil
}

func (f *synthesizeFlags) outputFormat() (string, *worker.VideoRequest, error) {
	format := strings.ToLower(strings.TrimSpace(f.format))
	if format == "" {
		format = strings.ToLower(ttsutils.GetFileExtension(f.output))
	}

	if format == "" {
		format = "wav"
	}

	switch format {
	case "wav", "mp3":
		if f.transcript != "" || f.style != "" || f.layout != "" {
			return "", nil, ErrVideoOptionsNeedMP4
		}

		return format, nil, nil
	case "mp4":
		style, err := export.ParseStyle(f.style)
		if err != nil {
			return "", nil, err
		}

		layout, err := export.ParseLayout(f.layout)
		if err != nil {
			return "", nil, err
		}

		return format, &worker.VideoRequest{
			Transcript: f.transcript,
			Style:      string(style),
			Layout:     string(layout),
		}, nil
	default:
		return "", nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// inlineReference turns a local reference file into a data URL so the
// service does not need access to the client's filesystem.
func inlineReference(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || audio.ClassifyReference(raw) != audio.ReferencePath {
		return raw, nil
	}

	data, err := os.ReadFile(raw)
	if err != nil {
		return "", fmt.Errorf("failed to read reference audio %s: %w", raw, err)
	}

	subtype := strings.ToLower(ttsutils.GetFileExtension(raw))
	if subtype == "" {
		subtype = "wav"
	}

	return audio.EncodeDataURL(data, subtype), nil
}

func (c *studioClient) synthesize(
	ctx context.Context,
	spec tts.RequestSpec,
	format string,
	videoOpts *worker.VideoRequest,
) ([]byte, error) {
	var synthesized worker.SynthesisReply

	err := c.call(ctx, worker.SubjectSynthesize, spec, &synthesized)
	if err != nil {
		return nil, err
	}

	objectKey := synthesized.AudioKey

	switch format {
	case "mp3":
		var exported worker.ExportReply

		err = c.call(ctx, worker.SubjectExportMP3, worker.MP3Request{AudioKey: synthesized.AudioKey}, &exported)
		if err != nil {
			return nil, err
		}

		objectKey = exported.ObjectKey
	case "mp4":
		var exported worker.ExportReply

		videoOpts.AudioKey = synthesized.AudioKey

		err = c.call(ctx, worker.SubjectExportVideo, videoOpts, &exported)
		if err != nil {
			return nil, err
		}

		objectKey = exported.ObjectKey
	}

	return c.store.Download(ctx, objectKey)
}

func newProfilesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage stored voice profiles",
	}

	cmd.AddCommand(
		newProfilesListCmd(a),
		newProfilesGetCmd(a),
		newProfilesCreateCmd(a),
		newProfilesDeleteCmd(a),
		newProfilesExportCmd(a),
		newProfilesImportCmd(a),
	)

	return cmd
}

func newProfilesListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List profiles, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd.Context(), func(ctx context.Context, c *studioClient) error {
				var reply worker.ProfileListReply

				err := c.call(ctx, worker.SubjectProfilesList, nil, &reply)
				if err != nil {
					return err
				}

				return printJSON(cmd.OutOrStdout(), reply)
			})
		},
	}
}

func newProfilesGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get NAME",
		Short: "Show one profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd.Context(), func(ctx context.Context, c *studioClient) error {
				var reply worker.ProfileSummary

				err := c.call(ctx, worker.SubjectProfilesGet, worker.ProfileRequest{Name: args[0]}, &reply)
				if err != nil {
					return err
				}

				return printJSON(cmd.OutOrStdout(), reply)
			})
		},
	}
}

func newProfilesCreateCmd(a *app) *cobra.Command {
	var spec tts.ProfileSpec

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a profile from reference audio",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.Name = args[0]

			inline, err := inlineReference(spec.RefAudio)
			if err != nil {
				return err
			}

			spec.RefAudio = inline

			return a.withClient(cmd.Context(), func(ctx context.Context, c *studioClient) error {
				var reply worker.ProfileSummary

				err := c.call(ctx, worker.SubjectProfilesCreate, spec, &reply)
				if err != nil {
					return err
				}

				return printJSON(cmd.OutOrStdout(), reply)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&spec.RefAudio, "ref-audio", "", "Reference audio (local file, URL or data URL)")
	f.StringVar(&spec.RefText, "ref-text", "", "Transcript of the reference audio")
	f.BoolVar(&spec.XVectorOnly, "x-vector-only", false, "Clone from the speaker embedding only")
	f.StringVar(&spec.Model, "model", "", "Clone model id override")

	_ = cmd.MarkFlagRequired("ref-audio")

	return cmd
}

func newProfilesDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd.Context(), func(ctx context.Context, c *studioClient) error {
				var reply worker.DeleteReply

				err := c.call(ctx, worker.SubjectProfilesDelete, worker.ProfileRequest{Name: args[0]}, &reply)
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Deleted: %s\n", reply.Deleted)

				return nil
			})
		},
	}
}

func newProfilesExportCmd(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export NAME",
		Short: "Download a profile payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := output
			if target == "" {
				target = ttsutils.SanitizeName(args[0]) + ttsutils.ExtPrompt
			}

			return a.withClient(cmd.Context(), func(ctx context.Context, c *studioClient) error {
				var reply worker.ExportReply

				err := c.call(ctx, worker.SubjectProfilesExport, worker.ProfileRequest{Name: args[0]}, &reply)
				if err != nil {
					return err
				}

				payload, err := c.store.Download(ctx, reply.ObjectKey)
				if err != nil {
					return err
				}

				err = os.WriteFile(target, payload, 0o600)
				if err != nil {
					return fmt.Errorf("failed to write %s: %w", target, err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Exported: %s\n", target)

				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default NAME.prompt)")

	return cmd
}

func newProfilesImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Upload and import a profile payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}

			return a.withClient(cmd.Context(), func(ctx context.Context, c *studioClient) error {
				key := "profiles/import-" + uuid.NewString() + ttsutils.ExtPrompt

				err := c.store.Upload(ctx, key, payload)
				if err != nil {
					return err
				}

				var reply worker.ProfileSummary

				err = c.call(ctx, worker.SubjectProfilesImport, worker.ProfileImportRequest{ObjectKey: key}, &reply)
				if err != nil {
					return err
				}

				return printJSON(cmd.OutOrStdout(), reply)
			})
		},
	}
}

func newMetaCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "meta",
		Short: "Show default models, speakers and languages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd.Context(), func(ctx context.Context, c *studioClient) error {
				var reply tts.Meta

				err := c.call(ctx, worker.SubjectMeta, nil, &reply)
				if err != nil {
					return err
				}

				return printJSON(cmd.OutOrStdout(), reply)
			})
		},
	}
}

func newHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check service health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd.Context(), func(ctx context.Context, c *studioClient) error {
				var reply tts.Health

				err := c.call(ctx, worker.SubjectHealth, nil, &reply)
				if err != nil {
					return err
				}

				return printJSON(cmd.OutOrStdout(), reply)
			})
		},
	}
}
