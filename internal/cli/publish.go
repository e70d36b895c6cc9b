package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/feedlog/internal/envelope"
	"github.com/roach88/feedlog/internal/feedlog"
)

// PublishOptions holds flags for the publish command.
type PublishOptions struct {
	*RootOptions
	Type    string
	Text    string
	Content string
}

// NewPublishCommand creates the publish command.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PublishOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Append a new entry to the local feed",
		Long: `Sign and append a new entry to the feed of the local identity.

Content is either a JSON object given with --content or a simple
{type, text} object built from --type and --text.

Exit codes:
  0 - Entry appended and durable
  1 - Entry rejected by validation
  2 - Command error (bad content, store unavailable, etc.)

Examples:
  feedlog publish --text "hello world"
  feedlog publish --content '{"type":"contact","contact":"@...","following":true}'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Type, "type", "post", "content type when --content is not given")
	cmd.Flags().StringVar(&opts.Text, "text", "", "text of the entry")
	cmd.Flags().StringVar(&opts.Content, "content", "", "full content as a JSON object")

	return cmd
}

func runPublish(opts *PublishOptions, cmd *cobra.Command) error {
	content, err := publishContent(opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid content", err)
	}
	k, err := loadKeys(opts.Config)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	return withApp(ctx, opts.RootOptions, func(a *app) error {
		env, err := a.log.Append(ctx, feedlog.AppendRequest{Keys: k, Content: content})
		if err != nil {
			return rejection("publish", err)
		}
		return opts.formatter(cmd).Success(env)
	})
}

func publishContent(opts *PublishOptions) (any, error) {
	if opts.Content == "" {
		return map[string]any{"type": opts.Type, "text": opts.Text}, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(opts.Content)))
	dec.UseNumber()
	var content map[string]any
	if err := dec.Decode(&content); err != nil {
		return nil, fmt.Errorf("--content must be a JSON object: %w", err)
	}
	return content, nil
}

// AddResult summarises an add run.
type AddResult struct {
	Added    int                `json:"added"`
	Rejected int                `json:"rejected"`
	Errors   []string           `json:"errors,omitempty"`
	Last     *envelope.Envelope `json:"last,omitempty"`
}

func (r AddResult) String() string {
	return fmt.Sprintf("added %d, rejected %d", r.Added, r.Rejected)
}

// NewAddCommand creates the add command.
func NewAddCommand(rootOpts *RootOptions) *cobra.Command {
	var keepGoing bool

	cmd := &cobra.Command{
		Use:   "add [file]",
		Short: "Ingest entries signed elsewhere",
		Long: `Read signed entry values (one JSON object per line) from a file or
stdin and add them to the store. Each value is validated with the
configured policy; strict mode requires every entry to extend its feed.

Examples:
  feedlog add entries.ndjson
  cat entries.ndjson | feedlog add --keep-going`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to open input", err)
				}
				defer f.Close()
				in = f
			}
			return runAdd(rootOpts, cmd, in, keepGoing)
		},
	}

	cmd.Flags().BoolVar(&keepGoing, "keep-going", false, "continue after a rejected entry")
	return cmd
}

func runAdd(opts *RootOptions, cmd *cobra.Command, in io.Reader, keepGoing bool) error {
	ctx := cmd.Context()
	return withApp(ctx, opts, func(a *app) error {
		var result AddResult
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		line := 0
		for scanner.Scan() {
			line++
			raw := bytes.TrimSpace(scanner.Bytes())
			if len(raw) == 0 {
				continue
			}
			v, err := envelope.DecodeValue(raw)
			if err == nil {
				var env *envelope.Envelope
				env, err = a.log.Add(ctx, v)
				if err == nil {
					result.Added++
					result.Last = env
					continue
				}
			}
			result.Rejected++
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", line, err))
			opts.formatter(cmd).VerboseLog("line %d rejected: %v", line, err)
			if !keepGoing {
				_ = opts.formatter(cmd).Success(result)
				return rejection("add", err)
			}
		}
		if err := scanner.Err(); err != nil {
			return WrapExitError(ExitCommandError, "failed to read input", err)
		}
		return opts.formatter(cmd).Success(result)
	})
}
