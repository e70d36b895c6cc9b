package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/feedlog/internal/envelope"
	"github.com/roach88/feedlog/internal/history"
	"github.com/roach88/feedlog/internal/store"
)

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print the entry stored under a key",
		Long: `Print the entry stored under a message key. Boxed content is shown
unboxed when a registered unboxer can open it.

Example:
  feedlog get '%R8heq/tQoxEIPkWf0Kxn1nCm/CsxG2CDpUYnAvdbXY8=.sha256'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := envelope.ParseMsgKey(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid key", err)
			}
			ctx := cmd.Context()
			return withApp(ctx, rootOpts, func(a *app) error {
				env, err := a.log.Get(ctx, key)
				if err != nil {
					return rejection("get", err)
				}
				return rootOpts.formatter(cmd).Success(env)
			})
		},
	}
}

// NewLastCommand creates the last command.
func NewLastCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "last [feed-id]",
		Short:         "Print the latest entry of a feed (default: local feed)",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := feedArg(rootOpts, args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return withApp(ctx, rootOpts, func(a *app) error {
				env, err := a.log.Last(ctx, id)
				if errors.Is(err, store.ErrNotFound) {
					return NewExitError(ExitFailure, fmt.Sprintf("feed %s has no entries", id))
				}
				if err != nil {
					return rejection("last", err)
				}
				return rootOpts.formatter(cmd).Success(env)
			})
		},
	}
}

// FeedResult is the append position of a feed.
type FeedResult struct {
	ID       envelope.FeedID `json:"id"`
	Sequence int64           `json:"sequence"`
	LastKey  envelope.MsgKey `json:"last_key,omitempty"`
}

func (r FeedResult) String() string {
	if r.Sequence == 0 {
		return fmt.Sprintf("%s: empty", r.ID)
	}
	return fmt.Sprintf("%s: sequence %d, last %s", r.ID, r.Sequence, r.LastKey)
}

// NewFeedCommand creates the feed command.
func NewFeedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "feed [feed-id]",
		Short:         "Print the append position of a feed (default: local feed)",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := feedArg(rootOpts, args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return withApp(ctx, rootOpts, func(a *app) error {
				state, err := a.log.GetFeedState(ctx, id)
				if err != nil {
					return rejection("feed", err)
				}
				return rootOpts.formatter(cmd).Success(FeedResult{
					ID:       id,
					Sequence: state.Sequence,
					LastKey:  state.LastKey,
				})
			})
		},
	}
}

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Since  int64
	Limit  int
	Keys   bool
	Values bool
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history [feed-id]",
		Short: "Replay a feed in sequence order",
		Long: `Replay the entries of a feed with sequence greater than --since, in
ascending order, at most --limit of them. Text output prints one JSON
document per line; resume by passing the last printed sequence as --since.

Examples:
  feedlog history --limit 10
  feedlog history @FCX/tsDLpubCPKKfIrw4gc+SQkHcaD17s7GI6i/ziWY=.ed25519 --since 100
  feedlog history --values=false --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd, args)
		},
	}

	cmd.Flags().Int64Var(&opts.Since, "since", 0, "exclusive lower sequence bound")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of entries (default history.default_limit)")
	cmd.Flags().BoolVar(&opts.Keys, "keys", true, "include entry keys")
	cmd.Flags().BoolVar(&opts.Values, "values", true, "include entry values")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command, args []string) error {
	id, err := feedArg(opts.RootOptions, args)
	if err != nil {
		return err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = opts.Config.History.DefaultLimit
	}

	ctx := cmd.Context()
	return withApp(ctx, opts.RootOptions, func(a *app) error {
		stream, err := a.log.OpenHistory(ctx, history.Options{
			ID:       id,
			Sequence: opts.Since,
			Limit:    limit,
			Keys:     history.Bool(opts.Keys),
			Values:   history.Bool(opts.Values),
		})
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open history", err)
		}
		defer stream.Close()

		out := opts.formatter(cmd)
		var items []envelope.Item
		for item, err := range stream.All() {
			if err != nil {
				return WrapExitError(ExitCommandError, "history stream failed", err)
			}
			if opts.Format == "text" {
				if err := out.Line(item); err != nil {
					return err
				}
				continue
			}
			items = append(items, item)
		}
		if opts.Format == "text" {
			return nil
		}
		if items == nil {
			items = []envelope.Item{}
		}
		return out.Success(items)
	})
}

// feedArg returns the feed id argument, or the local identity's id.
func feedArg(opts *RootOptions, args []string) (envelope.FeedID, error) {
	if len(args) == 1 {
		id, err := envelope.ParseFeedID(args[0])
		if err != nil {
			return "", WrapExitError(ExitCommandError, "invalid feed id", err)
		}
		return id, nil
	}
	k, err := loadKeys(opts.Config)
	if err != nil {
		return "", err
	}
	return k.ID, nil
}
