package cli

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/feedlog/internal/envelope"
	"github.com/roach88/feedlog/internal/keys"
)

// KeysResult describes the local identity. The private key is never shown.
type KeysResult struct {
	ID    envelope.FeedID `json:"id"`
	Curve string          `json:"curve"`
	Path  string          `json:"path"`
}

func (r KeysResult) String() string {
	return string(r.ID)
}

// NewKeysCommand creates the keys command group.
func NewKeysCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the local signing identity",
	}
	cmd.AddCommand(newKeysGenerateCommand(rootOpts))
	cmd.AddCommand(newKeysShowCommand(rootOpts))
	return cmd
}

func newKeysGenerateCommand(rootOpts *RootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new signing identity",
		Long: `Generate a new ed25519 identity and write it to keys.path.

An existing secret is kept unless --force is given.

Example:
  feedlog keys generate
  feedlog keys generate --force --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.Config.Keys.Path
			if _, err := os.Stat(path); err == nil {
				if !force {
					return NewExitError(ExitFailure, "secret already exists at "+path+" (use --force to replace it)")
				}
				if err := os.Remove(path); err != nil {
					return WrapExitError(ExitCommandError, "failed to remove old secret", err)
				}
			}

			k, err := keys.Generate()
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to generate keys", err)
			}
			if err := keys.Save(path, k); err != nil {
				return WrapExitError(ExitCommandError, "failed to save keys", err)
			}
			return rootOpts.formatter(cmd).Success(KeysResult{ID: k.ID, Curve: k.Curve, Path: path})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "replace an existing secret")
	return cmd
}

func newKeysShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show",
		Short:         "Print the local feed id",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.Config.Keys.Path
			k, err := keys.Load(path)
			if errors.Is(err, os.ErrNotExist) {
				return NewExitError(ExitFailure, "no secret at "+path+" (run: feedlog keys generate)")
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load keys", err)
			}
			return rootOpts.formatter(cmd).Success(KeysResult{ID: k.ID, Curve: k.Curve, Path: path})
		},
	}
}
