package cmd

import (
	"context"
	"log/slog"

	"github.com/barysiuk/subspack/internal/ctxlog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "subspack",
	Short: "Provision a Spack instance derived from an existing installation",
	Long: `subspack stands up a new, independent Spack instance next to the
installation named by $SPACK_ROOT.

The new instance gets its own shallow clone of the source tree, chains the
source's install tree (and everything the source itself chains to) as
read-only upstreams, inherits the source's site configuration, and links
the source's environments by name.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		quiet, _ := cmd.Flags().GetBool("quiet")

		level := slog.LevelInfo
		switch {
		case verbose:
			level = slog.LevelDebug
		case quiet:
			level = slog.LevelWarn
		}
		logger := ctxlog.New(cmd.ErrOrStderr(), level)
		cmd.SetContext(ctxlog.WithLogger(cmd.Context(), logger))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log every step, including commands run")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "Log warnings and errors only")
	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}
