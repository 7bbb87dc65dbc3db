package cmd

import (
	"github.com/barysiuk/subspack/internal/core"
	"github.com/spf13/cobra"
)

var addUpstreamCmd = &cobra.Command{
	Use:   "add-upstream <prefix> <root>...",
	Short: "Chain further installations into an existing instance",
	Long: `Append one or more installations as upstreams of the instance at <prefix>.

Each <root> must contain bin/spack; its install tree and module roots are
read from that installation's own configuration. Existing entries in
upstreams.yaml are never changed. Nothing is written unless every root
could be read.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d := newDeps()
		padding, _ := cmd.Flags().GetString("upstream-padding")

		report, err := d.orchestrator.AddUpstreams(cmd.Context(), args[0], args[1:], core.UpstreamPadding(padding))
		if report != nil {
			renderReport(cmd.OutOrStdout(), report)
		}
		return err
	},
}

func init() {
	addUpstreamCmd.Flags().String("upstream-padding", string(core.UpstreamPaddingSource), "Upstream install tree padding: source or none")
	rootCmd.AddCommand(addUpstreamCmd)
}
