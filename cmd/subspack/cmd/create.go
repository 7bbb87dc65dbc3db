package cmd

import (
	"os"

	"github.com/barysiuk/subspack/internal/core"
	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create <prefix>",
	Short: "Create a new instance at <prefix> from the installation in $SPACK_ROOT",
	Long: `Create a new instance at <prefix> derived from the installation in $SPACK_ROOT.

Stages run in order and are not rolled back when a later one fails:

  tree          shallow clone of the source tree (depth 2)
  extensions    extensions listed in config:extensions
  repos         recipe repositories, then repos.yaml for the new instance
  upstreams     the source and its own upstreams, appended to upstreams.yaml
  config        bootstrap, packages, compilers, mirrors, include and config files
  environments  source environments linked by name, plus --local-env copies
  policy        install tree padding and setup-env wrapper scripts

Running create again on the same prefix keeps what is already there and
appends the source as a further upstream.`,
	Example: `  subspack create ~/spack-dev --local-env myenv --dev-pkg mypkg
  subspack create /scratch/spack --without-caches --with-padding --padding-length 255
  subspack create ./fork --remote https://github.com/me/spack.git --remote-branch feature`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d := newDeps()
		opts := createOptions(cmd, args[0])

		report, err := d.orchestrator.Provision(cmd.Context(), opts)
		if report != nil {
			renderReport(cmd.OutOrStdout(), report)
		}
		if err != nil {
			return err
		}
		return report.Err()
	},
}

func createOptions(cmd *cobra.Command, prefix string) core.Options {
	f := cmd.Flags()
	remote, _ := f.GetString("remote")
	branch, _ := f.GetString("remote-branch")
	localEnvs, _ := f.GetStringArray("local-env")
	devPkgs, _ := f.GetStringArray("dev-pkg")
	withPadding, _ := f.GetBool("with-padding")
	paddingLength, _ := f.GetInt("padding-length")
	withoutCaches, _ := f.GetBool("without-caches")
	upstreams, _ := f.GetStringArray("add-upstream")
	updateRecipes, _ := f.GetBool("update-recipes")
	updateExtensions, _ := f.GetBool("update-extensions")
	upstreamPadding, _ := f.GetString("upstream-padding")

	return core.Options{
		Prefix:           prefix,
		SourceRoot:       os.Getenv(core.RootEnvVar),
		Remote:           remote,
		RemoteBranch:     branch,
		LocalEnvs:        localEnvs,
		DevPackages:      devPkgs,
		WithPadding:      withPadding,
		PaddingLength:    paddingLength,
		WithoutCaches:    withoutCaches,
		AddUpstreams:     upstreams,
		UpdateRecipes:    updateRecipes,
		UpdateExtensions: updateExtensions,
		UpstreamPadding:  core.UpstreamPadding(upstreamPadding),
	}
}

func init() {
	f := createCmd.Flags()
	f.String("remote", "", "Clone the tree from this URL or path instead of the source installation")
	f.String("remote-branch", "", "Branch to clone (default: the branch checked out in a local source)")
	f.StringArray("local-env", nil, "Copy this source environment as local_<name> (repeatable)")
	f.StringArray("dev-pkg", nil, "Mark this package editable in every local environment (repeatable)")
	f.Bool("with-padding", false, "Pad the new instance's install tree")
	f.Int("padding-length", core.DefaultPaddingLength, "Install tree padding length used with --with-padding")
	f.Bool("without-caches", false, "Do not copy mirror configuration")
	f.StringArray("add-upstream", nil, "Also chain this installation root as an upstream (repeatable)")
	f.Bool("update-recipes", false, "Pull repository clones, new or left by an earlier run, from upstream_origin")
	f.Bool("update-extensions", false, "Pull extension clones, new or left by an earlier run, from upstream_origin")
	f.String("upstream-padding", string(core.UpstreamPaddingSource), "Upstream install tree padding: source or none")
	rootCmd.AddCommand(createCmd)
}
