package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/barysiuk/subspack/internal/ctxlog"
)

// Orchestrator runs the provisioning stages in order: tree, extensions,
// repos, upstreams, config, environments, policy. Stages are not rolled
// back when a later one fails; each reports what it did to its paths.
type Orchestrator struct {
	runner Runner
	git    *Git
	clones *CloneEngine
	newKey KeyFunc
}

// NewOrchestrator creates an Orchestrator. A nil runner uses an ExecRunner
// and a nil newKey uses TimestampKey.
func NewOrchestrator(runner Runner, newKey KeyFunc) *Orchestrator {
	if runner == nil {
		runner = NewExecRunner()
	}
	if newKey == nil {
		newKey = TimestampKey
	}
	git := NewGit(runner)
	return &Orchestrator{
		runner: runner,
		git:    git,
		clones: NewCloneEngine(git),
		newKey: newKey,
	}
}

// Provision stands up a new instance at opts.Prefix derived from the
// installation at opts.SourceRoot.
//
// Fatal errors stop the run at the failing stage and are returned together
// with the partial report. Per-name environment failures and environment
// collisions are recorded in Report.Problems and the run continues.
func (o *Orchestrator) Provision(ctx context.Context, opts Options) (*Report, error) {
	log := ctxlog.FromContext(ctx)

	prefix, err := ResolvePrefix(opts.Prefix)
	if err != nil {
		return nil, err
	}
	report := &Report{Prefix: prefix}

	if opts.SourceRoot == "" {
		return report, &ConfigurationError{Reason: RootEnvVar + " is not set; run from a source installation"}
	}
	sourceRoot, err := filepath.Abs(expandPath(opts.SourceRoot))
	if err != nil {
		return report, fmt.Errorf("resolving source root: %w", err)
	}
	if sourceRoot == prefix {
		return report, &ConfigurationError{Reason: "destination prefix is the source installation itself"}
	}
	padding, err := ParseUpstreamPadding(string(opts.UpstreamPadding))
	if err != nil {
		return report, err
	}
	paddingLength := opts.PaddingLength
	if paddingLength == 0 {
		paddingLength = DefaultPaddingLength
	}
	if err := o.git.Require(); err != nil {
		return report, err
	}

	source := NewLayout(sourceRoot)
	dest := NewLayout(prefix)

	// Everything that can be rejected from configuration alone is checked
	// before the first clone.
	settings, err := LoadSettings(SourceScopes(sourceRoot)...)
	if err != nil {
		return report, &ConfigurationError{Reason: "reading source configuration", Err: err}
	}
	plan, err := PlanRepos(settings, source, dest)
	if err != nil {
		return report, err
	}
	remote, err := ResolveRemote(ctx, o.git, opts.Remote, opts.RemoteBranch, sourceRoot)
	if err != nil {
		return report, err
	}
	log.Info("provisioning instance", "prefix", prefix, "source", sourceRoot, "remote", remote.URL, "branch", remote.Branch)

	record := func(stage Stage, actions []Action, err error) error {
		report.Actions = append(report.Actions, actions...)
		if err != nil {
			return fmt.Errorf("%s: %w", stage, err)
		}
		return nil
	}

	// Tree
	actions, err := o.clones.CloneTree(ctx, remote, prefix)
	if err := record(StageTree, actions, err); err != nil {
		return report, err
	}

	// Extensions
	var extensions []string
	for _, p := range settings.Strings("config:extensions") {
		extensions = append(extensions, canonicalizePath(source, p))
	}
	actions, err = o.clones.CloneExtensions(ctx, dest, extensions, opts.UpdateExtensions)
	if err := record(StageExtensions, actions, err); err != nil {
		return report, err
	}

	// Repos
	actions, err = o.clones.CloneRepos(ctx, plan.Sources, opts.UpdateRecipes)
	if err := record(StageRepos, actions, err); err != nil {
		return report, err
	}
	if a, ok, err := WriteReposConfig(dest, plan); err != nil {
		return report, record(StageRepos, nil, err)
	} else if ok {
		report.Actions = append(report.Actions, a)
	}

	// Upstreams
	builder := NewUpstreamBuilder(o.runner, o.newKey, padding)
	_, actions, err = builder.AppendSource(ctx, dest, sourceRoot, settings)
	if err := record(StageUpstreams, actions, err); err != nil {
		return report, err
	}
	if len(opts.AddUpstreams) > 0 {
		_, actions, err = builder.AddUpstreams(ctx, dest, opts.AddUpstreams)
		if err := record(StageUpstreams, actions, err); err != nil {
			return report, err
		}
	}

	// Config
	actions, err = SelectAndCopy(ctx, source, dest, !opts.WithoutCaches)
	if err := record(StageConfig, actions, err); err != nil {
		return report, err
	}
	base, err := EnsureBaseScope(dest)
	if err != nil {
		return report, record(StageConfig, nil, err)
	}
	report.Actions = append(report.Actions, base)
	tc := NewToolchain(prefix, o.runner)
	if a, ok := RederiveBootstrapRoot(ctx, tc, source, settings); ok {
		report.Actions = append(report.Actions, a)
	}

	// Environments
	actions, err = SymlinkEnvironments(ctx, source, dest)
	report.Actions = append(report.Actions, actions...)
	if err != nil {
		var collision *CollisionError
		if !errors.As(err, &collision) {
			return report, fmt.Errorf("%s: %w", StageEnvironments, err)
		}
		log.Error("environment collision, remaining environments not linked", "error", err)
		report.Problems = append(report.Problems, Problem{Stage: StageEnvironments, Name: collision.Name, Err: err})
	}
	actions, problems := MaterializeLocals(ctx, tc, source, opts.LocalEnvs, opts.DevPackages)
	report.Actions = append(report.Actions, actions...)
	report.Problems = append(report.Problems, problems...)

	// Policy
	if a, ok, err := ApplyPadding(dest, opts.WithPadding, paddingLength); err != nil {
		return report, record(StagePolicy, nil, err)
	} else if ok {
		report.Actions = append(report.Actions, a)
	}
	actions, err = WriteActivationScripts(dest)
	if err := record(StagePolicy, actions, err); err != nil {
		return report, err
	}

	log.Info("instance ready", "prefix", prefix, "actions", len(report.Actions), "problems", len(report.Problems))
	return report, nil
}

// AddUpstreams chains further installations into an existing instance.
func (o *Orchestrator) AddUpstreams(ctx context.Context, prefix string, roots []string, padding UpstreamPadding) (*Report, error) {
	prefix, err := ResolvePrefix(prefix)
	if err != nil {
		return nil, err
	}
	report := &Report{Prefix: prefix}

	if !dirExists(prefix) {
		return report, &SourceNotFoundError{Kind: "instance", Name: filepath.Base(prefix), Path: prefix}
	}
	if len(roots) == 0 {
		return report, &ConfigurationError{Reason: "at least one upstream root is required"}
	}
	padding, err = ParseUpstreamPadding(string(padding))
	if err != nil {
		return report, err
	}

	builder := NewUpstreamBuilder(o.runner, o.newKey, padding)
	_, actions, err := builder.AddUpstreams(ctx, NewLayout(prefix), roots)
	report.Actions = append(report.Actions, actions...)
	if err != nil {
		return report, fmt.Errorf("%s: %w", StageUpstreams, err)
	}
	return report, nil
}
