// Package core provides the provisioning logic for subspack.
// It has zero UI dependencies and is independently testable.
package core

import "errors"

// Stage names one step of a provisioning run.
type Stage string

const (
	StageTree         Stage = "tree"
	StageExtensions   Stage = "extensions"
	StageRepos        Stage = "repos"
	StageUpstreams    Stage = "upstreams"
	StageConfig       Stage = "config"
	StageEnvironments Stage = "environments"
	StagePolicy       Stage = "policy"
)

// Outcome describes what a stage did to a destination path.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeSkipped Outcome = "skipped"
	OutcomeUpdated Outcome = "updated"
	OutcomeFailed  Outcome = "failed"
)

// Action records the effect of a stage on a single destination path.
type Action struct {
	Stage   Stage
	Path    string
	Outcome Outcome
	Detail  string // e.g. "symlink", "shallow clone", "destination exists"
}

// Remote is the resolved clone source for the main toolchain tree.
type Remote struct {
	URL       string // what git clones from; file:// for local sources
	Branch    string // empty means "no branch pin"
	LocalPath string // filesystem path when the source is local, else empty
}

// IsLocal reports whether the remote lives on the local filesystem.
func (r Remote) IsLocal() bool {
	return r.LocalPath != ""
}

// RepoSource is a recipe repository or extension declared by the source
// installation, with both ends already resolved to absolute paths.
type RepoSource struct {
	Name        string
	Source      string
	Destination string
	Branch      string // optional; the source's current branch is used for updates when empty
}

// UpstreamEntry is one install tree the new instance consults for
// previously built artifacts.
type UpstreamEntry struct {
	Key         string            `yaml:"-"`
	InstallTree string            `yaml:"install_tree"`
	Modules     map[string]string `yaml:"modules,omitempty"`
}

// UpstreamPadding selects how the install-tree root recorded for an
// upstream is computed when that upstream pads its install paths.
type UpstreamPadding string

const (
	// UpstreamPaddingSource follows the upstream's own padded_length setting
	// and records the real, padded root.
	UpstreamPaddingSource UpstreamPadding = "source"
	// UpstreamPaddingNone always records the nominal root.
	UpstreamPaddingNone UpstreamPadding = "none"
)

// Options configures a provisioning run.
type Options struct {
	Prefix           string   // destination of the new instance
	SourceRoot       string   // root of the running (source) installation
	Remote           string   // clone source; defaults to <SourceRoot>/.git
	RemoteBranch     string   // explicit branch; auto-detected for local remotes
	LocalEnvs        []string // environments to copy as local_<name>
	DevPackages      []string // packages marked editable in each local copy
	WithPadding      bool
	PaddingLength    int
	WithoutCaches    bool     // exclude mirror definitions from copied config
	AddUpstreams     []string // extra installation roots to chain in
	UpdateRecipes    bool     // pull recipe repos from upstream_origin after cloning
	UpdateExtensions bool     // pull extensions from upstream_origin after cloning
	UpstreamPadding  UpstreamPadding
}

// Problem is a failure that was recorded without stopping the run.
type Problem struct {
	Stage Stage
	Name  string // environment or package the failure concerns
	Err   error
}

func (p Problem) Error() string {
	return string(p.Stage) + ": " + p.Name + ": " + p.Err.Error()
}

func (p Problem) Unwrap() error { return p.Err }

// Report is the outcome of a provisioning run.
type Report struct {
	Prefix   string
	Actions  []Action
	Problems []Problem
}

// Err joins the recorded problems, or returns nil when there are none.
func (r *Report) Err() error {
	if len(r.Problems) == 0 {
		return nil
	}
	errs := make([]error, len(r.Problems))
	for i, p := range r.Problems {
		errs[i] = p
	}
	return errors.Join(errs...)
}
