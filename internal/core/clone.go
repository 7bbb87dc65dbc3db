package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/barysiuk/subspack/internal/ctxlog"
)

// CloneEngine copies the toolchain tree, its extensions and its recipe
// repositories into a new instance. Version-controlled sources are shallow
// cloned; plain directories are symlinked.
type CloneEngine struct {
	git *Git
}

// NewCloneEngine creates a CloneEngine.
func NewCloneEngine(git *Git) *CloneEngine {
	return &CloneEngine{git: git}
}

// ShallowClone is the first phase of binding a source: a depth-bounded clone
// from remote into dest. Local sources are trusted through safe.directory
// for the duration of the clone only.
func (e *CloneEngine) ShallowClone(ctx context.Context, remote Remote, dest string) error {
	return e.trusted(ctx, remote, func() error {
		return e.clone(ctx, remote, dest)
	})
}

// BindUpstreamOrigin is the second phase: it records the source's own
// "origin" as "upstream_origin" in dest so later pulls reach the true origin
// rather than the local shallow copy. It returns the bound URL, or "" when
// the source has no origin or its origin cannot be read.
func (e *CloneEngine) BindUpstreamOrigin(ctx context.Context, remote Remote, dest string) (string, error) {
	var origin string
	err := e.trusted(ctx, remote, func() (err error) {
		origin, err = e.bindOrigin(ctx, remote.LocalPath, dest)
		return err
	})
	return origin, err
}

// trusted runs fn with a local source on the safe.directory allow-list, so
// that every git command reading the source inside fn is accepted even when
// another user owns it.
func (e *CloneEngine) trusted(ctx context.Context, remote Remote, fn func() error) error {
	if !remote.IsLocal() {
		return fn()
	}
	return e.git.WithSafeDirectories(ctx, trustPaths(remote.LocalPath), fn)
}

func (e *CloneEngine) clone(ctx context.Context, remote Remote, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating parent of %s: %w", dest, err)
	}
	return e.git.Clone(ctx, remote.URL, remote.Branch, dest)
}

func (e *CloneEngine) bindOrigin(ctx context.Context, src, dest string) (string, error) {
	origin, err := e.git.OriginURL(ctx, src)
	if err != nil {
		ctxlog.FromContext(ctx).Warn("could not read origin of source, not binding "+upstreamOriginRemote,
			"source", src, "error", err)
		return "", nil
	}
	if origin == "" {
		return "", nil
	}
	if err := e.git.AddRemote(ctx, dest, upstreamOriginRemote, origin); err != nil {
		return "", err
	}
	return origin, nil
}

// CloneTree clones the main toolchain tree into prefix. For a local source
// the clone and the origin lookup share one trusted scope.
func (e *CloneEngine) CloneTree(ctx context.Context, remote Remote, prefix string) ([]Action, error) {
	log := ctxlog.FromContext(ctx)

	if isGitCheckout(prefix) {
		log.Info("toolchain tree already present", "prefix", prefix)
		return []Action{{Stage: StageTree, Path: prefix, Outcome: OutcomeSkipped, Detail: "already a git checkout"}}, nil
	}

	var actions []Action
	err := e.trusted(ctx, remote, func() error {
		if err := e.clone(ctx, remote, prefix); err != nil {
			return err
		}
		actions = append(actions, Action{Stage: StageTree, Path: prefix, Outcome: OutcomeCreated, Detail: describeClone(remote)})
		if !remote.IsLocal() {
			return nil
		}
		origin, err := e.bindOrigin(ctx, remote.LocalPath, prefix)
		if err != nil {
			return err
		}
		if origin != "" {
			actions = append(actions, Action{Stage: StageTree, Path: prefix, Outcome: OutcomeUpdated, Detail: upstreamOriginRemote + " -> " + origin})
		}
		return nil
	})
	if err != nil {
		return actions, err
	}
	return actions, nil
}

// CloneExtensions provisions every extension directory under the
// instance's extensions directory, named after the source's base name.
func (e *CloneEngine) CloneExtensions(ctx context.Context, layout Layout, paths []string, update bool) ([]Action, error) {
	var actions []Action
	for _, path := range paths {
		src := RepoSource{
			Name:        filepath.Base(path),
			Source:      path,
			Destination: filepath.Join(layout.ExtensionsDir(), filepath.Base(path)),
		}
		got, err := e.provision(ctx, StageExtensions, "extension", src, update)
		actions = append(actions, got...)
		if err != nil {
			return actions, err
		}
	}
	return actions, nil
}

// CloneRepos provisions every recipe repository.
func (e *CloneEngine) CloneRepos(ctx context.Context, repos []RepoSource, update bool) ([]Action, error) {
	var actions []Action
	for _, repo := range repos {
		got, err := e.provision(ctx, StageRepos, "repository", repo, update)
		actions = append(actions, got...)
		if err != nil {
			return actions, err
		}
	}
	return actions, nil
}

// provision applies the decision rule: version-controlled sources are
// cloned, anything else is linked. An existing destination is left alone
// unless update is set and it is a clone that can be pulled.
func (e *CloneEngine) provision(ctx context.Context, stage Stage, kind string, src RepoSource, update bool) ([]Action, error) {
	log := ctxlog.FromContext(ctx)

	if !pathExists(src.Source) {
		return nil, &SourceNotFoundError{Kind: kind, Name: src.Name, Path: src.Source}
	}
	if pathExists(src.Destination) {
		if update && isGitCheckout(src.Destination) {
			return e.pullExisting(ctx, stage, src)
		}
		log.Debug("destination exists, skipping", "kind", kind, "dest", src.Destination)
		return []Action{{Stage: stage, Path: src.Destination, Outcome: OutcomeSkipped, Detail: "destination exists"}}, nil
	}

	if !isGitCheckout(src.Source) {
		if err := os.MkdirAll(filepath.Dir(src.Destination), 0o755); err != nil {
			return nil, fmt.Errorf("creating parent of %s: %w", src.Destination, err)
		}
		log.Debug("symlinking", "kind", kind, "src", src.Source, "dest", src.Destination)
		if err := os.Symlink(src.Source, src.Destination); err != nil {
			return nil, fmt.Errorf("linking %s %q: %w", kind, src.Name, err)
		}
		return []Action{{Stage: stage, Path: src.Destination, Outcome: OutcomeCreated, Detail: "symlink"}}, nil
	}

	// Everything that reads the source happens in one trusted scope.
	remote := Remote{URL: fileScheme + filepath.Join(src.Source, ".git"), Branch: src.Branch, LocalPath: src.Source}
	var (
		actions []Action
		origin  string
		branch  = src.Branch
	)
	err := e.trusted(ctx, remote, func() error {
		if err := e.clone(ctx, remote, src.Destination); err != nil {
			return fmt.Errorf("cloning %s %q: %w", kind, src.Name, err)
		}
		actions = append(actions, Action{Stage: stage, Path: src.Destination, Outcome: OutcomeCreated, Detail: describeClone(remote)})

		var err error
		if origin, err = e.bindOrigin(ctx, src.Source, src.Destination); err != nil {
			return err
		}
		if update && origin != "" && branch == "" {
			if branch, err = e.git.CurrentBranch(ctx, src.Source); err != nil {
				return fmt.Errorf("detecting branch of %s: %w", src.Source, err)
			}
		}
		return nil
	})
	if err != nil {
		return actions, err
	}
	if !update || origin == "" {
		return actions, nil
	}

	if err := e.git.Pull(ctx, src.Destination, upstreamOriginRemote, branch); err != nil {
		return actions, err
	}
	actions = append(actions, Action{Stage: stage, Path: src.Destination, Outcome: OutcomeUpdated, Detail: "pulled " + upstreamOriginRemote})
	return actions, nil
}

// pullExisting updates a clone made by an earlier run from its
// upstream_origin. A clone without that remote is left alone.
func (e *CloneEngine) pullExisting(ctx context.Context, stage Stage, src RepoSource) ([]Action, error) {
	url, err := e.git.RemoteURL(ctx, src.Destination, upstreamOriginRemote)
	if err != nil {
		return nil, fmt.Errorf("reading remotes of %s: %w", src.Destination, err)
	}
	if url == "" {
		return []Action{{Stage: stage, Path: src.Destination, Outcome: OutcomeSkipped, Detail: "no " + upstreamOriginRemote}}, nil
	}

	branch := src.Branch
	if branch == "" {
		if branch, err = e.git.CurrentBranch(ctx, src.Destination); err != nil {
			return nil, fmt.Errorf("detecting branch of %s: %w", src.Destination, err)
		}
	}
	if err := e.git.Pull(ctx, src.Destination, upstreamOriginRemote, branch); err != nil {
		return nil, err
	}
	return []Action{{Stage: stage, Path: src.Destination, Outcome: OutcomeUpdated, Detail: "pulled " + upstreamOriginRemote}}, nil
}

func describeClone(remote Remote) string {
	if remote.Branch == "" {
		return "shallow clone"
	}
	return "shallow clone of " + remote.Branch
}
