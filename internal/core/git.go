package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/barysiuk/subspack/internal/ctxlog"
)

const (
	// cloneDepth keeps one parent commit so pulls against a tracked
	// upstream work without full history.
	cloneDepth = 2

	originRemote         = "origin"
	upstreamOriginRemote = "upstream_origin"
	safeDirectoryKey     = "safe.directory"
)

// Git drives the git executable through a Runner.
type Git struct {
	runner Runner
	binary string
}

// NewGit creates a Git that runs "git" through runner.
func NewGit(runner Runner) *Git {
	return &Git{runner: runner, binary: "git"}
}

// Require reports a ConfigurationError when the git executable is missing.
func (g *Git) Require() error {
	if _, err := exec.LookPath(g.binary); err != nil {
		return &ConfigurationError{Reason: "git is required but was not found in PATH", Err: err}
	}
	return nil
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	res, err := g.runner.Run(ctx, Command{Name: g.binary, Args: args, Dir: dir})
	if err != nil {
		return res.Combined(), err
	}
	return res.Stdout, nil
}

// Clone makes a shallow clone of url at dest, pinned to branch when set.
func (g *Git) Clone(ctx context.Context, url, branch, dest string) error {
	args := []string{"clone", "-q", "--depth", strconv.Itoa(cloneDepth)}
	if branch != "" {
		args = append(args, "-b", branch)
	}
	args = append(args, url, dest)

	ctxlog.FromContext(ctx).Debug("cloning", "url", url, "branch", branch, "dest", dest)
	if _, err := g.run(ctx, "", args...); err != nil {
		return fmt.Errorf("cloning %s: %w", url, err)
	}
	return nil
}

// CurrentBranch returns the branch checked out in repo, or "" on a detached HEAD.
func (g *Git) CurrentBranch(ctx context.Context, repo string) (string, error) {
	out, err := g.run(ctx, repo, "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// OriginURL returns the URL of the "origin" remote of repo, or "" if it has none.
func (g *Git) OriginURL(ctx context.Context, repo string) (string, error) {
	return g.RemoteURL(ctx, repo, originRemote)
}

// RemoteURL returns the fetch URL of the named remote of repo, or "" if
// there is no such remote.
func (g *Git) RemoteURL(ctx context.Context, repo, name string) (string, error) {
	out, err := g.run(ctx, repo, "remote", "-v")
	if err != nil {
		return "", err
	}
	return parseRemoteURL(out, name), nil
}

// parseRemoteURL finds the fetch URL of the named remote in `git remote -v` output.
func parseRemoteURL(output, name string) string {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == name {
			return fields[1]
		}
	}
	return ""
}

// AddRemote registers a named remote in repo.
func (g *Git) AddRemote(ctx context.Context, repo, name, url string) error {
	if _, err := g.run(ctx, repo, "remote", "add", name, url); err != nil {
		return fmt.Errorf("adding remote %s to %s: %w", name, repo, err)
	}
	return nil
}

// Pull fetches and merges branch from the named remote into repo.
func (g *Git) Pull(ctx context.Context, repo, remote, branch string) error {
	args := []string{"pull", "-q", remote}
	if branch != "" {
		args = append(args, branch)
	}
	if _, err := g.run(ctx, repo, args...); err != nil {
		return fmt.Errorf("pulling %s into %s: %w", remote, repo, err)
	}
	return nil
}

// SafeDirectories lists the global safe.directory allow-list.
func (g *Git) SafeDirectories(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "", "config", "--global", "--get-all", safeDirectoryKey)
	if err != nil {
		// Exit status 1 means the key is unset.
		if te, ok := IsExternalToolError(err); ok && te.ExitCode == 1 {
			return nil, nil
		}
		return nil, err
	}
	var dirs []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			dirs = append(dirs, line)
		}
	}
	return dirs, nil
}

// AddSafeDirectory appends path to the global safe.directory allow-list.
func (g *Git) AddSafeDirectory(ctx context.Context, path string) error {
	if _, err := g.run(ctx, "", "config", "--global", "--add", safeDirectoryKey, path); err != nil {
		return fmt.Errorf("trusting %s: %w", path, err)
	}
	return nil
}

// RemoveSafeDirectory removes exactly path from the global allow-list.
func (g *Git) RemoveSafeDirectory(ctx context.Context, path string) error {
	pattern := "^" + regexp.QuoteMeta(path) + "$"
	if _, err := g.run(ctx, "", "config", "--global", "--unset", safeDirectoryKey, pattern); err != nil {
		return fmt.Errorf("untrusting %s: %w", path, err)
	}
	return nil
}

// WithSafeDirectory runs fn with path on the global safe.directory
// allow-list. The marker is removed on every exit path, and is left alone
// entirely when path was already trusted before the call.
func (g *Git) WithSafeDirectory(ctx context.Context, path string, fn func() error) error {
	return g.WithSafeDirectories(ctx, []string{path}, fn)
}

// WithSafeDirectories is WithSafeDirectory for several paths at once. Only
// the entries it added are removed afterwards.
func (g *Git) WithSafeDirectories(ctx context.Context, paths []string, fn func() error) (err error) {
	existing, err := g.SafeDirectories(ctx)
	if err != nil {
		return err
	}
	trusted := make(map[string]bool, len(existing))
	for _, dir := range existing {
		trusted[dir] = true
	}

	var added []string
	defer func() {
		for i := len(added) - 1; i >= 0; i-- {
			if rmErr := g.RemoveSafeDirectory(ctx, added[i]); rmErr != nil {
				err = errors.Join(err, rmErr)
			}
		}
	}()
	for _, path := range paths {
		if trusted[path] {
			continue
		}
		if err := g.AddSafeDirectory(ctx, path); err != nil {
			return err
		}
		trusted[path] = true
		added = append(added, path)
	}
	return fn()
}

// trustPaths returns the paths git checks for ownership when it reads the
// repository at path: the working tree and its .git directory.
func trustPaths(path string) []string {
	path = filepath.Clean(path)
	if filepath.Base(path) == ".git" {
		return []string{path, filepath.Dir(path)}
	}
	if dirExists(filepath.Join(path, ".git")) {
		return []string{path, filepath.Join(path, ".git")}
	}
	return []string{path}
}

// isGitCheckout reports whether dir holds a git working tree or bare .git.
func isGitCheckout(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}
