package core

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/barysiuk/subspack/internal/ctxlog"
)

const fileScheme = "file://"

// ResolvePrefix turns a user-supplied destination into a clean absolute path.
func ResolvePrefix(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", &ConfigurationError{Reason: "destination prefix is required"}
	}
	abs, err := filepath.Abs(expandPath(path))
	if err != nil {
		return "", fmt.Errorf("resolving prefix: %w", err)
	}
	return abs, nil
}

// isLocalPath reports whether a remote names a filesystem location.
func isLocalPath(input string) bool {
	return strings.HasPrefix(input, "/") ||
		strings.HasPrefix(input, "./") ||
		strings.HasPrefix(input, "../") ||
		strings.HasPrefix(input, "~/") ||
		strings.HasPrefix(input, fileScheme)
}

// ResolveRemote chooses what the main tree is cloned from.
//
// An empty remote means the source installation's own repository. A local
// remote without an explicit branch is pinned to the branch currently checked
// out there, read with the path on the safe.directory allow-list; if that
// cannot be determined the clone is not pinned. Local
// remotes are always cloned through a file:// URL so that --depth applies.
func ResolveRemote(ctx context.Context, git *Git, remote, branch, sourceRoot string) (Remote, error) {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		if sourceRoot == "" {
			return Remote{}, &ConfigurationError{Reason: "no --remote given and " + RootEnvVar + " is not set"}
		}
		remote = NewLayout(sourceRoot).GitDir()
	}

	if !isLocalPath(remote) {
		return Remote{URL: remote, Branch: branch}, nil
	}

	local := strings.TrimPrefix(remote, fileScheme)
	local, err := filepath.Abs(expandPath(local))
	if err != nil {
		return Remote{}, fmt.Errorf("resolving remote path: %w", err)
	}

	if branch == "" {
		// Detection reads the source, which may belong to another user.
		err := git.WithSafeDirectories(ctx, trustPaths(local), func() (err error) {
			branch, err = git.CurrentBranch(ctx, local)
			return err
		})
		if err != nil {
			ctxlog.FromContext(ctx).Warn("could not detect source branch, cloning default branch",
				"path", local, "error", err)
			branch = ""
		}
	}

	return Remote{
		URL:       fileScheme + local,
		Branch:    branch,
		LocalPath: local,
	}, nil
}
