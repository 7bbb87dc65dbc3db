package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/barysiuk/subspack/internal/ctxlog"
)

// ListEnvironments returns the names of the environments of an installation,
// in directory order. Hidden entries are ignored.
func ListEnvironments(l Layout) ([]string, error) {
	entries, err := os.ReadDir(l.EnvironmentsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing environments: %w", err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// SymlinkEnvironments links every environment of the source installation by
// name into dest. A link already pointing at the same environment is left
// alone; any other existing entry is a *CollisionError, which stops the
// stage. Links made before the collision are kept.
func SymlinkEnvironments(ctx context.Context, source, dest Layout) ([]Action, error) {
	log := ctxlog.FromContext(ctx)

	names, err := ListEnvironments(source)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dest.EnvironmentsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("creating environments directory: %w", err)
	}

	var actions []Action
	for _, name := range names {
		src := source.Environment(name)
		dst := dest.Environment(name)

		if info, err := os.Lstat(dst); err == nil {
			if info.Mode()&os.ModeSymlink != 0 {
				if target, _ := os.Readlink(dst); target == src {
					actions = append(actions, Action{Stage: StageEnvironments, Path: dst, Outcome: OutcomeSkipped, Detail: "already linked"})
					continue
				}
			}
			return actions, &CollisionError{Name: name, Path: dst, Existing: describeEntry(dst, info)}
		}

		if err := os.Symlink(src, dst); err != nil {
			return actions, fmt.Errorf("linking environment %q: %w", name, err)
		}
		log.Debug("linked environment", "name", name, "target", src)
		actions = append(actions, Action{Stage: StageEnvironments, Path: dst, Outcome: OutcomeCreated, Detail: "symlink"})
	}
	return actions, nil
}

func describeEntry(path string, info os.FileInfo) string {
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, _ := os.Readlink(path)
		return "symlink to " + target
	case info.IsDir():
		return "directory"
	default:
		return "file"
	}
}

// MaterializeLocals creates a writable local_<name> copy of each named
// source environment and marks devPkgs editable in every copy. The manifest
// is required, the lock file is optional. Failures are recorded per name
// and per package; remaining names are still attempted.
func MaterializeLocals(ctx context.Context, tc *Toolchain, source Layout, names, devPkgs []string) ([]Action, []Problem) {
	log := ctxlog.FromContext(ctx)
	dest := NewLayout(tc.Root())

	var (
		actions  []Action
		problems []Problem
	)
	for _, name := range names {
		local := LocalEnvName(name)
		dstDir := dest.Environment(local)

		got, err := copyEnvironment(source.Environment(name), dstDir, name)
		actions = append(actions, got...)
		if err != nil {
			log.Error("could not materialize environment", "name", name, "error", err)
			problems = append(problems, Problem{Stage: StageEnvironments, Name: name, Err: err})
			continue
		}

		for _, pkg := range devPkgs {
			if err := tc.Develop(ctx, local, pkg); err != nil {
				log.Error("could not mark package editable", "env", local, "package", pkg, "error", err)
				problems = append(problems, Problem{Stage: StageEnvironments, Name: local + "/" + pkg, Err: err})
				actions = append(actions, Action{Stage: StageEnvironments, Path: dstDir, Outcome: OutcomeFailed, Detail: "develop " + pkg})
				continue
			}
			actions = append(actions, Action{Stage: StageEnvironments, Path: dstDir, Outcome: OutcomeUpdated, Detail: "develop " + pkg})
		}
	}
	return actions, problems
}

// copyEnvironment seeds dstDir from the manifest and lock file in srcDir. An
// existing copy is kept as it is, since it may carry local edits.
func copyEnvironment(srcDir, dstDir, name string) ([]Action, error) {
	manifest := filepath.Join(srcDir, manifestFile)
	if !fileExists(manifest) {
		return nil, &SourceNotFoundError{Kind: "environment", Name: name, Path: srcDir}
	}
	if info, err := os.Lstat(dstDir); err == nil && !info.IsDir() {
		// A linked environment belongs to another installation.
		return nil, &CollisionError{Name: filepath.Base(dstDir), Path: dstDir, Existing: describeEntry(dstDir, info)}
	}
	if dirExists(dstDir) {
		return []Action{{Stage: StageEnvironments, Path: dstDir, Outcome: OutcomeSkipped, Detail: "local copy exists"}}, nil
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dstDir, err)
	}

	for _, f := range []string{manifestFile, lockFile} {
		src := filepath.Join(srcDir, f)
		if !fileExists(src) {
			continue
		}
		if err := copyFile(src, filepath.Join(dstDir, f)); err != nil {
			return nil, fmt.Errorf("copying %s of %q: %w", f, name, err)
		}
	}
	return []Action{{Stage: StageEnvironments, Path: dstDir, Outcome: OutcomeCreated, Detail: "local copy of " + name}}, nil
}
