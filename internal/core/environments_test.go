package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEnvironment(t *testing.T, l Layout, name string, withLock bool) {
	t.Helper()
	writeTestFile(t, filepath.Join(l.Environment(name), manifestFile), "spack:\n  specs: [zlib]\n")
	if withLock {
		writeTestFile(t, filepath.Join(l.Environment(name), lockFile), "{}\n")
	}
}

func TestListEnvironments(t *testing.T) {
	l := NewLayout(t.TempDir())
	names, err := ListEnvironments(l)
	require.NoError(t, err)
	assert.Empty(t, names)

	makeEnvironment(t, l, "b", false)
	makeEnvironment(t, l, "a", false)
	writeTestFile(t, filepath.Join(l.EnvironmentsDir(), ".lock"), "")

	names, err = ListEnvironments(l)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestSymlinkEnvironments(t *testing.T) {
	source := NewLayout(t.TempDir())
	dest := NewLayout(t.TempDir())
	makeEnvironment(t, source, "env1", true)
	makeEnvironment(t, source, "env2", false)

	actions, err := SymlinkEnvironments(context.Background(), source, dest)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	for i, name := range []string{"env1", "env2"} {
		target, err := os.Readlink(dest.Environment(name))
		require.NoError(t, err)
		assert.Equal(t, source.Environment(name), target)
		assert.Equal(t, OutcomeCreated, actions[i].Outcome)
	}

	// Running again against the same source changes nothing.
	actions, err = SymlinkEnvironments(context.Background(), source, dest)
	require.NoError(t, err)
	for _, a := range actions {
		assert.Equal(t, OutcomeSkipped, a.Outcome)
	}
}

func TestSymlinkEnvironmentsCollision(t *testing.T) {
	source := NewLayout(t.TempDir())
	dest := NewLayout(t.TempDir())
	for _, name := range []string{"a", "b", "c"} {
		makeEnvironment(t, source, name, false)
	}
	// A diverged environment of the same name already lives at the destination.
	makeEnvironment(t, dest, "b", false)

	actions, err := SymlinkEnvironments(context.Background(), source, dest)

	ce, ok := IsCollisionError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, "b", ce.Name)
	assert.Equal(t, "directory", ce.Existing)

	require.Len(t, actions, 1, "earlier links are kept")
	target, err := os.Readlink(dest.Environment("a"))
	require.NoError(t, err)
	assert.Equal(t, source.Environment("a"), target)

	info, err := os.Lstat(dest.Environment("b"))
	require.NoError(t, err)
	assert.True(t, info.IsDir(), "existing environment untouched")
}

func TestSymlinkEnvironmentsForeignLinkCollides(t *testing.T) {
	source := NewLayout(t.TempDir())
	dest := NewLayout(t.TempDir())
	makeEnvironment(t, source, "a", false)
	require.NoError(t, os.MkdirAll(dest.EnvironmentsDir(), 0o755))
	require.NoError(t, os.Symlink("/somewhere/else", dest.Environment("a")))

	_, err := SymlinkEnvironments(context.Background(), source, dest)
	ce, ok := IsCollisionError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, "symlink to /somewhere/else", ce.Existing)
}

func TestSymlinkEnvironmentsWithoutSourceEnvironments(t *testing.T) {
	dest := NewLayout(t.TempDir())
	actions, err := SymlinkEnvironments(context.Background(), NewLayout(t.TempDir()), dest)
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.True(t, dirExists(dest.EnvironmentsDir()), "environments directory is created")
}

func TestMaterializeLocals(t *testing.T) {
	source := NewLayout(t.TempDir())
	dest := NewLayout(t.TempDir())
	makeEnvironment(t, source, "locked", true)
	makeEnvironment(t, source, "unlocked", false)

	r := &fakeRunner{}
	actions, problems := MaterializeLocals(context.Background(), NewToolchain(dest.Root, r),
		source, []string{"missing", "locked", "unlocked"}, []string{"pkgA", "pkgB"})

	require.Len(t, problems, 1)
	assert.Equal(t, "missing", problems[0].Name)
	_, ok := IsSourceNotFoundError(problems[0])
	assert.True(t, ok)

	locked := dest.Environment("local_locked")
	assert.True(t, fileExists(filepath.Join(locked, manifestFile)))
	assert.True(t, fileExists(filepath.Join(locked, lockFile)))
	info, err := os.Lstat(locked)
	require.NoError(t, err)
	assert.True(t, info.IsDir(), "a copy, not a link")

	unlocked := dest.Environment("local_unlocked")
	assert.True(t, fileExists(filepath.Join(unlocked, manifestFile)))
	assert.False(t, pathExists(filepath.Join(unlocked, lockFile)), "missing lock file is fine")

	bin := dest.Executable()
	assert.Equal(t, []string{
		bin + " --env local_locked develop pkgA",
		bin + " --env local_locked develop pkgB",
		bin + " --env local_unlocked develop pkgA",
		bin + " --env local_unlocked develop pkgB",
	}, r.lines())
	for _, c := range r.calls {
		assert.Equal(t, []string{RootEnvVar + "=" + dest.Root}, c.Env)
	}

	var created int
	for _, a := range actions {
		if a.Outcome == OutcomeCreated {
			created++
		}
	}
	assert.Equal(t, 2, created)
}

func TestMaterializeLocalsDevelopFailureContinues(t *testing.T) {
	source := NewLayout(t.TempDir())
	dest := NewLayout(t.TempDir())
	makeEnvironment(t, source, "env1", false)
	makeEnvironment(t, source, "env2", false)

	boom := errors.New("exit status 1")
	r := &fakeRunner{respond: func(c Command) (Result, error) {
		if c.Args[3] == "broken" {
			return Result{}, ClassifyToolError(c, 1, "==> Error: broken is not a package", boom)
		}
		return Result{}, nil
	}}
	_, problems := MaterializeLocals(context.Background(), NewToolchain(dest.Root, r),
		source, []string{"env1", "env2"}, []string{"broken", "ok"})

	require.Len(t, problems, 2)
	assert.Equal(t, "local_env1/broken", problems[0].Name)
	assert.Equal(t, "local_env2/broken", problems[1].Name)
	assert.ErrorIs(t, problems[0], boom)
	assert.Len(t, r.calls, 4, "every package is attempted in every copy")
}

func TestMaterializeLocalsKeepsExistingCopy(t *testing.T) {
	source := NewLayout(t.TempDir())
	dest := NewLayout(t.TempDir())
	makeEnvironment(t, source, "env1", true)
	writeTestFile(t, filepath.Join(dest.Environment("local_env1"), manifestFile), "edited\n")

	actions, problems := MaterializeLocals(context.Background(), NewToolchain(dest.Root, &fakeRunner{}),
		source, []string{"env1"}, nil)
	require.Empty(t, problems)
	require.Len(t, actions, 1)
	assert.Equal(t, OutcomeSkipped, actions[0].Outcome)
	assert.Equal(t, "edited\n", readTestFile(t, filepath.Join(dest.Environment("local_env1"), manifestFile)))
}

func TestMaterializeLocalsRefusesLinkedCopy(t *testing.T) {
	source := NewLayout(t.TempDir())
	dest := NewLayout(t.TempDir())
	makeEnvironment(t, source, "env1", false)
	makeEnvironment(t, source, "local_env1", false)
	require.NoError(t, os.MkdirAll(dest.EnvironmentsDir(), 0o755))
	require.NoError(t, os.Symlink(source.Environment("local_env1"), dest.Environment("local_env1")))

	r := &fakeRunner{}
	_, problems := MaterializeLocals(context.Background(), NewToolchain(dest.Root, r),
		source, []string{"env1"}, []string{"pkgA"})
	require.Len(t, problems, 1)
	_, ok := IsCollisionError(problems[0])
	assert.True(t, ok)
	assert.Empty(t, r.calls, "the linked environment belongs to the source")
}
