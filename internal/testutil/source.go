// Package testutil builds throwaway source installations for tests.
package testutil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// DefaultBranch is the branch source installations are created on.
const DefaultBranch = "develop"

// fakeSpack stands in for bin/spack. It records every invocation in
// $SPACK_ROOT/spack-calls.log, answers `config get <section>` from
// etc/spack/<section>.yaml and appends develop entries to environment
// manifests.
const fakeSpack = `#!/bin/sh
root="${SPACK_ROOT:?SPACK_ROOT must be set}"
echo "$*" >> "$root/spack-calls.log"
case "$1" in
config)
	f="$root/etc/spack/$3.yaml"
	if [ -f "$f" ]; then cat "$f"; else echo "$3: {}"; fi
	;;
bootstrap)
	;;
--env)
	env="$2"
	shift 2
	m="$root/var/spack/environments/$env/spack.yaml"
	if [ ! -f "$m" ]; then
		echo "==> Error: no such environment: $env" >&2
		exit 1
	fi
	if ! grep -q '^  develop:' "$m"; then
		echo "  develop:" >> "$m"
	fi
	printf '    %s:\n      spec: %s@=develop\n' "$2" "$2" >> "$m"
	;;
*)
	echo "==> Error: unsupported command: $*" >&2
	exit 1
	;;
esac
`

const gitignore = `/opt/
/etc/spack/*.yaml
/var/spack/environments/
/var/spack/extensions/
/spack-calls.log
`

// SourceOptions describes a source installation.
type SourceOptions struct {
	// InstallTree is config:install_tree:root. Defaults to "$spack/opt/spack".
	InstallTree string
	// PaddedLength is config:install_tree:padded_length; zero leaves it unset.
	PaddedLength int
	// Environments maps environment names to whether they carry a lock file.
	Environments map[string]bool
	// Repos names recipe repositories created as git repositories next to
	// the installation and listed in repos.yaml.
	Repos []string
	// Extensions names plain extension directories created next to the
	// installation and listed in config:extensions.
	Extensions []string
	// ConfigFiles are extra files under etc/spack, keyed by relative path.
	ConfigFiles map[string]string
	// Origin, when set, becomes the source checkout's "origin" remote.
	Origin string
}

// Source is a source installation on disk.
type Source struct {
	Root string // the installation, a git checkout on DefaultBranch
	Dir  string // parent directory holding the installation and its repos
}

// NewSource creates a source installation under dir/source.
func NewSource(dir string, opts SourceOptions) (*Source, error) {
	s := &Source{Root: filepath.Join(dir, "source"), Dir: dir}

	files := map[string]string{
		".gitignore":                        gitignore,
		"bin/spack":                         fakeSpack,
		"share/spack/setup-env.sh":          "# setup-env.sh\n",
		"share/spack/setup-env.csh":         "# setup-env.csh\n",
		"etc/spack/defaults/config.yaml":    "config:\n  build_jobs: 4\n",
		"etc/spack/defaults/modules.yaml":   "modules:\n  default:\n    roots:\n      tcl: $spack/share/spack/modules\n",
		"var/spack/repos/builtin/repo.yaml": "repo:\n  namespace: builtin\n",
	}

	installTree := opts.InstallTree
	if installTree == "" {
		installTree = "$spack/opt/spack"
	}
	config := fmt.Sprintf("config:\n  install_tree:\n    root: %s\n", installTree)
	if opts.PaddedLength > 0 {
		config += fmt.Sprintf("    padded_length: %d\n", opts.PaddedLength)
	}

	if len(opts.Extensions) > 0 {
		config += "  extensions:\n"
		for _, name := range opts.Extensions {
			ext := filepath.Join(dir, "extensions", name)
			if err := writeFile(filepath.Join(ext, "__init__.py"), "", 0o644); err != nil {
				return nil, err
			}
			config += "  - " + ext + "\n"
		}
	}
	files["etc/spack/config.yaml"] = config

	if len(opts.Repos) > 0 {
		repos := "repos:\n"
		for _, name := range opts.Repos {
			repo := filepath.Join(dir, "recipes", name)
			if err := writeFile(filepath.Join(repo, "repo.yaml"), "repo:\n  namespace: "+name+"\n", 0o644); err != nil {
				return nil, err
			}
			if err := InitRepo(repo); err != nil {
				return nil, err
			}
			repos += "- " + repo + "\n"
		}
		files["etc/spack/repos.yaml"] = repos
	}

	for name, locked := range opts.Environments {
		env := filepath.Join("var/spack/environments", name)
		files[env+"/spack.yaml"] = "spack:\n  specs:\n  - zlib\n"
		if locked {
			files[env+"/spack.lock"] = `{"_meta": {"lockfile-version": 5}}` + "\n"
		}
	}

	for rel, content := range opts.ConfigFiles {
		files[filepath.Join("etc/spack", rel)] = content
	}

	for rel, content := range files {
		mode := os.FileMode(0o644)
		if rel == "bin/spack" {
			mode = 0o755
		}
		if err := writeFile(filepath.Join(s.Root, rel), content, mode); err != nil {
			return nil, err
		}
	}

	if err := InitRepo(s.Root); err != nil {
		return nil, err
	}
	if opts.Origin != "" {
		if _, err := RunGit(s.Root, "remote", "add", "origin", opts.Origin); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Calls returns the recorded bin/spack invocations under root.
func Calls(root string) []string {
	data, err := os.ReadFile(filepath.Join(root, "spack-calls.log"))
	if err != nil {
		return nil
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

// InitRepo makes dir a git repository on DefaultBranch with everything in
// it committed.
func InitRepo(dir string) error {
	for _, args := range [][]string{
		{"init", "-q"},
		{"checkout", "-q", "-b", DefaultBranch},
		{"add", "."},
		{"commit", "-q", "-m", "initial"},
	} {
		if _, err := RunGit(dir, args...); err != nil {
			return err
		}
	}
	return nil
}

// CommitFile writes name in repo and commits it.
func CommitFile(repo, name, content string) error {
	if err := writeFile(filepath.Join(repo, name), content, 0o644); err != nil {
		return err
	}
	if _, err := RunGit(repo, "add", name); err != nil {
		return err
	}
	_, err := RunGit(repo, "commit", "-q", "-m", "update "+name)
	return err
}

// RunGit runs git in dir with a fixed identity and returns its output.
func RunGit(dir string, args ...string) (string, error) {
	c := exec.Command("git", args...)
	c.Dir = dir
	c.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test",
		"GIT_AUTHOR_EMAIL=test@test.com",
		"GIT_COMMITTER_NAME=Test",
		"GIT_COMMITTER_EMAIL=test@test.com",
	)
	out, err := c.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %v: %w\n%s", args, err, out)
	}
	return string(out), nil
}

// SafeDirectories returns the sorted global safe.directory entries.
func SafeDirectories() []string {
	out, err := RunGit("", "config", "--global", "--get-all", "safe.directory")
	if err != nil {
		return nil
	}
	dirs := strings.Fields(out)
	sort.Strings(dirs)
	return dirs
}

// Isolate points HOME at a temporary directory so global git configuration
// and the per-user scope are private to the test.
func Isolate(t testing.TB) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")
	t.Setenv("SPACK_DISABLE_LOCAL_CONFIG", "1")
	return home
}

// RequireGit skips the test when git is not installed.
func RequireGit(t testing.TB) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func writeFile(path, content string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), mode)
}
