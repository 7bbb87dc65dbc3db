package core

import (
	"context"
	"fmt"
)

// Toolchain invokes the command entry point of one installation. The
// installation root is passed to the child through its environment only;
// the running process's environment is never changed.
type Toolchain struct {
	layout Layout
	runner Runner
}

// NewToolchain returns a Toolchain acting as the installation rooted at root.
func NewToolchain(root string, runner Runner) *Toolchain {
	return &Toolchain{layout: NewLayout(root), runner: runner}
}

// Root returns the installation root this Toolchain acts as.
func (t *Toolchain) Root() string {
	return t.layout.Root
}

func (t *Toolchain) run(ctx context.Context, args ...string) (Result, error) {
	return t.runner.Run(ctx, Command{
		Name: t.layout.Executable(),
		Args: args,
		Dir:  t.layout.Root,
		Env:  []string{RootEnvVar + "=" + t.layout.Root},
	})
}

// ConfigGet returns the fully merged configuration section as the
// installation sees it.
func (t *Toolchain) ConfigGet(ctx context.Context, section string) (Settings, error) {
	res, err := t.run(ctx, "config", "get", section)
	if err != nil {
		return nil, fmt.Errorf("reading %s configuration of %s: %w", section, t.layout.Root, err)
	}
	settings, err := ParseSettings([]byte(res.Stdout))
	if err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("malformed %s configuration from %s", section, t.layout.Root), Err: err}
	}
	return settings, nil
}

// SetBootstrapRoot points the installation's bootstrap store at root.
func (t *Toolchain) SetBootstrapRoot(ctx context.Context, root string) error {
	if _, err := t.run(ctx, "bootstrap", "root", root); err != nil {
		return fmt.Errorf("setting bootstrap root of %s: %w", t.layout.Root, err)
	}
	return nil
}

// Develop marks pkg as editable in the named environment.
func (t *Toolchain) Develop(ctx context.Context, env, pkg string) error {
	if _, err := t.run(ctx, "--env", env, "develop", pkg); err != nil {
		return fmt.Errorf("marking %s editable in %s: %w", pkg, env, err)
	}
	return nil
}
