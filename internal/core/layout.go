package core

import (
	"path/filepath"
	"strings"
)

const (
	// RootEnvVar names the root of the installation a toolchain command acts on.
	RootEnvVar = "SPACK_ROOT"

	rootMarker      = "$spack"
	rootMarkerBrace = "${spack}"
	manifestFile    = "spack.yaml"
	lockFile        = "spack.lock"
	localEnvPrefix  = "local_"
)

// Layout computes the well-known paths of an installation rooted at Root.
type Layout struct {
	Root string
}

// NewLayout returns the layout of the installation rooted at root.
func NewLayout(root string) Layout {
	return Layout{Root: filepath.Clean(root)}
}

func (l Layout) ConfigDir() string       { return filepath.Join(l.Root, "etc", "spack") }
func (l Layout) DefaultsDir() string     { return filepath.Join(l.ConfigDir(), "defaults") }
func (l Layout) BaseScopeDir() string    { return filepath.Join(l.ConfigDir(), "base") }
func (l Layout) UpstreamsFile() string   { return filepath.Join(l.ConfigDir(), "upstreams.yaml") }
func (l Layout) ReposFile() string       { return filepath.Join(l.ConfigDir(), "repos.yaml") }
func (l Layout) ConfigFile() string      { return filepath.Join(l.ConfigDir(), "config.yaml") }
func (l Layout) VarDir() string          { return filepath.Join(l.Root, "var", "spack") }
func (l Layout) ReposDir() string        { return filepath.Join(l.VarDir(), "repos") }
func (l Layout) ExtensionsDir() string   { return filepath.Join(l.VarDir(), "extensions") }
func (l Layout) EnvironmentsDir() string { return filepath.Join(l.VarDir(), "environments") }
func (l Layout) Executable() string      { return filepath.Join(l.Root, "bin", "spack") }
func (l Layout) GitDir() string          { return filepath.Join(l.Root, ".git") }

// Environment returns the directory of the named environment.
func (l Layout) Environment(name string) string {
	return filepath.Join(l.EnvironmentsDir(), name)
}

// SetupScript returns the toolchain's own activation script for a shell
// dialect ("sh" or "csh").
func (l Layout) SetupScript(dialect string) string {
	return filepath.Join(l.Root, "share", "spack", "setup-env."+dialect)
}

// WrapperScript returns the activation wrapper written at the prefix.
func (l Layout) WrapperScript(dialect string) string {
	return filepath.Join(l.Root, "setup-env."+dialect)
}

// Expand substitutes the root marker in a configured path with this
// installation's root.
func (l Layout) Expand(p string) string {
	p = strings.ReplaceAll(p, rootMarkerBrace, l.Root)
	return strings.ReplaceAll(p, rootMarker, l.Root)
}

// Relativize replaces a leading occurrence of this root in p with the root
// marker so the path follows the instance it is read from.
func (l Layout) Relativize(p string) string {
	if p == l.Root {
		return rootMarker
	}
	if strings.HasPrefix(p, l.Root+string(filepath.Separator)) {
		return rootMarker + p[len(l.Root):]
	}
	return p
}

// LocalEnvName returns the name of the writable copy of an environment.
func LocalEnvName(name string) string {
	return localEnvPrefix + name
}
