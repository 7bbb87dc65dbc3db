package core

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettingsMergesScopes(t *testing.T) {
	root := t.TempDir()
	l := NewLayout(root)

	writeTestFile(t, filepath.Join(l.DefaultsDir(), "config.yaml"), `config:
  install_tree:
    root: $spack/opt/spack
  build_jobs: 4
  extensions: [/defaults/ext]
`)
	writeTestFile(t, filepath.Join(l.DefaultsDir(), "modules.yaml"), `modules:
  default:
    roots:
      tcl: $spack/share/spack/modules
`)
	writeTestFile(t, filepath.Join(l.ConfigDir(), "config.yaml"), `config:
  install_tree:
    root: /site/opt
  extensions: [/site/ext]
`)
	writeTestFile(t, filepath.Join(l.ConfigDir(), "repos.yaml"), `repos::
  local: /site/repo
`)
	writeTestFile(t, filepath.Join(l.ConfigDir(), "notes.txt"), "ignored")

	t.Setenv(disableLocalConfigEnv, "1")
	s, err := LoadSettings(SourceScopes(root)...)
	require.NoError(t, err)

	assert.Equal(t, "/site/opt", s.String("config:install_tree:root", ""))
	assert.Equal(t, 4, s.Get("config:build_jobs", 0))
	assert.Equal(t, []string{"/site/ext"}, s.Strings("config:extensions"), "lists are replaced, not merged")
	assert.Equal(t, "$spack/share/spack/modules", s.String("modules:default:roots:tcl", ""))
	assert.Equal(t, map[string]any{"local": "/site/repo"}, s.Map("repos"), "override marker is stripped")
}

func TestLoadSettingsOverrideReplacesWeakerMapping(t *testing.T) {
	weak := Scope{Name: "defaults", Dir: t.TempDir()}
	strong := Scope{Name: "site", Dir: t.TempDir()}
	writeTestFile(t, filepath.Join(weak.Dir, "config.yaml"), "config:\n  a: 1\n  b: 2\n")
	writeTestFile(t, filepath.Join(strong.Dir, "config.yaml"), "config::\n  b: 3\n")

	s, err := LoadSettings(weak, strong)
	require.NoError(t, err)
	if diff := cmp.Diff(Settings{"config": map[string]any{"b": 3}}, s); diff != "" {
		t.Errorf("settings mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadSettingsSkipsMissingScopes(t *testing.T) {
	s, err := LoadSettings(Scope{Name: "site", Dir: filepath.Join(t.TempDir(), "missing")})
	require.NoError(t, err)
	assert.Empty(t, s)
}

func TestLoadSettingsRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "config.yaml"), "config: [unclosed\n")
	_, err := LoadSettings(Scope{Name: "site", Dir: dir})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config.yaml")
}

func TestSourceScopes(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	t.Setenv(disableLocalConfigEnv, "")
	t.Setenv(systemConfigPathEnv, "")
	scopes := SourceScopes("/src")
	assert.Equal(t, []Scope{
		{Name: "defaults", Dir: "/src/etc/spack/defaults"},
		{Name: "system", Dir: "/etc/spack"},
		{Name: "site", Dir: "/src/etc/spack"},
		{Name: "user", Dir: filepath.Join(home, ".spack")},
	}, scopes)

	t.Setenv(systemConfigPathEnv, "/opt/site-config")
	scopes = SourceScopes("/src")
	assert.Equal(t, Scope{Name: "system", Dir: "/opt/site-config"}, scopes[1])

	t.Setenv(disableLocalConfigEnv, "true")
	scopes = SourceScopes("/src")
	assert.Equal(t, []Scope{
		{Name: "defaults", Dir: "/src/etc/spack/defaults"},
		{Name: "site", Dir: "/src/etc/spack"},
	}, scopes)
}

func TestSystemScopeSitsBetweenDefaultsAndSite(t *testing.T) {
	root := t.TempDir()
	system := t.TempDir()
	l := NewLayout(root)
	writeTestFile(t, filepath.Join(l.DefaultsDir(), "config.yaml"), "config:\n  build_jobs: 4\n  build_stage: /tmp/defaults\n")
	writeTestFile(t, filepath.Join(system, "config.yaml"), "config:\n  build_jobs: 16\n  install_tree:\n    root: /shared/system\n")
	writeTestFile(t, filepath.Join(l.ConfigDir(), "config.yaml"), "config:\n  install_tree:\n    root: /site/opt\n")

	t.Setenv("HOME", t.TempDir())
	t.Setenv(disableLocalConfigEnv, "")
	t.Setenv(systemConfigPathEnv, system)
	s, err := LoadSettings(SourceScopes(root)...)
	require.NoError(t, err)
	assert.Equal(t, 16, s.Get("config:build_jobs", 0), "system overrides defaults")
	assert.Equal(t, "/tmp/defaults", s.String("config:build_stage", ""))
	assert.Equal(t, "/site/opt", s.String("config:install_tree:root", ""), "site overrides system")

	t.Setenv(disableLocalConfigEnv, "1")
	s, err = LoadSettings(SourceScopes(root)...)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Get("config:build_jobs", 0), "system scope dropped with local config")
}

func TestSettingsAccessors(t *testing.T) {
	s, err := ParseSettings([]byte(`config:
  install_tree:
    root: /opt/x
    padded_length: 128
  extensions:
  - /a
  - 7
  - /b
upstreams: {}
bootstrap:
  root: null
`))
	require.NoError(t, err)

	v, ok := s.Lookup("config:install_tree:padded_length")
	assert.True(t, ok)
	assert.Equal(t, 128, v)

	_, ok = s.Lookup("config:install_tree:root:deeper")
	assert.False(t, ok)

	assert.Equal(t, "fallback", s.String("bootstrap:root", "fallback"), "null uses the default")
	assert.Equal(t, []string{"/a", "/b"}, s.Strings("config:extensions"))
	assert.Nil(t, s.Strings("config:install_tree"))
	assert.Empty(t, s.Map("upstreams"))
	assert.Nil(t, s.Map("missing"))
}

func TestParseSettingsEmpty(t *testing.T) {
	s, err := ParseSettings(nil)
	require.NoError(t, err)
	assert.NotNil(t, s)
	assert.Empty(t, s)

	_, err = ParseSettings([]byte("- a list\n"))
	assert.Error(t, err)
}
