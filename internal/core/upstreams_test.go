package core

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sequenceKeys returns a KeyFunc yielding the given keys in order.
func sequenceKeys(keys ...string) KeyFunc {
	i := 0
	return func() string {
		k := keys[i%len(keys)]
		i++
		return k
	}
}

func TestUpstreamRegistryRoundTripKeepsOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upstreams.yaml")
	writeTestFile(t, path, `upstreams:
  zeta:
    install_tree: /z/opt
  alpha:
    install_tree: /a/opt
    modules:
      tcl: /a/modules
`)
	reg, err := LoadUpstreamRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha"}, reg.Keys())

	assert.True(t, reg.Insert(UpstreamEntry{Key: "mid", InstallTree: "/m/opt"}))
	require.NoError(t, reg.Save(path))

	assert.Equal(t, `upstreams:
  zeta:
    install_tree: /z/opt
  alpha:
    install_tree: /a/opt
    modules:
      tcl: /a/modules
  mid:
    install_tree: /m/opt
`, readTestFile(t, path))
}

func TestUpstreamRegistryMissingAndEmpty(t *testing.T) {
	dir := t.TempDir()

	reg, err := LoadUpstreamRegistry(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Zero(t, reg.Len())

	empty := filepath.Join(dir, "empty.yaml")
	writeTestFile(t, empty, "")
	reg, err = LoadUpstreamRegistry(empty)
	require.NoError(t, err)
	assert.Zero(t, reg.Len())

	require.NoError(t, reg.Save(empty))
	assert.Equal(t, "upstreams: {}\n", readTestFile(t, empty))
}

func TestUpstreamRegistryRejectsMalformed(t *testing.T) {
	tests := map[string]string{
		"not a mapping":   "- a\n- b\n",
		"no install tree": "upstreams:\n  x:\n    modules:\n      tcl: /m\n",
		"bad yaml":        "upstreams: [\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "upstreams.yaml")
			writeTestFile(t, path, content)
			_, err := LoadUpstreamRegistry(path)
			_, ok := IsConfigurationError(err)
			assert.True(t, ok, "got %v", err)
		})
	}
}

func TestUpstreamRegistryNeverOverwrites(t *testing.T) {
	reg := NewUpstreamRegistry()
	require.True(t, reg.Insert(UpstreamEntry{Key: "spack_1", InstallTree: "/first"}))
	assert.False(t, reg.Insert(UpstreamEntry{Key: "spack_1", InstallTree: "/second"}))

	e, ok := reg.Get("spack_1")
	require.True(t, ok)
	assert.Equal(t, "/first", e.InstallTree)

	assert.Equal(t, "spack_1_1", reg.UniqueKey("spack_1"))
	reg.Insert(UpstreamEntry{Key: "spack_1_1", InstallTree: "/x"})
	assert.Equal(t, "spack_1_2", reg.UniqueKey("spack_1"))
	assert.Equal(t, "spack_2", reg.UniqueKey("spack_2"))
}

func TestTimestampKey(t *testing.T) {
	k := TimestampKey()
	assert.True(t, strings.HasPrefix(k, "spack_"), k)
	assert.Greater(t, len(k), len("spack_"))
}

func TestAddPadding(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		length int
	}{
		{"typical", "/src/opt/spack", 128},
		{"exact multiple", "/p", 2 + 1 + 27*3},
		{"just over", "/p", 30},
		{"true", "/src/opt/spack", maxPaddedLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AddPadding(tt.path, tt.length)
			assert.True(t, strings.HasPrefix(got, tt.path+"/"+pathPaddingChars[:1]), got)
			assert.LessOrEqual(t, len(got), tt.length)
			assert.GreaterOrEqual(t, len(got), tt.length-1)
			assert.Equal(t, filepath.Clean(got), got)
			for _, part := range strings.Split(strings.TrimPrefix(got, tt.path+"/"), "/") {
				assert.True(t, strings.HasPrefix(pathPaddingChars, part), "segment %q", part)
			}
		})
	}

	assert.Equal(t, "/already/long", AddPadding("/already/long", 5))
	assert.Equal(t, "/abc", AddPadding("/abc", 5), "one spare character is not enough")
	assert.Equal(t, "/abc/_", AddPadding("/abc", 6))
}

func TestDescribeInstallation(t *testing.T) {
	tests := []struct {
		name     string
		config   string
		padding  UpstreamPadding
		wantTree string
		wantTcl  string
	}{
		{
			name:     "defaults",
			config:   "config: {}\n",
			padding:  UpstreamPaddingSource,
			wantTree: "/src/opt/spack",
			wantTcl:  "/src/share/spack/modules",
		},
		{
			name:     "configured root and modules",
			config:   "config:\n  install_tree:\n    root: $spack/../store\nmodules:\n  default:\n    roots:\n      tcl: /mods\n",
			padding:  UpstreamPaddingSource,
			wantTree: "/store",
			wantTcl:  "/mods",
		},
		{
			name:     "legacy string install tree",
			config:   "config:\n  install_tree: $spack/opt/old\n",
			padding:  UpstreamPaddingSource,
			wantTree: "/src/opt/old",
			wantTcl:  "/src/share/spack/modules",
		},
		{
			name:     "padding ignored by policy",
			config:   "config:\n  install_tree:\n    root: /src/opt\n    padded_length: 64\n",
			padding:  UpstreamPaddingNone,
			wantTree: "/src/opt",
			wantTcl:  "/src/share/spack/modules",
		},
		{
			name:     "padding followed by policy",
			config:   "config:\n  install_tree:\n    root: /src/opt\n    padded_length: 64\n",
			padding:  UpstreamPaddingSource,
			wantTree: AddPadding("/src/opt", 64),
			wantTcl:  "/src/share/spack/modules",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseSettings([]byte(tt.config))
			require.NoError(t, err)
			e := DescribeInstallation("/src", s, tt.padding)
			assert.Equal(t, tt.wantTree, e.InstallTree)
			assert.Equal(t, map[string]string{"tcl": tt.wantTcl}, e.Modules)
		})
	}
}

func TestParseUpstreamPadding(t *testing.T) {
	for in, want := range map[string]UpstreamPadding{"": UpstreamPaddingSource, "source": UpstreamPaddingSource, "none": UpstreamPaddingNone} {
		got, err := ParseUpstreamPadding(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseUpstreamPadding("both")
	_, ok := IsConfigurationError(err)
	assert.True(t, ok)
}

func TestAppendSourceIsAppendOnly(t *testing.T) {
	dest := NewLayout(t.TempDir())
	ctx := context.Background()
	b := NewUpstreamBuilder(&fakeRunner{}, sequenceKeys("spack_100", "spack_200"), UpstreamPaddingSource)

	first, err := ParseSettings([]byte("config:\n  install_tree:\n    root: /src/opt\n"))
	require.NoError(t, err)
	_, actions, err := b.AppendSource(ctx, dest, "/src", first)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, OutcomeCreated, actions[0].Outcome)

	second, err := ParseSettings([]byte("config:\n  install_tree:\n    root: $spack/opt\n"))
	require.NoError(t, err)
	reg, actions, err := b.AppendSource(ctx, dest, "/other", second)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, OutcomeUpdated, actions[0].Outcome)

	want := []UpstreamEntry{
		{Key: "spack_100", InstallTree: "/src/opt", Modules: map[string]string{"tcl": "/src/share/spack/modules"}},
		{Key: "spack_200", InstallTree: "/other/opt", Modules: map[string]string{"tcl": "/other/share/spack/modules"}},
	}
	if diff := cmp.Diff(want, reg.Entries()); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}

	loaded, err := LoadUpstreamRegistry(dest.UpstreamsFile())
	require.NoError(t, err)
	if diff := cmp.Diff(want, loaded.Entries()); diff != "" {
		t.Errorf("persisted entries mismatch (-want +got):\n%s", diff)
	}
}

func TestAppendSourceKeyCollision(t *testing.T) {
	dest := NewLayout(t.TempDir())
	b := NewUpstreamBuilder(&fakeRunner{}, sequenceKeys("spack_1"), UpstreamPaddingSource)
	s := Settings{}

	for i := 0; i < 3; i++ {
		_, _, err := b.AppendSource(context.Background(), dest, fmt.Sprintf("/src%d", i), s)
		require.NoError(t, err)
	}
	reg, err := LoadUpstreamRegistry(dest.UpstreamsFile())
	require.NoError(t, err)
	assert.Equal(t, []string{"spack_1", "spack_1_1", "spack_1_2"}, reg.Keys())
}

func TestAppendSourceCarriesTransitiveUpstreams(t *testing.T) {
	dest := NewLayout(t.TempDir())
	writeTestFile(t, dest.UpstreamsFile(), "upstreams:\n  existing:\n    install_tree: /keep\n")

	source, err := ParseSettings([]byte(`config:
  install_tree:
    root: /src/opt
upstreams:
  site_b:
    install_tree: /b/opt
  existing:
    install_tree: /would/overwrite
  site_a:
    install_tree: /a/opt
    modules:
      tcl: /a/modules
`))
	require.NoError(t, err)

	b := NewUpstreamBuilder(&fakeRunner{}, sequenceKeys("spack_9"), UpstreamPaddingSource)
	reg, actions, err := b.AppendSource(context.Background(), dest, "/src", source)
	require.NoError(t, err)

	assert.Equal(t, []string{"existing", "site_a", "site_b", "spack_9"}, reg.Keys())
	existing, _ := reg.Get("existing")
	assert.Equal(t, "/keep", existing.InstallTree)
	siteA, _ := reg.Get("site_a")
	assert.Equal(t, map[string]string{"tcl": "/a/modules"}, siteA.Modules)
	assert.Len(t, actions, 3)
}

func TestAppendSourceMalformedDescriptorWritesNothing(t *testing.T) {
	dest := NewLayout(t.TempDir())
	source, err := ParseSettings([]byte("upstreams:\n  broken: /just/a/string\n"))
	require.NoError(t, err)

	b := NewUpstreamBuilder(&fakeRunner{}, nil, UpstreamPaddingSource)
	_, _, err = b.AppendSource(context.Background(), dest, "/src", source)
	_, ok := IsConfigurationError(err)
	assert.True(t, ok, "got %v", err)
	assert.False(t, pathExists(dest.UpstreamsFile()))
}

func TestAddUpstreamsQueriesEachRoot(t *testing.T) {
	dir := t.TempDir()
	dest := NewLayout(filepath.Join(dir, "dst"))
	roots := []string{filepath.Join(dir, "a"), filepath.Join(dir, "b")}
	for _, root := range roots {
		writeTestFile(t, NewLayout(root).Executable(), "#!/bin/sh\n")
	}

	r := &fakeRunner{respond: func(c Command) (Result, error) {
		switch c.Args[2] {
		case "config":
			return Result{Stdout: "config:\n  install_tree:\n    root: $spack/store\n    padded_length: 40\n"}, nil
		default:
			return Result{}, &ExternalToolError{Command: c.String(), ExitCode: 1}
		}
	}}
	b := NewUpstreamBuilder(r, sequenceKeys("spack_1", "spack_2"), UpstreamPaddingNone)

	reg, actions, err := b.AddUpstreams(context.Background(), dest, roots)
	require.NoError(t, err)
	assert.Len(t, actions, 2)

	assert.Equal(t, []string{"spack_1", "spack_2"}, reg.Keys())
	a, _ := reg.Get("spack_1")
	assert.Equal(t, filepath.Join(roots[0], "store"), a.InstallTree)
	assert.Equal(t, filepath.Join(roots[0], "share/spack/modules"), a.Modules["tcl"], "modules query failure falls back to default")

	require.Len(t, r.calls, 4)
	for i, root := range roots {
		assert.Equal(t, []string{RootEnvVar + "=" + root}, r.calls[2*i].Env)
		assert.Equal(t, []string{"config", "get", "config"}, r.calls[2*i].Args)
		assert.Equal(t, []string{"config", "get", "modules"}, r.calls[2*i+1].Args)
	}
}

func TestAddUpstreamsIsAllOrNothing(t *testing.T) {
	dir := t.TempDir()
	dest := NewLayout(filepath.Join(dir, "dst"))
	good := filepath.Join(dir, "good")
	writeTestFile(t, NewLayout(good).Executable(), "#!/bin/sh\n")

	b := NewUpstreamBuilder(&fakeRunner{}, nil, UpstreamPaddingSource)
	_, _, err := b.AddUpstreams(context.Background(), dest, []string{good, filepath.Join(dir, "missing")})

	se, ok := IsSourceNotFoundError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, "installation", se.Kind)
	assert.False(t, pathExists(dest.UpstreamsFile()))
}
