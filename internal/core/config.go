package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// disableLocalConfigEnv suppresses the system and per-user scopes, as
	// the toolchain does.
	disableLocalConfigEnv = "SPACK_DISABLE_LOCAL_CONFIG"
	// systemConfigPathEnv relocates the system scope.
	systemConfigPathEnv = "SPACK_SYSTEM_CONFIG_PATH"

	defaultSystemConfigDir = "/etc/spack"
)

// Scope is one directory of configuration files. Each <section>.yaml in it
// holds a mapping with <section> as its top-level key.
type Scope struct {
	Name string
	Dir  string
}

// SourceScopes returns the configuration scopes of the installation rooted
// at root, weakest first: defaults, system, site, user.
func SourceScopes(root string) []Scope {
	l := NewLayout(root)
	local := os.Getenv(disableLocalConfigEnv) == ""

	scopes := []Scope{{Name: "defaults", Dir: l.DefaultsDir()}}
	if local {
		system := os.Getenv(systemConfigPathEnv)
		if system == "" {
			system = defaultSystemConfigDir
		}
		scopes = append(scopes, Scope{Name: "system", Dir: system})
	}
	scopes = append(scopes, Scope{Name: "site", Dir: l.ConfigDir()})
	if local {
		if home, err := os.UserHomeDir(); err == nil {
			scopes = append(scopes, Scope{Name: "user", Dir: filepath.Join(home, ".spack")})
		}
	}
	return scopes
}

// Settings is a merged configuration tree addressed by colon-separated key
// paths such as "config:install_tree:root".
type Settings map[string]any

// LoadSettings reads every scope, weakest first, and merges them. Missing
// scope directories are skipped. Mappings merge key-wise; for scalars and
// lists the stronger scope wins. A key written with a trailing colon
// ("repos::") replaces weaker values instead of merging with them.
func LoadSettings(scopes ...Scope) (Settings, error) {
	merged := map[string]any{}
	for _, scope := range scopes {
		layer, err := readScope(scope)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, layer)
	}
	return Settings(merged), nil
}

// ParseSettings decodes a single YAML document, such as the output of
// `spack config get <section>`.
func ParseSettings(data []byte) (Settings, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return Settings(mergeMaps(map[string]any{}, m)), nil
}

func readScope(scope Scope) (map[string]any, error) {
	entries, err := os.ReadDir(scope.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s scope: %w", scope.Name, err)
	}

	layer := map[string]any{}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		path := filepath.Join(scope.Dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		var m map[string]any
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		layer = mergeMaps(layer, m)
	}
	return layer, nil
}

// mergeMaps returns weak overlaid with strong. Neither input is modified.
func mergeMaps(weak, strong map[string]any) map[string]any {
	out := make(map[string]any, len(weak)+len(strong))
	for k, v := range weak {
		out[k] = v
	}
	for k, v := range strong {
		if strings.HasSuffix(k, ":") {
			out[strings.TrimRight(k, ":")] = normalize(v)
			continue
		}
		sm, sok := v.(map[string]any)
		wm, wok := out[k].(map[string]any)
		if sok && wok {
			out[k] = mergeMaps(wm, sm)
			continue
		}
		out[k] = normalize(v)
	}
	return out
}

// normalize strips override markers from nested keys.
func normalize(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	return mergeMaps(map[string]any{}, m)
}

// Lookup returns the value at a colon-separated key path.
func (s Settings) Lookup(path string) (any, bool) {
	var cur any = map[string]any(s)
	for _, key := range strings.Split(path, ":") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Get returns the value at path, or def when it is absent or null.
func (s Settings) Get(path string, def any) any {
	if v, ok := s.Lookup(path); ok && v != nil {
		return v
	}
	return def
}

// String returns the string at path, or def.
func (s Settings) String(path, def string) string {
	if v, ok := s.Get(path, nil).(string); ok && v != "" {
		return v
	}
	return def
}

// Strings returns the list of strings at path; non-string items are dropped.
func (s Settings) Strings(path string) []string {
	items, ok := s.Get(path, nil).([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if str, ok := item.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

// Map returns the mapping at path, or nil.
func (s Settings) Map(path string) map[string]any {
	m, _ := s.Get(path, nil).(map[string]any)
	return m
}

// sortedKeys returns the keys of m in lexical order.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
