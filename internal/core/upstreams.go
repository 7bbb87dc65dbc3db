package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/barysiuk/subspack/internal/ctxlog"
	"gopkg.in/yaml.v3"
)

const (
	upstreamsKey     = "upstreams"
	primaryModuleKey = "tcl"

	pathPaddingChars = "__spack_path_placeholder__"
	// maxPaddedLength is what `padded_length: true` resolves to: the Linux
	// PATH_MAX minus the room the toolchain reserves for package paths.
	maxPaddedLength = 4096 - 300
)

// UpstreamRegistry is an insertion-ordered mapping of key to UpstreamEntry,
// persisted as upstreams.yaml. Entries are never overwritten.
type UpstreamRegistry struct {
	entries []UpstreamEntry
	index   map[string]int
}

// NewUpstreamRegistry creates an empty registry.
func NewUpstreamRegistry() *UpstreamRegistry {
	return &UpstreamRegistry{index: map[string]int{}}
}

// LoadUpstreamRegistry reads the registry at path. A missing file yields an
// empty registry.
func LoadUpstreamRegistry(path string) (*UpstreamRegistry, error) {
	reg := NewUpstreamRegistry()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, fmt.Errorf("reading upstreams: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigurationError{Reason: "malformed " + path, Err: err}
	}
	if len(doc.Content) == 0 {
		return reg, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, &ConfigurationError{Reason: path + ": top level is not a mapping"}
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		if strings.TrimRight(root.Content[i].Value, ":") != upstreamsKey {
			continue
		}
		section := root.Content[i+1]
		if section.Kind != yaml.MappingNode {
			continue
		}
		for j := 0; j+1 < len(section.Content); j += 2 {
			var entry UpstreamEntry
			if err := section.Content[j+1].Decode(&entry); err != nil {
				return nil, &ConfigurationError{Reason: fmt.Sprintf("%s: upstream %q", path, section.Content[j].Value), Err: err}
			}
			entry.Key = section.Content[j].Value
			if err := validateUpstream(entry); err != nil {
				return nil, err
			}
			reg.Insert(entry)
		}
	}
	return reg, nil
}

// Len returns the number of entries.
func (r *UpstreamRegistry) Len() int { return len(r.entries) }

// Entries returns the entries in insertion order.
func (r *UpstreamRegistry) Entries() []UpstreamEntry {
	out := make([]UpstreamEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Keys returns the entry keys in insertion order.
func (r *UpstreamRegistry) Keys() []string {
	keys := make([]string, len(r.entries))
	for i, e := range r.entries {
		keys[i] = e.Key
	}
	return keys
}

// Get returns the entry stored under key.
func (r *UpstreamRegistry) Get(key string) (UpstreamEntry, bool) {
	i, ok := r.index[key]
	if !ok {
		return UpstreamEntry{}, false
	}
	return r.entries[i], true
}

// Insert appends entry unless its key is already taken. It reports whether
// the entry was added.
func (r *UpstreamRegistry) Insert(entry UpstreamEntry) bool {
	if _, ok := r.index[entry.Key]; ok {
		return false
	}
	r.index[entry.Key] = len(r.entries)
	r.entries = append(r.entries, entry)
	return true
}

// UniqueKey returns base, or base with the lowest free ordinal suffix.
func (r *UpstreamRegistry) UniqueKey(base string) string {
	if _, ok := r.index[base]; !ok {
		return base
	}
	for n := 1; ; n++ {
		key := fmt.Sprintf("%s_%d", base, n)
		if _, ok := r.index[key]; !ok {
			return key
		}
	}
}

// MarshalYAML encodes the registry as an ordered "upstreams" mapping.
func (r *UpstreamRegistry) MarshalYAML() (any, error) {
	section := &yaml.Node{Kind: yaml.MappingNode}
	for _, e := range r.entries {
		var value yaml.Node
		if err := value.Encode(e); err != nil {
			return nil, err
		}
		section.Content = append(section.Content, strNode(e.Key), &value)
	}
	return &yaml.Node{
		Kind:    yaml.MappingNode,
		Content: []*yaml.Node{strNode(upstreamsKey), section},
	}, nil
}

// Save atomically writes the registry to path.
func (r *UpstreamRegistry) Save(path string) error {
	return writeYAML(path, r)
}

func strNode(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}

func validateUpstream(e UpstreamEntry) error {
	if e.Key == "" {
		return &ConfigurationError{Reason: "upstream entry without a name"}
	}
	if e.InstallTree == "" {
		return &ConfigurationError{Reason: fmt.Sprintf("upstream %q has no install_tree", e.Key)}
	}
	return nil
}

// KeyFunc generates the base key for a new upstream entry.
type KeyFunc func() string

// TimestampKey keys entries by the current time, e.g. "spack_1718000000123456789".
func TimestampKey() string {
	return fmt.Sprintf("spack_%d", time.Now().UnixNano())
}

// ParseUpstreamPadding validates a padding policy name. Empty means "source".
func ParseUpstreamPadding(s string) (UpstreamPadding, error) {
	switch UpstreamPadding(s) {
	case "", UpstreamPaddingSource:
		return UpstreamPaddingSource, nil
	case UpstreamPaddingNone:
		return UpstreamPaddingNone, nil
	default:
		return "", &ConfigurationError{Reason: fmt.Sprintf("unknown upstream padding policy %q (want %q or %q)", s, UpstreamPaddingSource, UpstreamPaddingNone)}
	}
}

// DescribeInstallation derives the upstream entry (without key) for the
// installation rooted at root from its configuration.
func DescribeInstallation(root string, settings Settings, padding UpstreamPadding) UpstreamEntry {
	l := NewLayout(root)

	installRoot := canonicalizePath(l, installTreeRoot(settings))
	if padding != UpstreamPaddingNone {
		if n := paddedLength(settings); n > 0 {
			installRoot = AddPadding(installRoot, n)
		}
	}

	tcl := settings.String("modules:default:roots:"+primaryModuleKey, rootMarker+"/share/spack/modules")
	return UpstreamEntry{
		InstallTree: installRoot,
		Modules:     map[string]string{primaryModuleKey: canonicalizePath(l, tcl)},
	}
}

func installTreeRoot(s Settings) string {
	switch v := s.Get("config:install_tree", nil).(type) {
	case string:
		return v
	case map[string]any:
		if root, ok := v["root"].(string); ok && root != "" {
			return root
		}
	}
	return rootMarker + "/opt/spack"
}

func paddedLength(s Settings) int {
	switch v := s.Get("config:install_tree:padded_length", nil).(type) {
	case bool:
		if v {
			return maxPaddedLength
		}
	case int:
		return v
	}
	return 0
}

// AddPadding extends path with placeholder directories until it is length
// characters long. Paths already that long, or one character short, are
// returned unchanged since a lone separator does not survive normalization.
func AddPadding(path string, length int) string {
	padding := length - len(path)
	if padding <= 1 {
		return path
	}
	// One character goes to the separator added by Join.
	return filepath.Join(path, paddingString(padding-1))
}

func paddingString(length int) string {
	size := len(pathPaddingChars)
	reps := length / (size + 1)
	extra := length % (size + 1)
	parts := make([]string, 0, reps+1)
	for i := 0; i < reps; i++ {
		parts = append(parts, pathPaddingChars)
	}
	parts = append(parts, pathPaddingChars[:extra])
	return strings.Join(parts, string(filepath.Separator))
}

// UpstreamBuilder appends upstream entries to an instance's registry.
type UpstreamBuilder struct {
	runner  Runner
	newKey  KeyFunc
	padding UpstreamPadding
}

// NewUpstreamBuilder creates an UpstreamBuilder. A nil newKey uses TimestampKey.
func NewUpstreamBuilder(runner Runner, newKey KeyFunc, padding UpstreamPadding) *UpstreamBuilder {
	if newKey == nil {
		newKey = TimestampKey
	}
	if padding == "" {
		padding = UpstreamPaddingSource
	}
	return &UpstreamBuilder{runner: runner, newKey: newKey, padding: padding}
}

// AppendSource records the source installation, and every upstream the
// source itself chains to, in the registry of the instance at dest.
func (b *UpstreamBuilder) AppendSource(ctx context.Context, dest Layout, sourceRoot string, source Settings) (*UpstreamRegistry, []Action, error) {
	reg, err := LoadUpstreamRegistry(dest.UpstreamsFile())
	if err != nil {
		return nil, nil, err
	}
	outcome := outcomeFor(dest.UpstreamsFile())

	var added []UpstreamEntry
	inherited := source.Map(upstreamsKey)
	for _, key := range sortedKeys(inherited) {
		entry, err := upstreamFromConfig(key, inherited[key])
		if err != nil {
			return nil, nil, err
		}
		if reg.Insert(entry) {
			added = append(added, entry)
		}
	}

	entry := DescribeInstallation(sourceRoot, source, b.padding)
	entry.Key = reg.UniqueKey(b.newKey())
	reg.Insert(entry)
	added = append(added, entry)

	if err := reg.Save(dest.UpstreamsFile()); err != nil {
		return nil, nil, err
	}
	ctxlog.FromContext(ctx).Info("registered upstream", "key", entry.Key, "install_tree", entry.InstallTree)
	return reg, upstreamActions(dest.UpstreamsFile(), outcome, added), nil
}

// AddUpstreams queries each installation root for its own configuration and
// appends it to the registry of the instance at dest. Nothing is written
// unless every root could be described.
func (b *UpstreamBuilder) AddUpstreams(ctx context.Context, dest Layout, roots []string) (*UpstreamRegistry, []Action, error) {
	log := ctxlog.FromContext(ctx)

	reg, err := LoadUpstreamRegistry(dest.UpstreamsFile())
	if err != nil {
		return nil, nil, err
	}
	outcome := outcomeFor(dest.UpstreamsFile())

	var added []UpstreamEntry
	for _, root := range roots {
		abs, err := filepath.Abs(expandPath(root))
		if err != nil {
			return nil, nil, fmt.Errorf("resolving upstream root %s: %w", root, err)
		}
		if !fileExists(NewLayout(abs).Executable()) {
			return nil, nil, &SourceNotFoundError{Kind: "installation", Name: root, Path: NewLayout(abs).Executable()}
		}

		tc := NewToolchain(abs, b.runner)
		settings, err := tc.ConfigGet(ctx, "config")
		if err != nil {
			return nil, nil, err
		}
		if modules, err := tc.ConfigGet(ctx, "modules"); err != nil {
			log.Warn("could not read module roots, using default", "root", abs, "error", err)
		} else {
			settings = Settings(mergeMaps(settings, modules))
		}

		entry := DescribeInstallation(abs, settings, b.padding)
		entry.Key = reg.UniqueKey(b.newKey())
		reg.Insert(entry)
		added = append(added, entry)
		log.Info("registered upstream", "key", entry.Key, "root", abs, "install_tree", entry.InstallTree)
	}

	if len(added) == 0 {
		return reg, nil, nil
	}
	if err := reg.Save(dest.UpstreamsFile()); err != nil {
		return nil, nil, err
	}
	return reg, upstreamActions(dest.UpstreamsFile(), outcome, added), nil
}

// upstreamFromConfig converts one entry of an "upstreams" configuration section.
func upstreamFromConfig(key string, raw any) (UpstreamEntry, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return UpstreamEntry{}, &ConfigurationError{Reason: fmt.Sprintf("upstream %q is not a mapping", key)}
	}
	entry := UpstreamEntry{Key: key}
	entry.InstallTree, _ = m["install_tree"].(string)
	if mods, ok := m["modules"].(map[string]any); ok {
		entry.Modules = map[string]string{}
		for kind, p := range mods {
			if s, ok := p.(string); ok {
				entry.Modules[kind] = s
			}
		}
	}
	if err := validateUpstream(entry); err != nil {
		return UpstreamEntry{}, err
	}
	return entry, nil
}

func upstreamActions(path string, first Outcome, added []UpstreamEntry) []Action {
	actions := make([]Action, 0, len(added))
	for i, e := range added {
		outcome := OutcomeUpdated
		if i == 0 {
			outcome = first
		}
		actions = append(actions, Action{
			Stage:   StageUpstreams,
			Path:    path,
			Outcome: outcome,
			Detail:  e.Key + " -> " + e.InstallTree,
		})
	}
	return actions
}

// outcomeFor reports whether writing path creates or updates it.
func outcomeFor(path string) Outcome {
	if pathExists(path) {
		return OutcomeUpdated
	}
	return OutcomeCreated
}
