package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/renameio"
	"gopkg.in/yaml.v3"
)

// DefaultPaddingLength is the install path length used by --with-padding.
const DefaultPaddingLength = 128

// ApplyPadding sets config:install_tree:padded_length in the instance's
// config.yaml, keeping every other key already there. It does nothing
// unless enabled.
func ApplyPadding(dest Layout, enabled bool, length int) (Action, bool, error) {
	if !enabled {
		return Action{}, false, nil
	}
	if length <= 0 {
		return Action{}, false, &ConfigurationError{Reason: fmt.Sprintf("padding length must be positive, got %d", length)}
	}

	path := dest.ConfigFile()
	outcome := outcomeFor(path)

	var doc yaml.Node
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return Action{}, false, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return Action{}, false, &ConfigurationError{Reason: "malformed " + path, Err: err}
		}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode}}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return Action{}, false, &ConfigurationError{Reason: path + ": top level is not a mapping"}
	}

	tree := childMapping(childMapping(root, "config"), "install_tree", "root")
	setScalar(tree, "padded_length", strconv.Itoa(length), "!!int")

	if err := writeYAML(path, &doc); err != nil {
		return Action{}, false, err
	}
	return Action{Stage: StagePolicy, Path: path, Outcome: outcome, Detail: fmt.Sprintf("padded_length %d", length)}, true, nil
}

// childMapping returns the mapping stored under key in m, creating it when
// missing. A scalar found there is moved under scalarKey of the new mapping,
// which upgrades the legacy "install_tree: <path>" form.
func childMapping(m *yaml.Node, key string, scalarKey ...string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if strings.TrimRight(m.Content[i].Value, ":") != key {
			continue
		}
		v := m.Content[i+1]
		switch {
		case v.Kind == yaml.MappingNode:
			return v
		case v.Kind == yaml.ScalarNode && v.Tag != "!!null" && len(scalarKey) > 0:
			old := *v
			m.Content[i+1] = &yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{strNode(scalarKey[0]), &old}}
		default:
			m.Content[i+1] = &yaml.Node{Kind: yaml.MappingNode}
		}
		return m.Content[i+1]
	}
	child := &yaml.Node{Kind: yaml.MappingNode}
	m.Content = append(m.Content, strNode(key), child)
	return child
}

func setScalar(m *yaml.Node, key, value, tag string) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content[i+1] = &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value}
			return
		}
	}
	m.Content = append(m.Content, strNode(key), &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value})
}

var activationScripts = []struct {
	dialect string
	format  string
}{
	{"sh", "export SPACK_SKIP_MODULES=true\nexport SPACK_DISABLE_LOCAL_CONFIG=true\n. %s\n"},
	{"csh", "setenv SPACK_SKIP_MODULES true\nsetenv SPACK_DISABLE_LOCAL_CONFIG true\nsource %s\n"},
}

// WriteActivationScripts writes the POSIX shell and C shell wrappers at the
// instance prefix. They are derived from the prefix alone and always
// replaced.
func WriteActivationScripts(dest Layout) ([]Action, error) {
	var actions []Action
	for _, s := range activationScripts {
		path := dest.WrapperScript(s.dialect)
		outcome := outcomeFor(path)
		content := fmt.Sprintf(s.format, dest.SetupScript(s.dialect))
		if err := renameio.WriteFile(path, []byte(content), 0o644); err != nil {
			return actions, fmt.Errorf("writing %s: %w", path, err)
		}
		actions = append(actions, Action{Stage: StagePolicy, Path: path, Outcome: outcome, Detail: "activation script"})
	}
	return actions, nil
}
