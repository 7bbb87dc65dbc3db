package core

import (
	"fmt"
	"path/filepath"
)

// RepoPlan is the set of repositories to provision plus the repos
// configuration to write into the new instance.
type RepoPlan struct {
	Sources []RepoSource
	Config  any // value of the top-level "repos" key, rewritten for the new instance
}

// PlanRepos reads the source's "repos" configuration and resolves each
// entry against both installations.
//
// The list form ([path, ...]) places each repository at
// var/spack/repos/<base> of the new instance. The mapping form keeps the
// configured destination, substituting the new prefix for the root marker
// or the source root. Mapping entries without a local destination are kept
// in the written configuration but not provisioned.
func PlanRepos(settings Settings, source, dest Layout) (RepoPlan, error) {
	raw, ok := settings.Lookup("repos")
	if !ok || raw == nil {
		return RepoPlan{}, nil
	}

	switch roots := raw.(type) {
	case []any:
		return planRepoList(roots, source, dest)
	case map[string]any:
		return planRepoMap(roots, source, dest)
	default:
		return RepoPlan{}, &ConfigurationError{Reason: fmt.Sprintf("repos: unsupported value of type %T", raw)}
	}
}

func planRepoList(roots []any, source, dest Layout) (RepoPlan, error) {
	var plan RepoPlan
	rewritten := make([]any, 0, len(roots))
	for _, item := range roots {
		p, ok := item.(string)
		if !ok {
			return RepoPlan{}, &ConfigurationError{Reason: fmt.Sprintf("repos: entry %v is not a path", item)}
		}
		src := canonicalizePath(source, p)
		base := filepath.Base(src)
		plan.Sources = append(plan.Sources, RepoSource{
			Name:        base,
			Source:      src,
			Destination: filepath.Join(dest.ReposDir(), base),
		})
		rewritten = append(rewritten, rootMarker+"/var/spack/repos/"+base)
	}
	plan.Config = rewritten
	return plan, nil
}

func planRepoMap(roots map[string]any, source, dest Layout) (RepoPlan, error) {
	var plan RepoPlan
	rewritten := make(map[string]any, len(roots))
	for _, name := range sortedKeys(roots) {
		switch entry := roots[name].(type) {
		case string:
			plan.Sources = append(plan.Sources, RepoSource{
				Name:        name,
				Source:      canonicalizePath(source, entry),
				Destination: destinationFor(entry, source, dest),
			})
			rewritten[name] = source.Relativize(entry)
		case map[string]any:
			copied := make(map[string]any, len(entry))
			for k, v := range entry {
				copied[k] = v
			}
			if d, ok := entry["destination"].(string); ok && d != "" {
				branch, _ := entry["branch"].(string)
				plan.Sources = append(plan.Sources, RepoSource{
					Name:        name,
					Source:      canonicalizePath(source, d),
					Destination: destinationFor(d, source, dest),
					Branch:      branch,
				})
				copied["destination"] = source.Relativize(d)
			}
			rewritten[name] = copied
		default:
			return RepoPlan{}, &ConfigurationError{Reason: fmt.Sprintf("repos: entry %q has unsupported type %T", name, entry)}
		}
	}
	plan.Config = rewritten
	return plan, nil
}

// destinationFor maps a configured repository path into the new instance.
func destinationFor(p string, source, dest Layout) string {
	rel := source.Relativize(filepath.Clean(expandPath(p)))
	return canonicalizePath(dest, rel)
}

// WriteReposConfig writes the planned repos configuration into the new
// instance. Nothing is written when the source declares no repositories.
func WriteReposConfig(dest Layout, plan RepoPlan) (Action, bool, error) {
	if plan.Config == nil {
		return Action{}, false, nil
	}
	outcome := OutcomeCreated
	if pathExists(dest.ReposFile()) {
		outcome = OutcomeUpdated
	}
	if err := writeYAML(dest.ReposFile(), map[string]any{"repos": plan.Config}); err != nil {
		return Action{}, false, err
	}
	return Action{Stage: StageRepos, Path: dest.ReposFile(), Outcome: outcome}, true, nil
}
