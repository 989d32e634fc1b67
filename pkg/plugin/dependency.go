package plugin

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ResolveOrder returns manifest IDs with dependencies before dependents.
// Plugins whose dependencies are missing or version-incompatible are left
// out and reported in the error map; a dependency cycle fails the whole
// resolution.
func ResolveOrder(manifests map[string]*Manifest) ([]string, map[string]error, error) {
	rejected := make(map[string]error)

	// Rejections cascade: dropping a plugin can break its dependents.
	for changed := true; changed; {
		changed = false
		for id, m := range manifests {
			if _, gone := rejected[id]; gone {
				continue
			}
			if err := checkDependencies(m, manifests, rejected); err != nil {
				rejected[id] = err
				changed = true
			}
		}
	}

	ids := make([]string, 0, len(manifests))
	for id := range manifests {
		if _, gone := rejected[id]; !gone {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var (
		order   []string
		visited = make(map[string]bool)
		onPath  = make(map[string]bool)
		path    []string
	)
	var visit func(id string) error
	visit = func(id string) error {
		if onPath[id] {
			start := 0
			for i, p := range path {
				if p == id {
					start = i
					break
				}
			}
			cycle := append(append([]string{}, path[start:]...), id)
			return fmt.Errorf("dependency cycle: %s", strings.Join(cycle, " -> "))
		}
		if visited[id] {
			return nil
		}
		onPath[id] = true
		path = append(path, id)

		deps := make([]string, 0, len(manifests[id].Dependencies))
		for _, dep := range manifests[id].Dependencies {
			deps = append(deps, dep.PluginID)
		}
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}

		path = path[:len(path)-1]
		onPath[id] = false
		visited[id] = true
		order = append(order, id)
		return nil
	}

	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, rejected, err
		}
	}
	return order, rejected, nil
}

func checkDependencies(m *Manifest, manifests map[string]*Manifest, rejected map[string]error) error {
	for _, dep := range m.Dependencies {
		target, ok := manifests[dep.PluginID]
		if !ok {
			return fmt.Errorf("missing dependency: %s", dep.PluginID)
		}
		if _, gone := rejected[dep.PluginID]; gone {
			return fmt.Errorf("dependency %s was not loaded", dep.PluginID)
		}
		if dep.Version == "" {
			continue
		}
		if err := checkVersion(target.Version, dep.Version); err != nil {
			return fmt.Errorf("incompatible dependency version for %s: %w", dep.PluginID, err)
		}
	}
	return nil
}

func checkVersion(version, constraint string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid version %s: %w", version, err)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("invalid version constraint %s: %w", constraint, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("version %s does not satisfy constraint %s", version, constraint)
	}
	return nil
}
