// Package dependency implements a version resolver: given root
// constraints contributed by active deployment groups, compute a single
// consistent name→version assignment or report a conflict naming every
// constraint that could not be jointly satisfied.
package dependency

import (
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"

	"fleetkeeper/internal/ferrors"
)

// CandidateVersion is one published version of a component available to
// the resolver.
type CandidateVersion struct {
	Version     *semver.Version
	PublishedAt time.Time
}

// Catalog supplies candidate versions and their declared dependencies.
// Implementations typically read through RecipeStore/ArtifactStore.
// Dependencies maps each dependency name to its version range; the
// HARD/SOFT dependency kind matters to the orchestrator, not to version
// resolution, so it is deliberately absent here.
type Catalog interface {
	Versions(name string) ([]CandidateVersion, error)
	Dependencies(name, version string) (map[string]string, error)
}

// Constraint is one version-range requirement on a component name,
// attributed to the component or group that introduced it so a conflict
// can name its origins.
type Constraint struct {
	Range  string
	Origin string
}

// ConflictError is returned when no candidate for Name satisfies the
// intersection of Constraints.
type ConflictError struct {
	Name        string
	Constraints []Constraint
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("dependency: no version of %s satisfies all constraints: %v", e.Name, e.Constraints)
}

// MultipleNucleusError is fatal: more than one mutually-exclusive nucleus
// alternative was resolved into the active set.
type MultipleNucleusError struct {
	Chosen []string
}

func (e *MultipleNucleusError) Error() string {
	return fmt.Sprintf("dependency: multiple nucleus components resolved: %v", e.Chosen)
}

// Resolver performs conflict-driven backjumping search over a Catalog.
type Resolver struct {
	catalog    Catalog
	nucleusSet map[string]bool
}

// NewResolver builds a Resolver. nucleusNames lists component names that
// are mutually-exclusive alternatives for the nucleus singleton; at most
// one may appear in any resolved set.
func NewResolver(catalog Catalog, nucleusNames ...string) *Resolver {
	set := make(map[string]bool, len(nucleusNames))
	for _, n := range nucleusNames {
		set[n] = true
	}
	return &Resolver{catalog: catalog, nucleusSet: set}
}

// Resolve computes a name→version assignment satisfying every transitive
// constraint reachable from roots, or returns *ConflictError /
// *MultipleNucleusError.
func (r *Resolver) Resolve(roots map[string][]Constraint) (map[string]string, error) {
	constraints := cloneConstraints(roots)
	worklist := sortedKeys(roots)

	assigned := map[string]string{}
	_, err := r.resolveNext(worklist, constraints, assigned)
	if err != nil {
		return nil, err
	}

	var nucleusChosen []string
	for name := range assigned {
		if r.nucleusSet[name] {
			nucleusChosen = append(nucleusChosen, name)
		}
	}
	if len(nucleusChosen) > 1 {
		sort.Strings(nucleusChosen)
		return nil, &MultipleNucleusError{Chosen: nucleusChosen}
	}

	return assigned, nil
}

// resolveNext processes worklist against constraints/assigned, mutating
// assigned in place on success. It returns the set of origin names that
// contributed to a failure (for backjump) when it fails.
func (r *Resolver) resolveNext(worklist []string, constraints map[string][]Constraint, assigned map[string]string) (map[string]bool, error) {
	if len(worklist) == 0 {
		return nil, nil
	}
	name, rest := worklist[0], worklist[1:]

	if existing, ok := assigned[name]; ok {
		if err := r.checkSatisfies(name, existing, constraints[name]); err != nil {
			return blameSet(constraints[name]), err
		}
		return r.resolveNext(rest, constraints, assigned)
	}

	candidates, err := r.catalog.Versions(name)
	if err != nil {
		return nil, fmt.Errorf("dependency: list versions of %s: %w", name, err)
	}
	candidates = filterAndSort(candidates, constraints[name])
	if len(candidates) == 0 {
		return blameSet(constraints[name]), &ConflictError{Name: name, Constraints: constraints[name]}
	}

	var lastErr error
	lastBlame := map[string]bool{}
	for _, cand := range candidates {
		verStr := cand.Version.Original()
		deps, err := r.catalog.Dependencies(name, verStr)
		if err != nil {
			return nil, fmt.Errorf("dependency: load dependencies of %s@%s: %w", name, verStr, err)
		}

		nextConstraints := cloneConstraints(constraints)
		nextWorklist := append([]string(nil), rest...)
		depNames := make([]string, 0, len(deps))
		for depName := range deps {
			depNames = append(depNames, depName)
		}
		sort.Strings(depNames)
		for _, depName := range depNames {
			if _, exists := nextConstraints[depName]; !exists {
				nextWorklist = append(nextWorklist, depName)
			}
			nextConstraints[depName] = append(nextConstraints[depName], Constraint{Range: deps[depName], Origin: name + "@" + verStr})
		}

		nextAssigned := cloneAssigned(assigned)
		nextAssigned[name] = verStr

		blame, err := r.resolveNext(nextWorklist, nextConstraints, nextAssigned)
		if err == nil {
			copyAssignedInto(assigned, nextAssigned)
			return nil, nil
		}
		if !blame[name] {
			// backjump: this candidate choice for `name` was not the
			// cause; no point trying the remaining candidates either.
			return blame, err
		}
		// blame includes us: try the next candidate.
		lastErr = err
		for k := range blame {
			if k != name {
				lastBlame[k] = true
			}
		}
	}

	// Every candidate failed on a deeper conflict: report that conflict,
	// blaming whatever constrained `name` plus what the deeper failures blamed.
	for k := range blameSet(constraints[name]) {
		lastBlame[k] = true
	}
	return lastBlame, lastErr
}

func (r *Resolver) checkSatisfies(name, version string, cs []Constraint) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("dependency: invalid version %q: %w", version, err)
	}
	for _, c := range cs {
		constraint, err := semver.NewConstraint(c.Range)
		if err != nil {
			return ferrors.Wrap(ferrors.KindRecipeParse, err, fmt.Sprintf("invalid version range %q from %s", c.Range, c.Origin))
		}
		if !constraint.Check(v) {
			return &ConflictError{Name: name, Constraints: cs}
		}
	}
	return nil
}

func blameSet(cs []Constraint) map[string]bool {
	blame := make(map[string]bool, len(cs))
	for _, c := range cs {
		origin := c.Origin
		if idx := indexOf(origin, '@'); idx >= 0 {
			origin = origin[:idx]
		}
		blame[origin] = true
	}
	return blame
}

func indexOf(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func filterAndSort(candidates []CandidateVersion, cs []Constraint) []CandidateVersion {
	constraints := make([]*semver.Constraints, 0, len(cs))
	for _, c := range cs {
		parsed, err := semver.NewConstraint(c.Range)
		if err != nil {
			continue
		}
		constraints = append(constraints, parsed)
	}

	var out []CandidateVersion
	for _, cand := range candidates {
		ok := true
		for _, c := range constraints {
			if !c.Check(cand.Version) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, cand)
		}
	}

	// descending semver, ties broken by publish time (newer first):
	// fixed tie-breakers for determinism.
	sort.SliceStable(out, func(i, j int) bool {
		cmp := out[i].Version.Compare(out[j].Version)
		if cmp != 0 {
			return cmp > 0
		}
		return out[i].PublishedAt.After(out[j].PublishedAt)
	})
	return out
}

func cloneConstraints(in map[string][]Constraint) map[string][]Constraint {
	out := make(map[string][]Constraint, len(in))
	for k, v := range in {
		out[k] = append([]Constraint(nil), v...)
	}
	return out
}

func cloneAssigned(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyAssignedInto(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}

func sortedKeys(m map[string][]Constraint) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
