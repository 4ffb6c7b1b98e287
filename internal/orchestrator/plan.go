package orchestrator

import "sort"

// ActionKind distinguishes a start from a stop action within a Plan.
type ActionKind int

const (
	ActionStop ActionKind = iota
	ActionStart
)

func (k ActionKind) String() string {
	if k == ActionStop {
		return "STOP"
	}
	return "START"
}

// Phase is a set of actions that may run concurrently; the Orchestrator
// waits for a phase to quiesce before starting the next.
type Phase struct {
	Kind    ActionKind
	Actions []string
}

// Plan is an ordered list of phased actions: STOP phases in
// reverse-topological order followed by START phases in topological
// order.
type Plan struct {
	Phases []Phase
}

// Plan computes the phased actions needed to move from current to
// desired, given the dependency graph g (edges already describing the
// union of current and desired components). Returns *CycleError if g has
// a cycle.
func (g *Graph) Plan(current, desired map[string]bool) (*Plan, error) {
	levels, err := g.levels()
	if err != nil {
		return nil, err
	}

	var plan Plan

	// STOP: components present in current but not desired, in
	// reverse-topological order (dependents stop before dependencies).
	for i := len(levels) - 1; i >= 0; i-- {
		var toStop []string
		for _, name := range levels[i] {
			if current[name] && !desired[name] {
				toStop = append(toStop, name)
			}
		}
		if len(toStop) > 0 {
			sort.Strings(toStop)
			plan.Phases = append(plan.Phases, Phase{Kind: ActionStop, Actions: toStop})
		}
	}

	// START: components present in desired but not current, in
	// topological order (dependencies start before dependents).
	for _, level := range levels {
		var toStart []string
		for _, name := range level {
			if desired[name] && !current[name] {
				toStart = append(toStart, name)
			}
		}
		if len(toStart) > 0 {
			sort.Strings(toStart)
			plan.Phases = append(plan.Phases, Phase{Kind: ActionStart, Actions: toStart})
		}
	}

	return &plan, nil
}

// levels groups the graph's components into maximal-parallelism
// dependency layers: layer 0 has no dependencies, layer N's components
// depend only on layers < N.
func (g *Graph) levels() ([][]string, error) {
	inDegree := make(map[string]int, len(g.edges))
	dependents := make(map[string][]string, len(g.edges))
	for name := range g.edges {
		inDegree[name] = 0
	}
	for name, deps := range g.edges {
		for dep := range deps {
			inDegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var levels [][]string
	remaining := len(g.edges)
	for remaining > 0 {
		var layer []string
		for name, deg := range inDegree {
			if deg == 0 {
				layer = append(layer, name)
			}
		}
		if len(layer) == 0 {
			var stuck []string
			for name, deg := range inDegree {
				if deg > 0 {
					stuck = append(stuck, name)
				}
			}
			sort.Strings(stuck)
			return nil, &CycleError{Components: stuck}
		}
		sort.Strings(layer)
		levels = append(levels, layer)
		for _, name := range layer {
			delete(inDegree, name)
			remaining--
			for _, dep := range dependents[name] {
				inDegree[dep]--
			}
		}
	}
	return levels, nil
}
