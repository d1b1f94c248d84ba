// Package resolver computes a deterministic execution order over a project's
// feature dependency graph and decides which features may start now.
//
// Resolution is pure and cheap, so callers recompute it on every dispatch
// tick instead of caching admissibility across status changes.
package resolver

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/automaker/orchestrator/internal/feature"
)

// unsetPriorityRank sorts features without an explicit priority after every
// prioritized one.
const unsetPriorityRank = math.MaxInt

// ConditionKind classifies why a feature cannot be admitted.
type ConditionKind string

const (
	// ConditionMissingDependency means a dependency id does not exist.
	ConditionMissingDependency ConditionKind = "missing_dependency"
	// ConditionCycle means the feature is part of a dependency cycle.
	ConditionCycle ConditionKind = "cycle"
	// ConditionBlockedByCycle means a transitive dependency is part of a cycle.
	ConditionBlockedByCycle ConditionKind = "blocked_by_cycle"
)

// Condition is a per-feature admission problem.
type Condition struct {
	FeatureID string        `json:"featureId"`
	Kind      ConditionKind `json:"kind"`
	Related   []string      `json:"related,omitempty"`
}

func (c Condition) String() string {
	return fmt.Sprintf("%s: %s (%s)", c.FeatureID, c.Kind, strings.Join(c.Related, ", "))
}

// CycleError reports every dependency cycle found in the graph.
type CycleError struct {
	// Cycles holds one entry per strongly connected component, members in creation order.
	Cycles [][]string
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Cycles))
	for i, c := range e.Cycles {
		parts[i] = strings.Join(c, " -> ")
	}
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(parts, "; "))
}

// Members returns the set of feature ids that sit on a cycle.
func (e *CycleError) Members() map[string]bool {
	m := make(map[string]bool)
	for _, c := range e.Cycles {
		for _, id := range c {
			m[id] = true
		}
	}
	return m
}

// Result is the outcome of resolving one graph snapshot.
type Result struct {
	// Order is a stable topological order over every feature not involved in a cycle.
	Order []string
	// Admissible lists, in Order, the features that may start now.
	Admissible []string
	// Missing maps a feature id to its dangling dependency ids.
	Missing map[string][]string
	// Cyclic holds cycle members; BlockedByCycle holds their transitive dependents.
	Cyclic         map[string]bool
	BlockedByCycle map[string][]string
}

// IsAdmissible reports whether id is in the admissible set.
func (r *Result) IsAdmissible(id string) bool {
	for _, a := range r.Admissible {
		if a == id {
			return true
		}
	}
	return false
}

// Conditions flattens every admission problem into a list ordered by feature id.
func (r *Result) Conditions() []Condition {
	var out []Condition
	for id, deps := range r.Missing {
		out = append(out, Condition{FeatureID: id, Kind: ConditionMissingDependency, Related: deps})
	}
	for id := range r.Cyclic {
		out = append(out, Condition{FeatureID: id, Kind: ConditionCycle})
	}
	for id, via := range r.BlockedByCycle {
		out = append(out, Condition{FeatureID: id, Kind: ConditionBlockedByCycle, Related: via})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FeatureID != out[j].FeatureID {
			return out[i].FeatureID < out[j].FeatureID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// node is the resolver's view of one feature.
type node struct {
	f     *feature.Feature
	index int // position in creation order
	deps  []int
}

// Resolve orders features so each appears after its dependencies and picks the
// admissible ones. A non-nil *CycleError is returned alongside a usable Result
// when the graph has cycles: cyclic features and their dependents are left out
// and everything else is resolved normally.
func Resolve(features []*feature.Feature) (*Result, error) {
	nodes := buildNodes(features)
	byID := make(map[string]int, len(nodes))
	for i, n := range nodes {
		byID[n.f.ID] = i
	}

	res := &Result{
		Missing:        make(map[string][]string),
		Cyclic:         make(map[string]bool),
		BlockedByCycle: make(map[string][]string),
	}

	for i := range nodes {
		for _, dep := range nodes[i].f.Dependencies {
			j, ok := byID[dep]
			if !ok {
				res.Missing[nodes[i].f.ID] = append(res.Missing[nodes[i].f.ID], dep)
				continue
			}
			nodes[i].deps = append(nodes[i].deps, j)
		}
	}

	cycles := findCycles(nodes)
	excluded := make([]bool, len(nodes))
	for _, c := range cycles {
		for _, i := range c {
			excluded[i] = true
			res.Cyclic[nodes[i].f.ID] = true
		}
	}
	markCycleDependents(nodes, excluded, res)

	res.Order = topoOrder(nodes, excluded)

	for _, id := range res.Order {
		n := nodes[byID[id]]
		if admissible(n, nodes, res) {
			res.Admissible = append(res.Admissible, id)
		}
	}

	if len(cycles) > 0 {
		cerr := &CycleError{}
		for _, c := range cycles {
			ids := make([]string, len(c))
			for k, i := range c {
				ids[k] = nodes[i].f.ID
			}
			cerr.Cycles = append(cerr.Cycles, ids)
		}
		return res, cerr
	}
	return res, nil
}

// Admissible is a convenience wrapper returning only the admissible features,
// in dispatch order, together with any cycle error.
func Admissible(features []*feature.Feature) ([]*feature.Feature, *Result, error) {
	res, err := Resolve(features)
	byID := make(map[string]*feature.Feature, len(features))
	for _, f := range features {
		byID[f.ID] = f
	}
	out := make([]*feature.Feature, 0, len(res.Admissible))
	for _, id := range res.Admissible {
		out = append(out, byID[id])
	}
	return out, res, err
}

// buildNodes sorts features by creation order. Seq is used when every feature
// carries one, otherwise input position is the creation order.
func buildNodes(features []*feature.Feature) []node {
	nodes := make([]node, 0, len(features))
	seen := make(map[string]bool, len(features))
	allSeq := true
	for _, f := range features {
		if f == nil || seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		nodes = append(nodes, node{f: f})
		if f.Seq <= 0 {
			allSeq = false
		}
	}
	if allSeq {
		sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].f.Seq < nodes[j].f.Seq })
	}
	for i := range nodes {
		nodes[i].index = i
	}
	return nodes
}

func admissible(n node, nodes []node, res *Result) bool {
	if n.f.Status != feature.StatusBacklog {
		return false
	}
	if len(res.Missing[n.f.ID]) > 0 {
		return false
	}
	for _, d := range n.deps {
		if !nodes[d].f.Status.Satisfies() {
			return false
		}
	}
	return true
}

func priorityRank(f *feature.Feature) int {
	if f.Priority > 0 {
		return f.Priority
	}
	return unsetPriorityRank
}

// topoOrder runs Kahn's algorithm over non-excluded nodes, always taking the
// ready node with the best (priority, creation index) key.
func topoOrder(nodes []node, excluded []bool) []string {
	indegree := make([]int, len(nodes))
	dependents := make([][]int, len(nodes))
	for i, n := range nodes {
		if excluded[i] {
			continue
		}
		for _, d := range n.deps {
			if excluded[d] {
				continue
			}
			indegree[i]++
			dependents[d] = append(dependents[d], i)
		}
	}

	var ready []int
	for i := range nodes {
		if !excluded[i] && indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	less := func(a, b int) bool {
		pa, pb := priorityRank(nodes[a].f), priorityRank(nodes[b].f)
		if pa != pb {
			return pa < pb
		}
		return nodes[a].index < nodes[b].index
	}

	order := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		order = append(order, nodes[next].f.ID)
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	return order
}

// findCycles returns the strongly connected components that form cycles,
// using Tarjan's algorithm. Components and their members come back in
// creation order.
func findCycles(nodes []node) [][]int {
	var (
		index   = 0
		stack   []int
		onStack = make([]bool, len(nodes))
		indices = make([]int, len(nodes))
		lowlink = make([]int, len(nodes))
		cycles  [][]int
	)
	for i := range indices {
		indices[i] = -1
	}

	var strongConnect func(v int)
	strongConnect = func(v int) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range nodes[v].deps {
			if indices[w] == -1 {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] != indices[v] {
			return
		}
		var comp []int
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			comp = append(comp, w)
			if w == v {
				break
			}
		}
		if len(comp) > 1 || selfLoop(nodes[v]) {
			sort.Ints(comp)
			cycles = append(cycles, comp)
		}
	}

	for i := range nodes {
		if indices[i] == -1 {
			strongConnect(i)
		}
	}

	sort.Slice(cycles, func(i, j int) bool { return cycles[i][0] < cycles[j][0] })
	return cycles
}

func selfLoop(n node) bool {
	for _, d := range n.deps {
		if d == n.index {
			return true
		}
	}
	return false
}

// markCycleDependents excludes every feature that transitively depends on a
// cycle member, recording which cycle members block it.
func markCycleDependents(nodes []node, excluded []bool, res *Result) {
	if len(res.Cyclic) == 0 {
		return
	}
	memo := make(map[int][]string)
	visiting := make(map[int]bool)

	var blockers func(i int) []string
	blockers = func(i int) []string {
		if b, ok := memo[i]; ok {
			return b
		}
		if visiting[i] {
			return nil
		}
		visiting[i] = true
		set := make(map[string]bool)
		for _, d := range nodes[i].deps {
			if res.Cyclic[nodes[d].f.ID] {
				set[nodes[d].f.ID] = true
				continue
			}
			for _, b := range blockers(d) {
				set[b] = true
			}
		}
		visiting[i] = false
		out := make([]string, 0, len(set))
		for id := range set {
			out = append(out, id)
		}
		sort.Strings(out)
		memo[i] = out
		return out
	}

	for i := range nodes {
		if excluded[i] {
			continue
		}
		if b := blockers(i); len(b) > 0 {
			excluded[i] = true
			res.BlockedByCycle[nodes[i].f.ID] = b
		}
	}
}
