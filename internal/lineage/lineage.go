package lineage

import (
	"slices"
	"strings"

	"github.com/danielpatrickdp/resonance/internal/state"
)

// #region types
// Edge links a parent to a child spawned from it.
type Edge struct {
	ParentID string
	ChildID  string
	Recipe   state.Recipe
	Weight   float64 // 1 for the primary parent, 0.5 for a recombination donor
	CycleID  int64
}

// WalkResult holds nodes in visit order with their depth from the entry.
type WalkResult struct {
	IDs    []string
	Depths []int
}

// Graph is the parent/child view of a population. It is built from the
// weak parent_id references and the mutation jobs and owns no detector.
type Graph struct {
	children map[string][]Edge
	parents  map[string][]Edge
}

// #endregion types

// #region build
// Build indexes detectors and jobs. A child without a job is linked to its
// parent_id with an empty recipe.
func Build(detectors []state.DetectorState, jobs []state.MutationJob) *Graph {
	g := &Graph{children: make(map[string][]Edge), parents: make(map[string][]Edge)}
	seen := make(map[[2]string]bool)
	add := func(e Edge) {
		key := [2]string{e.ParentID, e.ChildID}
		if e.ParentID == "" || seen[key] {
			return
		}
		seen[key] = true
		g.children[e.ParentID] = append(g.children[e.ParentID], e)
		g.parents[e.ChildID] = append(g.parents[e.ChildID], e)
	}

	for _, j := range jobs {
		for _, c := range j.ChildrenIDs {
			add(Edge{ParentID: j.ParentID, ChildID: c, Recipe: j.Recipe, Weight: 1, CycleID: j.CycleID})
			if j.SecondParentID != "" {
				add(Edge{ParentID: j.SecondParentID, ChildID: c, Recipe: j.Recipe, Weight: 0.5, CycleID: j.CycleID})
			}
		}
	}
	for _, d := range detectors {
		add(Edge{ParentID: d.ParentID, ChildID: d.ID, Weight: 1, CycleID: d.EnteredCycle})
	}

	byChild := func(a, b Edge) int { return strings.Compare(a.ChildID, b.ChildID) }
	byParent := func(a, b Edge) int {
		if a.Weight != b.Weight {
			if a.Weight > b.Weight {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ParentID, b.ParentID)
	}
	for id := range g.children {
		slices.SortFunc(g.children[id], byChild)
	}
	for id := range g.parents {
		slices.SortFunc(g.parents[id], byParent)
	}
	return g
}

// #endregion build

// #region queries
// Children returns the direct children of id, sorted by child id.
func (g *Graph) Children(id string) []Edge {
	return g.children[id]
}

// Parents returns the parents of id, primary first.
func (g *Graph) Parents(id string) []Edge {
	return g.parents[id]
}

// Ancestors follows primary parents from id up to the root. The result
// starts with the direct parent.
func (g *Graph) Ancestors(id string) []string {
	var out []string
	visited := map[string]bool{id: true}
	for {
		ps := g.parents[id]
		if len(ps) == 0 || visited[ps[0].ParentID] {
			return out
		}
		id = ps[0].ParentID
		visited[id] = true
		out = append(out, id)
	}
}

// #endregion queries

// #region walk
// Walk performs a BFS over descendants of entryID up to maxDepth hops and
// maxNodes total. The entry itself is first, at depth 0.
func (g *Graph) Walk(entryID string, maxDepth, maxNodes int) WalkResult {
	if maxDepth <= 0 {
		maxDepth = 5
	}
	if maxNodes <= 0 {
		maxNodes = 64
	}

	result := WalkResult{IDs: []string{entryID}, Depths: []int{0}}
	visited := map[string]bool{entryID: true}

	type queueItem struct {
		id    string
		depth int
	}
	queue := []queueItem{{entryID, 0}}

	for len(queue) > 0 && len(result.IDs) < maxNodes {
		current := queue[0]
		queue = queue[1:]
		if current.depth >= maxDepth {
			continue
		}
		for _, edge := range g.children[current.id] {
			if len(result.IDs) >= maxNodes {
				break
			}
			if visited[edge.ChildID] {
				continue
			}
			visited[edge.ChildID] = true
			result.IDs = append(result.IDs, edge.ChildID)
			result.Depths = append(result.Depths, current.depth+1)
			queue = append(queue, queueItem{edge.ChildID, current.depth + 1})
		}
	}
	return result
}

// #endregion walk
