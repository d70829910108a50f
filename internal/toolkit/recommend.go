package toolkit

import "sort"

// Subgraph is the result of a recommendation query.
type Subgraph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`

	actions map[string]Action
	tools   map[string]Tool
}

// HasNode reports whether id is part of the subgraph.
func (s *Subgraph) HasNode(id string) bool {
	for _, n := range s.Nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}

// Recommend expands seeds up to hops next-edges away. Every action within
// reach is kept; tools are kept only when their call-edge score is at least
// threshold. The subgraph holds all next-edges among kept actions plus the
// qualifying call-edges. Unknown seeds are ignored.
func (g *Graph) Recommend(seeds []string, threshold float64, hops int) *Subgraph {
	return g.recommend(seeds, threshold, hops, false)
}

// RecommendStrict gates traversal on the threshold too: a next-edge is only
// followed, and only kept, when its score is at least threshold.
func (g *Graph) RecommendStrict(seeds []string, threshold float64, hops int) *Subgraph {
	return g.recommend(seeds, threshold, hops, true)
}

func (g *Graph) recommend(seeds []string, threshold float64, hops int, strict bool) *Subgraph {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if hops < 0 {
		hops = 0
	}
	visited := make(map[string]bool)
	var frontier []string
	for _, id := range seeds {
		if _, ok := g.actions[id]; ok && !visited[id] {
			visited[id] = true
			frontier = append(frontier, id)
		}
	}

	for depth := 0; depth < hops && len(frontier) > 0; depth++ {
		var nextFrontier []string
		for _, id := range frontier {
			for _, to := range sortedKeys(g.next[id]) {
				if strict && g.next[id][to] < threshold {
					continue
				}
				if !visited[to] {
					visited[to] = true
					nextFrontier = append(nextFrontier, to)
				}
			}
		}
		frontier = nextFrontier
	}

	sub := &Subgraph{
		actions: make(map[string]Action, len(visited)),
		tools:   make(map[string]Tool),
	}
	actionIDs := sortedKeys(visited)
	for _, id := range actionIDs {
		sub.actions[id] = g.actions[id]
		sub.Nodes = append(sub.Nodes, Node{ID: id, Type: NodeAction})
	}

	for _, from := range actionIDs {
		for _, to := range sortedKeys(g.next[from]) {
			score := g.next[from][to]
			if !visited[to] || (strict && score < threshold) {
				continue
			}
			sub.Edges = append(sub.Edges, Edge{From: from, To: to, Type: EdgeNext, Score: score})
		}
	}

	var toolIDs []string
	for _, from := range actionIDs {
		for _, tid := range sortedKeys(g.calls[from]) {
			score := g.calls[from][tid]
			if score < threshold {
				continue
			}
			if _, seen := sub.tools[tid]; !seen {
				sub.tools[tid] = g.tools[tid]
				toolIDs = append(toolIDs, tid)
			}
			sub.Edges = append(sub.Edges, Edge{From: from, To: tid, Type: EdgeCall, Score: score})
		}
	}
	sort.Strings(toolIDs)
	for _, tid := range toolIDs {
		sub.Nodes = append(sub.Nodes, Node{ID: tid, Type: NodeTool})
	}
	return sub
}

// RecommendedActions materialises the actions of sub, with successors and
// tools restricted to the subgraph.
func RecommendedActions(sub *Subgraph) []Action {
	if sub == nil {
		return nil
	}
	byID := make(map[string]*Action, len(sub.actions))
	var order []string
	for _, n := range sub.Nodes {
		if n.Type != NodeAction {
			continue
		}
		a := sub.actions[n.ID]
		a.NextActionIDs = nil
		a.Tools = nil
		byID[n.ID] = &a
		order = append(order, n.ID)
	}
	for _, e := range sub.Edges {
		a, ok := byID[e.From]
		if !ok {
			continue
		}
		switch e.Type {
		case EdgeNext:
			if _, in := byID[e.To]; in {
				a.NextActionIDs = append(a.NextActionIDs, e.To)
			}
		case EdgeCall:
			if t, in := sub.tools[e.To]; in {
				a.Tools = append(a.Tools, t)
			}
		}
	}
	out := make([]Action, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

// RecommendedActions is a convenience wrapper over Recommend or RecommendStrict.
func (g *Graph) RecommendedActions(seeds []string, threshold float64, hops int, strict bool) []Action {
	return RecommendedActions(g.recommend(seeds, threshold, hops, strict))
}
