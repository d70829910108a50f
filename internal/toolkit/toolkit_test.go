package toolkit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func mustAction(t *testing.T, g *Graph, id string, next, prev []Link) {
	t.Helper()
	if err := g.AddAction(Action{ID: id, Name: id, Description: "do " + id}, next, prev); err != nil {
		t.Fatalf("adding action %s: %v", id, err)
	}
}

// sampleGraph builds A1..A4 with T1..T4 attached one-to-one.
func sampleGraph(t *testing.T) *Graph {
	t.Helper()
	g := New()
	mustAction(t, g, "A4", nil, nil)
	mustAction(t, g, "A3", []Link{{ID: "A4", Score: 0.7}}, nil)
	mustAction(t, g, "A2", []Link{{ID: "A3", Score: 0.7}, {ID: "A4", Score: 0.9}}, nil)
	mustAction(t, g, "A1", []Link{{ID: "A2", Score: 0.8}, {ID: "A3", Score: 0.6}}, nil)

	calls := map[string]float64{"A1": 0.9, "A2": 0.8, "A3": 0.9, "A4": 0.8}
	for i, a := range []string{"A1", "A2", "A3", "A4"} {
		id := "T" + string(rune('1'+i))
		if err := g.AddTool(Tool{ID: id, Name: id}, []Link{{ID: a, Score: calls[a]}}); err != nil {
			t.Fatalf("adding tool %s: %v", id, err)
		}
	}
	return g
}

func nodeIDs(sub *Subgraph) map[string]bool {
	out := make(map[string]bool)
	for _, n := range sub.Nodes {
		out[n.ID] = true
	}
	return out
}

func TestRecommend_OneHop(t *testing.T) {
	g := sampleGraph(t)
	sub := g.Recommend([]string{"A1"}, 0.7, 1)

	got := nodeIDs(sub)
	for _, id := range []string{"A1", "A2", "A3", "T1", "T2", "T3"} {
		if !got[id] {
			t.Errorf("expected node %s in subgraph", id)
		}
	}
	if len(got) != 6 {
		t.Fatalf("expected 6 nodes, got %d: %v", len(got), sub.Nodes)
	}

	var next, call int
	for _, e := range sub.Edges {
		switch e.Type {
		case EdgeNext:
			next++
		case EdgeCall:
			call++
		}
	}
	if next != 3 || call != 3 {
		t.Fatalf("expected 3 next and 3 call edges, got %d and %d: %+v", next, call, sub.Edges)
	}
}

func TestRecommendStrict_PathsRespectThreshold(t *testing.T) {
	g := sampleGraph(t)
	const theta = 0.7

	for hops := 0; hops <= 3; hops++ {
		sub := g.RecommendStrict([]string{"A1"}, theta, hops)
		for _, e := range sub.Edges {
			if e.Score < theta {
				t.Errorf("hops=%d: edge %s->%s below threshold (%v)", hops, e.From, e.To, e.Score)
			}
		}
		for _, a := range RecommendedActions(sub) {
			dist := strictDistance(g, "A1", a.ID, theta)
			if dist < 0 || dist > hops {
				t.Errorf("hops=%d: action %s reached at distance %d", hops, a.ID, dist)
			}
		}
	}

	sub := g.RecommendStrict([]string{"A1"}, theta, 1)
	if sub.HasNode("A3") {
		t.Fatal("A3 is only reachable over a 0.6 edge within one hop")
	}
	sub = g.RecommendStrict([]string{"A1"}, theta, 2)
	if !sub.HasNode("A3") || !sub.HasNode("A4") || !sub.HasNode("T4") {
		t.Fatalf("expected A3, A4 and T4 within two strict hops, got %v", sub.Nodes)
	}
}

// strictDistance is a plain BFS over edges with score >= theta.
func strictDistance(g *Graph, from, to string, theta float64) int {
	dist := map[string]int{from: 0}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			return dist[cur]
		}
		for _, e := range g.Edges() {
			if e.Type != EdgeNext || e.From != cur || e.Score < theta {
				continue
			}
			if _, ok := dist[e.To]; !ok {
				dist[e.To] = dist[cur] + 1
				queue = append(queue, e.To)
			}
		}
	}
	return -1
}

func TestRecommendedActions_RestrictedToSubgraph(t *testing.T) {
	g := sampleGraph(t)
	actions := RecommendedActions(g.Recommend([]string{"A1"}, 0.7, 1))

	byID := make(map[string]Action)
	for _, a := range actions {
		byID[a.ID] = a
	}
	a2 := byID["A2"]
	if len(a2.NextActionIDs) != 1 || a2.NextActionIDs[0] != "A3" {
		t.Fatalf("expected A2 -> [A3] inside subgraph, got %v", a2.NextActionIDs)
	}
	if len(a2.Tools) != 1 || a2.Tools[0].ID != "T2" {
		t.Fatalf("expected A2 to carry T2, got %+v", a2.Tools)
	}

	rels := Relations(actions)
	if !strings.Contains(rels, "[A1: do A1] -next-> [A2, A3]") {
		t.Errorf("unexpected relations text:\n%s", rels)
	}
}

func TestRecommend_ToolsBelowThresholdDropped(t *testing.T) {
	g := sampleGraph(t)
	sub := g.Recommend([]string{"A2"}, 0.85, 0)
	if sub.HasNode("T2") {
		t.Fatal("T2 call score 0.8 should be filtered at 0.85")
	}
	if !sub.HasNode("A2") {
		t.Fatal("seed must always be included")
	}
}

func TestRecommend_UnknownSeedIgnored(t *testing.T) {
	g := sampleGraph(t)
	sub := g.Recommend([]string{"missing"}, 0.5, 2)
	if len(sub.Nodes) != 0 {
		t.Fatalf("expected empty subgraph, got %v", sub.Nodes)
	}
}

func TestAddAction_SelfLoopRejected(t *testing.T) {
	g := New()
	mustAction(t, g, "A", nil, nil)
	err := g.AddAction(Action{ID: "A"}, []Link{{ID: "A", Score: 1}}, nil)
	if !errors.Is(err, ErrSelfLoop) {
		t.Fatalf("expected ErrSelfLoop, got: %v", err)
	}
	if err := g.Connect("A", "A", 0.5); !errors.Is(err, ErrSelfLoop) {
		t.Fatalf("expected ErrSelfLoop from Connect, got: %v", err)
	}
}

func TestConnect_OverwritesScoreAndClamps(t *testing.T) {
	g := New()
	mustAction(t, g, "A", nil, nil)
	mustAction(t, g, "B", nil, nil)
	if err := g.Connect("A", "B", 0.2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.Connect("A", "B", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	edges := g.Edges()
	if len(edges) != 1 {
		t.Fatalf("expected a single edge, got %+v", edges)
	}
	if edges[0].Score != 1 {
		t.Fatalf("expected score clamped to 1, got %v", edges[0].Score)
	}
	if err := g.Connect("A", "nope", 0.5); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got: %v", err)
	}
}

func TestRemoveAction_CascadesEdges(t *testing.T) {
	g := sampleGraph(t)
	if !g.RemoveAction("A3") {
		t.Fatal("expected A3 to be removed")
	}
	for _, e := range g.Edges() {
		if e.From == "A3" || e.To == "A3" {
			t.Fatalf("dangling edge left behind: %+v", e)
		}
	}
	if _, ok := g.Tool("T3"); !ok {
		t.Fatal("tools survive action removal")
	}
	if g.RemoveAction("A3") {
		t.Fatal("second removal should report false")
	}
	if !g.RemoveTool("T1") {
		t.Fatal("expected T1 to be removed")
	}
	a1, _ := g.Action("A1")
	if len(a1.Tools) != 0 {
		t.Fatalf("expected A1 to have no tools left, got %+v", a1.Tools)
	}
}

func TestFlattenTools_Dedup(t *testing.T) {
	shared := Tool{ID: "T", Name: "shared"}
	tools := FlattenTools([]Action{
		{ID: "A", Tools: []Tool{shared, {ID: "U"}}},
		{ID: "B", Tools: []Tool{shared}},
	})
	if len(tools) != 2 || tools[0].ID != "T" || tools[1].ID != "U" {
		t.Fatalf("expected [T U], got %+v", tools)
	}
}

func TestToolByName(t *testing.T) {
	g := sampleGraph(t)
	if tool, ok := g.ToolByName("T2"); !ok || tool.ID != "T2" {
		t.Fatalf("expected to find T2, got %+v %v", tool, ok)
	}
	if _, ok := g.ToolByName("nope"); ok {
		t.Fatal("expected miss")
	}
}

func TestAsyncFunc_WaitsForResult(t *testing.T) {
	inv := AsyncFunc(func(_ context.Context, args map[string]any) <-chan Result {
		ch := make(chan Result, 1)
		go func() {
			time.Sleep(5 * time.Millisecond)
			ch <- Result{Value: args["x"]}
		}()
		return ch
	})
	v, err := inv.Invoke(context.Background(), map[string]any{"x": "ok"})
	if err != nil || v != "ok" {
		t.Fatalf("expected ok, got %v %v", v, err)
	}
}

func TestAsyncFunc_ContextCancel(t *testing.T) {
	inv := AsyncFunc(func(context.Context, map[string]any) <-chan Result {
		return make(chan Result)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := inv.Invoke(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got: %v", err)
	}
}

func TestTyped_DecodesArgs(t *testing.T) {
	type addArgs struct {
		A int `json:"a"`
		B int `json:"b"`
	}
	fn := Typed(func(_ context.Context, args addArgs) (any, error) {
		return args.A + args.B, nil
	})
	v, err := fn.Invoke(context.Background(), map[string]any{"a": 1.0, "b": 2.0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if Stringify(v) != "3" {
		t.Fatalf("expected 3, got %v", v)
	}

	schema := SchemaFor[addArgs]()
	props, ok := schema["properties"].(map[string]any)
	if !ok || props["a"] == nil || props["b"] == nil {
		t.Fatalf("expected a and b properties, got %v", schema)
	}
}

func TestStringify(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{"x", "x"},
		{3.0, "3"},
		{2.5, "2.5"},
		{true, "true"},
		{map[string]int{"a": 1}, `{"a":1}`},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := Stringify(tc.in); got != tc.want {
			t.Errorf("Stringify(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
