package arangostore

import (
	"context"
	"testing"

	"github.com/jkaninda/chorus/internal/toolkit"
)

func TestConfigValidate(t *testing.T) {
	if err := (Config{}).Validate(); err == nil {
		t.Fatal("expected error for empty config")
	}
	cfg := Config{URL: "http://localhost:8529", Username: "root", Database: "chorus"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestMakeKey_Stable(t *testing.T) {
	if makeKey("a") != makeKey("a") {
		t.Fatal("keys must be deterministic")
	}
	if len(makeKey("anything")) != 16 {
		t.Fatalf("expected 16 char key, got %q", makeKey("anything"))
	}
	if makeEdgeKey("a", "b") == makeEdgeKey("b", "a") {
		t.Fatal("edge keys must be directional")
	}
}

// toDocs converts the generic insert payloads into the typed read shapes.
func toDocs(d documents) ([]actionDoc, []toolDoc, []edgeDoc) {
	var actions []actionDoc
	for _, m := range d.actions {
		actions = append(actions, actionDoc{
			Key: m["_key"].(string), ID: m["id"].(string),
			Name: m["name"].(string), Description: m["description"].(string),
		})
	}
	var tools []toolDoc
	for _, m := range d.tools {
		tools = append(tools, toolDoc{
			Key: m["_key"].(string), ID: m["id"].(string),
			Name: m["name"].(string), Description: m["description"].(string),
		})
	}
	var edges []edgeDoc
	for _, m := range append(append([]map[string]any(nil), d.next...), d.calls...) {
		edges = append(edges, edgeDoc{From: m["_from"].(string), To: m["_to"].(string), Score: m["score"].(float64)})
	}
	return actions, tools, edges
}

func TestBuildAndAssemble_RoundTrip(t *testing.T) {
	g := toolkit.New()
	if err := g.AddAction(toolkit.Action{ID: "plan", Name: "plan"}, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := g.AddAction(toolkit.Action{ID: "act", Name: "act"}, nil, []toolkit.Link{{ID: "plan", Score: 0.8}}); err != nil {
		t.Fatal(err)
	}
	if err := g.AddTool(toolkit.Tool{ID: "calc", Name: "calc"}, []toolkit.Link{{ID: "act", Score: 0.9}}); err != nil {
		t.Fatal(err)
	}

	docs := buildDocuments(g)
	if len(docs.actions) != 2 || len(docs.tools) != 1 || len(docs.next) != 1 || len(docs.calls) != 1 {
		t.Fatalf("unexpected document counts: %+v", docs)
	}

	resolved := 0
	actions, tools, edges := toDocs(docs)
	restored, err := assemble(actions, tools, edges, func(id, _ string) toolkit.Invoker {
		resolved++
		return toolkit.Func(func(context.Context, map[string]any) (any, error) { return id, nil })
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved != 1 {
		t.Fatalf("expected resolver to be called once, got %d", resolved)
	}
	if len(restored.Edges()) != 2 {
		t.Fatalf("expected 2 edges after restore, got %+v", restored.Edges())
	}
	act, ok := restored.Action("act")
	if !ok || len(act.Tools) != 1 || act.Tools[0].Invoker == nil {
		t.Fatalf("expected act to carry a resolved calc tool, got %+v", act)
	}
}

func TestAssemble_SkipsDanglingEdges(t *testing.T) {
	actions := []actionDoc{{Key: makeKey("a"), ID: "a", Name: "a"}}
	edges := []edgeDoc{{From: "actions/" + makeKey("a"), To: "actions/missing", Score: 1}}
	g, err := assemble(actions, nil, edges, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.Edges()) != 0 {
		t.Fatalf("expected dangling edge to be skipped, got %+v", g.Edges())
	}
}
