// Package toolkit implements the action/tool recommendation graph.
//
// Actions are nodes connected by weighted next-edges; tools hang off actions
// through weighted call-edges. Operators seed the graph with a few actions and
// receive the neighbourhood of actions and tools relevant to their step.
package toolkit

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

var (
	ErrSelfLoop    = errors.New("self-loop not allowed")
	ErrUnknownNode = errors.New("unknown node")
	ErrBadEdge     = errors.New("edge must start at an action")
	ErrDuplicateID = errors.New("id already used by a node of another type")
)

// NodeType distinguishes actions from tools.
type NodeType string

const (
	NodeAction NodeType = "ACTION"
	NodeTool   NodeType = "TOOL"
)

// EdgeType distinguishes action sequencing from tool attachment.
type EdgeType string

const (
	EdgeNext EdgeType = "ACTION_NEXT_ACTION"
	EdgeCall EdgeType = "ACTION_CALL_TOOL"
)

// Action is a labeled step. NextActionIDs and Tools are populated on read.
type Action struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	NextActionIDs []string `json:"next_action_ids,omitempty"`
	Tools         []Tool   `json:"tools,omitempty"`
}

// Link references an existing node with an edge score.
type Link struct {
	ID    string
	Score float64
}

// Node is a typed node reference.
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`
}

// Edge is a scored, typed edge.
type Edge struct {
	From  string   `json:"from"`
	To    string   `json:"to"`
	Type  EdgeType `json:"type"`
	Score float64  `json:"score"`
}

// Graph is safe for concurrent use; it is read-mostly after construction.
type Graph struct {
	mu      sync.RWMutex
	actions map[string]Action // stored without NextActionIDs/Tools
	tools   map[string]Tool
	next    map[string]map[string]float64 // action -> action -> score
	calls   map[string]map[string]float64 // action -> tool -> score
}

// New creates an empty toolkit graph.
func New() *Graph {
	return &Graph{
		actions: make(map[string]Action),
		tools:   make(map[string]Tool),
		next:    make(map[string]map[string]float64),
		calls:   make(map[string]map[string]float64),
	}
}

func clamp(score float64) float64 {
	if math.IsNaN(score) || score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// AddAction inserts or updates a, then adds a->n edges for next and p->a edges
// for prev. Linked actions must already exist. Existing edges get the new score.
func (g *Graph) AddAction(a Action, next, prev []Link) error {
	if a.ID == "" {
		return fmt.Errorf("action id is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, isTool := g.tools[a.ID]; isTool {
		return fmt.Errorf("action %q: %w", a.ID, ErrDuplicateID)
	}
	for _, l := range append(append([]Link(nil), next...), prev...) {
		if l.ID == a.ID {
			return fmt.Errorf("action %q: %w", a.ID, ErrSelfLoop)
		}
		if _, ok := g.actions[l.ID]; !ok {
			return fmt.Errorf("action %q links to %q: %w", a.ID, l.ID, ErrUnknownNode)
		}
	}

	a.NextActionIDs = nil
	a.Tools = nil
	g.actions[a.ID] = a
	for _, l := range next {
		g.setNext(a.ID, l.ID, l.Score)
	}
	for _, l := range prev {
		g.setNext(l.ID, a.ID, l.Score)
	}
	return nil
}

// AddTool inserts or updates t and attaches it to the connected actions.
func (g *Graph) AddTool(t Tool, connected []Link) error {
	if t.ID == "" {
		return fmt.Errorf("tool id is required")
	}
	if t.Name == "" {
		t.Name = t.ID
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, isAction := g.actions[t.ID]; isAction {
		return fmt.Errorf("tool %q: %w", t.ID, ErrDuplicateID)
	}
	for _, l := range connected {
		if _, ok := g.actions[l.ID]; !ok {
			return fmt.Errorf("tool %q attached to %q: %w", t.ID, l.ID, ErrUnknownNode)
		}
	}
	g.tools[t.ID] = t
	for _, l := range connected {
		g.setCall(l.ID, t.ID, l.Score)
	}
	return nil
}

// Connect adds or rescores an edge. The edge type follows from the node types.
func (g *Graph) Connect(from, to string, score float64) error {
	if from == to {
		return fmt.Errorf("%q: %w", from, ErrSelfLoop)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.actions[from]; !ok {
		if _, isTool := g.tools[from]; isTool {
			return fmt.Errorf("%q -> %q: %w", from, to, ErrBadEdge)
		}
		return fmt.Errorf("%q: %w", from, ErrUnknownNode)
	}
	if _, ok := g.actions[to]; ok {
		g.setNext(from, to, score)
		return nil
	}
	if _, ok := g.tools[to]; ok {
		g.setCall(from, to, score)
		return nil
	}
	return fmt.Errorf("%q: %w", to, ErrUnknownNode)
}

func (g *Graph) setNext(from, to string, score float64) {
	if g.next[from] == nil {
		g.next[from] = make(map[string]float64)
	}
	g.next[from][to] = clamp(score)
}

func (g *Graph) setCall(action, tool string, score float64) {
	if g.calls[action] == nil {
		g.calls[action] = make(map[string]float64)
	}
	g.calls[action][tool] = clamp(score)
}

// RemoveAction deletes the action and every incident edge. It reports whether
// the action existed.
func (g *Graph) RemoveAction(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.actions[id]; !ok {
		return false
	}
	delete(g.actions, id)
	delete(g.next, id)
	delete(g.calls, id)
	for _, targets := range g.next {
		delete(targets, id)
	}
	return true
}

// RemoveTool deletes the tool and its call-edges.
func (g *Graph) RemoveTool(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tools[id]; !ok {
		return false
	}
	delete(g.tools, id)
	for _, targets := range g.calls {
		delete(targets, id)
	}
	return true
}

// Action returns the action with its successors and tools populated.
func (g *Graph) Action(id string) (Action, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.actions[id]; !ok {
		return Action{}, false
	}
	return g.populated(id), true
}

// Tool returns the tool with the given id.
func (g *Graph) Tool(id string) (Tool, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tools[id]
	return t, ok
}

// ToolByName looks a tool up by name.
func (g *Graph) ToolByName(name string) (Tool, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, t := range g.tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// Actions returns all actions sorted by id, populated.
func (g *Graph) Actions() []Action {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := sortedKeys(g.actions)
	out := make([]Action, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.populated(id))
	}
	return out
}

// Tools returns all tools sorted by id.
func (g *Graph) Tools() []Tool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := sortedKeys(g.tools)
	out := make([]Tool, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.tools[id])
	}
	return out
}

// Nodes returns every node sorted by type then id.
func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Node, 0, len(g.actions)+len(g.tools))
	for _, id := range sortedKeys(g.actions) {
		out = append(out, Node{ID: id, Type: NodeAction})
	}
	for _, id := range sortedKeys(g.tools) {
		out = append(out, Node{ID: id, Type: NodeTool})
	}
	return out
}

// Edges returns every edge sorted by type, from, to.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Edge
	for from, targets := range g.next {
		for to, s := range targets {
			out = append(out, Edge{From: from, To: to, Type: EdgeNext, Score: s})
		}
	}
	for from, targets := range g.calls {
		for to, s := range targets {
			out = append(out, Edge{From: from, To: to, Type: EdgeCall, Score: s})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type > out[j].Type // next edges first
		}
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.actions) + len(g.tools)
}

// populated must be called with the read lock held.
func (g *Graph) populated(id string) Action {
	a := g.actions[id]
	a.NextActionIDs = sortedKeys(g.next[id])
	for _, tid := range sortedKeys(g.calls[id]) {
		a.Tools = append(a.Tools, g.tools[tid])
	}
	return a
}

// FlattenTools collects the tools of actions, deduplicated by id in first-seen order.
func FlattenTools(actions []Action) []Tool {
	seen := make(map[string]bool)
	var out []Tool
	for _, a := range actions {
		for _, t := range a.Tools {
			if seen[t.ID] {
				continue
			}
			seen[t.ID] = true
			out = append(out, t)
		}
	}
	return out
}

// Relations renders one "[name: description] -next-> [successor names]" line per action.
func Relations(actions []Action) string {
	names := make(map[string]string, len(actions))
	for _, a := range actions {
		names[a.ID] = a.Name
	}
	var b strings.Builder
	for _, a := range actions {
		succ := make([]string, 0, len(a.NextActionIDs))
		for _, id := range a.NextActionIDs {
			if n, ok := names[id]; ok && n != "" {
				succ = append(succ, n)
			} else {
				succ = append(succ, id)
			}
		}
		fmt.Fprintf(&b, "[%s: %s] -next-> [%s]\n", a.Name, a.Description, strings.Join(succ, ", "))
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
