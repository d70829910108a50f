package orchestrator

import (
	"fmt"
	"sync"

	"github.com/jkaninda/chorus/internal/domain"
)

// JobGraph is a DAG of subjobs. Nodes live in an arena keyed by id with
// parallel maps for expert assignments, results and legacy snapshots.
// Every mutation keeps the graph acyclic.
type JobGraph struct {
	mu      sync.RWMutex
	rootID  string
	order   []string
	nodes   map[string]*domain.SubJob
	experts map[string]string
	results map[string]*domain.JobResult
	legacy  map[string]domain.SubJob
	succ    map[string][]string
	pred    map[string][]string
}

// NewJobGraph creates an empty graph for the root job rootID.
func NewJobGraph(rootID string) *JobGraph {
	return &JobGraph{
		rootID:  rootID,
		nodes:   make(map[string]*domain.SubJob),
		experts: make(map[string]string),
		results: make(map[string]*domain.JobResult),
		legacy:  make(map[string]domain.SubJob),
		succ:    make(map[string][]string),
		pred:    make(map[string][]string),
	}
}

// RootID returns the id of the job the graph was decomposed from.
func (g *JobGraph) RootID() string { return g.rootID }

// AddNode inserts job assigned to expert.
func (g *JobGraph) AddNode(job *domain.SubJob, expert string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addNode(job, expert)
}

func (g *JobGraph) addNode(job *domain.SubJob, expert string) error {
	if _, ok := g.nodes[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	g.nodes[job.ID] = job.Clone()
	g.experts[job.ID] = expert
	g.order = append(g.order, job.ID)
	return nil
}

// AddEdge makes to depend on from. An edge that would close a cycle is
// rejected and the graph is left unchanged.
func (g *JobGraph) AddEdge(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.addEdge(from, to); err != nil {
		return err
	}
	if g.hasCycle() {
		g.removeEdge(from, to)
		return fmt.Errorf("%w: %s -> %s", ErrCycle, from, to)
	}
	return nil
}

func (g *JobGraph) addEdge(from, to string) error {
	if from == to {
		return fmt.Errorf("%w: %s", ErrSelfLoop, from)
	}
	for _, id := range []string{from, to} {
		if _, ok := g.nodes[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownJob, id)
		}
	}
	for _, s := range g.succ[from] {
		if s == to {
			return nil
		}
	}
	g.succ[from] = append(g.succ[from], to)
	g.pred[to] = append(g.pred[to], from)
	return nil
}

func (g *JobGraph) removeEdge(from, to string) {
	g.succ[from] = without(g.succ[from], to)
	g.pred[to] = without(g.pred[to], from)
}

// RemoveNode deletes id and its edges, keeping a snapshot of the job in the
// legacy map. It reports whether the node existed.
func (g *JobGraph) RemoveNode(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.removeNode(id)
}

func (g *JobGraph) removeNode(id string) bool {
	job, ok := g.nodes[id]
	if !ok {
		return false
	}
	g.legacy[id] = *job.Clone()
	for _, s := range g.succ[id] {
		g.pred[s] = without(g.pred[s], id)
	}
	for _, p := range g.pred[id] {
		g.succ[p] = without(g.succ[p], id)
	}
	delete(g.nodes, id)
	delete(g.experts, id)
	delete(g.results, id)
	delete(g.succ, id)
	delete(g.pred, id)
	g.order = without(g.order, id)
	return true
}

// Merge unions other into g. Existing properties are overwritten only when
// other supplies them. The merge is rejected if it would create a cycle.
func (g *JobGraph) Merge(other *JobGraph) error {
	other.mu.RLock()
	defer other.mu.RUnlock()
	g.mu.Lock()
	defer g.mu.Unlock()

	next := g.clone()
	next.mergeLocked(other)
	if next.hasCycle() {
		return ErrCycle
	}
	g.adopt(next)
	return nil
}

func (g *JobGraph) mergeLocked(other *JobGraph) {
	for _, id := range other.order {
		job := other.nodes[id]
		if _, ok := g.nodes[id]; !ok {
			g.order = append(g.order, id)
		}
		g.nodes[id] = job.Clone()
		if e := other.experts[id]; e != "" {
			g.experts[id] = e
		}
		if r, ok := other.results[id]; ok {
			cp := *r
			g.results[id] = &cp
		}
	}
	for _, from := range other.order {
		for _, to := range other.succ[from] {
			_ = g.addEdge(from, to)
		}
	}
}

// Splice replaces id with sub: predecessors of id feed the sources of sub
// and the sinks of sub feed the successors of id. The replaced job is
// snapshotted into legacy. Splices that would create a cycle are rejected
// and leave the graph unchanged.
func (g *JobGraph) Splice(id string, sub *JobGraph) error {
	sub.mu.RLock()
	defer sub.mu.RUnlock()
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if len(sub.nodes) == 0 {
		return ErrEmptyDecomposition
	}
	for sid := range sub.nodes {
		if _, clash := g.nodes[sid]; clash {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, sid)
		}
	}

	next := g.clone()
	preds := append([]string(nil), next.pred[id]...)
	succs := append([]string(nil), next.succ[id]...)
	next.removeNode(id)
	next.mergeLocked(sub)
	for _, p := range preds {
		for _, s := range sub.sources() {
			if err := next.addEdge(p, s); err != nil {
				return err
			}
		}
	}
	for _, k := range sub.sinks() {
		for _, s := range succs {
			if err := next.addEdge(k, s); err != nil {
				return err
			}
		}
	}
	if next.hasCycle() {
		return fmt.Errorf("%w: splicing %s", ErrCycle, id)
	}
	g.adopt(next)
	return nil
}

// Node returns a copy of the job.
func (g *JobGraph) Node(id string) (*domain.SubJob, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	job, ok := g.nodes[id]
	return job.Clone(), ok
}

// Update applies fn to the stored job. It reports whether the node exists.
func (g *JobGraph) Update(id string, fn func(*domain.SubJob)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	job, ok := g.nodes[id]
	if ok {
		fn(job)
	}
	return ok
}

// SetStatus updates a node's status.
func (g *JobGraph) SetStatus(id string, status domain.JobStatus) {
	g.Update(id, func(j *domain.SubJob) { j.Status = status })
}

// Has reports whether id is a node of the graph.
func (g *JobGraph) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// Expert returns the expert name assigned to id.
func (g *JobGraph) Expert(id string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.experts[id]
}

// Result returns a copy of the node's result.
func (g *JobGraph) Result(id string) (domain.JobResult, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.results[id]
	if !ok {
		return domain.JobResult{}, false
	}
	return *r, true
}

// SetResult records res for id and mirrors its status onto the node.
func (g *JobGraph) SetResult(id string, res domain.JobResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	job, ok := g.nodes[id]
	if !ok {
		return
	}
	res.JobID = id
	g.results[id] = &res
	job.Status = res.Status
}

// ClearResult drops the result of id.
func (g *JobGraph) ClearResult(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.results, id)
}

// Predecessors returns the direct predecessors of id in insertion order.
func (g *JobGraph) Predecessors(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.pred[id]...)
}

// Successors returns the direct successors of id in insertion order.
func (g *JobGraph) Successors(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.succ[id]...)
}

// Descendants returns every node reachable from id, excluding id.
func (g *JobGraph) Descendants(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := map[string]bool{id: true}
	var out []string
	queue := append([]string(nil), g.succ[id]...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
		queue = append(queue, g.succ[n]...)
	}
	return out
}

// Nodes returns node ids in insertion order.
func (g *JobGraph) Nodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.order...)
}

// Sources returns nodes without predecessors.
func (g *JobGraph) Sources() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sources()
}

// Sinks returns nodes without successors.
func (g *JobGraph) Sinks() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sinks()
}

func (g *JobGraph) sources() []string {
	var out []string
	for _, id := range g.order {
		if len(g.pred[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

func (g *JobGraph) sinks() []string {
	var out []string
	for _, id := range g.order {
		if len(g.succ[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Legacy returns the snapshot of a removed node.
func (g *JobGraph) Legacy(id string) (domain.SubJob, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	j, ok := g.legacy[id]
	return j, ok
}

// Len returns the number of live nodes.
func (g *JobGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Acyclic reports whether the graph is a DAG.
func (g *JobGraph) Acyclic() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return !g.hasCycle()
}

// hasCycle runs Kahn's algorithm over the live nodes.
func (g *JobGraph) hasCycle() bool {
	indeg := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indeg[id] = len(g.pred[id])
	}
	var queue []string
	for id, d := range indeg {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, s := range g.succ[n] {
			indeg[s]--
			if indeg[s] == 0 {
				queue = append(queue, s)
			}
		}
	}
	return visited != len(g.nodes)
}

func (g *JobGraph) clone() *JobGraph {
	cp := NewJobGraph(g.rootID)
	cp.order = append([]string(nil), g.order...)
	for id, job := range g.nodes {
		cp.nodes[id] = job.Clone()
	}
	for id, e := range g.experts {
		cp.experts[id] = e
	}
	for id, r := range g.results {
		rc := *r
		cp.results[id] = &rc
	}
	for id, j := range g.legacy {
		cp.legacy[id] = j
	}
	for id, s := range g.succ {
		cp.succ[id] = append([]string(nil), s...)
	}
	for id, p := range g.pred {
		cp.pred[id] = append([]string(nil), p...)
	}
	return cp
}

// adopt replaces the state of g with next. The caller holds g.mu.
func (g *JobGraph) adopt(next *JobGraph) {
	g.order = next.order
	g.nodes = next.nodes
	g.experts = next.experts
	g.results = next.results
	g.legacy = next.legacy
	g.succ = next.succ
	g.pred = next.pred
}

func without(list []string, v string) []string {
	out := list[:0:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// NodeSnapshot is the serialisable state of one node.
type NodeSnapshot struct {
	Job          domain.SubJob     `json:"job"`
	Expert       string            `json:"expert"`
	Result       *domain.JobResult `json:"result,omitempty"`
	Predecessors []string          `json:"predecessors,omitempty"`
}

// GraphSnapshot is the serialisable state of a JobGraph.
type GraphSnapshot struct {
	RootID string          `json:"root_id"`
	Nodes  []NodeSnapshot  `json:"nodes"`
	Legacy []domain.SubJob `json:"legacy,omitempty"`
}

// Snapshot captures the graph for storage and inspection.
func (g *JobGraph) Snapshot() GraphSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	snap := GraphSnapshot{RootID: g.rootID}
	for _, id := range g.order {
		n := NodeSnapshot{
			Job:          *g.nodes[id].Clone(),
			Expert:       g.experts[id],
			Predecessors: append([]string(nil), g.pred[id]...),
		}
		if r, ok := g.results[id]; ok {
			rc := *r
			n.Result = &rc
		}
		snap.Nodes = append(snap.Nodes, n)
	}
	for _, j := range g.legacy {
		snap.Legacy = append(snap.Legacy, j)
	}
	return snap
}

// RestoreJobGraph rebuilds a graph from a snapshot.
func RestoreJobGraph(snap GraphSnapshot) (*JobGraph, error) {
	g := NewJobGraph(snap.RootID)
	for _, n := range snap.Nodes {
		job := n.Job
		if err := g.AddNode(&job, n.Expert); err != nil {
			return nil, err
		}
		if n.Result != nil {
			g.results[job.ID] = n.Result
		}
	}
	for _, n := range snap.Nodes {
		for _, p := range n.Predecessors {
			if err := g.AddEdge(p, n.Job.ID); err != nil {
				return nil, err
			}
		}
	}
	for _, j := range snap.Legacy {
		g.legacy[j.ID] = j
	}
	return g, nil
}
