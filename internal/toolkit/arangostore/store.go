// Package arangostore persists a toolkit graph in ArangoDB.
package arangostore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arangodb/go-driver/v2/arangodb"
	"github.com/arangodb/go-driver/v2/connection"

	"github.com/jkaninda/chorus/internal/toolkit"
)

const (
	graphName          = "toolkit"
	actionCollection   = "actions"
	toolCollection     = "tools"
	nextEdgeCollection = "action_next"
	callEdgeCollection = "action_call"
)

// Config holds ArangoDB connection settings.
type Config struct {
	URL      string
	Username string
	Password string
	Database string
}

func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("arangodb URL is required")
	}
	if c.Username == "" {
		return fmt.Errorf("arangodb username is required")
	}
	if c.Database == "" {
		return fmt.Errorf("arangodb database name is required")
	}
	return nil
}

// Resolver supplies the invoker for a stored tool. Tools without one are
// loaded as descriptions only.
type Resolver func(toolID, name string) toolkit.Invoker

// Store reads and writes toolkit graphs.
type Store struct {
	client arangodb.Client
	db     arangodb.Database
	cfg    Config
	logger *slog.Logger
}

// New connects to ArangoDB. Call Ensure before Save or Load.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("arangodb config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	endpoint := connection.NewRoundRobinEndpoints([]string{cfg.URL})
	conn := connection.NewHttp2Connection(connection.DefaultHTTP2ConfigurationWrapper(endpoint, true))
	if err := conn.SetAuthentication(connection.NewBasicAuth(cfg.Username, cfg.Password)); err != nil {
		return nil, fmt.Errorf("arangodb auth: %w", err)
	}

	return &Store{
		client: arangodb.NewClient(conn),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Ensure creates the database, collections and named graph when missing.
func (s *Store) Ensure(ctx context.Context) error {
	exists, err := s.client.DatabaseExists(ctx, s.cfg.Database)
	if err != nil {
		return fmt.Errorf("check database exists: %w", err)
	}
	if !exists {
		if _, err := s.client.CreateDatabase(ctx, s.cfg.Database, nil); err != nil {
			return fmt.Errorf("create database: %w", err)
		}
		s.logger.InfoContext(ctx, "arangodb database created", "database", s.cfg.Database)
	}
	db, err := s.client.GetDatabase(ctx, s.cfg.Database, nil)
	if err != nil {
		return fmt.Errorf("get database: %w", err)
	}
	s.db = db

	for _, name := range []string{actionCollection, toolCollection} {
		if err := s.ensureCollection(ctx, name, false); err != nil {
			return err
		}
	}
	for _, name := range []string{nextEdgeCollection, callEdgeCollection} {
		if err := s.ensureCollection(ctx, name, true); err != nil {
			return err
		}
	}

	exists, err = db.GraphExists(ctx, graphName)
	if err != nil {
		return fmt.Errorf("check graph exists: %w", err)
	}
	if exists {
		return nil
	}
	def := &arangodb.GraphDefinition{
		Name: graphName,
		EdgeDefinitions: []arangodb.EdgeDefinition{
			{Collection: nextEdgeCollection, From: []string{actionCollection}, To: []string{actionCollection}},
			{Collection: callEdgeCollection, From: []string{actionCollection}, To: []string{toolCollection}},
		},
	}
	if _, err := db.CreateGraph(ctx, graphName, def, nil); err != nil {
		return fmt.Errorf("create graph: %w", err)
	}
	s.logger.InfoContext(ctx, "arangodb graph created", "graph", graphName)
	return nil
}

func (s *Store) ensureCollection(ctx context.Context, name string, isEdge bool) error {
	exists, err := s.db.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection %s exists: %w", name, err)
	}
	if exists {
		return nil
	}
	colType := arangodb.CollectionTypeDocument
	if isEdge {
		colType = arangodb.CollectionTypeEdge
	}
	if _, err := s.db.CreateCollectionV2(ctx, name, &arangodb.CreateCollectionPropertiesV2{Type: &colType}); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

// Save replaces the stored graph with g.
func (s *Store) Save(ctx context.Context, g *toolkit.Graph) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized, call Ensure first")
	}
	start := time.Now()

	for _, name := range []string{nextEdgeCollection, callEdgeCollection, actionCollection, toolCollection} {
		col, err := s.db.GetCollection(ctx, name, nil)
		if err != nil {
			return fmt.Errorf("get collection %s: %w", name, err)
		}
		if err := col.Truncate(ctx); err != nil {
			return fmt.Errorf("truncate collection %s: %w", name, err)
		}
	}

	docs := buildDocuments(g)
	if err := s.insert(ctx, actionCollection, docs.actions); err != nil {
		return err
	}
	if err := s.insert(ctx, toolCollection, docs.tools); err != nil {
		return err
	}
	if err := s.insert(ctx, nextEdgeCollection, docs.next); err != nil {
		return err
	}
	if err := s.insert(ctx, callEdgeCollection, docs.calls); err != nil {
		return err
	}

	s.logger.DebugContext(ctx, "toolkit graph saved",
		"actions", len(docs.actions),
		"tools", len(docs.tools),
		"edges", len(docs.next)+len(docs.calls),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (s *Store) insert(ctx context.Context, collection string, docs []map[string]any) error {
	if len(docs) == 0 {
		return nil
	}
	col, err := s.db.GetCollection(ctx, collection, nil)
	if err != nil {
		return fmt.Errorf("get collection %s: %w", collection, err)
	}
	reader, err := col.CreateDocuments(ctx, docs)
	if err != nil {
		return fmt.Errorf("create documents in %s: %w", collection, err)
	}
	for {
		if _, readErr := reader.Read(); readErr != nil {
			break
		}
	}
	return nil
}

// Load reads the stored graph. resolve may be nil.
func (s *Store) Load(ctx context.Context, resolve Resolver) (*toolkit.Graph, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized, call Ensure first")
	}

	var actions []actionDoc
	if err := s.readAll(ctx, actionCollection, func(c arangodb.Cursor) error {
		var d actionDoc
		if _, err := c.ReadDocument(ctx, &d); err != nil {
			return err
		}
		actions = append(actions, d)
		return nil
	}); err != nil {
		return nil, err
	}

	var tools []toolDoc
	if err := s.readAll(ctx, toolCollection, func(c arangodb.Cursor) error {
		var d toolDoc
		if _, err := c.ReadDocument(ctx, &d); err != nil {
			return err
		}
		tools = append(tools, d)
		return nil
	}); err != nil {
		return nil, err
	}

	var edges []edgeDoc
	for _, name := range []string{nextEdgeCollection, callEdgeCollection} {
		if err := s.readAll(ctx, name, func(c arangodb.Cursor) error {
			var d edgeDoc
			if _, err := c.ReadDocument(ctx, &d); err != nil {
				return err
			}
			edges = append(edges, d)
			return nil
		}); err != nil {
			return nil, err
		}
	}

	return assemble(actions, tools, edges, resolve)
}

func (s *Store) readAll(ctx context.Context, collection string, each func(arangodb.Cursor) error) error {
	cursor, err := s.db.Query(ctx, "FOR d IN @@col RETURN d", &arangodb.QueryOptions{
		BindVars: map[string]any{"@col": collection},
	})
	if err != nil {
		return fmt.Errorf("query %s: %w", collection, err)
	}
	defer cursor.Close()
	for cursor.HasMore() {
		if err := each(cursor); err != nil {
			return fmt.Errorf("read %s: %w", collection, err)
		}
	}
	return nil
}

type actionDoc struct {
	Key         string `json:"_key"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type toolDoc struct {
	Key         string         `json:"_key"`
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema,omitempty"`
}

type edgeDoc struct {
	From  string  `json:"_from"`
	To    string  `json:"_to"`
	Score float64 `json:"score"`
}

type documents struct {
	actions []map[string]any
	tools   []map[string]any
	next    []map[string]any
	calls   []map[string]any
}

func buildDocuments(g *toolkit.Graph) documents {
	var out documents
	for _, a := range g.Actions() {
		out.actions = append(out.actions, map[string]any{
			"_key":        makeKey(a.ID),
			"id":          a.ID,
			"name":        a.Name,
			"description": a.Description,
		})
	}
	for _, t := range g.Tools() {
		doc := map[string]any{
			"_key":        makeKey(t.ID),
			"id":          t.ID,
			"name":        t.Name,
			"description": t.Description,
		}
		if t.Schema != nil {
			doc["schema"] = t.Schema
		}
		out.tools = append(out.tools, doc)
	}
	for _, e := range g.Edges() {
		toCol := actionCollection
		if e.Type == toolkit.EdgeCall {
			toCol = toolCollection
		}
		doc := map[string]any{
			"_key":  makeEdgeKey(e.From, e.To),
			"_from": actionCollection + "/" + makeKey(e.From),
			"_to":   toCol + "/" + makeKey(e.To),
			"score": e.Score,
		}
		if e.Type == toolkit.EdgeCall {
			out.calls = append(out.calls, doc)
		} else {
			out.next = append(out.next, doc)
		}
	}
	return out
}

// assemble rebuilds a graph from stored documents. Edges referencing missing
// documents are skipped.
func assemble(actions []actionDoc, tools []toolDoc, edges []edgeDoc, resolve Resolver) (*toolkit.Graph, error) {
	g := toolkit.New()
	ids := make(map[string]string, len(actions)+len(tools))

	for _, a := range actions {
		if err := g.AddAction(toolkit.Action{ID: a.ID, Name: a.Name, Description: a.Description}, nil, nil); err != nil {
			return nil, fmt.Errorf("restore action %s: %w", a.ID, err)
		}
		ids[actionCollection+"/"+a.Key] = a.ID
	}
	for _, t := range tools {
		tool := toolkit.Tool{ID: t.ID, Name: t.Name, Description: t.Description, Schema: t.Schema}
		if resolve != nil {
			tool.Invoker = resolve(t.ID, t.Name)
		}
		if err := g.AddTool(tool, nil); err != nil {
			return nil, fmt.Errorf("restore tool %s: %w", t.ID, err)
		}
		ids[toolCollection+"/"+t.Key] = t.ID
	}
	for _, e := range edges {
		from, okFrom := ids[e.From]
		to, okTo := ids[e.To]
		if !okFrom || !okTo || !strings.HasPrefix(e.From, actionCollection+"/") {
			continue
		}
		if err := g.Connect(from, to, e.Score); err != nil {
			return nil, fmt.Errorf("restore edge %s -> %s: %w", from, to, err)
		}
	}
	return g, nil
}

func makeKey(id string) string {
	hash := md5.Sum([]byte(id))
	return hex.EncodeToString(hash[:])[:16]
}

func makeEdgeKey(from, to string) string {
	return makeKey(from + "->" + to)
}
