// Package database implements the sql_read builtin tool.
//
// Experts use it to inspect a configured PostgreSQL database while solving a
// subjob. Only single read-only statements are accepted, each query runs
// under a timeout, and the number of returned rows is capped.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.

	"github.com/jkaninda/chorus/internal/toolkit"
	"github.com/jkaninda/chorus/internal/tools"
)

const (
	defaultMaxRows    = 1000
	defaultTimeoutSec = 30
	maxCellBytes      = 500
)

// blockedPrefixes are statement prefixes that write or change session state.
var blockedPrefixes = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE",
	"TRUNCATE", "GRANT", "REVOKE", "COPY", "VACUUM", "REINDEX",
	"COMMENT", "LOCK", "DISCARD", "SET ", "RESET", "BEGIN",
	"COMMIT", "ROLLBACK", "SAVEPOINT", "RELEASE", "PREPARE",
	"EXECUTE", "DEALLOCATE", "LISTEN", "NOTIFY", "UNLISTEN",
	"LOAD", "CLUSTER", "REFRESH", "SECURITY", "MERGE", "CALL",
}

var allowedPrefixes = []string{"SELECT", "EXPLAIN", "SHOW", "DESCRIBE", "WITH", "VALUES", "TABLE"}

// Config holds sql_read settings.
type Config struct {
	DSN            string
	MaxRows        int
	TimeoutSeconds int
}

// Tool runs read-only SQL queries.
type Tool struct {
	config Config
	logger *slog.Logger

	mu sync.Mutex
	db *sql.DB
}

// NewTool creates the tool. The connection is opened on first use.
func NewTool(cfg Config, logger *slog.Logger) *Tool {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = defaultTimeoutSec
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tool{config: cfg, logger: logger}
}

// NewToolWithDB wraps an already opened handle.
func NewToolWithDB(db *sql.DB, cfg Config, logger *slog.Logger) *Tool {
	t := NewTool(cfg, logger)
	t.db = db
	return t
}

func (t *Tool) Name() string { return "sql_read" }

func (t *Tool) Description() string {
	return "Run a single read-only SQL statement (SELECT, WITH, EXPLAIN, SHOW) and return a tab separated table"
}

// queryArgs are the sql_read parameters.
type queryArgs struct {
	Query   string `json:"query" jsonschema:"description=Read-only SQL statement"`
	MaxRows int    `json:"max_rows,omitempty" jsonschema:"minimum=1,description=Maximum rows to return"`
}

func (t *Tool) InputSchema() map[string]any {
	return toolkit.SchemaFor[queryArgs]()
}

func decodeArgs(params map[string]any) (queryArgs, error) {
	args, err := toolkit.Decode[queryArgs](params)
	if err != nil {
		return args, err
	}
	if strings.TrimSpace(args.Query) == "" {
		return args, fmt.Errorf("missing required parameter: query")
	}
	return args, nil
}

func (t *Tool) Validate(params map[string]any) error {
	args, err := decodeArgs(params)
	if err != nil {
		return err
	}
	return validateReadOnly(args.Query)
}

// Execute runs the query and returns the formatted rows.
func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	args, err := decodeArgs(params)
	if err != nil {
		return nil, err
	}
	query := args.Query

	db, err := t.conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("database connection: %w", err)
	}

	maxRows := t.rowLimit(args.MaxRows)
	queryCtx, cancel := context.WithTimeout(ctx, time.Duration(t.config.TimeoutSeconds)*time.Second)
	defer cancel()

	start := time.Now()
	rows, err := db.QueryContext(queryCtx, query)
	if err != nil {
		return &tools.Result{Output: err.Error(), Success: false}, nil
	}
	defer rows.Close()

	output, rowCount, err := formatRows(rows, maxRows)
	if err != nil {
		return nil, fmt.Errorf("reading results: %w", err)
	}

	t.logger.DebugContext(ctx, "sql_read executed",
		slog.String("query_prefix", truncateQuery(query, 100)),
		slog.Int("rows", rowCount),
		slog.Duration("duration", time.Since(start)),
	)

	return &tools.Result{
		Output:  tools.TruncateOutput(output, tools.MaxOutputBytes),
		Success: true,
		Metadata: map[string]any{
			"rows_returned": rowCount,
			"max_rows":      maxRows,
		},
	}, nil
}

// Close releases the connection pool.
func (t *Tool) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil {
		return nil
	}
	err := t.db.Close()
	t.db = nil
	return err
}

func (t *Tool) rowLimit(requested int) int {
	limit := t.config.MaxRows
	if requested > 0 && requested < limit {
		limit = requested
	}
	return limit
}

func (t *Tool) conn(ctx context.Context) (*sql.DB, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db != nil {
		return t.db, nil
	}
	if t.config.DSN == "" {
		return nil, fmt.Errorf("database DSN not configured")
	}

	db, err := sql.Open("pgx", t.config.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	t.db = db
	return db, nil
}

func validateReadOnly(query string) error {
	normalized := stripLeadingComments(strings.TrimSpace(query))
	if normalized == "" {
		return fmt.Errorf("query must not be empty")
	}
	upper := strings.ToUpper(normalized)

	for _, prefix := range blockedPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return fmt.Errorf("query blocked: %s statements are not allowed", strings.TrimSpace(prefix))
		}
	}

	allowed := false
	for _, prefix := range allowedPrefixes {
		if strings.HasPrefix(upper, prefix) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("query must start with one of: %s", strings.Join(allowedPrefixes, ", "))
	}

	if strings.Contains(strings.TrimRight(normalized, "; \t\n\r"), ";") {
		return fmt.Errorf("multiple statements not allowed")
	}
	return nil
}

func stripLeadingComments(s string) string {
	for {
		s = strings.TrimSpace(s)
		switch {
		case strings.HasPrefix(s, "--"):
			idx := strings.Index(s, "\n")
			if idx < 0 {
				return ""
			}
			s = s[idx+1:]
		case strings.HasPrefix(s, "/*"):
			idx := strings.Index(s, "*/")
			if idx < 0 {
				return ""
			}
			s = s[idx+2:]
		default:
			return s
		}
	}
}

// formatRows renders rows as a tab separated table with a header line.
func formatRows(rows *sql.Rows, maxRows int) (string, int, error) {
	cols, err := rows.Columns()
	if err != nil {
		return "", 0, fmt.Errorf("getting columns: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(cols, "\t"))
	sb.WriteString("\n")

	values := make([]any, len(cols))
	scanArgs := make([]any, len(cols))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	count := 0
	for rows.Next() {
		if count >= maxRows {
			fmt.Fprintf(&sb, "... [results truncated at %d rows]\n", maxRows)
			break
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return "", count, fmt.Errorf("scanning row %d: %w", count, err)
		}
		cells := make([]string, len(values))
		for i, v := range values {
			cells[i] = formatValue(v)
		}
		sb.WriteString(strings.Join(cells, "\t"))
		sb.WriteString("\n")
		count++
	}
	if err := rows.Err(); err != nil {
		return "", count, fmt.Errorf("iterating rows: %w", err)
	}
	if count == 0 {
		sb.WriteString("(no rows returned)\n")
	}
	return sb.String(), count, nil
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		if len(val) > maxCellBytes {
			return string(val[:maxCellBytes]) + "..."
		}
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func truncateQuery(q string, n int) string {
	q = strings.ReplaceAll(q, "\n", " ")
	if len(q) > n {
		return q[:n] + "..."
	}
	return q
}
