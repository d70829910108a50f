package database

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/chorus/internal/tools"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestValidateReadOnly(t *testing.T) {
	cases := []struct {
		query string
		ok    bool
	}{
		{"SELECT 1", true},
		{"  -- leading comment\nSELECT * FROM jobs", true},
		{"/* c */ WITH x AS (SELECT 1) SELECT * FROM x", true},
		{"select 1;", true},
		{"EXPLAIN SELECT 1", true},
		{"DELETE FROM jobs", false},
		{"insert into jobs values (1)", false},
		{"SELECT 1; DROP TABLE jobs", false},
		{"", false},
		{"-- only a comment", false},
		{"VACUUM", false},
		{"UPSERT something", false},
	}
	for _, tc := range cases {
		err := validateReadOnly(tc.query)
		if tc.ok && err != nil {
			t.Errorf("%q: expected valid, got: %v", tc.query, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%q: expected rejection", tc.query)
		}
	}
}

func TestValidate_RequiresQuery(t *testing.T) {
	tool := NewTool(Config{}, discardLogger())
	if err := tool.Validate(map[string]any{}); err == nil {
		t.Fatal("expected missing query error")
	}
	if err := tool.Validate(map[string]any{"query": 42}); err == nil {
		t.Fatal("expected type error")
	}
}

func TestRowLimit(t *testing.T) {
	tool := NewTool(Config{MaxRows: 50}, discardLogger())
	if got := tool.rowLimit(0); got != 50 {
		t.Fatalf("expected default 50, got %d", got)
	}
	if got := tool.rowLimit(10); got != 10 {
		t.Fatalf("expected 10, got %d", got)
	}
	if got := tool.rowLimit(500); got != 50 {
		t.Fatalf("expected cap at 50, got %d", got)
	}
}

func TestInvoker_MissingDSN(t *testing.T) {
	inv := tools.Invoker(NewTool(Config{}, discardLogger()))
	_, err := inv.Invoke(context.Background(), map[string]any{"query": "SELECT 1"})
	if err == nil || !strings.Contains(err.Error(), "DSN") {
		t.Fatalf("expected DSN error, got: %v", err)
	}
	if _, err := inv.Invoke(context.Background(), map[string]any{"query": "DROP TABLE x"}); err == nil {
		t.Fatal("expected validation error before connecting")
	}
}

func TestFormatValue(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if got := formatValue(ts); got != "2024-01-02T03:04:05Z" {
		t.Fatalf("unexpected time format %q", got)
	}
	if got := formatValue(nil); got != "NULL" {
		t.Fatalf("expected NULL, got %q", got)
	}
	long := []byte(strings.Repeat("x", maxCellBytes+10))
	if got := formatValue(long); !strings.HasSuffix(got, "...") || len(got) != maxCellBytes+3 {
		t.Fatalf("expected truncated cell, got len %d", len(got))
	}
}

func TestInputSchema(t *testing.T) {
	schema := NewTool(Config{}, discardLogger()).InputSchema()
	props, ok := schema["properties"].(map[string]any)
	if !ok || props["query"] == nil || props["max_rows"] == nil {
		t.Fatalf("expected query and max_rows properties, got: %v", schema)
	}
	required, _ := schema["required"].([]any)
	if len(required) != 1 || required[0] != "query" {
		t.Fatalf("expected only query to be required, got: %v", schema["required"])
	}
	if rows, _ := props["max_rows"].(map[string]any); rows["type"] != "integer" {
		t.Fatalf("expected integer max_rows, got: %v", rows)
	}
}
