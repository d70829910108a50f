package file

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setup(t *testing.T) (root string, tool *ReadTool) {
	t.Helper()
	root = t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("quarterly numbers"), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return root, NewReadTool(Config{AllowedPaths: []string{root}}, discardLogger())
}

func TestReadTool_Read(t *testing.T) {
	root, tool := setup(t)
	res, err := tool.Execute(context.Background(), map[string]any{"path": filepath.Join(root, "notes.txt")})
	if err != nil {
		t.Fatalf("expected read, got: %v", err)
	}
	if res.Output != "quarterly numbers" || !res.Success {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestReadTool_List(t *testing.T) {
	root, tool := setup(t)
	res, err := tool.Execute(context.Background(), map[string]any{"path": root, "operation": "list"})
	if err != nil {
		t.Fatalf("expected listing, got: %v", err)
	}
	if !strings.Contains(res.Output, "notes.txt") {
		t.Fatalf("expected notes.txt in listing, got: %s", res.Output)
	}
}

func TestReadTool_RejectsOutsideRoot(t *testing.T) {
	_, tool := setup(t)
	outside := t.TempDir()
	if err := tool.Validate(map[string]any{"path": outside}); err == nil {
		t.Fatal("expected path outside the root to be rejected")
	}
	if err := tool.Validate(map[string]any{"path": "x", "operation": "write"}); err == nil {
		t.Fatal("expected unknown operation to be rejected")
	}
}

func TestReadTool_RejectsSymlinkEscape(t *testing.T) {
	root, tool := setup(t)
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(secret, []byte("x"), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	link := filepath.Join(root, "link.txt")
	if err := os.Symlink(secret, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if _, err := tool.Execute(context.Background(), map[string]any{"path": link}); err == nil {
		t.Fatal("expected symlink escape to be rejected")
	}
}

func TestReadTool_SizeLimit(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "big.txt")
	if err := os.WriteFile(path, []byte(strings.Repeat("a", 64)), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	tool := NewReadTool(Config{AllowedPaths: []string{root}, MaxFileSizeBytes: 16}, discardLogger())
	if _, err := tool.Execute(context.Background(), map[string]any{"path": path}); err == nil {
		t.Fatal("expected size limit error")
	}
}

func TestReadTool_InputSchema(t *testing.T) {
	_, tool := setup(t)
	schema := tool.InputSchema()
	props, ok := schema["properties"].(map[string]any)
	if !ok || props["path"] == nil || props["operation"] == nil {
		t.Fatalf("expected path and operation properties, got: %v", schema)
	}
	required, _ := schema["required"].([]any)
	if len(required) != 1 || required[0] != "path" {
		t.Fatalf("expected only path to be required, got: %v", schema["required"])
	}
	op, _ := props["operation"].(map[string]any)
	if enum, _ := op["enum"].([]any); len(enum) != 2 {
		t.Fatalf("expected read/list enum, got: %v", op)
	}
	if err := tool.Validate(map[string]any{"path": 7}); err == nil {
		t.Fatal("expected a non-string path to be rejected")
	}
}
