// Package file implements file_read, a read-only tool for files and
// directories under configured roots.
//
// Every path is resolved to its absolute, symlink-free form and checked
// against the allowlist before any I/O occurs.
package file

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jkaninda/chorus/internal/toolkit"
	"github.com/jkaninda/chorus/internal/tools"
)

// Config configures file_read restrictions.
type Config struct {
	AllowedPaths     []string // Directory roots. Empty = deny all.
	MaxFileSizeBytes int64    // 0 = 10 MB default.
}

const defaultMaxFileSize = 10 << 20

// ReadTool reads files and lists directories within allowed paths.
type ReadTool struct {
	config Config
	logger *slog.Logger
}

// NewReadTool creates a file_read tool restricted to cfg.AllowedPaths.
func NewReadTool(cfg Config, logger *slog.Logger) *ReadTool {
	if cfg.MaxFileSizeBytes <= 0 {
		cfg.MaxFileSizeBytes = defaultMaxFileSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReadTool{config: cfg, logger: logger}
}

func (t *ReadTool) Name() string { return "file_read" }

func (t *ReadTool) Description() string {
	return "Read a file or list a directory under the allowed roots"
}

// readArgs are the file_read parameters.
type readArgs struct {
	Path      string `json:"path" jsonschema:"description=Path of the file or directory"`
	Operation string `json:"operation,omitempty" jsonschema:"enum=read,enum=list,description=read returns the contents and list a directory listing. Defaults to read"`
}

func (a readArgs) operation() string {
	if a.Operation == "" {
		return "read"
	}
	return a.Operation
}

func (t *ReadTool) InputSchema() map[string]any {
	return toolkit.SchemaFor[readArgs]()
}

func decodeArgs(params map[string]any) (readArgs, error) {
	args, err := toolkit.Decode[readArgs](params)
	if err != nil {
		return args, err
	}
	if args.Path == "" {
		return args, fmt.Errorf("missing required parameter: path")
	}
	if op := args.operation(); op != "read" && op != "list" {
		return args, fmt.Errorf("operation must be \"read\" or \"list\", got %q", op)
	}
	return args, nil
}

func (t *ReadTool) Validate(params map[string]any) error {
	args, err := decodeArgs(params)
	if err != nil {
		return err
	}
	_, err = safePath(args.Path, t.config.AllowedPaths)
	return err
}

func (t *ReadTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	args, err := decodeArgs(params)
	if err != nil {
		return nil, err
	}
	resolved, err := safePath(args.Path, t.config.AllowedPaths)
	if err != nil {
		return nil, err
	}

	op := args.operation()
	t.logger.DebugContext(ctx, "file_read executing",
		slog.String("operation", op),
		slog.String("path", resolved),
	)
	if op == "list" {
		return t.listDir(resolved)
	}
	return t.readFile(resolved)
}

func (t *ReadTool) readFile(path string) (*tools.Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory, use operation=\"list\"", path)
	}
	if info.Size() > t.config.MaxFileSizeBytes {
		return nil, fmt.Errorf("file size %d exceeds limit %d bytes", info.Size(), t.config.MaxFileSizeBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return &tools.Result{
		Output:  tools.TruncateOutput(string(data), tools.MaxOutputBytes),
		Success: true,
		Metadata: map[string]any{
			"path":       path,
			"size_bytes": info.Size(),
		},
	}, nil
}

func (t *ReadTool) listDir(path string) (*tools.Result, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", path, err)
	}

	var b strings.Builder
	for _, e := range entries {
		mode, size := "-", int64(0)
		if info, err := e.Info(); err == nil {
			mode = info.Mode().String()
			size = info.Size()
		}
		fmt.Fprintf(&b, "%s %8d %s\n", mode, size, e.Name())
	}
	return &tools.Result{
		Output:  tools.TruncateOutput(b.String(), tools.MaxOutputBytes),
		Success: true,
		Metadata: map[string]any{
			"path":  path,
			"count": len(entries),
		},
	}, nil
}

// safePath resolves raw to its absolute, symlink-free form and verifies it
// falls under one of the allowed roots. "/data" matches "/data/x" but not
// "/database".
func safePath(raw string, allowed []string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("path must not be empty")
	}
	abs, err := filepath.Abs(raw)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", raw, err)
	}

	for _, root := range allowed {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if realRoot, err := filepath.EvalSymlinks(absRoot); err == nil {
			absRoot = realRoot
		}
		if resolved == absRoot || strings.HasPrefix(resolved, absRoot+string(filepath.Separator)) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("path %q resolves to %q which is outside allowed directories", raw, resolved)
}
