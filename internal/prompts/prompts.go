// Package prompts renders the system prompts used by reasoners, evaluators
// and the decomposing leader. Prompt text lives in embedded template files.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
)

//go:embed templates/*.tmpl
var files embed.FS

// Name selects a template.
type Name string

const (
	Thinker    Name = "thinker.tmpl"
	Actor      Name = "actor.tmpl"
	Mono       Name = "mono.tmpl"
	Evaluator  Name = "evaluator.tmpl"
	Decomposer Name = "decomposer.tmpl"
)

var templates = template.Must(template.New("prompts").ParseFS(files, "templates/*.tmpl"))

// Upstream is an output produced by an earlier step.
type Upstream struct {
	ID         string
	Scratchpad string
}

// ToolInfo describes a tool to the model.
type ToolInfo struct {
	Name        string
	Description string
	Schema      string
}

// ExpertInfo describes an expert to the decomposer.
type ExpertInfo struct {
	Name        string
	Description string
}

// Data is the input of every template. Unused fields are ignored.
type Data struct {
	Goal               string
	Context            string
	Instruction        string
	CompletionCriteria string
	Lesson             string
	OutputFormat       string
	Upstream           []Upstream
	Tools              []ToolInfo
	ActionRelations    string
	Knowledge          string
	Insights           []string
	Experts            []ExpertInfo
}

// Render executes the named template.
func Render(name Name, data Data) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, string(name), data); err != nil {
		return "", fmt.Errorf("rendering prompt %s: %w", name, err)
	}
	return buf.String(), nil
}
