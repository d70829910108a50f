package reasoner

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jkaninda/chorus/internal/domain"
	"github.com/jkaninda/chorus/internal/jsonutil"
	"github.com/jkaninda/chorus/internal/toolkit"
)

var (
	directivePattern = regexp.MustCompile(`(?s)<function_call>(.*?)</function_call>`)
	namePattern      = regexp.MustCompile(`["']name["']\s*:\s*["']([^"']+)["']`)
)

// Directive is one parsed <function_call> block.
type Directive struct {
	Name          string         `json:"name"`
	CallObjective string         `json:"call_objective"`
	Args          map[string]any `json:"args"`

	Raw string `json:"-"`
	Err error  `json:"-"`
}

// ParseDirectives returns the directives of payload in order of appearance.
// Malformed blocks are returned with Err set and a best-effort Name.
func ParseDirectives(payload string) []Directive {
	matches := directivePattern.FindAllStringSubmatch(payload, -1)
	out := make([]Directive, 0, len(matches))
	for _, m := range matches {
		raw := strings.TrimSpace(m[1])
		var d Directive
		if err := jsonutil.Unmarshal(raw, &d); err != nil {
			d = Directive{Err: fmt.Errorf("parsing function call: %w", err)}
			if nm := namePattern.FindStringSubmatch(raw); nm != nil {
				d.Name = nm[1]
			}
		} else if d.Name == "" {
			d.Err = fmt.Errorf("function call has no name")
		}
		d.Raw = raw
		out = append(out, d)
	}
	return out
}

// Dispatch parses the directives in payload and invokes the matching tools
// sequentially. Every directive yields exactly one result.
func Dispatch(ctx context.Context, payload string, tools []toolkit.Tool) []domain.FunctionCallResult {
	directives := ParseDirectives(payload)
	if len(directives) == 0 {
		return nil
	}
	byName := make(map[string]toolkit.Tool, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}

	results := make([]domain.FunctionCallResult, 0, len(directives))
	for _, d := range directives {
		res := domain.FunctionCallResult{
			FuncName:      d.Name,
			FuncArgs:      d.Args,
			CallObjective: d.CallObjective,
			Status:        domain.CallFailed,
		}
		switch tool, ok := byName[d.Name]; {
		case d.Err != nil:
			res.Output = d.Err.Error()
		case !ok:
			res.Output = fmt.Sprintf("tool %q is not available", d.Name)
		case tool.Invoker == nil:
			res.Output = fmt.Sprintf("tool %q cannot be invoked", d.Name)
		default:
			out, err := invoke(ctx, tool.Invoker, d.Args)
			if err != nil {
				res.Output = err.Error()
			} else {
				res.Output = out
				res.Status = domain.CallSucceeded
			}
		}
		results = append(results, res)
	}
	return results
}

func invoke(ctx context.Context, inv toolkit.Invoker, args map[string]any) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	if args == nil {
		args = map[string]any{}
	}
	v, err := inv.Invoke(ctx, args)
	if err != nil {
		return "", err
	}
	return toolkit.Stringify(v), nil
}
