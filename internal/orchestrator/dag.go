package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jkaninda/chorus/internal/jsonutil"
)

// Subtask is one entry of the leader's decomposition output.
type Subtask struct {
	ID                 FlexID `json:"id"`
	Goal               string `json:"goal"`
	Context            string `json:"context"`
	CompletionCriteria string `json:"completion_criteria"`
	Dependencies       IDList `json:"dependencies"`
	AssignedExpert     string `json:"assigned_expert"`
}

// FlexID decodes an id given as a string or a number.
type FlexID string

func (f *FlexID) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	id, err := idString(v)
	if err != nil {
		return err
	}
	*f = FlexID(id)
	return nil
}

func idString(v any) (string, error) {
	switch id := v.(type) {
	case nil:
		return "", nil
	case string:
		return id, nil
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), nil
	}
	return "", fmt.Errorf("unsupported id %v", v)
}

// IDList decodes a list of ids given as strings or numbers.
type IDList []string

func (l *IDList) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*l = nil
		return nil
	}
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		var single any
		if err2 := json.Unmarshal(data, &single); err2 != nil {
			return err
		}
		raw = []any{single}
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		id, err := idString(v)
		if err != nil {
			return err
		}
		out = append(out, id)
	}
	*l = out
	return nil
}

// ParseSubtasks decodes decomposition output. Both a bare array and an
// object with a "subtasks" array are accepted.
func ParseSubtasks(text string) ([]Subtask, error) {
	raw, err := jsonutil.Extract(text)
	if err != nil {
		return nil, fmt.Errorf("parsing subtasks: %w", err)
	}
	raw = jsonutil.Clean(raw)

	var list []Subtask
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return normalizeSubtasks(list), nil
	}
	var wrapped struct {
		Subtasks []Subtask `json:"subtasks"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapped); err != nil {
		return nil, fmt.Errorf("parsing subtasks: %w", err)
	}
	return normalizeSubtasks(wrapped.Subtasks), nil
}

func normalizeSubtasks(list []Subtask) []Subtask {
	for i := range list {
		if list[i].ID == "" {
			list[i].ID = FlexID(strconv.Itoa(i + 1))
		}
	}
	return list
}

// ValidateSubtasks checks that subtasks form a DAG: unique ids, known
// dependencies, no self references and no cycles.
func ValidateSubtasks(subtasks []Subtask) error {
	index := make(map[string]int, len(subtasks))
	for i, st := range subtasks {
		if _, dup := index[string(st.ID)]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, st.ID)
		}
		index[string(st.ID)] = i
	}
	for _, st := range subtasks {
		for _, dep := range st.Dependencies {
			if dep == string(st.ID) {
				return fmt.Errorf("subtask %s: %w", st.ID, ErrSelfLoop)
			}
			if _, ok := index[dep]; !ok {
				return fmt.Errorf("subtask %s: %w: dependency %s", st.ID, ErrUnknownJob, dep)
			}
		}
	}

	const (
		white = 0 // Not visited.
		gray  = 1 // In current path.
		black = 2 // Fully processed.
	)
	colors := make([]int, len(subtasks))

	var dfs func(node int) error
	dfs = func(node int) error {
		colors[node] = gray
		for _, dep := range subtasks[node].Dependencies {
			next := index[dep]
			switch colors[next] {
			case gray:
				return fmt.Errorf("%w: subtasks %s and %s", ErrCycle, subtasks[node].ID, dep)
			case white:
				if err := dfs(next); err != nil {
					return err
				}
			}
		}
		colors[node] = black
		return nil
	}

	for i := range subtasks {
		if colors[i] == white {
			if err := dfs(i); err != nil {
				return err
			}
		}
	}
	return nil
}
