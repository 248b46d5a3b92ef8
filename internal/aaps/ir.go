// Package aaps implements the AutoAppDev pipeline script format: the AAPS v1
// line parser, the shell-comment importer, the canonical text renderer, and
// the bash runner codegen.
package aaps

import (
	"encoding/json"
	"fmt"
	"strings"
)

// IR is the canonical representation of a pipeline: tasks, steps, actions,
// in declaration order.
type IR struct {
	Kind    string `json:"kind"`
	Version int    `json:"version"`
	Tasks   []Task `json:"tasks"`
}

type Task struct {
	ID    string         `json:"id"`
	Title string         `json:"title"`
	Meta  map[string]any `json:"meta,omitempty"`
	Steps []Step         `json:"steps"`
}

type Step struct {
	ID      string         `json:"id"`
	Title   string         `json:"title"`
	Block   string         `json:"block"`
	Meta    map[string]any `json:"meta,omitempty"`
	Actions []Action       `json:"actions"`
}

type Action struct {
	ID     string         `json:"id"`
	Kind   string         `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

const (
	IRKind    = "autoappdev_ir"
	IRVersion = 1
	Header    = "AUTOAPPDEV_PIPELINE 1"
)

var allowedBlocks = map[string]bool{
	"plan":        true,
	"work":        true,
	"debug":       true,
	"fix":         true,
	"summary":     true,
	"commit_push": true,
}

// AllowedBlocks returns the step blocks in documentation order.
func AllowedBlocks() []string {
	return []string{"plan", "work", "debug", "fix", "summary", "commit_push"}
}

// ParseError is the typed failure raised by Parse and ImportShell. Line is
// 1-based and counts the original input, comments included.
type ParseError struct {
	Code   string `json:"error"`
	Line   int    `json:"line"`
	Detail string `json:"detail"`
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("aaps: %s at line %d: %s", e.Code, e.Line, e.Detail)
}

// Format renders an IR back to canonical AAPS text: header plus one
// statement per task/step/action in declaration order, compact JSON with
// sorted keys. Parse(Format(ir)) reproduces ir.
func Format(ir *IR) (string, error) {
	var b strings.Builder
	b.WriteString(Header)
	b.WriteByte('\n')
	for _, t := range ir.Tasks {
		if err := writeStmt(&b, "TASK", map[string]any{"id": t.ID, "title": t.Title}, t.Meta, nil); err != nil {
			return "", err
		}
		for _, s := range t.Steps {
			if err := writeStmt(&b, "STEP", map[string]any{"id": s.ID, "title": s.Title, "block": s.Block}, s.Meta, nil); err != nil {
				return "", err
			}
			for _, a := range s.Actions {
				if err := writeStmt(&b, "ACTION", map[string]any{"id": a.ID, "kind": a.Kind}, a.Meta, a.Params); err != nil {
					return "", err
				}
			}
		}
	}
	return b.String(), nil
}

func writeStmt(b *strings.Builder, kw string, fields map[string]any, meta, params map[string]any) error {
	if params != nil {
		fields["params"] = params
	}
	if meta != nil {
		fields["meta"] = meta
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("aaps: encode %s statement: %w", kw, err)
	}
	b.WriteString(kw)
	b.WriteByte(' ')
	b.Write(data)
	b.WriteByte('\n')
	return nil
}
