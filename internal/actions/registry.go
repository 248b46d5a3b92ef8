// Package actions validates and normalizes user-authored action definitions
// and serves the virtual built-in actions.
package actions

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	allowedKinds     = map[string]bool{"prompt": true, "command": true}
	allowedReasoning = map[string]bool{"low": true, "medium": true, "high": true, "xhigh": true}
)

const (
	maxTitleLen  = 200
	maxPromptLen = 200_000
	maxCmdLen    = 20_000
)

// RegistryError is the typed validation failure; Code lands in the HTTP
// error body.
type RegistryError struct {
	Code   string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func (e *RegistryError) Error() string {
	if e.Detail == "" {
		return "actions: " + e.Code
	}
	return fmt.Sprintf("actions: %s: %s", e.Code, e.Detail)
}

func regErr(code, format string, args ...any) error {
	return &RegistryError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Defaults supplies the config-level fallbacks for prompt specs. Values come
// from the stored `actions` config object; env and hard defaults fill the
// rest.
type Defaults struct {
	Agent string
	Model string
}

func (d Defaults) agent() string {
	if strings.TrimSpace(d.Agent) != "" {
		return strings.TrimSpace(d.Agent)
	}
	return "codex"
}

func (d Defaults) model() string {
	if strings.TrimSpace(d.Model) != "" {
		return strings.TrimSpace(d.Model)
	}
	if v := strings.TrimSpace(os.Getenv("AUTOAPPDEV_CODEX_MODEL")); v != "" {
		return v
	}
	return "gpt-5.3-codex"
}

func defaultReasoning() string {
	if v := strings.TrimSpace(os.Getenv("AUTOAPPDEV_CODEX_REASONING")); v != "" {
		return v
	}
	return "medium"
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sortedKinds() string {
	keys := make([]string, 0, len(allowedKinds))
	for k := range allowedKinds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}

// NormalizeSpec merges a spec patch onto a base spec, restricted to the
// allowed keys for the kind, fills defaults, and validates the result.
func NormalizeSpec(kind string, patch, base map[string]any, repoRoot string, defs Defaults) (map[string]any, error) {
	kind = strings.TrimSpace(kind)
	if !allowedKinds[kind] {
		return nil, regErr("invalid_kind", "kind must be one of: %s", sortedKinds())
	}
	if patch == nil {
		return nil, regErr("invalid_spec", "spec must be an object")
	}

	var allowed []string
	if kind == "prompt" {
		allowed = []string{"agent", "model", "reasoning", "timeout_s", "prompt"}
	} else {
		allowed = []string{"shell", "cwd", "timeout_s", "cmd"}
	}
	out := map[string]any{}
	for _, k := range allowed {
		if v, ok := base[k]; ok {
			out[k] = v
		}
	}
	for _, k := range allowed {
		if v, ok := patch[k]; ok {
			out[k] = v
		}
	}

	if kind == "prompt" {
		return normalizePromptSpec(out, defs)
	}
	return normalizeCommandSpec(out, repoRoot)
}

func normalizePromptSpec(out map[string]any, defs Defaults) (map[string]any, error) {
	prompt, _ := out["prompt"].(string)
	if strings.TrimSpace(prompt) == "" {
		return nil, regErr("invalid_prompt", "spec.prompt must be a non-empty string")
	}
	if len(prompt) > maxPromptLen {
		return nil, regErr("invalid_prompt", "spec.prompt too large")
	}
	out["prompt"] = prompt

	agent := defs.agent()
	if v, ok := out["agent"]; ok && v != nil {
		s, isStr := v.(string)
		if !isStr || strings.TrimSpace(s) == "" {
			return nil, regErr("invalid_agent", "spec.agent must be a non-empty string")
		}
		agent = strings.TrimSpace(s)
	}
	out["agent"] = agent

	model := defs.model()
	if v, ok := out["model"]; ok && v != nil {
		s, isStr := v.(string)
		if !isStr || strings.TrimSpace(s) == "" {
			return nil, regErr("invalid_model", "spec.model must be a non-empty string")
		}
		model = strings.TrimSpace(s)
	}
	out["model"] = model

	reasoning := defaultReasoning()
	if v, ok := out["reasoning"]; ok && v != nil {
		s, isStr := v.(string)
		if !isStr || strings.TrimSpace(s) == "" {
			return nil, regErr("invalid_reasoning", "spec.reasoning must be a string")
		}
		reasoning = strings.TrimSpace(s)
	}
	if !allowedReasoning[reasoning] {
		return nil, regErr("invalid_reasoning", "reasoning must be one of: high, low, medium, xhigh")
	}
	out["reasoning"] = reasoning

	timeout := 45.0
	if v, ok := out["timeout_s"]; ok && v != nil {
		n, isNum := asNumber(v)
		if !isNum {
			return nil, regErr("invalid_timeout_s", "spec.timeout_s must be a number")
		}
		timeout = n
	}
	out["timeout_s"] = clamp(timeout, 5, 300)
	return out, nil
}

func normalizeCommandSpec(out map[string]any, repoRoot string) (map[string]any, error) {
	cmd, _ := out["cmd"].(string)
	if strings.TrimSpace(cmd) == "" {
		return nil, regErr("invalid_cmd", "spec.cmd must be a non-empty string")
	}
	if len(cmd) > maxCmdLen {
		return nil, regErr("invalid_cmd", "spec.cmd too large")
	}
	out["cmd"] = cmd

	shell := "bash"
	if v, ok := out["shell"]; ok && v != nil {
		s, isStr := v.(string)
		if !isStr || strings.TrimSpace(s) == "" {
			return nil, regErr("invalid_shell", "spec.shell must be a non-empty string")
		}
		shell = strings.TrimSpace(s)
	}
	if shell != "bash" {
		return nil, regErr("invalid_shell", "only shell='bash' is supported in v0")
	}
	out["shell"] = shell

	cwd := "."
	if v, ok := out["cwd"]; ok && v != nil {
		s, isStr := v.(string)
		if !isStr {
			return nil, regErr("invalid_cwd", "spec.cwd must be a string")
		}
		cwd = s
	}
	normCwd, err := NormalizeCwd(cwd, repoRoot)
	if err != nil {
		return nil, err
	}
	out["cwd"] = normCwd

	timeout := 60.0
	if v, ok := out["timeout_s"]; ok && v != nil {
		n, isNum := asNumber(v)
		if !isNum {
			return nil, regErr("invalid_timeout_s", "spec.timeout_s must be a number")
		}
		timeout = n
	}
	out["timeout_s"] = clamp(timeout, 1, 3600)
	return out, nil
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// NormalizeCwd resolves a repo-relative cwd and rejects anything escaping
// the repo root.
func NormalizeCwd(cwd, repoRoot string) (string, error) {
	c := strings.TrimSpace(cwd)
	if c == "" {
		c = "."
	}
	if filepath.IsAbs(c) {
		return "", regErr("invalid_cwd", "cwd must be a repo-relative path (not absolute)")
	}
	repoAbs, err := filepath.Abs(repoRoot)
	if err != nil {
		return "", fmt.Errorf("actions: resolve repo root: %w", err)
	}
	resolved := filepath.Clean(filepath.Join(repoAbs, c))
	rel, err := filepath.Rel(repoAbs, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", regErr("cwd_outside_repo", "cwd resolves outside repo: %s", resolved)
	}
	if rel == "." || rel == "" {
		return ".", nil
	}
	return rel, nil
}

// CreateRequest is the validated result of an action create body.
type CreateRequest struct {
	Title   string
	Kind    string
	Spec    map[string]any
	Enabled bool
}

// ValidateCreate checks a create body and normalizes its spec.
func ValidateCreate(body map[string]any, repoRoot string, defs Defaults) (*CreateRequest, error) {
	if body == nil {
		return nil, regErr("invalid_body", "body must be an object")
	}
	title, err := requireTrimmedStr(body, "title")
	if err != nil {
		return nil, err
	}
	if len(title) > maxTitleLen {
		return nil, regErr("invalid_title", "title is too long")
	}
	kind, err := requireTrimmedStr(body, "kind")
	if err != nil {
		return nil, err
	}
	if !allowedKinds[kind] {
		return nil, regErr("invalid_kind", "kind must be one of: %s", sortedKinds())
	}
	spec, isObj := body["spec"].(map[string]any)
	if !isObj {
		return nil, regErr("invalid_spec", "spec must be an object")
	}
	enabled := true
	if v, ok := body["enabled"]; ok {
		b, isBool := v.(bool)
		if !isBool {
			return nil, regErr("invalid_enabled", "enabled must be a boolean")
		}
		enabled = b
	}
	norm, err := NormalizeSpec(kind, spec, nil, repoRoot, defs)
	if err != nil {
		return nil, err
	}
	return &CreateRequest{Title: title, Kind: kind, Spec: norm, Enabled: enabled}, nil
}

// UpdateRequest carries the validated fields of a partial update; nil means
// "not provided".
type UpdateRequest struct {
	Title   *string
	Spec    map[string]any
	Enabled *bool
}

// ValidateUpdate checks a partial update body against the stored action.
// Changing kind is rejected; absent fields keep stored values.
func ValidateUpdate(body map[string]any, existingKind string, existingSpec map[string]any, repoRoot string, defs Defaults) (*UpdateRequest, error) {
	if body == nil {
		return nil, regErr("invalid_body", "body must be an object")
	}
	touched := false
	for _, k := range []string{"title", "spec", "enabled", "kind"} {
		if _, ok := body[k]; ok {
			touched = true
		}
	}
	if !touched {
		return nil, regErr("no_fields", "no updatable fields provided")
	}

	if v, ok := body["kind"]; ok {
		k, isStr := v.(string)
		if !isStr || strings.TrimSpace(k) == "" {
			return nil, regErr("invalid_kind", "kind must be a non-empty string")
		}
		if strings.TrimSpace(k) != existingKind {
			return nil, regErr("kind_change_not_allowed", "changing kind is not supported in v0")
		}
	}

	out := &UpdateRequest{}
	if v, ok := body["title"]; ok {
		t, isStr := v.(string)
		if !isStr {
			return nil, regErr("invalid_title", "title must be a string")
		}
		t = strings.TrimSpace(t)
		if t == "" {
			return nil, regErr("invalid_title", "title must be a non-empty string")
		}
		if len(t) > maxTitleLen {
			return nil, regErr("invalid_title", "title is too long")
		}
		out.Title = &t
	}
	if v, ok := body["enabled"]; ok {
		b, isBool := v.(bool)
		if !isBool {
			return nil, regErr("invalid_enabled", "enabled must be a boolean")
		}
		out.Enabled = &b
	}
	if v, ok := body["spec"]; ok {
		patch, isObj := v.(map[string]any)
		if !isObj {
			return nil, regErr("invalid_spec", "spec must be an object")
		}
		norm, err := NormalizeSpec(existingKind, patch, existingSpec, repoRoot, defs)
		if err != nil {
			return nil, err
		}
		out.Spec = norm
	}
	return out, nil
}

func requireTrimmedStr(obj map[string]any, key string) (string, error) {
	v, _ := obj[key].(string)
	v = strings.TrimSpace(v)
	if v == "" {
		return "", regErr("invalid_"+key, "%s must be a non-empty string", key)
	}
	return v, nil
}
