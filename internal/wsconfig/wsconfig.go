// Package wsconfig validates and merges per-workspace configuration.
// A workspace is a single path segment under <repo>/auto-apps/.
package wsconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// AllowedLanguages is the fixed language set for default_language.
var AllowedLanguages = []string{"zh-Hans", "zh-Hant", "en", "ja", "ko", "vi", "ar", "fr", "es"}

const (
	maxSharedContextLen = 200_000
	maxMaterialsPaths   = 20
	maxWorkspaceLen     = 100
)

// Error is the typed validation failure for workspace config bodies.
type Error struct {
	Code   string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return "wsconfig: " + e.Code
	}
	return fmt.Sprintf("wsconfig: %s: %s", e.Code, e.Detail)
}

func wsErr(code, format string, args ...any) error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Config is the normalized workspace configuration.
type Config struct {
	MaterialsPaths    []string `json:"materials_paths"`
	SharedContextText string   `json:"shared_context_text"`
	SharedContextPath string   `json:"shared_context_path"`
	DefaultLanguage   string   `json:"default_language"`
}

// DefaultConfig is what a workspace gets before any write.
func DefaultConfig() Config {
	return Config{
		MaterialsPaths:    []string{"materials"},
		SharedContextText: "",
		SharedContextPath: "",
		DefaultLanguage:   "en",
	}
}

// ValidateWorkspaceSlug enforces the single-segment workspace naming rules.
func ValidateWorkspaceSlug(workspace string) (string, error) {
	w := strings.TrimSpace(workspace)
	if w == "" {
		return "", wsErr("invalid_workspace", "workspace is required")
	}
	if w == "." || w == ".." {
		return "", wsErr("invalid_workspace", "workspace must not be '.' or '..'")
	}
	if strings.ContainsAny(w, `/\`) {
		return "", wsErr("invalid_workspace", "workspace must be a single path segment")
	}
	if len(w) > maxWorkspaceLen {
		return "", wsErr("invalid_workspace", "workspace is too long")
	}
	for _, r := range w {
		if r < 32 {
			return "", wsErr("invalid_workspace", "workspace contains control characters")
		}
	}
	return w, nil
}

// ResolveWorkspaceRoot returns <repo>/auto-apps/<workspace> with symlink
// escape guards.
func ResolveWorkspaceRoot(repoRoot, workspace string) (string, error) {
	repoReal, err := resolvePath(repoRoot)
	if err != nil {
		return "", fmt.Errorf("wsconfig: resolve repo root: %w", err)
	}
	autoApps, err := resolvePath(filepath.Join(repoReal, "auto-apps"))
	if err != nil {
		return "", fmt.Errorf("wsconfig: resolve auto-apps: %w", err)
	}
	if !within(repoReal, autoApps) {
		return "", wsErr("path_outside_repo", "auto-apps/ resolves outside repo: %s", autoApps)
	}
	target, err := resolvePath(filepath.Join(autoApps, workspace))
	if err != nil {
		return "", fmt.Errorf("wsconfig: resolve workspace: %w", err)
	}
	if !within(autoApps, target) {
		return "", wsErr("path_outside_auto_apps", "workspace resolves outside auto-apps/: %s", target)
	}
	return target, nil
}

// resolvePath follows symlinks for the longest existing prefix and joins
// the remainder lexically, so nonexistent targets still resolve.
func resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	probe := abs
	var tail []string
	for {
		real, err := filepath.EvalSymlinks(probe)
		if err == nil {
			out := real
			for i := len(tail) - 1; i >= 0; i-- {
				out = filepath.Join(out, tail[i])
			}
			return filepath.Clean(out), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return abs, nil
		}
		tail = append(tail, filepath.Base(probe))
		probe = parent
	}
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func normalizeRelPath(workspaceRoot, raw, field string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", wsErr("invalid_"+field, "%s must be a non-empty string", field)
	}
	if filepath.IsAbs(s) {
		return "", wsErr("invalid_"+field, "%s must be workspace-relative (not absolute)", field)
	}
	if !doublestar.ValidatePattern(s) {
		return "", wsErr("invalid_"+field, "%s is not a valid path pattern", field)
	}
	resolved := filepath.Clean(filepath.Join(workspaceRoot, s))
	if !within(workspaceRoot, resolved) {
		return "", wsErr("path_outside_workspace", "%s resolves outside workspace: %s", field, resolved)
	}
	rel, err := filepath.Rel(workspaceRoot, resolved)
	if err != nil || rel == "" {
		rel = "."
	}
	return rel, nil
}

// Normalize merges defaults, the stored base, and the request patch, then
// validates the result. Paths are workspace-relative and may use glob
// patterns; all must stay under the workspace root.
func Normalize(body map[string]any, repoRoot, workspace string, base map[string]any) (*Config, error) {
	if body == nil {
		return nil, wsErr("invalid_body", "body must be an object")
	}
	ws, err := ValidateWorkspaceSlug(workspace)
	if err != nil {
		return nil, err
	}
	wsRoot, err := ResolveWorkspaceRoot(repoRoot, ws)
	if err != nil {
		return nil, err
	}

	merged := map[string]any{}
	def := DefaultConfig()
	merged["materials_paths"] = anySlice(def.MaterialsPaths)
	merged["default_language"] = def.DefaultLanguage
	merged["shared_context_text"] = def.SharedContextText
	merged["shared_context_path"] = def.SharedContextPath
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range body {
		merged[k] = v
	}

	out := &Config{}

	lang, _ := merged["default_language"].(string)
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return nil, wsErr("invalid_default_language", "default_language must be a non-empty string")
	}
	if !containsString(AllowedLanguages, lang) {
		return nil, wsErr("invalid_default_language", "default_language must be one of: %s", strings.Join(AllowedLanguages, ", "))
	}
	out.DefaultLanguage = lang

	if v := merged["shared_context_text"]; v != nil {
		s, isStr := v.(string)
		if !isStr {
			return nil, wsErr("invalid_shared_context_text", "shared_context_text must be a string")
		}
		if len(s) > maxSharedContextLen {
			return nil, wsErr("invalid_shared_context_text", "shared_context_text too large")
		}
		out.SharedContextText = s
	}

	if v := merged["shared_context_path"]; v != nil {
		s, isStr := v.(string)
		if !isStr {
			return nil, wsErr("invalid_shared_context_path", "shared_context_path must be a string")
		}
		if strings.TrimSpace(s) != "" {
			norm, err := normalizeRelPath(wsRoot, s, "shared_context_path")
			if err != nil {
				return nil, err
			}
			out.SharedContextPath = norm
		}
	}

	mp, isList := merged["materials_paths"].([]any)
	if !isList {
		return nil, wsErr("invalid_materials_paths", "materials_paths must be a list of strings")
	}
	if len(mp) < 1 || len(mp) > maxMaterialsPaths {
		return nil, wsErr("invalid_materials_paths", "materials_paths must have 1..%d entries", maxMaterialsPaths)
	}
	for _, it := range mp {
		s, isStr := it.(string)
		if !isStr {
			return nil, wsErr("invalid_materials_path", "materials_paths entries must be strings")
		}
		norm, err := normalizeRelPath(wsRoot, s, "materials_path")
		if err != nil {
			return nil, err
		}
		out.MaterialsPaths = append(out.MaterialsPaths, norm)
	}

	return out, nil
}

// MatchMaterials lists workspace files matched by the configured patterns,
// relative to the workspace root.
func MatchMaterials(repoRoot, workspace string, cfg *Config) ([]string, error) {
	wsRoot, err := ResolveWorkspaceRoot(repoRoot, workspace)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, pattern := range cfg.MaterialsPaths {
		matches, err := doublestar.Glob(os.DirFS(wsRoot), filepath.ToSlash(pattern))
		if err != nil {
			return nil, fmt.Errorf("wsconfig: glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out, nil
}

func anySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
