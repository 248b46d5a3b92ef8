package wsconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func wsCode(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	we, ok := err.(*Error)
	require.True(t, ok, "want *Error, got %T: %v", err, err)
	return we.Code
}

func TestValidateWorkspaceSlug(t *testing.T) {
	got, err := ValidateWorkspaceSlug("  my-app  ")
	require.NoError(t, err)
	require.Equal(t, "my-app", got)

	for _, bad := range []string{"", "   ", ".", "..", "a/b", `a\b`, "a\x00b"} {
		_, err := ValidateWorkspaceSlug(bad)
		require.Equal(t, "invalid_workspace", wsCode(t, err), "slug %q", bad)
	}

	long := make([]byte, 101)
	for i := range long {
		long[i] = 'x'
	}
	_, err = ValidateWorkspaceSlug(string(long))
	require.Equal(t, "invalid_workspace", wsCode(t, err))
}

func TestResolveWorkspaceRoot(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "auto-apps", "app1"), 0o755))

	got, err := ResolveWorkspaceRoot(repo, "app1")
	require.NoError(t, err)
	require.Equal(t, "app1", filepath.Base(got))

	// Nonexistent workspaces still resolve (creation happens later).
	got, err = ResolveWorkspaceRoot(repo, "brand-new")
	require.NoError(t, err)
	require.Equal(t, "brand-new", filepath.Base(got))
}

func TestResolveWorkspaceRoot_SymlinkEscape(t *testing.T) {
	repo := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "auto-apps"), 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(repo, "auto-apps", "evil")))

	_, err := ResolveWorkspaceRoot(repo, "evil")
	require.Equal(t, "path_outside_auto_apps", wsCode(t, err))
}

func TestNormalize_Defaults(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "auto-apps", "app1"), 0o755))

	cfg, err := Normalize(map[string]any{}, repo, "app1", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"materials"}, cfg.MaterialsPaths)
	require.Equal(t, "en", cfg.DefaultLanguage)
	require.Empty(t, cfg.SharedContextText)
	require.Empty(t, cfg.SharedContextPath)
}

func TestNormalize_MergeBaseThenPatch(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "auto-apps", "app1"), 0o755))

	base := map[string]any{"default_language": "ja", "shared_context_text": "base text"}
	cfg, err := Normalize(map[string]any{"shared_context_text": "patched"}, repo, "app1", base)
	require.NoError(t, err)
	require.Equal(t, "ja", cfg.DefaultLanguage)
	require.Equal(t, "patched", cfg.SharedContextText)
}

func TestNormalize_Validation(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "auto-apps", "app1"), 0o755))

	_, err := Normalize(map[string]any{"default_language": "klingon"}, repo, "app1", nil)
	require.Equal(t, "invalid_default_language", wsCode(t, err))

	_, err = Normalize(map[string]any{"materials_paths": []any{}}, repo, "app1", nil)
	require.Equal(t, "invalid_materials_paths", wsCode(t, err))

	many := make([]any, 21)
	for i := range many {
		many[i] = "m"
	}
	_, err = Normalize(map[string]any{"materials_paths": many}, repo, "app1", nil)
	require.Equal(t, "invalid_materials_paths", wsCode(t, err))

	_, err = Normalize(map[string]any{"materials_paths": []any{"../escape"}}, repo, "app1", nil)
	require.Equal(t, "path_outside_workspace", wsCode(t, err))

	_, err = Normalize(map[string]any{"materials_paths": []any{"/abs"}}, repo, "app1", nil)
	require.Equal(t, "invalid_materials_path", wsCode(t, err))

	_, err = Normalize(map[string]any{"shared_context_path": "../../secret"}, repo, "app1", nil)
	require.Equal(t, "path_outside_workspace", wsCode(t, err))
}

func TestMatchMaterials(t *testing.T) {
	repo := t.TempDir()
	ws := filepath.Join(repo, "auto-apps", "app1")
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "materials", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "materials", "a.md"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "materials", "sub", "b.md"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "top.md"), []byte("t"), 0o644))

	cfg := &Config{MaterialsPaths: []string{"materials/**/*.md", "*.md"}}
	got, err := MatchMaterials(repo, "app1", cfg)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"materials/a.md", "materials/sub/b.md", "top.md"}, got)

	// Overlapping patterns are deduplicated.
	cfg = &Config{MaterialsPaths: []string{"*.md", "top.md"}}
	got, err = MatchMaterials(repo, "app1", cfg)
	require.NoError(t, err)
	require.Equal(t, []string{"top.md"}, got)
}
