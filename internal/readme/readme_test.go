package readme

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const validBlock = "Intro paragraph.\n\n## Philosophy\n\nKeep it small.\n"

func rdCode(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	re, ok := err.(*Error)
	require.True(t, ok, "want *Error, got %T: %v", err, err)
	return re.Code
}

func TestMakeUpdateID(t *testing.T) {
	id1 := MakeUpdateID("ws", "block")
	id2 := MakeUpdateID("ws", "block")
	require.Regexp(t, regexp.MustCompile(`^\d{8}T\d{6}Z_[0-9a-f]{8}$`), id1)
	require.NotEqual(t, id1, id2, "ids must be unique even for identical inputs")
}

func TestValidateBlockMarkdown(t *testing.T) {
	require.NoError(t, ValidateBlockMarkdown(validBlock))

	require.Equal(t, "invalid_block_markdown", rdCode(t, ValidateBlockMarkdown("   ")))
	require.Equal(t, "invalid_block_markdown", rdCode(t, ValidateBlockMarkdown(strings.Repeat("x", maxBlockLen+1))))
	require.Equal(t, "invalid_block_markdown", rdCode(t, ValidateBlockMarkdown("## Philosophy\n"+BeginMarker)))
	require.Equal(t, "missing_philosophy", rdCode(t, ValidateBlockMarkdown("no philosophy section here\n")))
	// Heading must be level 2 at line start.
	require.Equal(t, "missing_philosophy", rdCode(t, ValidateBlockMarkdown("### Philosophy\n")))
}

func TestUpsertBlock_Create(t *testing.T) {
	out, meta, err := UpsertBlock(nil, "app1", validBlock)
	require.NoError(t, err)
	require.Equal(t, "create", meta.Mode)
	require.False(t, meta.MarkersPreexisted)
	require.True(t, strings.HasPrefix(out, "# app1\n\n"+BeginMarker+"\n"))
	require.Contains(t, out, EndMarker)
	require.True(t, strings.HasSuffix(out, "\n"))
}

func TestUpsertBlock_InsertAfterH1(t *testing.T) {
	existing := "# My App\n\nSome intro.\n"
	out, meta, err := UpsertBlock(&existing, "app1", validBlock)
	require.NoError(t, err)
	require.Equal(t, "insert_after_h1", meta.Mode)
	require.True(t, strings.Index(out, "# My App") < strings.Index(out, BeginMarker))
	require.True(t, strings.Index(out, EndMarker) < strings.Index(out, "Some intro."))
}

func TestUpsertBlock_InsertTopWithoutH1(t *testing.T) {
	existing := "just some text\n"
	out, meta, err := UpsertBlock(&existing, "app1", validBlock)
	require.NoError(t, err)
	require.Equal(t, "insert_top", meta.Mode)
	require.True(t, strings.HasPrefix(out, BeginMarker))
	require.Contains(t, out, "just some text")
}

func TestUpsertBlock_Replace(t *testing.T) {
	existing := "# App\n\n" + BeginMarker + "\nold block\n" + EndMarker + "\n\nTail.\n"
	out, meta, err := UpsertBlock(&existing, "app1", validBlock)
	require.NoError(t, err)
	require.Equal(t, "replace", meta.Mode)
	require.True(t, meta.MarkersPreexisted)
	require.NotContains(t, out, "old block")
	require.Contains(t, out, "Keep it small.")
	require.Contains(t, out, "Tail.")
	require.Equal(t, 1, strings.Count(out, BeginMarker))
	require.Equal(t, 1, strings.Count(out, EndMarker))
}

func TestUpsertBlock_MarkerMismatch(t *testing.T) {
	onlyBegin := "# App\n" + BeginMarker + "\n"
	_, _, err := UpsertBlock(&onlyBegin, "app1", validBlock)
	require.Equal(t, "marker_mismatch", rdCode(t, err))

	doubled := BeginMarker + "\n" + EndMarker + "\n" + BeginMarker + "\n" + EndMarker + "\n"
	_, _, err = UpsertBlock(&doubled, "app1", validBlock)
	require.Equal(t, "marker_mismatch", rdCode(t, err))

	reversed := EndMarker + "\n" + BeginMarker + "\n"
	_, _, err = UpsertBlock(&reversed, "app1", validBlock)
	require.Equal(t, "marker_mismatch", rdCode(t, err))
}

func TestUpsertBlock_Idempotent(t *testing.T) {
	out1, _, err := UpsertBlock(nil, "app1", validBlock)
	require.NoError(t, err)
	out2, meta, err := UpsertBlock(&out1, "app1", validBlock)
	require.NoError(t, err)
	require.Equal(t, "replace", meta.Mode)
	require.Equal(t, out1, out2)
}

func TestApply_EndToEnd(t *testing.T) {
	repo := t.TempDir()
	runtime := filepath.Join(repo, "runtime")
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "auto-apps"), 0o755))

	id, meta, err := Apply(repo, runtime, "app1", validBlock)
	require.NoError(t, err)
	require.Equal(t, "create", meta.Mode)

	target := filepath.Join(repo, "auto-apps", "app1", "README.md")
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Contains(t, string(data), "## Philosophy")

	dir := filepath.Join(runtime, "logs", "update_readme", id)
	for _, name := range []string{"before.md", "after.md", "diff.txt", "meta.json"} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
	}
	diff, err := os.ReadFile(filepath.Join(dir, "diff.txt"))
	require.NoError(t, err)
	require.Contains(t, string(diff), "+# app1")

	// Second apply replaces in place.
	_, meta, err = Apply(repo, runtime, "app1", validBlock)
	require.NoError(t, err)
	require.Equal(t, "replace", meta.Mode)
	require.True(t, meta.MarkersPreexisted)
}

func TestApply_Validation(t *testing.T) {
	repo := t.TempDir()
	runtime := filepath.Join(repo, "runtime")

	_, _, err := Apply(repo, runtime, "a/b", validBlock)
	require.Error(t, err)

	_, _, err = Apply(repo, runtime, "app1", "no philosophy")
	require.Equal(t, "missing_philosophy", rdCode(t, err))
}
