package llmparse

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMakeRequestID(t *testing.T) {
	id := MakeRequestID("hello")
	require.Regexp(t, regexp.MustCompile(`^\d{8}T\d{6}Z_[0-9a-f]{8}$`), id)

	// Same source within the same second yields the same id; different
	// sources differ in the hash suffix.
	other := MakeRequestID("world")
	require.NotEqual(t, strings.SplitN(id, "_", 2)[1], strings.SplitN(other, "_", 2)[1])
}

func TestClampTimeout(t *testing.T) {
	require.Equal(t, 5.0, ClampTimeout(1))
	require.Equal(t, 45.0, ClampTimeout(45))
	require.Equal(t, 120.0, ClampTimeout(999))
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt("my source", "markdown")
	require.Contains(t, p, "You are a deterministic converter.")
	require.Contains(t, p, "Input format hint: markdown\n")
	require.Contains(t, p, "INPUT BEGIN\nmy source\nINPUT END\n")
	require.Contains(t, p, "AUTOAPPDEV_PIPELINE 1")
}

func TestExtractAAPS(t *testing.T) {
	script := "AUTOAPPDEV_PIPELINE 1\nTASK {\"id\":\"t1\",\"title\":\"T\"}\n"

	got, warnings, err := ExtractAAPS("Here you go:\n" + script)
	require.NoError(t, err)
	require.Equal(t, script, got)
	require.Empty(t, warnings)

	// Code fences are stripped and reported.
	got, warnings, err = ExtractAAPS("```\n" + script + "```\n")
	require.NoError(t, err)
	require.Equal(t, script, got)
	require.Equal(t, []string{"stripped_code_fences"}, warnings)

	// CRLF input normalizes.
	got, _, err = ExtractAAPS(strings.ReplaceAll(script, "\n", "\r\n"))
	require.NoError(t, err)
	require.Equal(t, script, got)

	_, _, err = ExtractAAPS("no header anywhere\n")
	require.Error(t, err)
	le, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, "missing_aaps_header", le.Code)
}

func TestExtractLastAgentText(t *testing.T) {
	jsonl := strings.Join([]string{
		`{"type":"thread_started"}`,
		`{"item":{"type":"agent_message","text":"first"}}`,
		`not json at all`,
		`{"type":"assistant_message","text":"second"}`,
		`{"item":{"type":"command_execution","text":"ignored"}}`,
	}, "\n")
	require.Equal(t, "second", extractLastAgentText(jsonl))

	require.Empty(t, extractLastAgentText(""))
	require.Empty(t, extractLastAgentText(`{"type":"other","text":"x"}`))
}

func TestWriteArtifacts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "req1")
	script := "AUTOAPPDEV_PIPELINE 1\n"
	err := WriteArtifacts(dir, "src", "prompt", "{}", "err", "assistant", &script, map[string]any{"ok": true})
	require.NoError(t, err)

	for name, want := range map[string]string{
		"source.txt":       "src",
		"prompt.txt":       "prompt",
		"codex.jsonl":      "{}",
		"codex.stderr.log": "err",
		"assistant.txt":    "assistant",
		"result.aaps":      script,
	} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err, name)
		require.Equal(t, want, string(data), name)
	}
	prov, err := os.ReadFile(filepath.Join(dir, "provenance.json"))
	require.NoError(t, err)
	require.Contains(t, string(prov), `"ok": true`)

	// No result.aaps when extraction failed.
	dir2 := filepath.Join(t.TempDir(), "req2")
	require.NoError(t, WriteArtifacts(dir2, "s", "p", "", "", "", nil, map[string]any{}))
	_, err = os.Stat(filepath.Join(dir2, "result.aaps"))
	require.True(t, os.IsNotExist(err))
}

func TestParse_InputValidation(t *testing.T) {
	_, err := Parse(t.Context(), Options{SourceText: "   "})
	le, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, "invalid_source_text", le.Code)

	_, err = Parse(t.Context(), Options{SourceText: strings.Repeat("x", MaxSourceLen+1)})
	le, ok = err.(*Error)
	require.True(t, ok)
	require.Equal(t, "source_too_large", le.Code)
}
