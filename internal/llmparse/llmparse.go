// Package llmparse converts free-form text into an AAPS v1 script by driving
// `codex exec --json` non-interactively and extracting the last assistant
// message from its JSONL output. Every request leaves a full artifact trail
// under <runtime>/logs/llm_parse/<id>/.
package llmparse

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/zeebo/blake3"

	"github.com/autoappdev/autoappdev/internal/aaps"
)

const (
	MaxSourceLen     = 100_000
	DefaultTimeoutS  = 45.0
	MinTimeoutS      = 5.0
	MaxTimeoutS      = 120.0
	DefaultModel     = "gpt-5.3-codex"
	DefaultReasoning = "medium"
)

var codeFenceRe = regexp.MustCompile("^\\s*```")

// Error is the typed failure for LLM-assisted parse requests.
type Error struct {
	Code   string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return "llmparse: " + e.Code
	}
	return fmt.Sprintf("llmparse: %s: %s", e.Code, e.Detail)
}

func lpErr(code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

func sha256Hex(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func blake3Hex(text string) string {
	sum := blake3.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// MakeRequestID builds the artifact id: UTC timestamp plus a short hash of
// the source text.
func MakeRequestID(sourceText string) string {
	ts := time.Now().UTC().Format("20060102T150405Z")
	return ts + "_" + sha256Hex(sourceText)[:8]
}

// ClampTimeout applies the request timeout bounds.
func ClampTimeout(v float64) float64 {
	if v < MinTimeoutS {
		return MinTimeoutS
	}
	if v > MaxTimeoutS {
		return MaxTimeoutS
	}
	return v
}

// BuildPrompt wraps the source in the deterministic-converter instructions.
// The guardrails forbid tool use; the model must emit only AAPS v1 text.
func BuildPrompt(sourceText, sourceFormat string) string {
	return "You are a deterministic converter.\n" +
		"Convert the input into AutoAppDev formatted pipeline script (AAPS v1).\n" +
		"\n" +
		"Hard rules:\n" +
		"- Do NOT run shell commands.\n" +
		"- Do NOT read or write any files.\n" +
		"- Output ONLY the AAPS v1 text (no markdown, no code fences, no commentary).\n" +
		"- The first non-comment line MUST be: AUTOAPPDEV_PIPELINE 1\n" +
		"- Use only these STEP.block values: plan, work, debug, fix, summary, commit_push\n" +
		"- Prefer ACTION.kind=\"note\" with params.text summarizing what would happen.\n" +
		"- Use stable ids: task id \"t1\"; step ids \"s1\", \"s2\"...; action ids \"a1\".\n" +
		"- Keep it minimal and safe: do not invent destructive commands.\n" +
		"\n" +
		"Input format hint: " + sourceFormat + "\n" +
		"\n" +
		"INPUT BEGIN\n" +
		sourceText + "\n" +
		"INPUT END\n"
}

// ExtractAAPS pulls an AAPS v1 script out of arbitrary assistant text:
// normalize line endings, drop code fences, then cut from the header line.
func ExtractAAPS(text string) (string, []string, error) {
	text = strings.TrimPrefix(text, "\ufeff")
	t := strings.ReplaceAll(text, "\r\n", "\n")
	t = strings.ReplaceAll(t, "\r", "\n")

	var warnings []string
	lines := strings.Split(t, "\n")

	filtered := lines[:0:0]
	removedFences := false
	for _, ln := range lines {
		if codeFenceRe.MatchString(ln) {
			removedFences = true
			continue
		}
		filtered = append(filtered, ln)
	}
	if removedFences {
		warnings = append(warnings, "stripped_code_fences")
	}

	for i, ln := range filtered {
		if strings.TrimSpace(ln) == aaps.Header {
			out := strings.TrimSpace(strings.Join(filtered[i:], "\n")) + "\n"
			return out, warnings, nil
		}
	}
	return "", warnings, lpErr("missing_aaps_header", "expected AAPS header: %s", aaps.Header)
}

// extractLastAgentText scans codex JSONL output for the last agent message.
// Both the nested item form and the flat form are accepted.
func extractLastAgentText(jsonlText string) string {
	last := ""
	for _, raw := range strings.Split(jsonlText, "\n") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			continue
		}
		if item, ok := obj["item"].(map[string]any); ok {
			if txt := agentMessageText(item); txt != "" {
				last = txt
				continue
			}
		}
		if txt := agentMessageText(obj); txt != "" {
			last = txt
		}
	}
	return last
}

func agentMessageText(obj map[string]any) string {
	t, _ := obj["type"].(string)
	if t != "agent_message" && t != "assistant_message" {
		return ""
	}
	txt, _ := obj["text"].(string)
	return txt
}

// CodexResult is the raw outcome of one codex exec invocation.
type CodexResult struct {
	AssistantText string
	JSONL         string
	Stderr        string
	ExitCode      int
}

// RunCodex executes codex non-interactively with the prompt on stdin. The
// child runs in its own process group so a timeout can kill the whole tree.
func RunCodex(ctx context.Context, prompt, model, reasoning string, timeoutS float64, cwd string, skipGitCheck bool) (*CodexResult, error) {
	if _, err := exec.LookPath("codex"); err != nil {
		return nil, lpErr("codex_not_found", "codex not found on PATH")
	}

	args := []string{
		"exec",
		"--json",
		"-m", model,
		"-c", fmt.Sprintf("model_reasoning_effort=%q", reasoning),
	}
	if skipGitCheck {
		args = append(args, "--skip-git-repo-check")
	}
	args = append(args, "-")

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutS*float64(time.Second)))
	defer cancel()

	cmd := exec.CommandContext(runCtx, "codex", args...)
	cmd.Dir = cwd
	cmd.Stdin = strings.NewReader(prompt)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, lpErr("timeout", "codex exec exceeded timeout_s=%g", timeoutS)
	}
	exitCode := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			return nil, fmt.Errorf("llmparse: run codex: %w", err)
		}
	}

	jsonl := stdout.String()
	return &CodexResult{
		AssistantText: extractLastAgentText(jsonl),
		JSONL:         jsonl,
		Stderr:        stderr.String(),
		ExitCode:      exitCode,
	}, nil
}

// ArtifactPaths lists the files one request writes.
func ArtifactPaths(dir string) map[string]string {
	return map[string]string{
		"dir":          dir,
		"source":       filepath.Join(dir, "source.txt"),
		"prompt":       filepath.Join(dir, "prompt.txt"),
		"codex_jsonl":  filepath.Join(dir, "codex.jsonl"),
		"codex_stderr": filepath.Join(dir, "codex.stderr.log"),
		"assistant":    filepath.Join(dir, "assistant.txt"),
		"aaps":         filepath.Join(dir, "result.aaps"),
		"provenance":   filepath.Join(dir, "provenance.json"),
	}
}

// WriteArtifacts records the request inputs and outputs. result.aaps is only
// written when a script was extracted.
func WriteArtifacts(dir, sourceText, prompt, codexJSONL, codexStderr, assistantText string, scriptText *string, provenance map[string]any) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("llmparse: create artifact dir: %w", err)
	}
	paths := ArtifactPaths(dir)
	files := map[string]string{
		paths["source"]:       sourceText,
		paths["prompt"]:       prompt,
		paths["codex_jsonl"]:  codexJSONL,
		paths["codex_stderr"]: codexStderr,
		paths["assistant"]:    assistantText,
	}
	if scriptText != nil {
		files[paths["aaps"]] = *scriptText
	}
	for p, content := range files {
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return fmt.Errorf("llmparse: write %s: %w", filepath.Base(p), err)
		}
	}
	prov, err := json.MarshalIndent(provenance, "", "  ")
	if err != nil {
		return fmt.Errorf("llmparse: encode provenance: %w", err)
	}
	if err := os.WriteFile(paths["provenance"], append(prov, '\n'), 0o644); err != nil {
		return fmt.Errorf("llmparse: write provenance.json: %w", err)
	}
	return nil
}

// Options controls one parse request. Model and Reasoning default from env
// when empty; TimeoutS is clamped to the request bounds.
type Options struct {
	SourceText   string
	SourceFormat string
	Model        string
	Reasoning    string
	TimeoutS     float64
	RuntimeDir   string
	SkipGitCheck bool
}

// Result is the successful outcome of Parse.
type Result struct {
	RequestID    string
	ScriptText   string
	IR           *aaps.IR
	Warnings     []string
	Provenance   map[string]any
	ArtifactsDir string
}

func (o *Options) model() string {
	if strings.TrimSpace(o.Model) != "" {
		return strings.TrimSpace(o.Model)
	}
	if v := strings.TrimSpace(os.Getenv("AUTOAPPDEV_CODEX_MODEL")); v != "" {
		return v
	}
	return DefaultModel
}

func (o *Options) reasoning() string {
	if strings.TrimSpace(o.Reasoning) != "" {
		return strings.TrimSpace(o.Reasoning)
	}
	if v := strings.TrimSpace(os.Getenv("AUTOAPPDEV_CODEX_REASONING")); v != "" {
		return v
	}
	return DefaultReasoning
}

// Parse runs the full request: prompt, codex, extraction, AAPS parse, and
// artifact recording on every path. On failure the returned error is an
// *Error or *aaps.ParseError and Provenance in the partial result carries the
// failure detail.
func Parse(ctx context.Context, opts Options) (*Result, error) {
	if strings.TrimSpace(opts.SourceText) == "" {
		return nil, lpErr("invalid_source_text", "source_text must be a non-empty string")
	}
	if len(opts.SourceText) > MaxSourceLen {
		return nil, lpErr("source_too_large", "source_text exceeds %d bytes", MaxSourceLen)
	}
	sourceFormat := opts.SourceFormat
	if sourceFormat == "" {
		sourceFormat = "unknown"
	}
	timeoutS := opts.TimeoutS
	if timeoutS == 0 {
		timeoutS = DefaultTimeoutS
	}
	timeoutS = ClampTimeout(timeoutS)
	model := opts.model()
	reasoning := opts.reasoning()

	reqID := MakeRequestID(opts.SourceText)
	dir := filepath.Join(opts.RuntimeDir, "logs", "llm_parse", reqID)
	prompt := BuildPrompt(opts.SourceText, sourceFormat)

	provenance := map[string]any{
		"id":            reqID,
		"model":         model,
		"reasoning":     reasoning,
		"timeout_s":     timeoutS,
		"source_format": sourceFormat,
		"source_blake3": blake3Hex(opts.SourceText),
		"artifacts":     ArtifactPaths(dir),
	}
	var warnings []string

	res := &Result{RequestID: reqID, Provenance: provenance, ArtifactsDir: dir}

	fail := func(codexJSONL, codexStderr, assistantText string, scriptText *string, cause error) (*Result, error) {
		provenance["ok"] = false
		provenance["warnings"] = warnings
		switch e := cause.(type) {
		case *aaps.ParseError:
			provenance["parse_error"] = e
		case *Error:
			provenance["llm_error"] = e
		}
		if err := WriteArtifacts(dir, opts.SourceText, prompt, codexJSONL, codexStderr, assistantText, scriptText, provenance); err != nil {
			return res, err
		}
		return res, cause
	}

	cr, err := RunCodex(ctx, prompt, model, reasoning, timeoutS, opts.RuntimeDir, opts.SkipGitCheck)
	if err != nil {
		return fail("", "", "", nil, err)
	}
	provenance["codex_exit_code"] = cr.ExitCode
	if cr.ExitCode != 0 {
		warnings = append(warnings, "codex_nonzero_exit")
	}
	if strings.TrimSpace(cr.AssistantText) == "" {
		hint := stderrTail(cr.Stderr, 5)
		if hint == "" {
			hint = "no agent_message found in codex JSONL output"
		}
		return fail(cr.JSONL, cr.Stderr, cr.AssistantText, nil, lpErr("missing_assistant_text", "%s", hint))
	}

	scriptText, extractWarnings, err := ExtractAAPS(cr.AssistantText)
	warnings = append(warnings, extractWarnings...)
	if err != nil {
		return fail(cr.JSONL, cr.Stderr, cr.AssistantText, nil, err)
	}
	provenance["aaps_blake3"] = blake3Hex(scriptText)

	ir, err := aaps.Parse(scriptText)
	if err != nil {
		return fail(cr.JSONL, cr.Stderr, cr.AssistantText, &scriptText, err)
	}

	provenance["ok"] = true
	provenance["warnings"] = warnings
	if err := WriteArtifacts(dir, opts.SourceText, prompt, cr.JSONL, cr.Stderr, cr.AssistantText, &scriptText, provenance); err != nil {
		return res, err
	}

	res.ScriptText = scriptText
	res.IR = ir
	res.Warnings = warnings
	return res, nil
}

func stderrTail(stderr string, n int) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
