// Package readme implements the update-readme action: upserting a marked
// markdown block into <repo>/auto-apps/<workspace>/README.md and recording
// before/after/diff artifacts under the runtime dir.
package readme

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/autoappdev/autoappdev/internal/wsconfig"
)

const (
	BeginMarker = "<!-- AUTOAPPDEV:README:BEGIN -->"
	EndMarker   = "<!-- AUTOAPPDEV:README:END -->"

	maxBlockLen = 200_000
)

var philosophyRe = regexp.MustCompile(`(?m)^##\s+Philosophy\b`)
var firstH1Re = regexp.MustCompile(`(?m)^#\s+.*$`)

// Error is the typed failure for update-readme requests.
type Error struct {
	Code   string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return "readme: " + e.Code
	}
	return fmt.Sprintf("readme: %s: %s", e.Code, e.Detail)
}

func rdErr(code, format string, args ...any) error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// MakeUpdateID builds the artifact id: a UTC timestamp plus a short hash of
// the inputs salted with random bytes so concurrent updates never collide.
func MakeUpdateID(workspace, blockMarkdown string) string {
	ts := time.Now().UTC().Format("20060102T150405Z")
	salt := make([]byte, 16)
	_, _ = rand.Read(salt)
	h := sha256.New()
	h.Write([]byte(workspace))
	h.Write([]byte{'\n'})
	h.Write([]byte(blockMarkdown))
	h.Write([]byte{'\n'})
	h.Write(salt)
	return ts + "_" + hex.EncodeToString(h.Sum(nil))[:8]
}

// ValidateBlockMarkdown enforces the block contract: non-empty, bounded, no
// embedded markers, and a `## Philosophy` section.
func ValidateBlockMarkdown(blockMarkdown string) error {
	if strings.TrimSpace(blockMarkdown) == "" {
		return rdErr("invalid_block_markdown", "block_markdown is required")
	}
	if len(blockMarkdown) > maxBlockLen {
		return rdErr("invalid_block_markdown", "block_markdown too large")
	}
	if strings.Contains(blockMarkdown, BeginMarker) || strings.Contains(blockMarkdown, EndMarker) {
		return rdErr("invalid_block_markdown", "block_markdown must not contain README markers")
	}
	if !philosophyRe.MatchString(blockMarkdown) {
		return rdErr("missing_philosophy", "block_markdown must include a '## Philosophy' section")
	}
	return nil
}

// ResolveReadmePath returns the target README path with the same symlink
// guards as workspace resolution.
func ResolveReadmePath(repoRoot, workspace string) (string, error) {
	wsRoot, err := wsconfig.ResolveWorkspaceRoot(repoRoot, workspace)
	if err != nil {
		return "", err
	}
	return filepath.Join(wsRoot, "README.md"), nil
}

// UpsertMeta describes what the upsert did.
type UpsertMeta struct {
	Updated           bool   `json:"updated"`
	MarkersPreexisted bool   `json:"markers_preexisted"`
	Mode              string `json:"mode"`
}

// UpsertBlock computes the new README text. existing == nil means the file
// does not exist yet. Modes: create, insert_top, insert_after_h1, replace.
func UpsertBlock(existing *string, workspace, blockMarkdown string) (string, UpsertMeta, error) {
	block := BeginMarker + "\n" + strings.TrimRight(blockMarkdown, " \t\r\n") + "\n" + EndMarker + "\n"

	if existing == nil || strings.TrimSpace(*existing) == "" {
		out := "# " + workspace + "\n\n" + block
		if !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		return out, UpsertMeta{Updated: true, MarkersPreexisted: false, Mode: "create"}, nil
	}

	text := *existing
	beginCount := strings.Count(text, BeginMarker)
	endCount := strings.Count(text, EndMarker)

	if beginCount == 0 && endCount == 0 {
		loc := firstH1Re.FindStringIndex(text)
		if loc == nil {
			out := block + "\n" + strings.TrimLeft(text, " \t\r\n")
			return out, UpsertMeta{Updated: true, MarkersPreexisted: false, Mode: "insert_top"}, nil
		}
		pos := len(text)
		if nl := strings.Index(text[loc[1]:], "\n"); nl >= 0 {
			pos = loc[1] + nl + 1
		}
		out := strings.TrimRight(text[:pos], " \t\r\n") + "\n\n" + block + "\n" + strings.TrimLeft(text[pos:], " \t\r\n")
		if !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		return out, UpsertMeta{Updated: true, MarkersPreexisted: false, Mode: "insert_after_h1"}, nil
	}

	if beginCount != 1 || endCount != 1 {
		return "", UpsertMeta{}, rdErr("marker_mismatch", "expected exactly one begin+end marker; got begin=%d end=%d", beginCount, endCount)
	}
	idxBegin := strings.Index(text, BeginMarker)
	idxEnd := strings.Index(text, EndMarker)
	if idxEnd < idxBegin {
		return "", UpsertMeta{}, rdErr("marker_mismatch", "marker order mismatch")
	}

	pre := text[:idxBegin]
	post := text[idxEnd+len(EndMarker):]
	out := strings.TrimRight(pre, " \t\r\n") + "\n\n" + block + "\n" + strings.TrimLeft(post, " \t\r\n")
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return out, UpsertMeta{Updated: true, MarkersPreexisted: true, Mode: "replace"}, nil
}

// Artifacts holds the paths written for one update.
type Artifacts struct {
	Dir    string
	Before string
	After  string
	Diff   string
	Meta   string
}

// WriteArtifacts records before.md, after.md, a unified diff.txt, and
// meta.json under <runtime>/logs/update_readme/<id>/.
func WriteArtifacts(runtimeDir, updateID, before, after string, meta any) (*Artifacts, error) {
	dir := filepath.Join(runtimeDir, "logs", "update_readme", updateID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, rdErr("artifact_write_failed", "create artifact dir: %v", err)
	}
	a := &Artifacts{
		Dir:    dir,
		Before: filepath.Join(dir, "before.md"),
		After:  filepath.Join(dir, "after.md"),
		Diff:   filepath.Join(dir, "diff.txt"),
		Meta:   filepath.Join(dir, "meta.json"),
	}
	if err := os.WriteFile(a.Before, []byte(before), 0o644); err != nil {
		return nil, rdErr("artifact_write_failed", "write before.md: %v", err)
	}
	if err := os.WriteFile(a.After, []byte(after), 0o644); err != nil {
		return nil, rdErr("artifact_write_failed", "write after.md: %v", err)
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "before.md",
		ToFile:   "after.md",
		Context:  3,
	})
	if err != nil {
		return nil, rdErr("artifact_write_failed", "compute diff: %v", err)
	}
	if err := os.WriteFile(a.Diff, []byte(diff), 0o644); err != nil {
		return nil, rdErr("artifact_write_failed", "write diff.txt: %v", err)
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, rdErr("artifact_write_failed", "encode meta: %v", err)
	}
	if err := os.WriteFile(a.Meta, append(metaJSON, '\n'), 0o644); err != nil {
		return nil, rdErr("artifact_write_failed", "write meta.json: %v", err)
	}
	return a, nil
}

// Apply runs the full update: validate, resolve, upsert, write the README,
// then record artifacts. Artifacts are written only after the primary write
// succeeds.
func Apply(repoRoot, runtimeDir, workspace, blockMarkdown string) (string, *UpsertMeta, error) {
	ws, err := wsconfig.ValidateWorkspaceSlug(workspace)
	if err != nil {
		return "", nil, err
	}
	if err := ValidateBlockMarkdown(blockMarkdown); err != nil {
		return "", nil, err
	}
	target, err := ResolveReadmePath(repoRoot, ws)
	if err != nil {
		return "", nil, err
	}

	var existing *string
	before := ""
	if data, err := os.ReadFile(target); err == nil {
		s := string(data)
		existing = &s
		before = s
	} else if !os.IsNotExist(err) {
		return "", nil, fmt.Errorf("readme: read %s: %w", target, err)
	}

	after, meta, err := UpsertBlock(existing, ws, blockMarkdown)
	if err != nil {
		return "", nil, err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", nil, fmt.Errorf("readme: create workspace dir: %w", err)
	}
	if err := os.WriteFile(target, []byte(after), 0o644); err != nil {
		return "", nil, fmt.Errorf("readme: write %s: %w", target, err)
	}

	updateID := MakeUpdateID(ws, blockMarkdown)
	if _, err := WriteArtifacts(runtimeDir, updateID, before, after, map[string]any{
		"id":                 updateID,
		"workspace":          ws,
		"path":               target,
		"updated":            meta.Updated,
		"markers_preexisted": meta.MarkersPreexisted,
		"mode":               meta.Mode,
	}); err != nil {
		return "", nil, err
	}
	return updateID, &meta, nil
}
