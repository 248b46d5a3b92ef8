// Package msgio bridges the chat queues and the file-based message queues
// under the runtime dir: inbox messages are mirrored to files the pipeline
// runner can consume, and files dropped in outbox/ are ingested into the
// outbox queue.
package msgio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/autoappdev/autoappdev/internal/store"
)

const (
	// MaxFilesPerSweep bounds one outbox ingest pass.
	MaxFilesPerSweep = 50
	// MaxContentLen clips ingested file content.
	MaxContentLen = 10_000

	sweepInterval = 750 * time.Millisecond
)

var outboxNameRe = regexp.MustCompile(`^[0-9]+_([a-zA-Z0-9-]+)\.`)

// ParseOutboxRole normalizes a role string; anything unrecognized becomes
// "pipeline".
func ParseOutboxRole(raw string) string {
	role := strings.ToLower(strings.TrimSpace(raw))
	if role == "system" || role == "pipeline" {
		return role
	}
	return "pipeline"
}

// InferOutboxRole derives the role from a queue file name like
// 1699999999_system.md.
func InferOutboxRole(name string) string {
	m := outboxNameRe.FindStringSubmatch(name)
	if m == nil {
		return "pipeline"
	}
	return ParseOutboxRole(m[1])
}

// WriteInboxFile drops one user message into <runtime>/inbox/ as
// <unix_ms>_user.md for the runner to consume.
func WriteInboxFile(runtimeDir, content string) (string, error) {
	inbox := filepath.Join(runtimeDir, "inbox")
	if err := os.MkdirAll(inbox, 0o755); err != nil {
		return "", fmt.Errorf("msgio: create inbox dir: %w", err)
	}
	name := fmt.Sprintf("%d_user.md", time.Now().UnixMilli())
	path := filepath.Join(inbox, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("msgio: write inbox file: %w", err)
	}
	return path, nil
}

// IngestOutboxFiles sweeps <runtime>/outbox/ once: eligible files (.md/.txt,
// not dotfiles) are appended to the outbox queue and moved to processed/.
// Returns the number of files handled.
func IngestOutboxFiles(ctx context.Context, st store.Store, runtimeDir string) (int, error) {
	outbox := filepath.Join(runtimeDir, "outbox")
	processed := filepath.Join(outbox, "processed")
	if err := os.MkdirAll(processed, 0o755); err != nil {
		return 0, fmt.Errorf("msgio: create outbox dirs: %w", err)
	}

	entries, err := os.ReadDir(outbox)
	if err != nil {
		return 0, fmt.Errorf("msgio: read outbox: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	handled := 0
	for _, name := range names {
		if handled >= MaxFilesPerSweep {
			break
		}
		if strings.HasPrefix(name, ".") {
			continue
		}
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".md" && ext != ".txt" {
			continue
		}
		src := filepath.Join(outbox, name)
		data, err := os.ReadFile(src)
		if err != nil {
			continue
		}
		content := strings.TrimSpace(string(data))
		if content != "" {
			if len(content) > MaxContentLen {
				content = content[:MaxContentLen]
			}
			role := InferOutboxRole(name)
			if _, err := st.AppendMessage(ctx, store.QueueOutbox, role, content); err != nil {
				return handled, fmt.Errorf("msgio: append outbox message: %w", err)
			}
		}
		// Move aside to prevent re-ingest; on collision add a ms suffix, and
		// fall back to deleting so a stuck file cannot cause a tight loop.
		dest := filepath.Join(processed, name)
		if _, err := os.Stat(dest); err == nil {
			base := strings.TrimSuffix(name, ext)
			dest = filepath.Join(processed, fmt.Sprintf("%s_%d%s", base, time.Now().UnixMilli(), ext))
		}
		if err := os.Rename(src, dest); err != nil {
			_ = os.Remove(src)
		}
		handled++
	}
	return handled, nil
}

// Ingester periodically sweeps the outbox directory. Sweeps are
// single-flight; a slow store cannot stack passes.
type Ingester struct {
	Store      store.Store
	RuntimeDir string
	Log        zerolog.Logger
}

// Run sweeps until the context is cancelled.
func (in *Ingester) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := IngestOutboxFiles(ctx, in.Store, in.RuntimeDir); err != nil {
				if ctx.Err() == nil {
					in.Log.Warn().Err(err).Msg("outbox ingest failed")
				}
			} else if n > 0 {
				in.Log.Debug().Int("files", n).Msg("outbox ingest")
			}
		}
	}
}
