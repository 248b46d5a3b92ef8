// Package logtail keeps an in-memory ring of recent log lines fed by file
// tailers, and serves since-id cursor reads for the PWA log view.
package logtail

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxEntries bounds the ring; older entries are evicted.
	DefaultMaxEntries = 2000
	// MaxSinceLimit caps one since-id read.
	MaxSinceLimit = 2000

	pollInterval = 500 * time.Millisecond
)

// Entry is one captured log line. IDs are monotonically increasing across
// all sources.
type Entry struct {
	ID     int64  `json:"id"`
	TS     string `json:"ts"`
	Source string `json:"source"`
	Line   string `json:"line"`
}

// Buffer is a fixed-capacity ring of log entries.
type Buffer struct {
	mu     sync.Mutex
	items  []Entry
	max    int
	nextID int64
}

// NewBuffer creates a ring holding at least 100 entries.
func NewBuffer(maxEntries int) *Buffer {
	if maxEntries < 100 {
		maxEntries = 100
	}
	return &Buffer{max: maxEntries, nextID: 1}
}

// Append records one line and returns its id.
func (b *Buffer) Append(source, line string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.items = append(b.items, Entry{
		ID:     id,
		TS:     time.Now().UTC().Format(time.RFC3339Nano),
		Source: source,
		Line:   line,
	})
	if len(b.items) > b.max {
		b.items = b.items[len(b.items)-b.max:]
	}
	return id
}

// Since returns up to limit entries with id > sinceID, oldest first,
// optionally filtered by source. Limit is clamped to [1, MaxSinceLimit].
func (b *Buffer) Since(sinceID int64, limit int, source string) []Entry {
	if limit < 1 {
		limit = 1
	}
	if limit > MaxSinceLimit {
		limit = MaxSinceLimit
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, 0, limit)
	for _, it := range b.items {
		if it.ID <= sinceID {
			continue
		}
		if source != "" && it.Source != source {
			continue
		}
		out = append(out, it)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// LatestID returns the highest id seen, optionally per source.
func (b *Buffer) LatestID(source string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var last int64
	for _, it := range b.items {
		if source != "" && it.Source != source {
			continue
		}
		if it.ID > last {
			last = it.ID
		}
	}
	return last
}

// FileTailer incrementally reads one log file into a Buffer. Truncation
// resets the read offset; a trailing line without a newline is held until
// the next poll completes it.
type FileTailer struct {
	Source string
	Path   string

	buf     *Buffer
	offset  int64
	partial string
}

func NewFileTailer(source, path string, buf *Buffer) *FileTailer {
	return &FileTailer{Source: source, Path: path, buf: buf}
}

// Poll reads any bytes appended since the last poll and appends completed
// lines to the buffer. Missing files and read errors are skipped quietly;
// the next poll retries.
func (t *FileTailer) Poll() {
	st, err := os.Stat(t.Path)
	if err != nil {
		return
	}
	if st.Size() < t.offset {
		// Rotated or truncated.
		t.offset = 0
		t.partial = ""
	}
	f, err := os.Open(t.Path)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := f.Seek(t.offset, 0); err != nil {
		return
	}
	data := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := f.Read(chunk)
		if n > 0 {
			data = append(data, chunk[:n]...)
			t.offset += int64(n)
		}
		if err != nil {
			break
		}
	}
	if len(data) == 0 {
		return
	}
	text := t.partial + string(data)
	t.partial = ""
	for {
		nl := strings.IndexByte(text, '\n')
		if nl < 0 {
			t.partial = text
			return
		}
		line := strings.TrimRight(text[:nl], "\r")
		t.buf.Append(t.Source, line)
		text = text[nl+1:]
	}
}

// Run polls until the context is cancelled.
func (t *FileTailer) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Poll()
		}
	}
}

// TailLastLines reads the last n lines of a whole log file for the one-shot
// tail endpoint. A missing file yields an empty slice.
func TailLastLines(path string, n int) ([]string, error) {
	if n < 10 {
		n = 10
	}
	if n > 2000 {
		n = 2000
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return []string{}, nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
