package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore is the fallback driver used when no database URL is configured.
// The whole document lives in <runtime>/state.json; every accessor reads the
// file fresh and every mutation rewrites it via a .tmp + atomic rename.
// Single-writer only.
type FileStore struct {
	path string
	mu   sync.Mutex
}

type fileDoc struct {
	Config           map[string]json.RawMessage `json:"config"`
	WorkspaceConfigs map[string]json.RawMessage `json:"workspace_configs"`
	Scripts          []Script                   `json:"scripts"`
	Actions          []Action                   `json:"actions"`
	Chat             []Message                  `json:"chat"`
	Inbox            []Message                  `json:"inbox"`
	Outbox           []Message                  `json:"outbox"`
	Runs             []Run                      `json:"runs"`
	PipelineState    *State                     `json:"pipeline_state"`
}

func NewFileStore(runtimeDir string) (*FileStore, error) {
	if err := os.MkdirAll(runtimeDir, 0o755); err != nil {
		return nil, fmt.Errorf("file store: create runtime dir: %w", err)
	}
	return &FileStore{path: filepath.Join(runtimeDir, "state.json")}, nil
}

func (s *FileStore) Close() {}

func (s *FileStore) Ping(ctx context.Context) error { return nil }

func (s *FileStore) load() (*fileDoc, error) {
	doc := &fileDoc{
		Config:           map[string]json.RawMessage{},
		WorkspaceConfigs: map[string]json.RawMessage{},
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file store: read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("file store: decode %s: %w", s.path, err)
	}
	if doc.Config == nil {
		doc.Config = map[string]json.RawMessage{}
	}
	if doc.WorkspaceConfigs == nil {
		doc.WorkspaceConfigs = map[string]json.RawMessage{}
	}
	return doc, nil
}

func (s *FileStore) save(doc *fileDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("file store: encode: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("file store: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("file store: rename: %w", err)
	}
	return nil
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func (s *FileStore) GetConfig(ctx context.Context, key string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.Config[key], nil
}

func (s *FileStore) SetConfig(ctx context.Context, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	doc.Config[key] = value
	return s.save(doc)
}

func (s *FileStore) AllConfig(ctx context.Context) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(doc.Config))
	for k, v := range doc.Config {
		out[k] = v
	}
	return out, nil
}

func (s *FileStore) GetWorkspaceConfig(ctx context.Context, workspace string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.WorkspaceConfigs[workspace], nil
}

func (s *FileStore) SetWorkspaceConfig(ctx context.Context, workspace string, config json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	doc.WorkspaceConfigs[workspace] = config
	return s.save(doc)
}

func nextScriptID(scripts []Script) int64 {
	var max int64
	for _, sc := range scripts {
		if sc.ID > max {
			max = sc.ID
		}
	}
	return max + 1
}

func (s *FileStore) CreateScript(ctx context.Context, title, scriptText string, scriptVersion int, scriptFormat string, ir json.RawMessage) (Script, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return Script{}, err
	}
	now := nowISO()
	sc := Script{
		ID:            nextScriptID(doc.Scripts),
		Title:         title,
		ScriptText:    scriptText,
		ScriptVersion: scriptVersion,
		ScriptFormat:  scriptFormat,
		IR:            ir,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	doc.Scripts = append(doc.Scripts, sc)
	if len(doc.Scripts) > FileRetainLimit {
		doc.Scripts = doc.Scripts[len(doc.Scripts)-FileRetainLimit:]
	}
	if err := s.save(doc); err != nil {
		return Script{}, err
	}
	return sc, nil
}

func (s *FileStore) ListScripts(ctx context.Context, limit int) ([]Script, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit, 50, ListCap)
	out := make([]Script, 0, limit)
	for i := len(doc.Scripts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, doc.Scripts[i])
	}
	return out, nil
}

func (s *FileStore) GetScript(ctx context.Context, id int64) (*Script, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range doc.Scripts {
		if doc.Scripts[i].ID == id {
			sc := doc.Scripts[i]
			return &sc, nil
		}
	}
	return nil, nil
}

func (s *FileStore) UpdateScript(ctx context.Context, id int64, upd ScriptUpdate) (*Script, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range doc.Scripts {
		if doc.Scripts[i].ID != id {
			continue
		}
		sc := &doc.Scripts[i]
		if upd.Title != nil {
			sc.Title = *upd.Title
		}
		if upd.ScriptText != nil {
			sc.ScriptText = *upd.ScriptText
		}
		if upd.ScriptVersion != nil {
			sc.ScriptVersion = *upd.ScriptVersion
		}
		if upd.ScriptFormat != nil {
			sc.ScriptFormat = *upd.ScriptFormat
		}
		if upd.IRSet {
			sc.IR = upd.IR
		}
		sc.UpdatedAt = nowISO()
		out := *sc
		if err := s.save(doc); err != nil {
			return nil, err
		}
		return &out, nil
	}
	return nil, nil
}

func (s *FileStore) DeleteScript(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return false, err
	}
	for i := range doc.Scripts {
		if doc.Scripts[i].ID == id {
			doc.Scripts = append(doc.Scripts[:i], doc.Scripts[i+1:]...)
			if err := s.save(doc); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

func nextActionID(actions []Action) int64 {
	var max int64
	for _, a := range actions {
		if a.ID > max {
			max = a.ID
		}
	}
	return max + 1
}

func (s *FileStore) CreateAction(ctx context.Context, title, kind string, spec json.RawMessage, enabled bool) (Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return Action{}, err
	}
	now := nowISO()
	a := Action{
		ID:        nextActionID(doc.Actions),
		Title:     title,
		Kind:      kind,
		Spec:      spec,
		Enabled:   enabled,
		CreatedAt: &now,
		UpdatedAt: &now,
	}
	doc.Actions = append(doc.Actions, a)
	if len(doc.Actions) > FileRetainLimit {
		doc.Actions = doc.Actions[len(doc.Actions)-FileRetainLimit:]
	}
	if err := s.save(doc); err != nil {
		return Action{}, err
	}
	return a, nil
}

func (s *FileStore) ListActions(ctx context.Context, limit int) ([]Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit, 50, ListCap)
	out := make([]Action, 0, limit)
	for i := len(doc.Actions) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, doc.Actions[i])
	}
	return out, nil
}

func (s *FileStore) GetAction(ctx context.Context, id int64) (*Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range doc.Actions {
		if doc.Actions[i].ID == id {
			a := doc.Actions[i]
			return &a, nil
		}
	}
	return nil, nil
}

func (s *FileStore) UpdateAction(ctx context.Context, id int64, upd ActionUpdate) (*Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range doc.Actions {
		if doc.Actions[i].ID != id {
			continue
		}
		a := &doc.Actions[i]
		if upd.Title != nil {
			a.Title = *upd.Title
		}
		if upd.Spec != nil {
			a.Spec = upd.Spec
		}
		if upd.Enabled != nil {
			a.Enabled = *upd.Enabled
		}
		now := nowISO()
		a.UpdatedAt = &now
		out := *a
		if err := s.save(doc); err != nil {
			return nil, err
		}
		return &out, nil
	}
	return nil, nil
}

func (s *FileStore) DeleteAction(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return false, err
	}
	for i := range doc.Actions {
		if doc.Actions[i].ID == id {
			doc.Actions = append(doc.Actions[:i], doc.Actions[i+1:]...)
			if err := s.save(doc); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

func (s *FileStore) queue(doc *fileDoc, q Queue) *[]Message {
	switch q {
	case QueueChat:
		return &doc.Chat
	case QueueInbox:
		return &doc.Inbox
	case QueueOutbox:
		return &doc.Outbox
	}
	return nil
}

func (s *FileStore) AppendMessage(ctx context.Context, q Queue, role, content string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return Message{}, err
	}
	list := s.queue(doc, q)
	if list == nil {
		return Message{}, fmt.Errorf("file store: unknown queue %q", q)
	}
	var max int64
	for _, m := range *list {
		if m.ID > max {
			max = m.ID
		}
	}
	m := Message{ID: max + 1, Role: role, Content: content, CreatedAt: nowISO()}
	*list = append(*list, m)
	if len(*list) > FileRetainLimit {
		*list = (*list)[len(*list)-FileRetainLimit:]
	}
	if err := s.save(doc); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (s *FileStore) ListMessages(ctx context.Context, q Queue, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	list := s.queue(doc, q)
	if list == nil {
		return nil, fmt.Errorf("file store: unknown queue %q", q)
	}
	limit = clampLimit(limit, 100, MessageListCap)
	out := make([]Message, 0, limit)
	for i := len(*list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, (*list)[i])
	}
	return out, nil
}

func (s *FileStore) CreateRun(ctx context.Context, status string, pid *int, script, cwd string, args []string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return Run{}, err
	}
	var max int64
	for _, r := range doc.Runs {
		if r.ID > max {
			max = r.ID
		}
	}
	if args == nil {
		args = []string{}
	}
	r := Run{
		ID:        max + 1,
		Status:    status,
		PID:       pid,
		Script:    script,
		Cwd:       cwd,
		Args:      args,
		StartedAt: nowISO(),
	}
	doc.Runs = append(doc.Runs, r)
	if len(doc.Runs) > FileRetainLimit {
		doc.Runs = doc.Runs[len(doc.Runs)-FileRetainLimit:]
	}
	if err := s.save(doc); err != nil {
		return Run{}, err
	}
	return r, nil
}

func (s *FileStore) SetRunStatus(ctx context.Context, id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	for i := range doc.Runs {
		if doc.Runs[i].ID == id {
			doc.Runs[i].Status = status
			if TerminalRunStatus(status) {
				now := nowISO()
				doc.Runs[i].StoppedAt = &now
			}
			return s.save(doc)
		}
	}
	return nil
}

func (s *FileStore) LatestRun(ctx context.Context) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	var latest *Run
	for i := range doc.Runs {
		if latest == nil || doc.Runs[i].ID > latest.ID {
			latest = &doc.Runs[i]
		}
	}
	if latest == nil {
		return nil, nil
	}
	r := *latest
	return &r, nil
}

func (s *FileStore) PipelineState(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return State{}, err
	}
	if doc.PipelineState == nil {
		return State{State: "stopped"}, nil
	}
	return *doc.PipelineState, nil
}

func (s *FileStore) SetPipelineState(ctx context.Context, state string, pid *int, runID *int64, ts TSKind) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return State{}, err
	}
	st := State{}
	if doc.PipelineState != nil {
		st = *doc.PipelineState
	}
	now := nowISO()
	st.State = state
	st.PID = pid
	st.RunID = runID
	st.UpdatedAt = &now
	switch ts {
	case TSStart:
		st.StartedAt = &now
		st.PausedAt = nil
		st.ResumedAt = nil
		st.StoppedAt = nil
	case TSPause:
		st.PausedAt = &now
	case TSResume:
		st.ResumedAt = &now
	case TSStop:
		st.StoppedAt = &now
	}
	doc.PipelineState = &st
	if err := s.save(doc); err != nil {
		return State{}, err
	}
	return st, nil
}
