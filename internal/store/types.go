// Package store holds the durable state of the control plane: key/value
// config, workspace configs, pipeline scripts, action definitions, the three
// message queues, the run journal, and the singleton pipeline-state row.
// Two drivers implement the same Store interface: Postgres (authoritative
// when DATABASE_URL is set) and a single JSON file under the runtime dir.
package store

import (
	"context"
	"encoding/json"
)

// Queue names the three ordered message logs.
type Queue string

const (
	QueueChat   Queue = "chat"
	QueueInbox  Queue = "inbox"
	QueueOutbox Queue = "outbox"
)

// TSKind selects which timestamp column a pipeline-state write updates.
type TSKind string

const (
	TSStart  TSKind = "start"
	TSPause  TSKind = "pause"
	TSResume TSKind = "resume"
	TSStop   TSKind = "stop"
)

// Retention and paging limits shared by both drivers.
const (
	ListCap         = 200
	MessageListCap  = 500
	FileRetainLimit = 200
)

type Script struct {
	ID            int64           `json:"id"`
	Title         string          `json:"title"`
	ScriptText    string          `json:"script_text"`
	ScriptVersion int             `json:"script_version"`
	ScriptFormat  string          `json:"script_format"`
	IR            json.RawMessage `json:"ir"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
}

// ScriptUpdate carries a partial update; nil fields keep stored values.
// IR uses an explicit set flag so callers can write an ir of null.
type ScriptUpdate struct {
	Title         *string
	ScriptText    *string
	ScriptVersion *int
	ScriptFormat  *string
	IR            json.RawMessage
	IRSet         bool
}

type Action struct {
	ID        int64           `json:"id"`
	Title     string          `json:"title"`
	Kind      string          `json:"kind"`
	Spec      json.RawMessage `json:"spec,omitempty"`
	Enabled   bool            `json:"enabled"`
	Readonly  bool            `json:"readonly"`
	CreatedAt *string         `json:"created_at"`
	UpdatedAt *string         `json:"updated_at"`
}

type ActionUpdate struct {
	Title   *string
	Spec    json.RawMessage
	Enabled *bool
}

type Message struct {
	ID        int64  `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

type Run struct {
	ID        int64    `json:"id"`
	Status    string   `json:"status"`
	PID       *int     `json:"pid"`
	Script    string   `json:"script"`
	Cwd       string   `json:"cwd"`
	Args      []string `json:"args"`
	StartedAt string   `json:"started_at"`
	StoppedAt *string  `json:"stopped_at"`
}

// State is the singleton pipeline-state row, the FSM authority.
type State struct {
	State     string  `json:"state"`
	PID       *int    `json:"pid"`
	RunID     *int64  `json:"run_id"`
	StartedAt *string `json:"started_at"`
	PausedAt  *string `json:"paused_at"`
	ResumedAt *string `json:"resumed_at"`
	StoppedAt *string `json:"stopped_at"`
	UpdatedAt *string `json:"updated_at"`
}

// Store is implemented by both drivers. Paged lists return newest-first;
// the HTTP layer reverses them so the UI sees oldest-first of the latest N.
type Store interface {
	Close()
	Ping(ctx context.Context) error

	GetConfig(ctx context.Context, key string) (json.RawMessage, error)
	SetConfig(ctx context.Context, key string, value json.RawMessage) error
	AllConfig(ctx context.Context) (map[string]json.RawMessage, error)

	GetWorkspaceConfig(ctx context.Context, workspace string) (json.RawMessage, error)
	SetWorkspaceConfig(ctx context.Context, workspace string, config json.RawMessage) error

	CreateScript(ctx context.Context, title, scriptText string, scriptVersion int, scriptFormat string, ir json.RawMessage) (Script, error)
	ListScripts(ctx context.Context, limit int) ([]Script, error)
	GetScript(ctx context.Context, id int64) (*Script, error)
	UpdateScript(ctx context.Context, id int64, upd ScriptUpdate) (*Script, error)
	DeleteScript(ctx context.Context, id int64) (bool, error)

	CreateAction(ctx context.Context, title, kind string, spec json.RawMessage, enabled bool) (Action, error)
	ListActions(ctx context.Context, limit int) ([]Action, error)
	GetAction(ctx context.Context, id int64) (*Action, error)
	UpdateAction(ctx context.Context, id int64, upd ActionUpdate) (*Action, error)
	DeleteAction(ctx context.Context, id int64) (bool, error)

	AppendMessage(ctx context.Context, q Queue, role, content string) (Message, error)
	ListMessages(ctx context.Context, q Queue, limit int) ([]Message, error)

	CreateRun(ctx context.Context, status string, pid *int, script, cwd string, args []string) (Run, error)
	SetRunStatus(ctx context.Context, id int64, status string) error
	LatestRun(ctx context.Context) (*Run, error)

	PipelineState(ctx context.Context) (State, error)
	SetPipelineState(ctx context.Context, state string, pid *int, runID *int64, ts TSKind) (State, error)
}

// TerminalRunStatus reports whether status ends a run; terminal writes also
// set stopped_at.
func TerminalRunStatus(status string) bool {
	switch status {
	case "stopped", "failed", "completed":
		return true
	}
	return false
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
