package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var SchemaSQL string

// PGStore is the Postgres driver. The pool is bounded at 1..5 connections
// and connects with a 2s timeout; an unreachable database is a startup
// failure, never a silent fallback to the file driver.
type PGStore struct {
	pool *pgxpool.Pool
}

const connectTimeout = 2 * time.Second

func NewPGStore(ctx context.Context, databaseURL string) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pg store: parse DATABASE_URL: %w", err)
	}
	cfg.MinConns = 1
	cfg.MaxConns = 5
	cfg.ConnConfig.ConnectTimeout = connectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pg store: create pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg store: ping: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Close() { s.pool.Close() }

func (s *PGStore) Ping(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, "select 1").Scan(&one); err != nil {
		return fmt.Errorf("pg store: select 1: %w", err)
	}
	if one != 1 {
		return fmt.Errorf("pg store: unexpected select 1 result: %d", one)
	}
	return nil
}

// ApplySchema runs the embedded schema; every statement is idempotent.
func (s *PGStore) ApplySchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, SchemaSQL); err != nil {
		return fmt.Errorf("pg store: apply schema: %w", err)
	}
	return nil
}

func isoPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(time.RFC3339)
	return &v
}

func iso(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func (s *PGStore) GetConfig(ctx context.Context, key string) (json.RawMessage, error) {
	var value json.RawMessage
	err := s.pool.QueryRow(ctx, "select value from app_config where key=$1", key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pg store: get config %q: %w", key, err)
	}
	return value, nil
}

func (s *PGStore) SetConfig(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		"insert into app_config(key, value, updated_at) values ($1, $2, now()) "+
			"on conflict (key) do update set value=$2, updated_at=now()",
		key, value)
	if err != nil {
		return fmt.Errorf("pg store: set config %q: %w", key, err)
	}
	return nil
}

func (s *PGStore) AllConfig(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.pool.Query(ctx, "select key, value from app_config")
	if err != nil {
		return nil, fmt.Errorf("pg store: list config: %w", err)
	}
	defer rows.Close()
	out := map[string]json.RawMessage{}
	for rows.Next() {
		var key string
		var value json.RawMessage
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("pg store: scan config row: %w", err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pg store: list config: %w", err)
	}
	return out, nil
}

func (s *PGStore) GetWorkspaceConfig(ctx context.Context, workspace string) (json.RawMessage, error) {
	var config json.RawMessage
	err := s.pool.QueryRow(ctx, "select config from workspace_configs where workspace=$1", workspace).Scan(&config)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pg store: get workspace config %q: %w", workspace, err)
	}
	return config, nil
}

func (s *PGStore) SetWorkspaceConfig(ctx context.Context, workspace string, config json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		"insert into workspace_configs(workspace, config, updated_at) values ($1, $2, now()) "+
			"on conflict (workspace) do update set config=$2, updated_at=now()",
		workspace, config)
	if err != nil {
		return fmt.Errorf("pg store: set workspace config %q: %w", workspace, err)
	}
	return nil
}

func scanScript(row pgx.Row) (*Script, error) {
	var sc Script
	var created, updated time.Time
	err := row.Scan(&sc.ID, &sc.Title, &sc.ScriptText, &sc.ScriptVersion, &sc.ScriptFormat, &sc.IR, &created, &updated)
	if err != nil {
		return nil, err
	}
	sc.CreatedAt = iso(created)
	sc.UpdatedAt = iso(updated)
	return &sc, nil
}

const scriptCols = "id, title, script_text, script_version, script_format, ir, created_at, updated_at"

func (s *PGStore) CreateScript(ctx context.Context, title, scriptText string, scriptVersion int, scriptFormat string, ir json.RawMessage) (Script, error) {
	row := s.pool.QueryRow(ctx,
		"insert into pipeline_scripts(title, script_text, script_version, script_format, ir) "+
			"values ($1, $2, $3, $4, $5) returning "+scriptCols,
		title, scriptText, scriptVersion, scriptFormat, ir)
	sc, err := scanScript(row)
	if err != nil {
		return Script{}, fmt.Errorf("pg store: create script: %w", err)
	}
	return *sc, nil
}

func (s *PGStore) ListScripts(ctx context.Context, limit int) ([]Script, error) {
	limit = clampLimit(limit, 50, ListCap)
	rows, err := s.pool.Query(ctx,
		"select "+scriptCols+" from pipeline_scripts order by id desc limit $1", limit)
	if err != nil {
		return nil, fmt.Errorf("pg store: list scripts: %w", err)
	}
	defer rows.Close()
	var out []Script
	for rows.Next() {
		sc, err := scanScript(rows)
		if err != nil {
			return nil, fmt.Errorf("pg store: list scripts: %w", err)
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

func (s *PGStore) GetScript(ctx context.Context, id int64) (*Script, error) {
	row := s.pool.QueryRow(ctx, "select "+scriptCols+" from pipeline_scripts where id=$1", id)
	sc, err := scanScript(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pg store: get script %d: %w", id, err)
	}
	return sc, nil
}

func (s *PGStore) UpdateScript(ctx context.Context, id int64, upd ScriptUpdate) (*Script, error) {
	cur, err := s.GetScript(ctx, id)
	if err != nil || cur == nil {
		return cur, err
	}
	if upd.Title != nil {
		cur.Title = *upd.Title
	}
	if upd.ScriptText != nil {
		cur.ScriptText = *upd.ScriptText
	}
	if upd.ScriptVersion != nil {
		cur.ScriptVersion = *upd.ScriptVersion
	}
	if upd.ScriptFormat != nil {
		cur.ScriptFormat = *upd.ScriptFormat
	}
	if upd.IRSet {
		cur.IR = upd.IR
	}
	row := s.pool.QueryRow(ctx,
		"update pipeline_scripts set title=$2, script_text=$3, script_version=$4, script_format=$5, ir=$6, updated_at=now() "+
			"where id=$1 returning "+scriptCols,
		id, cur.Title, cur.ScriptText, cur.ScriptVersion, cur.ScriptFormat, cur.IR)
	sc, err := scanScript(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pg store: update script %d: %w", id, err)
	}
	return sc, nil
}

func (s *PGStore) DeleteScript(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, "delete from pipeline_scripts where id=$1", id)
	if err != nil {
		return false, fmt.Errorf("pg store: delete script %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanAction(row pgx.Row) (*Action, error) {
	var a Action
	var created, updated time.Time
	err := row.Scan(&a.ID, &a.Title, &a.Kind, &a.Spec, &a.Enabled, &created, &updated)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = isoPtr(&created)
	a.UpdatedAt = isoPtr(&updated)
	return &a, nil
}

const actionCols = "id, title, kind, spec, enabled, created_at, updated_at"

func (s *PGStore) CreateAction(ctx context.Context, title, kind string, spec json.RawMessage, enabled bool) (Action, error) {
	row := s.pool.QueryRow(ctx,
		"insert into action_definitions(title, kind, spec, enabled) values ($1, $2, $3, $4) returning "+actionCols,
		title, kind, spec, enabled)
	a, err := scanAction(row)
	if err != nil {
		return Action{}, fmt.Errorf("pg store: create action: %w", err)
	}
	return *a, nil
}

func (s *PGStore) ListActions(ctx context.Context, limit int) ([]Action, error) {
	limit = clampLimit(limit, 50, ListCap)
	rows, err := s.pool.Query(ctx,
		"select "+actionCols+" from action_definitions order by id desc limit $1", limit)
	if err != nil {
		return nil, fmt.Errorf("pg store: list actions: %w", err)
	}
	defer rows.Close()
	var out []Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("pg store: list actions: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *PGStore) GetAction(ctx context.Context, id int64) (*Action, error) {
	row := s.pool.QueryRow(ctx, "select "+actionCols+" from action_definitions where id=$1", id)
	a, err := scanAction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pg store: get action %d: %w", id, err)
	}
	return a, nil
}

func (s *PGStore) UpdateAction(ctx context.Context, id int64, upd ActionUpdate) (*Action, error) {
	cur, err := s.GetAction(ctx, id)
	if err != nil || cur == nil {
		return cur, err
	}
	if upd.Title != nil {
		cur.Title = *upd.Title
	}
	if upd.Spec != nil {
		cur.Spec = upd.Spec
	}
	if upd.Enabled != nil {
		cur.Enabled = *upd.Enabled
	}
	row := s.pool.QueryRow(ctx,
		"update action_definitions set title=$2, spec=$3, enabled=$4, updated_at=now() where id=$1 returning "+actionCols,
		id, cur.Title, cur.Spec, cur.Enabled)
	a, err := scanAction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pg store: update action %d: %w", id, err)
	}
	return a, nil
}

func (s *PGStore) DeleteAction(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, "delete from action_definitions where id=$1", id)
	if err != nil {
		return false, fmt.Errorf("pg store: delete action %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func queueTable(q Queue) (string, error) {
	switch q {
	case QueueChat:
		return "chat_messages", nil
	case QueueInbox:
		return "inbox_messages", nil
	case QueueOutbox:
		return "outbox_messages", nil
	}
	return "", fmt.Errorf("pg store: unknown queue %q", q)
}

func (s *PGStore) AppendMessage(ctx context.Context, q Queue, role, content string) (Message, error) {
	table, err := queueTable(q)
	if err != nil {
		return Message{}, err
	}
	var m Message
	var created time.Time
	err = s.pool.QueryRow(ctx,
		"insert into "+table+"(role, content) values ($1, $2) returning id, role, content, created_at",
		role, content).Scan(&m.ID, &m.Role, &m.Content, &created)
	if err != nil {
		return Message{}, fmt.Errorf("pg store: append %s message: %w", q, err)
	}
	m.CreatedAt = iso(created)
	return m, nil
}

func (s *PGStore) ListMessages(ctx context.Context, q Queue, limit int) ([]Message, error) {
	table, err := queueTable(q)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit, 100, MessageListCap)
	rows, err := s.pool.Query(ctx,
		"select id, role, content, created_at from "+table+" order by id desc limit $1", limit)
	if err != nil {
		return nil, fmt.Errorf("pg store: list %s messages: %w", q, err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		var created time.Time
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("pg store: list %s messages: %w", q, err)
		}
		m.CreatedAt = iso(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	var started time.Time
	var stopped *time.Time
	var args json.RawMessage
	err := row.Scan(&r.ID, &r.Status, &r.PID, &r.Script, &r.Cwd, &args, &started, &stopped)
	if err != nil {
		return nil, err
	}
	r.StartedAt = iso(started)
	r.StoppedAt = isoPtr(stopped)
	if len(args) > 0 {
		if err := json.Unmarshal(args, &r.Args); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
	}
	if r.Args == nil {
		r.Args = []string{}
	}
	return &r, nil
}

const runCols = "id, status, pid, script, cwd, args, started_at, stopped_at"

func (s *PGStore) CreateRun(ctx context.Context, status string, pid *int, script, cwd string, args []string) (Run, error) {
	if args == nil {
		args = []string{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return Run{}, fmt.Errorf("pg store: encode args: %w", err)
	}
	row := s.pool.QueryRow(ctx,
		"insert into pipeline_runs(status, pid, script, cwd, args) values ($1, $2, $3, $4, $5) returning "+runCols,
		status, pid, script, cwd, argsJSON)
	r, err := scanRun(row)
	if err != nil {
		return Run{}, fmt.Errorf("pg store: create run: %w", err)
	}
	return *r, nil
}

func (s *PGStore) SetRunStatus(ctx context.Context, id int64, status string) error {
	var err error
	if TerminalRunStatus(status) {
		_, err = s.pool.Exec(ctx, "update pipeline_runs set status=$2, stopped_at=now() where id=$1", id, status)
	} else {
		_, err = s.pool.Exec(ctx, "update pipeline_runs set status=$2 where id=$1", id, status)
	}
	if err != nil {
		return fmt.Errorf("pg store: set run %d status: %w", id, err)
	}
	return nil
}

func (s *PGStore) LatestRun(ctx context.Context) (*Run, error) {
	row := s.pool.QueryRow(ctx, "select "+runCols+" from pipeline_runs order by id desc limit 1")
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pg store: latest run: %w", err)
	}
	return r, nil
}

func (s *PGStore) PipelineState(ctx context.Context) (State, error) {
	var st State
	var started, paused, resumed, stopped, updated *time.Time
	err := s.pool.QueryRow(ctx,
		"select state, pid, run_id, started_at, paused_at, resumed_at, stopped_at, updated_at from pipeline_state where id=1").
		Scan(&st.State, &st.PID, &st.RunID, &started, &paused, &resumed, &stopped, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return State{State: "stopped"}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("pg store: get pipeline state: %w", err)
	}
	st.StartedAt = isoPtr(started)
	st.PausedAt = isoPtr(paused)
	st.ResumedAt = isoPtr(resumed)
	st.StoppedAt = isoPtr(stopped)
	st.UpdatedAt = isoPtr(updated)
	return st, nil
}

func (s *PGStore) SetPipelineState(ctx context.Context, state string, pid *int, runID *int64, ts TSKind) (State, error) {
	var stmt string
	switch ts {
	case TSStart:
		stmt = "insert into pipeline_state(id, state, pid, run_id, started_at, paused_at, resumed_at, stopped_at, updated_at) " +
			"values (1, $1, $2, $3, now(), null, null, null, now()) " +
			"on conflict (id) do update set state=$1, pid=$2, run_id=$3, started_at=now(), paused_at=null, resumed_at=null, stopped_at=null, updated_at=now()"
	case TSPause:
		stmt = "insert into pipeline_state(id, state, pid, run_id, paused_at, updated_at) " +
			"values (1, $1, $2, $3, now(), now()) " +
			"on conflict (id) do update set state=$1, pid=$2, run_id=$3, paused_at=now(), updated_at=now()"
	case TSResume:
		stmt = "insert into pipeline_state(id, state, pid, run_id, resumed_at, stopped_at, updated_at) " +
			"values (1, $1, $2, $3, now(), null, now()) " +
			"on conflict (id) do update set state=$1, pid=$2, run_id=$3, resumed_at=now(), stopped_at=null, updated_at=now()"
	case TSStop:
		stmt = "insert into pipeline_state(id, state, pid, run_id, stopped_at, updated_at) " +
			"values (1, $1, $2, $3, now(), now()) " +
			"on conflict (id) do update set state=$1, pid=$2, run_id=$3, stopped_at=now(), updated_at=now()"
	default:
		return State{}, fmt.Errorf("pg store: invalid ts_kind %q", ts)
	}
	if _, err := s.pool.Exec(ctx, stmt, state, pid, runID); err != nil {
		return State{}, fmt.Errorf("pg store: set pipeline state: %w", err)
	}
	return s.PipelineState(ctx)
}
