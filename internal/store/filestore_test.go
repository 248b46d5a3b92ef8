package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestFileStore_ConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.GetConfig(ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, v)

	require.NoError(t, s.SetConfig(ctx, "pipeline_plan", json.RawMessage(`{"kind":"autoappdev_plan","version":1,"steps":[]}`)))
	v, err = s.GetConfig(ctx, "pipeline_plan")
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":"autoappdev_plan","version":1,"steps":[]}`, string(v))

	// Overwrite wins.
	require.NoError(t, s.SetConfig(ctx, "pipeline_plan", json.RawMessage(`{"kind":"autoappdev_plan","version":1,"steps":[{"id":1,"block":"plan"}]}`)))
	v, err = s.GetConfig(ctx, "pipeline_plan")
	require.NoError(t, err)
	require.Contains(t, string(v), `"block":"plan"`)
}

func TestFileStore_AtomicWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetConfig(ctx, "k", json.RawMessage(`1`)))

	// No .tmp residue after a successful write.
	_, err := os.Stat(s.path + ".tmp")
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(s.path)
	require.NoError(t, err)
}

func TestFileStore_ScriptCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sc, err := s.CreateScript(ctx, "First", "AUTOAPPDEV_PIPELINE 1\n", 1, "aaps", nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), sc.ID)
	require.Equal(t, "First", sc.Title)
	require.NotEmpty(t, sc.CreatedAt)

	got, err := s.GetScript(ctx, sc.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, sc.ScriptText, got.ScriptText)

	title := "Renamed"
	ir := json.RawMessage(`{"kind":"autoappdev_ir","version":1,"tasks":[]}`)
	upd, err := s.UpdateScript(ctx, sc.ID, ScriptUpdate{Title: &title, IR: ir, IRSet: true})
	require.NoError(t, err)
	require.Equal(t, "Renamed", upd.Title)
	require.JSONEq(t, string(ir), string(upd.IR))
	// Untouched fields survive.
	require.Equal(t, sc.ScriptText, upd.ScriptText)

	missing, err := s.UpdateScript(ctx, 999, ScriptUpdate{Title: &title})
	require.NoError(t, err)
	require.Nil(t, missing)

	ok, err := s.DeleteScript(ctx, sc.ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.DeleteScript(ctx, sc.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFileStore_ListScriptsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.CreateScript(ctx, fmt.Sprintf("s%d", i), "x", 1, "aaps", nil)
		require.NoError(t, err)
	}
	list, err := s.ListScripts(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "s2", list[0].Title)
	require.Equal(t, "s1", list[1].Title)
}

func TestFileStore_MessageQueues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m1, err := s.AppendMessage(ctx, QueueInbox, "user", "hello")
	require.NoError(t, err)
	m2, err := s.AppendMessage(ctx, QueueInbox, "user", "again")
	require.NoError(t, err)
	require.Greater(t, m2.ID, m1.ID)

	// Queues are independent.
	o, err := s.AppendMessage(ctx, QueueOutbox, "pipeline", "done")
	require.NoError(t, err)
	require.Equal(t, int64(1), o.ID)

	list, err := s.ListMessages(ctx, QueueInbox, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "again", list[0].Content)

	_, err = s.AppendMessage(ctx, Queue("bogus"), "user", "x")
	require.Error(t, err)
}

func TestFileStore_MessageRetentionCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < FileRetainLimit+10; i++ {
		_, err := s.AppendMessage(ctx, QueueChat, "user", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}
	list, err := s.ListMessages(ctx, QueueChat, MessageListCap)
	require.NoError(t, err)
	require.Len(t, list, FileRetainLimit)
	// Newest survives, oldest was evicted.
	require.Equal(t, fmt.Sprintf("m%d", FileRetainLimit+9), list[0].Content)
}

func TestFileStore_RunJournal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pid := 4321
	r, err := s.CreateRun(ctx, "running", &pid, "/repo/run.sh", "/repo", []string{"--flag"})
	require.NoError(t, err)
	require.Equal(t, "running", r.Status)
	require.Nil(t, r.StoppedAt)

	require.NoError(t, s.SetRunStatus(ctx, r.ID, "completed"))
	latest, err := s.LatestRun(ctx)
	require.NoError(t, err)
	require.Equal(t, "completed", latest.Status)
	require.NotNil(t, latest.StoppedAt)

	// Latest is ordered by id descending.
	r2, err := s.CreateRun(ctx, "running", &pid, "/repo/run.sh", "/repo", nil)
	require.NoError(t, err)
	latest, err = s.LatestRun(ctx)
	require.NoError(t, err)
	require.Equal(t, r2.ID, latest.ID)
	require.Equal(t, []string{}, latest.Args)
}

func TestFileStore_PipelineStateTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st, err := s.PipelineState(ctx)
	require.NoError(t, err)
	require.Equal(t, "stopped", st.State)
	require.Nil(t, st.PID)

	pid := 100
	runID := int64(1)
	st, err = s.SetPipelineState(ctx, "running", &pid, &runID, TSStart)
	require.NoError(t, err)
	require.Equal(t, "running", st.State)
	require.NotNil(t, st.StartedAt)
	require.Nil(t, st.PausedAt)
	require.Nil(t, st.StoppedAt)

	st, err = s.SetPipelineState(ctx, "paused", &pid, &runID, TSPause)
	require.NoError(t, err)
	require.NotNil(t, st.PausedAt)
	require.NotNil(t, st.StartedAt)

	st, err = s.SetPipelineState(ctx, "running", &pid, &runID, TSResume)
	require.NoError(t, err)
	require.NotNil(t, st.ResumedAt)
	require.Nil(t, st.StoppedAt)

	st, err = s.SetPipelineState(ctx, "stopped", nil, &runID, TSStop)
	require.NoError(t, err)
	require.Equal(t, "stopped", st.State)
	require.NotNil(t, st.StoppedAt)

	// A fresh start clears the pause/resume/stop timestamps.
	st, err = s.SetPipelineState(ctx, "running", &pid, &runID, TSStart)
	require.NoError(t, err)
	require.Nil(t, st.PausedAt)
	require.Nil(t, st.ResumedAt)
	require.Nil(t, st.StoppedAt)
}

func TestFileStore_PersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := NewFileStore(dir)
	require.NoError(t, err)
	_, err = s1.CreateScript(ctx, "keep", "body", 1, "aaps", nil)
	require.NoError(t, err)

	s2, err := NewFileStore(dir)
	require.NoError(t, err)
	got, err := s2.GetScript(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "keep", got.Title)

	// The backing document is the single state.json.
	_, err = os.Stat(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
}
