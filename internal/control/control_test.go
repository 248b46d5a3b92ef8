package control

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/autoappdev/autoappdev/internal/store"
)

type fixture struct {
	ctrl       *Controller
	st         *store.FileStore
	repoRoot   string
	runtimeDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := t.TempDir()
	runtime := filepath.Join(repo, "runtime")
	require.NoError(t, os.MkdirAll(runtime, 0o755))
	st, err := store.NewFileStore(runtime)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return &fixture{
		ctrl:       New(st, repo, runtime, zerolog.Nop()),
		st:         st,
		repoRoot:   repo,
		runtimeDir: runtime,
	}
}

func (f *fixture) writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(f.repoRoot, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/usr/bin/env bash\n"+body), 0o755))
	return name
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestResolveScript_Guardrails(t *testing.T) {
	f := newFixture(t)

	_, err := f.ctrl.ResolveScript("../outside.sh", f.repoRoot)
	ce, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, "script_outside_repo", ce.Code)

	_, err = f.ctrl.ResolveScript("missing.sh", f.repoRoot)
	ce, ok = err.(*Error)
	require.True(t, ok)
	require.Equal(t, "script_not_found", ce.Code)

	name := f.writeScript(t, "ok.sh", "true\n")
	got, err := f.ctrl.ResolveScript(name, f.repoRoot)
	require.NoError(t, err)
	require.Equal(t, "ok.sh", filepath.Base(got))
}

func TestStartAndCollectExit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	script := f.writeScript(t, "run.sh", "echo hello from pipeline\nexit 0\n")

	res, err := f.ctrl.Start(ctx, script, "", nil)
	require.NoError(t, err)
	require.Greater(t, res.PID, 0)

	ps, err := f.st.PipelineState(ctx)
	require.NoError(t, err)
	require.Equal(t, "running", ps.State)
	require.NotNil(t, ps.StartedAt)

	waitFor(t, func() bool {
		require.NoError(t, f.ctrl.CollectExit(ctx))
		ps, err := f.st.PipelineState(ctx)
		require.NoError(t, err)
		return ps.State == "stopped"
	}, "pipeline exit collected")

	run, err := f.st.LatestRun(ctx)
	require.NoError(t, err)
	require.Equal(t, "completed", run.Status)
	require.NotNil(t, run.StoppedAt)

	data, err := os.ReadFile(filepath.Join(f.runtimeDir, "logs", "pipeline.log"))
	require.NoError(t, err)
	require.Contains(t, string(data), "hello from pipeline")
}

func TestFailedExitRecordsFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	script := f.writeScript(t, "fail.sh", "exit 3\n")

	_, err := f.ctrl.Start(ctx, script, "", nil)
	require.NoError(t, err)

	waitFor(t, func() bool {
		require.NoError(t, f.ctrl.CollectExit(ctx))
		run, err := f.st.LatestRun(ctx)
		require.NoError(t, err)
		return store.TerminalRunStatus(run.Status)
	}, "failed run reaped")

	run, err := f.st.LatestRun(ctx)
	require.NoError(t, err)
	require.Equal(t, "failed", run.Status)
}

func TestStartWhileRunningRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	script := f.writeScript(t, "sleep.sh", "sleep 30\n")

	_, err := f.ctrl.Start(ctx, script, "", nil)
	require.NoError(t, err)
	defer f.ctrl.Stop(ctx)

	_, err = f.ctrl.Start(ctx, script, "", nil)
	te, ok := err.(*TransitionError)
	require.True(t, ok)
	require.Equal(t, "running", te.From)
	require.Equal(t, "start", te.Action)
}

func TestStopTerminatesChild(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	script := f.writeScript(t, "sleep.sh", "sleep 30\n")

	res, err := f.ctrl.Start(ctx, script, "", nil)
	require.NoError(t, err)

	require.NoError(t, f.ctrl.Stop(ctx))

	ps, err := f.st.PipelineState(ctx)
	require.NoError(t, err)
	require.Equal(t, "stopped", ps.State)
	require.NotNil(t, ps.StoppedAt)

	run, err := f.st.LatestRun(ctx)
	require.NoError(t, err)
	require.Equal(t, "stopped", run.Status)
	require.Equal(t, res.RunID, run.ID)

	// Stop again is an invalid transition.
	err = f.ctrl.Stop(ctx)
	te, ok := err.(*TransitionError)
	require.True(t, ok)
	require.Equal(t, "stopped", te.From)
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	script := f.writeScript(t, "sleep.sh", "sleep 30\n")

	_, err := f.ctrl.Start(ctx, script, "", nil)
	require.NoError(t, err)
	defer f.ctrl.Stop(ctx)

	// Pause writes the sentinel and flips state.
	require.NoError(t, f.ctrl.Pause(ctx))
	_, err = os.Stat(filepath.Join(f.runtimeDir, "PAUSE"))
	require.NoError(t, err)
	ps, err := f.st.PipelineState(ctx)
	require.NoError(t, err)
	require.Equal(t, "paused", ps.State)
	require.NotNil(t, ps.PausedAt)

	// Pausing again is invalid; so is starting.
	err = f.ctrl.Pause(ctx)
	require.IsType(t, &TransitionError{}, err)
	_, err = f.ctrl.Start(ctx, script, "", nil)
	require.IsType(t, &TransitionError{}, err)

	// Resume removes the sentinel.
	require.NoError(t, f.ctrl.Resume(ctx))
	_, err = os.Stat(filepath.Join(f.runtimeDir, "PAUSE"))
	require.True(t, os.IsNotExist(err))
	ps, err = f.st.PipelineState(ctx)
	require.NoError(t, err)
	require.Equal(t, "running", ps.State)
	require.NotNil(t, ps.ResumedAt)

	err = f.ctrl.Resume(ctx)
	require.IsType(t, &TransitionError{}, err)
}

func TestStopOrphanedState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Simulate a previous server instance: running state with a dead PID and
	// no in-memory process handle.
	pid := 999999
	run, err := f.st.CreateRun(ctx, "running", &pid, "x.sh", f.repoRoot, nil)
	require.NoError(t, err)
	_, err = f.st.SetPipelineState(ctx, "running", &pid, &run.ID, store.TSStart)
	require.NoError(t, err)

	require.NoError(t, f.ctrl.Stop(ctx))

	ps, err := f.st.PipelineState(ctx)
	require.NoError(t, err)
	require.Equal(t, "stopped", ps.State)

	got, err := f.st.LatestRun(ctx)
	require.NoError(t, err)
	require.Equal(t, "stopped", got.Status)
}

func TestLogTruncatedOnStart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	logPath := filepath.Join(f.runtimeDir, "logs", "pipeline.log")
	require.NoError(t, os.MkdirAll(filepath.Dir(logPath), 0o755))
	require.NoError(t, os.WriteFile(logPath, []byte("stale content\n"), 0o644))

	script := f.writeScript(t, "run.sh", "echo fresh\n")
	_, err := f.ctrl.Start(ctx, script, "", nil)
	require.NoError(t, err)

	waitFor(t, func() bool {
		require.NoError(t, f.ctrl.CollectExit(ctx))
		ps, err := f.st.PipelineState(ctx)
		require.NoError(t, err)
		return ps.State == "stopped"
	}, "run finished")

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.NotContains(t, string(data), "stale content")
	require.Contains(t, string(data), "fresh")
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	st, err := f.ctrl.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, "idle", st.State)
	require.False(t, st.Running)

	script := f.writeScript(t, "sleep.sh", "sleep 30\n")
	res, err := f.ctrl.Start(ctx, script, "", nil)
	require.NoError(t, err)
	defer f.ctrl.Stop(ctx)

	st, err = f.ctrl.Status(ctx)
	require.NoError(t, err)
	require.True(t, st.Running)
	require.Equal(t, res.RunID, *st.RunID)
}
