// Package control owns the pipeline child process: a supervised bash run in
// its own process group, with the stopped/running/paused state machine
// persisted through the store. The store row is the authority for transition
// checks; the in-memory process handle only exists while this server
// instance spawned the child.
package control

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/autoappdev/autoappdev/internal/procutil"
	"github.com/autoappdev/autoappdev/internal/store"
)

const (
	// DefaultScript is started when the request names none.
	DefaultScript = "scripts/auto-autoappdev-development.sh"

	termWait   = 10 * time.Second
	killWait   = 2 * time.Second
	reapTick   = 500 * time.Millisecond
	pauseFlag  = "PAUSE"
	logName    = "pipeline.log"
)

// TransitionError reports a control action invalid in the current state.
type TransitionError struct {
	From   string `json:"from"`
	Action string `json:"action"`
	Detail string `json:"detail"`
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("control: invalid_transition: %s", e.Detail)
}

func transitionErr(from, action string) error {
	return &TransitionError{From: from, Action: action, Detail: fmt.Sprintf("cannot %s when %s", action, from)}
}

// Error is a non-transition control failure with a stable code.
type Error struct {
	Code   string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return "control: " + e.Code
	}
	return fmt.Sprintf("control: %s: %s", e.Code, e.Detail)
}

// StartResult is the successful outcome of Start.
type StartResult struct {
	PID   int   `json:"pid"`
	RunID int64 `json:"run_id"`
}

type childExit struct {
	code int
	done bool
}

// Controller supervises at most one pipeline child.
type Controller struct {
	st         store.Store
	repoRoot   string
	runtimeDir string
	log        zerolog.Logger

	mu    sync.Mutex
	cmd   *exec.Cmd
	runID int64
	exit  *childExit
}

func New(st store.Store, repoRoot, runtimeDir string, log zerolog.Logger) *Controller {
	return &Controller{st: st, repoRoot: repoRoot, runtimeDir: runtimeDir, log: log}
}

func (c *Controller) logPath() string   { return filepath.Join(c.runtimeDir, "logs", logName) }
func (c *Controller) pausePath() string { return filepath.Join(c.runtimeDir, pauseFlag) }

func (c *Controller) currentState(ctx context.Context) (string, store.State, error) {
	ps, err := c.st.PipelineState(ctx)
	if err != nil {
		return "", store.State{}, err
	}
	state := ps.State
	if state == "" {
		state = "stopped"
	}
	return state, ps, nil
}

// ResolveScript applies the repo-containment guardrail and existence check.
// Relative scripts resolve against cwd.
func (c *Controller) ResolveScript(script, cwd string) (string, error) {
	p := script
	if !filepath.IsAbs(p) {
		p = filepath.Join(cwd, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("control: resolve script: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	repoAbs, err := filepath.Abs(c.repoRoot)
	if err != nil {
		return "", fmt.Errorf("control: resolve repo root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(repoAbs); err == nil {
		repoAbs = resolved
	}
	rel, err := filepath.Rel(repoAbs, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &Error{Code: "script_outside_repo", Detail: fmt.Sprintf("script resolves outside repo: %s", abs)}
	}
	if _, err := os.Stat(abs); err != nil {
		return "", &Error{Code: "script_not_found", Detail: abs}
	}
	return abs, nil
}

// Start spawns the pipeline script. Valid only from stopped; the pipeline
// log is truncated so each run starts a fresh log.
func (c *Controller) Start(ctx context.Context, script, cwd string, args []string) (*StartResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, _, err := c.currentState(ctx)
	if err != nil {
		return nil, err
	}
	if state != "stopped" {
		return nil, transitionErr(state, "start")
	}

	if script == "" {
		script = DefaultScript
	}
	if cwd == "" {
		cwd = c.repoRoot
	}
	scriptPath, err := c.ResolveScript(script, cwd)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(c.logPath()), 0o755); err != nil {
		return nil, fmt.Errorf("control: create log dir: %w", err)
	}
	logFile, err := os.OpenFile(c.logPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("control: open pipeline log: %w", err)
	}

	cmdArgs := append([]string{"bash", scriptPath}, args...)
	cmd := exec.Command("/usr/bin/env", cmdArgs...)
	cmd.Dir = cwd
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("control: spawn pipeline: %w", err)
	}
	// Child holds its own copy of the fd.
	logFile.Close()

	pid := cmd.Process.Pid
	run, err := c.st.CreateRun(ctx, "running", &pid, scriptPath, cwd, args)
	if err != nil {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		return nil, err
	}
	if _, err := c.st.SetPipelineState(ctx, "running", &pid, &run.ID, store.TSStart); err != nil {
		return nil, err
	}

	c.cmd = cmd
	c.runID = run.ID
	c.exit = &childExit{}
	exit := c.exit
	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			code = 1
			if ee, ok := err.(*exec.ExitError); ok {
				code = ee.ExitCode()
			}
		}
		c.mu.Lock()
		exit.code = code
		exit.done = true
		c.mu.Unlock()
	}()

	c.log.Info().Int("pid", pid).Int64("run_id", run.ID).Str("script", scriptPath).Msg("pipeline started")
	return &StartResult{PID: pid, RunID: run.ID}, nil
}

// Stop terminates the child: SIGTERM to the process group, then SIGKILL if
// it does not exit within the grace window. Valid from running or paused.
// After a server restart there is no process handle; the state row is
// reconciled and any recorded PID gets a best-effort kill.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ps, err := c.currentState(ctx)
	if err != nil {
		return err
	}
	if state != "running" && state != "paused" {
		return transitionErr(state, "stop")
	}

	if c.cmd != nil && c.cmd.Process != nil {
		pid := c.cmd.Process.Pid
		_ = syscall.Kill(-pid, syscall.SIGTERM)
		if !c.waitExitLocked(termWait) {
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			c.waitExitLocked(killWait)
		}
		runID := c.runID
		c.clearChildLocked()
		if err := c.st.SetRunStatus(ctx, runID, "stopped"); err != nil {
			return err
		}
		if _, err := c.st.SetPipelineState(ctx, "stopped", nil, &runID, store.TSStop); err != nil {
			return err
		}
		c.log.Info().Int64("run_id", runID).Msg("pipeline stopped")
		return nil
	}

	// Orphaned state from a previous server instance.
	if ps.PID != nil && procutil.PIDAlive(*ps.PID) {
		_ = syscall.Kill(-*ps.PID, syscall.SIGTERM)
	}
	if ps.RunID != nil {
		if err := c.st.SetRunStatus(ctx, *ps.RunID, "stopped"); err != nil {
			return err
		}
	}
	if _, err := c.st.SetPipelineState(ctx, "stopped", nil, ps.RunID, store.TSStop); err != nil {
		return err
	}
	c.log.Warn().Msg("stopped orphaned pipeline state")
	return nil
}

// waitExitLocked polls for the wait goroutine to record the exit. The mutex
// is released between polls so the goroutine can write.
func (c *Controller) waitExitLocked(d time.Duration) bool {
	exit := c.exit
	if exit == nil {
		return true
	}
	deadline := time.Now().Add(d)
	for {
		if exit.done {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		c.mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		c.mu.Lock()
	}
}

func (c *Controller) clearChildLocked() {
	c.cmd = nil
	c.runID = 0
	c.exit = nil
}

// Pause writes the PAUSE sentinel the runner script polls between steps.
// Valid only from running; the child keeps running until it reaches a
// checkpoint.
func (c *Controller) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ps, err := c.currentState(ctx)
	if err != nil {
		return err
	}
	if state != "running" {
		return transitionErr(state, "pause")
	}
	if err := os.WriteFile(c.pausePath(), []byte("pause\n"), 0o644); err != nil {
		return fmt.Errorf("control: write pause flag: %w", err)
	}
	runID, pid := c.currentIDsLocked(ps)
	if runID != nil {
		if err := c.st.SetRunStatus(ctx, *runID, "paused"); err != nil {
			return err
		}
	}
	if _, err := c.st.SetPipelineState(ctx, "paused", pid, runID, store.TSPause); err != nil {
		return err
	}
	return nil
}

// Resume removes the PAUSE sentinel. Valid only from paused.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ps, err := c.currentState(ctx)
	if err != nil {
		return err
	}
	if state != "paused" {
		return transitionErr(state, "resume")
	}
	if err := os.Remove(c.pausePath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("control: remove pause flag: %w", err)
	}
	runID, pid := c.currentIDsLocked(ps)
	if runID != nil {
		if err := c.st.SetRunStatus(ctx, *runID, "running"); err != nil {
			return err
		}
	}
	if _, err := c.st.SetPipelineState(ctx, "running", pid, runID, store.TSResume); err != nil {
		return err
	}
	return nil
}

func (c *Controller) currentIDsLocked(ps store.State) (*int64, *int) {
	if c.cmd != nil && c.cmd.Process != nil {
		pid := c.cmd.Process.Pid
		runID := c.runID
		return &runID, &pid
	}
	return ps.RunID, ps.PID
}

// CollectExit reaps a finished child: exit 0 records completed, anything
// else failed, and the state row returns to stopped.
func (c *Controller) CollectExit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd == nil || c.exit == nil || !c.exit.done {
		return nil
	}
	code := c.exit.code
	runID := c.runID
	c.clearChildLocked()

	status := "completed"
	if code != 0 {
		status = "failed"
	}
	if err := c.st.SetRunStatus(ctx, runID, status); err != nil {
		return err
	}
	if _, err := c.st.SetPipelineState(ctx, "stopped", nil, &runID, store.TSStop); err != nil {
		return err
	}
	c.log.Info().Int64("run_id", runID).Int("exit_code", code).Str("status", status).Msg("pipeline exited")
	return nil
}

// Run reaps exits until the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(reapTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.CollectExit(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("collect pipeline exit failed")
			}
		}
	}
}

// Status summarizes the latest run for the status endpoint.
type Status struct {
	Running bool   `json:"running"`
	PID     *int   `json:"pid"`
	RunID   *int64 `json:"run_id"`
	State   string `json:"state"`
}

func (c *Controller) Status(ctx context.Context) (Status, error) {
	run, err := c.st.LatestRun(ctx)
	if err != nil {
		return Status{}, err
	}
	if run == nil {
		return Status{State: "idle"}, nil
	}
	return Status{
		Running: run.Status == "running",
		PID:     run.PID,
		RunID:   &run.ID,
		State:   run.Status,
	}, nil
}
