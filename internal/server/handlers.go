package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/autoappdev/autoappdev/internal/aaps"
	"github.com/autoappdev/autoappdev/internal/actions"
	"github.com/autoappdev/autoappdev/internal/control"
	"github.com/autoappdev/autoappdev/internal/llmparse"
	"github.com/autoappdev/autoappdev/internal/logtail"
	"github.com/autoappdev/autoappdev/internal/msgio"
	"github.com/autoappdev/autoappdev/internal/readme"
	"github.com/autoappdev/autoappdev/internal/store"
	"github.com/autoappdev/autoappdev/internal/wsconfig"
)

const (
	maxScriptLen  = 200_000
	maxMessageLen = 10_000
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]any{"error": code})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal", "detail": err.Error()})
}

// decodeBody parses a JSON object body; an empty body counts as {}.
func decodeBody(r *http.Request) (map[string]any, string) {
	dec := json.NewDecoder(r.Body)
	var raw any
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]any{}, ""
		}
		return nil, "invalid_json"
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, "invalid_body"
	}
	return obj, ""
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// asInt accepts a JSON number only when it is integral.
func asInt(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	db := map[string]any{}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.st.Ping(ctx); err != nil {
		db["ok"] = false
		db["error"] = err.Error()
	} else {
		db["ok"] = true
		db["time"] = time.Now().UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "service": "autoappdev-backend", "db": db})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"app":        "autoappdev",
		"service":    "autoappdev-backend",
		"version":    s.cfg.Version,
		"build":      s.startedAt,
		"started_at": s.startedAt,
	})
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.st.AllConfig(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	out := map[string]json.RawMessage{}
	for k, v := range cfg {
		out[k] = v
	}
	writeJSON(w, http.StatusOK, map[string]any{"config": out})
}

func (s *Server) handleConfigPost(w http.ResponseWriter, r *http.Request) {
	body, code := decodeBody(r)
	if code != "" {
		writeError(w, http.StatusBadRequest, code)
		return
	}
	for k, v := range body {
		raw, err := json.Marshal(v)
		if err != nil {
			s.internalError(w, r, err)
			return
		}
		if err := s.st.SetConfig(r.Context(), k, raw); err != nil {
			s.internalError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePlanGet(w http.ResponseWriter, r *http.Request) {
	raw, err := s.st.GetConfig(r.Context(), "pipeline_plan")
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	var plan any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &plan)
	}
	writeJSON(w, http.StatusOK, map[string]any{"plan": plan})
}

func (s *Server) handlePlanPost(w http.ResponseWriter, r *http.Request) {
	body, code := decodeBody(r)
	if code != "" {
		writeError(w, http.StatusBadRequest, code)
		return
	}
	if body["kind"] != "autoappdev_plan" {
		writeError(w, http.StatusBadRequest, "invalid_kind")
		return
	}
	if v, ok := asInt(body["version"]); !ok || v != 1 {
		writeError(w, http.StatusBadRequest, "invalid_version")
		return
	}
	steps, ok := body["steps"].([]any)
	if !ok {
		writeError(w, http.StatusBadRequest, "steps_must_be_list")
		return
	}
	for i, st := range steps {
		obj, ok := st.(map[string]any)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_step", "index": i})
			return
		}
		if _, ok := asInt(obj["id"]); !ok {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_step_id", "index": i})
			return
		}
		block, _ := obj["block"].(string)
		if strings.TrimSpace(block) == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_step_block", "index": i})
			return
		}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if err := s.st.SetConfig(r.Context(), "pipeline_plan", raw); err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleWorkspaceConfigGet(w http.ResponseWriter, r *http.Request) {
	ws, err := wsconfig.ValidateWorkspaceSlug(r.PathValue("workspace"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, err)
		return
	}
	raw, err := s.st.GetWorkspaceConfig(r.Context(), ws)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if len(raw) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok": true, "workspace": ws, "exists": false, "config": wsconfig.DefaultConfig(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "workspace": ws, "exists": true, "config": json.RawMessage(raw),
	})
}

func (s *Server) handleWorkspaceConfigPost(w http.ResponseWriter, r *http.Request) {
	ws, err := wsconfig.ValidateWorkspaceSlug(r.PathValue("workspace"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, err)
		return
	}
	body, code := decodeBody(r)
	if code != "" {
		writeError(w, http.StatusBadRequest, code)
		return
	}
	var base map[string]any
	if raw, err := s.st.GetWorkspaceConfig(r.Context(), ws); err != nil {
		s.internalError(w, r, err)
		return
	} else if len(raw) > 0 {
		_ = json.Unmarshal(raw, &base)
	}
	cfg, err := wsconfig.Normalize(body, s.cfg.RepoRoot, ws, base)
	if err != nil {
		if we, ok := err.(*wsconfig.Error); ok {
			writeJSON(w, http.StatusBadRequest, we)
			return
		}
		s.internalError(w, r, err)
		return
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if err := s.st.SetWorkspaceConfig(r.Context(), ws, raw); err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "workspace": ws, "config": cfg})
}

func (s *Server) handleScriptsList(w http.ResponseWriter, r *http.Request) {
	items, err := s.st.ListScripts(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scripts": items})
}

func (s *Server) handleScriptsCreate(w http.ResponseWriter, r *http.Request) {
	body, code := decodeBody(r)
	if code != "" {
		writeError(w, http.StatusBadRequest, code)
		return
	}
	title, _ := body["title"].(string)
	scriptText, _ := body["script_text"].(string)
	if strings.TrimSpace(scriptText) == "" {
		writeError(w, http.StatusBadRequest, "empty_script")
		return
	}
	if len(scriptText) > maxScriptLen {
		writeError(w, http.StatusBadRequest, "script_too_large")
		return
	}
	scriptVersion := 1
	if v, ok := body["script_version"]; ok {
		n, isInt := asInt(v)
		if !isInt {
			writeError(w, http.StatusBadRequest, "invalid_script_version")
			return
		}
		scriptVersion = n
	}
	scriptFormat, _ := body["script_format"].(string)
	if scriptFormat == "" {
		scriptFormat = "aaps"
	}
	ir, code := irFromBody(body, "ir")
	if code != "" {
		writeError(w, http.StatusBadRequest, code)
		return
	}
	script, err := s.st.CreateScript(r.Context(), strings.TrimSpace(title), scriptText, scriptVersion, scriptFormat, ir)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "script": script})
}

// irFromBody marshals an optional ir field; only objects and arrays pass.
func irFromBody(body map[string]any, key string) (json.RawMessage, string) {
	v, ok := body[key]
	if !ok || v == nil {
		return nil, ""
	}
	switch v.(type) {
	case map[string]any, []any:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, "invalid_ir"
		}
		return raw, ""
	}
	return nil, "invalid_ir"
}

func (s *Server) handleScriptGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	script, err := s.st.GetScript(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if script == nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"script": script})
}

func (s *Server) handleScriptUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	body, code := decodeBody(r)
	if code != "" {
		writeError(w, http.StatusBadRequest, code)
		return
	}

	touched := false
	for _, k := range []string{"title", "script_text", "script_version", "script_format", "ir"} {
		if _, ok := body[k]; ok {
			touched = true
		}
	}
	if !touched {
		writeError(w, http.StatusBadRequest, "no_fields")
		return
	}

	var upd store.ScriptUpdate
	if v, ok := body["title"]; ok {
		t, isStr := v.(string)
		if !isStr {
			writeError(w, http.StatusBadRequest, "invalid_title")
			return
		}
		t = strings.TrimSpace(t)
		upd.Title = &t
	}
	if v, ok := body["script_text"]; ok {
		t, isStr := v.(string)
		if !isStr {
			writeError(w, http.StatusBadRequest, "invalid_script_text")
			return
		}
		if len(t) > maxScriptLen {
			writeError(w, http.StatusBadRequest, "script_too_large")
			return
		}
		upd.ScriptText = &t
	}
	if v, ok := body["script_version"]; ok {
		n, isInt := asInt(v)
		if !isInt {
			writeError(w, http.StatusBadRequest, "invalid_script_version")
			return
		}
		upd.ScriptVersion = &n
	}
	if v, ok := body["script_format"]; ok {
		f, isStr := v.(string)
		if !isStr {
			writeError(w, http.StatusBadRequest, "invalid_script_format")
			return
		}
		upd.ScriptFormat = &f
	}
	if _, ok := body["ir"]; ok {
		ir, code := irFromBody(body, "ir")
		if code != "" {
			writeError(w, http.StatusBadRequest, code)
			return
		}
		upd.IR = ir
		upd.IRSet = true
	}

	script, err := s.st.UpdateScript(r.Context(), id, upd)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if script == nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "script": script})
}

func (s *Server) handleScriptDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	deleted, err := s.st.DeleteScript(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleScriptsParse(w http.ResponseWriter, r *http.Request) {
	body, code := decodeBody(r)
	if code != "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": code})
		return
	}
	scriptText, ok := body["script_text"].(string)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid_script_text"})
		return
	}
	if len(scriptText) > maxScriptLen {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "script_too_large"})
		return
	}
	ir, err := aaps.Parse(scriptText)
	if err != nil {
		writeParseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ir": ir})
}

func writeParseError(w http.ResponseWriter, err error) {
	if pe, ok := err.(*aaps.ParseError); ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"ok": false, "error": pe.Code, "line": pe.Line, "detail": pe.Detail,
		})
		return
	}
	writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "parse_failed", "detail": err.Error()})
}

func (s *Server) handleScriptsImportShell(w http.ResponseWriter, r *http.Request) {
	body, code := decodeBody(r)
	if code != "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": code})
		return
	}
	shellText, ok := body["shell_text"].(string)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid_shell_text"})
		return
	}
	if len(shellText) > maxScriptLen {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "shell_too_large"})
		return
	}
	res, err := aaps.ImportShell(shellText)
	if err != nil {
		writeParseError(w, err)
		return
	}
	warnings := res.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"script_format": "aaps",
		"script_text":   res.AAPSText,
		"ir":            res.IR,
		"warnings":      warnings,
	})
}

func (s *Server) handleScriptsParseLLM(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.EnableLLMParse && strings.TrimSpace(os.Getenv("AUTOAPPDEV_ENABLE_LLM_PARSE")) != "1" {
		writeJSON(w, http.StatusForbidden, map[string]any{"ok": false, "error": "disabled"})
		return
	}
	body, code := decodeBody(r)
	if code != "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": code})
		return
	}
	sourceText, _ := body["source_text"].(string)
	if strings.TrimSpace(sourceText) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid_source_text"})
		return
	}
	if len(sourceText) > llmparse.MaxSourceLen {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "source_too_large"})
		return
	}
	sourceFormat := "unknown"
	if v, ok := body["source_format"]; ok {
		f, isStr := v.(string)
		if !isStr {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid_source_format"})
			return
		}
		sourceFormat = f
	}
	save := false
	if v, ok := body["save"]; ok {
		b, isBool := v.(bool)
		if !isBool {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid_save"})
			return
		}
		save = b
	}
	title, _ := body["title"].(string)
	var model string
	if v, ok := body["model"]; ok && v != nil {
		m, isStr := v.(string)
		if !isStr {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid_model"})
			return
		}
		model = m
	}
	var reasoning string
	if v, ok := body["reasoning"]; ok && v != nil {
		rs, isStr := v.(string)
		if !isStr {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid_reasoning"})
			return
		}
		reasoning = rs
	}
	timeoutS := llmparse.DefaultTimeoutS
	if v, ok := body["timeout_s"]; ok {
		n, isNum := v.(float64)
		if !isNum {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid_timeout_s"})
			return
		}
		timeoutS = n
	}

	if model == "" {
		model = s.configString(r.Context(), "model")
	}
	res, err := llmparse.Parse(r.Context(), llmparse.Options{
		SourceText:   sourceText,
		SourceFormat: sourceFormat,
		Model:        model,
		Reasoning:    reasoning,
		TimeoutS:     timeoutS,
		RuntimeDir:   s.cfg.RuntimeDir,
		SkipGitCheck: strings.TrimSpace(os.Getenv("AUTOAPPDEV_CODEX_SKIP_GIT_CHECK")) != "0",
	})
	if err != nil {
		var prov map[string]any
		if res != nil {
			prov = res.Provenance
		}
		switch e := err.(type) {
		case *aaps.ParseError:
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"ok": false, "error": e.Code, "line": e.Line, "detail": e.Detail, "provenance": prov,
			})
		case *llmparse.Error:
			status := http.StatusBadRequest
			if e.Code == "timeout" {
				status = http.StatusGatewayTimeout
			} else if e.Code == "codex_not_found" {
				status = http.StatusServiceUnavailable
			}
			writeJSON(w, status, map[string]any{"ok": false, "error": e.Code, "detail": e.Detail, "provenance": prov})
		default:
			s.internalError(w, r, err)
		}
		return
	}

	var script *store.Script
	if save {
		irRaw, err := json.Marshal(res.IR)
		if err != nil {
			s.internalError(w, r, err)
			return
		}
		t := strings.TrimSpace(title)
		if t == "" {
			t = "llm_import_" + res.RequestID
		}
		created, err := s.st.CreateScript(r.Context(), t, res.ScriptText, 1, "aaps", irRaw)
		if err != nil {
			s.internalError(w, r, err)
			return
		}
		script = &created
	}
	warnings := res.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"script_format": "aaps",
		"script_text":   res.ScriptText,
		"ir":            res.IR,
		"warnings":      warnings,
		"provenance":    res.Provenance,
		"script":        script,
	})
}

// configString reads one string value from the stored config object.
func (s *Server) configString(ctx context.Context, key string) string {
	raw, err := s.st.GetConfig(ctx, key)
	if err != nil || len(raw) == 0 {
		return ""
	}
	var v string
	if json.Unmarshal(raw, &v) != nil {
		return ""
	}
	return strings.TrimSpace(v)
}

func (s *Server) actionDefaults(ctx context.Context) actions.Defaults {
	return actions.Defaults{
		Agent: s.configString(ctx, "agent"),
		Model: s.configString(ctx, "model"),
	}
}

func (s *Server) handleActionsList(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit < 1 {
		limit = 1
	}
	if limit > store.ListCap {
		limit = store.ListCap
	}
	builtins := actions.ListBuiltinSummaries()
	if len(builtins) >= limit {
		writeJSON(w, http.StatusOK, map[string]any{"actions": builtins[:limit]})
		return
	}
	items, err := s.st.ListActions(r.Context(), limit-len(builtins))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": append(builtins, items...)})
}

func (s *Server) handleActionsCreate(w http.ResponseWriter, r *http.Request) {
	body, code := decodeBody(r)
	if code != "" {
		writeError(w, http.StatusBadRequest, code)
		return
	}
	req, err := actions.ValidateCreate(body, s.cfg.RepoRoot, s.actionDefaults(r.Context()))
	if err != nil {
		if re, ok := err.(*actions.RegistryError); ok {
			writeJSON(w, http.StatusBadRequest, re)
			return
		}
		s.internalError(w, r, err)
		return
	}
	spec, err := json.Marshal(req.Spec)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	action, err := s.st.CreateAction(r.Context(), req.Title, req.Kind, spec, req.Enabled)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "action": action})
}

func (s *Server) handleActionGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	if actions.IsBuiltinID(id) {
		writeJSON(w, http.StatusOK, map[string]any{"action": actions.GetBuiltin(id)})
		return
	}
	action, err := s.st.GetAction(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if action == nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"action": action})
}

func writeReadonly(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, map[string]any{
		"error":  "readonly",
		"detail": "built-in actions are read-only; clone to edit",
	})
}

func (s *Server) handleActionUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	if actions.IsBuiltinID(id) {
		writeReadonly(w)
		return
	}
	body, code := decodeBody(r)
	if code != "" {
		writeError(w, http.StatusBadRequest, code)
		return
	}
	cur, err := s.st.GetAction(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if cur == nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	var curSpec map[string]any
	if len(cur.Spec) > 0 {
		_ = json.Unmarshal(cur.Spec, &curSpec)
	}
	req, err := actions.ValidateUpdate(body, cur.Kind, curSpec, s.cfg.RepoRoot, s.actionDefaults(r.Context()))
	if err != nil {
		if re, ok := err.(*actions.RegistryError); ok {
			writeJSON(w, http.StatusBadRequest, re)
			return
		}
		s.internalError(w, r, err)
		return
	}
	upd := store.ActionUpdate{Title: req.Title, Enabled: req.Enabled}
	if req.Spec != nil {
		raw, err := json.Marshal(req.Spec)
		if err != nil {
			s.internalError(w, r, err)
			return
		}
		upd.Spec = raw
	}
	action, err := s.st.UpdateAction(r.Context(), id, upd)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if action == nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "action": action})
}

func (s *Server) handleActionDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	if actions.IsBuiltinID(id) {
		writeReadonly(w)
		return
	}
	deleted, err := s.st.DeleteAction(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleActionClone(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	builtin := actions.GetBuiltin(id)
	if builtin == nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	title := strings.TrimSpace(builtin.Title)
	if title == "" {
		title = "Action"
	}
	title += " (copy)"
	if len(title) > 200 {
		title = strings.TrimSpace(title[:200])
	}
	var spec map[string]any
	_ = json.Unmarshal(builtin.Spec, &spec)
	body := map[string]any{
		"title":   title,
		"kind":    builtin.Kind,
		"enabled": builtin.Enabled,
		"spec":    spec,
	}
	req, err := actions.ValidateCreate(body, s.cfg.RepoRoot, s.actionDefaults(r.Context()))
	if err != nil {
		if re, ok := err.(*actions.RegistryError); ok {
			writeJSON(w, http.StatusBadRequest, re)
			return
		}
		s.internalError(w, r, err)
		return
	}
	specRaw, err := json.Marshal(req.Spec)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	action, err := s.st.CreateAction(r.Context(), req.Title, req.Kind, specRaw, req.Enabled)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "action": action})
}

func (s *Server) handleUpdateReadme(w http.ResponseWriter, r *http.Request) {
	body, code := decodeBody(r)
	if code != "" {
		writeError(w, http.StatusBadRequest, code)
		return
	}
	workspace, ok := body["workspace"].(string)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_workspace")
		return
	}
	blockMarkdown, ok := body["block_markdown"].(string)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_block_markdown")
		return
	}

	updateID, meta, err := readme.Apply(s.cfg.RepoRoot, s.cfg.RuntimeDir, workspace, blockMarkdown)
	if err != nil {
		switch e := err.(type) {
		case *wsconfig.Error:
			status := http.StatusBadRequest
			if strings.HasPrefix(e.Code, "path_outside_") {
				status = http.StatusForbidden
			}
			writeJSON(w, status, e)
		case *readme.Error:
			status := http.StatusBadRequest
			if e.Code == "artifact_write_failed" {
				status = http.StatusInternalServerError
			}
			writeJSON(w, status, e)
		default:
			s.internalError(w, r, err)
		}
		return
	}

	target, err := readme.ResolveReadmePath(s.cfg.RepoRoot, workspace)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	rel, relErr := filepath.Rel(s.cfg.RepoRoot, target)
	if relErr != nil {
		rel = target
	}
	s.log.Info().
		Str("id", updateID).
		Str("workspace", workspace).
		Str("path", rel).
		Str("mode", meta.Mode).
		Msg("update_readme")
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":                 true,
		"workspace":          workspace,
		"path":               rel,
		"updated":            meta.Updated,
		"markers_preexisted": meta.MarkersPreexisted,
		"artifacts": map[string]any{
			"dir": filepath.Join(s.cfg.RuntimeDir, "logs", "update_readme", updateID),
		},
	})
}

// queueList serves GET for one message queue; storage returns newest-first
// and the response shows oldest-first of the latest N.
func (s *Server) queueList(q store.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := s.st.ListMessages(r.Context(), q, queryInt(r, "limit", 50))
		if err != nil {
			s.internalError(w, r, err)
			return
		}
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": items})
	}
}

func queueContent(body map[string]any) (string, string) {
	content, _ := body["content"].(string)
	content = strings.TrimSpace(content)
	if content == "" {
		return "", "empty"
	}
	if len(content) > maxMessageLen {
		return "", "too_long"
	}
	return content, ""
}

func (s *Server) handleChatPost(w http.ResponseWriter, r *http.Request) {
	body, code := decodeBody(r)
	if code != "" {
		writeError(w, http.StatusBadRequest, code)
		return
	}
	content, code := queueContent(body)
	if code != "" {
		writeError(w, http.StatusBadRequest, code)
		return
	}
	if _, err := s.st.AppendMessage(r.Context(), store.QueueChat, "user", content); err != nil {
		s.internalError(w, r, err)
		return
	}
	if _, err := msgio.WriteInboxFile(s.cfg.RuntimeDir, content); err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleInboxPost(w http.ResponseWriter, r *http.Request) {
	body, code := decodeBody(r)
	if code != "" {
		writeError(w, http.StatusBadRequest, code)
		return
	}
	content, code := queueContent(body)
	if code != "" {
		writeError(w, http.StatusBadRequest, code)
		return
	}
	if _, err := s.st.AppendMessage(r.Context(), store.QueueInbox, "user", content); err != nil {
		s.internalError(w, r, err)
		return
	}
	if _, err := msgio.WriteInboxFile(s.cfg.RuntimeDir, content); err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleOutboxPost(w http.ResponseWriter, r *http.Request) {
	body, code := decodeBody(r)
	if code != "" {
		writeError(w, http.StatusBadRequest, code)
		return
	}
	content, code := queueContent(body)
	if code != "" {
		writeError(w, http.StatusBadRequest, code)
		return
	}
	role, _ := body["role"].(string)
	if _, err := s.st.AppendMessage(r.Context(), store.QueueOutbox, msgio.ParseOutboxRole(role), content); err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePipelineState(w http.ResponseWriter, r *http.Request) {
	ps, err := s.st.PipelineState(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pipeline": ps})
}

func (s *Server) handlePipelineStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctrl.Status(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": st})
}

func (s *Server) writeControlError(w http.ResponseWriter, r *http.Request, err error) {
	switch e := err.(type) {
	case *control.TransitionError:
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"ok": false, "error": "invalid_transition", "from": e.From, "action": e.Action, "detail": e.Detail,
		})
	case *control.Error:
		status := http.StatusBadRequest
		switch e.Code {
		case "script_outside_repo":
			status = http.StatusForbidden
		case "script_not_found":
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]any{"ok": false, "error": e.Code, "detail": e.Detail})
	default:
		s.internalError(w, r, err)
	}
}

func (s *Server) handlePipelineStart(w http.ResponseWriter, r *http.Request) {
	body, code := decodeBody(r)
	if code != "" {
		writeError(w, http.StatusBadRequest, code)
		return
	}
	script, _ := body["script"].(string)
	if script == "" {
		script = s.cfg.PipelineScript
	}
	cwd, _ := body["cwd"].(string)
	var args []string
	if v, ok := body["args"]; ok && v != nil {
		list, isList := v.([]any)
		if !isList {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "args_must_be_list"})
			return
		}
		for _, a := range list {
			args = append(args, fmt.Sprint(a))
		}
	}
	res, err := s.ctrl.Start(r.Context(), script, cwd, args)
	if err != nil {
		s.writeControlError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "pid": res.PID, "run_id": res.RunID})
}

func (s *Server) handlePipelineStop(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Stop(r.Context()); err != nil {
		s.writeControlError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePipelinePause(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Pause(r.Context()); err != nil {
		s.writeControlError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePipelineResume(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Resume(r.Context()); err != nil {
		s.writeControlError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleLogsSince(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if source == "" {
		source = "pipeline"
	}
	since := int64(queryInt(r, "since", 0))
	limit := queryInt(r, "limit", 200)
	lines := s.logBuf.Since(since, limit, source)
	next := since
	if len(lines) > 0 {
		next = lines[len(lines)-1].ID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"source": source, "since": since, "next": next, "lines": lines,
	})
}

func (s *Server) handleLogsTail(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "pipeline"
	}
	if name != "pipeline" && name != "backend" {
		writeError(w, http.StatusBadRequest, "unknown_log")
		return
	}
	lines, err := logtail.TailLastLines(filepath.Join(s.cfg.LogDir(), name+".log"), queryInt(r, "lines", 200))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines, "name": name})
}
