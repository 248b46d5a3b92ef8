package aaps

import (
	"fmt"
	"strings"
)

// Placeholder is the marker in the runner template replaced by the generated
// body.
const Placeholder = "__PIPELINE_BODY__"

// CodegenError is the typed failure raised while rendering an IR to bash.
type CodegenError struct {
	Code   string `json:"error"`
	Detail string `json:"detail"`
}

func (e *CodegenError) Error() string {
	return fmt.Sprintf("codegen: %s: %s", e.Code, e.Detail)
}

func genErr(code, format string, args ...any) error {
	return &CodegenError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// bashSQ single-quotes s for bash, closing and reopening around embedded
// single quotes: abc'def -> 'abc'"'"'def'.
func bashSQ(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// commentSafe collapses newlines and runs of whitespace so the string stays
// on one comment line.
func commentSafe(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.Join(strings.Fields(s), " ")
}

type emitter struct {
	lines  []string
	indent int
}

func (e *emitter) line(format string, args ...any) {
	s := format
	if len(args) > 0 {
		s = fmt.Sprintf(format, args...)
	}
	if s == "" {
		e.lines = append(e.lines, "")
		return
	}
	e.lines = append(e.lines, strings.Repeat("  ", e.indent)+s)
}

// GenerateBody renders an IR into the bash body spliced into the runner
// template. Pure function of the IR: byte-equal across calls.
func GenerateBody(ir *IR) (string, error) {
	if ir == nil || ir.Kind != IRKind || ir.Version != IRVersion {
		return "", genErr("invalid_ir", `expected top-level {"kind":%q,"version":%d,...}`, IRKind, IRVersion)
	}

	e := &emitter{}
	e.line("# Generated pipeline body (autoappdev_ir v1)")

	metaRound, err := detectMetaRound(ir)
	if err != nil {
		return "", err
	}

	if metaRound != nil {
		e.line("")
		e.line("run_task_template_v0() {")
		e.indent++
		e.line(`local task_id="$1"`)
		e.line(`local task_title="$2"`)
		e.line(`local task_acceptance="$3"`)
		e.line(`export AUTOAPPDEV_CTX_TASK_ID="$task_id"`)
		e.line(`export AUTOAPPDEV_CTX_TASK_TITLE="$task_title"`)
		e.line(`export AUTOAPPDEV_CTX_TASK_ACCEPTANCE="$task_acceptance"`)
		e.line(`log "TASK $task_id: $task_title"`)
		for i := range metaRound.template.Steps {
			if err := emitStep(e, metaRound.template, &metaRound.template.Steps[i]); err != nil {
				return "", err
			}
		}
		e.indent--
		e.line("}")

		if err := emitTask(e, metaRound.controller); err != nil {
			return "", err
		}
		e.line("")
		e.line("meta_round_run_template_tasks %s", bashSQ(metaRound.taskListPath))
	} else {
		for i := range ir.Tasks {
			if err := emitTask(e, &ir.Tasks[i]); err != nil {
				return "", err
			}
		}
	}

	// Indent for inclusion inside the template's main() block.
	var b strings.Builder
	for _, ln := range e.lines {
		if ln != "" {
			b.WriteString("  ")
			b.WriteString(ln)
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// RenderRunner splices the generated body into a runner template holding the
// placeholder; every other template byte passes through untouched.
func RenderRunner(ir *IR, template string) (string, error) {
	body, err := GenerateBody(ir)
	if err != nil {
		return "", err
	}
	if !strings.Contains(template, Placeholder) {
		return "", genErr("template_missing_placeholder", "template missing placeholder %q", Placeholder)
	}
	out := strings.Replace(template, Placeholder, strings.TrimSuffix(body, "\n"), 1)
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return out, nil
}

type metaRoundPlan struct {
	controller   *Task
	template     *Task
	taskListPath string
}

// detectMetaRound returns nil when no task carries meta-round markers.
// When markers are present the IR must hold exactly one controller task
// (meta.meta_round_v0 with a task_list_path) and one template task
// (meta.task_template_v0 truthy), and nothing else.
func detectMetaRound(ir *IR) (*metaRoundPlan, error) {
	plan := &metaRoundPlan{}
	marked := false
	for i := range ir.Tasks {
		t := &ir.Tasks[i]
		if raw, ok := t.Meta["meta_round_v0"]; ok {
			marked = true
			if plan.controller != nil {
				return nil, genErr("meta_round_invalid", "more than one task carries meta.meta_round_v0")
			}
			obj, isObj := raw.(map[string]any)
			if !isObj {
				return nil, genErr("meta_round_invalid", "task %s: meta.meta_round_v0 must be an object", t.ID)
			}
			path, _ := obj["task_list_path"].(string)
			if strings.TrimSpace(path) == "" {
				return nil, genErr("meta_round_invalid", "task %s: meta.meta_round_v0.task_list_path must be a non-empty string", t.ID)
			}
			plan.controller = t
			plan.taskListPath = path
		}
		if truthy(t.Meta["task_template_v0"]) {
			marked = true
			if plan.template != nil {
				return nil, genErr("meta_round_invalid", "more than one task carries meta.task_template_v0")
			}
			plan.template = t
		}
	}
	if !marked {
		return nil, nil
	}
	if plan.controller == nil {
		return nil, genErr("meta_round_invalid", "meta-round requires one task with meta.meta_round_v0")
	}
	if plan.template == nil {
		return nil, genErr("meta_round_invalid", "meta-round requires one task with meta.task_template_v0")
	}
	if plan.controller == plan.template {
		return nil, genErr("meta_round_invalid", "task %s carries both meta-round markers", plan.controller.ID)
	}
	if len(ir.Tasks) != 2 {
		return nil, genErr("meta_round_invalid", "meta-round requires exactly two tasks, got %d", len(ir.Tasks))
	}
	return plan, nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return x != "" && x != "0" && x != "false"
	case float64:
		return x != 0
	}
	return false
}

func emitTask(e *emitter, t *Task) error {
	if t.ID == "" || t.Title == "" {
		return genErr("invalid_ir", "task requires non-empty id and title")
	}
	e.line("")
	e.line("# TASK %s: %s", t.ID, commentSafe(t.Title))
	e.line("export AUTOAPPDEV_CTX_TASK_ID=%s", bashSQ(t.ID))
	e.line("export AUTOAPPDEV_CTX_TASK_TITLE=%s", bashSQ(t.Title))
	if acc, ok := t.Meta["acceptance"].(string); ok {
		e.line("export AUTOAPPDEV_CTX_TASK_ACCEPTANCE=%s", bashSQ(acc))
	}
	e.line("log %s", bashSQ(fmt.Sprintf("TASK %s: %s", t.ID, t.Title)))
	for i := range t.Steps {
		if err := emitStep(e, t, &t.Steps[i]); err != nil {
			return err
		}
	}
	return nil
}

func emitStep(e *emitter, t *Task, s *Step) error {
	if s.ID == "" || s.Title == "" || s.Block == "" {
		return genErr("invalid_ir", "task %s: step requires non-empty id, title and block", t.ID)
	}

	cond, _ := s.Meta["conditional"].(string)
	if cond != "" {
		e.line("if step_should_run %s; then", bashSQ(cond))
		e.indent++
	}

	e.line("# STEP %s (%s): %s", s.ID, s.Block, commentSafe(s.Title))
	e.line("export AUTOAPPDEV_CTX_STEP_ID=%s", bashSQ(s.ID))
	e.line("export AUTOAPPDEV_CTX_STEP_BLOCK=%s", bashSQ(s.Block))
	e.line("log %s", bashSQ(fmt.Sprintf("STEP %s (%s): %s", s.ID, s.Block, s.Title)))

	if s.Block == "debug" {
		e.line("step_failed=0")
	}
	for i := range s.Actions {
		a := &s.Actions[i]
		cmd, err := actionCommand(t, s, a)
		if err != nil {
			return err
		}
		e.line("# ACTION %s: kind=%s", a.ID, commentSafe(a.Kind))
		if s.Block == "debug" {
			e.line("if ! %s; then step_failed=1; fi", cmd)
		} else {
			e.line("%s", cmd)
		}
	}
	if s.Block == "debug" {
		e.line(`AUTOAPPDEV_TASK_LAST_DEBUG_FAILED="$step_failed"`)
	}

	if cond != "" {
		e.indent--
		e.line("else")
		e.indent++
		e.line("log %s", bashSQ(fmt.Sprintf("SKIP STEP %s (%s): %s", s.ID, s.Block, s.Title)))
		e.indent--
		e.line("fi")
	}
	return nil
}

func actionCommand(t *Task, s *Step, a *Action) (string, error) {
	path := fmt.Sprintf("%s/%s/%s", t.ID, s.ID, a.ID)
	if a.ID == "" || a.Kind == "" {
		return "", genErr("invalid_ir", "action %s requires non-empty id and kind", path)
	}
	switch a.Kind {
	case "note":
		text, ok := a.Params["text"].(string)
		if !ok {
			return "", genErr("invalid_ir", "missing/invalid params.text for note action %s", path)
		}
		return "action_note " + bashSQ(text), nil
	case "run":
		cmd, ok := a.Params["cmd"].(string)
		if !ok {
			return "", genErr("invalid_ir", "missing/invalid params.cmd for run action %s", path)
		}
		return "action_run " + bashSQ(cmd), nil
	case "codex_exec":
		prompt, ok := a.Params["prompt"].(string)
		if !ok {
			return "", genErr("invalid_ir", "missing/invalid params.prompt for codex_exec action %s", path)
		}
		model, mok := a.Params["model"].(string)
		reasoning, rok := a.Params["reasoning"].(string)
		parts := []string{"action_codex_exec", bashSQ(prompt)}
		if mok && model != "" {
			parts = append(parts, bashSQ(model))
		}
		if rok && reasoning != "" {
			if !mok || model == "" {
				// Keep positional args stable: model then reasoning.
				parts = append(parts, bashSQ(""))
			}
			parts = append(parts, bashSQ(reasoning))
		}
		return strings.Join(parts, " "), nil
	default:
		return "", genErr("unsupported_action_kind", "unsupported action kind %q for action %s", a.Kind, path)
	}
}
