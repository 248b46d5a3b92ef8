package actions

import (
	"encoding/json"

	"github.com/autoappdev/autoappdev/internal/store"
)

// Built-in actions are virtual (never persisted) and live in a reserved ID
// range kept inside the JS safe-integer range for the PWA.
const BuiltinIDBase int64 = 9_000_000_000

const promptPreamble = "Language:\n" +
	"- Write in the same language as the task/context.\n" +
	"- If a language is explicitly required, follow it.\n" +
	"- Default to English if unclear.\n"

const placeholdersNote = "Context placeholders (if present):\n" +
	"- {{task.title}}, {{task.acceptance}}, {{runtime_dir}}\n"

type builtinDef struct {
	id        int64
	title     string
	reasoning string
	prompt    string
}

var builtinDefs = []builtinDef{
	{
		id:        BuiltinIDBase + 1,
		title:     "Plan (builtin, multilingual)",
		reasoning: "medium",
		prompt: promptPreamble + placeholdersNote + "\n" +
			"You are implementing one small, incremental task in a larger system.\n" +
			"Write a step-specific plan and explicit acceptance checks.\n" +
			"\n" +
			"Output:\n" +
			"- Plan steps (small, incremental)\n" +
			"- Commands to run (use timeouts for anything that could hang)\n" +
			"- Acceptance checklist\n",
	},
	{
		id:        BuiltinIDBase + 2,
		title:     "Work (builtin, multilingual)",
		reasoning: "medium",
		prompt: promptPreamble + placeholdersNote + "\n" +
			"Implement the smallest set of changes needed to satisfy acceptance.\n" +
			"Keep the architecture consistent with the repo.\n" +
			"Avoid unrelated refactors.\n",
	},
	{
		id:        BuiltinIDBase + 3,
		title:     "Debug/Verify (builtin, multilingual)",
		reasoning: "low",
		prompt: promptPreamble + placeholdersNote + "\n" +
			"Run the smallest possible verification (build/run/smoke).\n" +
			"- Use timeouts for anything that could hang.\n" +
			"- Record exact commands and results.\n" +
			"- If issues are found, implement minimal fixes and re-run verification.\n",
	},
	{
		id:        BuiltinIDBase + 4,
		title:     "Fix (builtin, multilingual)",
		reasoning: "medium",
		prompt: promptPreamble + placeholdersNote + "\n" +
			"Implement minimal fixes required to make verification pass.\n" +
			"Do not broaden scope.\n",
	},
	{
		id:        BuiltinIDBase + 5,
		title:     "Summary (builtin, multilingual)",
		reasoning: "low",
		prompt: promptPreamble + placeholdersNote + "\n" +
			"Write a concise summary:\n" +
			"- What changed\n" +
			"- Why\n" +
			"- How to verify\n" +
			"\n" +
			"If target languages are specified elsewhere, add a short 'Translations' section.\n",
	},
	{
		id:        BuiltinIDBase + 6,
		title:     "Release Note (builtin, multilingual)",
		reasoning: "low",
		prompt: promptPreamble + "\n" +
			"Write a short release/log note for the operator UI.\n" +
			"- Mention any manual follow-ups.\n" +
			"- If git commit/push is policy-driven, state that it is handled externally.\n",
	},
}

func builtinAction(def builtinDef, withSpec bool) store.Action {
	a := store.Action{
		ID:       def.id,
		Title:    def.title,
		Kind:     "prompt",
		Enabled:  true,
		Readonly: true,
	}
	if withSpec {
		spec, _ := json.Marshal(map[string]any{
			"reasoning": def.reasoning,
			"prompt":    def.prompt,
		})
		a.Spec = spec
	}
	return a
}

// IsBuiltinID reports whether id names one of the virtual built-ins.
func IsBuiltinID(id int64) bool {
	for _, def := range builtinDefs {
		if def.id == id {
			return true
		}
	}
	return false
}

// GetBuiltin returns the full built-in action including its spec, or nil.
func GetBuiltin(id int64) *store.Action {
	for _, def := range builtinDefs {
		if def.id == id {
			a := builtinAction(def, true)
			return &a
		}
	}
	return nil
}

// ListBuiltinSummaries returns the list items for GET /api/actions; specs
// are omitted from summaries.
func ListBuiltinSummaries() []store.Action {
	out := make([]store.Action, 0, len(builtinDefs))
	for _, def := range builtinDefs {
		out = append(out, builtinAction(def, false))
	}
	return out
}
