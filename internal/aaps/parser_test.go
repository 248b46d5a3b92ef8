package aaps

import (
	"errors"
	"reflect"
	"testing"
)

func TestParse_MinimalPipeline(t *testing.T) {
	src := "AUTOAPPDEV_PIPELINE 1\n" +
		`TASK {"id":"t1","title":"T"}` + "\n" +
		`STEP {"id":"s1","title":"S","block":"plan"}` + "\n" +
		`ACTION {"id":"a1","kind":"note","params":{"text":"hi"}}` + "\n"
	ir, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if ir.Kind != IRKind || ir.Version != 1 {
		t.Fatalf("ir envelope: %q v%d", ir.Kind, ir.Version)
	}
	if len(ir.Tasks) != 1 {
		t.Fatalf("tasks: got %d", len(ir.Tasks))
	}
	task := ir.Tasks[0]
	if task.ID != "t1" || task.Title != "T" {
		t.Fatalf("task: %+v", task)
	}
	if len(task.Steps) != 1 || task.Steps[0].Block != "plan" {
		t.Fatalf("steps: %+v", task.Steps)
	}
	actions := task.Steps[0].Actions
	if len(actions) != 1 || actions[0].Kind != "note" {
		t.Fatalf("actions: %+v", actions)
	}
	if got := actions[0].Params["text"]; got != "hi" {
		t.Fatalf("params.text: %v", got)
	}
}

func TestParse_CommentsAndBlanksIgnored(t *testing.T) {
	src := "\n# leading comment\n\nAUTOAPPDEV_PIPELINE 1\n# mid comment\n" +
		`TASK {"id":"t1","title":"T"}` + "\n\n" +
		`STEP {"id":"s1","title":"S","block":"work"}` + "\n"
	ir, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if len(ir.Tasks) != 1 || len(ir.Tasks[0].Steps) != 1 {
		t.Fatalf("unexpected ir: %+v", ir)
	}
}

func TestParse_BOMStripped(t *testing.T) {
	src := "\uFEFFAUTOAPPDEV_PIPELINE 1\n" + `TASK {"id":"t1","title":"T"}` + "\n"
	if _, err := Parse(src); err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		wantCode string
		wantLine int
	}{
		{"empty input", "", "missing_header", 1},
		{"comments only", "# nothing here\n", "missing_header", 1},
		{"wrong header", "AUTOAPPDEV_PIPELINE 2\n", "invalid_header", 1},
		{"header after comment carries its line", "# c\nAUTOAPPDEV_PIPELINE 9\n", "invalid_header", 2},
		{"no statements", "AUTOAPPDEV_PIPELINE 1\n", "missing_task", 1},
		{"bare keyword", "AUTOAPPDEV_PIPELINE 1\nTASK\n", "invalid_statement", 2},
		{"unknown keyword", "AUTOAPPDEV_PIPELINE 1\nFOO {}\n", "unknown_keyword", 2},
		{"bad json", "AUTOAPPDEV_PIPELINE 1\nTASK {nope}\n", "invalid_json", 2},
		{"json not object", "AUTOAPPDEV_PIPELINE 1\nTASK [1]\n", "invalid_json_object", 2},
		{"task missing title", "AUTOAPPDEV_PIPELINE 1\nTASK {\"id\":\"t\"}\n", "missing_or_invalid_field", 2},
		{"step outside task", "AUTOAPPDEV_PIPELINE 1\nSTEP {\"id\":\"s\",\"title\":\"S\",\"block\":\"plan\"}\n", "step_before_task", 2},
		{
			"action outside step",
			"AUTOAPPDEV_PIPELINE 1\nTASK {\"id\":\"t\",\"title\":\"T\"}\nACTION {\"id\":\"a\",\"kind\":\"note\"}\n",
			"action_before_step", 3,
		},
		{
			"bad block",
			"AUTOAPPDEV_PIPELINE 1\nTASK {\"id\":\"t\",\"title\":\"T\"}\nSTEP {\"id\":\"s\",\"title\":\"S\",\"block\":\"deploy\"}\n",
			"invalid_block", 3,
		},
		{
			"duplicate task id",
			"AUTOAPPDEV_PIPELINE 1\nTASK {\"id\":\"t\",\"title\":\"T\"}\nTASK {\"id\":\"t\",\"title\":\"T2\"}\n",
			"duplicate_id", 3,
		},
		{
			"duplicate step id",
			"AUTOAPPDEV_PIPELINE 1\n" +
				"TASK {\"id\":\"t\",\"title\":\"T\"}\n" +
				"STEP {\"id\":\"s\",\"title\":\"S\",\"block\":\"plan\"}\n" +
				"STEP {\"id\":\"s\",\"title\":\"S2\",\"block\":\"work\"}\n",
			"duplicate_id", 4,
		},
		{
			"meta not object",
			"AUTOAPPDEV_PIPELINE 1\nTASK {\"id\":\"t\",\"title\":\"T\",\"meta\":3}\n",
			"missing_or_invalid_field", 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.src)
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("want ParseError, got %v", err)
			}
			if pe.Code != tt.wantCode {
				t.Fatalf("code: got %q want %q (%s)", pe.Code, tt.wantCode, pe.Detail)
			}
			if pe.Line != tt.wantLine {
				t.Fatalf("line: got %d want %d", pe.Line, tt.wantLine)
			}
		})
	}
}

func TestParse_DuplicateStepIDAllowedAcrossTasks(t *testing.T) {
	src := "AUTOAPPDEV_PIPELINE 1\n" +
		`TASK {"id":"t1","title":"A"}` + "\n" +
		`STEP {"id":"s1","title":"S","block":"plan"}` + "\n" +
		`TASK {"id":"t2","title":"B"}` + "\n" +
		`STEP {"id":"s1","title":"S","block":"plan"}` + "\n"
	if _, err := Parse(src); err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
}

func TestFormat_ParseRoundTrip(t *testing.T) {
	src := "AUTOAPPDEV_PIPELINE 1\n" +
		`TASK {"id":"t1","title":"Build","meta":{"acceptance":"all green"}}` + "\n" +
		`STEP {"id":"s1","title":"Plan it","block":"plan"}` + "\n" +
		`ACTION {"id":"a1","kind":"note","params":{"text":"hi"}}` + "\n" +
		`STEP {"id":"s2","title":"Verify","block":"debug","meta":{"conditional":"have_tests"}}` + "\n" +
		`ACTION {"id":"a1","kind":"run","params":{"cmd":"make test"}}` + "\n" +
		`ACTION {"id":"a2","kind":"codex_exec","params":{"prompt":"fix it","reasoning":"low"}}` + "\n"
	ir, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	text, err := Format(ir)
	if err != nil {
		t.Fatalf("Format() error: %v", err)
	}
	again, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse(Format()) error: %v\ntext:\n%s", err, text)
	}
	if !reflect.DeepEqual(ir, again) {
		t.Fatalf("round trip diverged:\nfirst:  %+v\nsecond: %+v", ir, again)
	}
}

func TestImportShell_RoundTrip(t *testing.T) {
	shell := "#!/usr/bin/env bash\n" +
		"# AAPS: AUTOAPPDEV_PIPELINE 1\n" +
		"set -euo pipefail\n" +
		"  #  AAPS:  TASK {\"id\":\"t1\",\"title\":\"T\"}\n" +
		"echo not an annotation\n" +
		"# AAPS: STEP {\"id\":\"s1\",\"title\":\"S\",\"block\":\"plan\"}\n"
	res, err := ImportShell(shell)
	if err != nil {
		t.Fatalf("ImportShell() error: %v", err)
	}
	want := "AUTOAPPDEV_PIPELINE 1\n" +
		"TASK {\"id\":\"t1\",\"title\":\"T\"}\n" +
		"STEP {\"id\":\"s1\",\"title\":\"S\",\"block\":\"plan\"}"
	if res.AAPSText != want {
		t.Fatalf("aaps_text:\ngot  %q\nwant %q", res.AAPSText, want)
	}
	if len(res.IR.Tasks) != 1 || len(res.IR.Tasks[0].Steps) != 1 {
		t.Fatalf("ir: %+v", res.IR)
	}
}

func TestImportShell_ErrorMapsToShellLine(t *testing.T) {
	shell := "#!/usr/bin/env bash\n" +
		"# AAPS: AUTOAPPDEV_PIPELINE 1\n" +
		"echo filler\n" +
		"echo filler\n" +
		"# AAPS: STEP {\"id\":\"s1\",\"title\":\"S\",\"block\":\"plan\"}\n"
	_, err := ImportShell(shell)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("want ParseError, got %v", err)
	}
	if pe.Code != "step_before_task" {
		t.Fatalf("code: %q", pe.Code)
	}
	// AAPS line 2 lives on shell line 5.
	if pe.Line != 5 {
		t.Fatalf("line: got %d want 5", pe.Line)
	}
}

func TestImportShell_MissingAnnotations(t *testing.T) {
	_, err := ImportShell("#!/usr/bin/env bash\necho hi\n")
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("want ParseError, got %v", err)
	}
	if pe.Code != "missing_annotations" || pe.Line != 1 {
		t.Fatalf("got %q line %d", pe.Code, pe.Line)
	}
}

func TestValidateIRDocument(t *testing.T) {
	good := []byte(`{"kind":"autoappdev_ir","version":1,"tasks":[{"id":"t","title":"T","steps":[]}]}`)
	ir, err := ValidateIRDocument(good)
	if err != nil {
		t.Fatalf("ValidateIRDocument() error: %v", err)
	}
	if ir.Tasks[0].ID != "t" {
		t.Fatalf("ir: %+v", ir)
	}

	bad := [][]byte{
		[]byte(`{"kind":"other","version":1,"tasks":[]}`),
		[]byte(`{"kind":"autoappdev_ir","version":2,"tasks":[]}`),
		[]byte(`{"kind":"autoappdev_ir","version":1,"tasks":[]}`),
		[]byte(`{"kind":"autoappdev_ir","version":1,"tasks":[{"id":"t","title":"T","steps":[{"id":"s","title":"S","block":"deploy","actions":[]}]}]}`),
		[]byte(`[]`),
	}
	for i, raw := range bad {
		if _, err := ValidateIRDocument(raw); err == nil {
			t.Fatalf("case %d: want error", i)
		}
	}
}
