package aaps

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// Parse reads AAPS v1 text into the canonical IR. Deterministic, no I/O.
// Blank lines and #-prefixed lines are comments; the first non-comment line
// must be exactly the version header. Every other non-comment line is
// KEYWORD <json-object>.
func Parse(text string) (*IR, error) {
	text = strings.TrimPrefix(text, "\ufeff")

	lines := splitLines(text)

	headerLine := ""
	headerNo := 0
	for i, raw := range lines {
		if isCommentOrBlank(raw) {
			continue
		}
		headerLine = strings.TrimSpace(raw)
		headerNo = i + 1
		break
	}
	if headerNo == 0 {
		return nil, &ParseError{Code: "missing_header", Line: 1, Detail: "expected header: " + Header}
	}
	if headerLine != Header {
		return nil, &ParseError{Code: "invalid_header", Line: headerNo, Detail: "expected header: " + Header}
	}

	ir := &IR{Kind: IRKind, Version: IRVersion, Tasks: []Task{}}

	var curTask *Task
	var curStep *Step
	seenTaskIDs := map[string]bool{}
	seenStepIDs := map[string]map[string]bool{}
	seenActionIDs := map[string]map[string]bool{}

	for i, raw := range lines {
		lineno := i + 1
		if lineno <= headerNo || isCommentOrBlank(raw) {
			continue
		}
		stripped := strings.TrimLeftFunc(raw, unicode.IsSpace)
		kw, jsonPart, ok := splitStatement(stripped)
		if !ok {
			return nil, &ParseError{Code: "invalid_statement", Line: lineno, Detail: "expected: KEYWORD <json-object>"}
		}
		if kw != "TASK" && kw != "STEP" && kw != "ACTION" {
			return nil, &ParseError{Code: "unknown_keyword", Line: lineno, Detail: "unknown keyword: " + kw}
		}
		var decoded any
		if err := json.Unmarshal([]byte(jsonPart), &decoded); err != nil {
			return nil, &ParseError{Code: "invalid_json", Line: lineno, Detail: "failed to parse JSON object: " + err.Error()}
		}
		obj, isObj := decoded.(map[string]any)
		if !isObj {
			return nil, &ParseError{Code: "invalid_json_object", Line: lineno, Detail: "statement JSON must be an object"}
		}

		switch kw {
		case "TASK":
			id, err := requireStr(obj, "id", lineno)
			if err != nil {
				return nil, err
			}
			title, err := requireStr(obj, "title", lineno)
			if err != nil {
				return nil, err
			}
			if seenTaskIDs[id] {
				return nil, &ParseError{Code: "duplicate_id", Line: lineno, Detail: "duplicate task id: " + id}
			}
			seenTaskIDs[id] = true
			meta, err := optionalObj(obj, "meta", lineno)
			if err != nil {
				return nil, err
			}
			ir.Tasks = append(ir.Tasks, Task{ID: id, Title: title, Meta: meta, Steps: []Step{}})
			curTask = &ir.Tasks[len(ir.Tasks)-1]
			curStep = nil
			seenStepIDs[id] = map[string]bool{}

		case "STEP":
			if curTask == nil {
				return nil, &ParseError{Code: "step_before_task", Line: lineno, Detail: "STEP must appear after a TASK"}
			}
			id, err := requireStr(obj, "id", lineno)
			if err != nil {
				return nil, err
			}
			title, err := requireStr(obj, "title", lineno)
			if err != nil {
				return nil, err
			}
			block, err := requireStr(obj, "block", lineno)
			if err != nil {
				return nil, err
			}
			if !allowedBlocks[block] {
				return nil, &ParseError{Code: "invalid_block", Line: lineno, Detail: "unknown STEP.block: " + block}
			}
			if seenStepIDs[curTask.ID][id] {
				return nil, &ParseError{Code: "duplicate_id", Line: lineno, Detail: fmt.Sprintf("duplicate step id in task %s: %s", curTask.ID, id)}
			}
			seenStepIDs[curTask.ID][id] = true
			meta, err := optionalObj(obj, "meta", lineno)
			if err != nil {
				return nil, err
			}
			curTask.Steps = append(curTask.Steps, Step{ID: id, Title: title, Block: block, Meta: meta, Actions: []Action{}})
			curStep = &curTask.Steps[len(curTask.Steps)-1]
			seenActionIDs[curTask.ID+"\x00"+id] = map[string]bool{}

		case "ACTION":
			if curStep == nil || curTask == nil {
				return nil, &ParseError{Code: "action_before_step", Line: lineno, Detail: "ACTION must appear after a STEP"}
			}
			id, err := requireStr(obj, "id", lineno)
			if err != nil {
				return nil, err
			}
			kind, err := requireStr(obj, "kind", lineno)
			if err != nil {
				return nil, err
			}
			params, err := optionalObj(obj, "params", lineno)
			if err != nil {
				return nil, err
			}
			meta, err := optionalObj(obj, "meta", lineno)
			if err != nil {
				return nil, err
			}
			key := curTask.ID + "\x00" + curStep.ID
			if seenActionIDs[key][id] {
				return nil, &ParseError{Code: "duplicate_id", Line: lineno, Detail: fmt.Sprintf("duplicate action id in step %s: %s", curStep.ID, id)}
			}
			seenActionIDs[key][id] = true
			curStep.Actions = append(curStep.Actions, Action{ID: id, Kind: kind, Params: params, Meta: meta})
		}
	}

	if len(ir.Tasks) == 0 {
		return nil, &ParseError{Code: "missing_task", Line: headerNo, Detail: "expected at least one TASK"}
	}
	return ir, nil
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.TrimSuffix(text, "\n")
	return strings.Split(text, "\n")
}

func isCommentOrBlank(line string) bool {
	s := strings.TrimSpace(line)
	return s == "" || strings.HasPrefix(s, "#")
}

// splitStatement separates the keyword from the JSON remainder on the first
// whitespace run.
func splitStatement(stripped string) (kw, jsonPart string, ok bool) {
	idx := strings.IndexFunc(stripped, unicode.IsSpace)
	if idx < 0 {
		return "", "", false
	}
	kw = stripped[:idx]
	jsonPart = strings.TrimSpace(stripped[idx:])
	if jsonPart == "" {
		return "", "", false
	}
	return kw, jsonPart, true
}

func requireStr(obj map[string]any, key string, line int) (string, error) {
	v, _ := obj[key].(string)
	if strings.TrimSpace(v) == "" {
		return "", &ParseError{Code: "missing_or_invalid_field", Line: line, Detail: key + " must be a non-empty string"}
	}
	return v, nil
}

func optionalObj(obj map[string]any, key string, line int) (map[string]any, error) {
	v, present := obj[key]
	if !present || v == nil {
		return nil, nil
	}
	m, isObj := v.(map[string]any)
	if !isObj {
		return nil, &ParseError{Code: "missing_or_invalid_field", Line: line, Detail: key + " must be an object"}
	}
	return m, nil
}
