package aaps

import (
	"errors"
	"regexp"
	"strings"
)

var aapsLineRe = regexp.MustCompile(`^\s*#\s*AAPS:\s*(.*)$`)

// ImportResult carries the extracted annotation text alongside the parsed IR.
type ImportResult struct {
	AAPSText string   `json:"aaps_text"`
	IR       *IR      `json:"ir"`
	Warnings []string `json:"warnings"`
}

// ExtractShellAnnotations collects the `# AAPS:` comment lines from a shell
// script. lineMap[i] is the 1-based shell line holding AAPS line i+1, used
// to translate parse errors back to the source file.
func ExtractShellAnnotations(shellText string) (aapsText string, lineMap []int, err error) {
	shellText = strings.TrimPrefix(shellText, "\ufeff")

	var captured []string
	for i, raw := range splitLines(shellText) {
		m := aapsLineRe.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		captured = append(captured, m[1])
		lineMap = append(lineMap, i+1)
	}
	if len(lineMap) == 0 {
		return "", nil, &ParseError{Code: "missing_annotations", Line: 1, Detail: `expected at least one "# AAPS:" annotation line`}
	}
	return strings.Join(captured, "\n"), lineMap, nil
}

// ImportShell parses the AAPS statements embedded in an annotated shell
// script. Never executes anything; non-annotation lines are ignored. Parse
// errors are re-addressed to the original shell line.
func ImportShell(shellText string) (*ImportResult, error) {
	aapsText, lineMap, err := ExtractShellAnnotations(shellText)
	if err != nil {
		return nil, err
	}
	ir, err := Parse(aapsText)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			shellLine := lineMap[0]
			if pe.Line >= 1 && pe.Line <= len(lineMap) {
				shellLine = lineMap[pe.Line-1]
			}
			return nil, &ParseError{Code: pe.Code, Line: shellLine, Detail: pe.Detail}
		}
		return nil, err
	}
	return &ImportResult{AAPSText: aapsText, IR: ir, Warnings: []string{}}, nil
}
