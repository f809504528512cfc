// Package progress extracts progress percentages from engine output
// and classifies finished runs. The engine's exit codes are unreliable,
// so classification is content-first: known failure signatures in the
// log decide the outcome before the exit code is even looked at.
package progress

import (
	"regexp"
	"strconv"
	"strings"
)

// The engine reports progress as "当前进度: NN % - step description".
var progressPattern = regexp.MustCompile(`当前进度:\s*(\d+)\s*%\s*-\s*(.+)`)

// ParseProgress extracts a percentage and step label from one output
// line. Lines without a recognizable marker report ok=false and leave
// progress untouched.
func ParseProgress(line string) (int, string, bool) {
	if match := progressPattern.FindStringSubmatch(line); match != nil {
		pct, err := strconv.Atoi(match[1])
		if err != nil || pct < 0 || pct > 100 {
			return 0, "", false
		}
		return pct, strings.TrimSpace(match[2]), true
	}

	// Completion sometimes arrives in a shortened form.
	if strings.Contains(line, "完成") && strings.Contains(line, "100") {
		return 100, "完成", true
	}

	return 0, "", false
}

// FailureRule maps one known failure signature to a description used
// when the signature itself captures no message text.
type FailureRule struct {
	Pattern     *regexp.Regexp
	Description string
}

// failureRules is evaluated in order over the complete log; the first
// match wins. The localized phrases are exact signatures the engine
// emits, the bare ERROR/FAILED entries are the blunt fallback the
// engine's own tooling uses.
var failureRules = []FailureRule{
	{regexp.MustCompile(`/\*+错误\*+/`), "engine error block detected"},
	{regexp.MustCompile(`错误[:：]\s*(.+)`), "engine error"},
	{regexp.MustCompile(`(?i)Error[:：]\s*(.+)`), "engine error"},
	{regexp.MustCompile(`失败[:：]\s*(.+)`), "engine failure"},
	{regexp.MustCompile(`(?i)Failed[:：]\s*(.+)`), "engine failure"},
	{regexp.MustCompile(`以下特征遇到问题`), "features encountered problems"},
	{regexp.MustCompile(`未定义.*所需的材料属性`), "required material property is not defined"},
	{regexp.MustCompile(`(?i)\bERROR\b`), "error marker in engine output"},
	{regexp.MustCompile(`(?i)\bFAILED\b`), "failure marker in engine output"},
}

// successPattern: a run that reached 100% and reported completion.
var successPattern = regexp.MustCompile(`当前进度:\s*100\s*%\s*-\s*完成`)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Outcome is the result of terminal classification. Ambiguous marks
// runs decided purely by exit code, flagged for operator review.
type Outcome struct {
	Status       Status
	ErrorMessage string
	Ambiguous    bool
}

// Classify runs the content-first terminal classification over the
// complete log:
//  1. any known failure signature ⇒ failed, whatever the exit code;
//  2. else a success marker ⇒ completed;
//  3. else fall back to the exit code and flag the result ambiguous.
// A truncated log with neither marker can therefore never resolve to a
// confident completed.
func Classify(log string, exitCode int) Outcome {
	for _, rule := range failureRules {
		if loc := rule.Pattern.FindStringIndex(log); loc != nil {
			return Outcome{
				Status:       StatusFailed,
				ErrorMessage: failureContext(log, rule, loc),
			}
		}
	}

	if successPattern.MatchString(log) {
		return Outcome{Status: StatusCompleted}
	}

	if exitCode != 0 {
		return Outcome{
			Status:       StatusFailed,
			ErrorMessage: "engine exited with code " + strconv.Itoa(exitCode),
			Ambiguous:    true,
		}
	}

	return Outcome{Status: StatusCompleted, Ambiguous: true}
}

// failureContext prefers the signature's captured message, then the
// full line containing the match, then the rule description.
func failureContext(log string, rule FailureRule, loc []int) string {
	if match := rule.Pattern.FindStringSubmatch(log[loc[0]:]); len(match) > 1 && strings.TrimSpace(match[1]) != "" {
		return trimToLine(match[1])
	}

	lineStart := strings.LastIndexByte(log[:loc[0]], '\n') + 1
	lineEnd := strings.IndexByte(log[loc[0]:], '\n')
	if lineEnd < 0 {
		lineEnd = len(log)
	} else {
		lineEnd += loc[0]
	}

	if line := strings.TrimSpace(log[lineStart:lineEnd]); line != "" {
		return line
	}
	return rule.Description
}

func trimToLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
