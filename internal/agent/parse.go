package agent

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	stepPrefix  = regexp.MustCompile(`Step\s*\d+:\s*`)
	pythonFence = regexp.MustCompile("(?s)```python(.*?)(?:```|$)")
)

// ParsePlan splits planner output on "Step i:" prefixes. A trailing step that
// only asks for comments, documentation or optional work is dropped.
func ParsePlan(text string) []string {
	bounds := stepPrefix.FindAllStringIndex(text, -1)
	steps := make([]string, 0, len(bounds))
	for i, b := range bounds {
		end := len(text)
		if i+1 < len(bounds) {
			end = bounds[i+1][0]
		}
		steps = append(steps, strings.TrimSpace(text[b[1]:end]))
	}
	if n := len(steps); n > 0 {
		last := strings.ToLower(steps[n-1])
		if strings.Contains(last, "comment") || strings.Contains(last, "document") || strings.Contains(last, "optional") {
			steps = steps[:n-1]
		}
	}
	return steps
}

// ExtractCode returns the body of the first ```python fence, or the reply
// untouched when it has none.
func ExtractCode(reply string) string {
	if !strings.Contains(reply, "```python") {
		return reply
	}
	match := pythonFence.FindStringSubmatch(reply)
	if match == nil {
		return reply
	}
	return strings.TrimSpace(match[1])
}

// stepHeader renders "Step i: description" as a comment block.
func stepHeader(index int, description string) string {
	lines := strings.Split(fmt.Sprintf("Step %d: %s", index, description), "\n")
	for i, line := range lines {
		lines[i] = "# " + line
	}
	return strings.Join(lines, "\n")
}
