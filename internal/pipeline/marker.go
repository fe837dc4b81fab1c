package pipeline

import (
	"fmt"
	"strings"
)

// Marker returns the boundary comment that opens step index in synthesis
// output, e.g. "# Step 2:".
func Marker(index int) string {
	return fmt.Sprintf("# Step %d:", index)
}

// ExtractDelta isolates the code attributable to step index. The delta runs
// from the step's marker (inclusive) to the next step's marker (exclusive) or
// end of output, trimmed. Output without the step's marker is returned as is.
//
// Marker-like text inside the code itself is indistinguishable from a real
// boundary; engines should avoid emitting it.
func ExtractDelta(index int, raw string) string {
	marker := Marker(index)
	start := strings.Index(raw, marker)
	if start < 0 {
		return raw
	}
	section := raw[start:]
	if end := strings.Index(section[len(marker):], Marker(index+1)); end >= 0 {
		section = section[:len(marker)+end]
	}
	return strings.TrimSpace(section)
}

// Accumulate appends delta to artifact separated by a blank line.
func Accumulate(artifact, delta string) string {
	if artifact == "" {
		return delta
	}
	return artifact + "\n\n" + delta
}
