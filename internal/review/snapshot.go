package review

import "strings"

// ExtractLines returns the 1-indexed inclusive line range of code joined by
// "\n". A nil endLine means a single line. The range is clamped to the text,
// so a range that lies entirely outside it yields "".
func ExtractLines(code string, line int, endLine *int) string {
	last := line
	if endLine != nil {
		last = *endLine
	}
	lines := strings.Split(code, "\n")

	start := line - 1
	if start < 0 {
		start = 0
	}
	end := last
	if end > len(lines) {
		end = len(lines)
	}
	if start >= end {
		return ""
	}
	return strings.Join(lines[start:end], "\n")
}
