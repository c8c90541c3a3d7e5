package collab

import (
	"strings"

	"postwork/api/internal/apperr"
	"postwork/api/internal/util"
)

// Edit replaces Delete runes at rune offset Pos with Insert.
type Edit struct {
	Pos    int    `json:"pos"`
	Delete int    `json:"delete"`
	Insert string `json:"insert"`
}

type anchor struct {
	start int
	end   int
}

// Document is the live text of a room together with the anchors placed in it.
// It is not safe for concurrent use; the owning room serializes access.
type Document struct {
	text    []rune
	anchors map[string]*anchor
}

func NewDocument(text string) *Document {
	return &Document{
		text:    []rune(text),
		anchors: map[string]*anchor{},
	}
}

func (d *Document) clone() *Document {
	out := &Document{
		text:    append([]rune(nil), d.text...),
		anchors: make(map[string]*anchor, len(d.anchors)),
	}
	for token, a := range d.anchors {
		out.anchors[token] = &anchor{start: a.start, end: a.end}
	}
	return out
}

func (d *Document) Text() string {
	return string(d.text)
}

func (d *Document) Len() int {
	return len(d.text)
}

func (d *Document) LineCount() int {
	n := 1
	for _, r := range d.text {
		if r == '\n' {
			n++
		}
	}
	return n
}

// Apply mutates the text and moves every anchor with it. Text inserted exactly
// at a range's start pushes the range down; text inserted at its end stays
// outside. A deleted range collapses onto the deletion point.
func (d *Document) Apply(edit Edit) error {
	if edit.Pos < 0 || edit.Delete < 0 || edit.Pos > len(d.text) || edit.Delete > len(d.text)-edit.Pos {
		return apperr.WithCode(apperr.KindValidation, "INVALID_EDIT", "edit is outside the document", map[string]any{
			"pos":    edit.Pos,
			"delete": edit.Delete,
			"length": len(d.text),
		})
	}
	insert := []rune(edit.Insert)

	next := make([]rune, 0, len(d.text)-edit.Delete+len(insert))
	next = append(next, d.text[:edit.Pos]...)
	next = append(next, insert...)
	next = append(next, d.text[edit.Pos+edit.Delete:]...)
	d.text = next

	delta := len(insert) - edit.Delete
	cut := edit.Pos + edit.Delete
	for _, a := range d.anchors {
		a.start = shiftStart(a.start, edit.Pos, cut, delta)
		a.end = shiftEnd(a.end, edit.Pos, cut, delta)
		if a.end < a.start {
			a.end = a.start
		}
	}
	return nil
}

func shiftStart(p, pos, cut, delta int) int {
	switch {
	case p < pos:
		return p
	case p >= cut:
		return p + delta
	default:
		return pos
	}
}

func shiftEnd(p, pos, cut, delta int) int {
	switch {
	case p <= pos:
		return p
	case p >= cut:
		return p + delta
	default:
		return pos
	}
}

// lineStart returns the rune offset of the first rune on 1-indexed line.
func (d *Document) lineStart(line int) int {
	if line <= 1 {
		return 0
	}
	seen := 1
	for i, r := range d.text {
		if r == '\n' {
			seen++
			if seen == line {
				return i + 1
			}
		}
	}
	return len(d.text)
}

// lineEnd returns the rune offset just past the last rune on line, before its
// newline.
func (d *Document) lineEnd(line int) int {
	start := d.lineStart(line)
	for i := start; i < len(d.text); i++ {
		if d.text[i] == '\n' {
			return i
		}
	}
	return len(d.text)
}

// lineAt returns the 1-indexed line containing rune offset p.
func (d *Document) lineAt(p int) int {
	if p > len(d.text) {
		p = len(d.text)
	}
	line := 1
	for _, r := range d.text[:p] {
		if r == '\n' {
			line++
		}
	}
	return line
}

func (d *Document) clampLine(line int) int {
	if line < 1 {
		return 1
	}
	if n := d.LineCount(); line > n {
		return n
	}
	return line
}

// AddAnchor places a new anchor over the inclusive line range and returns its
// token. Lines outside the text are clamped.
func (d *Document) AddAnchor(line, endLine int) string {
	token := util.NewID("anc")
	d.PlaceAnchor(token, line, endLine)
	return token
}

// PlaceAnchor registers token over the line range, replacing any anchor
// already stored under it.
func (d *Document) PlaceAnchor(token string, line, endLine int) {
	line = d.clampLine(line)
	endLine = d.clampLine(endLine)
	if endLine < line {
		endLine = line
	}
	d.anchors[token] = &anchor{start: d.lineStart(line), end: d.lineEnd(endLine)}
}

func (d *Document) RemoveAnchor(token string) {
	delete(d.anchors, token)
}

// AnchorLines reports the current inclusive line range of token.
func (d *Document) AnchorLines(token string) (line, endLine int, ok bool) {
	a, ok := d.anchors[strings.TrimSpace(token)]
	if !ok {
		return 0, 0, false
	}
	line = d.lineAt(a.start)
	endLine = d.lineAt(a.end)
	if endLine < line {
		endLine = line
	}
	return line, endLine, true
}

func (d *Document) AnchorCount() int {
	return len(d.anchors)
}
