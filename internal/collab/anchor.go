package collab

import "postwork/api/internal/store"

// AnchorPosition is where a comment renders in a live room. Anchored is false
// when the position fell back to the stored line range.
type AnchorPosition struct {
	CommentID string `json:"commentId"`
	Line      int    `json:"line"`
	EndLine   int    `json:"endLine"`
	Anchored  bool   `json:"anchored"`
}

// Anchor places a new anchor in the room live under exactly (projectID,
// versionID). Lines are those of the stored version, so ok is false when no
// such room is open or its text has drifted from the version.
func (r *Registry) Anchor(projectID, versionID string, line, endLine int) (string, bool) {
	room := r.exact(RoomKey{ProjectID: projectID, VersionID: versionID})
	if room == nil {
		return "", false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed || room.doc.Text() != room.base.Code {
		return "", false
	}
	return room.doc.AddAnchor(line, endLine), true
}

func (r *Registry) ReleaseAnchor(projectID, versionID, token string) {
	room := r.lookup(RoomKey{ProjectID: projectID, VersionID: versionID})
	if room == nil {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	room.doc.RemoveAnchor(token)
}

// Translate maps comments into the position space of the room live under
// exactly key. A room that a commit moved to a newer version no longer speaks
// for key. Comments whose anchor the room does not hold, or every comment when
// no room is live, fall back to their stored lines clamped to the room text
// or, with no room, to fallbackText.
func (r *Registry) Translate(key RoomKey, comments []store.Comment, fallbackText string) []AnchorPosition {
	out := make([]AnchorPosition, 0, len(comments))

	room := r.exact(key)
	var doc *Document
	if room != nil {
		room.mu.Lock()
		defer room.mu.Unlock()
		if !room.closed {
			doc = room.doc
		}
	}
	if doc == nil {
		doc = NewDocument(fallbackText)
	}

	for _, c := range comments {
		pos := AnchorPosition{CommentID: c.ID}
		if c.LiveAnchor != nil {
			if line, endLine, ok := doc.AnchorLines(*c.LiveAnchor); ok {
				pos.Line, pos.EndLine, pos.Anchored = line, endLine, true
				out = append(out, pos)
				continue
			}
		}
		pos.Line = doc.clampLine(c.Line)
		pos.EndLine = doc.clampLine(c.LastLine())
		if pos.EndLine < pos.Line {
			pos.EndLine = pos.Line
		}
		out = append(out, pos)
	}
	return out
}
