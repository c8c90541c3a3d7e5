package review

import "postwork/api/internal/store"

// Visibility splits a project's comments as seen from one version. Comments
// created after the viewing version are in neither list.
type Visibility struct {
	ViewingVersionID  string
	ViewingSeq        int64
	Active            []store.Comment
	ResolvedElsewhere []store.Comment
}

// IsActive reports whether c is shown at viewing sequence v. The version a
// comment was resolved on still shows it.
func IsActive(c store.Comment, v int64) bool {
	if c.CreatedOnSeq > v {
		return false
	}
	return !c.IsResolved() || *c.ResolvedOnSeq >= v
}

func isResolvedBefore(c store.Comment, v int64) bool {
	return c.CreatedOnSeq <= v && c.IsResolved() && *c.ResolvedOnSeq < v
}

// Partition keeps the input order inside each list.
func Partition(comments []store.Comment, v int64) Visibility {
	out := Visibility{
		ViewingSeq:        v,
		Active:            make([]store.Comment, 0),
		ResolvedElsewhere: make([]store.Comment, 0),
	}
	for _, c := range comments {
		switch {
		case IsActive(c, v):
			out.Active = append(out.Active, c)
		case isResolvedBefore(c, v):
			out.ResolvedElsewhere = append(out.ResolvedElsewhere, c)
		}
	}
	return out
}

func filterActive(comments []store.Comment, v int64) []store.Comment {
	out := make([]store.Comment, 0, len(comments))
	for _, c := range comments {
		if IsActive(c, v) {
			out = append(out, c)
		}
	}
	return out
}
