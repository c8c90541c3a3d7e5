package search

import "postwork/api/internal/store"

// Result is a single comment hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	ProjectID  string `json:"projectId"`
	VersionID  string `json:"versionId"`
	VersionSeq int64  `json:"versionSeq"`
	Line       int    `json:"line"`
	Author     string `json:"author"`
	Snippet    string `json:"snippet"`
	Code       string `json:"code"`
	Resolved   bool   `json:"resolved"`
}

// Query describes a search request. ProjectID is required; searches never
// cross projects.
type Query struct {
	Text            string
	ProjectID       string
	IncludeResolved bool
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Searcher can execute a comment search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID           string `json:"id"`
	ProjectID    string `json:"projectId"`
	VersionID    string `json:"versionId"`
	VersionSeq   int64  `json:"versionSeq"`
	Line         int    `json:"line"`
	Body         string `json:"body"`
	OriginalCode string `json:"originalCode"`
	AuthorName   string `json:"authorName"`
	Resolved     bool   `json:"resolved"`
}

func RecordFromComment(c store.Comment) CommentRecord {
	return CommentRecord{
		ID:           c.ID,
		ProjectID:    c.ProjectID,
		VersionID:    c.CreatedOnVersionID,
		VersionSeq:   c.CreatedOnSeq,
		Line:         c.Line,
		Body:         c.Body,
		OriginalCode: c.OriginalCode,
		AuthorName:   c.Author.Name,
		Resolved:     c.IsResolved(),
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
