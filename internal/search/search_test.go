package search

import (
	"encoding/json"
	"errors"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"

	"postwork/api/internal/logger"
	"postwork/api/internal/store"
)

type fakeSearcher struct {
	healthy bool
	results []Result
	total   int
	err     error
	calls   int
	last    Query
}

func (f *fakeSearcher) Search(q Query) ([]Result, int, error) {
	f.calls++
	f.last = q
	return f.results, f.total, f.err
}

func (f *fakeSearcher) Healthy() bool { return f.healthy }

func TestServiceSearchPrefersPrimary(t *testing.T) {
	primary := &fakeSearcher{healthy: true, results: []Result{{ID: "cmt_1"}}, total: 1}
	fallback := &fakeSearcher{healthy: true}
	svc := &Service{primary: primary, fallback: fallback, log: logger.Nop()}

	resp := svc.Search(Query{Text: "nil check", ProjectID: "prj_1"})
	if resp.Backend != "meilisearch" || resp.Total != 1 || len(resp.Results) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback should not be called, got %d calls", fallback.calls)
	}
}

func TestServiceSearchFallsBackOnError(t *testing.T) {
	primary := &fakeSearcher{healthy: true, err: errors.New("boom")}
	fallback := &fakeSearcher{healthy: true, results: []Result{{ID: "cmt_2"}}, total: 1}
	svc := &Service{primary: primary, fallback: fallback, log: logger.Nop()}

	resp := svc.Search(Query{Text: "x", ProjectID: "prj_1"})
	if resp.Backend != "postgres" || len(resp.Results) != 1 || resp.Results[0].ID != "cmt_2" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if fallback.last.ProjectID != "prj_1" {
		t.Fatalf("fallback lost project scope: %+v", fallback.last)
	}
}

func TestServiceSearchSkipsUnhealthyPrimary(t *testing.T) {
	primary := &fakeSearcher{healthy: false}
	fallback := &fakeSearcher{healthy: true}
	svc := &Service{primary: primary, fallback: fallback, log: logger.Nop()}

	resp := svc.Search(Query{Text: "x", ProjectID: "prj_1"})
	if primary.calls != 0 {
		t.Fatalf("unhealthy primary was queried")
	}
	if resp.Results == nil {
		t.Fatalf("results must be non-nil")
	}
}

func TestServiceSearchRequiresProject(t *testing.T) {
	primary := &fakeSearcher{healthy: true}
	svc := &Service{primary: primary, log: logger.Nop()}

	resp := svc.Search(Query{Text: "x"})
	if primary.calls != 0 || len(resp.Results) != 0 || resp.Backend != "" {
		t.Fatalf("expected empty response without project, got %+v", resp)
	}
}

func TestCommentFilterScopesProjectAndResolution(t *testing.T) {
	filters := commentFilter(Query{ProjectID: "prj_1"})
	if len(filters) != 2 || filters[0] != `projectId = "prj_1"` || filters[1] != "resolved = false" {
		t.Fatalf("unexpected filters %v", filters)
	}
	filters = commentFilter(Query{ProjectID: "prj_1", IncludeResolved: true})
	if len(filters) != 1 {
		t.Fatalf("resolved filter should be dropped, got %v", filters)
	}
}

func TestHitToResultPrefersFormattedBody(t *testing.T) {
	hit := meili.Hit{
		"id":           json.RawMessage(`"cmt_1"`),
		"projectId":    json.RawMessage(`"prj_1"`),
		"versionId":    json.RawMessage(`"ver_1"`),
		"versionSeq":   json.RawMessage(`3`),
		"line":         json.RawMessage(`12`),
		"authorName":   json.RawMessage(`"ada"`),
		"body":         json.RawMessage(`"check the nil case"`),
		"originalCode": json.RawMessage(`"if x == nil {"`),
		"resolved":     json.RawMessage(`true`),
		"_formatted":   json.RawMessage(`{"body":"check the <mark>nil</mark> case","line":"12"}`),
	}
	r := hitToResult(hit)
	if r.ID != "cmt_1" || r.VersionSeq != 3 || r.Line != 12 || !r.Resolved {
		t.Fatalf("unexpected result %+v", r)
	}
	if r.Snippet != "check the <mark>nil</mark> case" {
		t.Fatalf("expected highlighted snippet, got %q", r.Snippet)
	}
	if r.Code != "if x == nil {" || r.Author != "ada" {
		t.Fatalf("unexpected code/author %+v", r)
	}
}

func TestHitToResultFallsBackToRawBody(t *testing.T) {
	hit := meili.Hit{
		"id":   json.RawMessage(`"cmt_1"`),
		"body": json.RawMessage(`"plain"`),
	}
	if r := hitToResult(hit); r.Snippet != "plain" {
		t.Fatalf("expected raw body snippet, got %q", r.Snippet)
	}
}

func TestRecordFromComment(t *testing.T) {
	vid := "ver_2"
	seq := int64(2)
	c := store.Comment{
		ID:                  "cmt_1",
		ProjectID:           "prj_1",
		CreatedOnVersionID:  "ver_1",
		CreatedOnSeq:        1,
		Line:                4,
		Body:                "rename this",
		OriginalCode:        "var x int",
		Author:              store.UserRef{Name: "ada"},
		ResolvedOnVersionID: &vid,
		ResolvedOnSeq:       &seq,
	}
	r := RecordFromComment(c)
	if r.VersionID != "ver_1" || r.VersionSeq != 1 || r.AuthorName != "ada" || !r.Resolved {
		t.Fatalf("unexpected record %+v", r)
	}
}

func TestNormalizeLimit(t *testing.T) {
	cases := map[int]int{0: 20, -1: 20, 5: 5, 100: 100, 500: 100}
	for in, want := range cases {
		if got := normalizeLimit(in); got != want {
			t.Fatalf("normalizeLimit(%d) = %d, want %d", in, got, want)
		}
	}
}
