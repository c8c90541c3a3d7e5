package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func sampleReport() Report {
	return Report{
		ProjectID:   "prj_1",
		ProjectName: "Rate Limiter",
		Language:    "go",
		VersionID:   "ver_3",
		VersionSeq:  3,
		Author:      "ada",
		CreatedAt:   time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC),
		Code:        "package main\n\nfunc main() {\n\tif x < 1 {}\n}",
		Active: []Comment{
			{Line: 3, EndLine: 4, Author: "grace", Body: "check <bounds>", OriginalCode: "func main() {", CreatedOnSeq: 2},
		},
		ResolvedElsewhere: []Comment{
			{Line: 1, Author: "linus", Body: "old nit", CreatedOnSeq: 1, ResolvedOnSeq: 2},
		},
	}
}

type fakeUploader struct {
	key  string
	mime string
	data []byte
	err  error
}

func (f *fakeUploader) Put(_ context.Context, key, contentType string, data []byte) (string, error) {
	f.key, f.mime, f.data = key, contentType, data
	if f.err != nil {
		return "", f.err
	}
	return "https://blob.local/" + key, nil
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"Rate Limiter v1.2", "Rate-Limiter-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "report"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},
		{"test+sign", "test%2Bsign"},
		{"special<>", "special%3C%3E"},
		{"normal-text.txt", "normal-text.txt"},
		{"é", "%C3%A9"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := percentEncodeForDataURL(tt.input)
			if result != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	if f, ok := ParseFormat(""); !ok || f != FormatPDF {
		t.Fatalf("blank format = %q, %v", f, ok)
	}
	if f, ok := ParseFormat("html"); !ok || f != FormatHTML {
		t.Fatalf("html format = %q, %v", f, ok)
	}
	if _, ok := ParseFormat("docx"); ok {
		t.Fatal("docx should be rejected")
	}
}

func TestRenderReportHTML(t *testing.T) {
	html, err := RenderReportHTML(sampleReport())
	if err != nil {
		t.Fatalf("RenderReportHTML() error = %v", err)
	}

	for _, want := range []string{"Rate Limiter", "version 3", "lines 3-4", "Open comments (1)", "Resolved in earlier versions (1)", "resolved in version 2"} {
		if !strings.Contains(html, want) {
			t.Errorf("HTML missing %q", want)
		}
	}
	if strings.Contains(html, "check <bounds>") {
		t.Error("comment body must be escaped")
	}
	if !strings.Contains(html, "check &lt;bounds&gt;") {
		t.Error("expected escaped comment body")
	}
	if got := strings.Count(html, `class="commented"`); got != 2 {
		t.Errorf("expected 2 highlighted lines, got %d", got)
	}
}

func TestRenderReportHTMLWithoutComments(t *testing.T) {
	r := sampleReport()
	r.Active = nil
	r.ResolvedElsewhere = nil
	html, err := RenderReportHTML(r)
	if err != nil {
		t.Fatalf("RenderReportHTML() error = %v", err)
	}
	if !strings.Contains(html, "No open comments") {
		t.Error("expected empty-state message")
	}
	if strings.Contains(html, "Resolved in earlier versions") {
		t.Error("resolved section should be omitted")
	}
}

func TestExportHTMLUploadsReport(t *testing.T) {
	up := &fakeUploader{}
	svc := NewService(up, nil)
	svc.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	res, err := svc.Export(context.Background(), sampleReport(), FormatHTML)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if res.Filename != "Rate-Limiter-v3.html" || !strings.HasPrefix(res.MimeType, "text/html") {
		t.Fatalf("unexpected result %+v", res)
	}
	if up.key != "reports/prj_1/v3/20260102T030405Z-Rate-Limiter-v3.html" {
		t.Fatalf("unexpected key %q", up.key)
	}
	if res.URL != "https://blob.local/"+up.key {
		t.Fatalf("unexpected url %q", res.URL)
	}
}

func TestExportKeepsInlineReportWhenUploadFails(t *testing.T) {
	svc := NewService(&fakeUploader{err: errors.New("bucket gone")}, nil)
	res, err := svc.Export(context.Background(), sampleReport(), FormatHTML)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if res.URL != "" || len(res.Data) == 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExportPDFUsesRenderer(t *testing.T) {
	svc := NewService(nil, nil)
	var gotHTML string
	svc.renderPDF = func(_ context.Context, html string) ([]byte, error) {
		gotHTML = html
		return []byte("%PDF-1.4"), nil
	}
	res, err := svc.Export(context.Background(), sampleReport(), FormatPDF)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if res.MimeType != "application/pdf" || string(res.Data) != "%PDF-1.4" || res.Filename != "Rate-Limiter-v3.pdf" {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.Contains(gotHTML, "Rate Limiter") {
		t.Fatal("renderer did not receive report HTML")
	}
}

func TestExportPropagatesMissingChromium(t *testing.T) {
	svc := NewService(nil, nil)
	svc.renderPDF = func(context.Context, string) ([]byte, error) {
		return nil, ErrPDFDependencyMissing
	}
	if _, err := svc.Export(context.Background(), sampleReport(), FormatPDF); !errors.Is(err, ErrPDFDependencyMissing) {
		t.Fatalf("expected ErrPDFDependencyMissing, got %v", err)
	}
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	if _, err := NewService(nil, nil).Export(context.Background(), sampleReport(), Format("docx")); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
