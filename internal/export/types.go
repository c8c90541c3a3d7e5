// Package export renders review reports for a code version as HTML or PDF.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatHTML Format = "html"
)

// ParseFormat maps a request value to a Format. Blank means PDF.
func ParseFormat(raw string) (Format, bool) {
	switch Format(raw) {
	case "", FormatPDF:
		return FormatPDF, true
	case FormatHTML:
		return FormatHTML, true
	default:
		return "", false
	}
}

// Report is one version of a project together with the comments visible on it.
type Report struct {
	ProjectID         string
	ProjectName       string
	Language          string
	VersionID         string
	VersionSeq        int64
	Author            string
	CreatedAt         time.Time
	Code              string
	Active            []Comment
	ResolvedElsewhere []Comment
}

// Comment is a comment as printed in the report.
type Comment struct {
	Line          int
	EndLine       int
	Author        string
	Body          string
	OriginalCode  string
	CreatedOnSeq  int64
	ResolvedOnSeq int64 // 0 when unresolved
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
	URL      string // presigned download link when the report was uploaded
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
