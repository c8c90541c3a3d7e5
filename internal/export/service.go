package export

import (
	"context"
	"fmt"
	"time"

	"postwork/api/internal/blob"
	"postwork/api/internal/logger"
)

// Uploader stores a rendered report and returns a download link.
type Uploader interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// Service renders review reports and optionally uploads them.
type Service struct {
	uploader  Uploader
	renderPDF func(ctx context.Context, html string) ([]byte, error)
	now       func() time.Time
	log       *logger.Logger
}

// NewService creates an export service. uploader may be nil, in which case
// reports are only returned inline.
func NewService(uploader Uploader, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		uploader:  uploader,
		renderPDF: renderPDF,
		now:       time.Now,
		log:       log.Component("export"),
	}
}

// Export renders the report in the requested format.
func (s *Service) Export(ctx context.Context, report Report, format Format) (*Result, error) {
	html, err := RenderReportHTML(report)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	base := sanitizeFilename(fmt.Sprintf("%s v%d", report.ProjectName, report.VersionSeq))
	var result *Result
	switch format {
	case FormatHTML:
		result = &Result{Data: []byte(html), Filename: base + ".html", MimeType: "text/html; charset=utf-8"}
	case FormatPDF:
		data, err := s.renderPDF(ctx, html)
		if err != nil {
			return nil, err
		}
		result = &Result{Data: data, Filename: base + ".pdf", MimeType: "application/pdf"}
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}

	if s.uploader != nil {
		key := blob.ReportKey(report.ProjectID, report.VersionSeq, result.Filename, s.now())
		url, err := s.uploader.Put(ctx, key, result.MimeType, result.Data)
		if err != nil {
			// The inline report is still usable.
			s.log.Warn().Err(err).Str("project_id", report.ProjectID).Str("key", key).Msg("report upload failed")
		} else {
			result.URL = url
		}
	}
	return result, nil
}
