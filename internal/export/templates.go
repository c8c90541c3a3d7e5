package export

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
		"lineRange": lineRange,
	}

	templateContent, err := templateFS.ReadFile("templates/report.html")
	if err != nil {
		reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for report template rendering
type TemplateData struct {
	Title             string
	Language          string
	VersionSeq        int64
	Author            string
	CreatedAt         time.Time
	Lines             []TemplateLine
	Active            []Comment
	ResolvedElsewhere []Comment
}

type TemplateLine struct {
	Number    int
	Text      string
	Commented bool
}

func lineRange(line, endLine int) string {
	if endLine > line {
		return fmt.Sprintf("lines %d-%d", line, endLine)
	}
	return fmt.Sprintf("line %d", line)
}

// templateData numbers the code lines and marks those covered by an open comment.
func templateData(r Report) TemplateData {
	covered := make(map[int]bool)
	for _, c := range r.Active {
		end := c.EndLine
		if end < c.Line {
			end = c.Line
		}
		for n := c.Line; n <= end; n++ {
			covered[n] = true
		}
	}

	text := strings.ReplaceAll(r.Code, "\r\n", "\n")
	split := strings.Split(text, "\n")
	lines := make([]TemplateLine, 0, len(split))
	for i, l := range split {
		lines = append(lines, TemplateLine{Number: i + 1, Text: l, Commented: covered[i+1]})
	}

	title := r.ProjectName
	if title == "" {
		title = r.ProjectID
	}
	return TemplateData{
		Title:             title,
		Language:          r.Language,
		VersionSeq:        r.VersionSeq,
		Author:            r.Author,
		CreatedAt:         r.CreatedAt,
		Lines:             lines,
		Active:            r.Active,
		ResolvedElsewhere: r.ResolvedElsewhere,
	}
}

// RenderReportHTML renders the report template with the given report.
func RenderReportHTML(r Report) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, templateData(r)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">version {{.VersionSeq}} | {{.Author}}</div>
  <pre>{{range .Lines}}{{.Number}}  {{.Text}}
{{end}}</pre>
  <h2>Open comments ({{len .Active}})</h2>
  {{range .Active}}<div class="comment">{{lineRange .Line .EndLine}}: {{.Body}}</div>{{end}}
</body>
</html>`
