package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const pgQueryTimeout = 5 * time.Second

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search matches comment bodies and their captured code with plainto_tsquery,
// ranked by ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || q.ProjectID == "" {
		return nil, 0, nil
	}

	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "c.project_id = $1 AND c.fts @@ plainto_tsquery('simple', $2)"
	if !q.IncludeResolved {
		where += " AND c.resolved_on_version_id IS NULL"
	}

	ctx, cancel := context.WithTimeout(context.Background(), pgQueryTimeout)
	defer cancel()

	var total int
	if err := p.db.QueryRowContext(ctx,
		"SELECT count(*) FROM comments c WHERE "+where,
		q.ProjectID, q.Text,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT c.id, c.project_id, c.created_on_version_id, v.seq, c.line, u.name,
			ts_headline('simple', c.body, plainto_tsquery('simple', $2),
				'StartSel=<mark>,StopSel=</mark>,MaxFragments=1,MaxWords=30'),
			c.original_code,
			c.resolved_on_version_id IS NOT NULL
		FROM comments c
		JOIN users u ON u.id = c.author_id
		JOIN versions v ON v.id = c.created_on_version_id
		WHERE %s
		ORDER BY ts_rank(c.fts, plainto_tsquery('simple', $2)) DESC, v.seq DESC, c.id ASC
		LIMIT %d OFFSET %d`, where, normalizeLimit(q.Limit), offset),
		q.ProjectID, q.Text,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.VersionID, &r.VersionSeq, &r.Line, &r.Author, &r.Snippet, &r.Code, &r.Resolved); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every comment as a search record for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]CommentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.project_id, c.created_on_version_id, v.seq, c.line,
			c.body, c.original_code, u.name, c.resolved_on_version_id IS NOT NULL
		FROM comments c
		JOIN users u ON u.id = c.author_id
		JOIN versions v ON v.id = c.created_on_version_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load comments: %w", err)
	}
	defer rows.Close()

	records := make([]CommentRecord, 0)
	for rows.Next() {
		var r CommentRecord
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.VersionID, &r.VersionSeq, &r.Line, &r.Body, &r.OriginalCode, &r.AuthorName, &r.Resolved); err != nil {
			return nil, fmt.Errorf("scan comment record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comment records: %w", err)
	}
	return records, nil
}
