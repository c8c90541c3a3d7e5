package store

import (
	"context"
	"database/sql"
	"fmt"
)

const commentSelect = `
	SELECT c.id, c.project_id, c.author_id, u.name, u.email,
		c.created_on_version_id, cv.seq, c.line, c.end_line, c.body, c.original_code, c.live_anchor,
		c.resolved_on_version_id, rv.seq, c.resolved_by, c.created_at, c.updated_at
	FROM comments c
	JOIN users u ON u.id = c.author_id
	JOIN versions cv ON cv.id = c.created_on_version_id
	LEFT JOIN versions rv ON rv.id = c.resolved_on_version_id
`

const commentOrder = ` ORDER BY cv.seq DESC, c.line ASC, c.created_at ASC, c.id ASC`

type rowScanner interface {
	Scan(dest ...any) error
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanComment(row rowScanner) (Comment, error) {
	var item Comment
	var endLine sql.NullInt64
	var liveAnchor, resolvedOn, resolvedBy sql.NullString
	var resolvedSeq sql.NullInt64
	if err := row.Scan(
		&item.ID,
		&item.ProjectID,
		&item.AuthorID,
		&item.Author.Name,
		&item.Author.Email,
		&item.CreatedOnVersionID,
		&item.CreatedOnSeq,
		&item.Line,
		&endLine,
		&item.Body,
		&item.OriginalCode,
		&liveAnchor,
		&resolvedOn,
		&resolvedSeq,
		&resolvedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return Comment{}, err
	}
	item.Author.ID = item.AuthorID
	if endLine.Valid {
		v := int(endLine.Int64)
		item.EndLine = &v
	}
	if liveAnchor.Valid {
		item.LiveAnchor = &liveAnchor.String
	}
	if resolvedOn.Valid && resolvedSeq.Valid {
		item.ResolvedOnVersionID = &resolvedOn.String
		item.ResolvedOnSeq = &resolvedSeq.Int64
	}
	if resolvedBy.Valid {
		item.ResolvedBy = &resolvedBy.String
	}
	return item, nil
}

func getComment(ctx context.Context, q queryRower, projectID, commentID, suffix string) (Comment, error) {
	return scanComment(q.QueryRowContext(ctx, commentSelect+` WHERE c.project_id = $1 AND c.id = $2`+suffix, projectID, commentID))
}

// CreateComment reads the target version and inserts the comment in one
// transaction. snapshot receives the version's code and returns the text stored
// as original_code. A version that is gone surfaces as sql.ErrNoRows.
func (s *PostgresStore) CreateComment(ctx context.Context, comment Comment, snapshot func(code string) string) (Comment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Comment{}, fmt.Errorf("begin create comment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var code string
	err = tx.QueryRowContext(ctx, `
		SELECT code FROM versions WHERE project_id = $1 AND id = $2 FOR SHARE
	`, comment.ProjectID, comment.CreatedOnVersionID).Scan(&code)
	if err != nil {
		return Comment{}, err
	}
	comment.OriginalCode = snapshot(code)

	var endLine any
	if comment.EndLine != nil {
		endLine = *comment.EndLine
	}
	var liveAnchor any
	if comment.LiveAnchor != nil {
		liveAnchor = *comment.LiveAnchor
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO comments (id, project_id, author_id, created_on_version_id, line, end_line, body, original_code, live_anchor)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, comment.ID, comment.ProjectID, comment.AuthorID, comment.CreatedOnVersionID, comment.Line, endLine, comment.Body, comment.OriginalCode, liveAnchor); err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}

	created, err := getComment(ctx, tx, comment.ProjectID, comment.ID, "")
	if err != nil {
		return Comment{}, fmt.Errorf("reload comment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Comment{}, fmt.Errorf("commit create comment: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, projectID, commentID string) (Comment, error) {
	return getComment(ctx, s.db, projectID, commentID, "")
}

// ResolveDecision inspects the locked comment and the target version and
// reports whether the resolution should be written. Returning an error aborts
// the transaction unchanged.
type ResolveDecision func(current Comment, target Version) (apply bool, err error)

// ResolveComment locks the comment row, hands it and the target version to
// decide, and writes the resolution when decide says so. The returned bool
// reports whether a write happened.
func (s *PostgresStore) ResolveComment(ctx context.Context, projectID, commentID, versionID, resolvedBy string, decide ResolveDecision) (Comment, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Comment{}, false, fmt.Errorf("begin resolve comment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := getComment(ctx, tx, projectID, commentID, " FOR UPDATE OF c")
	if err != nil {
		return Comment{}, false, err
	}

	var target Version
	err = tx.QueryRowContext(ctx, `
		SELECT id, project_id, seq FROM versions WHERE project_id = $1 AND id = $2 FOR SHARE
	`, projectID, versionID).Scan(&target.ID, &target.ProjectID, &target.Seq)
	if err != nil {
		return Comment{}, false, err
	}

	apply, err := decide(current, target)
	if err != nil {
		return Comment{}, false, err
	}
	if !apply {
		return current, false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE comments
		SET resolved_on_version_id = $3, resolved_by = NULLIF($4, ''), updated_at = NOW()
		WHERE project_id = $1 AND id = $2
	`, projectID, commentID, versionID, resolvedBy); err != nil {
		return Comment{}, false, fmt.Errorf("resolve comment: %w", err)
	}
	updated, err := getComment(ctx, tx, projectID, commentID, "")
	if err != nil {
		return Comment{}, false, fmt.Errorf("reload comment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Comment{}, false, fmt.Errorf("commit resolve comment: %w", err)
	}
	return updated, true, nil
}

func (s *PostgresStore) ReopenComment(ctx context.Context, projectID, commentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments
		SET resolved_on_version_id = NULL, resolved_by = NULL, updated_at = NOW()
		WHERE project_id = $1 AND id = $2 AND resolved_on_version_id IS NOT NULL
	`, projectID, commentID)
	if err != nil {
		return false, fmt.Errorf("reopen comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reopen comment rows: %w", err)
	}
	return affected > 0, nil
}

// ListComments returns every comment of the project ordered by creation
// version (newest first), then line, then creation time.
func (s *PostgresStore) ListComments(ctx context.Context, projectID string) ([]Comment, error) {
	return s.listComments(ctx, commentSelect+` WHERE c.project_id = $1`+commentOrder, projectID)
}

func (s *PostgresStore) ListCommentsForVersion(ctx context.Context, projectID, versionID string) ([]Comment, error) {
	return s.listComments(ctx, commentSelect+` WHERE c.project_id = $1 AND c.created_on_version_id = $2`+commentOrder, projectID, versionID)
}

func (s *PostgresStore) listComments(ctx context.Context, query string, args ...any) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}
