package store

import (
	"context"
	"database/sql"
	"fmt"
)

// AppendVersion allocates the next per-project sequence number and inserts the
// version in one transaction. The projects row lock serializes concurrent
// appends; UNIQUE(project_id, seq) rejects anything that slips past it.
// A blank language inherits the project language.
func (s *PostgresStore) AppendVersion(ctx context.Context, version Version) (Version, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Version{}, fmt.Errorf("begin append version: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var projectLanguage string
	var lastSeq int64
	err = tx.QueryRowContext(ctx, `
		SELECT language, last_version_seq FROM projects WHERE id = $1 FOR UPDATE
	`, version.ProjectID).Scan(&projectLanguage, &lastSeq)
	if err != nil {
		return Version{}, err
	}

	version.Seq = lastSeq + 1
	if version.Language == "" {
		version.Language = projectLanguage
	}

	if err := tx.QueryRowContext(ctx, `
		INSERT INTO versions (id, project_id, seq, author_id, language, code)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, version.ID, version.ProjectID, version.Seq, version.AuthorID, version.Language, version.Code).Scan(&version.CreatedAt); err != nil {
		return Version{}, fmt.Errorf("insert version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE projects SET last_version_seq = $2, updated_at = NOW() WHERE id = $1
	`, version.ProjectID, version.Seq); err != nil {
		return Version{}, fmt.Errorf("advance version seq: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Version{}, fmt.Errorf("commit append version: %w", err)
	}
	return version, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, projectID, versionID string) (Version, error) {
	var item Version
	var commitHash sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, seq, author_id, language, code, commit_hash, created_at
		FROM versions
		WHERE project_id = $1 AND id = $2
	`, projectID, versionID).Scan(
		&item.ID,
		&item.ProjectID,
		&item.Seq,
		&item.AuthorID,
		&item.Language,
		&item.Code,
		&commitHash,
		&item.CreatedAt,
	)
	if err != nil {
		return Version{}, err
	}
	item.CommitHash = commitHash.String
	return item, nil
}

func (s *PostgresStore) LatestVersion(ctx context.Context, projectID string) (Version, error) {
	var versionID string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM versions WHERE project_id = $1 ORDER BY seq DESC LIMIT 1
	`, projectID).Scan(&versionID)
	if err != nil {
		return Version{}, err
	}
	return s.GetVersion(ctx, projectID, versionID)
}

// ListVersions returns version metadata newest first. Code is left empty.
func (s *PostgresStore) ListVersions(ctx context.Context, projectID string) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, seq, author_id, language, COALESCE(commit_hash, ''), created_at
		FROM versions
		WHERE project_id = $1
		ORDER BY seq DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]Version, 0)
	for rows.Next() {
		var item Version
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Seq, &item.AuthorID, &item.Language, &item.CommitHash, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

// SetVersionCommitHash records the history mirror's commit once.
func (s *PostgresStore) SetVersionCommitHash(ctx context.Context, versionID, hash string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE versions SET commit_hash = $2 WHERE id = $1 AND commit_hash IS NULL
	`, versionID, hash)
	if err != nil {
		return false, fmt.Errorf("set version commit hash: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set version commit hash rows: %w", err)
	}
	return affected > 0, nil
}
