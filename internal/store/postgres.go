package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrAlreadyAccepted = errors.New("invitation already accepted")
	ErrDuplicateEmail  = errors.New("email already registered")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash)
		VALUES ($1, $2, LOWER($3), $4)
		ON CONFLICT (email) DO NOTHING
	`, user.ID, user.Name, user.Email, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert user rows: %w", err)
	}
	if affected == 0 {
		return ErrDuplicateEmail
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, `WHERE email = LOWER($1)`, email)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.getUser(ctx, `WHERE id = $1`, userID)
}

// FindUserByEmailOrName resolves an invitation target the same way the
// invite form accepts it.
func (s *PostgresStore) FindUserByEmailOrName(ctx context.Context, emailOrName string) (User, error) {
	return s.getUser(ctx, `WHERE email = LOWER($1) OR name = $1 ORDER BY (email = LOWER($1)) DESC LIMIT 1`, emailOrName)
}

func (s *PostgresStore) getUser(ctx context.Context, where string, arg string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, points, created_at
		FROM users `+where, arg).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Points, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// Projects

func (s *PostgresStore) CreateProject(ctx context.Context, project Project) (Project, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO projects (id, owner_id, name, description, language)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, project.ID, project.OwnerID, project.Name, project.Description, project.Language).Scan(&project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		return Project{}, fmt.Errorf("insert project: %w", err)
	}
	return s.GetProject(ctx, project.ID)
}

const projectSelect = `
	SELECT p.id, p.owner_id, u.name, u.email, p.name, p.description, p.language, p.last_version_seq, p.created_at, p.updated_at
	FROM projects p
	JOIN users u ON u.id = p.owner_id
`

func scanProject(row rowScanner) (Project, error) {
	var item Project
	err := row.Scan(
		&item.ID,
		&item.OwnerID,
		&item.Owner.Name,
		&item.Owner.Email,
		&item.Name,
		&item.Description,
		&item.Language,
		&item.LastVersionSeq,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	item.Owner.ID = item.OwnerID
	return item, err
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	return scanProject(s.db.QueryRowContext(ctx, projectSelect+` WHERE p.id = $1`, projectID))
}

// ListProjectsForUser returns projects the user owns or has accepted.
func (s *PostgresStore) ListProjectsForUser(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, projectSelect+`
		WHERE p.owner_id = $1
		   OR EXISTS (
			SELECT 1 FROM project_members m
			WHERE m.project_id = p.id AND m.user_id = $1 AND m.status = 'ACCEPTED'
		   )
		ORDER BY p.updated_at DESC, p.id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		item, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, projectID)
	if err != nil {
		return false, fmt.Errorf("delete project: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete project rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) GetProjectAccess(ctx context.Context, projectID, userID string) (ProjectAccess, error) {
	var access ProjectAccess
	var role, status sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.owner_id, m.role, m.status
		FROM projects p
		LEFT JOIN project_members m ON m.project_id = p.id AND m.user_id = $2
		WHERE p.id = $1
	`, projectID, userID).Scan(&access.ProjectID, &access.OwnerID, &role, &status)
	if err != nil {
		return ProjectAccess{}, err
	}
	access.Role = role.String
	access.Status = status.String
	return access, nil
}

// Members

// UpsertMembership records an invitation. Re-inviting an existing member only
// updates the role and leaves the status untouched.
func (s *PostgresStore) UpsertMembership(ctx context.Context, membership Membership) (Membership, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role, status, invited_by)
		VALUES ($1, $2, $3, 'PENDING', NULLIF($4, ''))
		ON CONFLICT (project_id, user_id)
		DO UPDATE SET role = EXCLUDED.role, updated_at = NOW()
		RETURNING role, status, COALESCE(invited_by, ''), created_at
	`, membership.ProjectID, membership.UserID, membership.Role, membership.InvitedBy).Scan(
		&membership.Role,
		&membership.Status,
		&membership.InvitedBy,
		&membership.CreatedAt,
	)
	if err != nil {
		return Membership{}, fmt.Errorf("upsert membership: %w", err)
	}
	return membership, nil
}

func (s *PostgresStore) ListPendingInvitations(ctx context.Context, userID string) ([]Invitation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.project_id, m.user_id, m.role, m.status, COALESCE(m.invited_by, ''), m.created_at,
			p.id, p.owner_id, u.name, u.email, p.name, p.description, p.language, p.last_version_seq, p.created_at, p.updated_at
		FROM project_members m
		JOIN projects p ON p.id = m.project_id
		JOIN users u ON u.id = p.owner_id
		WHERE m.user_id = $1 AND m.status = 'PENDING'
		ORDER BY m.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close()

	items := make([]Invitation, 0)
	for rows.Next() {
		var item Invitation
		if err := rows.Scan(
			&item.ProjectID,
			&item.UserID,
			&item.Role,
			&item.Status,
			&item.InvitedBy,
			&item.CreatedAt,
			&item.Project.ID,
			&item.Project.OwnerID,
			&item.Project.Owner.Name,
			&item.Project.Owner.Email,
			&item.Project.Name,
			&item.Project.Description,
			&item.Project.Language,
			&item.Project.LastVersionSeq,
			&item.Project.CreatedAt,
			&item.Project.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		item.Project.Owner.ID = item.Project.OwnerID
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invitations: %w", err)
	}
	return items, nil
}

// AcceptInvitation flips a pending membership to ACCEPTED and credits both
// sides in one transaction.
func (s *PostgresStore) AcceptInvitation(ctx context.Context, projectID, userID string, inviteePoints, ownerPoints int) (Membership, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Membership{}, fmt.Errorf("begin accept invitation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var ownerID string
	if err := tx.QueryRowContext(ctx, `SELECT owner_id FROM projects WHERE id = $1`, projectID).Scan(&ownerID); err != nil {
		return Membership{}, err
	}

	membership := Membership{ProjectID: projectID, UserID: userID}
	err = tx.QueryRowContext(ctx, `
		SELECT role, status, COALESCE(invited_by, ''), created_at
		FROM project_members
		WHERE project_id = $1 AND user_id = $2
		FOR UPDATE
	`, projectID, userID).Scan(&membership.Role, &membership.Status, &membership.InvitedBy, &membership.CreatedAt)
	if err != nil {
		return Membership{}, err
	}
	if membership.Status == MemberAccepted {
		return Membership{}, ErrAlreadyAccepted
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE project_members SET status = 'ACCEPTED', updated_at = NOW()
		WHERE project_id = $1 AND user_id = $2
	`, projectID, userID); err != nil {
		return Membership{}, fmt.Errorf("accept membership: %w", err)
	}
	membership.Status = MemberAccepted

	credits := []struct {
		userID string
		points int
	}{
		{userID: userID, points: inviteePoints},
		{userID: ownerID, points: ownerPoints},
	}
	for _, credit := range credits {
		if err := insertPoints(ctx, tx, credit.userID, "INVITATION_ACCEPTED", credit.points, projectID, userID); err != nil {
			return Membership{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Membership{}, fmt.Errorf("commit accept invitation: %w", err)
	}
	return membership, nil
}

// DeclineInvitation removes the membership row and leaves a zero-point trail
// for the owner.
func (s *PostgresStore) DeclineInvitation(ctx context.Context, projectID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin decline invitation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var ownerID string
	if err := tx.QueryRowContext(ctx, `SELECT owner_id FROM projects WHERE id = $1`, projectID).Scan(&ownerID); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM project_members WHERE project_id = $1 AND user_id = $2`, projectID, userID)
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete membership rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	if err := insertPoints(ctx, tx, ownerID, "INVITATION_DECLINED", 0, projectID, userID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit decline invitation: %w", err)
	}
	return nil
}

func insertPoints(ctx context.Context, tx *sql.Tx, userID, actionType string, points int, projectID, performerID string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO points_transactions (user_id, action_type, points, project_id, performer_id)
		VALUES ($1, $2, $3, $4, $5)
	`, userID, actionType, points, projectID, performerID); err != nil {
		return fmt.Errorf("insert points transaction: %w", err)
	}
	if points == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET points = points + $2, updated_at = NOW() WHERE id = $1`, userID, points); err != nil {
		return fmt.Errorf("credit points: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPointsTransactions(ctx context.Context, userID string) ([]PointsTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, action_type, points, COALESCE(project_id, ''), COALESCE(performer_id, ''), created_at
		FROM points_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list points: %w", err)
	}
	defer rows.Close()

	items := make([]PointsTransaction, 0)
	for rows.Next() {
		var item PointsTransaction
		if err := rows.Scan(&item.ID, &item.UserID, &item.ActionType, &item.Points, &item.ProjectID, &item.PerformerID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan points: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate points: %w", err)
	}
	return items, nil
}
