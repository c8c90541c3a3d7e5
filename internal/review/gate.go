package review

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"postwork/api/internal/apperr"
	"postwork/api/internal/rbac"
	"postwork/api/internal/store"
)

type accessReader interface {
	GetProjectAccess(ctx context.Context, projectID, userID string) (store.ProjectAccess, error)
}

// Gate is the single membership check in front of every ledger and room
// operation. A missing project and a non-member caller both come back as
// Forbidden so project existence never leaks.
type Gate struct {
	access accessReader
}

func NewGate(access accessReader) *Gate {
	return &Gate{access: access}
}

func (g *Gate) Authorize(ctx context.Context, projectID, userID string) (rbac.Level, error) {
	if strings.TrimSpace(projectID) == "" || strings.TrimSpace(userID) == "" {
		return "", apperr.Forbidden()
	}
	access, err := g.access.GetProjectAccess(ctx, projectID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.Forbidden()
	}
	if err != nil {
		return "", apperr.Storage(err, "load project access")
	}
	if access.OwnerID == userID {
		return rbac.LevelOwner, nil
	}
	if access.Status == store.MemberAccepted {
		return rbac.Normalize(access.Role), nil
	}
	return "", apperr.Forbidden()
}

// Require authorizes the caller and checks that its level permits action.
func (g *Gate) Require(ctx context.Context, projectID, userID string, action rbac.Action) (rbac.Level, error) {
	level, err := g.Authorize(ctx, projectID, userID)
	if err != nil {
		return "", err
	}
	if !rbac.Can(level, action) {
		return level, apperr.WithCode(apperr.KindForbidden, "FORBIDDEN", "insufficient role", map[string]any{
			"role":   level,
			"action": action,
		})
	}
	return level, nil
}

func (g *Gate) IsMember(ctx context.Context, projectID, userID string) (bool, error) {
	_, err := g.Authorize(ctx, projectID, userID)
	if apperr.Is(err, apperr.KindForbidden) {
		return false, nil
	}
	return err == nil, err
}
