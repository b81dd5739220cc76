package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"questline/internal/repo"
)

// Organization roles, weakest first.
const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
	RoleOwner  = "owner"
)

var ErrForbidden = errors.New("forbidden")

// ForbiddenError indicates the actor's role is below the one an operation needs.
type ForbiddenError struct {
	Required string
	Actual   string
}

func (e ForbiddenError) Error() string {
	if e.Actual == "" {
		return fmt.Sprintf("insufficient permission: role %s required", e.Required)
	}
	return fmt.Sprintf("insufficient permission: role %s required, have %s", e.Required, e.Actual)
}

func (e ForbiddenError) Is(target error) bool { return target == ErrForbidden }

// User is the authenticated caller attached to mutating operations.
type User struct {
	ID string
}

// Rank orders roles; unknown or empty roles rank below viewer.
func Rank(role string) int {
	switch role {
	case RoleViewer:
		return 1
	case RoleEditor:
		return 2
	case RoleAdmin:
		return 3
	case RoleOwner:
		return 4
	}
	return 0
}

func ValidRole(role string) bool { return Rank(role) > 0 }

// AtLeast reports whether have satisfies need.
func AtLeast(have, need string) bool {
	return Rank(have) >= Rank(need) && Rank(have) > 0
}

// RoleLookup maps (organization, actor) to a role string; "" means no membership.
type RoleLookup interface {
	Role(ctx context.Context, tx *sql.Tx, orgID, actorID string) (string, error)
}

// SQLRoles reads roles from the org_roles table.
type SQLRoles struct {
	Repo repo.Repo
}

func (s SQLRoles) Role(ctx context.Context, tx *sql.Tx, orgID, actorID string) (string, error) {
	role, err := s.Repo.OrgRole(ctx, tx, orgID, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", nil
	}
	return role, err
}

// Require fails with ForbiddenError unless the actor holds at least need in orgID.
func Require(ctx context.Context, lookup RoleLookup, tx *sql.Tx, orgID, actorID, need string) (string, error) {
	if actorID == "" {
		return "", ForbiddenError{Required: need}
	}
	role, err := lookup.Role(ctx, tx, orgID, actorID)
	if err != nil {
		return "", err
	}
	if !AtLeast(role, need) {
		return role, ForbiddenError{Required: need, Actual: role}
	}
	return role, nil
}
