package auth_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"questline/internal/db"
	"questline/internal/engine/auth"
	"questline/internal/migrate"
	"questline/internal/repo"
)

func TestRoleOrdering(t *testing.T) {
	require.True(t, auth.AtLeast(auth.RoleOwner, auth.RoleEditor))
	require.True(t, auth.AtLeast(auth.RoleEditor, auth.RoleEditor))
	require.False(t, auth.AtLeast(auth.RoleViewer, auth.RoleEditor))
	require.False(t, auth.AtLeast("", auth.RoleViewer))
	require.False(t, auth.AtLeast("superuser", auth.RoleViewer))
	require.True(t, auth.Rank(auth.RoleAdmin) > auth.Rank(auth.RoleEditor))
}

func TestForbiddenErrorIs(t *testing.T) {
	err := error(auth.ForbiddenError{Required: auth.RoleEditor, Actual: auth.RoleViewer})
	require.True(t, errors.Is(err, auth.ErrForbidden))
	require.Contains(t, err.Error(), "insufficient permission")
}

func TestRequireUsesOrgRoles(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	now := "2024-01-01T00:00:00Z"
	require.NoError(t, r.EnsureOrg(ctx, nil, "org-1", "Org", now))
	require.NoError(t, r.EnsureActor(ctx, nil, "alice", now))
	require.NoError(t, r.EnsureActor(ctx, nil, "bob", now))
	require.NoError(t, r.AssignOrgRole(ctx, nil, "org-1", "alice", auth.RoleEditor))
	require.NoError(t, r.AssignOrgRole(ctx, nil, "org-1", "bob", auth.RoleViewer))

	lookup := auth.SQLRoles{Repo: r}
	var tx *sql.Tx
	role, err := auth.Require(ctx, lookup, tx, "org-1", "alice", auth.RoleEditor)
	require.NoError(t, err)
	require.Equal(t, auth.RoleEditor, role)

	_, err = auth.Require(ctx, lookup, tx, "org-1", "bob", auth.RoleEditor)
	require.ErrorIs(t, err, auth.ErrForbidden)

	_, err = auth.Require(ctx, lookup, tx, "org-1", "mallory", auth.RoleViewer)
	require.ErrorIs(t, err, auth.ErrForbidden)

	require.NoError(t, r.AssignOrgRole(ctx, nil, "org-1", "bob", auth.RoleAdmin))
	_, err = auth.Require(ctx, lookup, tx, "org-1", "bob", auth.RoleEditor)
	require.NoError(t, err)
}
