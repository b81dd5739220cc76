package engine_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"questline/internal/engine"
	"questline/internal/engine/auth"
	"questline/internal/repo"
)

func TestCreateAPIKeyStoresHashOnly(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.Engine.CreateAPIKey(env.Ctx, editor, "ci")
	require.NoError(t, err)
	require.NotEmpty(t, created.Key)
	require.NotEqual(t, created.Key, created.KeyHash)

	got, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(created.Key))
	require.NoError(t, err)
	require.Equal(t, editor, got.ActorID)
	require.Equal(t, "ci", got.Name)
}

func TestRevokeAPIKeyOnlyOwnKeys(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.Engine.CreateAPIKey(env.Ctx, editor, "ci")
	require.NoError(t, err)

	err = env.Engine.RevokeAPIKey(env.Ctx, viewer, created.ID)
	require.ErrorIs(t, err, engine.ErrNotFound)

	require.NoError(t, env.Engine.RevokeAPIKey(env.Ctx, editor, created.ID))
	_, err = env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(created.Key))
	require.ErrorIs(t, err, repo.ErrNotFound)

	err = env.Engine.RevokeAPIKey(env.Ctx, editor, created.ID)
	require.ErrorIs(t, err, engine.ErrNotFound)
}

func TestCreateOrg(t *testing.T) {
	env := newTestEnv(t)
	org, err := env.Engine.CreateOrg(env.Ctx, "org-3", "Org Three", "founder")
	require.NoError(t, err)
	require.Equal(t, "Org Three", org.Name)

	role, err := env.Engine.Repo.OrgRole(env.Ctx, nil, "org-3", "founder")
	require.NoError(t, err)
	require.Equal(t, auth.RoleOwner, role)

	_, err = env.Engine.CreateOrg(env.Ctx, "org-3", "Hijack", "someone-else")
	require.ErrorIs(t, err, engine.ErrForbidden)
}

func TestRecentActivity(t *testing.T) {
	env := newTestEnv(t)
	env.station(t, 1, "Pier")
	items, err := env.Engine.RecentActivity(env.Ctx, engine.ActivityQuery{OrgID: orgID, EventID: env.Event.ID}, viewer)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "station.added", items[0].Type)
	require.Equal(t, "event.created", items[1].Type)

	_, err = env.Engine.RecentActivity(env.Ctx, engine.ActivityQuery{OrgID: orgID}, outside)
	require.ErrorIs(t, err, engine.ErrForbidden)
}
