package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"questline/internal/config"
	"questline/internal/db"
	"questline/internal/domain"
	"questline/internal/engine"
	"questline/internal/engine/auth"
	"questline/internal/migrate"
)

const (
	orgID   = "org-1"
	owner   = "olivia"
	editor  = "eddie"
	viewer  = "vic"
	outside = "mallory"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Event  domain.Event
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	eng := engine.New(conn, config.Default())
	eng.Now = steppingClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 10*time.Millisecond)
	ctx := context.Background()

	now := "2024-01-01T00:00:00Z"
	require.NoError(t, eng.Repo.EnsureOrg(ctx, nil, orgID, "Org One", now))
	require.NoError(t, eng.Repo.EnsureOrg(ctx, nil, "org-2", "Org Two", now))
	for actor, role := range map[string]string{owner: auth.RoleOwner, editor: auth.RoleEditor, viewer: auth.RoleViewer} {
		require.NoError(t, eng.Repo.EnsureActor(ctx, nil, actor, now))
		require.NoError(t, eng.Repo.AssignOrgRole(ctx, nil, orgID, actor, role))
	}
	require.NoError(t, eng.Repo.EnsureActor(ctx, nil, outside, now))
	require.NoError(t, eng.Repo.AssignOrgRole(ctx, nil, "org-2", outside, auth.RoleOwner))

	ev, err := eng.CreateEvent(ctx, engine.CreateEventOptions{OrgID: orgID, Name: "Harbor Hunt", ActorID: owner})
	require.NoError(t, err)
	return testEnv{Engine: eng, Ctx: ctx, Event: ev}
}

func (env testEnv) station(t *testing.T, seq int, name string) domain.Station {
	t.Helper()
	s, err := env.Engine.AddStation(env.Ctx, engine.AddStationOptions{EventID: env.Event.ID, Sequence: seq, Name: name, ActorID: editor})
	require.NoError(t, err)
	return s
}

func (env testEnv) team(t *testing.T, code, name string) domain.Team {
	t.Helper()
	tm, err := env.Engine.AddTeam(env.Ctx, engine.AddTeamOptions{EventID: env.Event.ID, Code: code, Name: name, ActorID: editor})
	require.NoError(t, err)
	return tm
}

func (env testEnv) mission(t *testing.T, missionID string) domain.MissionOverride {
	t.Helper()
	m, err := env.Engine.AddMissionOverride(env.Ctx, engine.AddMissionOptions{EventID: env.Event.ID, MissionID: missionID, Title: missionID, ActorID: editor})
	require.NoError(t, err)
	return m
}

func (env testEnv) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, env.Engine.DB.QueryRowContext(env.Ctx, query, args...).Scan(&n))
	return n
}

// steppingClock advances by step on every reading. Fractional seconds vary in
// width (.01, .1, .11) so stored timestamps only sort if they are fixed width.
func steppingClock(base time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	next := base
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := next
		next = next.Add(step)
		return now
	}
}

// sequenceClock returns the given instants in order, then keeps returning the last one.
func sequenceClock(instants ...time.Time) func() time.Time {
	var mu sync.Mutex
	i := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := instants[i]
		if i < len(instants)-1 {
			i++
		}
		return now
	}
}

func boolPtr(b bool) *bool { return &b }
func intPtr(v int) *int    { return &v }
