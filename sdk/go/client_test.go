package questlinesdk

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"questline/internal/config"
	"questline/internal/db"
	"questline/internal/engine"
	"questline/internal/migrate"
	"questline/internal/server"
)

type fixture struct {
	client   *Client
	eventID  string
	stations []string
	mission  string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	e := engine.New(conn, config.Default())

	_, err = e.CreateOrg(ctx, "org-1", "Org One", "olivia")
	require.NoError(t, err)
	ev, err := e.CreateEvent(ctx, engine.CreateEventOptions{OrgID: "org-1", Name: "Harbor Hunt", ActorID: "olivia"})
	require.NoError(t, err)
	f := fixture{eventID: ev.ID}
	for i, name := range []string{"Lighthouse", "Dock"} {
		s, err := e.AddStation(ctx, engine.AddStationOptions{EventID: ev.ID, Sequence: i, Name: name, ActorID: "olivia"})
		require.NoError(t, err)
		f.stations = append(f.stations, s.ID)
	}
	_, err = e.AddTeam(ctx, engine.AddTeamOptions{EventID: ev.ID, Code: "4321", Name: "Otters", ActorID: "olivia"})
	require.NoError(t, err)
	m, err := e.AddMissionOverride(ctx, engine.AddMissionOptions{EventID: ev.ID, MissionID: "tpl-rope", ActorID: "olivia"})
	require.NoError(t, err)
	f.mission = m.ID
	key, err := e.CreateAPIKey(ctx, "olivia", "sdk")
	require.NoError(t, err)

	handler, err := server.New(server.Config{
		Engine:       e,
		BasePath:     "/v0",
		Auth:         server.AuthConfig{JWTSecret: "sdk-secret", Log: zerolog.Nop()},
		RenderSecret: "render",
		Log:          zerolog.Nop(),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	f.client = New(srv.URL + "/v0")
	f.client.APIKey = key.Key
	f.client.RenderSecret = "render"
	return f
}

func TestTeamSessionWalksRoute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.client.AuthenticateTeam(ctx, f.eventID, "4321")
	require.NoError(t, err)
	require.Equal(t, "Otters", s.TeamName)
	require.True(t, s.Active())
	require.Empty(t, s.Current())

	dec, err := s.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, f.stations[0], dec.ToNodeID)
	require.Equal(t, f.stations[0], s.Current())

	dec, err = s.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, f.stations[1], dec.ToNodeID)

	resumed, err := f.client.AuthenticateTeam(ctx, f.eventID, "4321")
	require.NoError(t, err)
	require.Equal(t, f.stations[1], resumed.Current())

	dec, err = s.Next(ctx)
	require.NoError(t, err)
	require.True(t, dec.Finished)
	require.False(t, s.Active())

	_, err = s.Next(ctx)
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestTeamSessionErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client.AuthenticateTeam(ctx, f.eventID, "0000")
	require.True(t, IsNotFound(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "team not found", apiErr.Message)

	s, err := f.client.AuthenticateTeam(ctx, f.eventID, "4321")
	require.NoError(t, err)
	v, err := s.LogVisit(ctx, f.stations[0], "enter")
	require.NoError(t, err)
	require.Equal(t, "enter", v.State)

	s.CurrentNodeID = f.stations[1]
	_, err = s.Next(ctx)
	require.True(t, IsSequenceError(err))

	s.Logout()
	require.False(t, s.Active())
	_, err = s.LogVisit(ctx, f.stations[0], "complete")
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestCompileAndRenderCallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.client.Compile(ctx, f.eventID)
	require.NoError(t, err)
	require.Equal(t, CompileResult{Enqueued: 1, Total: 1}, res)

	out, err := f.client.PostRenderStatus(ctx, RenderStatus{EventMissionID: f.mission, Status: "ready", AssetURL: "https://cdn.example.com/rope.mp4"})
	require.NoError(t, err)
	require.Equal(t, int64(1), out.RowsAffected)

	f.client.RenderSecret = "wrong"
	_, err = f.client.PostRenderStatus(ctx, RenderStatus{EventMissionID: f.mission, Status: "failed"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 401, apiErr.StatusCode)

	viewer := New(f.client.BaseURL)
	_, err = viewer.Compile(ctx, f.eventID)
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 401, apiErr.StatusCode)
}
