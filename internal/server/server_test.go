package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"questline/internal/config"
	"questline/internal/db"
	"questline/internal/domain"
	"questline/internal/engine"
	"questline/internal/engine/auth"
	"questline/internal/migrate"
)

const (
	testSecret       = "test-secret"
	testRenderSecret = "render-secret"
	testOrg          = "org-1"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	e := engine.New(conn, cfg)

	ctx := context.Background()
	now := "2024-01-01T00:00:00Z"
	require.NoError(t, e.Repo.EnsureOrg(ctx, nil, testOrg, "Org One", now))
	for actor, role := range map[string]string{"olivia": auth.RoleOwner, "eddie": auth.RoleEditor, "vic": auth.RoleViewer} {
		require.NoError(t, e.Repo.EnsureActor(ctx, nil, actor, now))
		require.NoError(t, e.Repo.AssignOrgRole(ctx, nil, testOrg, actor, role))
	}

	handler, err := New(Config{
		Engine:       e,
		BasePath:     "/v0",
		Auth:         AuthConfig{JWTSecret: testSecret, Log: zerolog.Nop()},
		RenderSecret: testRenderSecret,
		Log:          zerolog.Nop(),
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String() + "/v0", Engine: e, client: &http.Client{Timeout: 5 * time.Second}}
}

func bearer(t *testing.T, actor string) map[string]string {
	t.Helper()
	token, err := signDevToken(testSecret, actor, testOrg, time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (int, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

type fixture struct {
	Event    domain.Event
	Stations []domain.Station
	Team     domain.Team
	Mission  domain.MissionOverride
}

// seedEvent builds an event with two stations, one team and one mission
// through the admin API.
func (s *testServer) seedEvent(t *testing.T) fixture {
	t.Helper()
	h := bearer(t, "eddie")
	status, data := s.do(t, http.MethodPost, "/orgs/"+testOrg+"/events", map[string]any{"name": "Harbor Hunt"}, h)
	require.Equal(t, http.StatusCreated, status, string(data))
	f := fixture{Event: decode[domain.Event](t, data)}

	for i, name := range []string{"Lighthouse", "Dock"} {
		status, data = s.do(t, http.MethodPost, "/events/"+f.Event.ID+"/stations", map[string]any{"sequence": i + 1, "name": name}, h)
		require.Equal(t, http.StatusCreated, status, string(data))
		f.Stations = append(f.Stations, decode[domain.Station](t, data))
	}

	status, data = s.do(t, http.MethodPost, "/events/"+f.Event.ID+"/teams", map[string]any{"code": "1234", "name": "Gulls"}, h)
	require.Equal(t, http.StatusCreated, status, string(data))
	f.Team = decode[domain.Team](t, data)

	status, data = s.do(t, http.MethodPost, "/events/"+f.Event.ID+"/missions", map[string]any{"mission_id": "tpl-knots", "title": "Knots"}, h)
	require.Equal(t, http.StatusCreated, status, string(data))
	f.Mission = decode[domain.MissionOverride](t, data)
	return f
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t, nil)
	status, data := s.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"status":"ok"}`, string(data))
}

func TestAdminRequiresAuthentication(t *testing.T) {
	s := newTestServer(t, nil)
	status, data := s.do(t, http.MethodGet, "/orgs/"+testOrg+"/events", nil, nil)
	require.Equal(t, http.StatusUnauthorized, status)
	body := decode[apiError](t, data)
	require.Equal(t, "unauthorized", body.Body.Code)

	status, _ = s.do(t, http.MethodGet, "/orgs/"+testOrg+"/events", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestPlayFlow(t *testing.T) {
	s := newTestServer(t, nil)
	f := s.seedEvent(t)
	base := "/events/" + f.Event.ID + "/play"

	status, data := s.do(t, http.MethodPost, base+"/auth", map[string]any{"code": "1234"}, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	authRes := decode[PlayAuthResponse](t, data)
	require.True(t, authRes.OK)
	require.Equal(t, f.Team.ID, authRes.TeamID)
	require.Equal(t, "Gulls", authRes.TeamName)
	require.False(t, authRes.Position.Started)

	route := func(from string) (int, []byte) {
		return s.do(t, http.MethodPost, base+"/route", map[string]any{"team_id": f.Team.ID, "code": "1234", "from_node_id": from}, nil)
	}

	status, data = route("")
	require.Equal(t, http.StatusOK, status, string(data))
	first := decode[PlayRouteResponse](t, data)
	require.True(t, first.OK)
	require.Equal(t, f.Stations[0].ID, first.ToNodeID)
	require.False(t, first.Replay)

	status, data = route("")
	require.Equal(t, http.StatusOK, status)
	require.True(t, decode[PlayRouteResponse](t, data).Replay)

	status, data = route(f.Stations[0].ID)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, f.Stations[1].ID, decode[PlayRouteResponse](t, data).ToNodeID)

	status, data = route(f.Stations[1].ID)
	require.Equal(t, http.StatusOK, status)
	require.True(t, decode[PlayRouteResponse](t, data).Finished)

	status, data = s.do(t, http.MethodGet, "/events/"+f.Event.ID+"/visits?team_id="+f.Team.ID, nil, bearer(t, "vic"))
	require.Equal(t, http.StatusOK, status, string(data))
	visits := decode[listResponse[domain.Visit]](t, data)
	require.Len(t, visits.Items, 4)
}

func TestPlayErrorsUseOKEnvelope(t *testing.T) {
	s := newTestServer(t, nil)
	f := s.seedEvent(t)
	base := "/events/" + f.Event.ID + "/play"

	status, data := s.do(t, http.MethodPost, base+"/auth", map[string]any{"code": "9999"}, nil)
	require.Equal(t, http.StatusNotFound, status)
	require.JSONEq(t, `{"ok":false,"error":"team not found"}`, string(data))

	status, data = s.do(t, http.MethodPost, base+"/auth", map[string]any{"code": "12a4"}, nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.False(t, decode[okError](t, data).OK)

	status, data = s.do(t, http.MethodPost, base+"/auth", `{"code":"1234","extra":true}`, nil)
	require.Equal(t, http.StatusBadRequest, status, string(data))
	require.Contains(t, decode[okError](t, data).Message, "unknown field")

	status, _ = s.do(t, http.MethodPost, base+"/route", map[string]any{"team_id": "someone-else", "code": "1234"}, nil)
	require.Equal(t, http.StatusNotFound, status)

	status, data = s.do(t, http.MethodPost, base+"/route", map[string]any{"team_id": f.Team.ID, "code": "1234", "from_node_id": f.Stations[1].ID}, nil)
	require.Equal(t, http.StatusConflict, status)
	require.JSONEq(t, `{"ok":false,"error":"invalid sequence"}`, string(data))
}

func TestPlayVisit(t *testing.T) {
	s := newTestServer(t, nil)
	f := s.seedEvent(t)
	status, data := s.do(t, http.MethodPost, "/events/"+f.Event.ID+"/play/visits", map[string]any{
		"team_id": f.Team.ID, "code": "1234", "node_id": f.Stations[0].ID, "state": "enter",
	}, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	res := decode[PlayVisitResponse](t, data)
	require.True(t, res.OK)
	require.Equal(t, domain.VisitEnter, res.Visit.State)

	status, _ = s.do(t, http.MethodPost, "/events/"+f.Event.ID+"/play/visits", map[string]any{
		"team_id": f.Team.ID, "code": "1234", "node_id": f.Stations[0].ID, "state": "teleport",
	}, nil)
	require.Equal(t, http.StatusBadRequest, status)
	status, data = s.do(t, http.MethodPost, "/events/"+f.Event.ID+"/play/visits", map[string]any{
		"team_id": f.Team.ID, "code": "1234", "node_id": f.Stations[0].ID, "state": "complete",
	}, nil)
	require.Equal(t, http.StatusOK, status, string(data))

	status, data = s.do(t, http.MethodPost, "/events/"+f.Event.ID+"/play/auth", map[string]any{"code": "1234"}, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	pos := decode[PlayAuthResponse](t, data).Position
	require.Equal(t, f.Stations[0].ID, pos.CurrentNodeID)
	require.False(t, pos.Finished)

	status, data = s.do(t, http.MethodPost, "/events/"+f.Event.ID+"/play/route", map[string]any{
		"team_id": f.Team.ID, "code": "1234", "from_node_id": f.Stations[0].ID,
	}, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	require.Equal(t, f.Stations[1].ID, decode[PlayRouteResponse](t, data).ToNodeID)
}

func TestCompileEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	f := s.seedEvent(t)
	path := "/events/" + f.Event.ID + "/compile"

	status, _ := s.do(t, http.MethodPost, path, nil, nil)
	require.Equal(t, http.StatusUnauthorized, status)

	status, data := s.do(t, http.MethodPost, path, nil, bearer(t, "vic"))
	require.Equal(t, http.StatusForbidden, status)
	require.False(t, decode[okError](t, data).OK)

	status, data = s.do(t, http.MethodPost, path, nil, bearer(t, "eddie"))
	require.Equal(t, http.StatusOK, status, string(data))
	require.JSONEq(t, `{"ok":true,"enqueued":1,"total":1}`, string(data))

	status, data = s.do(t, http.MethodPost, path, nil, bearer(t, "eddie"))
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"ok":true,"enqueued":0,"total":1}`, string(data))

	status, data = s.do(t, http.MethodGet, "/events/"+f.Event.ID+"/render-jobs", nil, bearer(t, "vic"))
	require.Equal(t, http.StatusOK, status, string(data))
	require.Len(t, decode[listResponse[domain.RenderJob]](t, data).Items, 1)
}

func TestRenderCallback(t *testing.T) {
	s := newTestServer(t, nil)
	f := s.seedEvent(t)
	secret := map[string]string{"X-Render-Secret": testRenderSecret}

	status, data := s.do(t, http.MethodPost, "/render/callback", map[string]any{
		"event_mission_id": f.Mission.ID, "status": "ready", "asset_url": "https://cdn.example.com/knots.mp4",
	}, secret)
	require.Equal(t, http.StatusOK, status, string(data))
	require.JSONEq(t, `{"ok":true,"rows_affected":1,"ignored":false}`, string(data))

	status, data = s.do(t, http.MethodGet, "/events/"+f.Event.ID+"/missions", nil, bearer(t, "vic"))
	require.Equal(t, http.StatusOK, status)
	missions := decode[listResponse[domain.MissionOverride]](t, data)
	require.Equal(t, domain.RenderReady, missions.Items[0].RenderStatus)
	require.Equal(t, "https://cdn.example.com/knots.mp4", missions.Items[0].RenderAssetURL)

	status, data = s.do(t, http.MethodPost, "/render/callback", map[string]any{
		"event_mission_id": f.Mission.ID, "status": "processing",
	}, secret)
	require.Equal(t, http.StatusOK, status)
	require.True(t, decode[RenderCallbackResponse](t, data).Ignored)
}

func TestRenderCallbackRejectsBadInput(t *testing.T) {
	s := newTestServer(t, nil)
	f := s.seedEvent(t)
	secret := map[string]string{"X-Render-Secret": testRenderSecret}

	status, data := s.do(t, http.MethodPost, "/render/callback", map[string]any{
		"event_mission_id": f.Mission.ID, "status": "ready",
	}, map[string]string{"X-Render-Secret": "wrong"})
	require.Equal(t, http.StatusUnauthorized, status)
	require.False(t, decode[okError](t, data).OK)

	status, data = s.do(t, http.MethodPost, "/render/callback", map[string]any{
		"event_mission_id": f.Mission.ID, "status": "done",
	}, secret)
	require.Equal(t, http.StatusBadRequest, status)
	bad := decode[okError](t, data)
	require.False(t, bad.OK)
	require.Contains(t, bad.Details, "status")

	status, _ = s.do(t, http.MethodPost, "/render/callback", map[string]any{
		"event_mission_id": f.Mission.ID, "status": "ready", "asset_url": "https://x.test/a", "attempt": 2,
	}, secret)
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = s.do(t, http.MethodPost, "/render/callback", "", secret)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestAdminErrors(t *testing.T) {
	s := newTestServer(t, nil)
	f := s.seedEvent(t)

	status, data := s.do(t, http.MethodPost, "/events/"+f.Event.ID+"/teams", map[string]any{"code": "1234", "name": "Copycats"}, bearer(t, "eddie"))
	require.Equal(t, http.StatusConflict, status, string(data))

	status, data = s.do(t, http.MethodPost, "/events/"+f.Event.ID+"/stations", map[string]any{"sequence": 3, "name": "Pier"}, bearer(t, "vic"))
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "forbidden", decode[apiError](t, data).Body.Code)

	status, _ = s.do(t, http.MethodGet, "/events/missing", nil, bearer(t, "eddie"))
	require.Equal(t, http.StatusNotFound, status)

	status, data = s.do(t, http.MethodPost, "/events/"+f.Event.ID+"/status", map[string]any{"status": "completed"}, bearer(t, "eddie"))
	require.Equal(t, http.StatusOK, status, string(data))
	status, _ = s.do(t, http.MethodPost, "/events/"+f.Event.ID+"/status", map[string]any{"status": "draft"}, bearer(t, "eddie"))
	require.Equal(t, http.StatusBadRequest, status)
}

func TestAssignmentsAndRouting(t *testing.T) {
	s := newTestServer(t, nil)
	f := s.seedEvent(t)
	h := bearer(t, "eddie")

	status, data := s.do(t, http.MethodPut, "/events/"+f.Event.ID+"/assignments", map[string]any{
		"team_id": f.Team.ID, "mission_id": f.Mission.ID, "station_id": f.Stations[1].ID,
	}, h)
	require.Equal(t, http.StatusOK, status, string(data))

	status, data = s.do(t, http.MethodPost, "/events/"+f.Event.ID+"/play/route", map[string]any{"team_id": f.Team.ID, "code": "1234"}, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	dec := decode[PlayRouteResponse](t, data)
	require.Equal(t, f.Stations[1].ID, dec.ToNodeID)
	require.NotNil(t, dec.Payload)
	require.Len(t, dec.Payload.Missions, 1)
}

func TestMeAndAPIKeys(t *testing.T) {
	s := newTestServer(t, nil)

	status, data := s.do(t, http.MethodPost, "/me/api-keys", map[string]any{"name": "ci"}, bearer(t, "olivia"))
	require.Equal(t, http.StatusCreated, status, string(data))
	key := decode[CreateAPIKeyResponse](t, data)
	require.NotEmpty(t, key.Key)

	status, data = s.do(t, http.MethodGet, "/me", nil, map[string]string{"X-Api-Key": key.Key})
	require.Equal(t, http.StatusOK, status, string(data))
	me := decode[WhoAmIResponse](t, data)
	require.Equal(t, "olivia", me.ActorID)
	require.Equal(t, "api_key", me.Source)
	require.Len(t, me.Orgs, 1)
	require.Equal(t, auth.RoleOwner, me.Orgs[0].Role)

	status, _ = s.do(t, http.MethodGet, "/me", nil, map[string]string{"X-Api-Key": "ql_bogus"})
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = s.do(t, http.MethodDelete, "/me/api-keys/"+key.ID, nil, bearer(t, "eddie"))
	require.Equal(t, http.StatusNotFound, status)
	status, data = s.do(t, http.MethodDelete, "/me/api-keys/"+key.ID, nil, bearer(t, "olivia"))
	require.Equal(t, http.StatusNoContent, status, string(data))
	status, _ = s.do(t, http.MethodGet, "/me", nil, map[string]string{"X-Api-Key": key.Key})
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestDevLogin(t *testing.T) {
	s := newTestServer(t, nil)
	status, data := s.do(t, http.MethodPost, "/auth/dev/login", map[string]any{"actor_id": "vic"}, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	token := decode[DevLoginResponse](t, data).Token

	status, data = s.do(t, http.MethodGet, "/me", nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, status, string(data))
	require.Equal(t, "jwt", decode[WhoAmIResponse](t, data).Source)
}

func TestGrantRole(t *testing.T) {
	s := newTestServer(t, nil)
	status, data := s.do(t, http.MethodPost, "/orgs/"+testOrg+"/members", map[string]any{"actor_id": "nina", "role": "editor"}, bearer(t, "olivia"))
	require.Equal(t, http.StatusOK, status, string(data))

	status, _ = s.do(t, http.MethodPost, "/orgs/"+testOrg+"/members", map[string]any{"actor_id": "nina", "role": "owner"}, bearer(t, "eddie"))
	require.Equal(t, http.StatusForbidden, status)
}

func TestWebhookDelivery(t *testing.T) {
	received := make(chan http.Header, 8)
	var bodies [][]byte
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		bodies = append(bodies, data)
		received <- r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	cfg := config.Default()
	cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL, OrgID: testOrg, Events: []string{"event.compiled"}, Secret: "shh"}}
	s := newTestServer(t, cfg)
	f := s.seedEvent(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startWebhookDispatcher(ctx, s.Engine, zerolog.Nop(), 20*time.Millisecond)

	status, data := s.do(t, http.MethodPost, "/events/"+f.Event.ID+"/compile", nil, bearer(t, "eddie"))
	require.Equal(t, http.StatusOK, status, string(data))

	select {
	case h := <-received:
		require.Equal(t, "event.compiled", h.Get("X-Questline-Event"))
		require.Equal(t, "shh", h.Get("X-Questline-Secret"))
		require.Equal(t, testOrg, h.Get("X-Questline-Org"))
	case <-time.After(3 * time.Second):
		t.Fatal("webhook not delivered")
	}
	cancel()
	var delivery webhookDelivery
	require.NoError(t, json.Unmarshal(bodies[0], &delivery))
	require.Equal(t, f.Event.ID, delivery.EventID)
	require.Len(t, received, 0)
}

func TestWebhookCursorLookupFailureDoesNotReplayHistory(t *testing.T) {
	var delivered atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	cfg := config.Default()
	cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL, OrgID: testOrg, Events: []string{"event.compiled"}}}
	s := newTestServer(t, cfg)
	f := s.seedEvent(t)
	status, data := s.do(t, http.MethodPost, "/events/"+f.Event.ID+"/compile", nil, bearer(t, "eddie"))
	require.Equal(t, http.StatusOK, status, string(data))

	ctx := context.Background()
	d := newWebhookDispatcher(s.Engine, zerolog.Nop(), time.Hour)
	lookups := 0
	d.latestID = func(ctx context.Context) (int64, error) {
		lookups++
		if lookups == 1 {
			return 0, errors.New("database is locked")
		}
		return s.Engine.Repo.LatestActivityID(ctx)
	}

	d.tick(ctx)
	require.Equal(t, int32(0), delivered.Load())
	d.tick(ctx)
	require.Equal(t, int32(0), delivered.Load(), "activity from before the dispatcher started is not sent")
	require.Equal(t, 2, lookups)

	status, data = s.do(t, http.MethodPost, "/events/"+f.Event.ID+"/compile", nil, bearer(t, "eddie"))
	require.Equal(t, http.StatusOK, status, string(data))
	d.tick(ctx)
	require.Equal(t, int32(1), delivered.Load())
	require.Equal(t, 2, lookups)
}
