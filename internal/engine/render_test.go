package engine_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"questline/internal/config"
	"questline/internal/domain"
	"questline/internal/engine"
	"questline/internal/engine/auth"
)

func TestApplyRenderStatusFailedThenReady(t *testing.T) {
	env := newTestEnv(t)
	m := env.mission(t, "selfie")
	_, err := env.Engine.CompileEvent(env.Ctx, env.Event.ID, auth.User{ID: editor})
	require.NoError(t, err)

	res, err := env.Engine.ApplyRenderStatus(env.Ctx, engine.RenderStatusPayload{EventMissionID: m.ID, Status: domain.RenderFailed, ErrorMessage: "timeout"})
	require.NoError(t, err)
	require.EqualValues(t, 1, res.RowsAffected)
	got, err := env.Engine.Repo.GetMission(env.Ctx, nil, m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RenderFailed, got.RenderStatus)
	require.Equal(t, "timeout", got.RenderError)

	asset := "https://cdn.example.com/renders/a.mp4"
	for i := 0; i < 2; i++ {
		_, err = env.Engine.ApplyRenderStatus(env.Ctx, engine.RenderStatusPayload{EventMissionID: m.ID, Status: domain.RenderReady, AssetURL: asset})
		require.NoError(t, err)
	}
	got, err = env.Engine.Repo.GetMission(env.Ctx, nil, m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RenderReady, got.RenderStatus)
	require.Equal(t, asset, got.RenderAssetURL)
	require.Empty(t, got.RenderError)

	jobs, err := env.Engine.ListRenderJobs(env.Ctx, env.Event.ID, "", viewer)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, domain.RenderReady, jobs[0].Status)
}

func TestApplyRenderStatusRejectsBadPayloads(t *testing.T) {
	env := newTestEnv(t)
	m := env.mission(t, "selfie")

	cases := map[string]struct {
		payload engine.RenderStatusPayload
		field   string
	}{
		"ready without asset": {engine.RenderStatusPayload{EventMissionID: m.ID, Status: domain.RenderReady}, "asset_url"},
		"bad id":              {engine.RenderStatusPayload{EventMissionID: "m1", Status: domain.RenderQueued}, "event_mission_id"},
		"bad status":          {engine.RenderStatusPayload{EventMissionID: m.ID, Status: "done"}, "status"},
		"bad url":             {engine.RenderStatusPayload{EventMissionID: m.ID, Status: domain.RenderReady, AssetURL: "not a url"}, "asset_url"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.Engine.ApplyRenderStatus(env.Ctx, tc.payload)
			require.ErrorIs(t, err, engine.ErrInvalidInput)
			var verr engine.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Contains(t, verr.Fields, tc.field)
		})
	}

	got, err := env.Engine.Repo.GetMission(env.Ctx, nil, m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RenderQueued, got.RenderStatus)
}

func TestApplyRenderStatusGuardsReady(t *testing.T) {
	env := newTestEnv(t)
	m := env.mission(t, "selfie")
	asset := "https://cdn.example.com/renders/b.mp4"
	_, err := env.Engine.ApplyRenderStatus(env.Ctx, engine.RenderStatusPayload{EventMissionID: m.ID, Status: domain.RenderReady, AssetURL: asset})
	require.NoError(t, err)

	res, err := env.Engine.ApplyRenderStatus(env.Ctx, engine.RenderStatusPayload{EventMissionID: m.ID, Status: domain.RenderProcessing})
	require.NoError(t, err)
	require.True(t, res.Ignored)
	require.Zero(t, res.RowsAffected)
	got, err := env.Engine.Repo.GetMission(env.Ctx, nil, m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RenderReady, got.RenderStatus)

	res, err = env.Engine.ApplyRenderStatus(env.Ctx, engine.RenderStatusPayload{EventMissionID: m.ID, Status: domain.RenderFailed, ErrorMessage: "re-render crashed"})
	require.NoError(t, err)
	require.False(t, res.Ignored)
	got, err = env.Engine.Repo.GetMission(env.Ctx, nil, m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RenderFailed, got.RenderStatus)
}

func TestApplyRenderStatusLastWriteWinsWithoutGuard(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default()
	off := false
	cfg.Render.GuardReady = &off
	env.Engine.Config = cfg
	m := env.mission(t, "selfie")

	_, err := env.Engine.ApplyRenderStatus(env.Ctx, engine.RenderStatusPayload{EventMissionID: m.ID, Status: domain.RenderReady, AssetURL: "https://cdn.example.com/c.mp4"})
	require.NoError(t, err)
	res, err := env.Engine.ApplyRenderStatus(env.Ctx, engine.RenderStatusPayload{EventMissionID: m.ID, Status: domain.RenderProcessing})
	require.NoError(t, err)
	require.EqualValues(t, 1, res.RowsAffected)
	got, err := env.Engine.Repo.GetMission(env.Ctx, nil, m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RenderProcessing, got.RenderStatus)
}

func TestApplyRenderStatusUnknownMission(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.ApplyRenderStatus(env.Ctx, engine.RenderStatusPayload{EventMissionID: uuid.NewString(), Status: domain.RenderProcessing})
	require.NoError(t, err)
	require.Zero(t, res.RowsAffected)
	require.False(t, res.Ignored)
}
