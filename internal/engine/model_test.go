package engine_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"questline/internal/domain"
	"questline/internal/engine"
	"questline/internal/engine/auth"
)

func TestCreateEventUsesConfigDefaults(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, domain.EventDraft, env.Event.Status)
	require.Equal(t, 15, env.Event.Preferences.MaxPrepMinutes)
	require.False(t, env.Event.Preferences.AllowHQActivities)

	_, err := env.Engine.CreateEvent(env.Ctx, engine.CreateEventOptions{OrgID: orgID, Name: "Nope", ActorID: viewer})
	require.ErrorIs(t, err, engine.ErrForbidden)

	_, err = env.Engine.CreateEvent(env.Ctx, engine.CreateEventOptions{OrgID: orgID, Name: " ", ActorID: owner})
	require.ErrorIs(t, err, engine.ErrInvalidInput)
}

func TestEventStatusIsMonotonic(t *testing.T) {
	env := newTestEnv(t)
	ev, err := env.Engine.SetEventStatus(env.Ctx, env.Event.ID, domain.EventActive, editor)
	require.NoError(t, err)
	require.Equal(t, domain.EventActive, ev.Status)

	_, err = env.Engine.SetEventStatus(env.Ctx, env.Event.ID, domain.EventDraft, editor)
	require.ErrorIs(t, err, engine.ErrInvalidInput)

	ev, err = env.Engine.SetEventStatus(env.Ctx, env.Event.ID, domain.EventCompleted, editor)
	require.NoError(t, err)
	require.Equal(t, domain.EventCompleted, ev.Status)

	_, err = env.Engine.SetEventStatus(env.Ctx, env.Event.ID, "paused", editor)
	require.ErrorIs(t, err, engine.ErrInvalidInput)

	_, err = env.Engine.SetEventStatus(env.Ctx, env.Event.ID, domain.EventArchived, viewer)
	require.ErrorIs(t, err, engine.ErrForbidden)
}

func TestUpdateEventPreferencesPatch(t *testing.T) {
	env := newTestEnv(t)
	ev, err := env.Engine.UpdateEventPreferences(env.Ctx, env.Event.ID, engine.EventPreferencesPatch{AllowHQActivities: boolPtr(true)}, editor)
	require.NoError(t, err)
	require.True(t, ev.Preferences.AllowHQActivities)
	require.Equal(t, 15, ev.Preferences.MaxPrepMinutes)

	_, err = env.Engine.UpdateEventPreferences(env.Ctx, env.Event.ID, engine.EventPreferencesPatch{}, editor)
	require.ErrorIs(t, err, engine.ErrInvalidInput)

	_, err = env.Engine.UpdateEventPreferences(env.Ctx, env.Event.ID, engine.EventPreferencesPatch{MaxPrepMinutes: intPtr(-1)}, editor)
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "max_prep_minutes")

	ev, err = env.Engine.GetEvent(env.Ctx, env.Event.ID, viewer)
	require.NoError(t, err)
	require.True(t, ev.Preferences.AllowHQActivities)
	require.Equal(t, 15, ev.Preferences.MaxPrepMinutes)

	_, err = env.Engine.GetEvent(env.Ctx, env.Event.ID, outside)
	require.ErrorIs(t, err, engine.ErrNotFound)
}

func TestAddTeamRejectsDuplicateCode(t *testing.T) {
	env := newTestEnv(t)
	env.team(t, "4821", "Gulls")
	_, err := env.Engine.AddTeam(env.Ctx, engine.AddTeamOptions{EventID: env.Event.ID, Code: "4821", Name: "Terns", ActorID: editor})
	require.ErrorIs(t, err, engine.ErrConflict)

	_, err = env.Engine.AddTeam(env.Ctx, engine.AddTeamOptions{EventID: env.Event.ID, Code: "48", Name: "Terns", ActorID: editor})
	require.ErrorIs(t, err, engine.ErrInvalidInput)

	other, err := env.Engine.CreateEvent(env.Ctx, engine.CreateEventOptions{OrgID: orgID, Name: "Second", ActorID: owner})
	require.NoError(t, err)
	_, err = env.Engine.AddTeam(env.Ctx, engine.AddTeamOptions{EventID: other.ID, Code: "4821", Name: "Gulls", ActorID: editor})
	require.NoError(t, err)
}

func TestAssignMissionOverwritesSameTriple(t *testing.T) {
	env := newTestEnv(t)
	s1 := env.station(t, 1, "Pier")
	s2 := env.station(t, 2, "Lighthouse")
	team := env.team(t, "4821", "Gulls")
	m := env.mission(t, "selfie")

	first, err := env.Engine.AssignMission(env.Ctx, engine.AssignOptions{EventID: env.Event.ID, TeamID: team.ID, MissionID: m.ID, StationID: s1.ID, ActorID: editor})
	require.NoError(t, err)
	second, err := env.Engine.AssignMission(env.Ctx, engine.AssignOptions{EventID: env.Event.ID, TeamID: team.ID, MissionID: m.ID, StationID: s2.ID, Required: boolPtr(false), ActorID: editor})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, s2.ID, second.StationID)
	require.False(t, second.Required)

	list, err := env.Engine.ListAssignments(env.Ctx, env.Event.ID, team.ID, viewer)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = env.Engine.AssignMission(env.Ctx, engine.AssignOptions{EventID: env.Event.ID, TeamID: team.ID, MissionID: m.ID, StationID: s1.ID, ActorID: viewer})
	require.ErrorIs(t, err, engine.ErrForbidden)
}

func TestUpdateMissionOverridePatch(t *testing.T) {
	env := newTestEnv(t)
	m := env.mission(t, "selfie")
	props := []string{"hat", "flag"}
	got, err := env.Engine.UpdateMissionOverride(env.Ctx, env.Event.ID, m.ID, engine.MissionOverridePatch{
		RequiresPhoto:   boolPtr(true),
		Props:           &props,
		ExpectedMinutes: intPtr(5),
		P95Minutes:      intPtr(9),
	}, editor)
	require.NoError(t, err)
	require.True(t, got.RequiresPhoto)
	require.Equal(t, props, got.Props)
	require.Equal(t, 5, *got.ExpectedMinutes)
	require.Equal(t, "selfie", got.Title)
	require.Equal(t, domain.RenderQueued, got.RenderStatus)

	_, err = env.Engine.UpdateMissionOverride(env.Ctx, env.Event.ID, m.ID, engine.MissionOverridePatch{P95Minutes: intPtr(2)}, editor)
	require.ErrorIs(t, err, engine.ErrInvalidInput)

	_, err = env.Engine.UpdateMissionOverride(env.Ctx, env.Event.ID, m.ID, engine.MissionOverridePatch{}, editor)
	require.ErrorIs(t, err, engine.ErrInvalidInput)

	_, err = env.Engine.UpdateMissionOverride(env.Ctx, env.Event.ID, m.ID, engine.MissionOverridePatch{Enabled: boolPtr(false)}, viewer)
	require.ErrorIs(t, err, engine.ErrForbidden)
}

func TestGrantRole(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.Engine.GrantRole(env.Ctx, orgID, "newbie", auth.RoleEditor, owner))
	role, err := env.Engine.Repo.OrgRole(env.Ctx, nil, orgID, "newbie")
	require.NoError(t, err)
	require.Equal(t, auth.RoleEditor, role)

	require.ErrorIs(t, env.Engine.GrantRole(env.Ctx, orgID, "newbie", auth.RoleAdmin, editor), engine.ErrForbidden)
	require.ErrorIs(t, env.Engine.GrantRole(env.Ctx, orgID, "newbie", "root", owner), engine.ErrInvalidInput)
}
