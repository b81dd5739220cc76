package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"questline/internal/domain"
	"questline/internal/engine"
	"questline/internal/repo"
)

type eventPath struct {
	EventID string `path:"event_id"`
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-org",
		Method:        http.MethodPost,
		Path:          "/orgs",
		Summary:       "Create organization",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateOrgRequest `json:"body"`
	}) (*struct {
		Body domain.Organization `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		org, err := e.CreateOrg(ctx, input.Body.ID, input.Body.Name, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Organization `json:"body"`
		}{Body: org}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-event",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/events",
		Summary:       "Create event",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		OrgID string             `path:"org_id"`
		Body  CreateEventRequest `json:"body"`
	}) (*struct {
		Body domain.Event `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CreateEventOptions{
			OrgID:       input.OrgID,
			Name:        input.Body.Name,
			SourceModel: input.Body.SourceModel,
			ActorID:     principal.ActorID,
		}
		if input.Body.Preferences != nil {
			opts.Preferences = *input.Body.Preferences
		}
		ev, err := e.CreateEvent(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Event `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/events",
		Summary:     "List events",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body listResponse[domain.Event] `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListEvents(ctx, input.OrgID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listResponse[domain.Event] `json:"body"`
		}{Body: list(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-event",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}",
		Summary:     "Get event",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *eventPath) (*struct {
		Body domain.Event `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.GetEvent(ctx, input.EventID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Event `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-event-status",
		Method:      http.MethodPost,
		Path:        "/events/{event_id}/status",
		Summary:     "Move an event to a later lifecycle status",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string                `path:"event_id"`
		Body    SetEventStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Event `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.SetEventStatus(ctx, input.EventID, input.Body.Status, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Event `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-event-preferences",
		Method:      http.MethodPatch,
		Path:        "/events/{event_id}/preferences",
		Summary:     "Update event preferences",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string                       `path:"event_id"`
		Body    engine.EventPreferencesPatch `json:"body"`
	}) (*struct {
		Body domain.Event `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.UpdateEventPreferences(ctx, input.EventID, input.Body, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Event `json:"body"`
		}{Body: ev}, nil
	})
}

func registerStations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-station",
		Method:        http.MethodPost,
		Path:          "/events/{event_id}/stations",
		Summary:       "Add station",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string            `path:"event_id"`
		Body    AddStationRequest `json:"body"`
	}) (*struct {
		Body domain.Station `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.AddStation(ctx, engine.AddStationOptions{
			EventID:     input.EventID,
			Sequence:    input.Body.Sequence,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Activity:    input.Body.Activity,
			ActorID:     principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Station `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stations",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}/stations",
		Summary:     "List stations in route order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *eventPath) (*struct {
		Body listResponse[domain.Station] `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListStations(ctx, input.EventID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listResponse[domain.Station] `json:"body"`
		}{Body: list(items)}, nil
	})
}

func registerTeams(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-team",
		Method:        http.MethodPost,
		Path:          "/events/{event_id}/teams",
		Summary:       "Add team",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		EventID string         `path:"event_id"`
		Body    AddTeamRequest `json:"body"`
	}) (*struct {
		Body domain.Team `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.AddTeam(ctx, engine.AddTeamOptions{
			EventID:  input.EventID,
			Code:     input.Body.Code,
			Name:     input.Body.Name,
			Color:    input.Body.Color,
			Emblem:   input.Body.Emblem,
			Capacity: input.Body.Capacity,
			ActorID:  principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Team `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-teams",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}/teams",
		Summary:     "List teams",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *eventPath) (*struct {
		Body listResponse[domain.Team] `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListTeams(ctx, input.EventID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listResponse[domain.Team] `json:"body"`
		}{Body: list(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-team-status",
		Method:      http.MethodPost,
		Path:        "/events/{event_id}/teams/{team_id}/status",
		Summary:     "Activate or deactivate a team",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string               `path:"event_id"`
		TeamID  string               `path:"team_id"`
		Body    SetTeamStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Team `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.SetTeamStatus(ctx, input.EventID, input.TeamID, input.Body.Status, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Team `json:"body"`
		}{Body: t}, nil
	})
}

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-mission-override",
		Method:        http.MethodPost,
		Path:          "/events/{event_id}/missions",
		Summary:       "Add mission override",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string            `path:"event_id"`
		Body    AddMissionRequest `json:"body"`
	}) (*struct {
		Body domain.MissionOverride `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		m, err := e.AddMissionOverride(ctx, engine.AddMissionOptions{
			EventID:         input.EventID,
			MissionID:       b.MissionID,
			Title:           b.Title,
			Description:     b.Description,
			Enabled:         b.Enabled,
			RequiresVideo:   b.RequiresVideo,
			RequiresPhoto:   b.RequiresPhoto,
			RequiresActor:   b.RequiresActor,
			Props:           b.Props,
			ExpectedMinutes: b.ExpectedMinutes,
			P95Minutes:      b.P95Minutes,
			ActorID:         principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MissionOverride `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-mission-overrides",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}/missions",
		Summary:     "List mission overrides",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *eventPath) (*struct {
		Body listResponse[domain.MissionOverride] `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListMissionOverrides(ctx, input.EventID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listResponse[domain.MissionOverride] `json:"body"`
		}{Body: list(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-mission-override",
		Method:      http.MethodPatch,
		Path:        "/events/{event_id}/missions/{mission_id}",
		Summary:     "Update mission override content",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID   string                      `path:"event_id"`
		MissionID string                      `path:"mission_id"`
		Body      engine.MissionOverridePatch `json:"body"`
	}) (*struct {
		Body domain.MissionOverride `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.UpdateMissionOverride(ctx, input.EventID, input.MissionID, input.Body, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MissionOverride `json:"body"`
		}{Body: m}, nil
	})
}

func registerAssignments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "assign-mission",
		Method:      http.MethodPut,
		Path:        "/events/{event_id}/assignments",
		Summary:     "Bind a team's mission to a station",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string        `path:"event_id"`
		Body    AssignRequest `json:"body"`
	}) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.AssignMission(ctx, engine.AssignOptions{
			EventID:   input.EventID,
			TeamID:    input.Body.TeamID,
			MissionID: input.Body.MissionID,
			StationID: input.Body.StationID,
			Required:  input.Body.Required,
			ActorID:   principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}/assignments",
		Summary:     "List assignments",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
		TeamID  string `query:"team_id"`
	}) (*struct {
		Body listResponse[domain.Assignment] `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListAssignments(ctx, input.EventID, input.TeamID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listResponse[domain.Assignment] `json:"body"`
		}{Body: list(items)}, nil
	})
}

func registerVisits(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-visits",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}/visits",
		Summary:     "List visit log entries",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
		TeamID  string `query:"team_id"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body listResponse[domain.Visit] `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListVisits(ctx, input.EventID, input.TeamID, principal.ActorID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listResponse[domain.Visit] `json:"body"`
		}{Body: list(items)}, nil
	})
}

func registerRenderJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-render-jobs",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}/render-jobs",
		Summary:     "List render jobs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
		Status  string `query:"status" enum:"queued,processing,ready,failed"`
	}) (*struct {
		Body listResponse[domain.RenderJob] `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListRenderJobs(ctx, input.EventID, input.Status, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listResponse[domain.RenderJob] `json:"body"`
		}{Body: list(items)}, nil
	})
}

func registerActivity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-activity",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/activity",
		Summary:     "Recent organization activity, newest first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID   string `path:"org_id"`
		EventID string `query:"event_id"`
		Type    string `query:"type"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body listResponse[domain.ActivityEntry] `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.RecentActivity(ctx, engine.ActivityQuery{
			OrgID:   input.OrgID,
			EventID: input.EventID,
			Type:    input.Type,
			Limit:   normalizeLimit(input.Limit),
		}, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listResponse[domain.ActivityEntry] `json:"body"`
		}{Body: list(items)}, nil
	})
}

func registerMembers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "grant-role",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/members",
		Summary:     "Grant an organization role",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID string           `path:"org_id"`
		Body  GrantRoleRequest `json:"body"`
	}) (*struct {
		Body repo.OrgMembership `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.GrantRole(ctx, input.OrgID, input.Body.ActorID, input.Body.Role, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body repo.OrgMembership `json:"body"`
		}{Body: repo.OrgMembership{OrgID: input.OrgID, Role: input.Body.Role}}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal and memberships",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		orgs, err := e.Repo.ActorOrgs(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			OrgID:   principal.OrgID,
			Source:  principal.Source,
			Orgs:    nonNilSlice(orgs),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/me/api-keys",
		Summary:       "Create an API key for the current actor",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreateAPIKeyResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		k, err := e.CreateAPIKey(ctx, principal.ActorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateAPIKeyResponse `json:"body"`
		}{Body: CreateAPIKeyResponse{ID: k.ID, Key: k.Key}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/me/api-keys/{key_id}",
		Summary:       "Revoke one of the current actor's API keys",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeAPIKey(ctx, principal.ActorID, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerDevAuth(api huma.API, cfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Mint a development token",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if cfg.JWTSecret == "" {
			return nil, newAPIError(http.StatusNotFound, "not_found", "dev login disabled", nil)
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(cfg.JWTSecret, input.Body.ActorID, input.Body.OrgID, 12*time.Hour)
		if err != nil {
			cfg.Log.Error().Err(err).Msg("sign dev token")
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
