package server

import (
	"questline/internal/domain"
	"questline/internal/engine"
	"questline/internal/repo"
)

// Play and compile payloads (ok envelope)

type PlayAuthRequest struct {
	Code string `json:"code"`
}

type PlayAuthResponse struct {
	OK       bool            `json:"ok"`
	EventID  string          `json:"event_id"`
	TeamID   string          `json:"team_id"`
	TeamName string          `json:"team_name"`
	RouteID  string          `json:"route_id"`
	Position engine.Position `json:"position"`
}

type PlayRouteRequest struct {
	TeamID     string `json:"team_id"`
	Code       string `json:"code"`
	FromNodeID string `json:"from_node_id,omitempty"`
}

type PlayRouteResponse struct {
	OK bool `json:"ok"`
	engine.RouteDecision
}

type PlayVisitRequest struct {
	TeamID string `json:"team_id"`
	Code   string `json:"code"`
	NodeID string `json:"node_id"`
	State  string `json:"state"`
}

type PlayVisitResponse struct {
	OK    bool         `json:"ok"`
	Visit domain.Visit `json:"visit"`
}

type CompileResponse struct {
	OK       bool `json:"ok"`
	Enqueued int  `json:"enqueued"`
	Total    int  `json:"total"`
}

type RenderCallbackResponse struct {
	OK           bool  `json:"ok"`
	RowsAffected int64 `json:"rows_affected"`
	Ignored      bool  `json:"ignored"`
}

// Admin request payloads

type CreateEventRequest struct {
	Name        string                        `json:"name" minLength:"1"`
	SourceModel string                        `json:"source_model,omitempty"`
	Preferences *engine.EventPreferencesPatch `json:"preferences,omitempty"`
}

type SetEventStatusRequest struct {
	Status string `json:"status" enum:"draft,active,completed,archived"`
}

type AddStationRequest struct {
	Sequence    int    `json:"sequence" minimum:"0"`
	Name        string `json:"name" minLength:"1"`
	Description string `json:"description,omitempty"`
	Activity    string `json:"activity,omitempty"`
}

type AddTeamRequest struct {
	Code     string `json:"code" pattern:"^[0-9]{4}$"`
	Name     string `json:"name" minLength:"1"`
	Color    string `json:"color,omitempty"`
	Emblem   string `json:"emblem,omitempty"`
	Capacity int    `json:"capacity,omitempty" minimum:"0"`
}

type SetTeamStatusRequest struct {
	Status string `json:"status" enum:"active,inactive,completed"`
}

type AddMissionRequest struct {
	MissionID       string   `json:"mission_id" minLength:"1"`
	Title           string   `json:"title,omitempty"`
	Description     string   `json:"description,omitempty"`
	Enabled         *bool    `json:"enabled,omitempty"`
	RequiresVideo   bool     `json:"requires_video,omitempty"`
	RequiresPhoto   bool     `json:"requires_photo,omitempty"`
	RequiresActor   bool     `json:"requires_actor,omitempty"`
	Props           []string `json:"props,omitempty"`
	ExpectedMinutes *int     `json:"expected_minutes,omitempty"`
	P95Minutes      *int     `json:"p95_minutes,omitempty"`
}

type AssignRequest struct {
	TeamID    string `json:"team_id"`
	MissionID string `json:"mission_id" doc:"Mission override id"`
	StationID string `json:"station_id"`
	Required  *bool  `json:"required,omitempty"`
}

type GrantRoleRequest struct {
	ActorID string `json:"actor_id" minLength:"1"`
	Role    string `json:"role" enum:"viewer,editor,admin,owner"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	OrgID   string `json:"org_id,omitempty"`
}

// Admin responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string               `json:"actor_id"`
	OrgID   string               `json:"org_id,omitempty"`
	Source  string               `json:"source"`
	Orgs    []repo.OrgMembership `json:"orgs"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func list[T any](items []T) listResponse[T] {
	return listResponse[T]{Items: nonNilSlice(items)}
}

type CreateOrgRequest struct {
	ID   string `json:"id" minLength:"1"`
	Name string `json:"name,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type CreateAPIKeyResponse struct {
	ID  string `json:"id"`
	Key string `json:"key" doc:"Shown once; only its hash is stored"`
}
