package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"questline/internal/activity"
	"questline/internal/domain"
	"questline/internal/engine/auth"
	"questline/internal/repo"
)

var accessCodePattern = regexp.MustCompile(`^[0-9]{4}$`)

// ValidAccessCode reports whether code is exactly four ASCII digits.
func ValidAccessCode(code string) bool {
	return accessCodePattern.MatchString(code)
}

// EventPreferencesPatch is a partial update of event gameplay preferences.
// Only non-nil fields are written.
type EventPreferencesPatch struct {
	AllowHQActivities *bool `json:"allow_hq_activities,omitempty"`
	MaxPrepMinutes    *int  `json:"max_prep_minutes,omitempty" validate:"omitnil,min=0,max=240"`
}

func (p EventPreferencesPatch) empty() bool {
	return p.AllowHQActivities == nil && p.MaxPrepMinutes == nil
}

type CreateEventOptions struct {
	ID          string
	OrgID       string
	Name        string
	SourceModel string
	Preferences EventPreferencesPatch
	ActorID     string
}

func (e Engine) CreateEvent(ctx context.Context, opts CreateEventOptions) (domain.Event, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Event{}, invalidf("name is required")
	}
	if err := validateStruct(opts.Preferences); err != nil {
		return domain.Event{}, err
	}
	now := e.stamp()
	ev := domain.Event{
		ID:          opts.ID,
		OrgID:       opts.OrgID,
		Name:        strings.TrimSpace(opts.Name),
		Status:      domain.EventDraft,
		SourceModel: opts.SourceModel,
		Preferences: domain.EventPreferences{
			AllowHQActivities: e.Config.Gameplay.AllowHQActivities,
			MaxPrepMinutes:    e.Config.Gameplay.MaxPrepMinutes,
		},
		CreatedBy: opts.ActorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if opts.Preferences.AllowHQActivities != nil {
		ev.Preferences.AllowHQActivities = *opts.Preferences.AllowHQActivities
	}
	if opts.Preferences.MaxPrepMinutes != nil {
		ev.Preferences.MaxPrepMinutes = *opts.Preferences.MaxPrepMinutes
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.authorizeOrg(ctx, tx, opts.OrgID, opts.ActorID, auth.RoleEditor); err != nil {
			return err
		}
		if err := e.Repo.InsertEvent(ctx, tx, ev); err != nil {
			return err
		}
		return e.activity().Append(ctx, tx, activity.EventCreated, ev.OrgID, ev.ID, "event", ev.ID, opts.ActorID,
			activity.Payload{"name": ev.Name, "status": ev.Status})
	})
	if err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

func (e Engine) GetEvent(ctx context.Context, eventID, actorID string) (domain.Event, error) {
	var ev domain.Event
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ev, err = e.authorizeEvent(ctx, tx, eventID, actorID, auth.RoleViewer)
		return err
	})
	return ev, err
}

func (e Engine) ListEvents(ctx context.Context, orgID, actorID string) ([]domain.Event, error) {
	var res []domain.Event
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.authorizeOrg(ctx, tx, orgID, actorID, auth.RoleViewer); err != nil {
			return err
		}
		var err error
		res, err = e.Repo.ListEvents(ctx, tx, orgID)
		return err
	})
	return res, err
}

// ensureEventTransition allows only forward moves along draft, active, completed, archived.
func ensureEventTransition(from, to string) error {
	if !domain.ValidEventStatus(to) {
		return invalidf("unknown event status %q", to)
	}
	if domain.EventStatusRank(to) <= domain.EventStatusRank(from) {
		return invalidf("event status cannot move from %s to %s", from, to)
	}
	return nil
}

func (e Engine) SetEventStatus(ctx context.Context, eventID, status, actorID string) (domain.Event, error) {
	var ev domain.Event
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ev, err = e.authorizeEvent(ctx, tx, eventID, actorID, auth.RoleEditor)
		if err != nil {
			return err
		}
		if ev.Status == status {
			return nil
		}
		if err := ensureEventTransition(ev.Status, status); err != nil {
			return err
		}
		old := ev.Status
		ev.Status = status
		ev.UpdatedAt = e.stamp()
		if err := e.Repo.UpdateEvent(ctx, tx, ev.ID, repo.EventPatch{Status: &status, UpdatedAt: ev.UpdatedAt}); err != nil {
			return err
		}
		return e.activity().Append(ctx, tx, activity.EventUpdated, ev.OrgID, ev.ID, "event", ev.ID, actorID,
			activity.Payload{"status": status, "previous_status": old})
	})
	return ev, err
}

func (e Engine) UpdateEventPreferences(ctx context.Context, eventID string, patch EventPreferencesPatch, actorID string) (domain.Event, error) {
	if patch.empty() {
		return domain.Event{}, invalidf("no preference fields to update")
	}
	if err := validateStruct(patch); err != nil {
		return domain.Event{}, err
	}
	var ev domain.Event
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ev, err = e.authorizeEvent(ctx, tx, eventID, actorID, auth.RoleEditor)
		if err != nil {
			return err
		}
		if ev.Status == domain.EventArchived {
			return invalidf("event %s is archived", ev.ID)
		}
		changed := activity.Payload{}
		if patch.AllowHQActivities != nil {
			ev.Preferences.AllowHQActivities = *patch.AllowHQActivities
			changed["allow_hq_activities"] = *patch.AllowHQActivities
		}
		if patch.MaxPrepMinutes != nil {
			ev.Preferences.MaxPrepMinutes = *patch.MaxPrepMinutes
			changed["max_prep_minutes"] = *patch.MaxPrepMinutes
		}
		ev.UpdatedAt = e.stamp()
		if err := e.Repo.UpdateEvent(ctx, tx, ev.ID, repo.EventPatch{
			AllowHQActivities: patch.AllowHQActivities,
			MaxPrepMinutes:    patch.MaxPrepMinutes,
			UpdatedAt:         ev.UpdatedAt,
		}); err != nil {
			return err
		}
		return e.activity().Append(ctx, tx, activity.EventUpdated, ev.OrgID, ev.ID, "event", ev.ID, actorID, changed)
	})
	return ev, err
}

type AddStationOptions struct {
	EventID     string
	Sequence    int
	Name        string
	Description string
	Activity    string
	ActorID     string
}

func (e Engine) AddStation(ctx context.Context, opts AddStationOptions) (domain.Station, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Station{}, invalidf("station name is required")
	}
	if opts.Sequence < 0 {
		return domain.Station{}, invalidf("sequence must be >= 0")
	}
	s := domain.Station{
		ID:          uuid.NewString(),
		EventID:     opts.EventID,
		Sequence:    opts.Sequence,
		Name:        strings.TrimSpace(opts.Name),
		Description: opts.Description,
		Activity:    opts.Activity,
		CreatedAt:   e.stamp(),
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		ev, err := e.authorizeEvent(ctx, tx, opts.EventID, opts.ActorID, auth.RoleEditor)
		if err != nil {
			return err
		}
		if err := e.Repo.InsertStation(ctx, tx, s); err != nil {
			return err
		}
		return e.activity().Append(ctx, tx, activity.StationAdded, ev.OrgID, ev.ID, "station", s.ID, opts.ActorID,
			activity.Payload{"sequence": s.Sequence, "name": s.Name})
	})
	if err != nil {
		return domain.Station{}, err
	}
	return s, nil
}

func (e Engine) ListStations(ctx context.Context, eventID, actorID string) ([]domain.Station, error) {
	var res []domain.Station
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.authorizeEvent(ctx, tx, eventID, actorID, auth.RoleViewer); err != nil {
			return err
		}
		var err error
		res, err = e.Repo.ListStations(ctx, tx, eventID)
		return err
	})
	return res, err
}

type AddTeamOptions struct {
	EventID  string
	Code     string
	Name     string
	Color    string
	Emblem   string
	Capacity int
	ActorID  string
}

// AddTeam creates a team. A code already used in the event is a Conflict.
func (e Engine) AddTeam(ctx context.Context, opts AddTeamOptions) (domain.Team, error) {
	if !ValidAccessCode(opts.Code) {
		return domain.Team{}, invalidf("access code must be 4 digits")
	}
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Team{}, invalidf("team name is required")
	}
	if opts.Capacity < 0 {
		return domain.Team{}, invalidf("capacity must be >= 0")
	}
	t := domain.Team{
		ID:         uuid.NewString(),
		EventID:    opts.EventID,
		AccessCode: opts.Code,
		Name:       strings.TrimSpace(opts.Name),
		Color:      opts.Color,
		Emblem:     opts.Emblem,
		Capacity:   opts.Capacity,
		Status:     domain.TeamActive,
		CreatedAt:  e.stamp(),
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		ev, err := e.authorizeEvent(ctx, tx, opts.EventID, opts.ActorID, auth.RoleEditor)
		if err != nil {
			return err
		}
		if err := e.Repo.InsertTeam(ctx, tx, t); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return fmt.Errorf("access code already in use: %w", ErrConflict)
			}
			return err
		}
		return e.activity().Append(ctx, tx, activity.TeamAdded, ev.OrgID, ev.ID, "team", t.ID, opts.ActorID,
			activity.Payload{"name": t.Name})
	})
	if err != nil {
		return domain.Team{}, err
	}
	return t, nil
}

func (e Engine) SetTeamStatus(ctx context.Context, eventID, teamID, status, actorID string) (domain.Team, error) {
	switch status {
	case domain.TeamActive, domain.TeamInactive, domain.TeamCompleted:
	default:
		return domain.Team{}, invalidf("unknown team status %q", status)
	}
	var t domain.Team
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.authorizeEvent(ctx, tx, eventID, actorID, auth.RoleEditor); err != nil {
			return err
		}
		var err error
		t, err = e.teamInEvent(ctx, tx, eventID, teamID)
		if err != nil {
			return err
		}
		t.Status = status
		return e.Repo.SetTeamStatus(ctx, tx, t.ID, status)
	})
	return t, err
}

func (e Engine) ListTeams(ctx context.Context, eventID, actorID string) ([]domain.Team, error) {
	var res []domain.Team
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.authorizeEvent(ctx, tx, eventID, actorID, auth.RoleViewer); err != nil {
			return err
		}
		var err error
		res, err = e.Repo.ListTeams(ctx, tx, eventID)
		return err
	})
	return res, err
}

func (e Engine) teamInEvent(ctx context.Context, tx *sql.Tx, eventID, teamID string) (domain.Team, error) {
	t, err := e.Repo.GetTeam(ctx, tx, teamID)
	if err != nil {
		return domain.Team{}, err
	}
	if t.EventID != eventID {
		return domain.Team{}, ErrNotFound
	}
	return t, nil
}

type AddMissionOptions struct {
	EventID         string
	MissionID       string
	Title           string
	Description     string
	Enabled         *bool
	RequiresVideo   bool
	RequiresPhoto   bool
	RequiresActor   bool
	Props           []string
	ExpectedMinutes *int
	P95Minutes      *int
	ActorID         string
}

// AddMissionOverride customizes a template mission for one event. Render status starts queued.
func (e Engine) AddMissionOverride(ctx context.Context, opts AddMissionOptions) (domain.MissionOverride, error) {
	if strings.TrimSpace(opts.MissionID) == "" {
		return domain.MissionOverride{}, invalidf("mission id is required")
	}
	if err := checkDurations(opts.ExpectedMinutes, opts.P95Minutes); err != nil {
		return domain.MissionOverride{}, err
	}
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		title = opts.MissionID
	}
	now := e.stamp()
	m := domain.MissionOverride{
		ID:              uuid.NewString(),
		EventID:         opts.EventID,
		MissionID:       opts.MissionID,
		Title:           title,
		Description:     opts.Description,
		Enabled:         opts.Enabled == nil || *opts.Enabled,
		RequiresVideo:   opts.RequiresVideo,
		RequiresPhoto:   opts.RequiresPhoto,
		RequiresActor:   opts.RequiresActor,
		Props:           opts.Props,
		ExpectedMinutes: opts.ExpectedMinutes,
		P95Minutes:      opts.P95Minutes,
		RenderStatus:    domain.RenderQueued,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		ev, err := e.authorizeEvent(ctx, tx, opts.EventID, opts.ActorID, auth.RoleEditor)
		if err != nil {
			return err
		}
		if err := e.Repo.InsertMission(ctx, tx, m); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return fmt.Errorf("mission %s already customized for event: %w", opts.MissionID, ErrConflict)
			}
			return err
		}
		return e.activity().Append(ctx, tx, activity.MissionAdded, ev.OrgID, ev.ID, "mission", m.ID, opts.ActorID,
			activity.Payload{"mission_id": m.MissionID, "title": m.Title})
	})
	if err != nil {
		return domain.MissionOverride{}, err
	}
	return m, nil
}

func checkDurations(expected, p95 *int) error {
	if expected != nil && *expected < 0 {
		return invalidf("expected_minutes must be >= 0")
	}
	if p95 != nil && *p95 < 0 {
		return invalidf("p95_minutes must be >= 0")
	}
	if expected != nil && p95 != nil && *p95 < *expected {
		return invalidf("p95_minutes must be >= expected_minutes")
	}
	return nil
}

// MissionOverridePatch is the allow-list of organizer-editable mission fields.
// Render fields are owned by the render status consumer and cannot be patched.
type MissionOverridePatch struct {
	Title           *string   `json:"title,omitempty" validate:"omitnil,min=1,max=200"`
	Description     *string   `json:"description,omitempty" validate:"omitnil,max=4000"`
	Enabled         *bool     `json:"enabled,omitempty"`
	RequiresVideo   *bool     `json:"requires_video,omitempty"`
	RequiresPhoto   *bool     `json:"requires_photo,omitempty"`
	RequiresActor   *bool     `json:"requires_actor,omitempty"`
	Props           *[]string `json:"props,omitempty"`
	ExpectedMinutes *int      `json:"expected_minutes,omitempty" validate:"omitnil,min=0"`
	P95Minutes      *int      `json:"p95_minutes,omitempty" validate:"omitnil,min=0"`
}

func (p MissionOverridePatch) fields() activity.Payload {
	out := activity.Payload{}
	add := func(name string, set bool) {
		if set {
			out[name] = true
		}
	}
	add("title", p.Title != nil)
	add("description", p.Description != nil)
	add("enabled", p.Enabled != nil)
	add("requires_video", p.RequiresVideo != nil)
	add("requires_photo", p.RequiresPhoto != nil)
	add("requires_actor", p.RequiresActor != nil)
	add("props", p.Props != nil)
	add("expected_minutes", p.ExpectedMinutes != nil)
	add("p95_minutes", p.P95Minutes != nil)
	return out
}

func (e Engine) UpdateMissionOverride(ctx context.Context, eventID, id string, patch MissionOverridePatch, actorID string) (domain.MissionOverride, error) {
	changed := patch.fields()
	if len(changed) == 0 {
		return domain.MissionOverride{}, invalidf("no mission fields to update")
	}
	if err := validateStruct(patch); err != nil {
		return domain.MissionOverride{}, err
	}
	var m domain.MissionOverride
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		ev, err := e.authorizeEvent(ctx, tx, eventID, actorID, auth.RoleEditor)
		if err != nil {
			return err
		}
		cur, err := e.Repo.GetMission(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.EventID != eventID {
			return ErrNotFound
		}
		expected, p95 := cur.ExpectedMinutes, cur.P95Minutes
		if patch.ExpectedMinutes != nil {
			expected = patch.ExpectedMinutes
		}
		if patch.P95Minutes != nil {
			p95 = patch.P95Minutes
		}
		if err := checkDurations(expected, p95); err != nil {
			return err
		}
		if err := e.Repo.UpdateMission(ctx, tx, id, repo.MissionPatch{
			Title:           patch.Title,
			Description:     patch.Description,
			Enabled:         patch.Enabled,
			RequiresVideo:   patch.RequiresVideo,
			RequiresPhoto:   patch.RequiresPhoto,
			RequiresActor:   patch.RequiresActor,
			Props:           patch.Props,
			ExpectedMinutes: patch.ExpectedMinutes,
			P95Minutes:      patch.P95Minutes,
			UpdatedAt:       e.stamp(),
		}); err != nil {
			return err
		}
		if err := e.activity().Append(ctx, tx, activity.MissionUpdated, ev.OrgID, ev.ID, "mission", id, actorID,
			activity.Payload{"fields": changed}); err != nil {
			return err
		}
		m, err = e.Repo.GetMission(ctx, tx, id)
		return err
	})
	return m, err
}

func (e Engine) ListMissionOverrides(ctx context.Context, eventID, actorID string) ([]domain.MissionOverride, error) {
	var res []domain.MissionOverride
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.authorizeEvent(ctx, tx, eventID, actorID, auth.RoleViewer); err != nil {
			return err
		}
		var err error
		res, err = e.Repo.ListMissions(ctx, tx, eventID)
		return err
	})
	return res, err
}

type AssignOptions struct {
	EventID   string
	TeamID    string
	MissionID string
	StationID string
	Required  *bool
	ActorID   string
}

// AssignMission binds a team's mission to a station. Re-assigning the same
// (event, team, mission) overwrites the previous binding.
func (e Engine) AssignMission(ctx context.Context, opts AssignOptions) (domain.Assignment, error) {
	if opts.TeamID == "" || opts.MissionID == "" || opts.StationID == "" {
		return domain.Assignment{}, invalidf("team, mission and station are required")
	}
	var a domain.Assignment
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		ev, err := e.authorizeEvent(ctx, tx, opts.EventID, opts.ActorID, auth.RoleEditor)
		if err != nil {
			return err
		}
		if _, err := e.teamInEvent(ctx, tx, ev.ID, opts.TeamID); err != nil {
			return fmt.Errorf("team: %w", err)
		}
		m, err := e.Repo.GetMission(ctx, tx, opts.MissionID)
		if err != nil {
			return fmt.Errorf("mission: %w", err)
		}
		s, err := e.Repo.GetStation(ctx, tx, opts.StationID)
		if err != nil {
			return fmt.Errorf("station: %w", err)
		}
		if m.EventID != ev.ID || s.EventID != ev.ID {
			return fmt.Errorf("mission or station outside event: %w", ErrNotFound)
		}
		now := e.stamp()
		a, err = e.Repo.UpsertAssignment(ctx, tx, domain.Assignment{
			ID:        uuid.NewString(),
			EventID:   ev.ID,
			TeamID:    opts.TeamID,
			MissionID: opts.MissionID,
			StationID: opts.StationID,
			Required:  opts.Required == nil || *opts.Required,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return err
		}
		return e.activity().Append(ctx, tx, activity.AssignmentSet, ev.OrgID, ev.ID, "assignment", a.ID, opts.ActorID,
			activity.Payload{"team_id": a.TeamID, "mission_id": a.MissionID, "station_id": a.StationID, "required": a.Required})
	})
	return a, err
}

func (e Engine) ListAssignments(ctx context.Context, eventID, teamID, actorID string) ([]domain.Assignment, error) {
	var res []domain.Assignment
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.authorizeEvent(ctx, tx, eventID, actorID, auth.RoleViewer); err != nil {
			return err
		}
		var err error
		res, err = e.Repo.ListAssignments(ctx, tx, repo.AssignmentFilters{EventID: eventID, TeamID: teamID})
		return err
	})
	return res, err
}

func (e Engine) ListVisits(ctx context.Context, eventID, teamID, actorID string, limit int) ([]domain.Visit, error) {
	var res []domain.Visit
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.authorizeEvent(ctx, tx, eventID, actorID, auth.RoleViewer); err != nil {
			return err
		}
		var err error
		res, err = e.Repo.ListVisits(ctx, tx, repo.VisitFilters{EventID: eventID, TeamID: teamID, Limit: limit})
		return err
	})
	return res, err
}

func (e Engine) ListRenderJobs(ctx context.Context, eventID, status, actorID string) ([]domain.RenderJob, error) {
	if status != "" && !domain.ValidRenderStatus(status) {
		return nil, invalidf("unknown render status %q", status)
	}
	var res []domain.RenderJob
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.authorizeEvent(ctx, tx, eventID, actorID, auth.RoleViewer); err != nil {
			return err
		}
		var err error
		res, err = e.Repo.ListRenderJobs(ctx, tx, repo.RenderJobFilters{EventID: eventID, Status: status})
		return err
	})
	return res, err
}

// GrantRole sets a member's role. Only admins and owners may grant, and only
// owners may grant owner.
func (e Engine) GrantRole(ctx context.Context, orgID, memberID, role, actorID string) error {
	if !auth.ValidRole(role) {
		return invalidf("unknown role %q", role)
	}
	if strings.TrimSpace(memberID) == "" {
		return invalidf("member id required")
	}
	need := auth.RoleAdmin
	if role == auth.RoleOwner {
		need = auth.RoleOwner
	}
	return e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.authorizeOrg(ctx, tx, orgID, actorID, need); err != nil {
			return err
		}
		if err := e.Repo.EnsureActor(ctx, tx, memberID, e.stamp()); err != nil {
			return err
		}
		return e.Repo.AssignOrgRole(ctx, tx, orgID, memberID, role)
	})
}
