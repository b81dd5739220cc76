package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"questline/internal/activity"
	"questline/internal/domain"
	"questline/internal/repo"
)

// startNodeID stands in for the empty from-node when a fail visit has to be
// recorded before a team ever entered a station.
const startNodeID = "start"

// TeamAuth is the result of a successful code submission.
type TeamAuth struct {
	Team    domain.Team `json:"team"`
	RouteID string      `json:"route_id"`
}

// AuthenticateTeam looks a team up by its access code. Malformed codes are
// rejected before any store access; every miss is NotFound.
func (e Engine) AuthenticateTeam(ctx context.Context, eventID, code string) (TeamAuth, error) {
	if !ValidAccessCode(code) {
		return TeamAuth{}, invalidf("code must be exactly 4 digits")
	}
	if eventID == "" {
		return TeamAuth{}, invalidf("event id required")
	}
	t, err := e.Repo.TeamByCode(ctx, nil, eventID, code)
	if err != nil {
		return TeamAuth{}, upstream(err)
	}
	if t.Status == domain.TeamInactive {
		return TeamAuth{}, ErrNotFound
	}
	return TeamAuth{Team: t, RouteID: t.ID}, nil
}

// RoutePayload describes the station a team is sent to.
type RoutePayload struct {
	Station  domain.Station        `json:"station"`
	Missions []repo.StationMission `json:"missions"`
}

type RouteDecision struct {
	EventID    string        `json:"event_id"`
	TeamID     string        `json:"team_id"`
	FromNodeID string        `json:"from_node_id,omitempty"`
	ToNodeID   string        `json:"to_node_id,omitempty"`
	Finished   bool          `json:"finished"`
	Replay     bool          `json:"replay"`
	Payload    *RoutePayload `json:"payload,omitempty"`
}

// Position is a team's place in the event derived from its visit log.
type Position struct {
	Started       bool   `json:"started"`
	CurrentNodeID string `json:"current_node_id,omitempty"`
	Finished      bool   `json:"finished"`
}

// route is the station order a single team follows.
type route struct {
	stations []domain.Station
	eligible map[string]bool
	missions []repo.StationMission
}

// buildRoute orders stations by (sequence, id) and keeps those where the team
// holds a required assignment to an enabled mission. A team with no
// assignments at all follows every station.
func buildRoute(stations []domain.Station, missions []repo.StationMission) route {
	r := route{stations: stations, eligible: map[string]bool{}, missions: missions}
	if len(missions) == 0 {
		for _, s := range stations {
			r.eligible[s.ID] = true
		}
		return r
	}
	for _, m := range missions {
		if m.Required && m.Enabled {
			r.eligible[m.StationID] = true
		}
	}
	return r
}

// next returns the first eligible station after from, or the first eligible
// station when from is empty. ok is false when the route is exhausted.
func (r route) next(from string) (domain.Station, bool, error) {
	start := 0
	if from != "" {
		idx := -1
		for i, s := range r.stations {
			if s.ID == from {
				idx = i
				break
			}
		}
		if idx < 0 {
			return domain.Station{}, false, fmt.Errorf("%w: unknown node", ErrSequence)
		}
		start = idx + 1
	}
	for _, s := range r.stations[start:] {
		if r.eligible[s.ID] {
			return s, true, nil
		}
	}
	return domain.Station{}, false, nil
}

func (r route) payload(s domain.Station) *RoutePayload {
	p := &RoutePayload{Station: s, Missions: []repo.StationMission{}}
	for _, m := range r.missions {
		if m.StationID == s.ID {
			p.Missions = append(p.Missions, m)
		}
	}
	return p
}

// positionOf derives the team position. The current node is the last
// entered one; complete and fail rows never move a team. Only a routing
// decision finishes a team, which marks it completed.
func positionOf(team domain.Team, visits []domain.Visit) Position {
	pos := Position{Finished: team.Status == domain.TeamCompleted}
	node := lastEnter(visits)
	pos.Started = pos.Finished || node != ""
	if !pos.Finished {
		pos.CurrentNodeID = node
	}
	return pos
}

func lastEnter(visits []domain.Visit) string {
	for i := len(visits) - 1; i >= 0; i-- {
		if visits[i].State == domain.VisitEnter {
			return visits[i].NodeID
		}
	}
	return ""
}

func firstEnter(visits []domain.Visit) (domain.Visit, bool) {
	for _, v := range visits {
		if v.State == domain.VisitEnter {
			return v, true
		}
	}
	return domain.Visit{}, false
}

func completed(visits []domain.Visit, nodeID string) bool {
	for _, v := range visits {
		if v.State == domain.VisitComplete && v.NodeID == nodeID {
			return true
		}
	}
	return false
}

// RouteNext decides where a team leaving fromNodeID goes next and records the
// transition. The decision and its writes happen in one immediate transaction,
// so concurrent calls for a team serialize. Repeating a call with the same
// fromNodeID returns the same decision without writing again.
func (e Engine) RouteNext(ctx context.Context, eventID, teamID, fromNodeID string) (RouteDecision, error) {
	if eventID == "" || teamID == "" {
		return RouteDecision{}, invalidf("event id and team id required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return RouteDecision{}, upstream(err)
	}
	defer tx.Rollback()

	dec, err := e.routeNextTx(ctx, tx, eventID, teamID, fromNodeID)
	if err != nil && !errors.Is(err, ErrSequence) {
		return RouteDecision{}, upstream(err)
	}
	if cerr := tx.Commit(); cerr != nil {
		return RouteDecision{}, upstream(cerr)
	}
	if err != nil {
		e.Log.Warn().Str("event_id", eventID).Str("team_id", teamID).Str("from_node_id", fromNodeID).Msg("route sequence error")
		return RouteDecision{}, err
	}
	return dec, nil
}

// routeNextTx returns a decision or an error. A sequence error comes back after
// its fail visit was appended; the caller still commits in that case.
func (e Engine) routeNextTx(ctx context.Context, tx *sql.Tx, eventID, teamID, from string) (RouteDecision, error) {
	team, err := e.teamInEvent(ctx, tx, eventID, teamID)
	if err != nil {
		return RouteDecision{}, err
	}
	if team.Status == domain.TeamInactive {
		return RouteDecision{}, ErrNotFound
	}
	stations, err := e.Repo.ListStations(ctx, tx, eventID)
	if err != nil {
		return RouteDecision{}, err
	}
	missions, err := e.Repo.TeamStationMissions(ctx, tx, eventID, teamID)
	if err != nil {
		return RouteDecision{}, err
	}
	visits, err := e.Repo.ListVisits(ctx, tx, repo.VisitFilters{EventID: eventID, TeamID: teamID})
	if err != nil {
		return RouteDecision{}, err
	}
	rt := buildRoute(stations, missions)
	pos := positionOf(team, visits)
	at := lastEnter(visits)
	dec := RouteDecision{EventID: eventID, TeamID: teamID, FromNodeID: from}

	fail := func() (RouteDecision, error) {
		node := from
		if node == "" {
			node = startNodeID
		}
		if err := e.appendVisit(ctx, tx, eventID, teamID, node, domain.VisitFail); err != nil {
			return RouteDecision{}, err
		}
		return RouteDecision{}, fmt.Errorf("%w: team is not at node %q", ErrSequence, node)
	}

	to, ok, err := rt.next(from)
	if err != nil {
		if errors.Is(err, ErrSequence) {
			return fail()
		}
		return RouteDecision{}, err
	}
	if ok {
		dec.ToNodeID = to.ID
		dec.Payload = rt.payload(to)
	} else {
		dec.Finished = true
	}

	var fresh bool
	if from == "" {
		first, entered := firstEnter(visits)
		switch {
		case !entered && !pos.Finished:
			fresh = true
		case entered && ok && first.NodeID == to.ID:
			dec.Replay = true
		case !entered && pos.Finished && !ok:
			dec.Replay = true
		default:
			return fail()
		}
	} else {
		switch {
		case pos.Finished:
			if ok || at != from {
				return fail()
			}
			dec.Replay = true
		case at == from:
			fresh = true
		case completed(visits, from) && ok && at == to.ID:
			dec.Replay = true
		default:
			return fail()
		}
	}
	if !fresh {
		return dec, nil
	}

	if from != "" {
		if err := e.appendVisit(ctx, tx, eventID, teamID, from, domain.VisitComplete); err != nil {
			return RouteDecision{}, err
		}
	}
	if ok {
		if err := e.appendVisit(ctx, tx, eventID, teamID, to.ID, domain.VisitEnter); err != nil {
			return RouteDecision{}, err
		}
		return dec, nil
	}
	if team.Status != domain.TeamCompleted {
		if err := e.Repo.SetTeamStatus(ctx, tx, team.ID, domain.TeamCompleted); err != nil {
			return RouteDecision{}, err
		}
	}
	ev, err := e.Repo.GetEvent(ctx, tx, eventID)
	if err != nil {
		return RouteDecision{}, err
	}
	if err := e.activity().Append(ctx, tx, activity.TeamFinished, ev.OrgID, ev.ID, "team", team.ID, "team:"+team.ID,
		activity.Payload{"last_node_id": from}); err != nil {
		return RouteDecision{}, err
	}
	return dec, nil
}

func (e Engine) appendVisit(ctx context.Context, tx *sql.Tx, eventID, teamID, nodeID, state string) error {
	_, err := e.Repo.AppendVisit(ctx, tx, domain.Visit{
		ID:      uuid.NewString(),
		EventID: eventID,
		TeamID:  teamID,
		NodeID:  nodeID,
		State:   state,
		TS:      e.stamp(),
	})
	return err
}

// Position reports where a team is according to its visit log.
func (e Engine) Position(ctx context.Context, eventID, teamID string) (Position, error) {
	var pos Position
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		team, err := e.teamInEvent(ctx, tx, eventID, teamID)
		if err != nil {
			return err
		}
		visits, err := e.Repo.ListVisits(ctx, tx, repo.VisitFilters{EventID: eventID, TeamID: teamID})
		if err != nil {
			return err
		}
		pos = positionOf(team, visits)
		return nil
	})
	return pos, err
}

// LogVisitInput is the schema for a direct visit log append.
type LogVisitInput struct {
	EventID string `json:"event_id" validate:"required,uuid"`
	TeamID  string `json:"team_id" validate:"required,uuid"`
	NodeID  string `json:"node_id" validate:"required,uuid"`
	State   string `json:"state" validate:"required,oneof=enter complete fail"`
}

// LogVisit appends one visit. Identical visits are appended again; an enter
// moves the team to that node, complete and fail rows leave it in place.
func (e Engine) LogVisit(ctx context.Context, in LogVisitInput) (domain.Visit, error) {
	if err := validateStruct(in); err != nil {
		return domain.Visit{}, err
	}
	v := domain.Visit{
		ID:      uuid.NewString(),
		EventID: in.EventID,
		TeamID:  in.TeamID,
		NodeID:  in.NodeID,
		State:   in.State,
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.teamInEvent(ctx, tx, in.EventID, in.TeamID); err != nil {
			return err
		}
		v.TS = e.stamp()
		seq, err := e.Repo.AppendVisit(ctx, tx, v)
		v.Seq = seq
		return err
	})
	if err != nil {
		return domain.Visit{}, err
	}
	return v, nil
}
