package repo

import (
	"context"
	"database/sql"

	"questline/internal/domain"
)

const teamColumns = `id,event_id,access_code,name,COALESCE(color,''),COALESCE(emblem,''),capacity,status,created_at`

func scanTeam(row rowScanner) (domain.Team, error) {
	var t domain.Team
	err := row.Scan(&t.ID, &t.EventID, &t.AccessCode, &t.Name, &t.Color, &t.Emblem, &t.Capacity, &t.Status, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// InsertTeam fails with ErrConflict when the access code is already used in the event.
func (r Repo) InsertTeam(ctx context.Context, tx *sql.Tx, t domain.Team) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO teams(id,event_id,access_code,name,color,emblem,capacity,status,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.EventID, t.AccessCode, t.Name, nullable(t.Color), nullable(t.Emblem), t.Capacity, t.Status, t.CreatedAt)
	return conflictOr(err, "insert team")
}

func (r Repo) GetTeam(ctx context.Context, tx *sql.Tx, id string) (domain.Team, error) {
	return scanTeam(r.q(tx).QueryRowContext(ctx, `SELECT `+teamColumns+` FROM teams WHERE id=?`, id))
}

func (r Repo) TeamByCode(ctx context.Context, tx *sql.Tx, eventID, code string) (domain.Team, error) {
	return scanTeam(r.q(tx).QueryRowContext(ctx, `SELECT `+teamColumns+` FROM teams WHERE event_id=? AND access_code=?`, eventID, code))
}

func (r Repo) ListTeams(ctx context.Context, tx *sql.Tx, eventID string) ([]domain.Team, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+teamColumns+` FROM teams WHERE event_id=? ORDER BY name ASC, id ASC`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) SetTeamStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE teams SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertAssignment binds (event, team, mission) to a station. An existing
// binding for the same triple is overwritten in place.
func (r Repo) UpsertAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) (domain.Assignment, error) {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO assignments(id,event_id,team_id,mission_id,station_id,required,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(event_id,team_id,mission_id) DO UPDATE SET station_id=excluded.station_id, required=excluded.required, updated_at=excluded.updated_at`,
		a.ID, a.EventID, a.TeamID, a.MissionID, a.StationID, boolInt(a.Required), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return domain.Assignment{}, conflictOr(err, "upsert assignment")
	}
	return scanAssignment(r.q(tx).QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE event_id=? AND team_id=? AND mission_id=?`,
		a.EventID, a.TeamID, a.MissionID))
}

const assignmentColumns = `id,event_id,team_id,mission_id,station_id,required,created_at,updated_at`

func scanAssignment(row rowScanner) (domain.Assignment, error) {
	var a domain.Assignment
	var required int
	err := row.Scan(&a.ID, &a.EventID, &a.TeamID, &a.MissionID, &a.StationID, &required, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	a.Required = required != 0
	return a, err
}

type AssignmentFilters struct {
	EventID string
	TeamID  string
}

func (r Repo) ListAssignments(ctx context.Context, tx *sql.Tx, f AssignmentFilters) ([]domain.Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM assignments WHERE event_id=?`
	args := []any{f.EventID}
	if f.TeamID != "" {
		query += ` AND team_id=?`
		args = append(args, f.TeamID)
	}
	query += ` ORDER BY team_id ASC, station_id ASC, mission_id ASC`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// StationMission is one mission a team must play at a station.
type StationMission struct {
	StationID string `json:"station_id"`
	MissionID string `json:"mission_id"`
	Title     string `json:"title"`
	Required  bool   `json:"required"`
	Enabled   bool   `json:"enabled"`
}

// TeamStationMissions returns the team's assignments joined with their mission overrides.
func (r Repo) TeamStationMissions(ctx context.Context, tx *sql.Tx, eventID, teamID string) ([]StationMission, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT a.station_id, a.mission_id, m.title, a.required, m.enabled
FROM assignments a JOIN event_missions m ON m.id=a.mission_id
WHERE a.event_id=? AND a.team_id=?
ORDER BY a.station_id ASC, m.title ASC, a.mission_id ASC`, eventID, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []StationMission
	for rows.Next() {
		var sm StationMission
		var required, enabled int
		if err := rows.Scan(&sm.StationID, &sm.MissionID, &sm.Title, &required, &enabled); err != nil {
			return nil, err
		}
		sm.Required = required != 0
		sm.Enabled = enabled != 0
		res = append(res, sm)
	}
	return res, rows.Err()
}
