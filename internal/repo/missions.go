package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"questline/internal/domain"
)

const missionColumns = `id,event_id,mission_id,title,COALESCE(description,''),enabled,requires_video,requires_photo,requires_actor,props_json,expected_minutes,p95_minutes,render_status,COALESCE(render_asset_url,''),COALESCE(render_error,''),created_at,updated_at`

func scanMission(row rowScanner) (domain.MissionOverride, error) {
	var m domain.MissionOverride
	var enabled, video, photo, actor int
	var props sql.NullString
	var expected, p95 sql.NullInt64
	err := row.Scan(&m.ID, &m.EventID, &m.MissionID, &m.Title, &m.Description, &enabled, &video, &photo, &actor, &props, &expected, &p95,
		&m.RenderStatus, &m.RenderAssetURL, &m.RenderError, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Enabled = enabled != 0
	m.RequiresVideo = video != 0
	m.RequiresPhoto = photo != 0
	m.RequiresActor = actor != 0
	if props.Valid && props.String != "" {
		_ = json.Unmarshal([]byte(props.String), &m.Props)
	}
	if expected.Valid {
		v := int(expected.Int64)
		m.ExpectedMinutes = &v
	}
	if p95.Valid {
		v := int(p95.Int64)
		m.P95Minutes = &v
	}
	return m, nil
}

func marshalProps(props []string) (any, error) {
	if len(props) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(props)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r Repo) InsertMission(ctx context.Context, tx *sql.Tx, m domain.MissionOverride) error {
	props, err := marshalProps(m.Props)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO event_missions(id,event_id,mission_id,title,description,enabled,requires_video,requires_photo,requires_actor,props_json,expected_minutes,p95_minutes,render_status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.EventID, m.MissionID, m.Title, nullable(m.Description), boolInt(m.Enabled), boolInt(m.RequiresVideo), boolInt(m.RequiresPhoto), boolInt(m.RequiresActor),
		props, nullableIntPtr(m.ExpectedMinutes), nullableIntPtr(m.P95Minutes), m.RenderStatus, m.CreatedAt, m.UpdatedAt)
	return conflictOr(err, "insert mission override")
}

func (r Repo) GetMission(ctx context.Context, tx *sql.Tx, id string) (domain.MissionOverride, error) {
	return scanMission(r.q(tx).QueryRowContext(ctx, `SELECT `+missionColumns+` FROM event_missions WHERE id=?`, id))
}

func (r Repo) ListMissions(ctx context.Context, tx *sql.Tx, eventID string) ([]domain.MissionOverride, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+missionColumns+` FROM event_missions WHERE event_id=? ORDER BY created_at ASC, rowid ASC`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MissionOverride
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// MissionPatch carries the organizer-editable content columns of a mission
// override. Render columns are owned by the render status consumer.
type MissionPatch struct {
	Title           *string
	Description     *string
	Enabled         *bool
	RequiresVideo   *bool
	RequiresPhoto   *bool
	RequiresActor   *bool
	Props           *[]string
	ExpectedMinutes *int
	P95Minutes      *int
	UpdatedAt       string
}

func (r Repo) UpdateMission(ctx context.Context, tx *sql.Tx, id string, p MissionPatch) error {
	var (
		fields []string
		args   []any
	)
	set := func(col string, v any) {
		fields = append(fields, col+"=?")
		args = append(args, v)
	}
	if p.Title != nil {
		set("title", *p.Title)
	}
	if p.Description != nil {
		set("description", nullable(*p.Description))
	}
	if p.Enabled != nil {
		set("enabled", boolInt(*p.Enabled))
	}
	if p.RequiresVideo != nil {
		set("requires_video", boolInt(*p.RequiresVideo))
	}
	if p.RequiresPhoto != nil {
		set("requires_photo", boolInt(*p.RequiresPhoto))
	}
	if p.RequiresActor != nil {
		set("requires_actor", boolInt(*p.RequiresActor))
	}
	if p.Props != nil {
		props, err := marshalProps(*p.Props)
		if err != nil {
			return err
		}
		set("props_json", props)
	}
	if p.ExpectedMinutes != nil {
		set("expected_minutes", *p.ExpectedMinutes)
	}
	if p.P95Minutes != nil {
		set("p95_minutes", *p.P95Minutes)
	}
	if len(fields) == 0 {
		return nil
	}
	set("updated_at", p.UpdatedAt)
	args = append(args, id)
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE event_missions SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RenderUpdate is the write applied for one render worker callback.
type RenderUpdate struct {
	ID        string
	Status    string
	AssetURL  string
	Error     string
	UpdatedAt string
	// GuardReady keeps a ready row from moving back to queued or processing.
	GuardReady bool
}

// ApplyRender updates the render columns of one mission override and returns
// the number of rows touched.
func (r Repo) ApplyRender(ctx context.Context, tx *sql.Tx, u RenderUpdate) (int64, error) {
	query := `UPDATE event_missions SET render_status=?, render_error=?, updated_at=?`
	args := []any{u.Status, nullable(u.Error), u.UpdatedAt}
	if u.Status == domain.RenderReady {
		query += `, render_asset_url=?`
		args = append(args, u.AssetURL)
	}
	query += ` WHERE id=?`
	args = append(args, u.ID)
	if u.GuardReady && (u.Status == domain.RenderQueued || u.Status == domain.RenderProcessing) {
		query += ` AND render_status != 'ready'`
	}
	res, err := r.q(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResetRender puts a mission override back to queued with no error.
func (r Repo) ResetRender(ctx context.Context, tx *sql.Tx, id, updatedAt string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE event_missions SET render_status='queued', render_error=NULL, updated_at=? WHERE id=?`, updatedAt, id)
	return err
}
