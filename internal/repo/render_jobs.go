package repo

import (
	"context"
	"database/sql"

	"questline/internal/domain"
)

// InsertRenderJob enqueues one render job. An outstanding (non-failed) job for
// the same mission override yields ErrConflict.
func (r Repo) InsertRenderJob(ctx context.Context, tx *sql.Tx, j domain.RenderJob) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO render_jobs(id,org_id,event_id,event_mission_id,status,requested_by,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		j.ID, j.OrgID, j.EventID, j.EventMissionID, j.Status, j.RequestedBy, j.CreatedAt, j.UpdatedAt)
	return conflictOr(err, "insert render job")
}

// UpdateLatestRenderJob mirrors a render status onto the newest job of a mission override.
func (r Repo) UpdateLatestRenderJob(ctx context.Context, tx *sql.Tx, eventMissionID, status, updatedAt string) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE render_jobs SET status=?, updated_at=?
WHERE id=(SELECT id FROM render_jobs WHERE event_mission_id=? ORDER BY rowid DESC LIMIT 1)`,
		status, updatedAt, eventMissionID)
	if err != nil {
		return 0, conflictOr(err, "update render job")
	}
	return res.RowsAffected()
}

type RenderJobFilters struct {
	EventID string
	Status  string
}

func (r Repo) ListRenderJobs(ctx context.Context, tx *sql.Tx, f RenderJobFilters) ([]domain.RenderJob, error) {
	query := `SELECT id,org_id,event_id,event_mission_id,status,requested_by,created_at,updated_at FROM render_jobs WHERE event_id=?`
	args := []any{f.EventID}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY rowid ASC`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RenderJob
	for rows.Next() {
		var j domain.RenderJob
		if err := rows.Scan(&j.ID, &j.OrgID, &j.EventID, &j.EventMissionID, &j.Status, &j.RequestedBy, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}
