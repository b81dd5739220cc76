package repo

import (
	"context"
	"database/sql"

	"questline/internal/domain"
)

const activityColumns = `id,ts,type,COALESCE(org_id,''),COALESCE(event_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json`

func scanActivity(rows *sql.Rows) ([]domain.ActivityEntry, error) {
	defer rows.Close()
	var res []domain.ActivityEntry
	for rows.Next() {
		var a domain.ActivityEntry
		if err := rows.Scan(&a.ID, &a.TS, &a.Type, &a.OrgID, &a.EventID, &a.EntityKind, &a.EntityID, &a.ActorID, &a.Payload); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ActivityAfter returns entries with id > afterID, oldest first. An empty orgID matches every org.
func (r Repo) ActivityAfter(ctx context.Context, orgID string, afterID int64, limit int) ([]domain.ActivityEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + activityColumns + ` FROM activity WHERE id>?`
	args := []any{afterID}
	if orgID != "" {
		query += ` AND org_id=?`
		args = append(args, orgID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanActivity(rows)
}

type ActivityFilters struct {
	OrgID   string
	EventID string
	Type    string
	Limit   int
}

// LatestActivity returns the newest entries first.
func (r Repo) LatestActivity(ctx context.Context, f ActivityFilters) ([]domain.ActivityEntry, error) {
	query := `SELECT ` + activityColumns + ` FROM activity WHERE org_id=?`
	args := []any{f.OrgID}
	if f.EventID != "" {
		query += ` AND event_id=?`
		args = append(args, f.EventID)
	}
	if f.Type != "" {
		query += ` AND type=?`
		args = append(args, f.Type)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanActivity(rows)
}

func (r Repo) LatestActivityID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM activity`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}
