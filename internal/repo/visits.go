package repo

import (
	"context"
	"database/sql"

	"questline/internal/domain"
)

// AppendVisit writes one visit row. Visits are never updated; the schema rejects UPDATE.
func (r Repo) AppendVisit(ctx context.Context, tx *sql.Tx, v domain.Visit) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO visits(id,event_id,team_id,node_id,state,ts) VALUES (?,?,?,?,?,?)`,
		v.ID, v.EventID, v.TeamID, v.NodeID, v.State, v.TS)
	if err != nil {
		return 0, conflictOr(err, "append visit")
	}
	return res.LastInsertId()
}

type VisitFilters struct {
	EventID string
	TeamID  string
	Limit   int
}

// ListVisits returns a team's (or an event's) visits in write order.
func (r Repo) ListVisits(ctx context.Context, tx *sql.Tx, f VisitFilters) ([]domain.Visit, error) {
	query := `SELECT seq,id,event_id,team_id,node_id,state,ts FROM visits WHERE event_id=?`
	args := []any{f.EventID}
	if f.TeamID != "" {
		query += ` AND team_id=?`
		args = append(args, f.TeamID)
	}
	query += ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Visit
	for rows.Next() {
		var v domain.Visit
		if err := rows.Scan(&v.Seq, &v.ID, &v.EventID, &v.TeamID, &v.NodeID, &v.State, &v.TS); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}
