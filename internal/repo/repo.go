package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"questline/internal/domain"
)

// Repo is the record store adapter over the questline SQLite schema. Methods
// taking a *sql.Tx run inside that transaction; a nil tx uses the pool.
type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// IsUniqueViolation reports whether err is a uniqueness or primary key
// constraint failure raised by SQLite.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// conflictOr maps unique violations to ErrConflict and passes other errors through.
func conflictOr(err error, what string) error {
	if err == nil {
		return nil
	}
	if IsUniqueViolation(err) {
		return fmt.Errorf("%s: %w", what, ErrConflict)
	}
	return err
}

const eventColumns = `id,org_id,name,status,COALESCE(source_model,''),allow_hq_activities,max_prep_minutes,created_by,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (domain.Event, error) {
	var e domain.Event
	var allowHQ int
	err := row.Scan(&e.ID, &e.OrgID, &e.Name, &e.Status, &e.SourceModel, &allowHQ, &e.Preferences.MaxPrepMinutes, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	e.Preferences.AllowHQActivities = allowHQ != 0
	return e, err
}

func (r Repo) InsertEvent(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO events(id,org_id,name,status,source_model,allow_hq_activities,max_prep_minutes,created_by,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.OrgID, e.Name, e.Status, nullable(e.SourceModel), boolInt(e.Preferences.AllowHQActivities), e.Preferences.MaxPrepMinutes, e.CreatedBy, e.CreatedAt, e.UpdatedAt)
	return conflictOr(err, "insert event")
}

func (r Repo) GetEvent(ctx context.Context, tx *sql.Tx, id string) (domain.Event, error) {
	return scanEvent(r.q(tx).QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id=?`, id))
}

// VisibleEventOrg resolves an event's organization through the actor's own
// membership rows, so an event outside the actor's organizations is a miss.
func (r Repo) VisibleEventOrg(ctx context.Context, tx *sql.Tx, eventID, actorID string) (string, error) {
	var orgID string
	err := r.q(tx).QueryRowContext(ctx, `SELECT e.org_id FROM events e
JOIN org_roles m ON m.org_id=e.org_id AND m.actor_id=?
WHERE e.id=?`, actorID, eventID).Scan(&orgID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return orgID, err
}

func (r Repo) ListEvents(ctx context.Context, tx *sql.Tx, orgID string) ([]domain.Event, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE org_id=? ORDER BY created_at DESC, id DESC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventPatch lists the event columns an organizer may change. Nil fields are untouched.
type EventPatch struct {
	Status            *string
	Name              *string
	AllowHQActivities *bool
	MaxPrepMinutes    *int
	UpdatedAt         string
}

func (r Repo) UpdateEvent(ctx context.Context, tx *sql.Tx, id string, p EventPatch) error {
	var (
		fields []string
		args   []any
	)
	if p.Status != nil {
		fields = append(fields, "status=?")
		args = append(args, *p.Status)
	}
	if p.Name != nil {
		fields = append(fields, "name=?")
		args = append(args, *p.Name)
	}
	if p.AllowHQActivities != nil {
		fields = append(fields, "allow_hq_activities=?")
		args = append(args, boolInt(*p.AllowHQActivities))
	}
	if p.MaxPrepMinutes != nil {
		fields = append(fields, "max_prep_minutes=?")
		args = append(args, *p.MaxPrepMinutes)
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, p.UpdatedAt, id)
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE events SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertStation(ctx context.Context, tx *sql.Tx, s domain.Station) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO stations(id,event_id,sequence,name,description,activity,created_at) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.EventID, s.Sequence, s.Name, nullable(s.Description), nullable(s.Activity), s.CreatedAt)
	return conflictOr(err, "insert station")
}

func (r Repo) GetStation(ctx context.Context, tx *sql.Tx, id string) (domain.Station, error) {
	var s domain.Station
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,event_id,sequence,name,COALESCE(description,''),COALESCE(activity,''),created_at FROM stations WHERE id=?`, id).
		Scan(&s.ID, &s.EventID, &s.Sequence, &s.Name, &s.Description, &s.Activity, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// ListStations returns the event's stations in routing order: sequence, then id.
func (r Repo) ListStations(ctx context.Context, tx *sql.Tx, eventID string) ([]domain.Station, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,event_id,sequence,name,COALESCE(description,''),COALESCE(activity,''),created_at
FROM stations WHERE event_id=? ORDER BY sequence ASC, id ASC`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Station
	for rows.Next() {
		var s domain.Station
		if err := rows.Scan(&s.ID, &s.EventID, &s.Sequence, &s.Name, &s.Description, &s.Activity, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
