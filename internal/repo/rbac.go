package repo

import (
	"context"
	"database/sql"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) EnsureOrg(ctx context.Context, tx *sql.Tx, orgID, name, now string) error {
	if name == "" {
		name = orgID
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO organizations(id, name, created_at) VALUES (?,?,?)`, orgID, name, now)
	return err
}

// AssignOrgRole sets the actor's single role in the organization, replacing any previous one.
func (r Repo) AssignOrgRole(ctx context.Context, tx *sql.Tx, orgID, actorID, role string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO org_roles(org_id, actor_id, role) VALUES (?,?,?)
ON CONFLICT(org_id, actor_id) DO UPDATE SET role=excluded.role`, orgID, actorID, role)
	return err
}

func (r Repo) RevokeOrgRole(ctx context.Context, tx *sql.Tx, orgID, actorID string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM org_roles WHERE org_id=? AND actor_id=?`, orgID, actorID)
	return err
}

// OrgRole returns the actor's role in the organization, or ErrNotFound for non-members.
func (r Repo) OrgRole(ctx context.Context, tx *sql.Tx, orgID, actorID string) (string, error) {
	var role string
	err := r.q(tx).QueryRowContext(ctx, `SELECT role FROM org_roles WHERE org_id=? AND actor_id=?`, orgID, actorID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return role, err
}

// OrgMembership is one organization an actor belongs to.
type OrgMembership struct {
	OrgID string `json:"org_id"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

func (r Repo) ActorOrgs(ctx context.Context, actorID string) ([]OrgMembership, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT o.id, o.name, m.role FROM org_roles m
JOIN organizations o ON o.id=m.org_id
WHERE m.actor_id=? ORDER BY o.id ASC`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []OrgMembership
	for rows.Next() {
		var m OrgMembership
		if err := rows.Scan(&m.OrgID, &m.Name, &m.Role); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// OrgMembers counts the actors holding any role in orgID.
func (r Repo) OrgMembers(ctx context.Context, tx *sql.Tx, orgID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM org_roles WHERE org_id=?`, orgID).Scan(&n)
	return n, err
}
