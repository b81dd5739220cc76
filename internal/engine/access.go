package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"questline/internal/domain"
	"questline/internal/engine/auth"
	"questline/internal/repo"
)

// CreatedAPIKey carries the plaintext key, which is only available at creation.
type CreatedAPIKey struct {
	domain.APIKey
	Key string `json:"key"`
}

// CreateAPIKey mints a key for actorID. Only the hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (CreatedAPIKey, error) {
	if strings.TrimSpace(actorID) == "" {
		return CreatedAPIKey{}, invalidf("actor id required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return CreatedAPIKey{}, upstream(err)
	}
	plain := "ql_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.stamp(),
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.EnsureActor(ctx, tx, actorID, key.CreatedAt); err != nil {
			return err
		}
		return e.Repo.InsertAPIKey(ctx, tx, key)
	})
	if err != nil {
		return CreatedAPIKey{}, err
	}
	return CreatedAPIKey{APIKey: key, Key: plain}, nil
}

// RevokeAPIKey deletes one of the actor's own keys.
func (e Engine) RevokeAPIKey(ctx context.Context, actorID, keyID string) error {
	if strings.TrimSpace(actorID) == "" || strings.TrimSpace(keyID) == "" {
		return invalidf("actor id and key id are required")
	}
	return upstream(e.Repo.DeleteAPIKey(ctx, actorID, keyID))
}

// CreateOrg registers an organization and makes ownerID its owner. An
// existing organization keeps its name.
func (e Engine) CreateOrg(ctx context.Context, orgID, name, ownerID string) (domain.Organization, error) {
	if strings.TrimSpace(orgID) == "" || strings.TrimSpace(ownerID) == "" {
		return domain.Organization{}, invalidf("org id and owner are required")
	}
	org := domain.Organization{ID: orgID, Name: name, CreatedAt: e.stamp()}
	if org.Name == "" {
		org.Name = orgID
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		role, err := e.Repo.OrgRole(ctx, tx, orgID, ownerID)
		if err == nil && role == auth.RoleOwner {
			return nil
		}
		members, err := e.Repo.OrgMembers(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if members > 0 {
			return auth.ForbiddenError{Required: auth.RoleOwner, Actual: role}
		}
		if err := e.Repo.EnsureOrg(ctx, tx, org.ID, org.Name, org.CreatedAt); err != nil {
			return err
		}
		if err := e.Repo.EnsureActor(ctx, tx, ownerID, org.CreatedAt); err != nil {
			return err
		}
		return e.Repo.AssignOrgRole(ctx, tx, org.ID, ownerID, auth.RoleOwner)
	})
	if err != nil {
		return domain.Organization{}, err
	}
	return org, nil
}

type ActivityQuery struct {
	OrgID   string
	EventID string
	Type    string
	Limit   int
}

// RecentActivity returns the organization's newest activity entries.
func (e Engine) RecentActivity(ctx context.Context, q ActivityQuery, actorID string) ([]domain.ActivityEntry, error) {
	if err := e.withTx(ctx, func(tx *sql.Tx) error {
		return e.authorizeOrg(ctx, tx, q.OrgID, actorID, auth.RoleViewer)
	}); err != nil {
		return nil, err
	}
	items, err := e.Repo.LatestActivity(ctx, repo.ActivityFilters{OrgID: q.OrgID, EventID: q.EventID, Type: q.Type, Limit: q.Limit})
	return items, upstream(err)
}
