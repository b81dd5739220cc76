package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"questline/internal/activity"
	"questline/internal/config"
	"questline/internal/domain"
	"questline/internal/engine/auth"
	"questline/internal/repo"
)

// Engine runs routing, compilation and render status operations against the
// store. It holds no entity state between calls.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Activity activity.Writer
	Roles    auth.RoleLookup
	Config   *config.Config
	Log      zerolog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:       db,
		Repo:     r,
		Activity: activity.Writer{Now: time.Now},
		Roles:    auth.SQLRoles{Repo: r},
		Config:   cfg,
		Log:      zerolog.Nop(),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(domain.TimeLayout)
}

func (e Engine) activity() activity.Writer {
	w := e.Activity
	w.Now = e.now
	return w
}

// withTx runs fn in one immediate transaction and commits when fn succeeds.
func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return upstream(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return upstream(err)
	}
	return upstream(tx.Commit())
}

// authorizeEvent resolves the event through the actor's own memberships and
// checks the actor's role in the owning organization.
func (e Engine) authorizeEvent(ctx context.Context, tx *sql.Tx, eventID, actorID, need string) (domain.Event, error) {
	if eventID == "" {
		return domain.Event{}, invalidf("event id required")
	}
	orgID, err := e.Repo.VisibleEventOrg(ctx, tx, eventID, actorID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Event{}, ErrNotFound
		}
		return domain.Event{}, err
	}
	if _, err := auth.Require(ctx, e.Roles, tx, orgID, actorID, need); err != nil {
		return domain.Event{}, err
	}
	return e.Repo.GetEvent(ctx, tx, eventID)
}

func (e Engine) authorizeOrg(ctx context.Context, tx *sql.Tx, orgID, actorID, need string) error {
	if orgID == "" {
		return invalidf("org id required")
	}
	_, err := auth.Require(ctx, e.Roles, tx, orgID, actorID, need)
	return err
}
