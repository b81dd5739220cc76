package engine

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"questline/internal/activity"
	"questline/internal/domain"
	"questline/internal/engine/auth"
	"questline/internal/repo"
)

type CompileResult struct {
	EventID  string `json:"event_id"`
	OrgID    string `json:"org_id"`
	Enqueued int    `json:"enqueued"`
	Total    int    `json:"total"`
}

// CompileEvent enqueues one render job per mission override of the event.
// Overrides that already have an outstanding job are skipped, so re-running
// returns only the newly enqueued count.
func (e Engine) CompileEvent(ctx context.Context, eventID string, user auth.User) (CompileResult, error) {
	if eventID == "" {
		return CompileResult{}, invalidf("event id required")
	}
	res := CompileResult{EventID: eventID}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		ev, err := e.authorizeEvent(ctx, tx, eventID, user.ID, auth.RoleEditor)
		if err != nil {
			return err
		}
		if ev.Status == domain.EventArchived {
			return invalidf("event %s is archived", ev.ID)
		}
		res.OrgID = ev.OrgID
		missions, err := e.Repo.ListMissions(ctx, tx, ev.ID)
		if err != nil {
			return err
		}
		res.Total = len(missions)
		for _, m := range missions {
			now := e.stamp()
			err := e.Repo.InsertRenderJob(ctx, tx, domain.RenderJob{
				ID:             uuid.NewString(),
				OrgID:          ev.OrgID,
				EventID:        ev.ID,
				EventMissionID: m.ID,
				Status:         domain.RenderQueued,
				RequestedBy:    user.ID,
				CreatedAt:      now,
				UpdatedAt:      now,
			})
			if errors.Is(err, repo.ErrConflict) {
				continue
			}
			if err != nil {
				return err
			}
			if m.RenderStatus == domain.RenderFailed {
				if err := e.Repo.ResetRender(ctx, tx, m.ID, now); err != nil {
					return err
				}
			}
			res.Enqueued++
		}
		return e.activity().Append(ctx, tx, activity.EventCompiled, ev.OrgID, ev.ID, "event", ev.ID, user.ID,
			activity.Payload{"enqueued": res.Enqueued, "total": res.Total})
	})
	if err != nil {
		return CompileResult{}, err
	}
	e.Log.Info().Str("event_id", eventID).Int("enqueued", res.Enqueued).Int("total", res.Total).Msg("event compiled")
	return res, nil
}
