package engine

import (
	"context"
	"database/sql"
	"errors"

	"questline/internal/activity"
	"questline/internal/domain"
	"questline/internal/repo"
)

// RenderWorkerActor is recorded as the actor of render status changes.
const RenderWorkerActor = "render-worker"

// RenderStatusPayload is the render worker callback body.
type RenderStatusPayload struct {
	EventMissionID string `json:"event_mission_id" validate:"required,uuid"`
	Status         string `json:"status" validate:"required,oneof=queued processing ready failed"`
	AssetURL       string `json:"asset_url,omitempty" validate:"omitempty,url"`
	ErrorMessage   string `json:"error_message,omitempty" validate:"omitempty,max=2000"`
}

// Validate checks the payload shape. A ready status must carry an asset.
func (p RenderStatusPayload) Validate() error {
	if err := validateStruct(p); err != nil {
		return err
	}
	if p.Status == domain.RenderReady && p.AssetURL == "" {
		return ValidationError{Fields: map[string]string{"asset_url": "is required when status is ready"}}
	}
	return nil
}

type RenderStatusResult struct {
	EventMissionID string `json:"event_mission_id"`
	Status         string `json:"status"`
	RowsAffected   int64  `json:"rows_affected"`
	// Ignored is set when a stale queued/processing callback met a ready override.
	Ignored bool `json:"ignored"`
}

// ApplyRenderStatus applies one render worker callback to its mission override
// and to the override's latest render job. Zero affected rows is not an error.
func (e Engine) ApplyRenderStatus(ctx context.Context, p RenderStatusPayload) (RenderStatusResult, error) {
	if err := p.Validate(); err != nil {
		return RenderStatusResult{}, err
	}
	res := RenderStatusResult{EventMissionID: p.EventMissionID, Status: p.Status}
	guard := e.Config.GuardReadyStatus()
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		now := e.stamp()
		upd := repo.RenderUpdate{
			ID:         p.EventMissionID,
			Status:     p.Status,
			UpdatedAt:  now,
			GuardReady: guard,
		}
		switch p.Status {
		case domain.RenderReady:
			upd.AssetURL = p.AssetURL
		case domain.RenderFailed:
			upd.Error = p.ErrorMessage
		}
		n, err := e.Repo.ApplyRender(ctx, tx, upd)
		if err != nil {
			return err
		}
		res.RowsAffected = n
		m, err := e.Repo.GetMission(ctx, tx, p.EventMissionID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			res.Ignored = guard && m.RenderStatus == domain.RenderReady
			return nil
		}
		if _, err := e.Repo.UpdateLatestRenderJob(ctx, tx, m.ID, p.Status, now); err != nil {
			return err
		}
		ev, err := e.Repo.GetEvent(ctx, tx, m.EventID)
		if err != nil {
			return err
		}
		payload := activity.Payload{"status": p.Status}
		if p.AssetURL != "" && p.Status == domain.RenderReady {
			payload["asset_url"] = p.AssetURL
		}
		if p.Status == domain.RenderFailed && p.ErrorMessage != "" {
			payload["error"] = p.ErrorMessage
		}
		return e.activity().Append(ctx, tx, activity.RenderUpdated, ev.OrgID, ev.ID, "mission", m.ID, RenderWorkerActor, payload)
	})
	if err != nil {
		return RenderStatusResult{}, err
	}
	if res.Ignored {
		e.Log.Warn().Str("event_mission_id", p.EventMissionID).Str("status", p.Status).Msg("stale render callback ignored")
	}
	return res, nil
}
