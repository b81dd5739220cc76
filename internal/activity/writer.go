package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"questline/internal/domain"
)

// Entry types written by the engine.
const (
	EventCreated      = "event.created"
	EventUpdated      = "event.updated"
	EventCompiled     = "event.compiled"
	StationAdded      = "station.added"
	TeamAdded         = "team.added"
	MissionAdded      = "mission.added"
	MissionUpdated    = "mission.updated"
	AssignmentSet     = "assignment.set"
	RenderUpdated     = "render.updated"
	TeamFinished      = "team.finished"
)

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Append records one activity entry inside tx so it commits with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, entryType, orgID, eventID, entityKind, entityID, actorID string, payload Payload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(domain.TimeLayout)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal activity payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO activity(ts,type,org_id,event_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		ts, entryType, nullable(orgID), nullable(eventID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
