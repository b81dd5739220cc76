package domain

// TimeLayout is the fixed-width UTC layout for every stored timestamp, so
// timestamps compare correctly as text.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Event statuses, in lifecycle order.
const (
	EventDraft     = "draft"
	EventActive    = "active"
	EventCompleted = "completed"
	EventArchived  = "archived"
)

// Render statuses shared by mission overrides and render jobs.
const (
	RenderQueued     = "queued"
	RenderProcessing = "processing"
	RenderReady      = "ready"
	RenderFailed     = "failed"
)

// Visit states.
const (
	VisitEnter    = "enter"
	VisitComplete = "complete"
	VisitFail     = "fail"
)

// Team statuses.
const (
	TeamActive    = "active"
	TeamInactive  = "inactive"
	TeamCompleted = "completed"
)

type Organization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventPreferences struct {
	AllowHQActivities bool `json:"allow_hq_activities"`
	MaxPrepMinutes    int  `json:"max_prep_minutes"`
}

type Event struct {
	ID          string           `json:"id"`
	OrgID       string           `json:"org_id"`
	Name        string           `json:"name"`
	Status      string           `json:"status" enum:"draft,active,completed,archived"`
	SourceModel string           `json:"source_model,omitempty"`
	Preferences EventPreferences `json:"preferences"`
	CreatedBy   string           `json:"created_by"`
	CreatedAt   string           `json:"created_at" format:"date-time"`
	UpdatedAt   string           `json:"updated_at" format:"date-time"`
}

type Station struct {
	ID          string `json:"id"`
	EventID     string `json:"event_id"`
	Sequence    int    `json:"sequence"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Activity    string `json:"activity,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type MissionOverride struct {
	ID              string   `json:"id"`
	EventID         string   `json:"event_id"`
	MissionID       string   `json:"mission_id"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Enabled         bool     `json:"enabled"`
	RequiresVideo   bool     `json:"requires_video"`
	RequiresPhoto   bool     `json:"requires_photo"`
	RequiresActor   bool     `json:"requires_actor"`
	Props           []string `json:"props,omitempty"`
	ExpectedMinutes *int     `json:"expected_minutes,omitempty"`
	P95Minutes      *int     `json:"p95_minutes,omitempty"`
	RenderStatus    string   `json:"render_status" enum:"queued,processing,ready,failed"`
	RenderAssetURL  string   `json:"render_asset_url,omitempty"`
	RenderError     string   `json:"render_error,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
}

type Team struct {
	ID         string `json:"id"`
	EventID    string `json:"event_id"`
	AccessCode string `json:"access_code"`
	Name       string `json:"name"`
	Color      string `json:"color,omitempty"`
	Emblem     string `json:"emblem,omitempty"`
	Capacity   int    `json:"capacity"`
	Status     string `json:"status" enum:"active,inactive,completed"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Assignment struct {
	ID        string `json:"id"`
	EventID   string `json:"event_id"`
	TeamID    string `json:"team_id"`
	MissionID string `json:"mission_id"`
	StationID string `json:"station_id"`
	Required  bool   `json:"required"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Visit struct {
	Seq     int64  `json:"seq"`
	ID      string `json:"id"`
	EventID string `json:"event_id"`
	TeamID  string `json:"team_id"`
	NodeID  string `json:"node_id"`
	State   string `json:"state" enum:"enter,complete,fail"`
	TS      string `json:"ts" format:"date-time"`
}

type RenderJob struct {
	ID             string `json:"id"`
	OrgID          string `json:"org_id"`
	EventID        string `json:"event_id"`
	EventMissionID string `json:"event_mission_id"`
	Status         string `json:"status" enum:"queued,processing,ready,failed"`
	RequestedBy    string `json:"requested_by"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}

// ActivityEntry is one row of the organizer-facing activity log.
type ActivityEntry struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id,omitempty"`
	EventID    string `json:"event_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ValidEventStatus reports whether s is a known event status.
func ValidEventStatus(s string) bool {
	return EventStatusRank(s) >= 0
}

// EventStatusRank orders event statuses; -1 for unknown values.
func EventStatusRank(s string) int {
	switch s {
	case EventDraft:
		return 0
	case EventActive:
		return 1
	case EventCompleted:
		return 2
	case EventArchived:
		return 3
	}
	return -1
}

func ValidRenderStatus(s string) bool {
	switch s {
	case RenderQueued, RenderProcessing, RenderReady, RenderFailed:
		return true
	}
	return false
}

func ValidVisitState(s string) bool {
	switch s {
	case VisitEnter, VisitComplete, VisitFail:
		return true
	}
	return false
}
