package questlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Client is a minimal Questline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// RenderSecret is sent as X-Render-Secret on render callbacks.
	RenderSecret string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path, e.g. http://host/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Station struct {
	ID          string `json:"id"`
	EventID     string `json:"event_id"`
	Sequence    int    `json:"sequence"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Activity    string `json:"activity,omitempty"`
}

type StationMission struct {
	StationID string `json:"station_id"`
	MissionID string `json:"mission_id"`
	Title     string `json:"title"`
	Required  bool   `json:"required"`
	Enabled   bool   `json:"enabled"`
}

type RoutePayload struct {
	Station  Station          `json:"station"`
	Missions []StationMission `json:"missions"`
}

// RouteDecision is the routing answer for one "leave station" call.
type RouteDecision struct {
	EventID    string        `json:"event_id"`
	TeamID     string        `json:"team_id"`
	FromNodeID string        `json:"from_node_id,omitempty"`
	ToNodeID   string        `json:"to_node_id,omitempty"`
	Finished   bool          `json:"finished"`
	Replay     bool          `json:"replay"`
	Payload    *RoutePayload `json:"payload,omitempty"`
}

type Position struct {
	Started       bool   `json:"started"`
	CurrentNodeID string `json:"current_node_id,omitempty"`
	Finished      bool   `json:"finished"`
}

type Visit struct {
	Seq     int64  `json:"seq"`
	ID      string `json:"id"`
	EventID string `json:"event_id"`
	TeamID  string `json:"team_id"`
	NodeID  string `json:"node_id"`
	State   string `json:"state"`
	TS      string `json:"ts"`
}

type CompileResult struct {
	Enqueued int `json:"enqueued"`
	Total    int `json:"total"`
}

// RenderStatus is the body a render worker posts when a job changes state.
type RenderStatus struct {
	EventMissionID string `json:"event_mission_id"`
	Status         string `json:"status"`
	AssetURL       string `json:"asset_url,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

type RenderResult struct {
	RowsAffected int64 `json:"rows_affected"`
	Ignored      bool  `json:"ignored"`
}

// APIError wraps non-2xx responses. Message is taken from either error envelope.
type APIError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool { return statusOf(err) == http.StatusNotFound }

// IsSequenceError reports whether the server rejected a route call as out of order.
func IsSequenceError(err error) bool { return statusOf(err) == http.StatusConflict }

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Compile enqueues render jobs for every mission override of the event.
func (c *Client) Compile(ctx context.Context, eventID string) (CompileResult, error) {
	var resp CompileResult
	err := c.do(ctx, http.MethodPost, eventPath(eventID, "compile"), nil, nil, &resp)
	return resp, err
}

// PostRenderStatus delivers a render worker callback.
func (c *Client) PostRenderStatus(ctx context.Context, status RenderStatus) (RenderResult, error) {
	var headers map[string]string
	if c.RenderSecret != "" {
		headers = map[string]string{"X-Render-Secret": c.RenderSecret}
	}
	var resp RenderResult
	err := c.do(ctx, http.MethodPost, "render/callback", status, headers, &resp)
	return resp, err
}

// AuthenticateTeam submits an access code and opens a session for the team.
func (c *Client) AuthenticateTeam(ctx context.Context, eventID, code string) (*TeamSession, error) {
	var resp struct {
		TeamID   string   `json:"team_id"`
		TeamName string   `json:"team_name"`
		RouteID  string   `json:"route_id"`
		Position Position `json:"position"`
	}
	if err := c.do(ctx, http.MethodPost, eventPath(eventID, "play/auth"), map[string]string{"code": code}, nil, &resp); err != nil {
		return nil, err
	}
	s := &TeamSession{
		client:   c,
		code:     code,
		EventID:  eventID,
		TeamID:   resp.TeamID,
		TeamName: resp.TeamName,
		RouteID:  resp.RouteID,
		active:   !resp.Position.Finished,
	}
	if resp.Position.Started && !resp.Position.Finished {
		s.CurrentNodeID = resp.Position.CurrentNodeID
	}
	return s, nil
}

// ErrSessionClosed is returned by a TeamSession after Logout or once the route finished.
var ErrSessionClosed = errors.New("team session closed")

// TeamSession is one team's play session. It is safe for concurrent use.
type TeamSession struct {
	client *Client
	code   string

	mu            sync.Mutex
	active        bool
	EventID       string
	TeamID        string
	TeamName      string
	RouteID       string
	CurrentNodeID string
}

// Active reports whether the session can still route.
func (s *TeamSession) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Current returns the station the session believes the team is at.
func (s *TeamSession) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CurrentNodeID
}

// Next leaves the current station and moves the session to the next one.
// The session closes when the route is finished.
func (s *TeamSession) Next(ctx context.Context) (RouteDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return RouteDecision{}, ErrSessionClosed
	}
	body := map[string]string{"team_id": s.TeamID, "code": s.code, "from_node_id": s.CurrentNodeID}
	var dec RouteDecision
	if err := s.client.do(ctx, http.MethodPost, eventPath(s.EventID, "play/route"), body, nil, &dec); err != nil {
		return RouteDecision{}, err
	}
	if dec.Finished {
		s.closeLocked()
		return dec, nil
	}
	s.CurrentNodeID = dec.ToNodeID
	return dec, nil
}

// LogVisit appends a visit for the session's team.
func (s *TeamSession) LogVisit(ctx context.Context, nodeID, state string) (Visit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return Visit{}, ErrSessionClosed
	}
	body := map[string]string{"team_id": s.TeamID, "code": s.code, "node_id": nodeID, "state": state}
	var resp struct {
		Visit Visit `json:"visit"`
	}
	err := s.client.do(ctx, http.MethodPost, eventPath(s.EventID, "play/visits"), body, nil, &resp)
	return resp.Visit, err
}

// Logout clears the session.
func (s *TeamSession) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *TeamSession) closeLocked() {
	s.active = false
	s.code = ""
	s.CurrentNodeID = ""
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, headers map[string]string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(b), Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// errorMessage reads {"ok":false,"error":"..."} and {"error":{"message":"..."}} bodies.
func errorMessage(body []byte) string {
	var env struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &env) != nil || len(env.Error) == 0 {
		return ""
	}
	var msg string
	if json.Unmarshal(env.Error, &msg) == nil {
		return msg
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(env.Error, &obj) == nil {
		return obj.Message
	}
	return ""
}

func eventPath(eventID, p string) string {
	return fmt.Sprintf("events/%s/%s", url.PathEscape(eventID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
