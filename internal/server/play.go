package server

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog"

	"questline/internal/domain"
	"questline/internal/engine"
	"questline/internal/engine/auth"
)

// okError is the {ok:false,error} envelope used by the play, compile and
// render callback endpoints.
type okError struct {
	status  int
	OK      bool              `json:"ok"`
	Message string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

func (e *okError) GetStatus() int { return e.status }
func (e *okError) Error() string  { return e.Message }

func newOKError(status int, msg string, details map[string]string) huma.StatusError {
	return &okError{status: status, Message: msg, Details: details}
}

// okErrorFrom maps engine errors for the ok-envelope endpoints. Not-found and
// sequence messages stay generic so team codes cannot be probed.
func okErrorFrom(err error, notFound string) huma.StatusError {
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newOKError(http.StatusBadRequest, err.Error(), ve.Fields)
	}
	var fe auth.ForbiddenError
	switch {
	case errors.As(err, &fe):
		return newOKError(http.StatusForbidden, fe.Error(), nil)
	case errors.Is(err, engine.ErrInvalidInput):
		return newOKError(http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, engine.ErrNotFound):
		return newOKError(http.StatusNotFound, notFound, nil)
	case errors.Is(err, engine.ErrSequence):
		return newOKError(http.StatusConflict, "invalid sequence", nil)
	case errors.Is(err, engine.ErrConflict):
		return newOKError(http.StatusConflict, "conflict", nil)
	}
	return newOKError(http.StatusInternalServerError, "internal error", nil)
}

// decodeStrict decodes a JSON object and rejects unknown fields and trailing data.
func decodeStrict(raw []byte, dst any) huma.StatusError {
	if len(bytes.TrimSpace(raw)) == 0 {
		return newOKError(http.StatusBadRequest, "body required", nil)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return newOKError(http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err), nil)
	}
	if dec.More() {
		return newOKError(http.StatusBadRequest, "invalid body: trailing data", nil)
	}
	return nil
}

type playInput struct {
	EventID string `path:"event_id"`
	RawBody []byte `contentType:"application/json"`
}

func registerPlay(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "play-auth",
		Method:      http.MethodPost,
		Path:        "/events/{event_id}/play/auth",
		Summary:     "Authenticate a team by access code",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *playInput) (*struct {
		Body PlayAuthResponse `json:"body"`
	}, error) {
		var req PlayAuthRequest
		if err := decodeStrict(input.RawBody, &req); err != nil {
			return nil, err
		}
		ta, err := e.AuthenticateTeam(ctx, input.EventID, req.Code)
		if err != nil {
			return nil, okErrorFrom(err, "team not found")
		}
		pos, err := e.Position(ctx, input.EventID, ta.Team.ID)
		if err != nil {
			return nil, okErrorFrom(err, "team not found")
		}
		return &struct {
			Body PlayAuthResponse `json:"body"`
		}{Body: PlayAuthResponse{
			OK:       true,
			EventID:  input.EventID,
			TeamID:   ta.Team.ID,
			TeamName: ta.Team.Name,
			RouteID:  ta.RouteID,
			Position: pos,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "play-route",
		Method:      http.MethodPost,
		Path:        "/events/{event_id}/play/route",
		Summary:     "Leave a station and get the next one",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *playInput) (*struct {
		Body PlayRouteResponse `json:"body"`
	}, error) {
		var req PlayRouteRequest
		if err := decodeStrict(input.RawBody, &req); err != nil {
			return nil, err
		}
		if _, err := playTeam(ctx, e, input.EventID, req.TeamID, req.Code); err != nil {
			return nil, err
		}
		dec, err := e.RouteNext(ctx, input.EventID, req.TeamID, strings.TrimSpace(req.FromNodeID))
		if err != nil {
			return nil, okErrorFrom(err, "team not found")
		}
		return &struct {
			Body PlayRouteResponse `json:"body"`
		}{Body: PlayRouteResponse{OK: true, RouteDecision: dec}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "play-visit",
		Method:      http.MethodPost,
		Path:        "/events/{event_id}/play/visits",
		Summary:     "Append a visit to the team's log",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *playInput) (*struct {
		Body PlayVisitResponse `json:"body"`
	}, error) {
		var req PlayVisitRequest
		if err := decodeStrict(input.RawBody, &req); err != nil {
			return nil, err
		}
		if _, err := playTeam(ctx, e, input.EventID, req.TeamID, req.Code); err != nil {
			return nil, err
		}
		v, err := e.LogVisit(ctx, engine.LogVisitInput{EventID: input.EventID, TeamID: req.TeamID, NodeID: req.NodeID, State: req.State})
		if err != nil {
			return nil, okErrorFrom(err, "team not found")
		}
		return &struct {
			Body PlayVisitResponse `json:"body"`
		}{Body: PlayVisitResponse{OK: true, Visit: v}}, nil
	})
}

// playTeam re-authenticates the code on every play call and checks it belongs to teamID.
func playTeam(ctx context.Context, e engine.Engine, eventID, teamID, code string) (domain.Team, huma.StatusError) {
	ta, err := e.AuthenticateTeam(ctx, eventID, code)
	if err != nil {
		return domain.Team{}, okErrorFrom(err, "team not found")
	}
	if ta.Team.ID != teamID {
		return domain.Team{}, newOKError(http.StatusNotFound, "team not found", nil)
	}
	return ta.Team, nil
}

func registerCompile(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "compile-event",
		Method:      http.MethodPost,
		Path:        "/events/{event_id}/compile",
		Summary:     "Enqueue render jobs for every mission override of the event",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
	}) (*struct {
		Body CompileResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.CompileEvent(ctx, input.EventID, auth.User{ID: principal.ActorID})
		if err != nil {
			return nil, okErrorFrom(err, "event not found")
		}
		return &struct {
			Body CompileResponse `json:"body"`
		}{Body: CompileResponse{OK: true, Enqueued: res.Enqueued, Total: res.Total}}, nil
	})
}

func registerRenderCallback(api huma.API, e engine.Engine, secret string, log zerolog.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "render-callback",
		Method:      http.MethodPost,
		Path:        "/render/callback",
		Summary:     "Render worker status callback",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Secret  string `header:"X-Render-Secret"`
		RawBody []byte `contentType:"application/json"`
	}) (*struct {
		Body RenderCallbackResponse `json:"body"`
	}, error) {
		if secret != "" && subtle.ConstantTimeCompare([]byte(input.Secret), []byte(secret)) != 1 {
			return nil, newOKError(http.StatusUnauthorized, "invalid render secret", nil)
		}
		var payload engine.RenderStatusPayload
		if err := decodeStrict(input.RawBody, &payload); err != nil {
			return nil, err
		}
		res, err := e.ApplyRenderStatus(ctx, payload)
		if err != nil {
			if !errors.Is(err, engine.ErrInvalidInput) {
				log.Error().Err(err).Str("event_mission_id", payload.EventMissionID).Msg("render callback failed")
			}
			return nil, okErrorFrom(err, "")
		}
		if res.RowsAffected == 0 && !res.Ignored {
			log.Warn().Str("event_mission_id", payload.EventMissionID).Str("status", payload.Status).Msg("render callback matched no mission override")
		}
		return &struct {
			Body RenderCallbackResponse `json:"body"`
		}{Body: RenderCallbackResponse{OK: true, RowsAffected: res.RowsAffected, Ignored: res.Ignored}}, nil
	})
}
