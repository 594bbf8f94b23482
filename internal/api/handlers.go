package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"pergola/internal/auth"
	"pergola/internal/models"
	"pergola/internal/ws"

	"go.uber.org/zap"
)

type Authenticator interface {
	Authenticate(token string) (models.User, error)
}

// API serves the REST fallback for clients without a websocket. Every
// command goes through the same gateway as websocket commands.
type API struct {
	auth    Authenticator
	gateway *ws.Gateway
	log     *zap.Logger
}

func New(auth Authenticator, gateway *ws.Gateway, log *zap.Logger) *API {
	return &API{auth: auth, gateway: gateway, log: log.Named("api")}
}

type contextKey int

const userKey contextKey = iota

// RequireAuth rejects requests without a valid bearer credential and
// passes the account on in the request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := a.auth.Authenticate(auth.TokenFromRequest(r))
		if err != nil {
			a.writeError(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	}
}

func currentUser(r *http.Request) models.User {
	user, _ := r.Context().Value(userKey).(models.User)
	return user
}

func statusOf(code models.ErrorCode) int {
	switch code {
	case models.CodeInvalidInput:
		return http.StatusBadRequest
	case models.CodeUnauthenticated, models.CodeInvalidCredential:
		return http.StatusUnauthorized
	case models.CodeNotAParticipant, models.CodeForbidden:
		return http.StatusForbidden
	case models.CodeNotFound:
		return http.StatusNotFound
	case models.CodeConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	writeError(w, a.log, err)
}

func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	code := models.CodeOf(err)
	if code == models.CodeInternal {
		log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, log, statusOf(code), models.APIResponse{
		Success: false,
		Message: models.PublicMessage(err),
		Code:    code,
	})
}

func writeJSON(w http.ResponseWriter, log *zap.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to encode response", zap.Error(err))
	}
}

// decodeBody decodes a JSON request body, rejecting unknown fields.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	return nil
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.log, http.StatusOK, currentUser(r))
}

type VisibilityRequest struct {
	Show *bool `json:"show"`
}

func (a *API) VisibilityHandler(w http.ResponseWriter, r *http.Request) {
	var req VisibilityRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	if req.Show == nil {
		a.writeError(w, models.ErrInvalidInput)
		return
	}

	p, err := a.gateway.ToggleVisibility(currentUser(r).ID, *req.Show)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, a.log, http.StatusOK, p)
}

func (a *API) ConversationsHandler(w http.ResponseWriter, r *http.Request) {
	views, err := a.gateway.Conversations(currentUser(r).ID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, a.log, http.StatusOK, views)
}

type StartConversationRequest struct {
	TargetUserID string `json:"targetUserId"`
}

func (a *API) StartConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req StartConversationRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	if req.TargetUserID == "" {
		a.writeError(w, models.ErrInvalidInput)
		return
	}

	thread, err := a.gateway.StartConversation(currentUser(r).ID, req.TargetUserID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, a.log, http.StatusOK, thread)
}

func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	messages, err := a.gateway.History(currentUser(r).ID, r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, a.log, http.StatusOK, messages)
}

type SendMessageRequest struct {
	Content string `json:"content"`
}

func (a *API) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, err)
		return
	}

	msg, err := a.gateway.SendMessage(currentUser(r).ID, r.PathValue("id"), req.Content)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, a.log, http.StatusCreated, msg)
}

type ReadResponse struct {
	Read int `json:"read"`
}

func (a *API) ReadHandler(w http.ResponseWriter, r *http.Request) {
	n, err := a.gateway.MarkRead(currentUser(r).ID, r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, a.log, http.StatusOK, ReadResponse{Read: n})
}

func (a *API) HideConversationHandler(w http.ResponseWriter, r *http.Request) {
	hidden, err := a.gateway.HideConversation(currentUser(r).ID, r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, a.log, http.StatusOK, hidden)
}

func (a *API) DeleteMessageHandler(w http.ResponseWriter, r *http.Request) {
	msg, err := a.gateway.DeleteMessage(currentUser(r).ID, r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, a.log, http.StatusOK, msg)
}
