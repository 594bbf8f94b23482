package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pergola/internal/content"
	"pergola/internal/models"
	"pergola/internal/ws"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type TokenIssuer interface {
	IssueToken(accountID, email string) (string, time.Time, error)
}

type UserStore interface {
	UpsertUser(user models.User) error
	GetUser(id string) (models.User, error)
	FindUserByName(userName string) (models.User, error)
	Follow(follower, followee string) error
	Unfollow(follower, followee string) error
}

// AdminHandler manages accounts and follow edges and pushes server-side
// events. It is served on the admin listener only.
type AdminHandler struct {
	tokens  TokenIssuer
	users   UserStore
	gateway *ws.Gateway
	log     *zap.Logger
}

func NewAdminHandler(tokens TokenIssuer, users UserStore, gateway *ws.Gateway, log *zap.Logger) *AdminHandler {
	return &AdminHandler{tokens: tokens, users: users, gateway: gateway, log: log.Named("admin")}
}

type AddUserRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type AddUserResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	UserID      string `json:"userId,omitempty"`
	Username    string `json:"username,omitempty"`
	Token       string `json:"token,omitempty"`
	TokenExpiry int64  `json:"tokenExpiry,omitempty"`
}

func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}

	if err := content.ValidateUsername(req.Username); err != nil {
		writeError(w, h.log, fmt.Errorf("%w: %v", models.ErrInvalidInput, err))
		return
	}

	if _, err := h.users.FindUserByName(req.Username); err == nil {
		writeError(w, h.log, fmt.Errorf("%w: user %s already exists", models.ErrConflict, req.Username))
		return
	} else if !errors.Is(err, models.ErrNotFound) {
		writeError(w, h.log, err)
		return
	}

	displayName := strings.TrimSpace(content.Sanitize(req.DisplayName))
	if displayName == "" {
		displayName = req.Username
	}

	user := models.User{
		ID:          uuid.NewString(),
		UserName:    req.Username,
		DisplayName: displayName,
		Email:       req.Email,
		AvatarURL:   req.AvatarURL,
		Presence:    models.Presence{ShowOnlineStatus: true},
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.users.UpsertUser(user); err != nil {
		writeError(w, h.log, fmt.Errorf("failed to create user: %w", err))
		return
	}

	token, expiresAt, err := h.tokens.IssueToken(user.ID, user.Email)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	h.log.Info("user created", zap.String("user", user.ID), zap.String("username", user.UserName))
	writeJSON(w, h.log, http.StatusOK, AddUserResponse{
		Success:     true,
		UserID:      user.ID,
		Username:    user.UserName,
		Token:       token,
		TokenExpiry: expiresAt.Unix(),
	})
}

// FollowRequest names users by id or username.
type FollowRequest struct {
	Follower string `json:"follower"`
	Followee string `json:"followee"`
}

func (h *AdminHandler) resolveUser(ref string) (models.User, error) {
	if ref == "" {
		return models.User{}, fmt.Errorf("%w: user is required", models.ErrInvalidInput)
	}
	user, err := h.users.GetUser(ref)
	if errors.Is(err, models.ErrNotFound) {
		return h.users.FindUserByName(ref)
	}
	return user, err
}

func (h *AdminHandler) FollowHandler(w http.ResponseWriter, r *http.Request) {
	var req FollowRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}

	follower, err := h.resolveUser(req.Follower)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	followee, err := h.resolveUser(req.Followee)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if follower.ID == followee.ID {
		writeError(w, h.log, fmt.Errorf("%w: users cannot follow themselves", models.ErrInvalidInput))
		return
	}

	if r.Method == http.MethodDelete {
		err = h.users.Unfollow(follower.ID, followee.ID)
	} else {
		err = h.users.Follow(follower.ID, followee.ID)
	}
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	writeJSON(w, h.log, http.StatusOK, models.APIResponse{
		Success: true,
		Message: fmt.Sprintf("%s -> %s", follower.UserName, followee.UserName),
	})
}

type NotificationRequest struct {
	UserID  string         `json:"userId"`
	Kind    string         `json:"kind"`
	ActorID string         `json:"actorId,omitempty"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

type NotificationResponse struct {
	Success      bool                `json:"success"`
	Notification models.Notification `json:"notification"`
	Delivered    int                 `json:"delivered"`
}

func (h *AdminHandler) NotifyHandler(w http.ResponseWriter, r *http.Request) {
	var req NotificationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if req.Kind == "" {
		writeError(w, h.log, fmt.Errorf("%w: kind is required", models.ErrInvalidInput))
		return
	}
	user, err := h.resolveUser(req.UserID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	n, delivered := h.gateway.Notify(user.ID, models.Notification{
		Kind:    req.Kind,
		ActorID: req.ActorID,
		Message: req.Message,
		Data:    req.Data,
	})
	writeJSON(w, h.log, http.StatusOK, NotificationResponse{
		Success:      true,
		Notification: n,
		Delivered:    delivered,
	})
}

func (h *AdminHandler) DisconnectUserHandler(w http.ResponseWriter, r *http.Request) {
	user, err := h.resolveUser(r.PathValue("id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	n := h.gateway.DisconnectUser(user.ID)
	writeJSON(w, h.log, http.StatusOK, models.APIResponse{
		Success: true,
		Message: fmt.Sprintf("%d connections closed", n),
	})
}

func (h *AdminHandler) RemoveConversationHandler(w http.ResponseWriter, r *http.Request) {
	hidden, err := h.gateway.RemoveConversation(r.PathValue("id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	h.log.Info("conversation removed", zap.String("conversation", hidden.ConversationID))
	writeJSON(w, h.log, http.StatusOK, hidden)
}
