package api

import (
	"net/http"
	"strings"
	"time"

	"tripsync/internal/domain/user"
	"tripsync/internal/general/jwt"
)

type signUpRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"` // RIDER | DRIVER
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token    string    `json:"token"`
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	Role     user.Role `json:"role"`
}

// TokenRequest issues a token directly for a known principal (ops tooling).
type TokenRequest struct {
	UserID string    `json:"user_id"`
	Role   user.Role `json:"role"`
}

// TokenResponse represents the response for token generation.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
	Role      user.Role `json:"role"`
}

// ----- Handler: POST /accounts -----

func (handler *Handler) handleSignUp(w http.ResponseWriter, r *http.Request) {
	ctx := handler.withReqID(r.Context(), r)

	var req signUpRequest
	if err := decodeBody(w, r, &req); err != nil {
		handler.httpError(ctx, w, http.StatusBadRequest, "invalid request body: "+err.Error(), err)
		return
	}

	role, err := user.ParseRole(req.Role)
	if err != nil {
		handler.httpError(ctx, w, http.StatusBadRequest, "role must be RIDER or DRIVER", err)
		return
	}
	if strings.TrimSpace(req.Password) == "" {
		handler.httpError(ctx, w, http.StatusBadRequest, "password is required", nil)
		return
	}

	account, err := handler.accounts.SignUp(ctx, req.Username, req.Email, req.Password, role)
	if err != nil {
		handler.handleEngineError(ctx, w, err)
		return
	}

	handler.jsonResponse(ctx, w, http.StatusCreated, map[string]any{
		"user_id":  account.ID,
		"username": account.Username,
		"role":     account.Role,
	})
}

// ----- Handler: POST /sessions -----

func (handler *Handler) handleSignIn(w http.ResponseWriter, r *http.Request) {
	ctx := handler.withReqID(r.Context(), r)

	var req signInRequest
	if err := decodeBody(w, r, &req); err != nil {
		handler.httpError(ctx, w, http.StatusBadRequest, "invalid request body: "+err.Error(), err)
		return
	}

	account, token, err := handler.accounts.SignIn(ctx, req.Email, req.Password)
	if err != nil {
		handler.handleEngineError(ctx, w, err)
		return
	}

	// build the engine client now so a live trip is rehydrated before the
	// first request arrives
	if _, err := handler.sessions.Get(ctx, account.ID); err != nil {
		handler.handleEngineError(ctx, w, err)
		return
	}

	handler.jsonResponse(ctx, w, http.StatusCreated, sessionResponse{
		Token:    token,
		UserID:   account.ID,
		Username: account.Username,
		Role:     account.Role,
	})
}

// ----- Handler: DELETE /sessions -----

func (handler *Handler) handleSignOut(w http.ResponseWriter, r *http.Request) {
	ctx := handler.withReqID(r.Context(), r)

	claims := jwt.RequireClaims(r)
	if claims == nil {
		handler.httpError(ctx, w, http.StatusUnauthorized, "not authenticated", nil)
		return
	}

	handler.sessions.Remove(claims.Subject)
	handler.hub.Remove(claims.Subject)

	handler.logger.Info(ctx, "sign_out", "Session cleared", map[string]any{"user_id": claims.Subject})
	handler.jsonResponse(ctx, w, http.StatusOK, nil)
}

// ----- Handler: POST /tokens -----

func (handler *Handler) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	ctx := handler.withReqID(r.Context(), r)

	var req TokenRequest
	if err := decodeBody(w, r, &req); err != nil {
		handler.httpError(ctx, w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if strings.TrimSpace(req.UserID) == "" {
		handler.httpError(ctx, w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	tokenString, claims, err := handler.tokens.IssueUserToken(req.UserID, req.Role)
	if err != nil {
		handler.httpError(ctx, w, http.StatusInternalServerError, "Failed to generate token", err)
		return
	}

	handler.logger.Info(ctx, "token_generated", "JWT token generated successfully",
		map[string]any{"user_id": req.UserID, "role": req.Role})

	handler.jsonResponse(ctx, w, http.StatusCreated, TokenResponse{
		Token:     tokenString,
		ExpiresAt: claims.ExpiresAt.Time,
		UserID:    req.UserID,
		Role:      req.Role,
	})
}
