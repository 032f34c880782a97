// Package api is the HTTP boundary of the trip engine.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"tripsync/internal/auth"
	"tripsync/internal/controller"
	"tripsync/internal/domain/trip"
	"tripsync/internal/domain/user"
	"tripsync/internal/general/jwt"
	"tripsync/internal/general/logger"
	"tripsync/internal/ingest"
	"tripsync/internal/notify"
	"tripsync/internal/store"
)

// Handler adapts HTTP requests to the trip engine.
type Handler struct {
	accounts *auth.Accounts
	sessions *Registry
	tokens   *jwt.Manager
	hub      *notify.WSHub
	producer *ingest.Producer // may be nil (samples handled inline)
	logger   *logger.Logger
}

// NewHandler wires the HTTP boundary.
func NewHandler(
	accounts *auth.Accounts,
	sessions *Registry,
	tokens *jwt.Manager,
	hub *notify.WSHub,
	producer *ingest.Producer,
	log *logger.Logger,
) *Handler {
	return &Handler{
		accounts: accounts,
		sessions: sessions,
		tokens:   tokens,
		hub:      hub,
		producer: producer,
		logger:   log,
	}
}

// RegisterRoutes mounts the engine's endpoints on the provided mux.
func (handler *Handler) RegisterRoutes(mux *http.ServeMux) {
	anyUser := jwt.AuthMiddlewareFunc(handler.tokens, user.RoleRider, user.RoleDriver)
	riderOnly := jwt.AuthMiddlewareFunc(handler.tokens, user.RoleRider)
	driverOnly := jwt.AuthMiddlewareFunc(handler.tokens, user.RoleDriver)

	mux.HandleFunc("POST /accounts", handler.handleSignUp)
	mux.HandleFunc("POST /sessions", handler.handleSignIn)
	mux.HandleFunc("DELETE /sessions", anyUser(handler.handleSignOut))
	mux.HandleFunc("POST /tokens", handler.handleCreateToken)

	mux.HandleFunc("POST /trips", riderOnly(handler.handleCreateTrip))
	mux.HandleFunc("POST /trips/fare", riderOnly(handler.handleRaiseFare))
	mux.HandleFunc("POST /trips/{rider_id}/accept", driverOnly(handler.handleAcceptTrip))
	mux.HandleFunc("POST /trips/pickup-confirm", riderOnly(handler.handleConfirmPickup))
	mux.HandleFunc("POST /trips/arrived", driverOnly(handler.handleDriverArrived))
	mux.HandleFunc("POST /trips/begin", riderOnly(handler.handleBeginTrip))
	mux.HandleFunc("POST /trips/complete", anyUser(handler.handleCompleteTrip))
	mux.HandleFunc("DELETE /trips", anyUser(handler.handleCancelTrip))
	mux.HandleFunc("GET /trips/current", anyUser(handler.handleCurrentTrip))
	mux.HandleFunc("GET /trips/open", driverOnly(handler.handleOpenTrips))
	mux.HandleFunc("GET /trips/accepted", driverOnly(handler.handleAcceptedTrips))

	mux.HandleFunc("POST /drivers/{driver_id}/rating", riderOnly(handler.handleRateDriver))
	mux.HandleFunc("POST /locations", anyUser(handler.handleLocationSample))

	// WebSocket does its own authentication during the upgrade
	mux.HandleFunc("GET /ws", handler.hub.HandleConnect)

	mux.HandleFunc("GET /health", handler.handleHealth)
}

func (handler *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	handler.jsonResponse(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

// ----- helpers -----

// clientFromRequest resolves the engine client for the token's principal.
func (handler *Handler) clientFromRequest(ctx context.Context, r *http.Request) (*Client, error) {
	claims := jwt.RequireClaims(r)
	if claims == nil {
		return nil, controller.ErrNotAuthenticated
	}
	return handler.sessions.Get(ctx, claims.Subject)
}

// decodeBody bounds and strictly decodes a JSON request body.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return errors.New("Content-Type must be application/json")
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MiB
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// handleEngineError maps engine errors onto HTTP statuses.
func (handler *Handler) handleEngineError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, controller.ErrNotAuthenticated), errors.Is(err, auth.ErrNotSignedIn):
		handler.httpError(ctx, w, http.StatusUnauthorized, "not authenticated", err)
	case errors.Is(err, auth.ErrInvalidCredentials):
		handler.httpError(ctx, w, http.StatusUnauthorized, "invalid email or password", err)
	case errors.Is(err, controller.ErrForbiddenRole):
		handler.httpError(ctx, w, http.StatusForbidden, "operation not allowed for role", err)
	case errors.Is(err, controller.ErrNoActiveTrip):
		handler.httpError(ctx, w, http.StatusNotFound, "no active trip", err)
	case errors.Is(err, store.ErrNotFound):
		handler.httpError(ctx, w, http.StatusNotFound, "not found", err)
	case errors.Is(err, controller.ErrTripActive):
		handler.httpError(ctx, w, http.StatusConflict, "an active trip already exists", err)
	case errors.Is(err, controller.ErrTripClaimed):
		handler.httpError(ctx, w, http.StatusConflict, "trip already claimed by another driver", err)
	case errors.Is(err, trip.ErrInvalidTransition):
		handler.httpError(ctx, w, http.StatusConflict, "invalid trip status transition", err)
	case errors.Is(err, auth.ErrEmailTaken):
		handler.httpError(ctx, w, http.StatusConflict, "email already registered", err)
	case errors.Is(err, trip.ErrFareDecrease):
		handler.httpError(ctx, w, http.StatusBadRequest, "fare offering can never decrease", err)
	default:
		handler.httpError(ctx, w, http.StatusInternalServerError, "internal server error", err)
	}
}

// jsonResponse encodes data to the HTTP response, buffering first so a failed
// encode can still produce a clean error status.
func (handler *Handler) jsonResponse(ctx context.Context, w http.ResponseWriter, status int, data any) {
	var buf []byte
	var err error

	if data != nil {
		buf, err = json.Marshal(data)
		if err != nil {
			handler.logger.Error(ctx, "response_encode_failed", "Failed to encode response", err, nil)
			http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
			return
		}
	} else {
		buf = []byte("{}")
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf)
}

// httpError sends a JSON error response with a message.
func (handler *Handler) httpError(ctx context.Context, w http.ResponseWriter, status int, msg string, err error) {
	action := "request_failed"
	if status >= 500 {
		action = "http_internal_error"
	} else if status == http.StatusBadRequest {
		action = "validation_failed"
	}
	handler.logger.Error(ctx, action, msg, err, nil)

	type errBody struct {
		Error string `json:"error"`
	}
	handler.jsonResponse(ctx, w, status, errBody{Error: msg})
}

// withReqID extracts or generates a request ID and adds it to the context.
func (handler *Handler) withReqID(ctx context.Context, r *http.Request) context.Context {
	reqID := r.Header.Get("X-Request-ID")
	if strings.TrimSpace(reqID) == "" {
		reqID = randID()
	}
	return handler.logger.WithRequestID(ctx, reqID)
}

// randID generates a random 24-char hex string suitable for request IDs.
func randID() string {
	var b [12]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
