package api

import (
	"net/http"
	"strings"
	"time"

	"tripsync/internal/domain/geo"
	"tripsync/internal/domain/trip"
	"tripsync/internal/general/contracts"
	"tripsync/internal/general/jwt"
)

type locationBody struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

func (body locationBody) toLocation() (geo.UserLocation, error) {
	loc, err := geo.NewUserLocation(body.Lat, body.Lng)
	if err != nil {
		return geo.UserLocation{}, err
	}
	if strings.TrimSpace(body.Address) != "" {
		_ = loc.ResolveAddress(body.Address)
	}
	return loc, nil
}

type createTripRequest struct {
	Start        locationBody  `json:"start"`
	End          *locationBody `json:"end"`
	FareOffering float64       `json:"fare_offering"`
}

type raiseFareRequest struct {
	FareOffering float64 `json:"fare_offering"`
}

type rateDriverRequest struct {
	ThumbsUp bool `json:"thumbs_up"`
}

type locationSampleRequest struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// ----- Handler: POST /trips -----

func (handler *Handler) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	ctx := handler.withReqID(r.Context(), r)

	var req createTripRequest
	if err := decodeBody(w, r, &req); err != nil {
		handler.httpError(ctx, w, http.StatusBadRequest, "invalid request body: "+err.Error(), err)
		return
	}

	start, err := req.Start.toLocation()
	if err != nil {
		handler.httpError(ctx, w, http.StatusBadRequest, "invalid start location", err)
		return
	}
	var end *geo.UserLocation
	if req.End != nil {
		e, err := req.End.toLocation()
		if err != nil {
			handler.httpError(ctx, w, http.StatusBadRequest, "invalid end location", err)
			return
		}
		end = &e
	}

	client, err := handler.clientFromRequest(ctx, r)
	if err != nil {
		handler.handleEngineError(ctx, w, err)
		return
	}

	t, err := client.Controller.CreateTrip(ctx, start, end, req.FareOffering)
	if err != nil {
		handler.handleEngineError(ctx, w, err)
		return
	}

	handler.jsonResponse(ctx, w, http.StatusCreated, t)
}

// ----- Handler: POST /trips/fare -----

func (handler *Handler) handleRaiseFare(w http.ResponseWriter, r *http.Request) {
	ctx := handler.withReqID(r.Context(), r)

	var req raiseFareRequest
	if err := decodeBody(w, r, &req); err != nil {
		handler.httpError(ctx, w, http.StatusBadRequest, "invalid request body: "+err.Error(), err)
		return
	}

	client, err := handler.clientFromRequest(ctx, r)
	if err != nil {
		handler.handleEngineError(ctx, w, err)
		return
	}

	t, err := client.Controller.RaiseFareOffering(ctx, req.FareOffering)
	if err != nil {
		handler.handleEngineError(ctx, w, err)
		return
	}

	handler.jsonResponse(ctx, w, http.StatusOK, t)
}

// ----- Handler: POST /trips/{rider_id}/accept -----

func (handler *Handler) handleAcceptTrip(w http.ResponseWriter, r *http.Request) {
	ctx := handler.withReqID(r.Context(), r)

	riderID := strings.TrimSpace(r.PathValue("rider_id"))
	if riderID == "" {
		handler.httpError(ctx, w, http.StatusBadRequest, "rider_id is required", nil)
		return
	}

	client, err := handler.clientFromRequest(ctx, r)
	if err != nil {
		handler.handleEngineError(ctx, w, err)
		return
	}

	t, err := client.Controller.HandleDriverTripSelect(ctx, riderID)
	if err != nil {
		handler.handleEngineError(ctx, w, err)
		return
	}

	handler.jsonResponse(ctx, w, http.StatusOK, t)
}

// ----- transition handlers -----

func (handler *Handler) handleConfirmPickup(w http.ResponseWriter, r *http.Request) {
	handler.runTransition(w, r, func(client *Client, r *http.Request) error {
		return client.Controller.HandleNotifyDriverForPickup(r.Context())
	})
}

func (handler *Handler) handleDriverArrived(w http.ResponseWriter, r *http.Request) {
	handler.runTransition(w, r, func(client *Client, r *http.Request) error {
		return client.Controller.HandleNotifyRiderForPickup(r.Context())
	})
}

func (handler *Handler) handleBeginTrip(w http.ResponseWriter, r *http.Request) {
	handler.runTransition(w, r, func(client *Client, r *http.Request) error {
		return client.Controller.BeginTrip(r.Context())
	})
}

func (handler *Handler) handleCompleteTrip(w http.ResponseWriter, r *http.Request) {
	handler.runTransition(w, r, func(client *Client, r *http.Request) error {
		return client.Controller.CompleteTrip(r.Context())
	})
}

func (handler *Handler) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	handler.runTransition(w, r, func(client *Client, r *http.Request) error {
		return client.Controller.DeleteRiderCurrentTrip(r.Context())
	})
}

// runTransition resolves the client, runs the lifecycle action, and returns
// the session's view of the trip afterwards.
func (handler *Handler) runTransition(w http.ResponseWriter, r *http.Request, action func(*Client, *http.Request) error) {
	ctx := handler.withReqID(r.Context(), r)

	client, err := handler.clientFromRequest(ctx, r)
	if err != nil {
		handler.handleEngineError(ctx, w, err)
		return
	}

	if err := action(client, r.WithContext(ctx)); err != nil {
		handler.handleEngineError(ctx, w, err)
		return
	}

	handler.jsonResponse(ctx, w, http.StatusOK, map[string]any{
		"trip": client.Session.SessionTrip(),
	})
}

// ----- Handler: GET /trips/current -----

func (handler *Handler) handleCurrentTrip(w http.ResponseWriter, r *http.Request) {
	ctx := handler.withReqID(r.Context(), r)

	client, err := handler.clientFromRequest(ctx, r)
	if err != nil {
		handler.handleEngineError(ctx, w, err)
		return
	}

	t := client.Session.SessionTrip()
	if t == nil {
		handler.httpError(ctx, w, http.StatusNotFound, "no active trip", nil)
		return
	}
	handler.jsonResponse(ctx, w, http.StatusOK, t)
}

// ----- Handler: GET /trips/open -----

func (handler *Handler) handleOpenTrips(w http.ResponseWriter, r *http.Request) {
	ctx := handler.withReqID(r.Context(), r)

	client, err := handler.clientFromRequest(ctx, r)
	if err != nil {
		handler.handleEngineError(ctx, w, err)
		return
	}

	trips, err := client.Controller.GetTripsForUser(ctx)
	if err != nil {
		handler.handleEngineError(ctx, w, err)
		return
	}
	if trips == nil {
		trips = []trip.Trip{}
	}
	handler.jsonResponse(ctx, w, http.StatusOK, trips)
}

// ----- Handler: GET /trips/accepted -----

func (handler *Handler) handleAcceptedTrips(w http.ResponseWriter, r *http.Request) {
	ctx := handler.withReqID(r.Context(), r)

	client, err := handler.clientFromRequest(ctx, r)
	if err != nil {
		handler.handleEngineError(ctx, w, err)
		return
	}

	trips, err := client.Controller.GetPendingTripsForDriver(ctx)
	if err != nil {
		handler.handleEngineError(ctx, w, err)
		return
	}
	if trips == nil {
		trips = []trip.Trip{}
	}
	handler.jsonResponse(ctx, w, http.StatusOK, trips)
}

// ----- Handler: POST /drivers/{driver_id}/rating -----

func (handler *Handler) handleRateDriver(w http.ResponseWriter, r *http.Request) {
	ctx := handler.withReqID(r.Context(), r)

	driverID := strings.TrimSpace(r.PathValue("driver_id"))
	if driverID == "" {
		handler.httpError(ctx, w, http.StatusBadRequest, "driver_id is required", nil)
		return
	}

	var req rateDriverRequest
	if err := decodeBody(w, r, &req); err != nil {
		handler.httpError(ctx, w, http.StatusBadRequest, "invalid request body: "+err.Error(), err)
		return
	}

	client, err := handler.clientFromRequest(ctx, r)
	if err != nil {
		handler.handleEngineError(ctx, w, err)
		return
	}

	if err := client.Controller.UpdateDriverRating(ctx, driverID, req.ThumbsUp); err != nil {
		handler.handleEngineError(ctx, w, err)
		return
	}
	handler.jsonResponse(ctx, w, http.StatusOK, nil)
}

// ----- Handler: POST /locations -----

// handleLocationSample publishes the device's position fix. With Kafka
// configured the sample goes through the ingest topic; otherwise it is
// applied inline.
func (handler *Handler) handleLocationSample(w http.ResponseWriter, r *http.Request) {
	ctx := handler.withReqID(r.Context(), r)

	claims := jwt.RequireClaims(r)
	if claims == nil {
		handler.httpError(ctx, w, http.StatusUnauthorized, "not authenticated", nil)
		return
	}

	var req locationSampleRequest
	if err := decodeBody(w, r, &req); err != nil {
		handler.httpError(ctx, w, http.StatusBadRequest, "invalid request body: "+err.Error(), err)
		return
	}
	if _, err := geo.NewUserLocation(req.Lat, req.Lng); err != nil {
		handler.httpError(ctx, w, http.StatusBadRequest, "invalid coordinates", err)
		return
	}

	sample := contracts.LocationSample{
		UserID:    claims.Subject,
		Role:      claims.Role.String(),
		Lat:       req.Lat,
		Lng:       req.Lng,
		Timestamp: time.Now().UTC(),
	}

	if handler.producer != nil {
		if err := handler.producer.PublishSample(ctx, sample); err != nil {
			handler.httpError(ctx, w, http.StatusInternalServerError, "could not publish location sample", err)
			return
		}
		handler.jsonResponse(ctx, w, http.StatusAccepted, nil)
		return
	}

	if err := handler.sessions.HandleLocationSample(ctx, sample); err != nil {
		handler.handleEngineError(ctx, w, err)
		return
	}
	handler.jsonResponse(ctx, w, http.StatusOK, nil)
}
