package api

import (
	"context"
	"fmt"
	"sync"

	"tripsync/internal/auth"
	"tripsync/internal/controller"
	"tripsync/internal/domain/geo"
	"tripsync/internal/general/config"
	"tripsync/internal/general/contracts"
	"tripsync/internal/general/logger"
	"tripsync/internal/notify"
	"tripsync/internal/observability"
	"tripsync/internal/session"
	"tripsync/internal/store"
)

// Client bundles the per-user engine instance: session state, the controller
// acting on it, and the geofence monitor watching its location samples.
type Client struct {
	Session    *session.Model
	Controller *controller.Controller
	Monitor    *controller.Monitor
}

// Registry creates and caches one Client per signed-in user. Request handlers
// and the location consumer both resolve clients here, so a user's explicit
// actions and their geofence-driven ones act on the same session.
type Registry struct {
	store    store.Store
	accounts *auth.Accounts
	pending  *store.PendingTripIndex
	payments controller.FareCharger
	sink     notify.Sink
	metrics  *observability.Metrics
	logger   *logger.Logger
	tolKM    float64

	mu      sync.Mutex
	clients map[string]*Client
}

// NewRegistry wires the client factory.
func NewRegistry(
	st store.Store,
	accounts *auth.Accounts,
	pending *store.PendingTripIndex,
	payments controller.FareCharger,
	sink notify.Sink,
	metrics *observability.Metrics,
	cfg *config.Config,
	log *logger.Logger,
) *Registry {
	return &Registry{
		store:    st,
		accounts: accounts,
		pending:  pending,
		payments: payments,
		sink:     sink,
		metrics:  metrics,
		logger:   log,
		tolKM:    cfg.Geofence.ToleranceKM,
		clients:  make(map[string]*Client),
	}
}

// Get returns the user's client, building and rehydrating it on first use.
func (registry *Registry) Get(ctx context.Context, userID string) (*Client, error) {
	registry.mu.Lock()
	if client, ok := registry.clients[userID]; ok {
		registry.mu.Unlock()
		return client, nil
	}
	registry.mu.Unlock()

	u, err := registry.accounts.ResolveUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	model := session.NewModel(registry.store, registry.logger)
	model.SetSessionUser(u)

	ctrl := controller.New(registry.store, model, registry.pending, registry.payments, registry.metrics, registry.logger)
	monitor := controller.NewMonitor(ctrl, registry.tolKM, registry.logger)
	dispatcher := notify.NewDispatcher(registry.sink, registry.logger, registry.metrics)

	model.AddObserver(dispatcher)
	model.AddObserver(monitor)
	if registry.metrics != nil {
		model.AddObserver(session.ObserverFunc(func(session.Event) {
			registry.metrics.SnapshotsTotal.Inc()
		}))
	}

	client := &Client{Session: model, Controller: ctrl, Monitor: monitor}

	registry.mu.Lock()
	if existing, ok := registry.clients[userID]; ok {
		// lost the build race; drop ours
		registry.mu.Unlock()
		model.Clear()
		return existing, nil
	}
	registry.clients[userID] = client
	registry.mu.Unlock()

	// rehydrate a live trip, if the user has one
	if _, err := ctrl.LoadSessionTrip(ctx); err != nil {
		registry.logger.Error(ctx, "session_rehydrate_failed", "Could not rehydrate session trip", err, map[string]any{
			"user_id": userID,
		})
	}

	return client, nil
}

// Remove tears the user's client down: the session clears its subscription
// and observers before the client is dropped.
func (registry *Registry) Remove(userID string) {
	registry.mu.Lock()
	client, ok := registry.clients[userID]
	delete(registry.clients, userID)
	registry.mu.Unlock()

	if ok {
		client.Session.Clear()
	}
}

// HandleLocationSample routes one decoded sample into its user's monitor.
// It satisfies ingest.SampleHandler.
func (registry *Registry) HandleLocationSample(ctx context.Context, sample contracts.LocationSample) error {
	client, err := registry.Get(ctx, sample.UserID)
	if err != nil {
		return fmt.Errorf("resolve session for %s: %w", sample.UserID, err)
	}

	loc, err := geo.NewUserLocation(sample.Lat, sample.Lng)
	if err != nil {
		return err
	}
	return client.Monitor.HandleLocationSample(ctx, loc)
}
