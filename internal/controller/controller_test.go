package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"tripsync/internal/domain/geo"
	"tripsync/internal/domain/trip"
	"tripsync/internal/domain/user"
	"tripsync/internal/general/logger"
	"tripsync/internal/notify"
	"tripsync/internal/session"
	"tripsync/internal/store"

	"github.com/stretchr/testify/require"
)

// countingSink records delivered notifications per user and rule id.
type countingSink struct {
	mu   sync.Mutex
	sent map[string][]notify.Notification // userID -> notifications
}

func newCountingSink() *countingSink {
	return &countingSink{sent: make(map[string][]notify.Notification)}
}

func (sink *countingSink) Notify(ctx context.Context, userID string, n notify.Notification) error {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.sent[userID] = append(sink.sent[userID], n)
	return nil
}

func (sink *countingSink) count(userID string, id int) int {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	c := 0
	for _, n := range sink.sent[userID] {
		if n.ID == id {
			c++
		}
	}
	return c
}

func (sink *countingSink) total(userID string) int {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	return len(sink.sent[userID])
}

func (sink *countingSink) lastBody(userID string) string {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	ns := sink.sent[userID]
	if len(ns) == 0 {
		return ""
	}
	return ns[len(ns)-1].Body
}

// client bundles one simulated participant.
type client struct {
	user    *user.User
	model   *session.Model
	ctrl    *Controller
	monitor *Monitor
}

type env struct {
	st     *store.MemoryStore
	sink   *countingSink
	rider  *client
	driver *client
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := logger.New("controller-test")

	st := store.NewMemoryStore()
	t.Cleanup(st.Close)
	sink := newCountingSink()

	build := func(id, username, email string, role user.Role) *client {
		u, err := user.NewUser(id, username, email, role, "hash")
		require.NoError(t, err)
		col := store.Riders
		if role.IsDriver() {
			col = store.Drivers
		}
		require.NoError(t, st.Create(context.Background(), col, u.ID, u))

		model := session.NewModel(st, log)
		model.SetSessionUser(u)
		ctrl := New(st, model, nil, nil, nil, log)
		monitor := NewMonitor(ctrl, geo.DefaultGeofenceToleranceKM, log)
		model.AddObserver(monitor)
		model.AddObserver(notify.NewDispatcher(sink, log, nil))
		t.Cleanup(model.Clear)

		return &client{user: u, model: model, ctrl: ctrl, monitor: monitor}
	}

	return &env{
		st:     st,
		sink:   sink,
		rider:  build("r1", "ayana", "ayana@example.com", user.RoleRider),
		driver: build("d1", "bauyrzhan", "bauyrzhan@example.com", user.RoleDriver),
	}
}

var (
	tripStart = geo.UserLocation{Lat: 0, Lng: 0, Address: "pickup corner"}
	tripEnd   = geo.UserLocation{Lat: 0.01, Lng: 0, Address: "destination plaza"}

	// ~11 m from the pickup point, inside the 40 m fence
	nearStart = geo.UserLocation{Lat: 0.0001, Lng: 0}
	// ~11 m from the destination
	nearEnd = geo.UserLocation{Lat: 0.0099, Lng: 0}
	// far from everything
	elsewhere = geo.UserLocation{Lat: 0.005, Lng: 0.005}
)

func (e *env) waitStatus(t *testing.T, c *client, want trip.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		cached := c.model.SessionTrip()
		return cached != nil && cached.Status == want
	}, 2*time.Second, 5*time.Millisecond, "session never reached %s", want)
}

func (e *env) storedTrip(t *testing.T, riderID string) *trip.Trip {
	t.Helper()
	var tr trip.Trip
	require.NoError(t, e.st.Get(context.Background(), store.Trips, riderID, &tr))
	return &tr
}

func TestFullTripLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	end := tripEnd
	created, err := e.rider.ctrl.CreateTrip(ctx, tripStart, &end, 12.50)
	require.NoError(t, err)
	require.Equal(t, trip.StatusPending, created.Status)

	// the driver sees the open request
	open, err := e.driver.ctrl.GetTripsForUser(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "r1", open[0].RiderID)

	// driver claims it
	claimed, err := e.driver.ctrl.HandleDriverTripSelect(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, trip.StatusDriverAccept, claimed.Status)
	require.Equal(t, "d1", claimed.DriverID)

	// the rider is told a driver accepted
	e.waitStatus(t, e.rider, trip.StatusDriverAccept)
	require.Eventually(t, func() bool { return e.sink.count("r1", 4) == 1 }, time.Second, 5*time.Millisecond)

	// the trip shows up in the driver's accepted list
	accepted, err := e.driver.ctrl.GetPendingTripsForDriver(ctx)
	require.NoError(t, err)
	require.Len(t, accepted, 1)

	// rider confirms pickup; both parties are notified
	require.NoError(t, e.rider.ctrl.HandleNotifyDriverForPickup(ctx))
	e.waitStatus(t, e.driver, trip.StatusDriverPickingUp)
	require.Eventually(t, func() bool { return e.sink.count("r1", 5) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return e.sink.count("d1", 6) == 1 }, time.Second, 5*time.Millisecond)

	// a burst of driver samples inside the pickup fence advances the trip
	// exactly once
	for i := 0; i < 10; i++ {
		require.NoError(t, e.driver.monitor.HandleLocationSample(ctx, nearStart))
	}
	require.Eventually(t, func() bool { return e.sink.count("r1", 7) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, e.sink.count("r1", 7))
	require.Equal(t, trip.StatusDriverArrived, e.storedTrip(t, "r1").Status)

	// rider starts the ride; nobody is notified for EN_ROUTE
	e.waitStatus(t, e.rider, trip.StatusDriverArrived)
	require.NoError(t, e.rider.ctrl.BeginTrip(ctx))
	e.waitStatus(t, e.rider, trip.StatusEnRoute)

	// rider reaching the destination completes the trip
	require.NoError(t, e.rider.monitor.HandleLocationSample(ctx, nearEnd))
	require.Eventually(t, func() bool { return e.sink.count("r1", 8) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return e.sink.count("d1", 8) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, trip.StatusCompleted, e.storedTrip(t, "r1").Status)

	require.Equal(t, "You have arrived at: destination plaza", e.sink.lastBody("r1"))
}

func TestSamplesOutsideFenceDoNothing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	end := tripEnd
	_, err := e.rider.ctrl.CreateTrip(ctx, tripStart, &end, 10)
	require.NoError(t, err)
	_, err = e.driver.ctrl.HandleDriverTripSelect(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, e.rider.ctrl.HandleNotifyDriverForPickup(ctx))
	e.waitStatus(t, e.driver, trip.StatusDriverPickingUp)

	for i := 0; i < 5; i++ {
		require.NoError(t, e.driver.monitor.HandleLocationSample(ctx, elsewhere))
	}

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, trip.StatusDriverPickingUp, e.storedTrip(t, "r1").Status)
	require.Equal(t, 0, e.sink.count("r1", 7))
}

func TestDriverAlreadyAtPickupAdvancesOnStatusChange(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	end := tripEnd
	_, err := e.rider.ctrl.CreateTrip(ctx, tripStart, &end, 10)
	require.NoError(t, err)
	_, err = e.driver.ctrl.HandleDriverTripSelect(ctx, "r1")
	require.NoError(t, err)
	e.waitStatus(t, e.driver, trip.StatusDriverAccept)

	// driver parks at the pickup point while still in DRIVER_ACCEPT: no fence
	// applies yet, but the position is remembered
	require.NoError(t, e.driver.monitor.HandleLocationSample(ctx, nearStart))
	require.Equal(t, trip.StatusDriverAccept, e.storedTrip(t, "r1").Status)

	// the moment the rider confirms pickup, the re-check fires without any
	// further samples
	require.NoError(t, e.rider.ctrl.HandleNotifyDriverForPickup(ctx))
	require.Eventually(t, func() bool {
		return e.storedTrip(t, "r1").Status == trip.StatusDriverArrived
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return e.sink.count("r1", 7) == 1 }, time.Second, 5*time.Millisecond)
}

func TestCancelDuringPickupNotifiesDriverOnly(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	end := tripEnd
	_, err := e.rider.ctrl.CreateTrip(ctx, tripStart, &end, 10)
	require.NoError(t, err)
	_, err = e.driver.ctrl.HandleDriverTripSelect(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, e.rider.ctrl.HandleNotifyDriverForPickup(ctx))
	e.waitStatus(t, e.driver, trip.StatusDriverPickingUp)
	e.waitStatus(t, e.rider, trip.StatusDriverPickingUp)
	require.Eventually(t, func() bool { return e.sink.count("r1", 5) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return e.sink.count("d1", 6) == 1 }, time.Second, 5*time.Millisecond)

	riderBefore := e.sink.total("r1")

	require.NoError(t, e.rider.ctrl.DeleteRiderCurrentTrip(ctx))

	require.Eventually(t, func() bool { return e.sink.count("d1", 2) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, e.sink.count("d1", 2))
	// the rider cancelled; they get nothing
	require.Equal(t, riderBefore, e.sink.total("r1"))

	require.Eventually(t, func() bool { return e.driver.model.SessionTrip() == nil }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return e.rider.model.SessionTrip() == nil }, time.Second, 5*time.Millisecond)
}

func TestCancelMidRideNotifiesBoth(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	end := tripEnd
	_, err := e.rider.ctrl.CreateTrip(ctx, tripStart, &end, 10)
	require.NoError(t, err)
	_, err = e.driver.ctrl.HandleDriverTripSelect(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, e.rider.ctrl.HandleNotifyDriverForPickup(ctx))
	e.waitStatus(t, e.driver, trip.StatusDriverPickingUp)
	require.NoError(t, e.driver.ctrl.HandleNotifyRiderForPickup(ctx))
	e.waitStatus(t, e.rider, trip.StatusDriverArrived)
	require.NoError(t, e.rider.ctrl.BeginTrip(ctx))
	e.waitStatus(t, e.rider, trip.StatusEnRoute)
	e.waitStatus(t, e.driver, trip.StatusEnRoute)

	require.NoError(t, e.rider.ctrl.DeleteRiderCurrentTrip(ctx))

	require.Eventually(t, func() bool { return e.sink.count("r1", 3) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return e.sink.count("d1", 3) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestDriverClaimRace(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	log := logger.New("controller-test")

	// a second driver on the same store
	u2, err := user.NewUser("d2", "daulet", "daulet@example.com", user.RoleDriver, "hash")
	require.NoError(t, err)
	require.NoError(t, e.st.Create(ctx, store.Drivers, u2.ID, u2))
	model2 := session.NewModel(e.st, log)
	model2.SetSessionUser(u2)
	ctrl2 := New(e.st, model2, nil, nil, nil, log)
	t.Cleanup(model2.Clear)

	end := tripEnd
	_, err = e.rider.ctrl.CreateTrip(ctx, tripStart, &end, 10)
	require.NoError(t, err)

	_, err = e.driver.ctrl.HandleDriverTripSelect(ctx, "r1")
	require.NoError(t, err)

	// the second driver lost the race
	_, err = ctrl2.HandleDriverTripSelect(ctx, "r1")
	require.ErrorIs(t, err, ErrTripClaimed)

	tr := e.storedTrip(t, "r1")
	require.Equal(t, "d1", tr.DriverID)

	// claiming a cancelled trip reports no active trip
	require.NoError(t, e.rider.ctrl.DeleteRiderCurrentTrip(ctx))
	_, err = ctrl2.HandleDriverTripSelect(ctx, "r1")
	require.ErrorIs(t, err, ErrNoActiveTrip)
}

func TestStaleTransitionsFailFast(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	end := tripEnd
	_, err := e.rider.ctrl.CreateTrip(ctx, tripStart, &end, 10)
	require.NoError(t, err)

	// skipping ahead from PENDING is rejected without a write
	err = e.rider.ctrl.BeginTrip(ctx)
	require.ErrorIs(t, err, trip.ErrInvalidTransition)
	require.Equal(t, trip.StatusPending, e.storedTrip(t, "r1").Status)

	err = e.rider.ctrl.HandleNotifyDriverForPickup(ctx)
	require.ErrorIs(t, err, trip.ErrInvalidTransition)
}

func TestCreateTripGuards(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	end := tripEnd
	_, err := e.rider.ctrl.CreateTrip(ctx, tripStart, &end, 10)
	require.NoError(t, err)

	// a second request while the first is live is rejected
	_, err = e.rider.ctrl.CreateTrip(ctx, tripStart, &end, 10)
	require.ErrorIs(t, err, ErrTripActive)

	// drivers cannot request trips
	_, err = e.driver.ctrl.CreateTrip(ctx, tripStart, &end, 10)
	require.ErrorIs(t, err, ErrForbiddenRole)
}

func TestRaiseFareOffering(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	end := tripEnd
	_, err := e.rider.ctrl.CreateTrip(ctx, tripStart, &end, 10)
	require.NoError(t, err)

	updated, err := e.rider.ctrl.RaiseFareOffering(ctx, 15)
	require.NoError(t, err)
	require.Equal(t, 15.0, updated.FareOffering)
	require.Equal(t, 15.0, e.storedTrip(t, "r1").FareOffering)

	_, err = e.rider.ctrl.RaiseFareOffering(ctx, 12)
	require.ErrorIs(t, err, trip.ErrFareDecrease)
}

func TestUpdateDriverRatingClamped(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.rider.ctrl.UpdateDriverRating(ctx, "d1", true))

	var d user.User
	require.NoError(t, e.st.Get(ctx, store.Drivers, "d1", &d))
	require.Equal(t, 51.0, d.Rating)

	require.NoError(t, e.rider.ctrl.UpdateDriverRating(ctx, "d1", false))
	require.NoError(t, e.st.Get(ctx, store.Drivers, "d1", &d))
	require.Equal(t, 50.0, d.Rating)
}

func TestLoadSessionTripRehydratesDriver(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	log := logger.New("controller-test")

	end := tripEnd
	_, err := e.rider.ctrl.CreateTrip(ctx, tripStart, &end, 10)
	require.NoError(t, err)
	_, err = e.driver.ctrl.HandleDriverTripSelect(ctx, "r1")
	require.NoError(t, err)

	// a fresh session for the same driver (process restart) finds its trip
	model := session.NewModel(e.st, log)
	model.SetSessionUser(e.driver.user)
	ctrl := New(e.st, model, nil, nil, nil, log)
	t.Cleanup(model.Clear)

	tr, err := ctrl.LoadSessionTrip(ctx)
	require.NoError(t, err)
	require.NotNil(t, tr)
	require.Equal(t, "r1", tr.RiderID)
	require.Equal(t, trip.StatusDriverAccept, tr.Status)

	// a rider with no live trip rehydrates nothing
	model2 := session.NewModel(e.st, log)
	u2, err := user.NewUser("r2", "dana", "dana@example.com", user.RoleRider, "hash")
	require.NoError(t, err)
	model2.SetSessionUser(u2)
	ctrl2 := New(e.st, model2, nil, nil, nil, log)
	t.Cleanup(model2.Clear)

	tr2, err := ctrl2.LoadSessionTrip(ctx)
	require.NoError(t, err)
	require.Nil(t, tr2)
}

func TestOperationsRequireAuthentication(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	log := logger.New("controller-test")

	model := session.NewModel(e.st, log)
	ctrl := New(e.st, model, nil, nil, nil, log)

	end := tripEnd
	_, err := ctrl.CreateTrip(ctx, tripStart, &end, 10)
	require.ErrorIs(t, err, ErrNotAuthenticated)
	require.ErrorIs(t, ctrl.CompleteTrip(ctx), ErrNotAuthenticated)
	require.ErrorIs(t, ctrl.DeleteRiderCurrentTrip(ctx), ErrNotAuthenticated)
	_, err = ctrl.LoadSessionTrip(ctx)
	require.ErrorIs(t, err, ErrNotAuthenticated)
}
