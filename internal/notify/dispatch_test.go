package notify

import (
	"context"
	"sync"
	"testing"

	"tripsync/internal/domain/geo"
	"tripsync/internal/domain/trip"
	"tripsync/internal/domain/user"
	"tripsync/internal/general/logger"
	"tripsync/internal/session"

	"github.com/stretchr/testify/require"
)

func statusPtr(s trip.Status) *trip.Status { return &s }

func sampleTrip(t *testing.T) *trip.Trip {
	t.Helper()
	start, err := geo.NewUserLocation(43.238949, 76.889709)
	require.NoError(t, err)
	end, err := geo.NewUserLocation(43.222015, 76.851250)
	require.NoError(t, err)
	require.NoError(t, end.ResolveAddress("1 Abay Avenue"))
	tr, err := trip.NewTrip("r1", "ayana", start, &end, 10)
	require.NoError(t, err)
	return tr
}

func TestForTransitionForwardRules(t *testing.T) {
	tr := sampleTrip(t)

	// rider sees the driver accept
	n := ForTransition(statusPtr(trip.StatusPending), statusPtr(trip.StatusDriverAccept), user.RoleRider, tr)
	require.NotNil(t, n)
	require.Equal(t, 4, n.ID)
	require.Equal(t, ChannelRider, n.Channel)
	require.Equal(t, SeverityInfo, n.Severity)
	require.Equal(t, "A driver has accepted your request!", n.Body)

	// the driver does not get notified of their own accept
	n = ForTransition(statusPtr(trip.StatusPending), statusPtr(trip.StatusDriverAccept), user.RoleDriver, tr)
	require.Nil(t, n)

	// pickup confirmation notifies both sides, with different content
	n = ForTransition(statusPtr(trip.StatusDriverAccept), statusPtr(trip.StatusDriverPickingUp), user.RoleRider, tr)
	require.NotNil(t, n)
	require.Equal(t, 5, n.ID)
	require.Equal(t, "Your ride is on the way!", n.Body)

	n = ForTransition(statusPtr(trip.StatusDriverAccept), statusPtr(trip.StatusDriverPickingUp), user.RoleDriver, tr)
	require.NotNil(t, n)
	require.Equal(t, 6, n.ID)
	require.Equal(t, ChannelDriver, n.Channel)
	require.Equal(t, "Rider username: ayana", n.Body)

	// arrival notifies the rider only
	n = ForTransition(statusPtr(trip.StatusDriverPickingUp), statusPtr(trip.StatusDriverArrived), user.RoleRider, tr)
	require.NotNil(t, n)
	require.Equal(t, 7, n.ID)
	require.Nil(t, ForTransition(statusPtr(trip.StatusDriverPickingUp), statusPtr(trip.StatusDriverArrived), user.RoleDriver, tr))

	// starting the ride is silent for everyone
	require.Nil(t, ForTransition(statusPtr(trip.StatusDriverArrived), statusPtr(trip.StatusEnRoute), user.RoleRider, tr))
	require.Nil(t, ForTransition(statusPtr(trip.StatusDriverArrived), statusPtr(trip.StatusEnRoute), user.RoleDriver, tr))

	// completion notifies both, with the destination address
	for _, role := range []user.Role{user.RoleRider, user.RoleDriver} {
		n = ForTransition(statusPtr(trip.StatusEnRoute), statusPtr(trip.StatusCompleted), role, tr)
		require.NotNil(t, n)
		require.Equal(t, 8, n.ID)
		require.Equal(t, "You have arrived at: 1 Abay Avenue", n.Body)
	}
}

func TestForTransitionCancellationRules(t *testing.T) {
	tr := sampleTrip(t)

	// declined after accept: driver only
	n := ForTransition(statusPtr(trip.StatusDriverAccept), nil, user.RoleDriver, tr)
	require.NotNil(t, n)
	require.Equal(t, 1, n.ID)
	require.Equal(t, SeverityAlert, n.Severity)
	require.Nil(t, ForTransition(statusPtr(trip.StatusDriverAccept), nil, user.RoleRider, tr))

	// cancelled during pickup: driver only
	n = ForTransition(statusPtr(trip.StatusDriverPickingUp), nil, user.RoleDriver, tr)
	require.NotNil(t, n)
	require.Equal(t, 2, n.ID)
	require.Nil(t, ForTransition(statusPtr(trip.StatusDriverPickingUp), nil, user.RoleRider, tr))

	// stopped mid-ride: both parties
	for _, role := range []user.Role{user.RoleRider, user.RoleDriver} {
		n = ForTransition(statusPtr(trip.StatusEnRoute), nil, role, tr)
		require.NotNil(t, n)
		require.Equal(t, 3, n.ID)
		require.Equal(t, SeverityAlert, n.Severity)
	}

	// a rider abandoning their own pending request tells no one
	require.Nil(t, ForTransition(statusPtr(trip.StatusPending), nil, user.RoleRider, tr))
	require.Nil(t, ForTransition(statusPtr(trip.StatusPending), nil, user.RoleDriver, tr))
}

func TestForTransitionInitialAndDuplicateSnapshots(t *testing.T) {
	tr := sampleTrip(t)

	// fresh subscription: no previous status, never a notification
	require.Nil(t, ForTransition(nil, statusPtr(trip.StatusEnRoute), user.RoleRider, tr))

	// duplicate status is silent
	require.Nil(t, ForTransition(statusPtr(trip.StatusEnRoute), statusPtr(trip.StatusEnRoute), user.RoleRider, tr))
}

type recordingSink struct {
	mu    sync.Mutex
	sent  []Notification
	users []string
}

func (sink *recordingSink) Notify(ctx context.Context, userID string, n Notification) error {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.sent = append(sink.sent, n)
	sink.users = append(sink.users, userID)
	return nil
}

func TestDispatcherForwardsToSink(t *testing.T) {
	sink := &recordingSink{}
	dispatcher := NewDispatcher(sink, logger.New("notify-test"), nil)

	tr := sampleTrip(t)
	dispatcher.OnSessionUpdate(session.Event{
		UserID:     "r1",
		Role:       user.RoleRider,
		PrevStatus: statusPtr(trip.StatusPending),
		Status:     statusPtr(trip.StatusDriverAccept),
		Trip:       tr,
	})

	require.Len(t, sink.sent, 1)
	require.Equal(t, 4, sink.sent[0].ID)
	require.Equal(t, "r1", sink.users[0])

	// silent transition produces nothing
	dispatcher.OnSessionUpdate(session.Event{
		UserID:     "r1",
		Role:       user.RoleRider,
		PrevStatus: statusPtr(trip.StatusDriverArrived),
		Status:     statusPtr(trip.StatusEnRoute),
		Trip:       tr,
	})
	require.Len(t, sink.sent, 1)
}
