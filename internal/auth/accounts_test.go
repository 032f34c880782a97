package auth

import (
	"context"
	"testing"
	"time"

	"tripsync/internal/domain/user"
	"tripsync/internal/general/jwt"
	"tripsync/internal/general/logger"
	"tripsync/internal/store"

	"github.com/stretchr/testify/require"
)

func newAccounts(t *testing.T) (*Accounts, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(st.Close)
	tokens := jwt.NewManager("test-secret", time.Hour)
	return NewAccounts(st, tokens, logger.New("auth-test")), st
}

func TestSignUpAndSignIn(t *testing.T) {
	accounts, _ := newAccounts(t)
	ctx := context.Background()

	created, err := accounts.SignUp(ctx, "ayana", "Ayana@Example.com", "secret-pw", user.RoleRider)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	// email is stored lowercased
	require.Equal(t, "ayana@example.com", created.Email)
	// the hash is stored, never the password
	require.NotEqual(t, "secret-pw", created.PasswordHash)

	signed, token, err := accounts.SignIn(ctx, "AYANA@example.com", "secret-pw")
	require.NoError(t, err)
	require.Equal(t, created.ID, signed.ID)
	require.NotEmpty(t, token)
}

func TestSignUpRejectsDuplicateEmail(t *testing.T) {
	accounts, _ := newAccounts(t)
	ctx := context.Background()

	_, err := accounts.SignUp(ctx, "ayana", "a@b.com", "pw-one", user.RoleRider)
	require.NoError(t, err)

	// even across roles, one email means one account
	_, err = accounts.SignUp(ctx, "bauyrzhan", "a@b.com", "pw-two", user.RoleDriver)
	require.ErrorIs(t, err, ErrEmailTaken)
}

func TestSignInDoesNotLeakWhichPartFailed(t *testing.T) {
	accounts, _ := newAccounts(t)
	ctx := context.Background()

	_, err := accounts.SignUp(ctx, "ayana", "a@b.com", "correct-pw", user.RoleRider)
	require.NoError(t, err)

	_, _, err = accounts.SignIn(ctx, "a@b.com", "wrong-pw")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = accounts.SignIn(ctx, "unknown@b.com", "correct-pw")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSessionTracksSignInState(t *testing.T) {
	accounts, _ := newAccounts(t)
	ctx := context.Background()

	created, err := accounts.SignUp(ctx, "ayana", "a@b.com", "secret-pw", user.RoleRider)
	require.NoError(t, err)

	session := NewSession(accounts)
	require.False(t, session.IsSignedIn())
	_, err = session.CurrentPrincipalID()
	require.ErrorIs(t, err, ErrNotSignedIn)

	account, token, err := session.SignIn(ctx, "a@b.com", "secret-pw")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.True(t, session.IsSignedIn())

	id, err := session.CurrentPrincipalID()
	require.NoError(t, err)
	require.Equal(t, created.ID, id)

	role, err := session.CurrentRole()
	require.NoError(t, err)
	require.Equal(t, account.Role, role)

	resolved, err := session.CurrentSessionUser(ctx)
	require.NoError(t, err)
	require.Equal(t, created.ID, resolved.ID)

	session.SignOut()
	require.False(t, session.IsSignedIn())
	_, err = session.CurrentSessionUser(ctx)
	require.ErrorIs(t, err, ErrNotSignedIn)

	// signing out twice is harmless
	session.SignOut()
}

func TestResolveUserChecksDriversFirst(t *testing.T) {
	accounts, st := newAccounts(t)
	ctx := context.Background()

	driver, err := user.NewUser("shared-id", "bauyrzhan", "d@b.com", user.RoleDriver, "hash")
	require.NoError(t, err)
	rider, err := user.NewUser("shared-id", "ayana", "r@b.com", user.RoleRider, "hash")
	require.NoError(t, err)
	require.NoError(t, st.Create(ctx, store.Drivers, driver.ID, driver))
	require.NoError(t, st.Create(ctx, store.Riders, rider.ID, rider))

	resolved, err := accounts.ResolveUser(ctx, "shared-id")
	require.NoError(t, err)
	require.Equal(t, user.RoleDriver, resolved.Role)

	_, err = accounts.ResolveUser(ctx, "nobody")
	require.ErrorIs(t, err, ErrNotSignedIn)
}
