package auth

import (
	"context"
	"sync"

	"tripsync/internal/domain/user"
)

// Session tracks the signed-in principal for one connected client. It wraps
// Accounts with sign-in state so callers can ask "who am I" without carrying
// credentials around.
type Session struct {
	accounts *Accounts

	mu          sync.Mutex
	principalID string
	role        user.Role
	token       string
}

// NewSession returns a signed-out session.
func NewSession(accounts *Accounts) *Session {
	return &Session{accounts: accounts}
}

// SignIn verifies credentials and records the principal on success.
func (session *Session) SignIn(ctx context.Context, email, password string) (*user.User, string, error) {
	account, token, err := session.accounts.SignIn(ctx, email, password)
	if err != nil {
		return nil, "", err
	}

	session.mu.Lock()
	session.principalID = account.ID
	session.role = account.Role
	session.token = token
	session.mu.Unlock()

	return account, token, nil
}

// SignOut drops the signed-in principal. Signing out twice is harmless.
func (session *Session) SignOut() {
	session.mu.Lock()
	session.principalID = ""
	session.role = ""
	session.token = ""
	session.mu.Unlock()
}

// IsSignedIn reports whether a principal is recorded.
func (session *Session) IsSignedIn() bool {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.principalID != ""
}

// CurrentPrincipalID returns the signed-in principal's id, or ErrNotSignedIn.
func (session *Session) CurrentPrincipalID() (string, error) {
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.principalID == "" {
		return "", ErrNotSignedIn
	}
	return session.principalID, nil
}

// CurrentRole returns the signed-in principal's role, or ErrNotSignedIn.
func (session *Session) CurrentRole() (user.Role, error) {
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.principalID == "" {
		return "", ErrNotSignedIn
	}
	return session.role, nil
}

// CurrentSessionUser loads the signed-in principal's account document,
// driver-first.
func (session *Session) CurrentSessionUser(ctx context.Context) (*user.User, error) {
	id, err := session.CurrentPrincipalID()
	if err != nil {
		return nil, err
	}
	return session.accounts.ResolveUser(ctx, id)
}
