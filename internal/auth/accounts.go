// Package auth is the identity service: account creation, credential
// verification against the Riders/Drivers documents, and token issue.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"tripsync/internal/domain/user"
	"tripsync/internal/general/jwt"
	"tripsync/internal/general/logger"
	"tripsync/internal/store"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials reports an unknown email or a wrong password.
	// Callers get one error for both so sign-in never leaks which part failed.
	ErrInvalidCredentials = errors.New("auth: invalid email or password")
	// ErrEmailTaken reports a sign-up with an already registered email.
	ErrEmailTaken = errors.New("auth: email already registered")
	// ErrNotSignedIn reports session access without a signed-in principal.
	ErrNotSignedIn = errors.New("auth: not signed in")
)

// Accounts verifies and creates user accounts stored as Riders/Drivers
// documents.
type Accounts struct {
	store  store.Store
	tokens *jwt.Manager
	logger *logger.Logger
}

// NewAccounts wires the identity service to the document store.
func NewAccounts(st store.Store, tokens *jwt.Manager, log *logger.Logger) *Accounts {
	return &Accounts{store: st, tokens: tokens, logger: log}
}

// CollectionFor maps a role to the document collection holding its accounts.
func CollectionFor(role user.Role) store.Collection {
	if role.IsDriver() {
		return store.Drivers
	}
	return store.Riders
}

// SignUp creates an account document with a bcrypt password hash.
func (accounts *Accounts) SignUp(ctx context.Context, username, email, password string, role user.Role) (*user.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	if existing, err := accounts.findByEmail(ctx, email); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	account, err := user.NewUser(randID(), username, email, role, string(hash))
	if err != nil {
		return nil, err
	}

	if err := accounts.store.Create(ctx, CollectionFor(role), account.ID, account); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	accounts.logger.Info(ctx, "account_created", "New account registered", map[string]any{
		"user_id": account.ID,
		"role":    role,
	})
	return account, nil
}

// SignIn verifies credentials and returns the principal with a signed access
// token. Driver accounts are checked before rider accounts; when one email
// holds both, the driver identity wins.
func (accounts *Accounts) SignIn(ctx context.Context, email, password string) (*user.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	account, err := accounts.findByEmail(ctx, email)
	if err != nil {
		return nil, "", err
	}
	if account == nil {
		return nil, "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return nil, "", ErrInvalidCredentials
	}

	token, _, err := accounts.tokens.IssueUserToken(account.ID, account.Role)
	if err != nil {
		return nil, "", fmt.Errorf("issue token: %w", err)
	}

	accounts.logger.Info(ctx, "sign_in", "Account signed in", map[string]any{
		"user_id": account.ID,
		"role":    account.Role,
	})
	return account, token, nil
}

// ResolveUser loads a principal's account document, checking Drivers before
// Riders.
func (accounts *Accounts) ResolveUser(ctx context.Context, userID string) (*user.User, error) {
	var account user.User
	err := accounts.store.Get(ctx, store.Drivers, userID, &account)
	if errors.Is(err, store.ErrNotFound) {
		err = accounts.store.Get(ctx, store.Riders, userID, &account)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotSignedIn
	}
	if err != nil {
		return nil, fmt.Errorf("resolve user %s: %w", userID, err)
	}
	return &account, nil
}

// findByEmail scans Drivers then Riders for a matching account. A nil result
// with a nil error means the email is unknown.
func (accounts *Accounts) findByEmail(ctx context.Context, email string) (*user.User, error) {
	for _, col := range []store.Collection{store.Drivers, store.Riders} {
		snaps, err := accounts.store.List(ctx, col)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", col, err)
		}
		for _, snap := range snaps {
			var account user.User
			if err := snap.Decode(&account); err != nil {
				continue
			}
			if account.Email == email {
				return &account, nil
			}
		}
	}
	return nil, nil
}

// randID returns a random 16-byte hex identifier.
func randID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
