package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marcus-qen/ecoscan/internal/auth"
	"github.com/marcus-qen/ecoscan/internal/session"
	"github.com/marcus-qen/ecoscan/internal/users"
)

var errUserDisabled = errors.New("user account disabled")

func userInfo(u *users.User) *auth.UserInfo {
	return &auth.UserInfo{
		ID:            u.ID,
		Email:         u.Email,
		Name:          u.Name,
		Role:          u.Role,
		EmailVerified: u.EmailVerified,
	}
}

// userAuthAdapter bridges users.Store to auth.UserAuthenticator and
// auth.UserRegistrar.
type userAuthAdapter struct {
	store *users.Store
}

func (a *userAuthAdapter) Authenticate(ctx context.Context, email, password string) (*auth.UserInfo, error) {
	u, err := a.store.Authenticate(ctx, email, password)
	switch {
	case errors.Is(err, users.ErrInvalidCredentials):
		return nil, auth.ErrInvalidCredentials
	case errors.Is(err, users.ErrUserDisabled):
		return nil, auth.ErrAccountDisabled
	case err != nil:
		return nil, err
	}
	return userInfo(u), nil
}

func (a *userAuthAdapter) Register(ctx context.Context, email, name, password string) (*auth.UserInfo, error) {
	u, err := a.store.Create(ctx, users.NewUser{Email: email, Name: name, Password: password, Role: auth.RoleUser})
	if errors.Is(err, users.ErrEmailAlreadyUsed) {
		return nil, auth.ErrEmailTaken
	}
	if err != nil {
		return nil, err
	}
	return userInfo(u), nil
}

// verifierAdapter bridges users.Store to auth.EmailVerifier.
type verifierAdapter struct {
	store *users.Store
	ttl   time.Duration
}

func (a *verifierAdapter) IssueVerification(ctx context.Context, email string) (string, error) {
	return a.store.IssueVerification(ctx, email, a.ttl)
}

func (a *verifierAdapter) ConsumeVerification(ctx context.Context, token string) (string, error) {
	id, err := a.store.ConsumeVerification(ctx, token)
	if errors.Is(err, users.ErrVerificationInvalid) {
		return "", auth.ErrInvalidToken
	}
	return id, err
}

// sessionAdapter bridges session.Store and users.Store to
// auth.SessionManager. A session whose user was disabled is removed on
// lookup.
type sessionAdapter struct {
	store     *session.Store
	userStore *users.Store
}

func (a *sessionAdapter) Create(ctx context.Context, userID string, meta auth.ClientMeta) (string, time.Time, error) {
	sess, err := a.store.Create(ctx, userID, session.Meta{IPAddress: meta.IPAddress, UserAgent: meta.UserAgent})
	if err != nil {
		return "", time.Time{}, err
	}
	return sess.ID, sess.ExpiresAt, nil
}

func (a *sessionAdapter) Lookup(ctx context.Context, token string) (*auth.SessionInfo, error) {
	sess, err := a.store.Lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	u, err := a.userStore.Get(ctx, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("lookup session user: %w", err)
	}
	if !u.Active {
		_ = a.store.Delete(ctx, token)
		return nil, errUserDisabled
	}
	return &auth.SessionInfo{
		Token:         sess.ID,
		UserID:        u.ID,
		Email:         u.Email,
		Name:          u.Name,
		Role:          u.Role,
		EmailVerified: u.EmailVerified,
		CreatedAt:     sess.CreatedAt,
		ExpiresAt:     sess.ExpiresAt,
	}, nil
}

func (a *sessionAdapter) Delete(ctx context.Context, token string) error {
	return a.store.Delete(ctx, token)
}
