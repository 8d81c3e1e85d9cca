// Package identity answers "who is the user" for the cart client and the
// Cart Persistence Service.
//
// Client side, a Provider reports the authentication state, hands out the
// bearer credential, and notifies observers on every state change. Observers
// may be called more than once for one logical login (token hydration, profile
// completion); consumers must tolerate repeats.
//
// Server side, a Verifier turns a bearer token into a stable user id.
package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"cartsync/internal/model"
)

// State is a point-in-time view of the authentication status.
type State struct {
	Authenticated bool
	UserID        string
	// LoginID identifies one login. It is stable across Refresh and Resume
	// and changes on every Login, so it can key once-per-login work.
	LoginID string
}

// Provider is the client-side identity collaborator.
type Provider interface {
	State() State
	// Token returns the bearer credential, or an error wrapping
	// model.ErrUnauthorized when there is none or it has expired.
	Token(ctx context.Context) (string, error)
	// Subscribe registers fn for state changes and returns an unsubscribe func.
	Subscribe(fn func(State)) func()
	Logout()
}

// Session is an in-memory Provider. The credential comes from an
// oauth2.TokenSource so refreshable tokens work the same as static ones.
type Session struct {
	mu        sync.Mutex
	state     State
	source    oauth2.TokenSource
	observers map[int]func(State)
	nextID    int
}

// NewSession returns a logged-out session.
func NewSession() *Session {
	return &Session{observers: make(map[int]func(State))}
}

// Login authenticates userID with the given token source and notifies observers.
func (s *Session) Login(userID string, source oauth2.TokenSource) error {
	if userID == "" {
		return model.NewValidationError("user id", "must not be empty")
	}
	if source == nil {
		return model.NewValidationError("token source", "must not be nil")
	}
	return s.Resume(State{Authenticated: true, UserID: userID, LoginID: uuid.NewString()}, source)
}

// Resume restores a login persisted from an earlier process, keeping its LoginID.
func (s *Session) Resume(state State, source oauth2.TokenSource) error {
	if state.UserID == "" {
		return model.NewValidationError("user id", "must not be empty")
	}
	if state.LoginID == "" {
		return model.NewValidationError("login id", "must not be empty")
	}
	if source == nil {
		return model.NewValidationError("token source", "must not be nil")
	}
	state.Authenticated = true

	s.mu.Lock()
	s.state = state
	s.source = oauth2.ReuseTokenSource(nil, source)
	s.mu.Unlock()

	s.notify()
	return nil
}

// LoginWithToken authenticates userID with a static bearer token.
func (s *Session) LoginWithToken(userID, accessToken string) error {
	if accessToken == "" {
		return model.NewValidationError("token", "must not be empty")
	}
	return s.Login(userID, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
}

// Refresh re-announces the current state to observers without changing it.
// Token hydration and profile completion call this.
func (s *Session) Refresh() {
	s.notify()
}

// Logout clears the credential and notifies observers. Logging out twice is harmless.
func (s *Session) Logout() {
	s.mu.Lock()
	wasAuthenticated := s.state.Authenticated
	s.state = State{}
	s.source = nil
	s.mu.Unlock()

	if wasAuthenticated {
		s.notify()
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Token(_ context.Context) (string, error) {
	s.mu.Lock()
	source := s.source
	s.mu.Unlock()

	if source == nil {
		return "", model.NewUnauthorizedError("not signed in")
	}
	tok, err := source.Token()
	if err != nil {
		return "", errors.Join(model.NewUnauthorizedError("credential unavailable"), err)
	}
	if !tok.Valid() {
		return "", model.NewUnauthorizedError("credential expired")
	}
	return tok.AccessToken, nil
}

func (s *Session) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// notify calls observers outside the lock so they may call back into the session.
func (s *Session) notify() {
	s.mu.Lock()
	state := s.state
	fns := make([]func(State), 0, len(s.observers))
	for id := 0; id < s.nextID; id++ {
		if fn, ok := s.observers[id]; ok {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}

var _ Provider = (*Session)(nil)
