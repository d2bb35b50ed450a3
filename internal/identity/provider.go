// Package identity supplies the current user and sign-in/sign-out signals to the core.
package identity

import (
	"context"
	"sync"

	"messaging-core/internal/convkey"
)

// AuthChange is one sign-in or sign-out.
type AuthChange struct {
	SignedIn bool   `json:"signed_in"`
	UserID   string `json:"user_id"`
}

// Feed streams auth changes until ctx is done.
type Feed interface {
	OnAuthChange(ctx context.Context) <-chan AuthChange
}

// Provider is the identity of a single client.
type Provider interface {
	Feed
	CurrentUserID() (string, bool)
}

// Session is an in-process Provider for one signed-in user at a time.
type Session struct {
	mu     sync.Mutex
	userID string
	feed   feed
}

// NewSession returns a signed-out session.
func NewSession() *Session {
	return &Session{}
}

// CurrentUserID returns the signed-in user.
func (s *Session) CurrentUserID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.userID != ""
}

// SignIn switches the session to userID, signing the previous user out first.
func (s *Session) SignIn(userID string) error {
	if err := convkey.ValidateID(userID); err != nil {
		return err
	}
	s.mu.Lock()
	prev := s.userID
	s.userID = userID
	s.mu.Unlock()

	if prev == userID {
		return nil
	}
	if prev != "" {
		s.feed.emit(AuthChange{SignedIn: false, UserID: prev})
	}
	s.feed.emit(AuthChange{SignedIn: true, UserID: userID})
	return nil
}

// SignOut clears the session.
func (s *Session) SignOut() {
	s.mu.Lock()
	prev := s.userID
	s.userID = ""
	s.mu.Unlock()
	if prev != "" {
		s.feed.emit(AuthChange{SignedIn: false, UserID: prev})
	}
}

// OnAuthChange streams changes made after the call.
func (s *Session) OnAuthChange(ctx context.Context) <-chan AuthChange {
	return s.feed.subscribe(ctx)
}

// feed delivers every change to every subscriber in order. A sign-out must not be lost, so
// sends block until the subscriber reads or goes away.
type feed struct {
	emitMu sync.Mutex
	mu     sync.Mutex
	subs   map[chan AuthChange]context.Context
}

func (f *feed) subscribe(ctx context.Context) <-chan AuthChange {
	ch := make(chan AuthChange, 16)
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[chan AuthChange]context.Context)
	}
	f.subs[ch] = ctx
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.emitMu.Lock()
		f.mu.Lock()
		delete(f.subs, ch)
		f.mu.Unlock()
		f.emitMu.Unlock()
		close(ch)
	}()
	return ch
}

func (f *feed) emit(change AuthChange) {
	f.emitMu.Lock()
	defer f.emitMu.Unlock()

	f.mu.Lock()
	targets := make(map[chan AuthChange]context.Context, len(f.subs))
	for ch, ctx := range f.subs {
		targets[ch] = ctx
	}
	f.mu.Unlock()

	for ch, ctx := range targets {
		select {
		case ch <- change:
		case <-ctx.Done():
		}
	}
}
