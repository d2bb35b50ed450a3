package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-core/internal/errs"
)

func next(t *testing.T, ch <-chan AuthChange) AuthChange {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(time.Second):
		t.Fatal("no auth change")
	}
	return AuthChange{}
}

func TestSessionEmitsSignInAndOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewSession()
	changes := s.OnAuthChange(ctx)
	_, ok := s.CurrentUserID()
	assert.False(t, ok)

	require.NoError(t, s.SignIn("alice"))
	require.NoError(t, s.SignIn("alice"))
	require.NoError(t, s.SignIn("bob"))
	s.SignOut()

	assert.Equal(t, AuthChange{SignedIn: true, UserID: "alice"}, next(t, changes))
	assert.Equal(t, AuthChange{SignedIn: false, UserID: "alice"}, next(t, changes))
	assert.Equal(t, AuthChange{SignedIn: true, UserID: "bob"}, next(t, changes))
	assert.Equal(t, AuthChange{SignedIn: false, UserID: "bob"}, next(t, changes))

	assert.ErrorIs(t, s.SignIn("a_b"), errs.ErrValidation)
}

func TestFeedClosesWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	changes := NewSession().OnAuthChange(ctx)
	cancel()

	select {
	case _, ok := <-changes:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("feed not closed")
	}
}

func TestConnectionsTrackFirstAndLast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewConnections()
	changes := c.OnAuthChange(ctx)

	c.Connect("alice")
	c.Connect("alice")
	assert.Equal(t, 2, c.Count("alice"))
	c.Disconnect("alice")
	c.Disconnect("alice")
	c.Disconnect("alice")

	assert.Equal(t, AuthChange{SignedIn: true, UserID: "alice"}, next(t, changes))
	assert.Equal(t, AuthChange{SignedIn: false, UserID: "alice"}, next(t, changes))
	select {
	case extra := <-changes:
		t.Fatalf("unexpected change %+v", extra)
	default:
	}
	assert.Zero(t, c.Count("alice"))
}

func TestVerifierRoundTrip(t *testing.T) {
	v := NewVerifier("test-secret")
	token, err := v.Issue("alice", time.Minute)
	require.NoError(t, err)

	uid, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", uid)
}

func TestVerifierRejects(t *testing.T) {
	v := NewVerifier("test-secret")

	expired, err := v.Issue("alice", -time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	foreign, err := NewVerifier("other-secret").Issue("alice", time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Verify(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
