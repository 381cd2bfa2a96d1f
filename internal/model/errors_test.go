package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_UnwrapsWrappedAPIError(t *testing.T) {
	err := fmt.Errorf("signin: %w", NewInvalidCredentialsError())

	assert.Equal(t, KindUnauthenticated, KindOf(err))
}

func TestKindOf_PlainErrorIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestAsAPIError_WrapsPlainError(t *testing.T) {
	cause := errors.New("db down")

	apiErr := AsAPIError(cause)

	assert.Equal(t, ErrCodeInternal, apiErr.Code)
	assert.ErrorIs(t, apiErr, cause)
}

func TestNewUpstreamError_KeepsCause(t *testing.T) {
	cause := errors.New("timeout")

	apiErr := NewUpstreamError("create session", cause)

	assert.Equal(t, KindUpstream, apiErr.Kind)
	assert.ErrorIs(t, apiErr, cause)
	assert.Contains(t, apiErr.Error(), "create session")
}

func TestSession_IsExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &Session{ExpiresAt: now}

	assert.True(t, s.IsExpired(now), "expiry instant counts as expired")
	assert.False(t, s.IsExpired(now.Add(-time.Second)))
}

func TestOAuthCredential_NeedsRefresh(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		expiry time.Time
		want   bool
	}{
		{"no expiry", time.Time{}, false},
		{"far future", now.Add(time.Hour), false},
		{"within skew", now.Add(4 * time.Minute), true},
		{"exactly at skew", now.Add(5 * time.Minute), true},
		{"already expired", now.Add(-time.Minute), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &OAuthCredential{Expiry: tt.expiry}
			assert.Equal(t, tt.want, c.NeedsRefresh(now, 5*time.Minute))
		})
	}
}

func TestUser_PublicDropsPasswordHash(t *testing.T) {
	u := &User{ID: "u1", Email: "a@example.com", PasswordHash: "secret"}

	pub := u.Public()

	assert.Empty(t, pub.PasswordHash)
	assert.Equal(t, "secret", u.PasswordHash, "original must not be mutated")
	assert.Nil(t, (*User)(nil).Public())
}
