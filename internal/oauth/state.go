package oauth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultStateTTL はstateの有効期間。
const DefaultStateTTL = 10 * time.Minute

// ErrInvalidState はstateの署名・期限・紐付けのいずれかが不正な場合のエラー。
var ErrInvalidState = errors.New("invalid oauth state")

// stateClaims はstateトークンのクレーム。
type stateClaims struct {
	Provider string `json:"prv"`
	jwt.RegisteredClaims
}

// StateStore はCSRF対策のstateを発行・検証する。
// stateはHS256で署名したJWTで、nonceをサーバー側に保持して一度だけ使えるようにする。
type StateStore struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time

	mu     sync.Mutex
	nonces map[string]time.Time // nonce -> 有効期限
}

// NewStateStore はStateStoreを生成する。nowがnilの場合はtime.Nowを使う。
func NewStateStore(secret []byte, ttl time.Duration, now func() time.Time) *StateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	if now == nil {
		now = time.Now
	}
	return &StateStore{
		secret: secret,
		ttl:    ttl,
		now:    now,
		nonces: make(map[string]time.Time),
	}
}

// Issue はユーザーとプロバイダーに紐付いたstateを発行する。
func (s *StateStore) Issue(userID, provider string) (string, error) {
	nonce, err := newNonce()
	if err != nil {
		return "", err
	}

	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := stateClaims{
		Provider: provider,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        nonce,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}

	s.mu.Lock()
	s.sweepLocked(now)
	s.nonces[nonce] = expiresAt
	s.mu.Unlock()

	return signed, nil
}

// Verify はstateの署名、有効期限、ユーザーとプロバイダーへの紐付けを検証し、nonceを消費する。
// 同じstateは2回目以降ErrInvalidStateになる。
func (s *StateStore) Verify(state, userID, provider string) error {
	if state == "" {
		return fmt.Errorf("%w: empty", ErrInvalidState)
	}

	var claims stateClaims
	_, err := jwt.ParseWithClaims(state, &claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	if claims.Subject != userID || claims.Provider != provider {
		return fmt.Errorf("%w: binding mismatch", ErrInvalidState)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt, ok := s.nonces[claims.ID]
	if !ok || !s.now().Before(expiresAt) {
		return fmt.Errorf("%w: unknown or used nonce", ErrInvalidState)
	}
	delete(s.nonces, claims.ID)
	return nil
}

// Pending は未使用のnonce数を返す。
func (s *StateStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nonces)
}

// Sweep は期限切れのnonceを削除し、削除件数を返す。
func (s *StateStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.now())
}

func (s *StateStore) sweepLocked(now time.Time) int {
	removed := 0
	for nonce, expiresAt := range s.nonces {
		if !now.Before(expiresAt) {
			delete(s.nonces, nonce)
			removed++
		}
	}
	return removed
}

func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
