package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/hitoshi/kairo/internal/model"
)

// fakeProvider はトークンエンドポイントを模したテスト用サーバー。
type fakeProvider struct {
	server *httptest.Server
	hits   atomic.Int32
	last   atomic.Value // url.Values
	status int
	body   map[string]any
}

func newFakeProvider(t *testing.T, status int, body map[string]any) *fakeProvider {
	t.Helper()
	fp := &fakeProvider{status: status, body: body}
	fp.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fp.hits.Add(1)
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fp.last.Store(r.PostForm)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(fp.status)
		json.NewEncoder(w).Encode(fp.body)
	}))
	t.Cleanup(fp.server.Close)
	return fp
}

func (fp *fakeProvider) lastForm() url.Values {
	v, _ := fp.last.Load().(url.Values)
	return v
}

func newTestExchanger(t *testing.T, fp *fakeProvider, cfg ExchangerConfig) (*Exchanger, *StateStore) {
	t.Helper()
	registry, err := NewRegistry([]Provider{{
		ID:           "acme",
		Name:         "Acme",
		AuthURL:      fp.server.URL + "/authorize",
		TokenURL:     fp.server.URL + "/token",
		Scopes:       []string{"read", "write"},
		ClientID:     "acme-client",
		ClientSecret: "acme-secret",
		AuthParams:   map[string]string{"access_type": "offline"},
	}})
	require.NoError(t, err)

	states := NewStateStore(testStateSecret, 0, nil)
	cfg.BaseURL = "https://app.example.com"
	cfg.HTTPClient = fp.server.Client()
	return NewExchanger(registry, states, cfg), states
}

var okTokenBody = map[string]any{
	"access_token":  "at-1",
	"token_type":    "Bearer",
	"expires_in":    3600,
	"refresh_token": "rt-1",
	"scope":         "read write",
}

func TestExchanger_AuthorizationURL(t *testing.T) {
	fp := newFakeProvider(t, http.StatusOK, okTokenBody)
	e, _ := newTestExchanger(t, fp, ExchangerConfig{})

	raw, err := e.AuthorizationURL("acme", "state-123")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "/authorize", u.Path)
	assert.Equal(t, "acme-client", q.Get("client_id"))
	assert.Equal(t, "https://app.example.com/api/oauth/callback/acme", q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "read write", q.Get("scope"))
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, "offline", q.Get("access_type"))
}

func TestExchanger_AuthorizationURL_UnknownProvider(t *testing.T) {
	fp := newFakeProvider(t, http.StatusOK, okTokenBody)
	e, _ := newTestExchanger(t, fp, ExchangerConfig{})

	_, err := e.AuthorizationURL("myspace", "s")

	assert.Equal(t, model.KindNotFound, model.KindOf(err))
	assert.Equal(t, model.ErrCodeUnknownProvider, model.AsAPIError(err).Code)
}

func TestExchanger_BeginAuthorizationIssuesBoundState(t *testing.T) {
	fp := newFakeProvider(t, http.StatusOK, okTokenBody)
	e, states := newTestExchanger(t, fp, ExchangerConfig{})

	authURL, state, err := e.BeginAuthorization("u1", "acme")
	require.NoError(t, err)
	assert.Contains(t, authURL, url.QueryEscape(state))

	require.NoError(t, states.Verify(state, "u1", "acme"))
}

func TestExchanger_Exchange_Success(t *testing.T) {
	fp := newFakeProvider(t, http.StatusOK, okTokenBody)
	e, states := newTestExchanger(t, fp, ExchangerConfig{})
	state, err := states.Issue("u1", "acme")
	require.NoError(t, err)

	tok, err := e.Exchange(context.Background(), "u1", "acme", "auth-code", state)
	require.NoError(t, err)

	assert.Equal(t, "at-1", tok.AccessToken)
	assert.Equal(t, "rt-1", tok.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.Expiry, time.Minute)

	form := fp.lastForm()
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "auth-code", form.Get("code"))
	assert.Equal(t, "acme-client", form.Get("client_id"))
	assert.Equal(t, "acme-secret", form.Get("client_secret"))
	assert.Equal(t, "https://app.example.com/api/oauth/callback/acme", form.Get("redirect_uri"))
}

func TestExchanger_Exchange_InvalidStateSkipsProvider(t *testing.T) {
	fp := newFakeProvider(t, http.StatusOK, okTokenBody)
	e, states := newTestExchanger(t, fp, ExchangerConfig{})
	state, err := states.Issue("someone-else", "acme")
	require.NoError(t, err)

	_, err = e.Exchange(context.Background(), "u1", "acme", "auth-code", state)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, model.ErrCodeInvalidState, model.AsAPIError(err).Code)
	assert.Equal(t, int32(0), fp.hits.Load(), "provider must not be called")
}

func TestExchanger_Exchange_ProviderErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     map[string]any
		wantKind model.Kind
	}{
		{"rejected code", http.StatusBadRequest, map[string]any{"error": "invalid_grant"}, model.KindCredentialInvalid},
		{"provider outage", http.StatusBadGateway, map[string]any{"error": "server_error"}, model.KindUpstream},
		{"missing access token", http.StatusOK, map[string]any{"token_type": "Bearer"}, model.KindUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := newFakeProvider(t, tt.status, tt.body)
			e, states := newTestExchanger(t, fp, ExchangerConfig{})
			state, err := states.Issue("u1", "acme")
			require.NoError(t, err)

			_, err = e.Exchange(context.Background(), "u1", "acme", "code", state)

			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrExchangeFailed))
			assert.Equal(t, tt.wantKind, model.KindOf(err))
		})
	}
}

func TestExchanger_Exchange_PacedPerProvider(t *testing.T) {
	fp := newFakeProvider(t, http.StatusOK, okTokenBody)
	e, states := newTestExchanger(t, fp, ExchangerConfig{Rate: rate.Limit(0.001), Burst: 1, Timeout: time.Second})

	s1, err := states.Issue("u1", "acme")
	require.NoError(t, err)
	s2, err := states.Issue("u1", "acme")
	require.NoError(t, err)

	_, err = e.Exchange(context.Background(), "u1", "acme", "code", s1)
	require.NoError(t, err)

	_, err = e.Exchange(context.Background(), "u1", "acme", "code", s2)
	assert.Equal(t, model.KindUpstream, model.KindOf(err))
	assert.Equal(t, int32(1), fp.hits.Load())
}

func TestExchanger_Refresh(t *testing.T) {
	fp := newFakeProvider(t, http.StatusOK, map[string]any{
		"access_token": "at-2",
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
	e, _ := newTestExchanger(t, fp, ExchangerConfig{})

	tok, err := e.Refresh(context.Background(), "acme", "rt-1")
	require.NoError(t, err)

	assert.Equal(t, "at-2", tok.AccessToken)
	assert.Equal(t, "rt-1", tok.RefreshToken, "old refresh token is kept")
	assert.Equal(t, "refresh_token", fp.lastForm().Get("grant_type"))
	assert.Equal(t, "rt-1", fp.lastForm().Get("refresh_token"))
}

func TestExchanger_Refresh_Rejected(t *testing.T) {
	fp := newFakeProvider(t, http.StatusUnauthorized, map[string]any{"error": "invalid_grant"})
	e, _ := newTestExchanger(t, fp, ExchangerConfig{})

	_, err := e.Refresh(context.Background(), "acme", "revoked")

	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.Equal(t, model.KindCredentialInvalid, model.KindOf(err))
}

func TestExchanger_Refresh_NoRefreshToken(t *testing.T) {
	fp := newFakeProvider(t, http.StatusOK, okTokenBody)
	e, _ := newTestExchanger(t, fp, ExchangerConfig{})

	_, err := e.Refresh(context.Background(), "acme", "")

	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.Equal(t, int32(0), fp.hits.Load())
}

func TestExchanger_Exchange_IgnoresCallerCancellation(t *testing.T) {
	fp := newFakeProvider(t, http.StatusOK, okTokenBody)
	e, states := newTestExchanger(t, fp, ExchangerConfig{})
	state, err := states.Issue("u1", "acme")
	require.NoError(t, err)

	// 認可コードは1回しか使えないため、切断後もプロバイダーとの交換を完了させる
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tok, err := e.Exchange(ctx, "u1", "acme", "auth-code", state)
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok.AccessToken)
	assert.Equal(t, int32(1), fp.hits.Load())
}

func TestExchanger_ProviderContextBoundedByTimeout(t *testing.T) {
	fp := newFakeProvider(t, http.StatusOK, okTokenBody)
	e, _ := newTestExchanger(t, fp, ExchangerConfig{Timeout: 2 * time.Second})

	parent, cancel := context.WithCancel(context.Background())
	cancel()

	ctx, done := e.providerContext(parent)
	defer done()

	assert.NoError(t, ctx.Err())
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(2*time.Second), deadline, time.Second)
}
