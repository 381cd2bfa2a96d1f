package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/kairo/internal/auth"
	"github.com/hitoshi/kairo/internal/middleware"
	"github.com/hitoshi/kairo/internal/model"
)

func issuedSession() *model.Session {
	return &model.Session{Token: "new-session-token", UserID: testUser.ID}
}

func TestAuthHandler_SignIn_SetsSessionCookie(t *testing.T) {
	f := newRouterFixture(t)
	var gotIn auth.SignInInput
	var gotMeta model.ClientMeta
	f.auth.signInFn = func(_ context.Context, in auth.SignInInput, meta model.ClientMeta) (*model.User, *model.Session, error) {
		gotIn, gotMeta = in, meta
		return testUser, issuedSession(), nil
	}

	req := jsonRequest(http.MethodPost, "/api/auth/signin", `{"email":"alice@example.com","password":"secret"}`)
	req.Header.Set("User-Agent", "test-agent")
	w := f.do(req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}
	if gotIn.Email != "alice@example.com" || gotIn.Password != "secret" {
		t.Errorf("input = %+v", gotIn)
	}
	if gotMeta.UserAgent != "test-agent" || gotMeta.IPAddress != "192.0.2.1" {
		t.Errorf("meta = %+v", gotMeta)
	}

	cookie := findCookie(w, middleware.SessionCookieName)
	if cookie == nil {
		t.Fatal("expected session-token cookie")
	}
	if cookie.Value != "new-session-token" {
		t.Errorf("cookie value = %q", cookie.Value)
	}
	if !cookie.HttpOnly || cookie.Path != "/" || cookie.MaxAge != 604800 || cookie.SameSite != http.SameSiteLaxMode {
		t.Errorf("cookie attributes = %+v", cookie)
	}

	var body AuthResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.User.ID != testUser.ID || body.Message == "" {
		t.Errorf("body = %+v", body)
	}
}

func TestAuthHandler_SignIn_GenericFailure(t *testing.T) {
	f := newRouterFixture(t)
	f.auth.signInFn = func(context.Context, auth.SignInInput, model.ClientMeta) (*model.User, *model.Session, error) {
		return nil, nil, model.NewInvalidCredentialsError()
	}

	w := f.do(jsonRequest(http.MethodPost, "/api/auth/signin", `{"email":"alice@example.com","password":"wrong"}`))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if body := decodeErrorBody(t, w); body.Error.Code != model.ErrCodeInvalidCredentials {
		t.Errorf("code = %q, want %q", body.Error.Code, model.ErrCodeInvalidCredentials)
	}
	if findCookie(w, middleware.SessionCookieName) != nil {
		t.Error("failed sign-in must not set a session cookie")
	}
}

func TestAuthHandler_SignIn_ValidationFailure(t *testing.T) {
	f := newRouterFixture(t)
	f.auth.signInFn = func(context.Context, auth.SignInInput, model.ClientMeta) (*model.User, *model.Session, error) {
		t.Error("service should not be called for invalid input")
		return nil, nil, nil
	}

	w := f.do(jsonRequest(http.MethodPost, "/api/auth/signin", `{"email":"nope"}`))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	body := decodeErrorBody(t, w)
	if len(body.Error.Fields) != 2 {
		t.Errorf("fields = %+v, want email and password", body.Error.Fields)
	}
}

func TestAuthHandler_SignIn_MethodNotAllowed(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/auth/signin", nil))

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestAuthHandler_SignIn_SixthRapidAttemptIsThrottled(t *testing.T) {
	f := newRouterFixture(t)
	calls := 0
	f.auth.signInFn = func(context.Context, auth.SignInInput, model.ClientMeta) (*model.User, *model.Session, error) {
		calls++
		return nil, nil, model.NewInvalidCredentialsError()
	}

	for i := 1; i <= 5; i++ {
		w := f.do(jsonRequest(http.MethodPost, "/api/auth/signin", `{"email":"alice@example.com","password":"wrong"}`))
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status = %d, want %d", i, w.Code, http.StatusUnauthorized)
		}
	}

	w := f.do(jsonRequest(http.MethodPost, "/api/auth/signin", `{"email":"alice@example.com","password":"wrong"}`))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("6th attempt: status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	body := decodeErrorBody(t, w)
	if body.Error.Code != model.ErrCodeRateLimited || body.Error.RetryAfter <= 0 {
		t.Errorf("error = %+v", body.Error)
	}
	if calls != 5 {
		t.Errorf("service calls = %d, want 5", calls)
	}
	if acts := f.audit.actions(); len(acts) != 1 || acts[0] != model.AuditActionSecurityRateLimited {
		t.Errorf("audit actions = %v", acts)
	}
}

func TestAuthHandler_SignUp(t *testing.T) {
	f := newRouterFixture(t)
	var gotIn auth.SignUpInput
	f.auth.signUpFn = func(_ context.Context, in auth.SignUpInput, _ model.ClientMeta) (*model.User, *model.Session, error) {
		gotIn = in
		return testUser, issuedSession(), nil
	}

	w := f.do(jsonRequest(http.MethodPost, "/api/auth/signup", `{"email":"alice@example.com","password":"secret1","name":"Alice","company":"Acme"}`))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusCreated, w.Body.String())
	}
	if gotIn.Name != "Alice" || gotIn.Company != "Acme" {
		t.Errorf("input = %+v", gotIn)
	}
	if findCookie(w, middleware.SessionCookieName) == nil {
		t.Error("expected session-token cookie")
	}
}

func TestAuthHandler_SignUp_ShortPasswordAndLongName(t *testing.T) {
	f := newRouterFixture(t)

	body := `{"email":"alice@example.com","password":"12345","name":"` + strings.Repeat("n", 101) + `"}`
	w := f.do(jsonRequest(http.MethodPost, "/api/auth/signup", body))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	resp := decodeErrorBody(t, w)
	fields := map[string]string{}
	for _, fe := range resp.Error.Fields {
		fields[fe.Field] = fe.Rule
	}
	if fields["password"] != "min" || fields["name"] != "max" {
		t.Errorf("fields = %v, want password/min and name/max", fields)
	}
}

func TestAuthHandler_SignUp_DuplicateEmail(t *testing.T) {
	f := newRouterFixture(t)
	f.auth.signUpFn = func(context.Context, auth.SignUpInput, model.ClientMeta) (*model.User, *model.Session, error) {
		return nil, nil, model.NewEmailTakenError()
	}

	w := f.do(jsonRequest(http.MethodPost, "/api/auth/signup", `{"email":"alice@example.com","password":"secret1"}`))

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestAuthHandler_Me(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/auth/me", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	w = f.do(withSession(httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)))
	if w.Code != http.StatusOK {
		t.Fatalf("with session: status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]UserResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["user"].ID != testUser.ID {
		t.Errorf("user = %+v", body["user"])
	}
}

func TestAuthHandler_Logout_AlwaysClearsCookie(t *testing.T) {
	f := newRouterFixture(t)
	f.auth.logoutFn = func(context.Context, string, model.ClientMeta) error {
		return model.NewUpstreamError("delete session", errors.New("db down"))
	}

	w := f.do(withSession(httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	cookie := findCookie(w, middleware.SessionCookieName)
	if cookie == nil || cookie.MaxAge >= 0 || cookie.Value != "" {
		t.Errorf("session cookie should be cleared, got %+v", cookie)
	}
}

func TestAuthHandler_Logout_WithoutCSRFTokenStillClearsCookie(t *testing.T) {
	f := newRouterFixture(t)
	var gotToken string
	f.auth.logoutFn = func(_ context.Context, token string, _ model.ClientMeta) error {
		gotToken = token
		return nil
	}

	// CSRFトークンのないセッションCookieのみのリクエスト
	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: testSessionToken})
	w := f.do(req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}
	cookie := findCookie(w, middleware.SessionCookieName)
	if cookie == nil || cookie.MaxAge >= 0 || cookie.Value != "" {
		t.Errorf("session cookie should be cleared, got %+v", cookie)
	}
	if gotToken != testSessionToken {
		t.Errorf("token = %q, want %q", gotToken, testSessionToken)
	}
}

func TestAuthHandler_Logout_WithoutSession(t *testing.T) {
	f := newRouterFixture(t)
	f.auth.logoutFn = func(context.Context, string, model.ClientMeta) error {
		t.Error("service should not be called without a token")
		return nil
	}

	w := f.do(httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if findCookie(w, middleware.SessionCookieName) == nil {
		t.Error("cookie should be cleared even without a session")
	}
}

func TestAuthHandler_LogoutAll(t *testing.T) {
	f := newRouterFixture(t)
	var gotUserID string
	f.auth.logoutAllFn = func(_ context.Context, userID string, _ model.ClientMeta) error {
		gotUserID = userID
		return nil
	}

	w := f.do(withSession(httptest.NewRequest(http.MethodPost, "/api/auth/logout-all", nil)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotUserID != testUser.ID {
		t.Errorf("userID = %q, want %q", gotUserID, testUser.ID)
	}

	if w := f.do(httptest.NewRequest(http.MethodPost, "/api/auth/logout-all", nil)); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}
