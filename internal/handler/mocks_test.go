package handler

import (
	"context"
	"sync"

	"golang.org/x/oauth2"

	"github.com/hitoshi/kairo/internal/auth"
	"github.com/hitoshi/kairo/internal/model"
	"github.com/hitoshi/kairo/internal/oauth"
)

// --- モック定義 ---

type mockAuthService struct {
	signUpFn      func(ctx context.Context, in auth.SignUpInput, meta model.ClientMeta) (*model.User, *model.Session, error)
	signInFn      func(ctx context.Context, in auth.SignInInput, meta model.ClientMeta) (*model.User, *model.Session, error)
	currentUserFn func(ctx context.Context, token string) *model.User
	logoutFn      func(ctx context.Context, token string, meta model.ClientMeta) error
	logoutAllFn   func(ctx context.Context, userID string, meta model.ClientMeta) error
}

func (m *mockAuthService) SignUp(ctx context.Context, in auth.SignUpInput, meta model.ClientMeta) (*model.User, *model.Session, error) {
	if m.signUpFn != nil {
		return m.signUpFn(ctx, in, meta)
	}
	return nil, nil, nil
}

func (m *mockAuthService) SignIn(ctx context.Context, in auth.SignInInput, meta model.ClientMeta) (*model.User, *model.Session, error) {
	if m.signInFn != nil {
		return m.signInFn(ctx, in, meta)
	}
	return nil, nil, nil
}

func (m *mockAuthService) CurrentUser(ctx context.Context, token string) *model.User {
	if m.currentUserFn != nil {
		return m.currentUserFn(ctx, token)
	}
	return nil
}

func (m *mockAuthService) Logout(ctx context.Context, token string, meta model.ClientMeta) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, token, meta)
	}
	return nil
}

func (m *mockAuthService) LogoutAll(ctx context.Context, userID string, meta model.ClientMeta) error {
	if m.logoutAllFn != nil {
		return m.logoutAllFn(ctx, userID, meta)
	}
	return nil
}

type mockSessions map[string]*model.User

func (m mockSessions) Resolve(_ context.Context, token string) *model.User {
	return m[token]
}

type mockOAuthFlow struct {
	registry       *oauth.Registry
	beginFn        func(userID, provider string) (string, string, error)
	exchangeFn     func(ctx context.Context, userID, provider, code, state string) (*oauth2.Token, error)
	exchangeCalled int
}

func (m *mockOAuthFlow) BeginAuthorization(userID, provider string) (string, string, error) {
	if m.beginFn != nil {
		return m.beginFn(userID, provider)
	}
	return "", "", nil
}

func (m *mockOAuthFlow) Exchange(ctx context.Context, userID, provider, code, state string) (*oauth2.Token, error) {
	m.exchangeCalled++
	if m.exchangeFn != nil {
		return m.exchangeFn(ctx, userID, provider, code, state)
	}
	return &oauth2.Token{AccessToken: "at"}, nil
}

func (m *mockOAuthFlow) Registry() *oauth.Registry {
	return m.registry
}

type mockCredentialStore struct {
	storeFn   func(ctx context.Context, userID, provider string, tok *oauth2.Token) (string, error)
	getFn     func(ctx context.Context, userID, provider string) (*model.OAuthCredential, error)
	refreshFn func(ctx context.Context, cred *model.OAuthCredential) (*model.OAuthCredential, error)
	deleteFn  func(ctx context.Context, userID, provider string) (bool, error)
	listFn    func(ctx context.Context, userID string) ([]model.OAuthConnection, error)
}

func (m *mockCredentialStore) Store(ctx context.Context, userID, provider string, tok *oauth2.Token) (string, error) {
	if m.storeFn != nil {
		return m.storeFn(ctx, userID, provider, tok)
	}
	return "cred-1", nil
}

func (m *mockCredentialStore) Get(ctx context.Context, userID, provider string) (*model.OAuthCredential, error) {
	if m.getFn != nil {
		return m.getFn(ctx, userID, provider)
	}
	return nil, nil
}

func (m *mockCredentialStore) RefreshIfNeeded(ctx context.Context, cred *model.OAuthCredential) (*model.OAuthCredential, error) {
	if m.refreshFn != nil {
		return m.refreshFn(ctx, cred)
	}
	return cred, nil
}

func (m *mockCredentialStore) Delete(ctx context.Context, userID, provider string) (bool, error) {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, userID, provider)
	}
	return false, nil
}

func (m *mockCredentialStore) List(ctx context.Context, userID string) ([]model.OAuthConnection, error) {
	if m.listFn != nil {
		return m.listFn(ctx, userID)
	}
	return nil, nil
}

// recordingAudit は記録された監査ログを保持する。
type recordingAudit struct {
	mu      sync.Mutex
	entries []model.AuditLogEntry
}

func (a *recordingAudit) Record(_ context.Context, e model.AuditLogEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}
