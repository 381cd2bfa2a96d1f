package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/hitoshi/kairo/internal/model"
	"github.com/hitoshi/kairo/internal/repository"
	"github.com/hitoshi/kairo/internal/security"
)

const (
	// DefaultRefreshSkew は有効期限のどれだけ前からリフレッシュ対象とするか。
	DefaultRefreshSkew = 5 * time.Minute
	// DefaultStoreTimeout はリポジトリ呼び出し1回あたりの上限。
	DefaultStoreTimeout = 3 * time.Second
)

// TokenRefresher はリフレッシュトークンから新しいトークンを取得する。
type TokenRefresher interface {
	Refresh(ctx context.Context, provider, refreshToken string) (*oauth2.Token, error)
}

// VaultConfig はVaultの設定。
type VaultConfig struct {
	RefreshSkew  time.Duration
	StoreTimeout time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// Vault はユーザーごと・プロバイダーごとのOAuth認証情報を暗号化して保管する。
// トークンの暗号化には (ユーザーID, プロバイダー, 項目名) を関連データとして使い、
// 別の行や別の項目に暗号文を移し替えても復号できないようにする。
// リポジトリ呼び出しはリクエストのキャンセルから切り離し、StoreTimeoutで打ち切る。
type Vault struct {
	repo      repository.CredentialRepository
	cipher    *security.Cipher
	refresher TokenRefresher
	cfg       VaultConfig
}

// NewVault はVaultを生成する。
func NewVault(repo repository.CredentialRepository, cipher *security.Cipher, refresher TokenRefresher, cfg VaultConfig) *Vault {
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = DefaultRefreshSkew
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Vault{repo: repo, cipher: cipher, refresher: refresher, cfg: cfg}
}

func tokenAAD(userID, provider, field string) string {
	return userID + ":" + provider + ":" + field
}

// Store はトークンを暗号化して保存し、認証情報のIDを返す。
// 同じユーザーとプロバイダーの組が既にあれば置き換える。
func (v *Vault) Store(ctx context.Context, userID, provider string, tok *oauth2.Token) (string, error) {
	if tok == nil || tok.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrExchangeFailed)
	}

	now := v.cfg.Now()
	cred := &model.OAuthCredential{
		ID:           uuid.New().String(),
		UserID:       userID,
		Provider:     provider,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		Expiry:       tok.Expiry,
		Scopes:       grantedScopes(tok),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	return v.persist(ctx, cred)
}

// persist は認証情報を暗号化してupsertする。
func (v *Vault) persist(ctx context.Context, cred *model.OAuthCredential) (string, error) {
	sealed, err := v.seal(cred)
	if err != nil {
		return "", err
	}

	sctx, cancel := v.storeContext(ctx)
	defer cancel()
	id, err := v.repo.Upsert(sctx, sealed)
	if err != nil {
		return "", model.NewUpstreamError("store oauth credential", err)
	}
	return id, nil
}

// storeContext は呼び出し元のキャンセルを引き継がず、StoreTimeoutで打ち切るコンテキストを返す。
// コールバック中にクライアントが切断しても、消費済みのstateと認可コードで得たトークンを失わない。
func (v *Vault) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), v.cfg.StoreTimeout)
}

// Get は復号済みの認証情報を返す。存在しない場合はnilを返す。
func (v *Vault) Get(ctx context.Context, userID, provider string) (*model.OAuthCredential, error) {
	sctx, cancel := v.storeContext(ctx)
	defer cancel()
	stored, err := v.repo.Find(sctx, userID, provider)
	if err != nil {
		return nil, model.NewUpstreamError("find oauth credential", err)
	}
	if stored == nil {
		return nil, nil
	}
	return v.open(stored)
}

// RefreshIfNeeded は有効期限が近い認証情報をリフレッシュして保存し、新しい値を返す。
// リフレッシュが不要な場合はcredをそのまま返す。
func (v *Vault) RefreshIfNeeded(ctx context.Context, cred *model.OAuthCredential) (*model.OAuthCredential, error) {
	if !cred.NeedsRefresh(v.cfg.Now(), v.cfg.RefreshSkew) {
		return cred, nil
	}
	if cred.RefreshToken == "" {
		return nil, model.NewCredentialInvalidError(cred.Provider, fmt.Errorf("%w: no refresh token", ErrRefreshFailed))
	}

	tok, err := v.refresher.Refresh(ctx, cred.Provider, cred.RefreshToken)
	if err != nil {
		return nil, err
	}
	if tok == nil || tok.AccessToken == "" {
		return nil, model.NewCredentialInvalidError(cred.Provider, fmt.Errorf("%w: empty access token", ErrRefreshFailed))
	}

	// リフレッシュのレスポンスはrefresh_tokenやscopeを省略することがあるため、既存の値を引き継ぐ
	refreshed := *cred
	refreshed.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		refreshed.RefreshToken = tok.RefreshToken
	}
	refreshed.TokenType = tok.Type()
	refreshed.Expiry = tok.Expiry
	if scopes := grantedScopes(tok); len(scopes) > 0 {
		refreshed.Scopes = scopes
	}
	refreshed.UpdatedAt = v.cfg.Now()

	if _, err := v.persist(ctx, &refreshed); err != nil {
		return nil, err
	}

	v.cfg.Logger.Info("oauth credential refreshed",
		slog.String("user_id", cred.UserID),
		slog.String("provider", cred.Provider),
	)
	return &refreshed, nil
}

// Delete は連携を解除する。削除した場合にtrueを返す。
func (v *Vault) Delete(ctx context.Context, userID, provider string) (bool, error) {
	sctx, cancel := v.storeContext(ctx)
	defer cancel()
	deleted, err := v.repo.Delete(sctx, userID, provider)
	if err != nil {
		return false, model.NewUpstreamError("delete oauth credential", err)
	}
	return deleted, nil
}

// List はユーザーの連携一覧をトークンを含めずに返す。
func (v *Vault) List(ctx context.Context, userID string) ([]model.OAuthConnection, error) {
	sctx, cancel := v.storeContext(ctx)
	defer cancel()
	creds, err := v.repo.ListByUser(sctx, userID)
	if err != nil {
		return nil, model.NewUpstreamError("list oauth credentials", err)
	}

	conns := make([]model.OAuthConnection, 0, len(creds))
	for _, c := range creds {
		conns = append(conns, model.OAuthConnection{
			Provider:  c.Provider,
			Scopes:    c.Scopes,
			Expiry:    c.Expiry,
			UpdatedAt: c.UpdatedAt,
		})
	}
	return conns, nil
}

func (v *Vault) seal(cred *model.OAuthCredential) (*model.OAuthCredential, error) {
	sealed := *cred
	var err error
	sealed.AccessToken, err = v.cipher.EncryptString(cred.AccessToken, tokenAAD(cred.UserID, cred.Provider, "access"))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	sealed.RefreshToken, err = v.cipher.EncryptString(cred.RefreshToken, tokenAAD(cred.UserID, cred.Provider, "refresh"))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	return &sealed, nil
}

func (v *Vault) open(stored *model.OAuthCredential) (*model.OAuthCredential, error) {
	cred := *stored
	var err error
	cred.AccessToken, err = v.cipher.DecryptString(stored.AccessToken, tokenAAD(stored.UserID, stored.Provider, "access"))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	cred.RefreshToken, err = v.cipher.DecryptString(stored.RefreshToken, tokenAAD(stored.UserID, stored.Provider, "refresh"))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	return &cred, nil
}

// grantedScopes はトークンレスポンスのscopeを分解する。
// 区切りはプロバイダーによって空白またはカンマ。
func grantedScopes(tok *oauth2.Token) []string {
	raw, _ := tok.Extra("scope").(string)
	if raw == "" {
		return nil
	}
	return strings.FieldsFunc(raw, func(r rune) bool { return r == ' ' || r == ',' })
}
