// Package oauth は連携先プロバイダーとのOAuth 2.0認可コードフローと、
// 取得した認証情報の暗号化保管を提供する。
package oauth

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"

	"github.com/hitoshi/kairo/internal/security"
)

//go:embed providers.yaml
var defaultProvidersYAML []byte

// shopPlaceholder はショップ単位のエンドポイントに埋め込むプレースホルダー。
const shopPlaceholder = "{shop}"

// ErrUnknownProvider は未登録または未設定のプロバイダーを指定した場合のエラー。
var ErrUnknownProvider = errors.New("unknown oauth provider")

// Provider は1つの連携先プロバイダーの静的な設定。
type Provider struct {
	ID              string            `yaml:"id"`
	Name            string            `yaml:"name"`
	Category        string            `yaml:"category"`
	AuthURL         string            `yaml:"auth_url"`
	TokenURL        string            `yaml:"token_url"`
	Scopes          []string          `yaml:"scopes"`
	ClientIDEnv     string            `yaml:"client_id_env"`
	ClientSecretEnv string            `yaml:"client_secret_env"`
	ShopEnv         string            `yaml:"shop_env"`
	AuthStyle       string            `yaml:"auth_style"` // "params"（既定）または "header"
	AuthParams      map[string]string `yaml:"auth_params"`

	// 環境変数から解決した値。YAMLからは読まない。
	ClientID     string `yaml:"-"`
	ClientSecret string `yaml:"-"`
}

// Configured はクライアントIDとシークレットが揃い、エンドポイントが確定しているかを返す。
func (p *Provider) Configured() bool {
	return p.ClientID != "" && p.ClientSecret != "" &&
		!strings.Contains(p.AuthURL, shopPlaceholder) &&
		!strings.Contains(p.TokenURL, shopPlaceholder)
}

func (p *Provider) endpoint() oauth2.Endpoint {
	style := oauth2.AuthStyleInParams
	if p.AuthStyle == "header" {
		style = oauth2.AuthStyleInHeader
	}
	return oauth2.Endpoint{
		AuthURL:   p.AuthURL,
		TokenURL:  p.TokenURL,
		AuthStyle: style,
	}
}

type providersFile struct {
	Providers []Provider `yaml:"providers"`
}

// Registry はプロバイダーIDからProviderを引く読み取り専用のレジストリ。
// 構築後は変更しないため並行利用可能。
type Registry struct {
	providers map[string]*Provider
	order     []string
}

// NewRegistry はProviderのリストからRegistryを生成する。
// IDの重複や必須項目の欠落はエラーとする。
func NewRegistry(providers []Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]*Provider, len(providers))}
	for i := range providers {
		p := providers[i]
		if p.ID == "" {
			return nil, fmt.Errorf("provider #%d: id is required", i)
		}
		if _, dup := r.providers[p.ID]; dup {
			return nil, fmt.Errorf("provider %q: duplicate id", p.ID)
		}
		if p.AuthURL == "" || p.TokenURL == "" {
			return nil, fmt.Errorf("provider %q: auth_url and token_url are required", p.ID)
		}
		if p.AuthStyle != "" && p.AuthStyle != "params" && p.AuthStyle != "header" {
			return nil, fmt.Errorf("provider %q: unsupported auth_style %q", p.ID, p.AuthStyle)
		}
		r.providers[p.ID] = &p
		r.order = append(r.order, p.ID)
	}
	return r, nil
}

// LoadRegistry はプロバイダー定義を読み込み、環境変数でクライアント情報を解決する。
// pathが空の場合は組み込みの定義を使う。getenvがnilの場合はos.Getenvを使う。
// 確定したエンドポイントはSSRF対策の検証を通す。
func LoadRegistry(path string, getenv func(string) string) (*Registry, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	data := defaultProvidersYAML
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read providers file: %w", err)
		}
		data = b
	}

	var file providersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse providers file: %w", err)
	}

	for i := range file.Providers {
		p := &file.Providers[i]
		p.ClientID = getenv(p.ClientIDEnv)
		p.ClientSecret = getenv(p.ClientSecretEnv)

		if p.ShopEnv != "" {
			if shop := getenv(p.ShopEnv); shop != "" {
				if !validShopName(shop) {
					return nil, fmt.Errorf("provider %q: invalid %s", p.ID, p.ShopEnv)
				}
				p.AuthURL = strings.ReplaceAll(p.AuthURL, shopPlaceholder, shop)
				p.TokenURL = strings.ReplaceAll(p.TokenURL, shopPlaceholder, shop)
			}
		}

		if !p.Configured() {
			continue
		}
		for _, endpoint := range []string{p.AuthURL, p.TokenURL} {
			if err := security.ValidateEndpoint(endpoint); err != nil {
				return nil, fmt.Errorf("provider %q: %w", p.ID, err)
			}
		}
	}

	return NewRegistry(file.Providers)
}

// validShopName はショップ名がホスト名のラベルとして安全かを判定する。
func validShopName(s string) bool {
	if len(s) > 63 {
		return false
	}
	for _, c := range s {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
			return false
		}
	}
	return !strings.HasPrefix(s, "-") && !strings.HasSuffix(s, "-")
}

// Get は設定済みのプロバイダーを返す。未登録または未設定の場合はErrUnknownProviderを返す。
func (r *Registry) Get(id string) (*Provider, error) {
	p, ok := r.providers[id]
	if !ok || !p.Configured() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return p, nil
}

// List は登録順にすべてのプロバイダーを返す。未設定のものも含む。
func (r *Registry) List() []Provider {
	out := make([]Provider, 0, len(r.order))
	for _, id := range r.order {
		p := *r.providers[id]
		p.ClientSecret = ""
		out = append(out, p)
	}
	return out
}

// Len は登録済みプロバイダー数を返す。
func (r *Registry) Len() int {
	return len(r.order)
}

// redirectURL はコールバックURLを組み立てる。
func redirectURL(baseURL, providerID string) string {
	return strings.TrimRight(baseURL, "/") + "/api/oauth/callback/" + url.PathEscape(providerID)
}
