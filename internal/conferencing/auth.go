package conferencing

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Token は会議サービスAPIに渡すBearerトークン。
type Token string

// Authenticator は会議サービスAPI用のトークンを発行する。
type Authenticator interface {
	Authenticate(ctx context.Context) (Token, error)
}

// JWTAuthenticator はAPIキーとシークレットから短命のHS256 JWTを署名する。
// iss にAPIキー、exp に現在時刻+TTLを設定する。
type JWTAuthenticator struct {
	apiKey    string
	apiSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

// NewJWTAuthenticator はJWTAuthenticatorを生成する。
func NewJWTAuthenticator(apiKey, apiSecret string, ttl time.Duration) *JWTAuthenticator {
	return &JWTAuthenticator{
		apiKey:    apiKey,
		apiSecret: []byte(apiSecret),
		ttl:       ttl,
		now:       time.Now,
	}
}

// Authenticate は署名済みJWTを返す。ローカル状態は変更しない。
func (a *JWTAuthenticator) Authenticate(ctx context.Context) (Token, error) {
	if a.apiKey == "" || len(a.apiSecret) == 0 {
		return "", &AuthError{Err: errors.New("APIキーまたはシークレットが設定されていません")}
	}

	now := a.now()
	claims := jwt.RegisteredClaims{
		Issuer:    a.apiKey,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.apiSecret)
	if err != nil {
		return "", &AuthError{Err: err}
	}
	return Token(signed), nil
}

// OAuthAuthenticator はサーバー間OAuth（account_credentials グラント）でアクセストークンを取得する。
// トークンは有効期限までキャッシュされる。
type OAuthAuthenticator struct {
	source oauth2.TokenSource
}

// NewOAuthAuthenticator はOAuthAuthenticatorを生成する。
// httpClient はトークンエンドポイントへのリクエストに使われる。
func NewOAuthAuthenticator(accountID, clientID, clientSecret, tokenURL string, httpClient *http.Client) *OAuthAuthenticator {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
		EndpointParams: map[string][]string{
			"grant_type": {"account_credentials"},
			"account_id": {accountID},
		},
	}

	ctx := context.Background()
	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}
	return &OAuthAuthenticator{source: cfg.TokenSource(ctx)}
}

// Authenticate はキャッシュ済み、または新規取得したアクセストークンを返す。
func (a *OAuthAuthenticator) Authenticate(ctx context.Context) (Token, error) {
	if err := ctx.Err(); err != nil {
		return "", &AuthError{Err: err}
	}
	tok, err := a.source.Token()
	if err != nil {
		return "", &AuthError{Err: err}
	}
	return Token(tok.AccessToken), nil
}

// compile-time interface check
var (
	_ Authenticator = (*JWTAuthenticator)(nil)
	_ Authenticator = (*OAuthAuthenticator)(nil)
)
