// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/coursemeet/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// callerContextKey はリクエストコンテキストに呼び出し元を格納するためのキー。
var callerContextKey = contextKey("caller")

// ErrInvalidToken はアクセストークンが検証できない場合に返される。
var ErrInvalidToken = errors.New("invalid access token")

// CallerVerifier はアクセストークンを検証し、呼び出し元を返す。
type CallerVerifier interface {
	Verify(token string) (*model.Caller, error)
}

// callerClaims は外部認証プロバイダが発行するアクセストークンのクレーム。
type callerClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// JWTVerifier はHS256で署名されたアクセストークンを検証する。
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier は新しいJWTVerifierを生成する。issuerが空の場合は発行者を検査しない。
func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}
}

// Verify は署名と有効期限を検証し、クレームから呼び出し元を組み立てる。
func (v *JWTVerifier) Verify(token string) (*model.Caller, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &callerClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	email := strings.ToLower(strings.TrimSpace(claims.Email))
	if claims.Subject == "" && email == "" {
		return nil, fmt.Errorf("%w: subject and email are empty", ErrInvalidToken)
	}

	caller := &model.Caller{UserID: claims.Subject, Email: email}
	if claims.ExpiresAt != nil {
		caller.ExpiresAt = claims.ExpiresAt.Time
	}
	return caller, nil
}

var _ CallerVerifier = (*JWTVerifier)(nil)

// NewIdentityMiddleware はAuthorizationヘッダーのBearerトークンを検証し、
// 呼び出し元をリクエストコンテキストに注入するミドルウェアを返す。
// トークンがない、または検証に失敗した場合は401を返す。
func NewIdentityMiddleware(verifier CallerVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			caller, err := verifier.Verify(token)
			if err != nil {
				slog.Warn("access token rejected",
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			recordCaller(r.Context(), *caller)
			next.ServeHTTP(w, r.WithContext(ContextWithCaller(r.Context(), *caller)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// CallerFromContext はリクエストコンテキストから呼び出し元を取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func CallerFromContext(ctx context.Context) (model.Caller, error) {
	caller, ok := ctx.Value(callerContextKey).(model.Caller)
	if !ok || (caller.UserID == "" && caller.Email == "") {
		return model.Caller{}, fmt.Errorf("caller not found in context")
	}
	return caller, nil
}

// ContextWithCaller はコンテキストに呼び出し元を注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithCaller(ctx context.Context, caller model.Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, caller)
}

// callerKey はレート制限やログで使う呼び出し元の識別子を返す。
func callerKey(c model.Caller) string {
	if c.Email != "" {
		return c.Email
	}
	return c.UserID
}
