package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/coursemeet/internal/model"
)

// --- モック定義 ---

type mockVerifier struct {
	verifyFn func(token string) (*model.Caller, error)
}

func (m *mockVerifier) Verify(token string) (*model.Caller, error) {
	if m.verifyFn != nil {
		return m.verifyFn(token)
	}
	return nil, ErrInvalidToken
}

const testSecret = "test-auth-secret-32bytes-long!!!"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

// --- JWTVerifier のテスト ---

func TestJWTVerifier_ValidToken_ReturnsCaller(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signToken(t, testSecret, jwt.MapClaims{
		"sub":   "user-123",
		"email": " Student@X.com ",
		"iss":   "auth.example",
		"exp":   exp.Unix(),
	})

	caller, err := NewJWTVerifier(testSecret, "auth.example").Verify(token)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if caller.UserID != "user-123" {
		t.Errorf("UserID = %q, want %q", caller.UserID, "user-123")
	}
	if caller.Email != "student@x.com" {
		t.Errorf("Email = %q, want %q", caller.Email, "student@x.com")
	}
	if !caller.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", caller.ExpiresAt, exp)
	}
}

func TestJWTVerifier_RejectsInvalidTokens(t *testing.T) {
	future := time.Now().Add(time.Hour).Unix()
	tests := []struct {
		name   string
		secret string
		claims jwt.MapClaims
	}{
		{"wrong secret", "another-secret", jwt.MapClaims{"sub": "u", "iss": "auth.example", "exp": future}},
		{"expired", testSecret, jwt.MapClaims{"sub": "u", "iss": "auth.example", "exp": time.Now().Add(-time.Hour).Unix()}},
		{"missing exp", testSecret, jwt.MapClaims{"sub": "u", "iss": "auth.example"}},
		{"wrong issuer", testSecret, jwt.MapClaims{"sub": "u", "iss": "evil", "exp": future}},
		{"no identity", testSecret, jwt.MapClaims{"iss": "auth.example", "exp": future}},
	}

	verifier := NewJWTVerifier(testSecret, "auth.example")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(signToken(t, tt.secret, tt.claims))
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("err = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTVerifier_RejectsOtherAlgorithms(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "u",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if _, err := NewJWTVerifier(testSecret, "").Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

// --- NewIdentityMiddleware のテスト ---

func TestIdentityMiddleware_ValidBearer_InjectsCaller(t *testing.T) {
	token := signToken(t, testSecret, jwt.MapClaims{
		"sub":   "user-123",
		"email": "a@x.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	mw := NewIdentityMiddleware(NewJWTVerifier(testSecret, ""))

	var captured model.Caller
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := CallerFromContext(r.Context())
		if err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		captured = c
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/meetings", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
	if captured.UserID != "user-123" || captured.Email != "a@x.com" {
		t.Errorf("caller = %+v", captured)
	}
}

func TestIdentityMiddleware_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"basic scheme", "Basic dXNlcjpwYXNz"},
		{"empty bearer", "Bearer "},
		{"verifier rejects", "Bearer bad-token"},
	}

	mw := NewIdentityMiddleware(&mockVerifier{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			}))

			req := httptest.NewRequest(http.MethodGet, "/meetings", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Result().StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
			}
		})
	}
}

func TestCallerFromContext_Empty_ReturnsError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := CallerFromContext(req.Context()); err == nil {
		t.Error("expected error for context without caller")
	}
}
