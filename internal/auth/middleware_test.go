package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key"

func sign(t *testing.T, secret, role string, expiresIn time.Duration) string {
	t.Helper()
	claims := Claims{
		UserID: "user-1",
		Email:  "admin@example.com",
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   "user-1",
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func serve(mw func(http.Handler) http.Handler, token string) (*httptest.ResponseRecorder, *Claims) {
	var captured *Claims
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/admin/orders", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, captured
}

func TestRequireRole(t *testing.T) {
	mw := RequireRole(NewVerifier(testSecret), RoleAdmin)

	rec, claims := serve(mw, sign(t, testSecret, "ADMIN", time.Minute))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, claims)
	assert.Equal(t, "user-1", claims.UserID)

	rec, _ = serve(mw, sign(t, testSecret, "CUSTOMER", time.Minute))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = serve(mw, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = serve(mw, sign(t, "other-secret", "ADMIN", time.Minute))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)
}

func TestRequireRole_NilVerifierIsOpen(t *testing.T) {
	rec, _ := serve(RequireRole(nil, RoleAdmin), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestVerify_Expired(t *testing.T) {
	_, err := NewVerifier(testSecret).Verify(sign(t, testSecret, "ADMIN", -time.Minute))
	assert.ErrorIs(t, err, ErrExpiredToken)

	_, err = NewVerifier(testSecret).Verify("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
