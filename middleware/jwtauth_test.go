package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyToken(t *testing.T) {
	m, err := NewJWTManager("secret", "subtrack", 1)
	require.NoError(t, err)

	token, err := m.IssueToken("cust-1", "a@example.com")
	require.NoError(t, err)

	claims, err := m.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "cust-1", claims.CustomerID)
	assert.Equal(t, "a@example.com", claims.Email)
}

func TestVerifyTokenWrongSecret(t *testing.T) {
	m1, err := NewJWTManager("secret-a", "subtrack", 1)
	require.NoError(t, err)
	m2, err := NewJWTManager("secret-b", "subtrack", 1)
	require.NoError(t, err)

	token, err := m1.IssueToken("cust-1", "a@example.com")
	require.NoError(t, err)

	_, err = m2.VerifyToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyTokenWrongIssuer(t *testing.T) {
	m1, err := NewJWTManager("secret", "someone-else", 1)
	require.NoError(t, err)
	m2, err := NewJWTManager("secret", "subtrack", 1)
	require.NoError(t, err)

	token, err := m1.IssueToken("cust-1", "a@example.com")
	require.NoError(t, err)

	_, err = m2.VerifyToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewJWTManagerRequiresSecret(t *testing.T) {
	_, err := NewJWTManager("", "subtrack", 1)
	assert.Error(t, err)
}

func TestJWTAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	m, err := NewJWTManager("secret", "subtrack", 1)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/protected", JWTAuthMiddleware(m), func(c *gin.Context) {
		claims := GetClaimsFromContext(c)
		require.NotNil(t, claims)
		c.JSON(http.StatusOK, gin.H{"customerId": claims.CustomerID})
	})

	// No token
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/protected", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Malformed token
	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Valid token
	token, err := m.IssueToken("cust-1", "a@example.com")
	require.NoError(t, err)
	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cust-1")
}
