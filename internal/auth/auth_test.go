package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) *Service {
	t.Helper()
	hash, err := HashSecret("s3cret")
	require.NoError(t, err)
	s, err := NewService(Config{SecretHash: hash, JWTSecret: "signing-key", TokenTTL: time.Minute})
	require.NoError(t, err)
	return s
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(Config{})
	assert.ErrorIs(t, err, ErrMisconfigured)
	_, err = NewService(Config{SecretHash: "plain", JWTSecret: "k"})
	assert.Error(t, err)
	_, err = HashSecret("")
	assert.Error(t, err)
}

func TestLoginAndVerify(t *testing.T) {
	s := newService(t)
	_, err := s.Login("editor", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	tok, err := s.Login("editor", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tok.Type)

	claims, err := s.Verify(tok.Value)
	require.NoError(t, err)
	assert.Equal(t, "editor", claims.Client)

	_, err = s.Verify("")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Verify(tok.Value + "x")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestVerifyExpired(t *testing.T) {
	s := newService(t)
	tok, err := s.Login("editor", "s3cret")
	require.NoError(t, err)
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = s.Verify(tok.Value)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := newService(t)
	g := gin.New()
	g.POST("/login", s.GinLogin)
	g.GET("/status", s.GinAuth(), func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	body, _ := json.Marshal(LoginRequest{Client: "cli", Secret: "nope"})
	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	body, _ = json.Marshal(LoginRequest{Client: "cli", Secret: "s3cret"})
	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	var tok Token
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNilServicePassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var s *Service
	g := gin.New()
	g.GET("/status", s.GinAuth(), func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
