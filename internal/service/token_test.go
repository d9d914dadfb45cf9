package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eduhens-gateway/internal/config"
	"eduhens-gateway/internal/metrics"
	"eduhens-gateway/internal/session"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func brokerConfig(issuer string) *config.Config {
	cfg := &config.Config{
		Session: config.SessionConfig{Secret: testSecret, CookieName: "appSession"},
	}
	if issuer != "" {
		cfg.Identity = config.IdentityConfig{
			IssuerBaseURL: issuer,
			ClientID:      "gateway",
			ClientSecret:  "s3cret",
			Scope:         "openid offline_access",
		}
	}
	return cfg
}

// requestWithSession returns a request carrying sess sealed by a store for cfg.
func requestWithSession(t *testing.T, cfg *config.Config, sess *session.Session) (*http.Request, *session.Store) {
	t.Helper()
	store, err := session.NewStore(cfg)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/api/auth/access-token", http.NoBody)
	if sess != nil {
		cookies, err := store.Cookies(sess)
		require.NoError(t, err)
		for _, c := range cookies {
			r.AddCookie(c)
		}
	}
	return r, store
}

func TestTokenBroker_ValidSession(t *testing.T) {
	cfg := brokerConfig("")
	exp := time.Now().Add(time.Hour).Unix()
	r, store := requestWithSession(t, cfg, &session.Session{
		Tokens: session.TokenSet{
			AccessToken: "at-valid",
			TokenType:   "Bearer",
			Scope:       "read:tasks",
			Audience:    "https://api.eduhens.test",
			ExpiresAt:   exp,
		},
	})

	m := metrics.New()
	b := NewTokenBroker(cfg, store, discardLogger(), m)

	tok, err := b.AccessToken(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "at-valid", tok.Token)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, "read:tasks", tok.Scope)
	assert.Equal(t, "https://api.eduhens.test", tok.Audience)
	assert.Equal(t, exp, tok.ExpiresAt.Unix())
}

func TestTokenBroker_Unauthenticated(t *testing.T) {
	cfg := brokerConfig("")

	tests := []struct {
		name string
		req  func(t *testing.T) *http.Request
	}{
		{"no cookie", func(t *testing.T) *http.Request {
			r, _ := requestWithSession(t, cfg, nil)
			return r
		}},
		{"tampered cookie", func(t *testing.T) *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			r.AddCookie(&http.Cookie{Name: "appSession", Value: "not-a-session"})
			return r
		}},
		{"empty access token", func(t *testing.T) *http.Request {
			r, _ := requestWithSession(t, cfg, &session.Session{})
			return r
		}},
		{"expired without refresh token", func(t *testing.T) *http.Request {
			r, _ := requestWithSession(t, cfg, &session.Session{Tokens: session.TokenSet{
				AccessToken: "at-old",
				ExpiresAt:   time.Now().Add(-time.Minute).Unix(),
			}})
			return r
		}},
		{"expired with refresh token but no issuer", func(t *testing.T) *http.Request {
			r, _ := requestWithSession(t, cfg, &session.Session{Tokens: session.TokenSet{
				AccessToken:  "at-old",
				RefreshToken: "rt",
				ExpiresAt:    time.Now().Add(-time.Minute).Unix(),
			}})
			return r
		}},
	}

	store, err := session.NewStore(cfg)
	require.NoError(t, err)
	b := NewTokenBroker(cfg, store, discardLogger(), nil)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, err := b.AccessToken(context.Background(), tt.req(t))
			assert.Nil(t, tok)
			assert.ErrorIs(t, err, ErrUnauthenticated)
		})
	}
}

func TestTokenBroker_RefreshesExpiredToken(t *testing.T) {
	var form map[string]string
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/token" {
			http.NotFound(w, r)
			return
		}
		_ = r.ParseForm()
		form = map[string]string{
			"grant_type":    r.PostForm.Get("grant_type"),
			"refresh_token": r.PostForm.Get("refresh_token"),
			"client_id":     r.PostForm.Get("client_id"),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-fresh",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"scope":        "read:tasks write:tasks",
		})
	}))
	defer idp.Close()

	cfg := brokerConfig(idp.URL)
	r, store := requestWithSession(t, cfg, &session.Session{Tokens: session.TokenSet{
		AccessToken:  "at-old",
		RefreshToken: "rt-1",
		Scope:        "read:tasks",
		ExpiresAt:    time.Now().Add(-time.Minute).Unix(),
	}})
	b := NewTokenBroker(cfg, store, discardLogger(), nil)

	tok, err := b.AccessToken(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "at-fresh", tok.Token)
	assert.Equal(t, "read:tasks write:tasks", tok.Scope)
	assert.True(t, tok.ExpiresAt.After(time.Now()))

	assert.Equal(t, "refresh_token", form["grant_type"])
	assert.Equal(t, "rt-1", form["refresh_token"])
	assert.Equal(t, "gateway", form["client_id"])
}

func TestTokenBroker_RefreshRejected(t *testing.T) {
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer idp.Close()

	cfg := brokerConfig(idp.URL)
	r, store := requestWithSession(t, cfg, &session.Session{Tokens: session.TokenSet{
		AccessToken:  "at-old",
		RefreshToken: "rt-revoked",
		ExpiresAt:    time.Now().Add(-time.Minute).Unix(),
	}})
	b := NewTokenBroker(cfg, store, discardLogger(), nil)

	_, err := b.AccessToken(context.Background(), r)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

type failingLoader struct{}

func (failingLoader) Load(*http.Request) (*session.Session, error) {
	return nil, errors.New("disk on fire")
}

func TestTokenBroker_LoaderError(t *testing.T) {
	b := newTokenBroker(brokerConfig(""), failingLoader{}, discardLogger(), nil)
	_, err := b.AccessToken(context.Background(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAudienceClaim(t *testing.T) {
	sign := func(claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
		require.NoError(t, err)
		return s
	}

	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"string aud", sign(jwt.MapClaims{"aud": "https://api.eduhens.test"}), "https://api.eduhens.test"},
		{"list aud", sign(jwt.MapClaims{"aud": []string{"a", "b"}}), "a b"},
		{"no aud", sign(jwt.MapClaims{"sub": "u"}), ""},
		{"opaque", "opaque-token", ""},
		{"garbage with dots", "x.y.z", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, audienceClaim(tt.token))
		})
	}
}

func TestTokenBroker_AudienceFromJWT(t *testing.T) {
	at, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"aud": "https://api.eduhens.test",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	cfg := brokerConfig("")
	r, store := requestWithSession(t, cfg, &session.Session{Tokens: session.TokenSet{AccessToken: at}})
	b := NewTokenBroker(cfg, store, discardLogger(), nil)

	tok, err := b.AccessToken(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "https://api.eduhens.test", tok.Audience)
	assert.True(t, strings.HasPrefix(tok.Token, "ey"))
	assert.True(t, tok.ExpiresAt.IsZero())
}
