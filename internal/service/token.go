package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"eduhens-gateway/internal/config"
	"eduhens-gateway/internal/metrics"
	"eduhens-gateway/internal/model"
	"eduhens-gateway/internal/session"
)

// ErrUnauthenticated is returned when the request carries no usable session.
var ErrUnauthenticated = errors.New("unauthenticated")

// SessionLoader reads the identity session from an inbound request.
type SessionLoader interface {
	Load(r *http.Request) (*session.Session, error)
}

// TokenBroker turns the ambient identity session into a bearer token for
// backend calls. It never writes to the session.
type TokenBroker struct {
	sessions SessionLoader
	oauth    *oauth2.Config // nil when refresh is not configured
	client   *http.Client
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewTokenBroker creates a TokenBroker. The metrics parameter is optional.
func NewTokenBroker(cfg *config.Config, sessions *session.Store, logger *slog.Logger, m *metrics.Metrics) *TokenBroker {
	return newTokenBroker(cfg, sessions, logger, m)
}

func newTokenBroker(cfg *config.Config, sessions SessionLoader, logger *slog.Logger, m *metrics.Metrics) *TokenBroker {
	b := &TokenBroker{
		sessions: sessions,
		client:   &http.Client{Timeout: 10 * time.Second},
		metrics:  m,
		logger:   logger.With("component", "token_broker"),
		now:      time.Now,
	}
	if cfg.Identity.IssuerBaseURL != "" {
		b.oauth = &oauth2.Config{
			ClientID:     cfg.Identity.ClientID,
			ClientSecret: cfg.Identity.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.Identity.TokenURL(),
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: strings.Fields(cfg.Identity.Scope),
		}
	}
	return b
}

// AccessToken returns the bearer token for the session carried by r.
// An expired token is refreshed with the session's refresh token when the
// identity provider is configured; the refreshed token is returned but not
// persisted. Any failure is reported as ErrUnauthenticated.
func (b *TokenBroker) AccessToken(ctx context.Context, r *http.Request) (*model.AccessToken, error) {
	tok, err := b.accessToken(ctx, r)
	if b.metrics != nil {
		result := "ok"
		if err != nil {
			result = "unauthenticated"
		}
		b.metrics.TokenRequests.WithLabelValues(result).Inc()
	}
	return tok, err
}

func (b *TokenBroker) accessToken(ctx context.Context, r *http.Request) (*model.AccessToken, error) {
	sess, err := b.sessions.Load(r)
	if err != nil {
		b.logger.Warn("unreadable session cookie", "err", err)
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: no session", ErrUnauthenticated)
	}

	ts := sess.Tokens
	if ts.AccessToken == "" {
		return nil, fmt.Errorf("%w: session has no access token", ErrUnauthenticated)
	}

	tok := &model.AccessToken{
		Token:     ts.AccessToken,
		TokenType: ts.TokenType,
		Scope:     ts.Scope,
		Audience:  ts.Audience,
	}
	if ts.ExpiresAt != 0 {
		tok.ExpiresAt = time.Unix(ts.ExpiresAt, 0)
	}

	if tok.Expired(b.now()) {
		if ts.RefreshToken == "" || b.oauth == nil {
			return nil, fmt.Errorf("%w: access token expired", ErrUnauthenticated)
		}
		tok, err = b.refresh(ctx, ts)
		if err != nil {
			b.logger.Warn("token refresh failed", "sid", sess.ID, "err", err)
			return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}
		b.logger.Debug("access token refreshed", "sid", sess.ID)
	}

	if tok.Audience == "" {
		tok.Audience = audienceClaim(tok.Token)
	}
	return tok, nil
}

func (b *TokenBroker) refresh(ctx context.Context, ts session.TokenSet) (*model.AccessToken, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.client)
	src := b.oauth.TokenSource(ctx, &oauth2.Token{
		RefreshToken: ts.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})

	t, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh grant: %w", err)
	}

	tok := &model.AccessToken{
		Token:     t.AccessToken,
		TokenType: t.TokenType,
		Scope:     ts.Scope,
		Audience:  ts.Audience,
		ExpiresAt: t.Expiry,
	}
	if scope, ok := t.Extra("scope").(string); ok && scope != "" {
		tok.Scope = scope
	}
	return tok, nil
}

// audienceClaim reads the aud claim of a JWT access token without verifying
// it; the backend performs verification. Opaque tokens yield "".
func audienceClaim(token string) string {
	if strings.Count(token, ".") != 2 {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	aud, err := claims.GetAudience()
	if err != nil || len(aud) == 0 {
		return ""
	}
	return strings.Join(aud, " ")
}
