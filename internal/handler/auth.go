package handler

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"eduhens-gateway/internal/config"
	"eduhens-gateway/internal/service"
)

// AuthHandler serves the browser-facing token and runtime config endpoints.
type AuthHandler struct {
	tokens     TokenSource
	backendURL string
	logger     *slog.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(broker *service.TokenBroker, cfg *config.Config, logger *slog.Logger) *AuthHandler {
	return newAuthHandler(broker, cfg, logger)
}

func newAuthHandler(tokens TokenSource, cfg *config.Config, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		tokens:     tokens,
		backendURL: cfg.Backend.BrowserURL(),
		logger:     logger.With("component", "auth_handler"),
	}
}

type accessTokenResponse struct {
	AccessToken string `json:"accessToken"`
	Scope       string `json:"scope,omitempty"`
	ExpiresAt   int64  `json:"expiresAt,omitempty"`
	TokenType   string `json:"token_type,omitempty"`
	Audience    string `json:"audience,omitempty"`
}

type accessTokenError struct {
	Error       string `json:"error"`
	AccessToken string `json:"accessToken"`
}

// AccessToken returns the bearer token of the caller's session. Every
// failure is reported as 401 with an empty token.
func (h *AuthHandler) AccessToken(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "no-store")

	tok, err := h.tokens.AccessToken(c.Request().Context(), c.Request())
	if err != nil {
		h.logger.Debug("access token unavailable", "err", err)
		return c.JSON(http.StatusUnauthorized, accessTokenError{Error: "Unauthorized"})
	}

	resp := accessTokenResponse{
		AccessToken: tok.Token,
		Scope:       tok.Scope,
		TokenType:   tok.TokenType,
		Audience:    tok.Audience,
	}
	if !tok.ExpiresAt.IsZero() {
		resp.ExpiresAt = tok.ExpiresAt.Unix()
	}
	return c.JSON(http.StatusOK, resp)
}

// RuntimeConfig tells the browser where to send backend calls.
func (h *AuthHandler) RuntimeConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"backendUrl": h.backendURL,
	})
}
