package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"eduhens-gateway/internal/config"
	"eduhens-gateway/internal/model"
	"eduhens-gateway/internal/service"
)

func TestAuthHandler_AccessToken_OK(t *testing.T) {
	exp := time.Unix(1_900_000_000, 0)
	h := newAuthHandler(stubTokens{tok: &model.AccessToken{
		Token:     "at-1",
		TokenType: "Bearer",
		Scope:     "read:tasks",
		Audience:  "https://api.eduhens.test",
		ExpiresAt: exp,
	}}, testConfig(""), discardLogger())

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/auth/access-token", http.NoBody), rec)

	if err := h.AccessToken(c); err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want %q", got, "no-store")
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := map[string]any{
		"accessToken": "at-1",
		"token_type":  "Bearer",
		"scope":       "read:tasks",
		"audience":    "https://api.eduhens.test",
		"expiresAt":   float64(exp.Unix()),
	}
	for k, v := range want {
		if body[k] != v {
			t.Errorf("%s = %v, want %v", k, body[k], v)
		}
	}
}

func TestAuthHandler_AccessToken_OptionalFieldsOmitted(t *testing.T) {
	h := newAuthHandler(stubTokens{tok: &model.AccessToken{Token: "opaque"}}, testConfig(""), discardLogger())

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/auth/access-token", http.NoBody), rec)
	if err := h.AccessToken(c); err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body) != 1 || body["accessToken"] != "opaque" {
		t.Errorf("body = %v, want only accessToken", body)
	}
}

func TestAuthHandler_AccessToken_Unauthenticated(t *testing.T) {
	h := newAuthHandler(stubTokens{err: errors.Join(service.ErrUnauthenticated, errors.New("no session"))}, testConfig(""), discardLogger())

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/auth/access-token", http.NoBody), rec)

	if err := h.AccessToken(c); err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want %q", got, "no-store")
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	tok, ok := body["accessToken"]
	if !ok || tok != "" {
		t.Errorf("accessToken = %v (present=%v), want empty string", tok, ok)
	}
	if _, ok := body["error"]; !ok {
		t.Error("error field missing")
	}
}

func TestAuthHandler_RuntimeConfig(t *testing.T) {
	tests := []struct {
		name    string
		backend config.BackendConfig
		want    string
	}{
		{"public url", config.BackendConfig{PublicURL: "https://api.eduhens.test/"}, "https://api.eduhens.test"},
		{"internal only stays private", config.BackendConfig{InternalURL: "http://backend:5000"}, "/api-backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Backend: tt.backend}
			h := newAuthHandler(stubTokens{}, cfg, discardLogger())

			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/runtime-config", http.NoBody), rec)
			if err := h.RuntimeConfig(c); err != nil {
				t.Fatalf("RuntimeConfig() error = %v", err)
			}

			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["backendUrl"] != tt.want {
				t.Errorf("backendUrl = %q, want %q", body["backendUrl"], tt.want)
			}
		})
	}
}
