// Package session reads the identity session that the login integration
// stores in an encrypted, possibly chunked, cookie.
//
// Cookie values are base64url(version || nonce || ciphertext). The key is
// derived from the configured secret with HKDF-SHA256 and the payload is
// sealed with XChaCha20-Poly1305, using the cookie name as associated data so
// a value cannot be replayed under a different cookie.
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"eduhens-gateway/internal/config"
)

const (
	sealVersion = 1
	keySize     = chacha20poly1305.KeySize

	// chunkSize keeps each cookie under the common 4096 byte browser limit
	// once the name and attributes are added.
	chunkSize = 4000
)

// hkdfInfo separates the session key from any other use of the secret.
// Changing it invalidates every issued session.
var hkdfInfo = []byte("eduhens.session.v1")

// ErrInvalidSession is returned when a session cookie is present but cannot
// be decoded or authenticated.
var ErrInvalidSession = errors.New("invalid session cookie")

// Session is the decoded identity session.
type Session struct {
	ID        string   `json:"sid"`
	User      User     `json:"user"`
	Tokens    TokenSet `json:"tokenSet"`
	CreatedAt int64    `json:"createdAt"`
	// ExpiresAt is the absolute session expiry in unix seconds; 0 means none.
	ExpiresAt int64 `json:"expiresAt,omitempty"`
}

// User holds the identity claims kept in the session.
type User struct {
	Subject string `json:"sub"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
}

// TokenSet is the provider's token response as stored in the session.
type TokenSet struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	TokenType    string `json:"tokenType,omitempty"`
	Scope        string `json:"scope,omitempty"`
	Audience     string `json:"audience,omitempty"`
	// ExpiresAt is the access token expiry in unix seconds; 0 means unknown.
	ExpiresAt int64 `json:"expiresAt,omitempty"`
}

// Store encodes and decodes session cookies.
type Store struct {
	name string
	key  []byte
	now  func() time.Time
}

// NewStore derives the cookie key from the configured session secret.
func NewStore(cfg *config.Config) (*Store, error) {
	key, err := deriveKey([]byte(cfg.Session.Secret))
	if err != nil {
		return nil, err
	}
	return &Store{
		name: cfg.Session.CookieName,
		key:  key,
		now:  time.Now,
	}, nil
}

// CookieName returns the base cookie name.
func (s *Store) CookieName() string {
	return s.name
}

// Load returns the session carried by r. It returns (nil, nil) when there is
// no session cookie or the session has passed its absolute expiry, and
// ErrInvalidSession when a cookie is present but cannot be opened.
func (s *Store) Load(r *http.Request) (*Session, error) {
	raw := s.cookieValue(r)
	if raw == "" {
		return nil, nil
	}

	sess, err := s.Open(raw)
	if err != nil {
		return nil, err
	}
	if sess.ExpiresAt != 0 && s.now().Unix() >= sess.ExpiresAt {
		return nil, nil
	}
	return sess, nil
}

// cookieValue returns the single cookie value, or the concatenation of
// <name>.0, <name>.1, ... when the session was chunked.
func (s *Store) cookieValue(r *http.Request) string {
	if c, err := r.Cookie(s.name); err == nil {
		return c.Value
	}

	prefix := s.name + "."
	chunks := make(map[int]string)
	for _, c := range r.Cookies() {
		if !strings.HasPrefix(c.Name, prefix) {
			continue
		}
		i, err := strconv.Atoi(strings.TrimPrefix(c.Name, prefix))
		if err != nil || i < 0 {
			continue
		}
		chunks[i] = c.Value
	}
	if len(chunks) == 0 {
		return ""
	}

	idx := make([]int, 0, len(chunks))
	for i := range chunks {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	var b strings.Builder
	for n, i := range idx {
		if n != i {
			// A gap means a chunk was lost; the value cannot authenticate.
			return ""
		}
		b.WriteString(chunks[i])
	}
	return b.String()
}

// Open decodes a sealed cookie value.
func (s *Store) Open(value string) (*Session, error) {
	blob, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidSession, err)
	}
	if len(blob) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrInvalidSession, len(blob))
	}
	if blob[0] != sealVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidSession, blob[0])
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := blob[1+chacha20poly1305.NonceSizeX:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, s.aad())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	var sess Session
	if err := json.Unmarshal(plaintext, &sess); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrInvalidSession, err)
	}
	return &sess, nil
}

// Seal encodes sess into a cookie value, assigning an ID and creation time
// when they are missing.
func (s *Store) Seal(sess *Session) (string, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.CreatedAt == 0 {
		sess.CreatedAt = s.now().Unix()
	}

	plaintext, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generating random nonce: %w", err)
	}

	out := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	out[0] = sealVersion
	copy(out[1:], nonce[:])
	out = aead.Seal(out, nonce[:], plaintext, s.aad())

	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Cookies seals sess and returns the cookies to set, chunked when the value
// does not fit in one cookie.
func (s *Store) Cookies(sess *Session) ([]*http.Cookie, error) {
	value, err := s.Seal(sess)
	if err != nil {
		return nil, err
	}

	newCookie := func(name, v string) *http.Cookie {
		c := &http.Cookie{
			Name:     name,
			Value:    v,
			Path:     "/",
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteLaxMode,
		}
		if sess.ExpiresAt != 0 {
			c.Expires = time.Unix(sess.ExpiresAt, 0)
		}
		return c
	}

	if len(value) <= chunkSize {
		return []*http.Cookie{newCookie(s.name, value)}, nil
	}

	var cookies []*http.Cookie
	for i := 0; len(value) > 0; i++ {
		n := min(chunkSize, len(value))
		cookies = append(cookies, newCookie(s.name+"."+strconv.Itoa(i), value[:n]))
		value = value[n:]
	}
	return cookies, nil
}

func (s *Store) aad() []byte {
	aad := make([]byte, 0, 1+len(s.name))
	aad = append(aad, sealVersion)
	return append(aad, s.name...)
}

func deriveKey(secret []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, hkdfInfo)
	key := make([]byte, keySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return key, nil
}
