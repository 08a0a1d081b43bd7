// Package session keeps server-side sessions in Redis, keyed by an opaque
// cookie id. Handlers receive the loaded *Session as an explicit argument.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultCookieName = "voyager_sid"
	defaultTTL        = 24 * time.Hour
	keyPrefix         = "session:"
)

type Config struct {
	CookieName string
	TTL        time.Duration
	Secure     bool
}

type Store struct {
	client     redis.Cmdable
	cookieName string
	ttl        time.Duration
	secure     bool
}

type payload struct {
	UserID  int64               `json:"user_id,omitempty"`
	Flashes map[string][]string `json:"flashes,omitempty"`
}

func NewStore(client redis.Cmdable, cfg Config) *Store {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	return &Store{
		client:     client,
		cookieName: cfg.CookieName,
		ttl:        cfg.TTL,
		secure:     cfg.Secure,
	}
}

// Load returns the session named by the request cookie, or a fresh unsaved
// session when there is no cookie or the id is unknown or expired.
func (s *Store) Load(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(s.cookieName)
	if err != nil || cookie.Value == "" {
		return newSession(), nil
	}

	raw, err := s.client.Get(ctx, keyPrefix+cookie.Value).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return newSession(), nil
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	var data payload
	if err := json.Unmarshal(raw, &data); err != nil {
		return newSession(), nil
	}

	sess := newSession()
	sess.id = cookie.Value
	sess.userID = data.UserID
	for kind, messages := range data.Flashes {
		sess.flashes[kind] = messages
	}
	return sess, nil
}

// Save persists the session and refreshes its TTL. Sessions that were never
// stored and carry nothing are not written.
func (s *Store) Save(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	if sess.id == "" && sess.empty() {
		return nil
	}
	if sess.id == "" {
		sess.id = uuid.NewString()
	}

	encoded, err := json.Marshal(payload{UserID: sess.userID, Flashes: sess.flashes})
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	if err := s.client.Set(ctx, keyPrefix+sess.id, encoded, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	s.setCookie(w, sess.id, int(s.ttl.Seconds()))
	return nil
}

// Login binds the session to accountID under a fresh id.
func (s *Store) Login(ctx context.Context, w http.ResponseWriter, sess *Session, accountID int64) error {
	if sess.id != "" {
		if err := s.client.Del(ctx, keyPrefix+sess.id).Err(); err != nil {
			return fmt.Errorf("rotate session: %w", err)
		}
	}
	sess.id = uuid.NewString()
	sess.userID = accountID
	return s.Save(ctx, w, sess)
}

func (s *Store) Destroy(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	if sess.id != "" {
		if err := s.client.Del(ctx, keyPrefix+sess.id).Err(); err != nil {
			return fmt.Errorf("destroy session: %w", err)
		}
	}
	sess.id = ""
	sess.userID = 0
	sess.flashes = make(map[string][]string)
	s.setCookie(w, "", -1)
	return nil
}

func (s *Store) setCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
