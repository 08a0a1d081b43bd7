package session

import "net/http"

const (
	FlashInfo  = "info"
	FlashError = "error"
)

type Session struct {
	id      string
	userID  int64
	flashes map[string][]string
}

func newSession() *Session {
	return &Session{flashes: make(map[string][]string)}
}

func (s *Session) ID() string { return s.id }

func (s *Session) UserID() int64 { return s.userID }

func (s *Session) IsAuthenticated() bool { return s.userID != 0 }

func (s *Session) AddFlash(kind, message string) {
	s.flashes[kind] = append(s.flashes[kind], message)
}

// Flashes returns and discards the pending messages of kind.
func (s *Session) Flashes(kind string) []string {
	messages := s.flashes[kind]
	delete(s.flashes, kind)
	return messages
}

func (s *Session) empty() bool {
	return s.userID == 0 && len(s.flashes) == 0
}

// HandlerFunc is an http.HandlerFunc that also receives the request's session.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, sess *Session)

type ErrorFunc func(w http.ResponseWriter, r *http.Request, err error)

// Handle loads the session for each request and passes it to next. The
// handler is responsible for calling Save before it writes the response.
func (s *Store) Handle(onError ErrorFunc, next HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.Load(r.Context(), r)
		if err != nil {
			onError(w, r, err)
			return
		}
		next(w, r, sess)
	})
}
