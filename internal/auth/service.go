package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const defaultResetTokenTTL = time.Hour

// Store is the persistence capability the service needs. All lookups are
// exact matches; missing rows are reported as ErrNotFound.
type Store interface {
	FindByID(ctx context.Context, id int64) (Account, error)
	FindByUsername(ctx context.Context, username string) (Account, error)
	FindByEmail(ctx context.Context, email string) (Account, error)
	FindByEmailConfirmationToken(ctx context.Context, token string) (Account, error)
	FindByPasswordResetToken(ctx context.Context, token string) (Account, error)
	Insert(ctx context.Context, account NewAccount, now time.Time) (Account, error)
	SetEmailConfirmationToken(ctx context.Context, id int64, token string, now time.Time) error
	ConfirmEmail(ctx context.Context, token string, now time.Time) (Account, error)
	SetPasswordReset(ctx context.Context, id int64, token string, expires time.Time, now time.Time) error
	CompletePasswordReset(ctx context.Context, id int64, token string, hash []byte, now time.Time) (Account, error)
}

type Service struct {
	store    Store
	now      func() time.Time
	random   io.Reader
	resetTTL time.Duration

	dummyOnce sync.Once
	dummyHash []byte
}

func NewService(store Store) *Service {
	return &Service{
		store:    store,
		now:      func() time.Time { return time.Now().UTC() },
		random:   rand.Reader,
		resetTTL: defaultResetTokenTTL,
	}
}

func (s *Service) WithResetTokenTTL(ttl time.Duration) {
	if ttl > 0 {
		s.resetTTL = ttl
	}
}

func (s *Service) WithClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Service) WithRandom(random io.Reader) {
	if random != nil {
		s.random = random
	}
}

func (s *Service) GenerateToken() (string, error) {
	return generateToken(s.random)
}

func (s *Service) AccountByID(ctx context.Context, id int64) (Account, error) {
	return s.store.FindByID(ctx, id)
}

// Authenticate checks a username/password pair. Unknown usernames and wrong
// passwords are indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, username, password string) (Account, error) {
	username = normalizeIdentity(username)
	if username == "" || password == "" {
		return Account{}, ErrInvalidCredentials
	}

	account, err := s.store.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Burn the same bcrypt work as a real comparison.
			_, _ = VerifyPassword(password, s.timingHash())
			return Account{}, ErrInvalidCredentials
		}
		return Account{}, err
	}

	ok, err := VerifyPassword(password, account.PasswordHash)
	if err != nil {
		return Account{}, fmt.Errorf("verify password for user %d: %w", account.ID, err)
	}
	if !ok {
		return Account{}, ErrInvalidCredentials
	}

	return account, nil
}

// Signup creates the account with a fresh email confirmation token and
// returns both. Input is expected to be validated already.
func (s *Service) Signup(ctx context.Context, input SignupInput) (Account, string, error) {
	hash, err := HashPassword(input.Password)
	if err != nil {
		return Account{}, "", err
	}

	token, err := s.GenerateToken()
	if err != nil {
		return Account{}, "", fmt.Errorf("generate email confirmation token: %w", err)
	}

	account, err := s.store.Insert(ctx, NewAccount{
		Username:               normalizeIdentity(input.Username),
		Email:                  normalizeIdentity(input.Email),
		PasswordHash:           hash,
		EmailConfirmationToken: token,
	}, s.now())
	if err != nil {
		return Account{}, "", err
	}

	return account, token, nil
}

// IssueEmailConfirmationToken replaces any outstanding confirmation token.
func (s *Service) IssueEmailConfirmationToken(ctx context.Context, account Account) (string, error) {
	token, err := s.GenerateToken()
	if err != nil {
		return "", fmt.Errorf("generate email confirmation token: %w", err)
	}

	if err := s.store.SetEmailConfirmationToken(ctx, account.ID, token, s.now()); err != nil {
		return "", err
	}

	return token, nil
}

func (s *Service) RequestEmailConfirmation(ctx context.Context, email string) (Account, string, error) {
	account, err := s.store.FindByEmail(ctx, normalizeIdentity(email))
	if err != nil {
		return Account{}, "", err
	}

	token, err := s.IssueEmailConfirmationToken(ctx, account)
	if err != nil {
		return Account{}, "", err
	}

	return account, token, nil
}

// ConfirmEmail redeems a confirmation token. Tokens are single-use: a second
// call with the same token returns ErrNotFound.
func (s *Service) ConfirmEmail(ctx context.Context, token string) (Account, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Account{}, ErrNotFound
	}
	return s.store.ConfirmEmail(ctx, token, s.now())
}

// IssuePasswordResetToken sets a new reset token valid for the configured TTL,
// overwriting any outstanding one.
func (s *Service) IssuePasswordResetToken(ctx context.Context, account Account) (string, error) {
	token, err := s.GenerateToken()
	if err != nil {
		return "", fmt.Errorf("generate password reset token: %w", err)
	}

	now := s.now()
	if err := s.store.SetPasswordReset(ctx, account.ID, token, now.Add(s.resetTTL), now); err != nil {
		return "", err
	}

	return token, nil
}

func (s *Service) RequestPasswordReset(ctx context.Context, email string) (Account, string, error) {
	account, err := s.store.FindByEmail(ctx, normalizeIdentity(email))
	if err != nil {
		return Account{}, "", err
	}

	token, err := s.IssuePasswordResetToken(ctx, account)
	if err != nil {
		return Account{}, "", err
	}

	return account, token, nil
}

func (s *Service) ValidateResetToken(ctx context.Context, token string) (Account, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Account{}, ErrNotFound
	}

	account, err := s.store.FindByPasswordResetToken(ctx, token)
	if err != nil {
		return Account{}, err
	}

	if account.PasswordResetExpires == nil || s.now().After(*account.PasswordResetExpires) {
		return Account{}, ErrExpired
	}

	return account, nil
}

// CompleteReset consumes a live reset token: the new hash is stored and both
// the token and its expiry are cleared.
func (s *Service) CompleteReset(ctx context.Context, token, newPassword string) (Account, error) {
	account, err := s.ValidateResetToken(ctx, token)
	if err != nil {
		return Account{}, err
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return Account{}, err
	}

	return s.store.CompletePasswordReset(ctx, account.ID, strings.TrimSpace(token), hash, s.now())
}

// normalizeIdentity lowercases usernames and emails so they are unique and
// matched regardless of case.
func normalizeIdentity(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func (s *Service) timingHash() []byte {
	s.dummyOnce.Do(func() {
		hash, err := HashPassword("voyager-timing-equaliser")
		if err == nil {
			s.dummyHash = hash
		}
	})
	return s.dummyHash
}

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrExpired            = errors.New("token expired")
)
