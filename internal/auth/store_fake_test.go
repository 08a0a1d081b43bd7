package auth

import (
	"context"
	"strings"
	"sync"
	"time"
)

// memoryStore is an in-memory Store used by service and handler tests.
type memoryStore struct {
	mu       sync.Mutex
	nextID   int64
	accounts map[int64]*Account
	err      error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{accounts: make(map[int64]*Account)}
}

func (s *memoryStore) find(match func(*Account) bool) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Account{}, s.err
	}
	for _, account := range s.accounts {
		if match(account) {
			return copyAccount(account), nil
		}
	}
	return Account{}, ErrNotFound
}

func copyAccount(a *Account) Account {
	c := *a
	c.PasswordHash = append([]byte(nil), a.PasswordHash...)
	if a.EmailConfirmationToken != nil {
		v := *a.EmailConfirmationToken
		c.EmailConfirmationToken = &v
	}
	if a.PasswordResetToken != nil {
		v := *a.PasswordResetToken
		c.PasswordResetToken = &v
	}
	if a.PasswordResetExpires != nil {
		v := *a.PasswordResetExpires
		c.PasswordResetExpires = &v
	}
	return c
}

func (s *memoryStore) FindByID(_ context.Context, id int64) (Account, error) {
	return s.find(func(a *Account) bool { return a.ID == id })
}

func (s *memoryStore) FindByUsername(_ context.Context, username string) (Account, error) {
	return s.find(func(a *Account) bool { return strings.EqualFold(a.Username, username) })
}

func (s *memoryStore) FindByEmail(_ context.Context, email string) (Account, error) {
	return s.find(func(a *Account) bool { return strings.EqualFold(a.Email, email) })
}

func (s *memoryStore) FindByEmailConfirmationToken(_ context.Context, token string) (Account, error) {
	return s.find(func(a *Account) bool {
		return a.EmailConfirmationToken != nil && *a.EmailConfirmationToken == token
	})
}

func (s *memoryStore) FindByPasswordResetToken(_ context.Context, token string) (Account, error) {
	return s.find(func(a *Account) bool {
		return a.PasswordResetToken != nil && *a.PasswordResetToken == token
	})
}

func (s *memoryStore) Insert(_ context.Context, account NewAccount, now time.Time) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Account{}, s.err
	}
	for _, existing := range s.accounts {
		if strings.EqualFold(existing.Username, account.Username) || strings.EqualFold(existing.Email, account.Email) {
			return Account{}, ErrDuplicateAccount
		}
	}

	s.nextID++
	token := account.EmailConfirmationToken
	created := &Account{
		ID:                     s.nextID,
		Username:               account.Username,
		Email:                  account.Email,
		PasswordHash:           account.PasswordHash,
		EmailConfirmationToken: &token,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	s.accounts[created.ID] = created
	return copyAccount(created), nil
}

func (s *memoryStore) SetEmailConfirmationToken(_ context.Context, id int64, token string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	account.EmailConfirmationToken = &token
	account.UpdatedAt = now
	return nil
}

func (s *memoryStore) ConfirmEmail(_ context.Context, token string, now time.Time) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, account := range s.accounts {
		if account.EmailConfirmationToken != nil && *account.EmailConfirmationToken == token {
			account.IsEmailConfirmed = true
			account.EmailConfirmationToken = nil
			account.UpdatedAt = now
			return copyAccount(account), nil
		}
	}
	return Account{}, ErrNotFound
}

func (s *memoryStore) SetPasswordReset(_ context.Context, id int64, token string, expires time.Time, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	account.PasswordResetToken = &token
	account.PasswordResetExpires = &expires
	account.UpdatedAt = now
	return nil
}

func (s *memoryStore) CompletePasswordReset(_ context.Context, id int64, token string, hash []byte, now time.Time) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[id]
	if !ok || account.PasswordResetToken == nil || *account.PasswordResetToken != token {
		return Account{}, ErrNotFound
	}
	account.PasswordHash = hash
	account.PasswordResetToken = nil
	account.PasswordResetExpires = nil
	account.UpdatedAt = now
	return copyAccount(account), nil
}

func (s *memoryStore) get(id int64) Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyAccount(s.accounts[id])
}

// put stores account as-is, for tests that need a specific starting state.
func (s *memoryStore) put(account Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if account.ID > s.nextID {
		s.nextID = account.ID
	}
	stored := copyAccount(&account)
	s.accounts[account.ID] = &stored
}
