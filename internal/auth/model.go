package auth

import "time"

type Account struct {
	ID                     int64
	Username               string
	Email                  string
	PasswordHash           []byte
	EmailConfirmationToken *string
	IsEmailConfirmed       bool
	PasswordResetToken     *string
	PasswordResetExpires   *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

type NewAccount struct {
	Username               string
	Email                  string
	PasswordHash           []byte
	EmailConfirmationToken string
}

type SignupInput struct {
	Username string
	Email    string
	Password string
}
