package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const accountColumns = `id, username, email, password_hash, email_confirmation_token, is_email_confirmed,
		password_reset_token, password_reset_expires, created_at, updated_at`

const uniqueViolation = "23505"

type Repository struct {
	db *sql.DB
}

type CleanupResult struct {
	ClearedResetTokens int64 `json:"cleared_reset_tokens"`
	DeletedIPLimits    int64 `json:"deleted_ip_limits"`
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var (
		account           Account
		confirmationToken sql.NullString
		resetToken        sql.NullString
		resetExpires      sql.NullTime
	)
	err := row.Scan(
		&account.ID,
		&account.Username,
		&account.Email,
		&account.PasswordHash,
		&confirmationToken,
		&account.IsEmailConfirmed,
		&resetToken,
		&resetExpires,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return Account{}, err
	}

	if confirmationToken.Valid {
		value := confirmationToken.String
		account.EmailConfirmationToken = &value
	}
	if resetToken.Valid {
		value := resetToken.String
		account.PasswordResetToken = &value
	}
	if resetExpires.Valid {
		value := resetExpires.Time.UTC()
		account.PasswordResetExpires = &value
	}

	return account, nil
}

func (r *Repository) findOne(ctx context.Context, field string, value any) (Account, error) {
	account, err := scanAccount(r.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM users
		WHERE `+field+` = $1
	`, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("query user by %s: %w", field, err)
	}
	return account, nil
}

// findOneFold matches column case-insensitively, backed by the LOWER() unique
// indexes on username and email.
func (r *Repository) findOneFold(ctx context.Context, column, value string) (Account, error) {
	account, err := scanAccount(r.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM users
		WHERE LOWER(`+column+`) = LOWER($1)
	`, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("query user by %s: %w", column, err)
	}
	return account, nil
}

func (r *Repository) FindByID(ctx context.Context, id int64) (Account, error) {
	return r.findOne(ctx, "id", id)
}

func (r *Repository) FindByUsername(ctx context.Context, username string) (Account, error) {
	return r.findOneFold(ctx, "username", username)
}

func (r *Repository) FindByEmail(ctx context.Context, email string) (Account, error) {
	return r.findOneFold(ctx, "email", email)
}

func (r *Repository) FindByEmailConfirmationToken(ctx context.Context, token string) (Account, error) {
	return r.findOne(ctx, "email_confirmation_token", token)
}

func (r *Repository) FindByPasswordResetToken(ctx context.Context, token string) (Account, error) {
	return r.findOne(ctx, "password_reset_token", token)
}

func (r *Repository) Insert(ctx context.Context, account NewAccount, now time.Time) (Account, error) {
	created, err := scanAccount(r.db.QueryRowContext(ctx, `
		INSERT INTO users (username, email, password_hash, email_confirmation_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING `+accountColumns,
		account.Username, account.Email, account.PasswordHash, account.EmailConfirmationToken, now.UTC()))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Account{}, ErrDuplicateAccount
		}
		return Account{}, fmt.Errorf("insert user: %w", err)
	}
	return created, nil
}

func (r *Repository) SetEmailConfirmationToken(ctx context.Context, id int64, token string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET email_confirmation_token = $2, updated_at = $3
		WHERE id = $1
	`, id, token, now.UTC())
	if err != nil {
		return fmt.Errorf("set email confirmation token: %w", err)
	}
	return requireAffected(res)
}

// ConfirmEmail marks the holder of token as confirmed and clears the token in
// the same statement, so a token can be redeemed once.
func (r *Repository) ConfirmEmail(ctx context.Context, token string, now time.Time) (Account, error) {
	account, err := scanAccount(r.db.QueryRowContext(ctx, `
		UPDATE users
		SET is_email_confirmed = TRUE, email_confirmation_token = NULL, updated_at = $2
		WHERE email_confirmation_token = $1
		RETURNING `+accountColumns,
		token, now.UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("confirm email: %w", err)
	}
	return account, nil
}

func (r *Repository) SetPasswordReset(ctx context.Context, id int64, token string, expires time.Time, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET password_reset_token = $2, password_reset_expires = $3, updated_at = $4
		WHERE id = $1
	`, id, token, expires.UTC(), now.UTC())
	if err != nil {
		return fmt.Errorf("set password reset token: %w", err)
	}
	return requireAffected(res)
}

// CompletePasswordReset replaces the hash only while token is still the live
// reset token of the account; a concurrent re-issue makes it ErrNotFound.
func (r *Repository) CompletePasswordReset(ctx context.Context, id int64, token string, hash []byte, now time.Time) (Account, error) {
	account, err := scanAccount(r.db.QueryRowContext(ctx, `
		UPDATE users
		SET password_hash = $3, password_reset_token = NULL, password_reset_expires = NULL, updated_at = $4
		WHERE id = $1 AND password_reset_token = $2
		RETURNING `+accountColumns,
		id, token, hash, now.UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("complete password reset: %w", err)
	}
	return account, nil
}

// AllowIP counts one hit for ip under scope in a fixed window and reports
// whether it is within maxHits along with the running hit count.
func (r *Repository) AllowIP(ctx context.Context, scope, ip string, maxHits int, window time.Duration, now time.Time) (bool, int, time.Duration, error) {
	threshold := now.UTC().Add(-window)

	var hits int
	var windowStartedAt time.Time
	err := r.db.QueryRowContext(ctx, `
		WITH upsert AS (
			INSERT INTO auth_ip_limits (scope, ip, window_started_at, hits, updated_at)
			VALUES ($1, $2, $3, 1, $3)
			ON CONFLICT (scope, ip) DO UPDATE
			SET
				hits = CASE
					WHEN auth_ip_limits.window_started_at <= $4 THEN 1
					ELSE auth_ip_limits.hits + 1
				END,
				window_started_at = CASE
					WHEN auth_ip_limits.window_started_at <= $4 THEN $3
					ELSE auth_ip_limits.window_started_at
				END,
				updated_at = $3
			RETURNING hits, window_started_at
		)
		SELECT hits, window_started_at FROM upsert
	`, scope, ip, now.UTC(), threshold).Scan(&hits, &windowStartedAt)
	if err != nil {
		return false, 0, 0, fmt.Errorf("upsert ip rate limit: %w", err)
	}

	if hits <= maxHits {
		return true, hits, 0, nil
	}

	retryAfter := windowStartedAt.Add(window).Sub(now.UTC())
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	return false, hits, retryAfter, nil
}

func (r *Repository) CleanupStaleAuthData(ctx context.Context, limitRetention time.Duration, batchSize int, now time.Time) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if limitRetention <= 0 {
		limitRetention = 7 * 24 * time.Hour
	}

	cleared, err := r.clearExpiredResetTokens(ctx, now.UTC(), batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deleted, err := r.deleteStaleIPLimits(ctx, now.UTC().Add(-limitRetention), batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		ClearedResetTokens: cleared,
		DeletedIPLimits:    deleted,
	}, nil
}

func (r *Repository) clearExpiredResetTokens(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM users
			WHERE password_reset_expires IS NOT NULL AND password_reset_expires < $1
			ORDER BY password_reset_expires ASC
			LIMIT $2
		)
		UPDATE users u
		SET password_reset_token = NULL, password_reset_expires = NULL
		FROM stale
		WHERE u.id = stale.id
	`, now, batchSize)
	if err != nil {
		return 0, fmt.Errorf("clear expired reset tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired reset tokens rows affected: %w", err)
	}

	return affected, nil
}

func (r *Repository) deleteStaleIPLimits(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT scope, ip
			FROM auth_ip_limits
			WHERE updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM auth_ip_limits t
		USING stale
		WHERE t.scope = stale.scope AND t.ip = stale.ip
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale ip limits: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale ip limits rows affected: %w", err)
	}

	return affected, nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

var (
	ErrNotFound         = errors.New("account not found")
	ErrDuplicateAccount = errors.New("username or email already taken")
)
