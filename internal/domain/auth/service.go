// Package auth implements login, refresh token rotation, logout and user
// administration on top of pkg/auth token primitives.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/matiasleandrokruk/toolforge/internal/domain/apperror"
	"github.com/matiasleandrokruk/toolforge/internal/infra/sqlite"
	pkgauth "github.com/matiasleandrokruk/toolforge/pkg/auth"
	"github.com/matiasleandrokruk/toolforge/pkg/uuid"
)

// errInvalidCredentials covers unknown email, inactive account and wrong
// password alike so callers cannot probe which emails exist.
var errInvalidCredentials = apperror.Unauthenticated("invalid credentials")

var errInvalidRefresh = apperror.Unauthenticated("invalid or expired refresh token")

// Client identifies where a session was opened from.
type Client struct {
	IP        string
	UserAgent string
}

// Session is the result of a login or refresh.
type Session struct {
	User             *User     `json:"user"`
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"-"`
	RefreshExpiresAt time.Time `json:"-"`
}

// Service is the auth service backed by SQLite.
type Service struct {
	db     *sql.DB
	issuer *pkgauth.Issuer
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a Service. logger may be nil.
func NewService(db *sql.DB, issuer *pkgauth.Issuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, issuer: issuer, logger: logger, now: time.Now}
}

// Login verifies credentials and opens a session.
func (s *Service) Login(ctx context.Context, email, password string, client Client) (*Session, error) {
	var (
		id, hash string
		active   int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, password_hash, is_active FROM user_account WHERE email = ?
	`, normalizeEmail(email)).Scan(&id, &hash, &active)
	if err != nil {
		if !sqlite.IsNoRows(err) {
			return nil, fmt.Errorf("login: %w", err)
		}
		s.logger.InfoContext(ctx, "login rejected", "reason", "unknown_email")
		return nil, errInvalidCredentials
	}
	if active != 1 {
		s.logger.InfoContext(ctx, "login rejected", "user_id", id, "reason", "inactive")
		return nil, errInvalidCredentials
	}
	// bcrypt comparison is constant-time.
	if !pkgauth.VerifyPassword(hash, password) {
		s.logger.InfoContext(ctx, "login rejected", "user_id", id, "reason", "bad_password")
		return nil, errInvalidCredentials
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE user_account SET last_login_at = ? WHERE id = ?`,
		sqlite.FormatTime(s.now()), id); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	var sess *Session
	err = sqlite.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		sess, err = s.openSession(ctx, tx, id, client)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "login", "user_id", id)
	return sess, nil
}

// Refresh exchanges a valid refresh token for a new session. The old token is
// deleted in the same transaction that stores the new one, so each refresh
// token can be used once.
func (s *Service) Refresh(ctx context.Context, refreshToken string, client Client) (*Session, error) {
	claims, err := s.issuer.ParseRefresh(refreshToken)
	if err != nil {
		return nil, errInvalidRefresh
	}

	var (
		sess     *Session
		rejected bool
	)
	// The presented token is consumed even when the refresh is rejected, so a
	// rejection returns nil to commit the delete.
	err = sqlite.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var userID, expiresAt string
		err := tx.QueryRowContext(ctx, `
			SELECT user_id, expires_at FROM refresh_token WHERE id = ? AND token_hash = ?
		`, claims.ID, pkgauth.HashToken(refreshToken)).Scan(&userID, &expiresAt)
		if sqlite.IsNoRows(err) {
			return errInvalidRefresh
		}
		if err != nil {
			return fmt.Errorf("refresh: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM refresh_token WHERE id = ?`, claims.ID); err != nil {
			return fmt.Errorf("refresh: %w", err)
		}
		exp, err := sqlite.ParseTime(expiresAt)
		if err != nil {
			return fmt.Errorf("refresh: %w", err)
		}
		if !exp.After(s.now()) {
			rejected = true
			return nil
		}

		sess, err = s.openSession(ctx, tx, userID, client)
		if errors.Is(err, apperror.ErrUnauthenticated) {
			rejected = true
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if rejected {
		return nil, errInvalidRefresh
	}
	return sess, nil
}

// Logout revokes one refresh token. Unknown tokens are ignored.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM refresh_token WHERE token_hash = ?`,
		pkgauth.HashToken(refreshToken)); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// LogoutAll revokes every refresh token of the user and returns how many
// sessions were closed.
func (s *Service) LogoutAll(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM refresh_token WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("logout all: %w", err)
	}
	return res.RowsAffected()
}

// Me returns the account of an authenticated user.
func (s *Service) Me(ctx context.Context, userID string) (*User, error) {
	return s.GetUser(ctx, userID)
}

// Authenticate resolves an access token to an active user. Role and email are
// read from storage, not from the token, so role changes apply immediately.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*User, error) {
	claims, err := s.issuer.ParseAccess(accessToken)
	if err != nil {
		return nil, apperror.Unauthenticated("invalid or expired token")
	}
	u, err := s.GetUser(ctx, claims.UserID)
	if errors.Is(err, apperror.ErrNotFound) {
		return nil, apperror.Unauthenticated("user no longer exists")
	}
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, apperror.Unauthenticated("account is disabled")
	}
	return u, nil
}

// PurgeExpiredTokens deletes refresh tokens past their expiry.
func (s *Service) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM refresh_token WHERE expires_at <= ?`, sqlite.FormatTime(s.now()))
	if err != nil {
		return 0, fmt.Errorf("purge refresh tokens: %w", err)
	}
	return res.RowsAffected()
}

// openSession issues an access token and stores a new refresh token for an
// active user.
func (s *Service) openSession(ctx context.Context, tx *sql.Tx, userID string, client Client) (*Session, error) {
	u, err := s.findUser(ctx, tx, `WHERE id = ?`, userID)
	if errors.Is(err, apperror.ErrNotFound) {
		return nil, errInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, errInvalidCredentials
	}

	access, err := s.issuer.IssueAccess(u.ID, u.Email, string(u.Role))
	if err != nil {
		return nil, apperror.Internal("issue access token", err)
	}
	tokenID := uuid.New()
	refresh, expiresAt, err := s.issuer.IssueRefresh(u.ID, tokenID)
	if err != nil {
		return nil, apperror.Internal("issue refresh token", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO refresh_token (id, user_id, token_hash, user_agent, ip, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, tokenID, u.ID, pkgauth.HashToken(refresh), client.UserAgent, client.IP,
		sqlite.FormatTime(expiresAt), sqlite.FormatTime(s.now()))
	if err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	return &Session{User: u, AccessToken: access, RefreshToken: refresh, RefreshExpiresAt: expiresAt}, nil
}
