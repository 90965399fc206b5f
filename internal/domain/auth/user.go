package auth

import (
	"context"
	"database/sql"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/matiasleandrokruk/toolforge/internal/domain/apperror"
	"github.com/matiasleandrokruk/toolforge/internal/domain/permission"
	"github.com/matiasleandrokruk/toolforge/internal/infra/sqlite"
	pkgauth "github.com/matiasleandrokruk/toolforge/pkg/auth"
	"github.com/matiasleandrokruk/toolforge/pkg/uuid"
)

// MinPasswordLength applies to every password set through the service.
const MinPasswordLength = 8

// User is the public view of a user account. The password hash never leaves
// this package.
type User struct {
	ID          string          `json:"id"`
	Email       string          `json:"email"`
	Name        string          `json:"name"`
	Role        permission.Role `json:"role"`
	IsActive    bool            `json:"isActive"`
	LastLoginAt *time.Time      `json:"lastLoginAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// CreateUserInput holds the data for a new account. Role defaults to viewer.
type CreateUserInput struct {
	Email    string          `json:"email"`
	Password string          `json:"password"`
	Name     string          `json:"name"`
	Role     permission.Role `json:"role"`
}

// UpdateUserInput changes only the fields that are set.
type UpdateUserInput struct {
	Name     *string          `json:"name"`
	Role     *permission.Role `json:"role"`
	IsActive *bool            `json:"isActive"`
	Password *string          `json:"password"`
}

const userColumns = `id, email, name, role, is_active, last_login_at, created_at, updated_at`

// ListUsers returns every account ordered by email.
func (s *Service) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM user_account ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	out := []*User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// GetUser returns one account.
func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	return s.findUser(ctx, s.db, `WHERE id = ?`, id)
}

// GetUserByEmail returns the account with the given email.
func (s *Service) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.findUser(ctx, s.db, `WHERE email = ?`, normalizeEmail(email))
}

// CreateUser validates in and stores a new active account.
func (s *Service) CreateUser(ctx context.Context, in CreateUserInput) (*User, error) {
	in.Email = normalizeEmail(in.Email)
	in.Name = strings.TrimSpace(in.Name)
	if in.Role == "" {
		in.Role = permission.RoleViewer
	}

	fe := apperror.FieldErrors{}
	if _, err := mail.ParseAddress(in.Email); err != nil || !strings.Contains(in.Email, "@") {
		fe.Add("email", "must be a valid email address")
	}
	if in.Name == "" {
		fe.Add("name", "is required")
	}
	if len(in.Password) < MinPasswordLength {
		fe.Add("password", "must be at least %d characters", MinPasswordLength)
	}
	if !in.Role.Valid() {
		fe.Add("role", "unknown role %q", in.Role)
	}
	if err := fe.Err("invalid user"); err != nil {
		return nil, err
	}

	hash, err := pkgauth.HashPassword(in.Password)
	if err != nil {
		return nil, apperror.Internal("create user", err)
	}

	now := sqlite.FormatTime(s.now())
	id := uuid.New()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_account (id, email, name, role, password_hash, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
	`, id, in.Email, in.Name, string(in.Role), hash, now, now)
	if err != nil {
		if sqlite.IsUniqueViolation(err) {
			return nil, apperror.Conflict("a user with email %s already exists", in.Email)
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return s.GetUser(ctx, id)
}

// UpdateUser applies in to the account. Deactivating an account or changing
// its password revokes all of its refresh tokens.
func (s *Service) UpdateUser(ctx context.Context, id string, in UpdateUserInput) (*User, error) {
	fe := apperror.FieldErrors{}
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		fe.Add("name", "must not be empty")
	}
	if in.Role != nil && !in.Role.Valid() {
		fe.Add("role", "unknown role %q", *in.Role)
	}
	if in.Password != nil && len(*in.Password) < MinPasswordLength {
		fe.Add("password", "must be at least %d characters", MinPasswordLength)
	}
	if err := fe.Err("invalid user"); err != nil {
		return nil, err
	}

	var hash string
	if in.Password != nil {
		var err error
		if hash, err = pkgauth.HashPassword(*in.Password); err != nil {
			return nil, apperror.Internal("update user", err)
		}
	}

	err := sqlite.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		u, err := s.findUser(ctx, tx, `WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if in.Name != nil {
			u.Name = strings.TrimSpace(*in.Name)
		}
		if in.Role != nil {
			u.Role = *in.Role
		}
		revoke := in.Password != nil
		if in.IsActive != nil {
			revoke = revoke || (u.IsActive && !*in.IsActive)
			u.IsActive = *in.IsActive
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE user_account SET name = ?, role = ?, is_active = ?, updated_at = ?
			WHERE id = ?
		`, u.Name, string(u.Role), boolInt(u.IsActive), sqlite.FormatTime(s.now()), id); err != nil {
			return fmt.Errorf("update user: %w", err)
		}
		if hash != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE user_account SET password_hash = ? WHERE id = ?`, hash, id); err != nil {
				return fmt.Errorf("update password: %w", err)
			}
		}
		if revoke {
			if _, err := tx.ExecContext(ctx, `DELETE FROM refresh_token WHERE user_id = ?`, id); err != nil {
				return fmt.Errorf("revoke refresh tokens: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, id)
}

// DeleteUser removes an account and, through the foreign key, its refresh
// tokens. Users cannot delete themselves.
func (s *Service) DeleteUser(ctx context.Context, actorID, id string) error {
	if actorID == id {
		return apperror.Validation("cannot delete user", map[string][]string{
			"id": {"you cannot delete your own account"},
		})
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_account WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n == 0 {
		return apperror.NotFound("user %s not found", id)
	}
	return nil
}

func (s *Service) findUser(ctx context.Context, exec sqlite.Execer, where string, arg any) (*User, error) {
	u, err := scanUser(exec.QueryRowContext(ctx, `SELECT `+userColumns+` FROM user_account `+where, arg))
	if sqlite.IsNoRows(err) {
		return nil, apperror.NotFound("user not found")
	}
	return u, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u                    User
		role                 string
		active               int
		lastLogin            sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &role, &active, &lastLogin, &createdAt, &updatedAt); err != nil {
		if sqlite.IsNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.Role = permission.Role(role)
	u.IsActive = active == 1

	var err error
	if u.CreatedAt, err = sqlite.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("scan user created_at: %w", err)
	}
	if u.UpdatedAt, err = sqlite.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("scan user updated_at: %w", err)
	}
	if lastLogin.Valid {
		t, err := sqlite.ParseTime(lastLogin.String)
		if err != nil {
			return nil, fmt.Errorf("scan user last_login_at: %w", err)
		}
		u.LastLoginAt = &t
	}
	return &u, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
