package user

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/mail"
	"regexp"
	"time"

	"github.com/alttpr-multiworld/server/pkg/config"
	"github.com/alttpr-multiworld/server/pkg/database"
	"golang.org/x/crypto/argon2"
)

// User is an account in the multiworld server's auth store (SPEC_FULL §4.7).
// Bots (used for rooms that relay through a single automated client) carry
// a BotOwnerID pointing back to the human account that registered them.
type User struct {
	ID                  int        `json:"id" db:"id"`
	Username            string     `json:"username" db:"username"`
	Email               string     `json:"email,omitempty" db:"email"`
	PasswordHash        string     `json:"-" db:"password_hash"`
	Salt                string     `json:"-" db:"salt"`
	IsSuperuser         bool       `json:"is_superuser" db:"is_superuser"`
	BotOwnerID          *int       `json:"bot_owner_id,omitempty" db:"bot_owner_id"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	LastLogin           *time.Time `json:"last_login,omitempty" db:"last_login"`
	FailedLoginAttempts int        `json:"-" db:"failed_login_attempts"`
	AccountLocked       bool       `json:"account_locked" db:"account_locked"`
	LockedUntil         *time.Time `json:"-" db:"locked_until"`
	IsActive            bool       `json:"is_active" db:"is_active"`
}

// IsBot reports whether this account is an automated bot owned by another user.
func (u *User) IsBot() bool {
	return u.BotOwnerID != nil
}

// RegistrationRequest represents a user registration request.
type RegistrationRequest struct {
	Username        string `json:"username"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
	Email           string `json:"email,omitempty"`
	BotOwnerID      *int   `json:"bot_owner_id,omitempty"`
}

// RegistrationResponse represents a registration response.
type RegistrationResponse struct {
	Success bool              `json:"success"`
	User    *User             `json:"user,omitempty"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Service manages user accounts, credentials, and login-attempt bookkeeping.
type Service struct {
	db         *database.Connection
	authConfig *config.AuthConfig
}

// NewService creates a new user service.
func NewService(db *database.Connection, authCfg *config.AuthConfig) (*Service, error) {
	service := &Service{
		db:         db,
		authConfig: authCfg,
	}
	return service, nil
}

// RegisterUser registers a new user.
func (s *Service) RegisterUser(ctx context.Context, req *RegistrationRequest) (*RegistrationResponse, error) {
	if errors := s.validateRegistrationRequest(req); len(errors) > 0 {
		return &RegistrationResponse{
			Success: false,
			Message: "Validation failed",
			Errors:  errors,
		}, nil
	}

	if exists, err := s.usernameExists(ctx, req.Username); err != nil {
		return nil, fmt.Errorf("failed to check username existence: %w", err)
	} else if exists {
		return &RegistrationResponse{
			Success: false,
			Message: "Username already exists",
			Errors: []ValidationError{
				{Field: "username", Message: "Username already taken", Code: "USERNAME_EXISTS"},
			},
		}, nil
	}

	passwordHash, salt, err := s.hashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now()
	user := &User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: passwordHash,
		Salt:         salt,
		BotOwnerID:   req.BotOwnerID,
		CreatedAt:    now,
		IsActive:     true,
	}

	query := `
		INSERT INTO users (username, email, password_hash, salt, bot_owner_id, created_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		user.Username, user.Email, user.PasswordHash, user.Salt, user.BotOwnerID, user.CreatedAt, user.IsActive)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}

	userID, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get user ID: %w", err)
	}
	user.ID = int(userID)

	return &RegistrationResponse{
		Success: true,
		User:    user,
		Message: "Registration successful",
	}, nil
}

func (s *Service) validateRegistrationRequest(req *RegistrationRequest) []ValidationError {
	var errors []ValidationError

	if usernameErrors := s.validateUsername(req.Username); len(usernameErrors) > 0 {
		errors = append(errors, usernameErrors...)
	}

	if passwordErrors := s.validatePassword(req.Password); len(passwordErrors) > 0 {
		errors = append(errors, passwordErrors...)
	}

	if req.Password != req.PasswordConfirm {
		errors = append(errors, ValidationError{
			Field:   "password_confirm",
			Message: "Passwords do not match",
			Code:    "PASSWORD_MISMATCH",
		})
	}

	if req.Email != "" {
		if emailErrors := s.validateEmail(req.Email); len(emailErrors) > 0 {
			errors = append(errors, emailErrors...)
		}
	}

	return errors
}

func (s *Service) validateUsername(username string) []ValidationError {
	var errors []ValidationError

	if username == "" {
		errors = append(errors, ValidationError{
			Field: "username", Message: "Username is required", Code: "USERNAME_REQUIRED",
		})
		return errors
	}

	if len(username) < 3 {
		errors = append(errors, ValidationError{
			Field: "username", Message: "Username must be at least 3 characters long", Code: "USERNAME_TOO_SHORT",
		})
	}

	if len(username) > 30 {
		errors = append(errors, ValidationError{
			Field: "username", Message: "Username must be no more than 30 characters long", Code: "USERNAME_TOO_LONG",
		})
	}

	validUsername := regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
	if !validUsername.MatchString(username) {
		errors = append(errors, ValidationError{
			Field: "username", Message: "Username can only contain letters, numbers, and underscores", Code: "USERNAME_INVALID_CHARS",
		})
	}

	return errors
}

func (s *Service) validatePassword(password string) []ValidationError {
	var errors []ValidationError

	if password == "" {
		errors = append(errors, ValidationError{
			Field: "password", Message: "Password is required", Code: "PASSWORD_REQUIRED",
		})
		return errors
	}

	if len(password) < 6 {
		errors = append(errors, ValidationError{
			Field: "password", Message: "Password must be at least 6 characters long", Code: "PASSWORD_TOO_SHORT",
		})
	}

	return errors
}

func (s *Service) validateEmail(email string) []ValidationError {
	var errors []ValidationError

	if email == "" {
		return errors
	}

	if _, err := mail.ParseAddress(email); err != nil {
		errors = append(errors, ValidationError{
			Field: "email", Message: "Invalid email format", Code: "EMAIL_INVALID",
		})
	}

	return errors
}

func (s *Service) usernameExists(ctx context.Context, username string) (bool, error) {
	var count int
	query := "SELECT COUNT(*) FROM users WHERE username = ?"
	err := s.db.QueryRowContext(ctx, query, username).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// hashPassword hashes a password using Argon2id.
func (s *Service) hashPassword(password string) (string, string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", "", err
	}

	hash := argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32)

	return hex.EncodeToString(hash), hex.EncodeToString(salt), nil
}

func verifyPassword(password, saltHex, hashHex string) bool {
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}

	hash, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}

	providedHash := argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32)

	return subtle.ConstantTimeCompare(hash, providedHash) == 1
}

// AuthenticateUser authenticates a user by username/password and manages
// lockout bookkeeping (SPEC_FULL §4.7).
func (s *Service) AuthenticateUser(ctx context.Context, username, password string) (*User, error) {
	query := `
		SELECT id, username, email, password_hash, salt, is_superuser, bot_owner_id,
			   created_at, last_login, failed_login_attempts,
			   account_locked, locked_until, is_active
		FROM users
		WHERE username = ? AND is_active = TRUE
	`

	var user User
	var lastLogin, lockedUntil sql.NullTime
	var botOwnerID sql.NullInt64

	err := s.db.QueryRowContext(ctx, query, username).Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.Salt,
		&user.IsSuperuser, &botOwnerID, &user.CreatedAt,
		&lastLogin, &user.FailedLoginAttempts,
		&user.AccountLocked, &lockedUntil, &user.IsActive,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("username_not_found")
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	if lastLogin.Valid {
		user.LastLogin = &lastLogin.Time
	}
	if lockedUntil.Valid {
		user.LockedUntil = &lockedUntil.Time
	}
	if botOwnerID.Valid {
		id := int(botOwnerID.Int64)
		user.BotOwnerID = &id
	}

	if user.AccountLocked && user.LockedUntil != nil && time.Now().Before(*user.LockedUntil) {
		return nil, fmt.Errorf("account_locked")
	}

	if !verifyPassword(password, user.Salt, user.PasswordHash) {
		if err := s.incrementFailedLoginAttempts(ctx, user.ID); err != nil {
			return nil, fmt.Errorf("invalid_password: %w", err)
		}
		return nil, fmt.Errorf("invalid_password")
	}

	if err := s.resetFailedLoginAttempts(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("failed to reset failed login attempts: %w", err)
	}

	if err := s.updateLastLogin(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("failed to update last login: %w", err)
	}

	return &user, nil
}

func (s *Service) updateLastLogin(ctx context.Context, userID int) error {
	query := `UPDATE users SET last_login = CURRENT_TIMESTAMP WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query, userID)
	return err
}

// GetUserByID retrieves a user by ID.
func (s *Service) GetUserByID(ctx context.Context, userID int) (*User, error) {
	return s.getUserBy(ctx, "id", userID)
}

// GetUserByUsername retrieves a user by username.
func (s *Service) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getUserBy(ctx, "username", username)
}

func (s *Service) getUserBy(ctx context.Context, column string, value interface{}) (*User, error) {
	query := fmt.Sprintf(`
		SELECT id, username, email, password_hash, salt, is_superuser, bot_owner_id,
			   created_at, last_login, failed_login_attempts,
			   account_locked, locked_until, is_active
		FROM users
		WHERE %s = ?
	`, column)

	var user User
	var lastLogin, lockedUntil sql.NullTime
	var botOwnerID sql.NullInt64

	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.Salt,
		&user.IsSuperuser, &botOwnerID, &user.CreatedAt,
		&lastLogin, &user.FailedLoginAttempts,
		&user.AccountLocked, &lockedUntil, &user.IsActive,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("user not found")
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	if lastLogin.Valid {
		user.LastLogin = &lastLogin.Time
	}
	if lockedUntil.Valid {
		user.LockedUntil = &lockedUntil.Time
	}
	if botOwnerID.Valid {
		id := int(botOwnerID.Int64)
		user.BotOwnerID = &id
	}

	return &user, nil
}

// IsAdmin reports whether this account has superuser privileges.
func (u *User) IsAdmin() bool {
	return u.IsSuperuser
}

// UnlockUserAccount unlocks a user account.
func (s *Service) UnlockUserAccount(ctx context.Context, username string) error {
	query := `
		UPDATE users
		SET account_locked = FALSE, locked_until = NULL, failed_login_attempts = 0
		WHERE username = ?
	`
	result, err := s.db.ExecContext(ctx, query, username)
	if err != nil {
		return fmt.Errorf("failed to unlock user account: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("user not found: %s", username)
	}

	return nil
}

// ResetUserPassword resets a user's password.
func (s *Service) ResetUserPassword(ctx context.Context, username, newPassword string) error {
	if errors := s.validatePassword(newPassword); len(errors) > 0 {
		return fmt.Errorf("invalid password: %s", errors[0].Message)
	}

	passwordHash, salt, err := s.hashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	query := `UPDATE users SET password_hash = ?, salt = ? WHERE username = ?`
	result, err := s.db.ExecContext(ctx, query, passwordHash, salt, username)
	if err != nil {
		return fmt.Errorf("failed to reset user password: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("user not found: %s", username)
	}

	return nil
}

// PromoteToSuperuser grants superuser privileges to a user.
func (s *Service) PromoteToSuperuser(ctx context.Context, username string) error {
	query := "UPDATE users SET is_superuser = TRUE WHERE username = ?"
	_, err := s.db.ExecContext(ctx, query, username)
	return err
}
