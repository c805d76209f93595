package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/alttpr-multiworld/server/internal/user"
	"github.com/alttpr-multiworld/server/pkg/config"
	"github.com/alttpr-multiworld/server/pkg/database"
	"github.com/alttpr-multiworld/server/pkg/encryption"
	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims issued on browser login-exchange, resolved back
// to a user on subsequent requests bearing the token (SPEC_FULL §4.7).
type Claims struct {
	jwt.RegisteredClaims
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
}

// Service is the Auth Adapter: it resolves a connecting client's identity
// either from a bearer API key, from a (userId, sessionToken) pair, or from
// a browser-issued JWT, and enforces per-session ACLs.
type Service struct {
	db        *database.Connection
	userSvc   *user.Service
	encryptor *encryption.Encryptor
	logger    *slog.Logger

	jwtSecret             []byte
	jwtIssuer             string
	accessTokenExpiration time.Duration
}

// NewService creates a new Auth Adapter.
func NewService(db *database.Connection, userSvc *user.Service, encryptor *encryption.Encryptor, cfg *config.AuthConfig, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("auth configuration is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}

	expiration, err := time.ParseDuration(cfg.AccessTokenExpiration)
	if err != nil {
		expiration = 24 * time.Hour
	}

	return &Service{
		db:                    db,
		userSvc:               userSvc,
		encryptor:             encryptor,
		logger:                logger,
		jwtSecret:             []byte(cfg.JWTSecret),
		jwtIssuer:             cfg.JWTIssuer,
		accessTokenExpiration: expiration,
	}, nil
}

// Login authenticates by username/password and issues a JWT for subsequent
// browser-side requests (e.g. multidata upload, session administration).
func (s *Service) Login(ctx context.Context, username, password string) (string, *user.User, error) {
	u, err := s.userSvc.AuthenticateUser(ctx, username, password)
	if err != nil {
		return "", nil, err
	}

	token, err := s.createToken(u)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create token: %w", err)
	}

	return token, u, nil
}

func (s *Service) createToken(u *user.User) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.jwtIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTokenExpiration)),
			Subject:   strconv.Itoa(u.ID),
		},
		UserID:   u.ID,
		Username: u.Username,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateAccessToken parses and verifies a JWT issued by Login, returning
// the embedded claims.
func (s *Service) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// ResolveBearer resolves a bearer API key (used by bots and tooling) to the
// owning user, per the Auth Adapter's bearer-or-pair identification rule.
func (s *Service) ResolveBearer(ctx context.Context, apiKey string) (*user.User, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("empty api key")
	}
	hash := hashAPIKey(apiKey)

	var userID int
	query := `SELECT user_id FROM api_keys WHERE key_hash = ? AND revoked = FALSE`
	err := s.db.QueryRowContext(ctx, query, hash).Scan(&userID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("invalid or revoked api key")
		}
		return nil, fmt.Errorf("failed to resolve api key: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = CURRENT_TIMESTAMP WHERE key_hash = ?`, hash); err != nil {
		s.logger.Warn("failed to touch api key last_used_at", "error", err)
	}

	return s.userSvc.GetUserByID(ctx, userID)
}

// sessionTokenExpiryGraceDays is the "+ 1" in SESSION_EXPIRE_DAYS + 1: a
// token older than that many days is rotated on successful use rather than
// rejected.
const sessionTokenExpiryGraceDays = 1

// ResolveSessionToken resolves a (userId, sessionToken) pair: it loads the
// user's stored token ciphertexts, decrypts each with the server key, and
// compares plaintext equality against the presented token. A token older
// than SESSION_EXPIRE_DAYS+1 is rotated (a fresh token replaces it) rather
// than rejected outright, per SPEC_FULL §4.7.
func (s *Service) ResolveSessionToken(ctx context.Context, userID int, sessionToken string, sessionExpireDays int) (*user.User, error) {
	u, err := s.userSvc.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, fmt.Errorf("user account is inactive")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, token_ciphertext, issued_at FROM session_tokens WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session tokens: %w", err)
	}
	defer rows.Close()

	type storedToken struct {
		id        int
		issuedAt  time.Time
		plaintext string
	}

	var matched *storedToken
	for rows.Next() {
		var st storedToken
		var ciphertext string
		if err := rows.Scan(&st.id, &ciphertext, &st.issuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session token: %w", err)
		}
		plaintext, err := s.encryptor.DecryptString(ciphertext)
		if err != nil {
			continue // corrupted or foreign-key ciphertext, skip
		}
		if plaintext == sessionToken {
			st.plaintext = plaintext
			matched = &st
			break
		}
	}

	if matched == nil {
		return nil, fmt.Errorf("session token not recognized")
	}

	maxAge := time.Duration(sessionExpireDays+sessionTokenExpiryGraceDays) * 24 * time.Hour
	if time.Since(matched.issuedAt) > maxAge {
		if _, err := s.rotateSessionToken(ctx, userID, matched.id); err != nil {
			s.logger.Warn("failed to rotate expired session token", "user_id", userID, "error", err)
		}
	}

	return u, nil
}

// IssueSessionToken mints and stores a new encrypted session token for a user.
func (s *Service) IssueSessionToken(ctx context.Context, userID int) (string, error) {
	rawToken, err := generateAPIKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}

	ciphertext, err := s.encryptor.EncryptString(rawToken)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt session token: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO session_tokens (user_id, token_ciphertext) VALUES (?, ?)`, userID, ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to store session token: %w", err)
	}

	return rawToken, nil
}

func (s *Service) rotateSessionToken(ctx context.Context, userID, tokenID int) (string, error) {
	rawToken, err := generateAPIKey()
	if err != nil {
		return "", err
	}
	ciphertext, err := s.encryptor.EncryptString(rawToken)
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE session_tokens SET token_ciphertext = ?, issued_at = CURRENT_TIMESTAMP WHERE id = ?`,
		ciphertext, tokenID)
	if err != nil {
		return "", err
	}

	return rawToken, nil
}

// IssueAPIKey mints a new API key for a user, storing only its hash.
func (s *Service) IssueAPIKey(ctx context.Context, userID int, label string) (string, error) {
	rawKey, err := generateAPIKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}

	query := `INSERT INTO api_keys (user_id, key_hash, label) VALUES (?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query, userID, hashAPIKey(rawKey), label)
	if err != nil {
		return "", fmt.Errorf("failed to store api key: %w", err)
	}

	return rawKey, nil
}

// IsSessionMember reports whether a user is a registered player or owner of
// a session. The WebSocket AUTHZ step does not call it.
func (s *Service) IsSessionMember(ctx context.Context, sessionID, userID int) (bool, error) {
	var count int
	query := `
		SELECT COUNT(*) FROM user_sessions WHERE session_id = ? AND user_id = ?
		UNION ALL
		SELECT COUNT(*) FROM owned_sessions WHERE session_id = ? AND user_id = ?
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID, userID, sessionID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to check session membership: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c int
		if err := rows.Scan(&c); err != nil {
			return false, err
		}
		count += c
	}

	return count > 0, nil
}

// IsSessionOwner reports whether a user administers a session (can kick,
// call adminSend, and pass the allow-list).
func (s *Service) IsSessionOwner(ctx context.Context, sessionID, userID int) (bool, error) {
	var count int
	query := `SELECT COUNT(*) FROM owned_sessions WHERE session_id = ? AND user_id = ?`
	err := s.db.QueryRowContext(ctx, query, sessionID, userID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check session ownership: %w", err)
	}
	return count > 0, nil
}

func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func generateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
