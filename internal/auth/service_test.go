package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"os"
	"testing"

	"github.com/alttpr-multiworld/server/internal/user"
	"github.com/alttpr-multiworld/server/pkg/config"
	"github.com/alttpr-multiworld/server/pkg/database"
	"github.com/alttpr-multiworld/server/pkg/encryption"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomEncryptionKey(t *testing.T) string {
	t.Helper()
	buf := make([]byte, 32)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(buf)
}

func setupTestService(t *testing.T) (*Service, *user.Service, *database.Connection, func()) {
	dbConfig := &config.DatabaseConfig{
		Mode: config.DatabaseModeEmbedded,
		Type: "sqlite",
		Embedded: &config.EmbeddedDBConfig{
			Type: "sqlite",
			Path: ":memory:",
		},
	}

	db, err := database.NewConnection(dbConfig)
	require.NoError(t, err)
	require.NoError(t, database.CreateTables(db))

	encryptionConfig := &config.EncryptionConfig{
		Enabled: true,
		Key:     randomEncryptionKey(t),
	}

	encryptor, err := encryption.New(encryptionConfig)
	require.NoError(t, err)

	authConfig := &config.AuthConfig{
		JWTSecret:              "test-secret-key-for-testing-only",
		JWTIssuer:              "multiworld-server-test",
		AccessTokenExpiration:  "15m",
		SessionTokenExpireDays: 30,
		MaxLoginAttempts:       5,
		LockoutDuration:        "15m",
	}

	userService, err := user.NewService(db, authConfig)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))

	authService, err := NewService(db, userService, encryptor, authConfig, logger)
	require.NoError(t, err)

	cleanup := func() {
		db.Close()
	}

	return authService, userService, db, cleanup
}

func TestService_Login_Success(t *testing.T) {
	authService, userService, _, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()

	regResp, err := userService.RegisterUser(ctx, &user.RegistrationRequest{
		Username:        "testuser",
		Password:        "testpass123",
		PasswordConfirm: "testpass123",
		Email:           "test@example.com",
	})
	require.NoError(t, err)
	require.True(t, regResp.Success)

	token, u, err := authService.Login(ctx, "testuser", "testpass123")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, "testuser", u.Username)
}

func TestService_Login_WrongPassword(t *testing.T) {
	authService, userService, _, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()

	_, err := userService.RegisterUser(ctx, &user.RegistrationRequest{
		Username:        "testuser",
		Password:        "testpass123",
		PasswordConfirm: "testpass123",
	})
	require.NoError(t, err)

	_, _, err = authService.Login(ctx, "testuser", "wrongpassword")
	assert.Error(t, err)
}

func TestService_ValidateAccessToken(t *testing.T) {
	authService, userService, _, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()

	_, err := userService.RegisterUser(ctx, &user.RegistrationRequest{
		Username:        "testuser",
		Password:        "testpass123",
		PasswordConfirm: "testpass123",
	})
	require.NoError(t, err)

	token, u, err := authService.Login(ctx, "testuser", "testpass123")
	require.NoError(t, err)

	claims, err := authService.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, claims.UserID)
	assert.Equal(t, "testuser", claims.Username)
}

func TestService_ValidateAccessToken_Invalid(t *testing.T) {
	authService, _, _, cleanup := setupTestService(t)
	defer cleanup()

	_, err := authService.ValidateAccessToken("not-a-real-token")
	assert.Error(t, err)
}

func TestService_IssueAndResolveAPIKey(t *testing.T) {
	authService, userService, _, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()

	regResp, err := userService.RegisterUser(ctx, &user.RegistrationRequest{
		Username:        "botuser",
		Password:        "testpass123",
		PasswordConfirm: "testpass123",
	})
	require.NoError(t, err)

	rawKey, err := authService.IssueAPIKey(ctx, regResp.User.ID, "test bot")
	require.NoError(t, err)
	assert.NotEmpty(t, rawKey)

	resolved, err := authService.ResolveBearer(ctx, rawKey)
	require.NoError(t, err)
	assert.Equal(t, regResp.User.ID, resolved.ID)
}

func TestService_ResolveBearer_Invalid(t *testing.T) {
	authService, _, _, cleanup := setupTestService(t)
	defer cleanup()

	_, err := authService.ResolveBearer(context.Background(), "bogus-key")
	assert.Error(t, err)
}

func TestService_IssueAndResolveSessionToken(t *testing.T) {
	authService, userService, _, cleanup := setupTestService(t)
	defer cleanup()

	ctx := context.Background()

	regResp, err := userService.RegisterUser(ctx, &user.RegistrationRequest{
		Username:        "player1",
		Password:        "testpass123",
		PasswordConfirm: "testpass123",
	})
	require.NoError(t, err)

	token, err := authService.IssueSessionToken(ctx, regResp.User.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	resolved, err := authService.ResolveSessionToken(ctx, regResp.User.ID, token, 30)
	require.NoError(t, err)
	assert.Equal(t, regResp.User.ID, resolved.ID)

	_, err = authService.ResolveSessionToken(ctx, regResp.User.ID, "wrong-token", 30)
	assert.Error(t, err)
}
