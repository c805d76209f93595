package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alttpr-multiworld/server/internal/auth"
	"github.com/alttpr-multiworld/server/internal/event"
	"github.com/alttpr-multiworld/server/internal/fanout"
	"github.com/alttpr-multiworld/server/internal/router"
	"github.com/alttpr-multiworld/server/internal/session"
	"github.com/alttpr-multiworld/server/internal/user"
	"github.com/alttpr-multiworld/server/pkg/config"
	"github.com/alttpr-multiworld/server/pkg/database"
	"github.com/alttpr-multiworld/server/pkg/encryption"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStack(t *testing.T) (*Handler, *database.Connection, *user.Service) {
	t.Helper()
	db, err := database.NewConnection(&config.DatabaseConfig{
		Mode: config.DatabaseModeEmbedded,
		Type: "sqlite",
		Embedded: &config.EmbeddedDBConfig{
			Type: "sqlite",
			Path: ":memory:",
		},
	})
	require.NoError(t, err)
	require.NoError(t, database.CreateTables(db))
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	userSvc, err := user.NewService(db, &config.AuthConfig{MaxLoginAttempts: 5, LockoutDuration: "15m"})
	require.NoError(t, err)

	encryptor, err := encryption.New(&config.EncryptionConfig{Key: "MDAwMDAwMDAwMDAwMDAwMDAwMDAwMDAwMDAwMDAwMDA="})
	require.NoError(t, err)

	authSvc, err := auth.NewService(db, userSvc, encryptor, &config.AuthConfig{
		JWTSecret: "test-secret", JWTIssuer: "test", AccessTokenExpiration: "1h",
	}, logger)
	require.NoError(t, err)

	bus := fanout.New(logger, nil)
	eventStore := event.NewSQLStore(db, bus)
	itemRouter := router.New(eventStore, logger, nil)
	sessionStore := session.NewSQLStore(db)

	cfg := &config.SessionManagementConfig{}
	sessionHandler := session.NewHandler(db, sessionStore, eventStore, bus, authSvc, itemRouter, nil, cfg, nil, logger, nil)

	h := NewHandler(db, eventStore, sessionStore, bus, authSvc, itemRouter, sessionHandler, cfg, logger)
	return h, db, userSvc
}

func TestSessionIDFromPath(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/session/42/events", nil)
	req.SetPathValue("id", "42")

	id, ok := sessionIDFromPath(req)
	require.True(t, ok)
	assert.Equal(t, 42, id)

	req.SetPathValue("id", "not-a-number")
	_, ok = sessionIDFromPath(req)
	assert.False(t, ok)
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "", bearerToken(req))

	req.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "abc123", bearerToken(req))
}

func TestHandleLoginIssuesTokenForValidCredentials(t *testing.T) {
	h, _, userSvc := newTestStack(t)
	ctx := context.Background()

	_, err := userSvc.RegisterUser(ctx, &user.RegistrationRequest{
		Username: "alice", Password: "sup3r-secret!", PasswordConfirm: "sup3r-secret!",
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	h.Register(mux)

	body, _ := json.Marshal(map[string]string{"username": "alice", "password": "sup3r-secret!"})
	req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["access_token"])
}

func TestHandleLoginRejectsBadPassword(t *testing.T) {
	h, _, userSvc := newTestStack(t)
	ctx := context.Background()

	_, err := userSvc.RegisterUser(ctx, &user.RegistrationRequest{
		Username: "alice", Password: "sup3r-secret!", PasswordConfirm: "sup3r-secret!",
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	h.Register(mux)

	body, _ := json.Marshal(map[string]string{"username": "alice", "password": "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleEventsRequiresAuth(t *testing.T) {
	h, _, _ := newTestStack(t)
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/session/1/events", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleEventsReturnsSessionHistory(t *testing.T) {
	h, db, userSvc := newTestStack(t)
	ctx := context.Background()

	_, err := userSvc.RegisterUser(ctx, &user.RegistrationRequest{
		Username: "alice", Password: "sup3r-secret!", PasswordConfirm: "sup3r-secret!",
	})
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO games (name, display_name, item_table_path, location_table_path) VALUES ('alttpr', 'ALTTPR', 'x', 'x')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO mwsessions (uuid, game_id) VALUES ('sess-1', 1)`)
	require.NoError(t, err)

	_, err = h.events.Append(ctx, &event.Event{SessionID: 1, EventType: event.TypeChat, FromPlayer: 1, ToPlayer: event.AnyPlayer, EventData: "hi"})
	require.NoError(t, err)

	mux := http.NewServeMux()
	h.Register(mux)

	loginBody, _ := json.Marshal(map[string]string{"username": "alice", "password": "sup3r-secret!"})
	loginReq := httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(loginBody))
	loginRec := httptest.NewRecorder()
	mux.ServeHTTP(loginRec, loginReq)
	require.Equal(t, http.StatusOK, loginRec.Code)

	var loginResp map[string]interface{}
	require.NoError(t, json.Unmarshal(loginRec.Body.Bytes(), &loginResp))
	token := loginResp["access_token"].(string)

	req := httptest.NewRequest(http.MethodGet, "/session/1/events", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var events []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "chat", events[0]["EventType"])
}
