// Package multidata implements the Multidata Ingest HTTP endpoint
// (SPEC_FULL §6): it accepts an uploaded, zlib-compressed seed description,
// decodes its names/roms/locations payload, and materializes a new
// multiworld session and its immutable Placement Table.
package multidata

import (
	"compress/zlib"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/alttpr-multiworld/server/internal/router"
	"github.com/alttpr-multiworld/server/internal/session"
	"github.com/alttpr-multiworld/server/pkg/database"
	"github.com/google/uuid"
)

// maxUploadBytes bounds the decompressed payload size (SPEC_FULL §6: "≤ 10 MiB").
const maxUploadBytes = 10 << 20

// seedFile is the decompressed multidata JSON shape.
type seedFile struct {
	Names     [][]string `json:"names"`
	Roms      [][]string `json:"roms"`
	Locations [][2][2]int `json:"locations"`
}

// Handler serves POST /multidata.
type Handler struct {
	db     *database.Connection
	logger *slog.Logger
}

// NewHandler creates a Multidata Ingest handler.
func NewHandler(db *database.Connection, logger *slog.Logger) *Handler {
	return &Handler{db: db, logger: logger}
}

type uploadResponse struct {
	MWSession string `json:"mw_session,omitempty"`
	Password  string `json:"password,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ServeHTTP handles POST /multidata: multipart form with `file`, `game`,
// optional `password`.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		h.respondError(w, http.StatusBadRequest, "upload too large or malformed")
		return
	}

	gameName := r.FormValue("game")
	if gameName == "" {
		h.respondError(w, http.StatusBadRequest, "missing game")
		return
	}
	password := r.FormValue("password")

	file, _, err := r.FormFile("file")
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "missing file")
		return
	}
	defer file.Close()

	seed, err := decodeSeed(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	mwSession, err := h.createSession(r.Context(), gameName, password, seed)
	if err != nil {
		h.logger.Error("multidata: create session failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(uploadResponse{MWSession: mwSession, Password: password})
}

func (h *Handler) respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(uploadResponse{Error: msg})
}

// decodeSeed zlib-decompresses the upload and decodes its JSON body,
// following original_source's multidata decompress-then-json-load pipeline.
func decodeSeed(body io.Reader) (*seedFile, error) {
	zr, err := zlib.NewReader(body)
	if err != nil {
		return nil, fmt.Errorf("not a valid zlib stream")
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, maxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress upload")
	}
	if len(raw) > maxUploadBytes {
		return nil, fmt.Errorf("decompressed payload exceeds size limit")
	}

	var seed seedFile
	if err := json.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("malformed multidata json")
	}
	if len(seed.Names) == 0 || len(seed.Names[0]) == 0 {
		return nil, fmt.Errorf("multidata missing names[0]")
	}
	return &seed, nil
}

func (h *Handler) createSession(ctx context.Context, gameName, password string, seed *seedFile) (string, error) {
	var gameID int
	err := h.db.QueryRowContext(ctx, `SELECT id FROM games WHERE name = ?`, gameName).Scan(&gameID)
	if err != nil {
		return "", fmt.Errorf("unknown game %q: %w", gameName, err)
	}

	romNames := make([]string, 0, len(seed.Roms))
	for _, rom := range seed.Roms {
		if len(rom) >= 3 {
			romNames = append(romNames, rom[2])
		}
	}
	romNamesJSON, err := json.Marshal(romNames)
	if err != nil {
		return "", err
	}

	entries := make([]router.PlacementEntry, 0, len(seed.Locations))
	for _, loc := range seed.Locations {
		entries = append(entries, router.PlacementEntry{
			LocationID: loc[0][0], Finder: loc[0][1],
			ItemID: loc[1][0], Recipient: loc[1][1],
		})
	}
	placementsJSON, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}

	var passwordHash interface{}
	if password != "" {
		passwordHash = session.HashSessionPassword(password)
	}

	sessionUUID := uuid.New().String()

	_, err = h.db.ExecContext(ctx,
		`INSERT INTO mwsessions (uuid, game_id, status, password_hash, rom_names, placements)
		 VALUES (?, ?, 'open', ?, ?, ?)`,
		sessionUUID, gameID, passwordHash, string(romNamesJSON), string(placementsJSON))
	if err != nil {
		return "", fmt.Errorf("failed to insert session: %w", err)
	}

	return sessionUUID, nil
}

