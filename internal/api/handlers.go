// Package api exposes the REST surface: room lifecycle, user
// upserts, code execution, stats, and the websocket upgrade endpoint.
// Real-time traffic lives on /ws; everything here is request/response.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/codesathi/backend/internal/apperror"
	"github.com/codesathi/backend/internal/config"
	"github.com/codesathi/backend/internal/db"
	"github.com/codesathi/backend/internal/exec"
	"github.com/codesathi/backend/internal/room"
	"github.com/codesathi/backend/internal/tree"
	"github.com/codesathi/backend/internal/ws"
)

type API struct {
	hub      *ws.Hub
	store    *room.Store
	database *db.Database
	runner   exec.Runner
	cfg      *config.Config
	logger   *slog.Logger
}

func New(hub *ws.Hub, store *room.Store, database *db.Database, runner exec.Runner, cfg *config.Config, logger *slog.Logger) *API {
	return &API{
		hub:      hub,
		store:    store,
		database: database,
		runner:   runner,
		cfg:      cfg,
		logger:   logger,
	}
}

func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(a.logger))

	r.Get("/health", a.HealthHandler)
	r.Get("/ws", a.WebSocketHandler)

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", a.StatsHandler)
		r.Get("/settings", a.SettingsHandler)

		r.Post("/rooms", a.CreateRoomHandler)
		r.Get("/rooms/{roomID}", a.GetRoomHandler)
		r.Delete("/rooms/{roomID}", a.DeleteRoomHandler)

		r.Post("/users", a.UpsertUserHandler)
		r.Get("/users", a.GetUserHandler)

		r.Post("/execute", a.ExecuteHandler)
	})

	return r
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"active_rooms":   a.hub.RoomCount(),
		"active_clients": a.hub.ClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if dbStats, err := a.database.GetStats(r.Context()); err == nil {
		stats["total_rooms"] = dbStats["room_count"]
		stats["total_users"] = dbStats["user_count"]
	}

	writeJSON(w, http.StatusOK, stats)
}

// SettingsHandler serves the coalescing windows so every client in a
// deployment debounces the same way.
func (a *API) SettingsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"folderDebounceMs": a.cfg.FolderDebounce.Milliseconds(),
		"cursorDebounceMs": a.cfg.CursorDebounce.Milliseconds(),
		"presenceTtlMs":    a.cfg.PresenceTTL.Milliseconds(),
	})
}

type CreateRoomRequest struct {
	RoomID    string      `json:"roomId"`
	CreatedBy string      `json:"createdBy,omitempty"`
	Folder    tree.Folder `json:"folder,omitempty"`
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperror.ValidationFailed("body", "invalid request body"))
		return
	}

	created, err := a.store.Create(r.Context(), req.RoomID, req.CreatedBy, req.Folder)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	found, err := a.store.Get(r.Context(), roomID)
	if err != nil {
		writeError(w, err)
		return
	}

	// Room fields at the top level, plus the live connection count.
	writeJSON(w, http.StatusOK, struct {
		*room.Room
		ActiveUsers int `json:"activeUsers"`
	}{found, a.hub.ActiveRooms()[roomID]})
}

func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Delete(r.Context(), chi.URLParam(r, "roomID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "room deleted"})
}

type UpsertUserRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (a *API) UpsertUserHandler(w http.ResponseWriter, r *http.Request) {
	var req UpsertUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperror.ValidationFailed("body", "invalid request body"))
		return
	}
	if req.Name == "" {
		writeError(w, apperror.ValidationFailed("name", "name is required"))
		return
	}
	if req.Email == "" {
		writeError(w, apperror.ValidationFailed("email", "email is required"))
		return
	}

	user, err := a.database.UpsertUser(r.Context(), req.Name, req.Email)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}

func (a *API) GetUserHandler(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		writeError(w, apperror.ValidationFailed("email", "email query parameter is required"))
		return
	}

	user, err := a.database.GetUserByEmail(r.Context(), email)
	if err != nil {
		writeError(w, err)
		return
	}
	if user == nil {
		writeError(w, apperror.NotFound("user", email))
		return
	}

	writeJSON(w, http.StatusOK, user)
}

func (a *API) ExecuteHandler(w http.ResponseWriter, r *http.Request) {
	var req exec.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperror.ValidationFailed("body", "invalid request body"))
		return
	}

	result, err := a.runner.Run(r.Context(), req)
	if err != nil {
		a.logger.Error("code execution failed", "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (a *API) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	ws.ServeWs(a.hub, w, r)
}
