// Package room holds the authoritative folder snapshot for each room,
// backed by a write-through to the database. Folder replacement is
// last-write-wins over the entire value: the server never merges or
// diffs, every accepted update is the new ground truth in full.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/codesathi/backend/internal/apperror"
	"github.com/codesathi/backend/internal/db"
	"github.com/codesathi/backend/internal/tree"
)

// Room is the authoritative view handed to callers. Folder is always a
// deep copy; callers never share nodes with the store.
type Room struct {
	RoomID    string      `json:"roomId"`
	CreatedBy string      `json:"createdBy"`
	Folder    tree.Folder `json:"folder"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Persistence is the slice of the database the store writes through
// to. *db.Database satisfies it.
type Persistence interface {
	InsertRoom(ctx context.Context, roomID, createdBy string, folder []byte) error
	GetRoom(ctx context.Context, roomID string) (*db.Room, error)
	UpdateRoomFolder(ctx context.Context, roomID string, folder []byte) error
	DeleteRoom(ctx context.Context, roomID string) error
}

type Store struct {
	mu       sync.RWMutex
	rooms    map[string]*Room
	database Persistence
	logger   *slog.Logger

	// storage errors get one retry with backoff before surfacing
	retryWait time.Duration
}

func NewStore(database Persistence, logger *slog.Logger) *Store {
	return &Store{
		rooms:     make(map[string]*Room),
		database:  database,
		logger:    logger,
		retryWait: 100 * time.Millisecond,
	}
}

// Create persists a new room. A nil folder gets the default tree. Fails
// with Conflict when the id is already taken.
func (s *Store) Create(ctx context.Context, roomID, createdBy string, folder tree.Folder) (*Room, error) {
	if roomID == "" {
		return nil, apperror.ValidationFailed("roomId", "roomId is required")
	}
	if folder == nil {
		folder = tree.Default()
	}
	if err := folder.Validate(); err != nil {
		return nil, apperror.ValidationFailed("folder", err.Error())
	}

	encoded, err := json.Marshal(folder)
	if err != nil {
		return nil, apperror.ValidationFailed("folder", err.Error())
	}

	if err := s.withRetry(ctx, func() error {
		return s.database.InsertRoom(ctx, roomID, createdBy, encoded)
	}); err != nil {
		return nil, err
	}

	stored, err := s.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return stored.snapshot(), nil
}

// Get returns the room, loading it from the database on a memory miss
// so a restarted server still serves previously created rooms. Fails
// with NotFound when the room does not exist anywhere.
func (s *Store) Get(ctx context.Context, roomID string) (*Room, error) {
	s.mu.RLock()
	cached, ok := s.rooms[roomID]
	s.mu.RUnlock()
	if ok {
		return cached.snapshot(), nil
	}

	stored, err := s.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return stored.snapshot(), nil
}

// ReplaceFolder overwrites the room's entire folder value: persist
// first, then swap the in-memory copy. On storage failure the old value
// is retained and nothing may be broadcast. The stored value is
// returned for fan-out.
func (s *Store) ReplaceFolder(ctx context.Context, roomID string, folder tree.Folder) (tree.Folder, error) {
	if err := folder.Validate(); err != nil {
		return nil, apperror.ValidationFailed("folder", err.Error())
	}

	encoded, err := json.Marshal(folder)
	if err != nil {
		return nil, apperror.ValidationFailed("folder", err.Error())
	}

	if err := s.withRetry(ctx, func() error {
		return s.database.UpdateRoomFolder(ctx, roomID, encoded)
	}); err != nil {
		return nil, err
	}

	stored := folder.Clone()
	now := time.Now().UTC()

	s.mu.Lock()
	if cached, ok := s.rooms[roomID]; ok {
		cached.Folder = stored
		cached.UpdatedAt = now
		s.mu.Unlock()
		return stored.Clone(), nil
	}
	s.mu.Unlock()

	// Memory miss after the update matched a row: reload the full record
	// so the cached room keeps its creation metadata. Caching a partial
	// room here would shadow the database copy for the process lifetime.
	loaded, err := s.load(ctx, roomID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	loaded.Folder = stored
	loaded.UpdatedAt = now
	s.mu.Unlock()

	return stored.Clone(), nil
}

// Delete removes the room from the database and the cache.
func (s *Store) Delete(ctx context.Context, roomID string) error {
	if err := s.database.DeleteRoom(ctx, roomID); err != nil {
		return err
	}
	s.Evict(roomID)
	return nil
}

// Evict drops the in-memory copy only.
func (s *Store) Evict(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

func (s *Store) load(ctx context.Context, roomID string) (*Room, error) {
	record, err := s.database.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, apperror.NotFound("room", roomID)
	}

	var folder tree.Folder
	if err := json.Unmarshal(record.Folder, &folder); err != nil {
		return nil, apperror.Storage("decode folder", err)
	}

	loaded := &Room{
		RoomID:    record.RoomID,
		CreatedBy: record.CreatedBy,
		Folder:    folder,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}

	s.mu.Lock()
	if cached, ok := s.rooms[roomID]; ok {
		// A concurrent ReplaceFolder already put a newer value in
		// memory; keep it.
		loaded = cached
	} else {
		s.rooms[roomID] = loaded
	}
	s.mu.Unlock()

	return loaded, nil
}

// withRetry runs op, retrying once after a short backoff when the
// failure is storage-level. Conflict, NotFound and validation failures
// are never retried.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || !errors.Is(err, apperror.ErrStorage) {
		return err
	}

	s.logger.Warn("storage write failed, retrying once", slog.String("error", err.Error()))
	select {
	case <-ctx.Done():
		return err
	case <-time.After(s.retryWait):
	}
	return op()
}

func (r *Room) snapshot() *Room {
	return &Room{
		RoomID:    r.RoomID,
		CreatedBy: r.CreatedBy,
		Folder:    r.Folder.Clone(),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}
