// Package db is the write-through persistence layer: rooms with their
// folder snapshots, and users keyed by email. SQLite in WAL mode.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/codesathi/backend/internal/apperror"
)

type Database struct {
	db     *sql.DB
	logger *slog.Logger
}

type Room struct {
	RoomID    string
	CreatedBy string
	Folder    []byte // JSON-encoded tree
	CreatedAt time.Time
	UpdatedAt time.Time
}

type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func New(dbPath string, logger *slog.Logger) (*Database, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer connection; sqlite serializes writes anyway and this
	// keeps per-connection pragmas in force for every statement.
	db.SetMaxOpenConns(1)

	// WAL mode for concurrent readers alongside the write-through.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}
	// Contending writers wait instead of failing with SQLITE_BUSY.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	logger.Info("database initialized", slog.String("path", dbPath))
	return &Database{db: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		room_id TEXT PRIMARY KEY,
		created_by TEXT NOT NULL DEFAULT '',
		folder TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_updated_at ON rooms(updated_at);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Room operations

// InsertRoom creates a room record. Returns Conflict if the id is taken.
func (d *Database) InsertRoom(ctx context.Context, roomID, createdBy string, folder []byte) error {
	res, err := d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO rooms (room_id, created_by, folder) VALUES (?, ?, ?)",
		roomID, createdBy, string(folder),
	)
	if err != nil {
		return apperror.Storage("insert room", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperror.Storage("insert room", err)
	}
	if n == 0 {
		return apperror.Conflict("room", roomID)
	}
	return nil
}

// GetRoom returns nil, nil when the room does not exist.
func (d *Database) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT room_id, created_by, folder, created_at, updated_at FROM rooms WHERE room_id = ?",
		roomID,
	)

	var room Room
	var folder string
	err := row.Scan(&room.RoomID, &room.CreatedBy, &folder, &room.CreatedAt, &room.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.Storage("get room", err)
	}
	room.Folder = []byte(folder)
	return &room, nil
}

// UpdateRoomFolder overwrites the stored folder snapshot in full.
func (d *Database) UpdateRoomFolder(ctx context.Context, roomID string, folder []byte) error {
	res, err := d.db.ExecContext(ctx,
		"UPDATE rooms SET folder = ?, updated_at = CURRENT_TIMESTAMP WHERE room_id = ?",
		string(folder), roomID,
	)
	if err != nil {
		return apperror.Storage("update folder", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperror.Storage("update folder", err)
	}
	if n == 0 {
		return apperror.NotFound("room", roomID)
	}
	return nil
}

func (d *Database) DeleteRoom(ctx context.Context, roomID string) error {
	if _, err := d.db.ExecContext(ctx, "DELETE FROM rooms WHERE room_id = ?", roomID); err != nil {
		return apperror.Storage("delete room", err)
	}
	return nil
}

// ListRoomsIdleBefore returns ids of rooms whose last update is at or
// before the cutoff. Consumed by the janitor.
func (d *Database) ListRoomsIdleBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	// datetime(?, 'unixepoch') yields the same text shape as
	// CURRENT_TIMESTAMP, keeping the comparison driver-agnostic.
	rows, err := d.db.QueryContext(ctx,
		"SELECT room_id FROM rooms WHERE updated_at <= datetime(?, 'unixepoch') ORDER BY updated_at ASC",
		cutoff.UTC().Unix(),
	)
	if err != nil {
		return nil, apperror.Storage("list idle rooms", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperror.Storage("list idle rooms", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// User operations

// UpsertUser finds-or-creates by email and refreshes the display name.
func (d *Database) UpsertUser(ctx context.Context, name, email string) (*User, error) {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO users (name, email) VALUES (?, ?)
		ON CONFLICT(email) DO UPDATE SET
			name = excluded.name,
			updated_at = CURRENT_TIMESTAMP
	`, name, email)
	if err != nil {
		return nil, apperror.Storage("upsert user", err)
	}
	return d.GetUserByEmail(ctx, email)
}

func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, name, email, created_at, updated_at FROM users WHERE email = ?",
		email,
	)

	var u User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.Storage("get user", err)
	}
	return &u, nil
}

// Stats

func (d *Database) GetStats(ctx context.Context) (map[string]int, error) {
	stats := make(map[string]int)

	var roomCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&roomCount); err != nil {
		return nil, fmt.Errorf("counting rooms: %w", err)
	}
	stats["room_count"] = roomCount

	var userCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&userCount); err != nil {
		return nil, fmt.Errorf("counting users: %w", err)
	}
	stats["user_count"] = userCount

	return stats, nil
}
