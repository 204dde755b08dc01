package room

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codesathi/backend/internal/apperror"
	"github.com/codesathi/backend/internal/db"
	"github.com/codesathi/backend/internal/tree"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	return NewStore(database, logger)
}

// flakyDB fails UpdateRoomFolder a set number of times before
// delegating to the real database.
type flakyDB struct {
	Persistence
	failUpdates int
	updateCalls int
}

func (f *flakyDB) UpdateRoomFolder(ctx context.Context, roomID string, folder []byte) error {
	f.updateCalls++
	if f.failUpdates > 0 {
		f.failUpdates--
		return apperror.Storage("update folder", errors.New("disk full"))
	}
	return f.Persistence.UpdateRoomFolder(ctx, roomID, folder)
}

func setupFlakyStore(t *testing.T) (*Store, *flakyDB) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	flaky := &flakyDB{Persistence: database}
	store := NewStore(flaky, logger)
	store.retryWait = time.Millisecond
	return store, flaky
}

func TestCreateUsesDefaultFolder(t *testing.T) {
	store := setupStore(t)

	created, err := store.Create(context.Background(), "r1", "alice@example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, "r1", created.RoomID)
	assert.Equal(t, "alice@example.com", created.CreatedBy)

	node, ok := created.Folder.Get("src/index.js")
	require.True(t, ok)
	assert.Equal(t, "// Welcome to CodeSathi", node.Content)
}

func TestCreateConflict(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "r1", "alice@example.com", nil)
	require.NoError(t, err)

	_, err = store.Create(ctx, "r1", "bob@example.com", nil)
	assert.True(t, errors.Is(err, apperror.ErrConflict))
}

func TestConcurrentCreateSingleWinner(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	const racers = 8
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		go func() {
			_, err := store.Create(ctx, "contested", "", nil)
			results <- err
		}()
	}

	var wins, conflicts int
	for i := 0; i < racers; i++ {
		err := <-results
		switch {
		case err == nil:
			wins++
		case errors.Is(err, apperror.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, wins)
	assert.Equal(t, racers-1, conflicts)
}

func TestCreateValidation(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "", "alice@example.com", nil)
	assert.True(t, errors.Is(err, apperror.ErrValidation))

	bad := tree.Folder{"x": {Type: "symlink"}}
	_, err = store.Create(ctx, "r1", "alice@example.com", bad)
	assert.True(t, errors.Is(err, apperror.ErrValidation))
}

func TestGetNotFound(t *testing.T) {
	store := setupStore(t)

	_, err := store.Get(context.Background(), "ghost")
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestGetSurvivesCacheEviction(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "r1", "alice@example.com", nil)
	require.NoError(t, err)

	// Simulate a restart: memory gone, database intact.
	store.Evict("r1")

	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, got.Folder.Equal(tree.Default()))
}

func TestReplaceFolderLastWriteWins(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "r1", "alice@example.com", nil)
	require.NoError(t, err)

	first := tree.Default()
	require.NoError(t, first.SetFileContent("src/index.js", "a"))
	second := tree.Default()
	require.NoError(t, second.SetFileContent("src/index.js", "b"))

	_, err = store.ReplaceFolder(ctx, "r1", first)
	require.NoError(t, err)
	stored, err := store.ReplaceFolder(ctx, "r1", second)
	require.NoError(t, err)

	node, _ := stored.Get("src/index.js")
	assert.Equal(t, "b", node.Content, "whichever write lands last wins entirely")

	// And the persisted copy agrees after a cache flush.
	store.Evict("r1")
	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	node, _ = got.Folder.Get("src/index.js")
	assert.Equal(t, "b", node.Content)
}

func TestReplaceFolderAfterEvictionKeepsMetadata(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, "r1", "alice@example.com", nil)
	require.NoError(t, err)

	// Restart scenario: the first thing to touch the room is a folder
	// update, before any Get repopulates the cache.
	store.Evict("r1")

	next := tree.Default()
	require.NoError(t, next.SetFileContent("src/index.js", "after restart"))
	_, err = store.ReplaceFolder(ctx, "r1", next)
	require.NoError(t, err)

	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got.CreatedBy)
	assert.False(t, got.CreatedAt.IsZero())
	assert.True(t, got.CreatedAt.Equal(created.CreatedAt))
	node, _ := got.Folder.Get("src/index.js")
	assert.Equal(t, "after restart", node.Content)
}

func TestReplaceFolderRetriesStorageFailureOnce(t *testing.T) {
	store, flaky := setupFlakyStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "r1", "alice@example.com", nil)
	require.NoError(t, err)

	next := tree.Default()
	require.NoError(t, next.SetFileContent("src/index.js", "second try"))

	flaky.failUpdates = 1
	flaky.updateCalls = 0
	stored, err := store.ReplaceFolder(ctx, "r1", next)
	require.NoError(t, err, "a single storage failure is absorbed by the retry")
	assert.Equal(t, 2, flaky.updateCalls)

	node, _ := stored.Get("src/index.js")
	assert.Equal(t, "second try", node.Content)

	// The retried write really reached the database.
	store.Evict("r1")
	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	node, _ = got.Folder.Get("src/index.js")
	assert.Equal(t, "second try", node.Content)
}

func TestReplaceFolderSurfacesStorageFailureAfterRetry(t *testing.T) {
	store, flaky := setupFlakyStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "r1", "alice@example.com", nil)
	require.NoError(t, err)

	next := tree.Default()
	require.NoError(t, next.SetFileContent("src/index.js", "never lands"))

	flaky.failUpdates = 2
	flaky.updateCalls = 0
	_, err = store.ReplaceFolder(ctx, "r1", next)
	assert.True(t, errors.Is(err, apperror.ErrStorage))
	assert.Equal(t, 2, flaky.updateCalls, "one retry, then surface")

	// Old value retained.
	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, got.Folder.Equal(tree.Default()))
}

func TestReplaceFolderUnknownRoom(t *testing.T) {
	store := setupStore(t)

	_, err := store.ReplaceFolder(context.Background(), "ghost", tree.Default())
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestReplaceFolderRejectsMalformedTree(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "r1", "alice@example.com", nil)
	require.NoError(t, err)

	bad := tree.Folder{"x": {Type: tree.TypeFile, Children: map[string]*tree.Node{"y": {Type: tree.TypeFile}}}}
	_, err = store.ReplaceFolder(ctx, "r1", bad)
	assert.True(t, errors.Is(err, apperror.ErrValidation))

	// Old value retained.
	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, got.Folder.Equal(tree.Default()))
}

func TestSnapshotsAreIsolated(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, "r1", "alice@example.com", nil)
	require.NoError(t, err)

	// Mutating a returned snapshot must not leak into the store.
	require.NoError(t, created.Folder.SetFileContent("src/index.js", "mutated"))

	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	node, _ := got.Folder.Get("src/index.js")
	assert.Equal(t, "// Welcome to CodeSathi", node.Content)
}

func TestDelete(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "r1", "alice@example.com", nil)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "r1"))
	_, err = store.Get(ctx, "r1")
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}
