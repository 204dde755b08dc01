package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock makes expiry deterministic.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time            { return c.t }
func (c *fakeClock) advance(d time.Duration)   { c.t = c.t.Add(d) }

func newTestTracker(ttl time.Duration) (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	tr := NewTracker(ttl)
	tr.now = clock.now
	return tr, clock
}

func TestUpsertAndActive(t *testing.T) {
	tr, _ := newTestTracker(5 * time.Second)

	rec := CursorRecord{File: "src/index.js", Line: 5, Column: 1, Top: 80, Left: 12}
	tr.Upsert("r1", "alice", rec)

	active := tr.Active("r1")
	require.Len(t, active, 1)
	assert.Equal(t, rec, active["alice"])

	assert.Nil(t, tr.Active("other-room"))
}

func TestExpiryAfterIdleWindow(t *testing.T) {
	tr, clock := newTestTracker(5 * time.Second)

	tr.Upsert("r1", "alice", CursorRecord{File: "src/index.js", Line: 5, Column: 1})

	clock.advance(4 * time.Second)
	assert.Len(t, tr.Active("r1"), 1, "still current inside the window")

	clock.advance(2 * time.Second)
	assert.Nil(t, tr.Active("r1"), "expired after 5s of silence")
}

func TestUpsertResetsExpiry(t *testing.T) {
	tr, clock := newTestTracker(5 * time.Second)

	tr.Upsert("r1", "alice", CursorRecord{Line: 1})
	clock.advance(4 * time.Second)
	tr.Upsert("r1", "alice", CursorRecord{Line: 2})
	clock.advance(4 * time.Second)

	active := tr.Active("r1")
	require.Len(t, active, 1, "refresh restarted the idle window")
	assert.Equal(t, 2, active["alice"].Line, "overwritten, not accumulated")
}

func TestClearOnDisconnect(t *testing.T) {
	tr, _ := newTestTracker(5 * time.Second)

	tr.Upsert("r1", "alice", CursorRecord{Line: 1})
	tr.Upsert("r1", "bob", CursorRecord{Line: 2})

	tr.Clear("r1", "alice")
	active := tr.Active("r1")
	require.Len(t, active, 1)
	_, ok := active["alice"]
	assert.False(t, ok)

	// Clearing the last record drops the room map.
	tr.Clear("r1", "bob")
	assert.Nil(t, tr.Active("r1"))
}

func TestSweepReclaimsExpired(t *testing.T) {
	tr, clock := newTestTracker(5 * time.Second)

	tr.Upsert("r1", "alice", CursorRecord{Line: 1})
	tr.Upsert("r2", "bob", CursorRecord{Line: 2})
	clock.advance(10 * time.Second)
	tr.Upsert("r2", "carol", CursorRecord{Line: 3})

	tr.sweep()

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.NotContains(t, tr.rooms, "r1")
	assert.Len(t, tr.rooms["r2"], 1)
}
