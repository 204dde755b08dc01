// Package presence keeps the per-room map of display name to last-known
// cursor position. Records expire after a fixed idle window; clients
// mirror the same timeout locally, so the server never pushes expiry
// events.
package presence

import (
	"sync"
	"time"
)

// DefaultTTL is the source-observed idle window after which a cursor is
// no longer considered current.
const DefaultTTL = 5 * time.Second

// CursorRecord is the last-known cursor state for one display name.
type CursorRecord struct {
	File   string  `json:"file"`
	Line   int     `json:"line"`
	Column int     `json:"column"`
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
}

type entry struct {
	rec    CursorRecord
	seenAt time.Time
}

type Tracker struct {
	mu    sync.Mutex
	rooms map[string]map[string]entry
	ttl   time.Duration
	now   func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		rooms: make(map[string]map[string]entry),
		ttl:   ttl,
		now:   time.Now,
		stop:  make(chan struct{}),
	}
}

// Upsert overwrites the record for (roomID, userName) and resets its
// expiry.
func (t *Tracker) Upsert(roomID, userName string, rec CursorRecord) {
	if userName == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.rooms[roomID]
	if !ok {
		room = make(map[string]entry)
		t.rooms[roomID] = room
	}
	room[userName] = entry{rec: rec, seenAt: t.now()}
}

// Clear drops the record for userName, typically on disconnect.
func (t *Tracker) Clear(roomID, userName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if room, ok := t.rooms[roomID]; ok {
		delete(room, userName)
		if len(room) == 0 {
			delete(t.rooms, roomID)
		}
	}
}

// Active returns the non-expired cursor records for roomID.
func (t *Tracker) Active(roomID string) map[string]CursorRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.rooms[roomID]
	if !ok {
		return nil
	}
	cutoff := t.now().Add(-t.ttl)
	out := make(map[string]CursorRecord, len(room))
	for name, e := range room {
		if e.seenAt.After(cutoff) {
			out[name] = e.rec
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// StartSweeper launches a background loop removing long-expired entries
// so idle rooms do not leak. Expiry itself is lazy (Active filters);
// the sweeper only reclaims memory.
func (t *Tracker) StartSweeper(interval time.Duration) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				t.sweep()
			}
		}
	}()
}

func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	t.wg.Wait()
}

func (t *Tracker) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.ttl)
	for roomID, room := range t.rooms {
		for name, e := range room {
			if !e.seenAt.After(cutoff) {
				delete(room, name)
			}
		}
		if len(room) == 0 {
			delete(t.rooms, roomID)
		}
	}
}
