package session

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinAndMembers(t *testing.T) {
	r := NewRegistry()

	r.Join("c1", "room-a", "alice")
	r.Join("c2", "room-a", "bob")
	r.Join("c3", "room-b", "carol")

	members := r.MembersOf("room-a", "")
	sort.Strings(members)
	assert.Equal(t, []string{"c1", "c2"}, members)

	assert.Equal(t, []string{"c2"}, r.MembersOf("room-a", "c1"), "sender excluded from fan-out")
	assert.Empty(t, r.MembersOf("no-such-room", ""))
	assert.Equal(t, 2, r.RoomCount())
	assert.Equal(t, 3, r.SessionCount())
}

func TestJoinIdempotent(t *testing.T) {
	r := NewRegistry()

	prev := r.Join("c1", "room-a", "alice")
	assert.Nil(t, prev)

	prev = r.Join("c1", "room-a", "alice")
	assert.Nil(t, prev, "rejoin is a no-op")
	assert.Len(t, r.MembersOf("room-a", ""), 1, "no duplicate membership")
}

func TestJoinSwitchesRooms(t *testing.T) {
	r := NewRegistry()

	r.Join("c1", "room-a", "alice")
	prev := r.Join("c1", "room-b", "alice")

	require.NotNil(t, prev)
	assert.Equal(t, "room-a", prev.RoomID)
	assert.Empty(t, r.MembersOf("room-a", ""), "implicitly left the previous room")
	assert.Equal(t, []string{"c1"}, r.MembersOf("room-b", ""))

	s, ok := r.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "room-b", s.RoomID)
}

func TestSwitchReportsDisplacedName(t *testing.T) {
	r := NewRegistry()

	r.Join("c1", "room-a", "alice")
	prev := r.Join("c1", "room-b", "alicia")

	require.NotNil(t, prev)
	assert.Equal(t, "room-a", prev.RoomID)
	assert.Equal(t, "alice", prev.UserName, "the name the old room knew, not the new one")
}

func TestLeave(t *testing.T) {
	r := NewRegistry()

	r.Join("c1", "room-a", "alice")
	s, ok := r.Leave("c1")
	require.True(t, ok)
	assert.Equal(t, "room-a", s.RoomID)
	assert.Equal(t, "alice", s.UserName)

	assert.Equal(t, 0, r.RoomCount(), "empty room is dropped")
	_, ok = r.Leave("c1")
	assert.False(t, ok, "double leave")
	_, ok = r.Get("c1")
	assert.False(t, ok)
}

func TestActiveRooms(t *testing.T) {
	r := NewRegistry()

	r.Join("c1", "room-a", "alice")
	r.Join("c2", "room-a", "bob")
	r.Join("c3", "room-b", "carol")

	assert.Equal(t, map[string]int{"room-a": 2, "room-b": 1}, r.ActiveRooms())
}

func TestRejoinKeepsLatestName(t *testing.T) {
	r := NewRegistry()

	r.Join("c1", "room-a", "alice")
	r.Join("c1", "room-a", "alice the second")

	s, _ := r.Get("c1")
	assert.Equal(t, "alice the second", s.UserName)
}
