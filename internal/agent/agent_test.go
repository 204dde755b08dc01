package agent

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codesathi/backend/internal/protocol"
	"github.com/codesathi/backend/internal/tree"
)

type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeTransport) envelopes(t *testing.T) []*protocol.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*protocol.Envelope, 0, len(f.frames))
	for _, frame := range f.frames {
		env, err := protocol.Parse(frame)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func (f *fakeTransport) countOf(t *testing.T, event string) int {
	t.Helper()
	n := 0
	for _, env := range f.envelopes(t) {
		if env.Event == event {
			n++
		}
	}
	return n
}

func (f *fakeTransport) lastOf(t *testing.T, event string) *protocol.Envelope {
	t.Helper()
	var found *protocol.Envelope
	for _, env := range f.envelopes(t) {
		if env.Event == event {
			found = env
		}
	}
	return found
}

func newTestAgent(t *testing.T) (*Agent, *fakeTransport) {
	t.Helper()
	transport := &fakeTransport{}
	a := New(transport, Options{
		FolderDebounce: 20 * time.Millisecond,
		CursorDebounce: 10 * time.Millisecond,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(a.Close)
	return a, transport
}

// syncAgent joins and delivers the server snapshot.
func syncAgent(t *testing.T, a *Agent, folder tree.Folder) {
	t.Helper()
	require.NoError(t, a.Join("r1", "alice"))

	data, err := protocol.Marshal(protocol.EventInitializeFolder, protocol.InitializeFolder{Folder: folder})
	require.NoError(t, err)
	a.HandleMessage(data)
	require.Equal(t, Synced, a.State())
}

func TestJoinAndInitialize(t *testing.T) {
	a, transport := newTestAgent(t)

	require.NoError(t, a.Join("r1", "alice"))
	assert.Equal(t, Joining, a.State())

	env := transport.lastOf(t, protocol.EventJoinRoom)
	require.NotNil(t, env)
	var join protocol.JoinRoom
	require.NoError(t, env.Decode(&join))
	assert.Equal(t, "r1", join.RoomID)
	assert.Equal(t, "alice", join.UserName)

	folder := tree.Default()
	data, err := protocol.Marshal(protocol.EventInitializeFolder, protocol.InitializeFolder{Folder: folder})
	require.NoError(t, err)
	a.HandleMessage(data)

	assert.Equal(t, Synced, a.State())
	assert.True(t, a.Folder().Equal(folder))
}

func TestEditsCoalesceIntoOneUpdateFolder(t *testing.T) {
	a, transport := newTestAgent(t)
	syncAgent(t, a, tree.Default())

	require.NoError(t, a.OpenFile("src/index.js"))
	require.NoError(t, a.EditActiveFile("v1"))
	require.NoError(t, a.EditActiveFile("v2"))
	require.NoError(t, a.EditActiveFile("v3"))
	a.Flush()

	require.Equal(t, 1, transport.countOf(t, protocol.EventUpdateFolder))

	env := transport.lastOf(t, protocol.EventUpdateFolder)
	var upd protocol.UpdateFolder
	require.NoError(t, env.Decode(&upd))
	node, ok := upd.UpdatedFolder.Get("src/index.js")
	require.True(t, ok)
	assert.Equal(t, "v3", node.Content)
}

func TestDebounceTimerFiresOnItsOwn(t *testing.T) {
	a, transport := newTestAgent(t)
	syncAgent(t, a, tree.Default())

	require.NoError(t, a.OpenFile("src/index.js"))
	require.NoError(t, a.EditActiveFile("timed"))

	require.Eventually(t, func() bool {
		return transport.countOf(t, protocol.EventUpdateFolder) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRemoteFolderUpdateNeverEchoes(t *testing.T) {
	a, transport := newTestAgent(t)
	syncAgent(t, a, tree.Default())

	remote := tree.Default()
	require.NoError(t, remote.SetFileContent("src/index.js", "remote edit"))
	data, err := protocol.Marshal(protocol.EventFolderUpdated, protocol.FolderUpdated{Folder: remote})
	require.NoError(t, err)
	a.HandleMessage(data)
	a.HandleMessage(data) // redundant broadcast, structurally equal

	assert.True(t, a.Folder().Equal(remote))

	a.Flush()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, transport.countOf(t, protocol.EventUpdateFolder))
}

func TestActiveFileRefreshesFromRemote(t *testing.T) {
	a, _ := newTestAgent(t)
	syncAgent(t, a, tree.Default())
	require.NoError(t, a.OpenFile("src/index.js"))

	remote := tree.Default()
	require.NoError(t, remote.SetFileContent("src/index.js", "their version"))
	data, err := protocol.Marshal(protocol.EventFolderUpdated, protocol.FolderUpdated{Folder: remote})
	require.NoError(t, err)
	a.HandleMessage(data)

	content, ok := a.ActiveFileContent()
	require.True(t, ok)
	assert.Equal(t, "their version", content)
}

func TestCursorMovesCoalesce(t *testing.T) {
	a, transport := newTestAgent(t)
	syncAgent(t, a, tree.Default())
	require.NoError(t, a.OpenFile("src/index.js"))

	for i := 1; i <= 5; i++ {
		a.MoveCursor(i, i, float64(i*16), 0)
	}
	a.Flush()

	require.Equal(t, 1, transport.countOf(t, protocol.EventCursorUpdate))

	env := transport.lastOf(t, protocol.EventCursorUpdate)
	var cur protocol.CursorUpdate
	require.NoError(t, env.Decode(&cur))
	assert.Equal(t, 5, cur.CursorPosition.Line)
	assert.Equal(t, "alice", cur.UserName)
	assert.Equal(t, "src/index.js", cur.ActiveFile)
}

func TestRemoteCursorsExpire(t *testing.T) {
	a, _ := newTestAgent(t)
	syncAgent(t, a, tree.Default())

	current := time.Now()
	a.now = func() time.Time { return current }

	data, err := protocol.Marshal(protocol.EventCursorUpdate, protocol.CursorUpdate{
		RoomID:         "r1",
		UserName:       "bob",
		ActiveFile:     "src/index.js",
		CursorPosition: protocol.CursorPosition{Line: 3},
	})
	require.NoError(t, err)
	a.HandleMessage(data)

	require.Contains(t, a.RemoteCursors(), "bob")

	current = current.Add(6 * time.Second)
	assert.NotContains(t, a.RemoteCursors(), "bob")
}

func TestCreateAndDeleteEmitMirrorEvents(t *testing.T) {
	a, transport := newTestAgent(t)
	syncAgent(t, a, tree.Default())

	require.NoError(t, a.CreateItem("src", "util.js", tree.TypeFile))
	env := transport.lastOf(t, protocol.EventItemCreated)
	require.NotNil(t, env)
	var created protocol.ItemCreated
	require.NoError(t, env.Decode(&created))
	assert.Equal(t, "util.js", created.Name)

	a.Flush()
	upd := transport.lastOf(t, protocol.EventUpdateFolder)
	require.NotNil(t, upd)
	var folderUpd protocol.UpdateFolder
	require.NoError(t, upd.Decode(&folderUpd))
	_, ok := folderUpd.UpdatedFolder.Get("src/util.js")
	assert.True(t, ok)

	require.NoError(t, a.DeleteItem("src/util.js", false))
	del := transport.lastOf(t, protocol.EventFileDeleted)
	require.NotNil(t, del)

	a.Flush()
	_, ok = a.Folder().Get("src/util.js")
	assert.False(t, ok)
}

func TestChatRoundTrip(t *testing.T) {
	var gotUser, gotText string
	transport := &fakeTransport{}
	a := New(transport, Options{
		FolderDebounce: 20 * time.Millisecond,
		CursorDebounce: 10 * time.Millisecond,
		OnChat:         func(user, text string) { gotUser, gotText = user, text },
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(a.Close)
	require.NoError(t, a.Join("r1", "alice"))

	require.NoError(t, a.SendChat("hi all"))
	env := transport.lastOf(t, protocol.EventChatSend)
	require.NotNil(t, env)

	data, err := protocol.Marshal(protocol.EventReceiveChat, protocol.ReceiveChat{UserName: "bob", Text: "hey"})
	require.NoError(t, err)
	a.HandleMessage(data)
	assert.Equal(t, "bob", gotUser)
	assert.Equal(t, "hey", gotText)
}

func TestLocalOpsRequireSync(t *testing.T) {
	a, _ := newTestAgent(t)
	require.NoError(t, a.Join("r1", "alice"))

	assert.Error(t, a.EditActiveFile("x"))
	assert.Error(t, a.OpenFile("src/index.js"))
	assert.Error(t, a.CreateItem("", "a.js", tree.TypeFile))
	assert.Error(t, a.DeleteItem("src/index.js", false))
}

func TestMalformedFramesIgnored(t *testing.T) {
	a, _ := newTestAgent(t)
	syncAgent(t, a, tree.Default())

	a.HandleMessage([]byte("not json"))
	a.HandleMessage([]byte(`{"event":"initialize-folder","payload":{"folder":{"x":{"type":"weird"}}}}`))

	assert.Equal(t, Synced, a.State())
	assert.True(t, a.Folder().Equal(tree.Default()))
}
