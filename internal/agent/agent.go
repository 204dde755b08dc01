// Package agent implements the client side of the sync protocol: a
// local mirror of a room's file tree that coalesces edits into
// update-folder broadcasts and applies remote state as it arrives.
package agent

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/codesathi/backend/internal/apperror"
	"github.com/codesathi/backend/internal/protocol"
	"github.com/codesathi/backend/internal/tree"
)

type State int

const (
	Disconnected State = iota
	Joining
	Synced
)

func (s State) String() string {
	switch s {
	case Joining:
		return "joining"
	case Synced:
		return "synced"
	default:
		return "disconnected"
	}
}

const (
	DefaultFolderDebounce = 500 * time.Millisecond
	DefaultCursorDebounce = 100 * time.Millisecond
	remoteCursorTTL       = 5 * time.Second
)

// Transport carries outbound frames. The websocket implementation
// lives in transport.go; tests substitute an in-memory recorder.
type Transport interface {
	Send(data []byte) error
}

type remoteCursor struct {
	protocol.CursorUpdate
	seen time.Time
}

type Options struct {
	FolderDebounce time.Duration
	CursorDebounce time.Duration
	// OnChat is invoked for each receive-chat frame. Optional.
	OnChat func(userName, text string)
	Logger *slog.Logger
}

type Agent struct {
	mu sync.Mutex

	state    State
	roomID   string
	userName string

	folder     tree.Folder
	activeFile string

	// applyingRemote suppresses local-change emission while a remote
	// snapshot or broadcast is being folded into the mirror.
	applyingRemote bool

	folderDebounce time.Duration
	cursorDebounce time.Duration
	folderTimer    *time.Timer
	cursorTimer    *time.Timer
	pendingCursor  protocol.CursorUpdate
	hasCursor      bool

	remoteCursors map[string]remoteCursor
	now           func() time.Time

	transport Transport
	onChat    func(userName, text string)
	logger    *slog.Logger
}

func New(transport Transport, opts Options) *Agent {
	if opts.FolderDebounce <= 0 {
		opts.FolderDebounce = DefaultFolderDebounce
	}
	if opts.CursorDebounce <= 0 {
		opts.CursorDebounce = DefaultCursorDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		state:          Disconnected,
		folderDebounce: opts.FolderDebounce,
		cursorDebounce: opts.CursorDebounce,
		remoteCursors:  make(map[string]remoteCursor),
		now:            time.Now,
		transport:      transport,
		onChat:         opts.OnChat,
		logger:         logger,
	}
}

// Join announces the agent to a room. The mirror stays empty until the
// server's initialize-folder lands.
func (a *Agent) Join(roomID, userName string) error {
	a.mu.Lock()
	a.state = Joining
	a.roomID = roomID
	a.userName = userName
	a.folder = nil
	a.activeFile = ""
	a.remoteCursors = make(map[string]remoteCursor)
	a.mu.Unlock()

	return a.send(protocol.EventJoinRoom, protocol.JoinRoom{RoomID: roomID, UserName: userName})
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Folder returns a deep copy of the local mirror.
func (a *Agent) Folder() tree.Folder {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.folder == nil {
		return nil
	}
	return a.folder.Clone()
}

func (a *Agent) ActiveFile() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeFile
}

// ActiveFileContent returns the mirror's content for the open file.
func (a *Agent) ActiveFileContent() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.activeFile == "" || a.folder == nil {
		return "", false
	}
	node, ok := a.folder.Get(a.activeFile)
	if !ok || node.Type != tree.TypeFile {
		return "", false
	}
	return node.Content, true
}

// HandleMessage folds one server frame into the mirror. Unknown events
// are logged and skipped so protocol growth never breaks older agents.
func (a *Agent) HandleMessage(data []byte) {
	env, err := protocol.Parse(data)
	if err != nil {
		a.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	switch env.Event {
	case protocol.EventInitializeFolder:
		var init protocol.InitializeFolder
		if err := env.Decode(&init); err != nil {
			a.logger.Warn("bad initialize-folder payload", "error", err)
			return
		}
		if !a.applyRemoteFolder(init.Folder) {
			return
		}
		a.mu.Lock()
		a.state = Synced
		a.mu.Unlock()

	case protocol.EventFolderUpdated:
		var upd protocol.FolderUpdated
		if err := env.Decode(&upd); err != nil {
			a.logger.Warn("bad folder-updated payload", "error", err)
			return
		}
		a.applyRemoteFolder(upd.Folder)

	case protocol.EventCursorUpdate:
		var cur protocol.CursorUpdate
		if err := env.Decode(&cur); err != nil || cur.UserName == "" {
			return
		}
		a.mu.Lock()
		a.remoteCursors[cur.UserName] = remoteCursor{CursorUpdate: cur, seen: a.now()}
		a.mu.Unlock()

	case protocol.EventReceiveChat:
		var chat protocol.ReceiveChat
		if err := env.Decode(&chat); err != nil {
			return
		}
		if a.onChat != nil {
			a.onChat(chat.UserName, chat.Text)
		}

	case protocol.EventFileContentUpdate:
		var upd protocol.FileContentUpdate
		if err := env.Decode(&upd); err != nil {
			return
		}
		// fileName is a path when the sender mirrors a tree entry.
		// Non-resolving names are left to the next folder-updated.
		a.mu.Lock()
		a.applyingRemote = true
		if a.folder != nil {
			if _, ok := a.folder.Get(upd.FileName); ok {
				a.folder.SetFileContent(upd.FileName, upd.Content)
			}
		}
		a.applyingRemote = false
		a.mu.Unlock()

	case protocol.EventReceiveCode, protocol.EventFileOpened, protocol.EventItemCreated, protocol.EventFileDeleted:
		// Informational mirrors. The authoritative tree arrives via
		// folder-updated, so these only matter to UI layers.

	default:
		a.logger.Debug("ignoring event", "event", env.Event)
	}
}

// applyRemoteFolder replaces the mirror wholesale. Invalid trees are
// rejected; a remote tree that structurally equals the mirror is
// dropped so redundant broadcasts never ripple back out as fresh
// updates. Reports whether the frame was accepted.
func (a *Agent) applyRemoteFolder(folder tree.Folder) bool {
	if err := folder.Validate(); err != nil {
		a.logger.Warn("rejecting invalid remote folder", "error", err)
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.folder != nil && a.folder.Equal(folder) {
		return true
	}

	a.applyingRemote = true
	a.folder = folder.Clone()
	a.applyingRemote = false
	return true
}

// OpenFile marks a file active and announces it to the room.
func (a *Agent) OpenFile(path string) error {
	a.mu.Lock()
	if a.folder == nil {
		a.mu.Unlock()
		return errNotSynced("open file")
	}
	node, ok := a.folder.Get(path)
	if !ok || node.Type != tree.TypeFile {
		a.mu.Unlock()
		return errUnknownFile(path)
	}
	a.activeFile = path
	roomID := a.roomID
	content := node.Content
	a.mu.Unlock()

	name := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		name = path[i+1:]
	}
	return a.send(protocol.EventFileOpened, protocol.FileOpened{
		RoomID:   roomID,
		FileName: name,
		FilePath: path,
		Content:  content,
	})
}

// EditActiveFile replaces the open file's content in the mirror and
// schedules a coalesced update-folder.
func (a *Agent) EditActiveFile(content string) error {
	a.mu.Lock()
	if a.activeFile == "" || a.folder == nil {
		a.mu.Unlock()
		return errNotSynced("edit")
	}
	if err := a.folder.SetFileContent(a.activeFile, content); err != nil {
		a.mu.Unlock()
		return err
	}
	a.scheduleFolderSyncLocked()
	a.mu.Unlock()
	return nil
}

// CreateItem adds a file or folder under parentPath ("" for root),
// announces it, and schedules the coalesced tree broadcast.
func (a *Agent) CreateItem(parentPath, name, typ string) error {
	a.mu.Lock()
	if a.folder == nil {
		a.mu.Unlock()
		return errNotSynced("create item")
	}
	if err := a.folder.Create(parentPath, name, typ); err != nil {
		a.mu.Unlock()
		return err
	}
	a.scheduleFolderSyncLocked()
	roomID := a.roomID
	a.mu.Unlock()

	return a.send(protocol.EventItemCreated, protocol.ItemCreated{
		RoomID: roomID,
		Path:   parentPath,
		Name:   name,
		Type:   typ,
	})
}

// DeleteItem removes a path from the mirror and announces it.
func (a *Agent) DeleteItem(path string, isFolder bool) error {
	a.mu.Lock()
	if a.folder == nil {
		a.mu.Unlock()
		return errNotSynced("delete item")
	}
	if err := a.folder.Delete(path); err != nil {
		a.mu.Unlock()
		return err
	}
	if a.activeFile == path {
		a.activeFile = ""
	}
	a.scheduleFolderSyncLocked()
	roomID := a.roomID
	a.mu.Unlock()

	return a.send(protocol.EventFileDeleted, protocol.FileDeleted{
		RoomID:   roomID,
		Path:     path,
		IsFolder: isFolder,
	})
}

// MoveCursor records the local caret and schedules a debounced
// cursor-update carrying the latest position only.
func (a *Agent) MoveCursor(line, column int, top, left float64) {
	a.mu.Lock()
	a.pendingCursor = protocol.CursorUpdate{
		RoomID:     a.roomID,
		UserName:   a.userName,
		ActiveFile: a.activeFile,
		CursorPosition: protocol.CursorPosition{
			Line:   line,
			Column: column,
			Top:    top,
			Left:   left,
		},
	}
	a.hasCursor = true
	if a.cursorTimer == nil {
		a.cursorTimer = time.AfterFunc(a.cursorDebounce, a.flushCursor)
	}
	a.mu.Unlock()
}

// SendChat delivers immediately; chat is not debounced.
func (a *Agent) SendChat(text string) error {
	a.mu.Lock()
	roomID, userName := a.roomID, a.userName
	a.mu.Unlock()
	return a.send(protocol.EventChatSend, protocol.ChatSend{RoomID: roomID, UserName: userName, Text: text})
}

// RemoteCursors returns positions seen within the staleness window.
func (a *Agent) RemoteCursors() map[string]protocol.CursorUpdate {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-remoteCursorTTL)
	out := make(map[string]protocol.CursorUpdate)
	for name, rc := range a.remoteCursors {
		if rc.seen.Before(cutoff) {
			delete(a.remoteCursors, name)
			continue
		}
		out[name] = rc.CursorUpdate
	}
	return out
}

// Flush sends any pending debounced state immediately.
func (a *Agent) Flush() {
	a.flushFolder()
	a.flushCursor()
}

// Close stops pending timers. The transport is owned by the caller.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.folderTimer != nil {
		a.folderTimer.Stop()
		a.folderTimer = nil
	}
	if a.cursorTimer != nil {
		a.cursorTimer.Stop()
		a.cursorTimer = nil
	}
	a.state = Disconnected
	a.mu.Unlock()
}

// scheduleFolderSyncLocked arms the debounce timer unless the change
// came from applying a remote frame. Caller holds a.mu.
func (a *Agent) scheduleFolderSyncLocked() {
	if a.applyingRemote {
		return
	}
	if a.folderTimer == nil {
		a.folderTimer = time.AfterFunc(a.folderDebounce, a.flushFolder)
	}
}

func (a *Agent) flushFolder() {
	a.mu.Lock()
	if a.folderTimer == nil {
		a.mu.Unlock()
		return
	}
	a.folderTimer.Stop()
	a.folderTimer = nil
	if a.folder == nil || a.state != Synced {
		a.mu.Unlock()
		return
	}
	payload := protocol.UpdateFolder{RoomID: a.roomID, UpdatedFolder: a.folder.Clone()}
	a.mu.Unlock()

	if err := a.send(protocol.EventUpdateFolder, payload); err != nil {
		a.logger.Error("send update-folder", "error", err)
	}
}

func (a *Agent) flushCursor() {
	a.mu.Lock()
	if a.cursorTimer != nil {
		a.cursorTimer.Stop()
		a.cursorTimer = nil
	}
	if !a.hasCursor {
		a.mu.Unlock()
		return
	}
	payload := a.pendingCursor
	a.hasCursor = false
	a.mu.Unlock()

	if err := a.send(protocol.EventCursorUpdate, payload); err != nil {
		a.logger.Error("send cursor-update", "error", err)
	}
}

func (a *Agent) send(event string, payload any) error {
	data, err := protocol.Marshal(event, payload)
	if err != nil {
		return err
	}
	return a.transport.Send(data)
}

func errNotSynced(op string) error {
	return fmt.Errorf("%s: no folder synced yet", op)
}

func errUnknownFile(path string) error {
	return apperror.NotFound("file", path)
}
