// Package protocol defines the event-tagged messages exchanged over the
// room websocket. Every message is a JSON envelope carrying the event
// name and an event-specific payload.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/codesathi/backend/internal/tree"
)

// Event names, client to server.
const (
	EventJoinRoom          = "join-room"
	EventUpdateFolder      = "update-folder"
	EventCodeUpdate        = "code-update"
	EventFileContentUpdate = "file-content-update"
	EventCursorUpdate      = "cursor-update"
	EventChatSend          = "chat-send"
	EventFileOpened        = "file-opened"
	EventItemCreated       = "item-created"
	EventFileDeleted       = "file-deleted"
)

// Event names, server to client.
const (
	EventInitializeFolder = "initialize-folder"
	EventFolderUpdated    = "folder-updated"
	EventReceiveCode      = "receive-code"
	EventReceiveChat      = "receive-chat"
)

// Envelope is the wire frame. Payload stays raw until the event name
// selects a concrete type.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinRoom announces room membership. UserName is the display name the
// session keeps for presence; it may be empty.
type JoinRoom struct {
	RoomID   string `json:"roomId"`
	UserName string `json:"userName,omitempty"`
}

// UpdateFolder carries the entire folder tree. The server treats it as
// the new ground truth in full; there is no partial form.
type UpdateFolder struct {
	RoomID        string      `json:"roomId"`
	UpdatedFolder tree.Folder `json:"updatedFolder"`
}

// InitializeFolder is unicast to a joining connection.
type InitializeFolder struct {
	Folder tree.Folder `json:"folder"`
}

// FolderUpdated is broadcast to the other room members after a folder
// replacement lands.
type FolderUpdated struct {
	Folder tree.Folder `json:"folder"`
}

// CursorPosition mixes logical (line, column) and pixel-relative
// (top, left) coordinates; receivers render with the pixel pair.
type CursorPosition struct {
	Line   int     `json:"line"`
	Column int     `json:"column"`
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
}

type CursorUpdate struct {
	RoomID         string         `json:"roomId,omitempty"`
	UserName       string         `json:"userName"`
	CursorPosition CursorPosition `json:"cursorPosition"`
	ActiveFile     string         `json:"activeFile"`
}

type ChatSend struct {
	RoomID   string `json:"roomId,omitempty"`
	UserName string `json:"userName"`
	Text     string `json:"text"`
}

type ReceiveChat struct {
	UserName string `json:"userName"`
	Text     string `json:"text"`
}

// CodeUpdate relays the active buffer verbatim; the server keeps no
// state for it.
type CodeUpdate struct {
	RoomID string `json:"roomId,omitempty"`
	Code   string `json:"code"`
}

type FileOpened struct {
	RoomID   string `json:"roomId,omitempty"`
	FileName string `json:"fileName"`
	Content  string `json:"content"`
	FilePath string `json:"filePath"`
}

type FileContentUpdate struct {
	RoomID   string `json:"roomId,omitempty"`
	FileName string `json:"fileName"`
	Content  string `json:"content"`
}

type ItemCreated struct {
	RoomID string `json:"roomId,omitempty"`
	Path   string `json:"path"`
	Name   string `json:"name"`
	Type   string `json:"type"` // "file" or "folder"
}

type FileDeleted struct {
	RoomID   string `json:"roomId,omitempty"`
	Path     string `json:"path"`
	IsFolder bool   `json:"isFolder"`
}

// Marshal wraps a payload in an envelope for the given event.
func Marshal(event string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", event, err)
		}
		raw = data
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}

// Parse decodes an envelope from the wire.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("envelope missing event name")
	}
	return &env, nil
}

// Decode unpacks the payload of env into dst.
func (e *Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Event, err)
	}
	return nil
}
