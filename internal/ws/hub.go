// Package ws is the broadcast router: it owns the websocket clients,
// translates inbound events into state mutations, and fans results out
// to the other members of the room. Events are processed one at a time
// by the hub goroutine; the router itself performs no conflict
// resolution beyond the store's last-write-wins folder replacement.
package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/codesathi/backend/internal/presence"
	"github.com/codesathi/backend/internal/protocol"
	"github.com/codesathi/backend/internal/room"
	"github.com/codesathi/backend/internal/session"
)

// storeTimeout bounds the write-through during a folder replacement.
const storeTimeout = 5 * time.Second

type Hub struct {
	registry *session.Registry
	store    *room.Store
	presence *presence.Tracker
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client // connID -> client

	register   chan *Client
	unregister chan *Client
	inbound    chan *inboundMessage
}

type inboundMessage struct {
	sender *Client
	data   []byte
}

func NewHub(registry *session.Registry, store *room.Store, tracker *presence.Tracker, logger *slog.Logger) *Hub {
	return &Hub{
		registry:   registry,
		store:      store,
		presence:   tracker,
		logger:     logger,
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan *inboundMessage, 64),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			h.logger.Debug("client connected", slog.String("conn", client.id))

		case client := <-h.unregister:
			h.drop(client)

		case msg := <-h.inbound:
			h.dispatch(msg.sender, msg.data)
		}
	}
}

// drop removes a client entirely: connection map, session registry and
// its cursor record. Safe to call twice; only the first removal closes
// the send channel.
func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	_, present := h.clients[client.id]
	if present {
		delete(h.clients, client.id)
		close(client.send)
	}
	h.mu.Unlock()
	if !present {
		return
	}

	if s, ok := h.registry.Leave(client.id); ok {
		h.presence.Clear(s.RoomID, s.UserName)
		h.logger.Debug("client left room",
			slog.String("conn", client.id),
			slog.String("room", s.RoomID),
		)
	}
}

// dispatch is the protocol's event table. Malformed payloads are
// dropped with a log; they never crash the process, disconnect the
// sender, or reach other clients.
func (h *Hub) dispatch(sender *Client, data []byte) {
	env, err := protocol.Parse(data)
	if err != nil {
		h.logger.Warn("dropping malformed message",
			slog.String("conn", sender.id),
			slog.String("error", err.Error()),
		)
		return
	}

	switch env.Event {
	case protocol.EventJoinRoom:
		h.handleJoin(sender, env)

	case protocol.EventUpdateFolder:
		h.handleUpdateFolder(sender, env)

	case protocol.EventCursorUpdate:
		h.handleCursorUpdate(sender, env, data)

	case protocol.EventChatSend:
		h.handleChat(sender, env)

	case protocol.EventCodeUpdate:
		h.relayAs(sender, env, protocol.EventReceiveCode)

	case protocol.EventFileOpened, protocol.EventFileContentUpdate,
		protocol.EventItemCreated, protocol.EventFileDeleted:
		// Informational mirrors: no server-side state, relay verbatim.
		h.relay(sender, env, data)

	default:
		h.logger.Warn("dropping unknown event",
			slog.String("conn", sender.id),
			slog.String("event", env.Event),
		)
	}
}

func (h *Hub) handleJoin(sender *Client, env *protocol.Envelope) {
	var join protocol.JoinRoom
	if err := env.Decode(&join); err != nil || join.RoomID == "" {
		h.logger.Warn("dropping invalid join-room", slog.String("conn", sender.id))
		return
	}

	// Clearing the displaced session's own name matters: the client may
	// rejoin under a different display name.
	if previous := h.registry.Join(sender.id, join.RoomID, join.UserName); previous != nil {
		h.presence.Clear(previous.RoomID, previous.UserName)
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	rm, err := h.store.Get(ctx, join.RoomID)
	if err != nil {
		// Unknown room is not a join error: membership stands, there is
		// just no snapshot to send.
		h.logger.Info("join without stored folder",
			slog.String("room", join.RoomID),
			slog.String("error", err.Error()),
		)
		return
	}

	// Snapshot goes to the joining connection only, never broadcast.
	h.unicast(sender, protocol.EventInitializeFolder, protocol.InitializeFolder{Folder: rm.Folder})
	h.logger.Info("client joined room",
		slog.String("conn", sender.id),
		slog.String("room", join.RoomID),
		slog.String("user", join.UserName),
	)
}

func (h *Hub) handleUpdateFolder(sender *Client, env *protocol.Envelope) {
	var update protocol.UpdateFolder
	if err := env.Decode(&update); err != nil || update.RoomID == "" {
		h.logger.Warn("dropping invalid update-folder", slog.String("conn", sender.id))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	// Persist-then-broadcast: the fan-out only ever carries a value the
	// store accepted. On failure the old folder stands and nothing is
	// sent.
	stored, err := h.store.ReplaceFolder(ctx, update.RoomID, update.UpdatedFolder)
	if err != nil {
		h.logger.Error("folder replacement failed",
			slog.String("conn", sender.id),
			slog.String("room", update.RoomID),
			slog.String("error", err.Error()),
		)
		return
	}

	payload, err := protocol.Marshal(protocol.EventFolderUpdated, protocol.FolderUpdated{Folder: stored})
	if err != nil {
		h.logger.Error("encoding folder-updated", slog.String("error", err.Error()))
		return
	}
	h.fanOut(update.RoomID, sender.id, payload)
}

func (h *Hub) handleCursorUpdate(sender *Client, env *protocol.Envelope, raw []byte) {
	var cur protocol.CursorUpdate
	if err := env.Decode(&cur); err != nil || cur.UserName == "" {
		h.logger.Warn("dropping invalid cursor-update", slog.String("conn", sender.id))
		return
	}
	roomID := h.routeRoom(sender, cur.RoomID)
	if roomID == "" {
		return
	}

	h.presence.Upsert(roomID, cur.UserName, presence.CursorRecord{
		File:   cur.ActiveFile,
		Line:   cur.CursorPosition.Line,
		Column: cur.CursorPosition.Column,
		Top:    cur.CursorPosition.Top,
		Left:   cur.CursorPosition.Left,
	})
	h.fanOut(roomID, sender.id, raw)
}

func (h *Hub) handleChat(sender *Client, env *protocol.Envelope) {
	var chat protocol.ChatSend
	if err := env.Decode(&chat); err != nil || chat.Text == "" {
		h.logger.Warn("dropping invalid chat-send", slog.String("conn", sender.id))
		return
	}
	roomID := h.routeRoom(sender, chat.RoomID)
	if roomID == "" {
		return
	}

	// Chat is ephemeral: relayed, never stored.
	payload, err := protocol.Marshal(protocol.EventReceiveChat, protocol.ReceiveChat{
		UserName: chat.UserName,
		Text:     chat.Text,
	})
	if err != nil {
		h.logger.Error("encoding receive-chat", slog.String("error", err.Error()))
		return
	}
	h.fanOut(roomID, sender.id, payload)
}

// relayAs re-tags an inbound event with its outbound name and fans the
// payload out unchanged.
func (h *Hub) relayAs(sender *Client, env *protocol.Envelope, outEvent string) {
	var route struct {
		RoomID string `json:"roomId"`
	}
	if err := env.Decode(&route); err != nil {
		h.logger.Warn("dropping unroutable event",
			slog.String("conn", sender.id),
			slog.String("event", env.Event),
		)
		return
	}
	roomID := h.routeRoom(sender, route.RoomID)
	if roomID == "" {
		return
	}

	out, err := protocol.Marshal(outEvent, env.Payload)
	if err != nil {
		h.logger.Error("re-tagging event", slog.String("error", err.Error()))
		return
	}
	h.fanOut(roomID, sender.id, out)
}

// relay fans the original frame out verbatim.
func (h *Hub) relay(sender *Client, env *protocol.Envelope, raw []byte) {
	var route struct {
		RoomID string `json:"roomId"`
	}
	if err := env.Decode(&route); err != nil {
		h.logger.Warn("dropping unroutable event",
			slog.String("conn", sender.id),
			slog.String("event", env.Event),
		)
		return
	}
	roomID := h.routeRoom(sender, route.RoomID)
	if roomID == "" {
		return
	}
	h.fanOut(roomID, sender.id, raw)
}

// routeRoom resolves the target room: the payload's roomId when set,
// otherwise the sender's joined room.
func (h *Hub) routeRoom(sender *Client, payloadRoom string) string {
	if payloadRoom != "" {
		return payloadRoom
	}
	if s, ok := h.registry.Get(sender.id); ok {
		return s.RoomID
	}
	h.logger.Warn("dropping event from connection with no room", slog.String("conn", sender.id))
	return ""
}

// fanOut delivers data to every other room member. A member whose send
// buffer is full is dropped, which triggers its cleanup.
func (h *Hub) fanOut(roomID, excluding string, data []byte) {
	members := h.registry.MembersOf(roomID, excluding)
	if len(members) == 0 {
		return
	}

	var slow []*Client
	h.mu.RLock()
	for _, id := range members {
		client, ok := h.clients[id]
		if !ok {
			continue
		}
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn("dropping slow consumer", slog.String("conn", client.id))
		h.drop(client)
	}
}

// unicast delivers one event to a single connection.
func (h *Hub) unicast(client *Client, event string, payload any) {
	data, err := protocol.Marshal(event, payload)
	if err != nil {
		h.logger.Error("encoding unicast", slog.String("event", event), slog.String("error", err.Error()))
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("dropping slow consumer", slog.String("conn", client.id))
		h.drop(client)
	}
}

// Stats for the HTTP surface.

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RoomCount() int {
	return h.registry.RoomCount()
}

func (h *Hub) ActiveRooms() map[string]int {
	return h.registry.ActiveRooms()
}
