package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// errNotInRoom marks a leaveRoom for a room the connection is not in.
var errNotInRoom = errors.New("connection is not in room")

// dispatch routes one inbound event. Failures are logged and the event is
// dropped; nothing is sent back to the client.
func (h *Hub) dispatch(ev inboundEvent) {
	client := ev.client
	if client == nil || !h.registered(client) {
		return
	}

	var err error
	switch ev.name {
	case EventUserOnline:
		err = h.handleUserOnline(client, ev.data)
	case EventJoinRoom:
		err = h.handleJoinRoom(client, ev.data)
	case EventLeaveRoom:
		err = h.handleLeaveRoom(client, ev.data)
	case EventChatMessage:
		err = h.handleChatMessage(client, ev.data)
	case EventPrivateMessage:
		err = h.handlePrivateMessage(client, ev.data)
	case EventTyping, EventStopTyping:
		err = h.handleTyping(client, ev.name, ev.data)
	default:
		err = fmt.Errorf("%w: unknown event %q", errMalformed, ev.name)
	}

	switch {
	case err == nil:
		h.metrics.recordInbound(ev.name)
	case errors.Is(err, errNotInRoom):
		h.metrics.recordDropped("not_in_room")
		client.logger.Debug("Dropping inbound event", "event", ev.name, "error", err)
	default:
		h.metrics.recordDropped("malformed")
		client.logger.Warn("Dropping inbound event", "event", ev.name, "error", err)
	}
}

func invalid(err error) error {
	return fmt.Errorf("%w: %w", errMalformed, err)
}

// bind maps username to client. It reports whether the online set changed.
func (h *Hub) bind(client *Client, username string) bool {
	previous := client.username
	displaced, changed := h.registry.SetOnline(username, client.id)
	client.username = username

	h.persistOnline(username, true)
	if previous != "" && previous != username {
		if _, still := h.registry.Lookup(previous); !still {
			h.persistOnline(previous, false)
		}
	}

	if displaced == uuid.Nil {
		return changed
	}
	if other, ok := h.clients[displaced]; ok {
		other.logger.Info("Username claimed by another connection", "username", username, "policy", h.cfg.DuplicateLogin)
		if h.cfg.DuplicateLogin == DuplicateLoginEvict {
			h.dropLater(other, "duplicate login")
		}
	}
	return changed
}

func (h *Hub) handleUserOnline(client *Client, data json.RawMessage) error {
	username, err := decodeUsername(data)
	if err != nil {
		return err
	}
	if err := chat.ValidateUsername(username); err != nil {
		return invalid(err)
	}

	h.bind(client, username)
	h.broadcastAll(h.onlineUsersFrame())
	return nil
}

func (h *Hub) handleJoinRoom(client *Client, data json.RawMessage) error {
	var p JoinRoomPayload
	if err := decodePayload(data, &p); err != nil {
		return err
	}
	if err := chat.ValidateUsername(p.Username); err != nil {
		return invalid(err)
	}
	if err := chat.ValidateRoomName(p.Room); err != nil {
		return invalid(err)
	}

	changed := h.bind(client, p.Username)
	previous, roster := h.rooms.Join(client.id, p.Room)

	if previous != "" {
		h.emitToRoom(previous, roomUsersFrame(previous, h.rooms.Roster(previous)), uuid.Nil)
	}
	h.emitToRoom(p.Room, roomUsersFrame(p.Room, roster), uuid.Nil)
	if changed {
		h.broadcastAll(h.onlineUsersFrame())
	}

	h.sendHistory(client, p.Room)
	return nil
}

// sendHistory loads room's history off the loop and delivers it if client
// is still connected and still in room.
func (h *Hub) sendHistory(client *Client, room string) {
	h.async(func(ctx context.Context) func() {
		messages := h.history.load(ctx, room)
		return func() {
			if current, ok := h.rooms.RoomOf(client.id); !ok || current != room {
				client.logger.Debug("Discarding stale room history", "room", room)
				return
			}
			h.send(client, historyFrame(messages))
		}
	})
}

func (h *Hub) handleLeaveRoom(client *Client, data json.RawMessage) error {
	var p LeaveRoomPayload
	if err := decodePayload(data, &p); err != nil {
		return err
	}
	if p.Room == "" {
		return fmt.Errorf("%w: missing room", errMalformed)
	}

	if current, ok := h.rooms.RoomOf(client.id); !ok || current != p.Room {
		return fmt.Errorf("%w: %q", errNotInRoom, p.Room)
	}

	h.rooms.Leave(client.id)
	h.emitToRoom(p.Room, roomUsersFrame(p.Room, h.rooms.Roster(p.Room)), uuid.Nil)
	return nil
}

func (h *Hub) handleChatMessage(client *Client, data json.RawMessage) error {
	var p ChatMessagePayload
	if err := decodePayload(data, &p); err != nil {
		return err
	}
	if err := chat.ValidateUsername(p.Sender); err != nil {
		return invalid(err)
	}
	if err := chat.ValidateRoomName(p.Room); err != nil {
		return invalid(err)
	}
	if err := chat.ValidateText(p.Text); err != nil {
		return invalid(err)
	}

	msg := chat.Message{Sender: p.Sender, Text: p.Text, Room: p.Room}
	h.async(func(ctx context.Context) func() {
		saved, err := h.store.SaveMessage(ctx, msg)
		if err != nil {
			h.metrics.recordStoreFailure("save_message")
			client.logger.Error("Failed to save room message", "room", msg.Room, "error", err)
			return nil
		}
		return func() {
			h.emitToRoom(saved.Room, encodeFrame(EventChatMessage, saved), uuid.Nil)
		}
	})
	return nil
}

func (h *Hub) handlePrivateMessage(client *Client, data json.RawMessage) error {
	var p PrivateMessagePayload
	if err := decodePayload(data, &p); err != nil {
		return err
	}
	if err := chat.ValidateUsername(p.Sender); err != nil {
		return invalid(err)
	}
	if err := chat.ValidateUsername(p.Recipient); err != nil {
		return invalid(err)
	}
	if err := chat.ValidateText(p.Text); err != nil {
		return invalid(err)
	}

	msg := chat.Message{Sender: p.Sender, Recipient: p.Recipient, Text: p.Text}
	h.async(func(ctx context.Context) func() {
		saved, err := h.store.SaveMessage(ctx, msg)
		if err != nil {
			h.metrics.recordStoreFailure("save_message")
			client.logger.Error("Failed to save private message", "recipient", msg.Recipient, "error", err)
			return nil
		}
		return func() {
			frame := encodeFrame(EventPrivateMessage, saved)
			if id, ok := h.registry.Lookup(saved.Recipient); ok && id != client.id {
				if recipient, ok := h.clients[id]; ok {
					h.send(recipient, frame)
				}
			}
			h.send(client, frame)
		}
	})
	return nil
}

func (h *Hub) handleTyping(client *Client, event string, data json.RawMessage) error {
	var p TypingPayload
	if err := decodePayload(data, &p); err != nil {
		return err
	}
	if err := chat.ValidateUsername(p.Username); err != nil {
		return invalid(err)
	}
	if (p.Room == "") == (p.Recipient == "") {
		return fmt.Errorf("%w: exactly one of room or recipient is required", errMalformed)
	}

	frame := encodeFrame(event, p.Username)
	if p.Room != "" {
		h.emitToRoom(p.Room, frame, client.id)
		return nil
	}
	h.sendToUser(p.Recipient, frame)
	return nil
}
