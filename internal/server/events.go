package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Event names, inbound and outbound.
const (
	EventUserOnline     = "userOnline"
	EventJoinRoom       = "joinRoom"
	EventLeaveRoom      = "leaveRoom"
	EventChatMessage    = "chatMessage"
	EventPrivateMessage = "privateMessage"
	EventTyping         = "typing"
	EventStopTyping     = "stopTyping"

	EventOnlineUsers = "onlineUsers"
	EventRoomUsers   = "roomUsers"
	EventRoomHistory = "roomHistory"
)

// errMalformed marks an inbound event that is missing required fields.
var errMalformed = errors.New("malformed event")

// Envelope is the JSON frame exchanged over the WebSocket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinRoomPayload is the data of a joinRoom event.
type JoinRoomPayload struct {
	Username string `json:"username"`
	Room     string `json:"room"`
}

// LeaveRoomPayload is the data of a leaveRoom event.
type LeaveRoomPayload struct {
	Room string `json:"room"`
}

// ChatMessagePayload is the data of an inbound chatMessage event.
type ChatMessagePayload struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
	Room   string `json:"room"`
}

// PrivateMessagePayload is the data of an inbound privateMessage event.
type PrivateMessagePayload struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
}

// TypingPayload is the data of typing and stopTyping events.
type TypingPayload struct {
	Username  string `json:"username"`
	Room      string `json:"room,omitempty"`
	Recipient string `json:"recipient,omitempty"`
}

// RoomUsers is the data of an outbound roomUsers event.
type RoomUsers struct {
	Room  string   `json:"room"`
	Users []string `json:"users"`
}

// inboundEvent is a decoded frame queued for the hub loop.
type inboundEvent struct {
	client *Client
	name   string
	data   json.RawMessage
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", errMalformed)
	}
	return env, nil
}

func decodePayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", errMalformed)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	return nil
}

// decodeUsername accepts both a bare JSON string and {"username": "..."}.
func decodeUsername(data json.RawMessage) (string, error) {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		return name, nil
	}
	var obj struct {
		Username string `json:"username"`
	}
	if err := decodePayload(data, &obj); err != nil {
		return "", err
	}
	return obj.Username, nil
}

// encodeFrame renders an outbound event. Payload types are all plain data,
// so a marshal failure is a programming error.
func encodeFrame(event string, data any) []byte {
	payload, err := json.Marshal(data)
	if err != nil {
		panic(fmt.Sprintf("encode %s payload: %v", event, err))
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		panic(fmt.Sprintf("encode %s envelope: %v", event, err))
	}
	return frame
}

func roomUsersFrame(room string, users []string) []byte {
	if users == nil {
		users = []string{}
	}
	return encodeFrame(EventRoomUsers, RoomUsers{Room: room, Users: users})
}

func historyFrame(messages []chat.Message) []byte {
	if messages == nil {
		messages = []chat.Message{}
	}
	return encodeFrame(EventRoomHistory, messages)
}
