package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/store"
)

// apiMessageLimit caps GET /api/messages.
const apiMessageLimit = 100

// Store is everything the HTTP API and the hub need from persistence.
type Store interface {
	MessageStore
	Login(ctx context.Context, username string) (*chat.User, error)
	Logout(ctx context.Context, username string) error
	ListRooms(ctx context.Context) ([]chat.Room, error)
	CreateRoom(ctx context.Context, name string) (*chat.Room, error)
	ListMessages(ctx context.Context, limit int) ([]chat.Message, error)
	PrivateMessages(ctx context.Context, user1, user2 string) ([]chat.Message, error)
	OnlineUsers(ctx context.Context) ([]string, error)
}

type usernameRequest struct {
	Username string `json:"username"`
}

type createRoomRequest struct {
	Name string `json:"name"`
}

type postMessageRequest struct {
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Room      string `json:"room,omitempty"`
	Recipient string `json:"recipient,omitempty"`
}

type loginResponse struct {
	User struct {
		Username string `json:"username"`
		ID       string `json:"id"`
	} `json:"user"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Error writing JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.logger.Debug(msg, "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, status, messageResponse{Message: msg})
}

func decodeBody(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req usernameRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := chat.ValidateUsername(req.Username); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "Username is required", err)
		return
	}

	user, err := s.store.Login(r.Context(), strings.TrimSpace(req.Username))
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "Error logging in", err)
		return
	}

	var resp loginResponse
	resp.User.Username = user.Username
	resp.User.ID = user.ID
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req usernameRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := chat.ValidateUsername(req.Username); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "Username is required", err)
		return
	}

	if err := s.store.Logout(r.Context(), strings.TrimSpace(req.Username)); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "Error logging out", err)
		return
	}
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "Logged out"})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.store.ListRooms(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "Error fetching rooms", err)
		return
	}
	if rooms == nil {
		rooms = []chat.Room{}
	}
	s.writeJSON(w, http.StatusOK, rooms)
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := chat.ValidateRoomName(req.Name); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "Room name is required", err)
		return
	}

	room, err := s.store.CreateRoom(r.Context(), strings.TrimSpace(req.Name))
	switch {
	case errors.Is(err, store.ErrRoomExists):
		s.writeError(w, r, http.StatusBadRequest, "Room already exists", err)
		return
	case err != nil:
		s.writeError(w, r, http.StatusInternalServerError, "Error creating room", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, room)
}

// handleRoomUsers reports the live roster of a room from the hub.
func (s *Server) handleRoomUsers(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("name")
	users := s.hub.RoomUsers(room)
	if users == nil {
		users = []string{}
	}
	s.writeJSON(w, http.StatusOK, RoomUsers{Room: room, Users: users})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.store.ListMessages(r.Context(), apiMessageLimit)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "Error fetching messages", err)
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	s.writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if chat.ValidateUsername(req.Sender) != nil || chat.ValidateText(req.Text) != nil {
		s.writeError(w, r, http.StatusBadRequest, "Sender and text are required", nil)
		return
	}
	if req.Room != "" && req.Recipient != "" {
		s.writeError(w, r, http.StatusBadRequest, "A message has either a room or a recipient", nil)
		return
	}

	saved, err := s.store.SaveMessage(r.Context(), chat.Message{
		Sender:    req.Sender,
		Recipient: req.Recipient,
		Text:      req.Text,
		Room:      req.Room,
	})
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "Error sending message", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handlePrivateMessages(w http.ResponseWriter, r *http.Request) {
	user1, user2 := r.PathValue("user1"), r.PathValue("user2")
	messages, err := s.store.PrivateMessages(r.Context(), user1, user2)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "Error fetching private messages", err)
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	s.writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleOnlineUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.OnlineUsers(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "Error fetching online users", err)
		return
	}
	if users == nil {
		users = []string{}
	}
	s.writeJSON(w, http.StatusOK, users)
}
