// Package store persists messages, users and rooms.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Store errors.
var (
	ErrNotFound   = errors.New("record not found")
	ErrRoomExists = errors.New("room already exists")
)

// SQLStore is a gorm-backed store. It is safe for concurrent use.
type SQLStore struct {
	db  *gorm.DB
	now func() time.Time
}

// Open opens (creating if needed) the SQLite database at path and migrates
// the schema. Use ":memory:" for a throwaway database.
func Open(path string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get database handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db)
}

// New wraps an existing gorm connection and migrates the schema.
func New(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&chat.Message{}, &chat.User{}, &chat.Room{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &SQLStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database handle: %w", err)
	}
	return sqlDB.Close()
}

// SaveMessage assigns an ID and server timestamp to msg and stores it.
func (s *SQLStore) SaveMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	msg.ID = uuid.New().String()
	msg.Timestamp = s.now()
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return chat.Message{}, fmt.Errorf("failed to save message: %w", err)
	}
	return msg, nil
}

// FindMessagesByRoom returns the most recent limit messages of room in
// ascending timestamp order. A limit <= 0 returns the whole room history.
func (s *SQLStore) FindMessagesByRoom(ctx context.Context, room string, limit int) ([]chat.Message, error) {
	var messages []chat.Message
	q := s.db.WithContext(ctx).Where("room = ?", room)
	if limit > 0 {
		q = q.Order("timestamp desc").Limit(limit)
	} else {
		q = q.Order("timestamp asc")
	}
	if err := q.Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("failed to find messages for room %s: %w", room, err)
	}
	if limit > 0 {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}
	return messages, nil
}

// ListMessages returns up to limit messages in ascending timestamp order.
func (s *SQLStore) ListMessages(ctx context.Context, limit int) ([]chat.Message, error) {
	var messages []chat.Message
	q := s.db.WithContext(ctx).Order("timestamp asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}

// PrivateMessages returns the conversation between two users, both
// directions, in ascending timestamp order.
func (s *SQLStore) PrivateMessages(ctx context.Context, user1, user2 string) ([]chat.Message, error) {
	var messages []chat.Message
	err := s.db.WithContext(ctx).
		Where("(sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)", user1, user2, user2, user1).
		Order("timestamp asc").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find private messages: %w", err)
	}
	return messages, nil
}

// SetUserOnline updates the online flag of an existing user. Unknown
// usernames are ignored.
func (s *SQLStore) SetUserOnline(ctx context.Context, username string, online bool) error {
	err := s.db.WithContext(ctx).
		Model(&chat.User{}).
		Where("username = ?", username).
		Update("online", online).Error
	if err != nil {
		return fmt.Errorf("failed to set online=%t for %s: %w", online, username, err)
	}
	return nil
}

// OnlineUsers returns the sorted usernames flagged online.
func (s *SQLStore) OnlineUsers(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).
		Model(&chat.User{}).
		Where("online = ?", true).
		Order("username asc").
		Pluck("username", &names).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list online users: %w", err)
	}
	return names, nil
}

// FindUser returns the user with the given username.
func (s *SQLStore) FindUser(ctx context.Context, username string) (*chat.User, error) {
	var user chat.User
	if err := s.db.WithContext(ctx).First(&user, "username = ?", username).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find user %s: %w", username, err)
	}
	return &user, nil
}

// Login finds or creates the user and marks it online.
func (s *SQLStore) Login(ctx context.Context, username string) (*chat.User, error) {
	user, err := s.FindUser(ctx, username)
	switch {
	case errors.Is(err, ErrNotFound):
		user = &chat.User{
			ID:       uuid.New().String(),
			Username: username,
			Online:   true,
		}
		if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
			return nil, fmt.Errorf("failed to create user %s: %w", username, err)
		}
		return user, nil
	case err != nil:
		return nil, err
	}

	user.Online = true
	if err := s.db.WithContext(ctx).Save(user).Error; err != nil {
		return nil, fmt.Errorf("failed to update user %s: %w", username, err)
	}
	return user, nil
}

// Logout marks the user offline. Unknown usernames are ignored.
func (s *SQLStore) Logout(ctx context.Context, username string) error {
	return s.SetUserOnline(ctx, username, false)
}

// ListRooms returns all rooms in creation order.
func (s *SQLStore) ListRooms(ctx context.Context) ([]chat.Room, error) {
	var rooms []chat.Room
	if err := s.db.WithContext(ctx).Order("created_at asc").Find(&rooms).Error; err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	return rooms, nil
}

// CreateRoom creates a room with a unique name.
func (s *SQLStore) CreateRoom(ctx context.Context, name string) (*chat.Room, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&chat.Room{}).Where("name = ?", name).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("failed to check room %s: %w", name, err)
	}
	if count > 0 {
		return nil, ErrRoomExists
	}

	room := &chat.Room{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: s.now(),
	}
	if err := s.db.WithContext(ctx).Create(room).Error; err != nil {
		return nil, fmt.Errorf("failed to create room %s: %w", name, err)
	}
	return room, nil
}
