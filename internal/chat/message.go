// Package chat defines the persisted chat records shared by the store, the
// hub and the HTTP API.
package chat

import (
	"time"
)

// Message is a single chat message. A room message sets Room, a private one
// sets Recipient; messages posted over the API may set neither. Messages are
// immutable once saved.
type Message struct {
	ID        string    `gorm:"primarykey;size:36" json:"id"`
	Sender    string    `gorm:"size:50;not null;index" json:"sender"`
	Recipient string    `gorm:"size:50;index" json:"recipient,omitempty"`
	Text      string    `gorm:"size:5000;not null" json:"text"`
	Room      string    `gorm:"size:100;index" json:"room,omitempty"`
	Timestamp time.Time `gorm:"not null;index" json:"timestamp"`
}

// TableName returns the table name for Message.
func (Message) TableName() string {
	return "messages"
}

// IsPrivate reports whether the message is addressed to a single user.
func (m Message) IsPrivate() bool {
	return m.Recipient != ""
}

// User is a username that has logged in at least once.
type User struct {
	ID        string    `gorm:"primarykey;size:36" json:"id"`
	Username  string    `gorm:"size:50;not null;uniqueIndex" json:"username"`
	Online    bool      `gorm:"not null;default:false" json:"online"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName returns the table name for User.
func (User) TableName() string {
	return "users"
}

// Room is a named broadcast group.
type Room struct {
	ID        string    `gorm:"primarykey;size:36" json:"id"`
	Name      string    `gorm:"size:100;not null;uniqueIndex" json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// TableName returns the table name for Room.
func (Room) TableName() string {
	return "rooms"
}
