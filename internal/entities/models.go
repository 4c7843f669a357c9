package entities

import (
	"time"

	"github.com/google/uuid"
)

// UserInfo is the profile of a user
type UserInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Message is a chat message. Messages are immutable once created.
type Message struct {
	ID        string    `json:"id"`
	FromID    string    `json:"from_id"`
	FromName  string    `json:"from_name"`
	ToID      string    `json:"to_id"`
	ToName    string    `json:"to_name"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage creates a message with a fresh id, stamped now
func NewMessage(from, to UserInfo, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		FromID:    from.ID,
		FromName:  from.Name,
		ToID:      to.ID,
		ToName:    to.Name,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}
