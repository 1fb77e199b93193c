package conversation

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one exchanged utterance. Assistant messages grow in place while
// a reply is streaming; user messages are immutable once appended.
type Message struct {
	Seq       uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	MessageID string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"id"`
	Role      string    `gorm:"type:varchar(16);not null" json:"role"`
	Text      string    `gorm:"type:text;not null" json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

func (Message) TableName() string { return "conversation_messages" }
