package chat

import (
	"errors"
	"time"
)

// MaxContentRunes caps the trimmed length of a message on every channel.
const MaxContentRunes = 4000

var (
	// ErrInvalidPair indicates a conversation requested between a user and themselves.
	ErrInvalidPair = errors.New("chat: invalid pair")
	// ErrInvalidConversation indicates the conversation does not exist.
	ErrInvalidConversation = errors.New("chat: invalid conversation")
	// ErrNotAParticipant indicates the user is neither side of the conversation.
	ErrNotAParticipant = errors.New("chat: not a participant")
	// ErrEmptyContent indicates a message whose trimmed text is empty.
	ErrEmptyContent = errors.New("chat: empty content")
	// ErrContentTooLong indicates a message longer than MaxContentRunes.
	ErrContentTooLong = errors.New("chat: content too long")
)

// Conversation is the single record for an unordered pair of users. The pair
// is stored with the lower id first.
type Conversation struct {
	ConversationID  string `gorm:"column:conversation_id;primaryKey;size:190;not null"`
	UserLowID       string `gorm:"column:user_low_id;size:190;not null;uniqueIndex:idx_conversation_pair,priority:1;check:chk_conversation_pair_order,user_low_id < user_high_id"`
	UserHighID      string `gorm:"column:user_high_id;size:190;not null;uniqueIndex:idx_conversation_pair,priority:2;index"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Conversation) TableName() string {
	return "conversations"
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (userID == c.UserLowID || userID == c.UserHighID)
}

// CreatedAt returns the creation instant.
func (c Conversation) CreatedAt() time.Time {
	return time.UnixMilli(c.CreatedAtMillis).UTC()
}

// Message is one stored chat line.
type Message struct {
	MessageID       string `gorm:"column:message_id;primaryKey;size:190;not null"`
	ConversationID  string `gorm:"column:conversation_id;size:190;not null;index:idx_messages_conversation_created,priority:1"`
	SenderID        string `gorm:"column:sender_id;size:190;not null"`
	Content         string `gorm:"column:content;type:text;not null;check:chk_message_not_empty,length(content) > 0"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;index:idx_messages_conversation_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// CreatedAt returns the creation instant.
func (m Message) CreatedAt() time.Time {
	return time.UnixMilli(m.CreatedAtMillis).UTC()
}

// NormalizePair orders two participant ids so (a, b) and (b, a) map to the same record.
func NormalizePair(userA, userB string) (string, string, error) {
	if userA == "" || userB == "" || userA == userB {
		return "", "", ErrInvalidPair
	}
	if userA < userB {
		return userA, userB, nil
	}
	return userB, userA, nil
}
