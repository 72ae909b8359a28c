package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/lowkey/internal/ids"
	"github.com/MarcoPoloResearchLab/lowkey/internal/paging"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opGetOrCreate      = "chat.get_or_create_conversation"
	opConversation     = "chat.conversation"
	opAppendMessage    = "chat.append_message"
	opListRecent       = "chat.list_recent"
	reasonQueryFailed  = "query_failed"
	reasonInsertFailed = "insert_failed"
	reasonIDFailed     = "id_generation_failed"
)

// StoreError wraps infrastructure failures with an operation.reason code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: operation + "." + reason, err: cause}
}

// StoreConfig wires chat persistence.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Store persists conversations and messages.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

// NewStore constructs chat persistence.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errors.New("chat: database handle is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, idProvider: idProvider, logger: logger}, nil
}

// GetOrCreateConversation returns the single conversation for the pair,
// creating it on first use.
func (s *Store) GetOrCreateConversation(ctx context.Context, userA, userB string) (Conversation, error) {
	low, high, err := NormalizePair(strings.TrimSpace(userA), strings.TrimSpace(userB))
	if err != nil {
		return Conversation{}, err
	}

	conversation, err := s.findPair(ctx, low, high)
	if err == nil {
		return conversation, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opGetOrCreate, reasonQueryFailed, err)
		return Conversation{}, newStoreError(opGetOrCreate, reasonQueryFailed, err)
	}

	conversationID, err := s.idProvider.NewID()
	if err != nil {
		return Conversation{}, newStoreError(opGetOrCreate, reasonIDFailed, err)
	}
	candidate := Conversation{
		ConversationID:  conversationID,
		UserLowID:       low,
		UserHighID:      high,
		CreatedAtMillis: s.clock().UTC().UnixMilli(),
	}
	// A concurrent creator may win the unique pair index; the re-read returns its row.
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_low_id"}, {Name: "user_high_id"}},
			DoNothing: true,
		}).
		Create(&candidate).Error
	if err != nil {
		s.logError(opGetOrCreate, reasonInsertFailed, err)
		return Conversation{}, newStoreError(opGetOrCreate, reasonInsertFailed, err)
	}

	conversation, err = s.findPair(ctx, low, high)
	if err != nil {
		s.logError(opGetOrCreate, reasonQueryFailed, err)
		return Conversation{}, newStoreError(opGetOrCreate, reasonQueryFailed, err)
	}
	return conversation, nil
}

func (s *Store) findPair(ctx context.Context, low, high string) (Conversation, error) {
	var conversation Conversation
	err := s.db.WithContext(ctx).
		Where("user_low_id = ? AND user_high_id = ?", low, high).
		Take(&conversation).Error
	return conversation, err
}

// Conversation loads a conversation by id.
func (s *Store) Conversation(ctx context.Context, conversationID string) (Conversation, error) {
	var conversation Conversation
	err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Take(&conversation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conversation{}, ErrInvalidConversation
	}
	if err != nil {
		s.logError(opConversation, reasonQueryFailed, err, zap.String("conversation_id", conversationID))
		return Conversation{}, newStoreError(opConversation, reasonQueryFailed, err)
	}
	return conversation, nil
}

// AppendMessage validates and stores a message, returning the stored record.
func (s *Store) AppendMessage(ctx context.Context, conversationID, senderID, content string) (Message, error) {
	conversation, err := s.Conversation(ctx, conversationID)
	if err != nil {
		return Message{}, err
	}
	if !conversation.HasParticipant(senderID) {
		return Message{}, ErrNotAParticipant
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return Message{}, ErrEmptyContent
	}
	if utf8.RuneCountInString(trimmed) > MaxContentRunes {
		return Message{}, ErrContentTooLong
	}

	messageID, err := s.idProvider.NewID()
	if err != nil {
		return Message{}, newStoreError(opAppendMessage, reasonIDFailed, err)
	}
	message := Message{
		MessageID:       messageID,
		ConversationID:  conversation.ConversationID,
		SenderID:        senderID,
		Content:         trimmed,
		CreatedAtMillis: s.clock().UTC().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		s.logError(opAppendMessage, reasonInsertFailed, err, zap.String("conversation_id", conversationID))
		return Message{}, newStoreError(opAppendMessage, reasonInsertFailed, err)
	}
	return message, nil
}

// ListRecent returns messages newest first.
func (s *Store) ListRecent(ctx context.Context, conversationID string, page paging.Page) ([]Message, error) {
	var messages []Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at_ms DESC, message_id DESC").
		Limit(page.Limit).
		Offset(page.Offset).
		Find(&messages).Error
	if err != nil {
		s.logError(opListRecent, reasonQueryFailed, err, zap.String("conversation_id", conversationID))
		return nil, newStoreError(opListRecent, reasonQueryFailed, err)
	}
	return messages, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Error("chat store error", attrs...)
}
