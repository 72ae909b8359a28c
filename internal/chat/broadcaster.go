package chat

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

const (
	// ChannelREST labels messages submitted over HTTP.
	ChannelREST = "rest"
	// ChannelSocket labels messages submitted over a live connection.
	ChannelSocket = "websocket"
)

// MessageAppender persists a message and returns the stored record.
type MessageAppender interface {
	AppendMessage(ctx context.Context, conversationID, senderID, content string) (Message, error)
}

// Recorder observes broadcaster activity.
type Recorder interface {
	RecordMessage(channel string)
	RecordPruned()
}

// BroadcasterConfig wires the broadcaster.
type BroadcasterConfig struct {
	Store    MessageAppender
	Registry *Registry
	Logger   *zap.Logger
	Metrics  Recorder
}

// Broadcaster persists messages and fans them out to the conversation's live subscribers.
type Broadcaster struct {
	store    MessageAppender
	registry *Registry
	logger   *zap.Logger
	metrics  Recorder
	locks    keyedMutex
}

// NewBroadcaster validates the config.
func NewBroadcaster(cfg BroadcasterConfig) (*Broadcaster, error) {
	if cfg.Store == nil {
		return nil, errors.New("chat: broadcaster store is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("chat: broadcaster registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		store:    cfg.Store,
		registry: cfg.Registry,
		logger:   logger,
		metrics:  cfg.Metrics,
		locks:    keyedMutex{locks: make(map[string]*refLock)},
	}, nil
}

// Registry exposes the subscriber registry.
func (b *Broadcaster) Registry() *Registry {
	return b.registry
}

// Send persists the message and delivers it to every subscriber of the
// conversation. Sends to one conversation are serialized so subscribers see
// messages in persistence order.
func (b *Broadcaster) Send(ctx context.Context, conversationID, senderID, content, channel string) (Message, error) {
	unlock := b.locks.Lock(conversationID)
	defer unlock()

	message, err := b.store.AppendMessage(ctx, conversationID, senderID, content)
	if err != nil {
		return Message{}, err
	}
	if b.metrics != nil {
		b.metrics.RecordMessage(channel)
	}
	b.fanOut(message)
	return message, nil
}

func (b *Broadcaster) fanOut(message Message) {
	for _, registration := range b.registry.Snapshot(message.ConversationID) {
		if err := registration.Subscriber.Deliver(message); err != nil {
			if b.registry.Remove(message.ConversationID, registration.ID) {
				registration.Subscriber.Close()
				if b.metrics != nil {
					b.metrics.RecordPruned()
				}
				b.logger.Info("pruned dead chat subscriber",
					zap.String("conversation_id", message.ConversationID),
					zap.Int64("subscriber_id", registration.ID),
					zap.Error(err))
			}
		}
	}
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &refLock{}
		k.locks[key] = lock
	}
	lock.refs++
	k.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		k.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
