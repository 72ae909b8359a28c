package chat

import "sync"

// Subscriber is a live connection that receives messages for one conversation.
// Deliver must not block; a returned error marks the subscriber as dead.
type Subscriber interface {
	Deliver(message Message) error
	Close()
}

// Registration is a subscriber together with its registry-assigned id.
type Registration struct {
	ID         int64
	Subscriber Subscriber
}

// Registry maps conversation ids to their live subscribers.
type Registry struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]Subscriber
	nextID      int64
	closed      bool
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{subscribers: make(map[string]map[int64]Subscriber)}
}

// Register adds subscriber under conversationID and returns its id and an
// idempotent unregister func. After CloseAll, Register closes the subscriber
// immediately and returns ok=false.
func (r *Registry) Register(conversationID string, subscriber Subscriber) (int64, func(), bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		subscriber.Close()
		return 0, func() {}, false
	}
	r.nextID++
	id := r.nextID
	set, ok := r.subscribers[conversationID]
	if !ok {
		set = make(map[int64]Subscriber)
		r.subscribers[conversationID] = set
	}
	set[id] = subscriber
	r.mu.Unlock()

	var once sync.Once
	unregister := func() {
		once.Do(func() {
			r.Remove(conversationID, id)
		})
	}
	return id, unregister, true
}

// Remove drops a subscriber and reports whether it was registered.
func (r *Registry) Remove(conversationID string, id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.subscribers[conversationID]
	if set == nil {
		return false
	}
	if _, ok := set[id]; !ok {
		return false
	}
	delete(set, id)
	if len(set) == 0 {
		delete(r.subscribers, conversationID)
	}
	return true
}

// Snapshot copies the current subscribers of a conversation.
func (r *Registry) Snapshot(conversationID string) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.subscribers[conversationID]
	copies := make([]Registration, 0, len(set))
	for id, subscriber := range set {
		copies = append(copies, Registration{ID: id, Subscriber: subscriber})
	}
	return copies
}

// Count returns the number of live subscribers for a conversation.
func (r *Registry) Count(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers[conversationID])
}

// CloseAll closes and removes every subscriber and refuses new registrations.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	all := r.subscribers
	r.subscribers = make(map[string]map[int64]Subscriber)
	r.mu.Unlock()

	for _, set := range all {
		for _, subscriber := range set {
			subscriber.Close()
		}
	}
}
