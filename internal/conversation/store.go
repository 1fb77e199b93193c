package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Store owns the ordered message list and the transient response flags. All
// mutation goes through its methods; callers never hold the slice itself.
// Every mutation notifies subscribers synchronously.
type Store struct {
	mu               sync.Mutex
	messages         []Message
	responseInFlight bool
	streamingActive  bool
	subs             []func()

	repo   *Repo
	logger *slog.Logger
}

type StoreOption func(*Store)

// WithRepo attaches a snapshot repository. Messages (not flags) are persisted
// after every message mutation, best effort.
func WithRepo(r *Repo) StoreOption {
	return func(s *Store) { s.repo = r }
}

func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Subscribe registers an observer invoked synchronously after each mutation.
// Observers may read the Store but must not mutate it.
func (s *Store) Subscribe(fn func()) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// Append adds a message at the end of the conversation.
func (s *Store) Append(m Message) {
	if m.MessageID == "" {
		return
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
	s.persist()
	s.notify()
}

// ReplaceAll swaps the whole message list, preserving the given order. Used
// when hydrating history from the request/response client.
func (s *Store) ReplaceAll(msgs []Message) {
	cp := make([]Message, len(msgs))
	copy(cp, msgs)
	s.mu.Lock()
	s.messages = cp
	s.mu.Unlock()
	s.persist()
	s.notify()
}

// UpdateTrailingAssistantMessage appends delta to the message with the given
// id, creating a new assistant message when none exists yet. The first
// fragment of a streamed reply both creates and seeds the message; every
// later fragment grows it in place. Delta is applied verbatim, no trimming.
func (s *Store) UpdateTrailingAssistantMessage(id, delta string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	found := false
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].MessageID == id {
			s.messages[i].Text += delta
			found = true
			break
		}
	}
	if !found {
		s.messages = append(s.messages, Message{
			MessageID: id,
			Role:      RoleAssistant,
			Text:      delta,
			CreatedAt: time.Now(),
		})
	}
	s.mu.Unlock()
	s.persist()
	s.notify()
}

// Clear removes every message.
func (s *Store) Clear() {
	s.mu.Lock()
	s.messages = nil
	s.mu.Unlock()
	s.persist()
	s.notify()
}

func (s *Store) SetResponseInFlight(v bool) {
	s.mu.Lock()
	changed := s.responseInFlight != v
	s.responseInFlight = v
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

func (s *Store) SetStreamingActive(v bool) {
	s.mu.Lock()
	changed := s.streamingActive != v
	s.streamingActive = v
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// Messages returns a copy of the ordered message list.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]Message, len(s.messages))
	copy(cp, s.messages)
	return cp
}

func (s *Store) ResponseInFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responseInFlight
}

func (s *Store) StreamingActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamingActive
}

// Hydrate loads the persisted snapshot, replacing the in-memory list. No-op
// without a repo.
func (s *Store) Hydrate(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	msgs, err := s.repo.LoadSnapshot(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.messages = msgs
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Store) notify() {
	s.mu.Lock()
	subs := make([]func(), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func (s *Store) persist() {
	if s.repo == nil {
		return
	}
	if err := s.repo.SaveSnapshot(context.Background(), s.Messages()); err != nil {
		s.logger.Warn("conversation snapshot save failed", "error", err)
	}
}
