// Package store provides storage backends for LingoPipe.
//
// This file implements an in-memory store used for tests and local
// development. All operations are mutex-guarded so the atomicity contracts
// of the Store interface hold under concurrent access.
package store

import (
	"sync"
	"time"

	"github.com/lingopipe/LingoPipe/internal/models"
)

// InMemoryStore implements Store and DedupRepo with process-local maps.
type InMemoryStore struct {
	mu          sync.Mutex
	subscribers map[string]*models.Subscriber
	onboarding  map[string]*models.OnboardingState
	checkpoints map[string]*models.Checkpoint
	dedup       map[string]*DedupRecord
}

// Compile-time checks.
var (
	_ Store     = (*InMemoryStore)(nil)
	_ DedupRepo = (*InMemoryStore)(nil)
)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		subscribers: make(map[string]*models.Subscriber),
		onboarding:  make(map[string]*models.OnboardingState),
		checkpoints: make(map[string]*models.Checkpoint),
		dedup:       make(map[string]*DedupRecord),
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) GetSubscriber(phone string) (*models.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[phone]
	if !ok {
		return nil, nil
	}
	cp := *sub
	return &cp, nil
}

func (s *InMemoryStore) CreateSubscriber(sub models.Subscriber) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subscribers[sub.Phone]; exists {
		return models.ErrSubscriberExists
	}
	cp := sub
	s.subscribers[sub.Phone] = &cp
	return nil
}

func (s *InMemoryStore) SaveSubscriber(sub models.Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.subscribers[sub.Phone]
	if !ok {
		return models.ErrSubscriberNotFound
	}
	existing.Profile = sub.Profile
	existing.Metadata.IsPremium = sub.Metadata.IsPremium
	existing.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) ListSubscribers() ([]models.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := make([]models.Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, *sub)
	}
	return subs, nil
}

func (s *InMemoryStore) IncrementConversationCount(phone string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[phone]
	if !ok {
		return models.ErrSubscriberNotFound
	}
	sub.Metadata.ConversationsStartedToday++
	t := at
	sub.Metadata.LastConversationDate = &t
	sub.UpdatedAt = at
	return nil
}

func (s *InMemoryStore) ResetDailyCountBefore(phone string, localMidnight time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[phone]
	if !ok {
		return false, models.ErrSubscriberNotFound
	}
	if sub.Metadata.ConversationsStartedToday == 0 {
		return false, nil
	}
	if sub.Metadata.LastConversationDate != nil && !sub.Metadata.LastConversationDate.Before(localMidnight) {
		return false, nil
	}
	sub.Metadata.ConversationsStartedToday = 0
	sub.UpdatedAt = time.Now()
	return true, nil
}

func (s *InMemoryStore) ClaimProactiveSend(phone string, localDate string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[phone]
	if !ok {
		return false, models.ErrSubscriberNotFound
	}
	if sub.Metadata.LastProactiveSentDate == localDate {
		return false, nil
	}
	sub.Metadata.LastProactiveSentDate = localDate
	sub.UpdatedAt = time.Now()
	return true, nil
}

func (s *InMemoryStore) ReleaseProactiveSend(phone string, localDate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[phone]
	if !ok {
		return models.ErrSubscriberNotFound
	}
	if sub.Metadata.LastProactiveSentDate == localDate {
		sub.Metadata.LastProactiveSentDate = ""
	}
	return nil
}

func (s *InMemoryStore) AppendDigest(phone string, d models.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[phone]
	if !ok {
		return models.ErrSubscriberNotFound
	}
	sub.Metadata.Digests = append(sub.Metadata.Digests, d)
	sub.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) UpdateStreak(phone string, streak models.StreakData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[phone]
	if !ok {
		return models.ErrSubscriberNotFound
	}
	sub.Metadata.Streak = streak
	sub.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) SetPremium(phone string, premium bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[phone]
	if !ok {
		return models.ErrSubscriberNotFound
	}
	sub.Metadata.IsPremium = premium
	sub.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) GetOnboardingState(phone string) (*models.OnboardingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.onboarding[phone]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (s *InMemoryStore) SaveOnboardingState(st models.OnboardingState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := st
	s.onboarding[st.Phone] = &cp
	return nil
}

func (s *InMemoryStore) DeleteOnboardingState(phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.onboarding, phone)
	return nil
}

func (s *InMemoryStore) DeleteExpiredOnboarding(olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for phone, st := range s.onboarding {
		if st.CreatedAt.Before(olderThan) {
			delete(s.onboarding, phone)
			removed++
		}
	}
	return removed, nil
}

func (s *InMemoryStore) GetCheckpoint(phone string) (*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[phone]
	if !ok {
		return nil, nil
	}
	out := *cp
	out.Messages = append([]models.AgentMessage(nil), cp.Messages...)
	return &out, nil
}

func (s *InMemoryStore) SaveCheckpoint(cp models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := cp
	stored.Messages = append([]models.AgentMessage(nil), cp.Messages...)
	s.checkpoints[cp.Phone] = &stored
	return nil
}

func (s *InMemoryStore) DeleteCheckpoint(phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, phone)
	return nil
}

func (s *InMemoryStore) RecordInbound(messageID, phone string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.dedup[messageID]; exists {
		return false, nil
	}
	s.dedup[messageID] = &DedupRecord{MessageID: messageID, Phone: phone, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok {
		now := time.Now()
		rec.ProcessedAt = &now
	}
	return nil
}

func (s *InMemoryStore) PurgeDedupBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.dedup {
		if rec.ReceivedAt.Before(cutoff) {
			delete(s.dedup, id)
			removed++
		}
	}
	return removed, nil
}
