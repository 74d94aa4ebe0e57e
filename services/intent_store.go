package services

import (
	"context"
	"sync"

	"marketplace/backend/models"
)

// IntentStore is the client-side read-through cache of intents and their
// last observed status.
type IntentStore interface {
	SaveIntent(ctx context.Context, intent models.PaymentIntent) error
	UpdateStatus(ctx context.Context, intentID string, status models.PaymentStatus) error
	GetIntent(ctx context.Context, intentID string) (*models.PaymentIntent, error)
}

// MemoryIntentStore keeps intents in process memory.
type MemoryIntentStore struct {
	mu      sync.RWMutex
	intents map[string]models.PaymentIntent
}

func NewMemoryIntentStore() *MemoryIntentStore {
	return &MemoryIntentStore{intents: make(map[string]models.PaymentIntent)}
}

func (s *MemoryIntentStore) SaveIntent(_ context.Context, intent models.PaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.intents[intent.ID]; !exists {
		s.intents[intent.ID] = intent
	}
	return nil
}

func (s *MemoryIntentStore) UpdateStatus(_ context.Context, intentID string, status models.PaymentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[intentID]
	if !ok {
		return ErrUnknownIntent
	}
	if intent.ApplyStatus(status) {
		s.intents[intentID] = intent
	}
	return nil
}

func (s *MemoryIntentStore) GetIntent(_ context.Context, intentID string) (*models.PaymentIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	intent, ok := s.intents[intentID]
	if !ok {
		return nil, ErrUnknownIntent
	}
	return &intent, nil
}
