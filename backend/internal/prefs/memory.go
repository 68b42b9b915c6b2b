package prefs

import (
	"context"
	"sync"
)

// memoryStore keeps preferences for the lifetime of the process
type memoryStore struct {
	mu    sync.RWMutex
	users map[string]Voice
	bot   *Voice
	def   Voice
}

func newMemoryStore(def Voice) *memoryStore {
	return &memoryStore{users: make(map[string]Voice), def: def}
}

func (s *memoryStore) UserVoice(_ context.Context, userID string) (Voice, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.users[userID]
	return v, ok, nil
}

func (s *memoryStore) SetUserVoice(_ context.Context, userID string, v Voice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = v
	return nil
}

func (s *memoryStore) BotVoice(_ context.Context) (Voice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.bot == nil {
		return s.def, nil
	}
	return *s.bot, nil
}

func (s *memoryStore) SetBotVoice(_ context.Context, v Voice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bot = &v
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}
