package session

import (
	"context"
	"sync"
)

// MemoryStore implements Store in process memory. IP counters never expire.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[int64]string
	challenges  map[int64]string
	emailTokens map[int64]string
	ipFailures  map[string]int64
	paused      bool
	threshold   int
}

func NewMemoryStore(ipErrorThreshold int) *MemoryStore {
	if ipErrorThreshold <= 0 {
		ipErrorThreshold = DefaultIPErrorThreshold
	}
	return &MemoryStore{
		sessions:    make(map[int64]string),
		challenges:  make(map[int64]string),
		emailTokens: make(map[int64]string),
		ipFailures:  make(map[string]int64),
		threshold:   ipErrorThreshold,
	}
}

func (s *MemoryStore) get(m map[int64]string, userID int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := m[userID]
	if !ok {
		return "", ErrNoSession
	}
	return v, nil
}

func (s *MemoryStore) set(m map[int64]string, userID int64, v string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m[userID] = v
	return nil
}

func (s *MemoryStore) del(m map[int64]string, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(m, userID)
	return nil
}

func (s *MemoryStore) IPErrorThreshold() int { return s.threshold }

func (s *MemoryStore) CheckForIPBan(ctx context.Context, ip string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ipFailures[ip] >= int64(s.threshold), nil
}

func (s *MemoryStore) LogIPForPotentialBan(ctx context.Context, ip string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ipFailures[ip]++
	return s.ipFailures[ip], nil
}

func (s *MemoryStore) SetChallenge(ctx context.Context, userID int64, challenge string) error {
	return s.set(s.challenges, userID, challenge)
}

func (s *MemoryStore) Challenge(ctx context.Context, userID int64) (string, error) {
	return s.get(s.challenges, userID)
}

func (s *MemoryStore) RemoveChallenge(ctx context.Context, userID int64) error {
	return s.del(s.challenges, userID)
}

func (s *MemoryStore) SetSessionID(ctx context.Context, userID int64, sessionID string) error {
	return s.set(s.sessions, userID, sessionID)
}

func (s *MemoryStore) SessionID(ctx context.Context, userID int64) (string, error) {
	return s.get(s.sessions, userID)
}

func (s *MemoryStore) RemoveSessionID(ctx context.Context, userID int64) error {
	return s.del(s.sessions, userID)
}

func (s *MemoryStore) AllSessionIDs(ctx context.Context) (map[int64]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]string, len(s.sessions))
	for k, v := range s.sessions {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) AddEmailToken(ctx context.Context, userID int64, token string) error {
	return s.set(s.emailTokens, userID, token)
}

func (s *MemoryStore) EmailToken(ctx context.Context, userID int64) (string, error) {
	return s.get(s.emailTokens, userID)
}

func (s *MemoryStore) RemoveEmailToken(ctx context.Context, userID int64) error {
	return s.del(s.emailTokens, userID)
}

func (s *MemoryStore) Pause(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	return nil
}

func (s *MemoryStore) IsPaused(ctx context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused, nil
}

func (s *MemoryStore) Resume(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.paused
	s.paused = false
	return was, nil
}

func (s *MemoryStore) Close() error { return nil }
