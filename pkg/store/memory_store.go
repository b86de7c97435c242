package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/strophon/actionserver/pkg/contracts"
)

// MemoryStore implements Opener in memory. Handles buffer their writes and
// apply them atomically on Commit; GetUser with lock holds a per-user mutex
// until the handle commits or closes.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[int64]*contracts.User
	events  map[int64]*contracts.Event
	nextUID int64
	nextEID int64
	commits int

	lockMu sync.Mutex
	locks  map[int64]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[int64]*contracts.User),
		events: make(map[int64]*contracts.Event),
		locks:  make(map[int64]*sync.Mutex),
	}
}

// Open returns a new unit of work.
func (s *MemoryStore) Open(ctx context.Context) (DataIO, error) {
	return &memoryHandle{store: s, held: make(map[int64]*sync.Mutex)}, nil
}

// Commits reports how many non-empty commits have been applied.
func (s *MemoryStore) Commits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commits
}

// Events returns a snapshot of every stored event in ID order.
func (s *MemoryStore) Events() []*contracts.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.Event, 0, len(s.events))
	for _, e := range s.events {
		c := *e
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PutUser stores u directly, outside any unit of work. Used for seeding.
func (s *MemoryStore) PutUser(u *contracts.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == 0 {
		s.nextUID++
		u.ID = s.nextUID
	} else if u.ID > s.nextUID {
		s.nextUID = u.ID
	}
	c := *u
	s.users[u.ID] = &c
}

func (s *MemoryStore) rowLock(id int64) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

type memoryHandle struct {
	store   *MemoryStore
	pending []func(s *MemoryStore)
	held    map[int64]*sync.Mutex
	closed  bool
}

func (h *memoryHandle) buffer(op func(s *MemoryStore)) error {
	if h.closed {
		return ErrClosed
	}
	h.pending = append(h.pending, op)
	return nil
}

func (h *memoryHandle) release() {
	for id, m := range h.held {
		m.Unlock()
		delete(h.held, id)
	}
}

func (h *memoryHandle) Commit(ctx context.Context, force bool) error {
	if h.closed {
		return ErrClosed
	}
	if len(h.pending) == 0 && !force {
		return nil
	}
	if len(h.pending) > 0 {
		h.store.mu.Lock()
		for _, op := range h.pending {
			op(h.store)
		}
		h.store.commits++
		h.store.mu.Unlock()
		h.pending = nil
	}
	h.release()
	return nil
}

func (h *memoryHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	h.pending = nil
	h.release()
	return nil
}

func (h *memoryHandle) GetUser(ctx context.Context, id int64, lock bool) (*contracts.User, error) {
	if h.closed {
		return nil, ErrClosed
	}
	if lock {
		if _, ok := h.held[id]; !ok {
			m := h.store.rowLock(id)
			m.Lock()
			h.held[id] = m
		}
	}
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()
	u, ok := h.store.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *u
	return &c, nil
}

func (h *memoryHandle) GetUserByEmail(ctx context.Context, email string) (*contracts.User, error) {
	if h.closed {
		return nil, ErrClosed
	}
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()
	for _, u := range h.store.users {
		if u.Email == email {
			c := *u
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (h *memoryHandle) SetUserEmailConfirmed(ctx context.Context, userID int64) error {
	return h.buffer(func(s *MemoryStore) {
		if u, ok := s.users[userID]; ok {
			u.EmailConfirmed = true
			u.EmailToken = ""
		}
	})
}

func (h *memoryHandle) AddEvents(ctx context.Context, events []*contracts.Event) error {
	if h.closed {
		return ErrClosed
	}
	h.store.mu.Lock()
	for _, e := range events {
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now().UTC()
		}
		h.store.nextEID++
		e.ID = h.store.nextEID
	}
	h.store.mu.Unlock()

	copies := make([]contracts.Event, len(events))
	for i, e := range events {
		copies[i] = *e
	}
	return h.buffer(func(s *MemoryStore) {
		for i := range copies {
			e := copies[i]
			s.events[e.ID] = &e
		}
	})
}

func (h *memoryHandle) MarkEventSeen(ctx context.Context, eventID int64) error {
	return h.buffer(func(s *MemoryStore) {
		if e, ok := s.events[eventID]; ok {
			e.Seen = true
		}
	})
}

func (h *memoryHandle) GetUnseenEventsSinceFirstUnseen(ctx context.Context, userID int64) ([]*contracts.Event, error) {
	if h.closed {
		return nil, ErrClosed
	}
	all := h.store.Events()
	first := int64(-1)
	for _, e := range all {
		if e.UserID != nil && *e.UserID == userID && !e.Seen {
			first = e.ID
			break
		}
	}
	out := []*contracts.Event{}
	if first < 0 {
		return out, nil
	}
	for _, e := range all {
		if e.ID < first {
			continue
		}
		if e.UserID == nil || (*e.UserID == userID && !e.Seen) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (h *memoryHandle) IsNameUsed(ctx context.Context, name string) (bool, error) {
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()
	for _, u := range h.store.users {
		if u.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (h *memoryHandle) IsEmailUsed(ctx context.Context, email string) (bool, error) {
	_, err := h.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (h *memoryHandle) AddUser(ctx context.Context, u *contracts.User) error {
	if h.closed {
		return ErrClosed
	}
	if u.Authorities == "" {
		u.Authorities = contracts.EncodeAuthorities(contracts.AuthorityUser)
	}
	h.store.mu.Lock()
	h.store.nextUID++
	u.ID = h.store.nextUID
	h.store.mu.Unlock()

	c := *u
	return h.buffer(func(s *MemoryStore) { s.users[c.ID] = &c })
}

func (h *memoryHandle) UpdateUser(ctx context.Context, u *contracts.User) error {
	c := *u
	return h.buffer(func(s *MemoryStore) {
		if _, ok := s.users[c.ID]; ok {
			s.users[c.ID] = &c
		}
	})
}

func (h *memoryHandle) DeleteUser(ctx context.Context, u *contracts.User) error {
	id := u.ID
	return h.buffer(func(s *MemoryStore) { delete(s.users, id) })
}
