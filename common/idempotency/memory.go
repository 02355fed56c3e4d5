package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryStore 크기 제한이 있는 인메모리 멱등성 저장소
//
// 최근 capacity 개의 키만 기억한다. 가장 오래된 키부터 밀려난다.
type MemoryStore struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
	now      func() time.Time
}

type memoryEntry struct {
	key       string
	expiresAt time.Time
}

// NewMemoryStore 인메모리 멱등성 저장소 생성
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryStore{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		now:      time.Now,
	}
}

// Reserve 멱등성 키 예약
func (s *MemoryStore) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.liveLocked(key) {
		return false, nil
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = s.order.PushBack(&memoryEntry{key: key, expiresAt: expiresAt})

	for s.order.Len() > s.capacity {
		s.removeLocked(s.order.Front())
	}
	return true, nil
}

// IsProcessed 이미 처리된 키인지 확인
func (s *MemoryStore) IsProcessed(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked(key), nil
}

// Release 멱등성 키 해제
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[key]; ok {
		s.removeLocked(el)
	}
	return nil
}

// Len 현재 기억 중인 키 개수
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

func (s *MemoryStore) liveLocked(key string) bool {
	el, ok := s.entries[key]
	if !ok {
		return false
	}
	entry := el.Value.(*memoryEntry)
	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		s.removeLocked(el)
		return false
	}
	return true
}

func (s *MemoryStore) removeLocked(el *list.Element) {
	entry := el.Value.(*memoryEntry)
	delete(s.entries, entry.key)
	s.order.Remove(el)
}
