package session

import (
	"context"
	"sync"
)

// MemoryStore хранит токены в памяти одного процесса. Используется при
// запуске без Redis и в тестах.
type MemoryStore struct {
	mu       sync.Mutex
	values   map[string]string
	watchers map[int]chan Change
	nextID   int
}

// NewMemoryStore создаёт пустое хранилище в памяти.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:   make(map[string]string),
		watchers: make(map[int]chan Change),
	}
}

// Get возвращает значение ключа, пустую строку для отсутствующего.
func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key], nil
}

// Set сохраняет значение и оповещает наблюдателей.
func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	s.values[key] = value
	s.broadcastLocked(Change{Key: key, Value: value})
	s.mu.Unlock()
	return nil
}

// Clear удаляет ключ и оповещает наблюдателей.
func (s *MemoryStore) Clear(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.values, key)
	s.broadcastLocked(Change{Key: key})
	s.mu.Unlock()
	return nil
}

// Watch возвращает канал изменений. Канал закрывается при отмене
// контекста. Отстающий наблюдатель может пропустить события, поэтому
// получатели перечитывают состояние, а не накапливают дельты.
func (s *MemoryStore) Watch(ctx context.Context) (<-chan Change, error) {
	ch := make(chan Change, 16)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

func (s *MemoryStore) broadcastLocked(change Change) {
	for _, ch := range s.watchers {
		select {
		case ch <- change:
		default:
		}
	}
}
