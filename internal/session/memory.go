package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryEntry struct {
	mu      sync.Mutex
	sess    Session
	deleted bool
}

// sweepEvery は Create のついでに期限切れを掃除する最短間隔です。
const sweepEvery = time.Minute

// MemoryStore はプロセス内のマップにセッションを保持します。再起動で全て消えます。
// 期限切れのセッションは Create のついでの掃除か StartJanitor で取り除かれます。
type MemoryStore struct {
	opts Options
	now  func() time.Time

	mu        sync.RWMutex
	entries   map[string]*memoryEntry
	lastSweep time.Time
}

// NewMemoryStore は MemoryStore を作成します。
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:    opts.withDefaults(),
		now:     time.Now,
		entries: make(map[string]*memoryEntry),
	}
}

// Create は新しいセッションを作成します。
func (m *MemoryStore) Create(ctx context.Context, username string) (*Session, error) {
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}
	id, err := newID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}
	now := m.now()
	entry := &memoryEntry{sess: Session{
		ID:         id,
		Username:   username,
		CreatedAt:  now,
		LastActive: now,
	}}

	m.mu.Lock()
	m.entries[id] = entry
	due := m.sweepDue(now)
	m.mu.Unlock()

	if due {
		m.Sweep()
	}

	cp := entry.sess
	return &cp, nil
}

// Get はセッションのコピーを返し、最終アクセス時刻を更新します。
func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	var out *Session
	err := m.withEntry(id, func(entry *memoryEntry) error {
		entry.sess.LastActive = m.now()
		cp := entry.sess
		out = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update は fn をセッション単位の排他の中で実行します。
func (m *MemoryStore) Update(ctx context.Context, id string, fn func(*Session) error) error {
	return m.withEntry(id, func(entry *memoryEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		draft := entry.sess
		if err := fn(&draft); err != nil {
			return err
		}
		draft.ID = entry.sess.ID
		draft.CreatedAt = entry.sess.CreatedAt
		draft.LastActive = m.now()
		entry.sess = draft
		return nil
	})
}

// Destroy はセッションを削除します。存在しない場合も成功扱いです。
func (m *MemoryStore) Destroy(ctx context.Context, id string) error {
	m.mu.Lock()
	entry, ok := m.entries[id]
	delete(m.entries, id)
	m.mu.Unlock()

	if ok {
		entry.mu.Lock()
		entry.deleted = true
		entry.mu.Unlock()
	}
	return nil
}

// Len は保持しているセッション数を返します。
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Sweep は期限切れのセッションを削除し、削除した数を返します。
func (m *MemoryStore) Sweep() int {
	m.mu.RLock()
	candidates := make(map[string]*memoryEntry, len(m.entries))
	for id, entry := range m.entries {
		candidates[id] = entry
	}
	m.mu.RUnlock()

	removed := 0
	for id, entry := range candidates {
		entry.mu.Lock()
		stale := !entry.deleted && m.opts.expired(&entry.sess, m.now())
		if stale {
			entry.deleted = true
		}
		entry.mu.Unlock()
		if stale {
			m.forget(id, entry)
			removed++
		}
	}
	return removed
}

// StartJanitor は interval ごとに Sweep を実行するゴルーチンを起動します。
// 返した関数を呼ぶと停止します。
func (m *MemoryStore) StartJanitor(interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = sweepEvery
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep()
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// sweepDue は m.mu を持った状態で呼びます。
func (m *MemoryStore) sweepDue(now time.Time) bool {
	if m.lastSweep.IsZero() {
		m.lastSweep = now
		return false
	}
	if now.Sub(m.lastSweep) < sweepEvery {
		return false
	}
	m.lastSweep = now
	return true
}

func (m *MemoryStore) withEntry(id string, fn func(*memoryEntry) error) error {
	if id == "" {
		return ErrNotFound
	}
	m.mu.RLock()
	entry, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	entry.mu.Lock()
	if entry.deleted {
		entry.mu.Unlock()
		return ErrNotFound
	}
	if m.opts.expired(&entry.sess, m.now()) {
		entry.deleted = true
		entry.mu.Unlock()
		m.forget(id, entry)
		return ErrNotFound
	}
	defer entry.mu.Unlock()
	return fn(entry)
}

func (m *MemoryStore) forget(id string, entry *memoryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[id] == entry {
		delete(m.entries, id)
	}
}
