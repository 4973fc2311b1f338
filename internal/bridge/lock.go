package bridge

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const DefaultLockTimeout = 3 * time.Minute

var ErrViewBusy = errors.New("view busy")

// BusyError reports who holds a view.
type BusyError struct {
	Key     string
	Owner   string
	Expires time.Time
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("view %s is busy with %s until %s", e.Key, e.Owner, e.Expires.Format(time.RFC3339))
}

func (e *BusyError) Unwrap() error { return ErrViewBusy }

type lockEntry struct {
	owner   string
	token   uint64
	expires time.Time
}

// LockManager serializes long operations on one view, such as a login flow
// and a question on the same automation view. Holds expire so a stuck
// caller cannot wedge a view.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]lockEntry
	next  uint64
	now   func() time.Time
}

func NewLockManager() *LockManager {
	return &LockManager{
		locks: make(map[string]lockEntry),
		now:   time.Now,
	}
}

// Acquire takes the view for owner. The returned release is idempotent and
// does not drop a hold that has since expired and been taken by someone
// else.
func (m *LockManager) Acquire(key, owner string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = DefaultLockTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if l, ok := m.locks[key]; ok && now.Before(l.expires) {
		return nil, &BusyError{Key: key, Owner: l.owner, Expires: l.expires}
	}
	m.next++
	token := m.next
	m.locks[key] = lockEntry{owner: owner, token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if l, ok := m.locks[key]; ok && l.token == token {
				delete(m.locks, key)
			}
		})
	}, nil
}

type LockInfo struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (m *LockManager) Get(key string) *LockInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok || !m.now().Before(l.expires) {
		return nil
	}
	return &LockInfo{Owner: l.owner, ExpiresAt: l.expires}
}
