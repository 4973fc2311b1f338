package model

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Persister saves the full account list after each applied command.
type Persister interface {
	SaveAccounts(ctx context.Context, accounts []Account) error
}

type request struct {
	cmd   Command
	reply chan result
}

type result struct {
	change Change
	err    error
}

// Store owns the account list. Commands are applied one at a time, in
// arrival order, by the goroutine started in NewStore; each command replaces
// whole records, so the last dispatched update for a tab wins.
type Store struct {
	cmds    chan request
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	mu       sync.RWMutex
	accounts []Account

	audio   *AudioRegistry
	persist Persister
	changes hub[Change]
	now     func() time.Time
}

// NewStore starts the reducer. persist and audio may be nil.
func NewStore(initial []Account, persist Persister, audio *AudioRegistry) *Store {
	s := &Store{
		cmds:     make(chan request),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		accounts: cloneAccounts(initial),
		audio:    audio,
		persist:  persist,
		now:      time.Now,
	}
	go s.loop()
	return s
}

func cloneAccounts(in []Account) []Account {
	out := make([]Account, len(in))
	for i, a := range in {
		out[i] = a.clone()
	}
	return out
}

func (s *Store) loop() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case req := <-s.cmds:
			req.reply <- s.reduce(req.cmd)
		}
	}
}

func (s *Store) reduce(cmd Command) result {
	s.mu.RLock()
	st := &state{accounts: cloneAccounts(s.accounts), now: s.now}
	s.mu.RUnlock()

	change, err := cmd.apply(st)
	if err != nil {
		return result{err: err}
	}

	s.mu.Lock()
	s.accounts = st.accounts
	s.mu.Unlock()

	if s.audio != nil && len(change.RemovedTabs) > 0 {
		s.audio.Clear(change.RemovedTabs...)
	}
	if s.persist != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.persist.SaveAccounts(ctx, cloneAccounts(st.accounts)); err != nil {
			slog.Warn("persist accounts", "err", err, "change", change.Kind)
		}
		cancel()
	}
	s.changes.publish(change)
	return result{change: change}
}

// Dispatch applies cmd and waits for the result.
func (s *Store) Dispatch(cmd Command) (Change, error) {
	reply := make(chan result, 1)
	select {
	case <-s.done:
		return Change{}, ErrStoreClosed
	case s.cmds <- request{cmd: cmd, reply: reply}:
	}
	r := <-reply
	return r.change, r.err
}

// Accounts returns a copy of all accounts in insertion order.
func (s *Store) Accounts() []Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAccounts(s.accounts)
}

func (s *Store) Account(id string) (Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.ID == id {
			return a.clone(), true
		}
	}
	return Account{}, false
}

// FindTab returns the owning account id and the tab.
func (s *Store) FindTab(tabID string) (string, Tab, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if t, ok := a.Tab(tabID); ok {
			return a.ID, t, true
		}
	}
	return "", Tab{}, false
}

func (s *Store) Audio() *AudioRegistry {
	return s.audio
}

// RecordAudio upserts st into the audio registry when its tab is still in
// the model. It reports whether the entry was recorded.
func (s *Store) RecordAudio(st AudioState) bool {
	if s.audio == nil {
		return false
	}
	// the read lock orders the upsert before a removal commits and clears
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if _, ok := a.Tab(st.TabID); ok {
			return s.audio.Upsert(st)
		}
	}
	return false
}

// Subscribe streams applied changes. A subscriber that falls buf changes
// behind misses changes. The returned func unsubscribes.
func (s *Store) Subscribe(buf int) (<-chan Change, func()) {
	return s.changes.subscribe(buf)
}

// SubscribeAll streams every applied change in order, however far the
// reader falls behind. The returned func unsubscribes.
func (s *Store) SubscribeAll() (<-chan Change, func()) {
	return s.changes.subscribeQueued()
}

// Close stops the reducer and closes all subscriptions.
func (s *Store) Close() {
	s.once.Do(func() {
		close(s.done)
		<-s.stopped
		s.changes.closeAll()
	})
}
