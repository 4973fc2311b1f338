package model

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"
)

type memPersister struct {
	mu    sync.Mutex
	saves int
	last  []Account
	fail  bool
}

func (p *memPersister) SaveAccounts(_ context.Context, accounts []Account) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("disk full")
	}
	p.saves++
	p.last = accounts
	return nil
}

func newTestStore(t *testing.T) (*Store, *AudioRegistry, *memPersister) {
	t.Helper()
	audio := NewAudioRegistry()
	p := &memPersister{}
	s := NewStore(nil, p, audio)
	t.Cleanup(s.Close)
	return s, audio, p
}

func mustDispatch(t *testing.T, s *Store, cmd Command) Change {
	t.Helper()
	ch, err := s.Dispatch(cmd)
	if err != nil {
		t.Fatalf("Dispatch(%T): %v", cmd, err)
	}
	return ch
}

func seedAccount(t *testing.T, s *Store, id string, tabs ...string) {
	t.Helper()
	mustDispatch(t, s, AddAccount{Account: Account{ID: id, Name: id}})
	for _, tab := range tabs {
		mustDispatch(t, s, AddTab{AccountID: id, Tab: Tab{ID: tab, URL: "https://example.com/" + tab}})
	}
}

func TestRemoveAccountCascadesTabsAndAudio(t *testing.T) {
	s, audio, _ := newTestStore(t)
	seedAccount(t, s, "acc_a", "t1", "t2")
	seedAccount(t, s, "acc_b", "t3")

	audio.Upsert(AudioState{TabID: "t1", Playing: true, URL: "https://example.com/t1"})
	audio.Upsert(AudioState{TabID: "t2", Playing: true})
	audio.Upsert(AudioState{TabID: "t3", Playing: true})

	ch := mustDispatch(t, s, RemoveAccount{AccountID: "acc_a"})
	if len(ch.RemovedTabs) != 2 {
		t.Fatalf("RemovedTabs = %v, want t1,t2", ch.RemovedTabs)
	}
	if _, ok := s.Account("acc_a"); ok {
		t.Fatal("account should be gone")
	}
	if _, _, ok := s.FindTab("t1"); ok {
		t.Error("tab t1 should be gone")
	}
	for _, id := range []string{"t1", "t2"} {
		if _, ok := audio.Get(id); ok {
			t.Errorf("audio state for %s should be cleared", id)
		}
	}
	if _, ok := audio.Get("t3"); !ok {
		t.Error("audio state for other account's tab must survive")
	}
}

func TestRemoveActiveTabSelectsLastRemaining(t *testing.T) {
	s, _, _ := newTestStore(t)
	seedAccount(t, s, "acc", "t1", "t2", "t3", "t4")
	mustDispatch(t, s, SetActiveTab{AccountID: "acc", TabID: "t2"})

	mustDispatch(t, s, RemoveTab{AccountID: "acc", TabID: "t2"})
	a, _ := s.Account("acc")
	if a.ActiveTabID != "t4" {
		t.Errorf("ActiveTabID = %q, want t4", a.ActiveTabID)
	}

	// Removing an inactive tab leaves the pointer alone.
	mustDispatch(t, s, RemoveTab{AccountID: "acc", TabID: "t1"})
	a, _ = s.Account("acc")
	if a.ActiveTabID != "t4" {
		t.Errorf("ActiveTabID = %q, want t4", a.ActiveTabID)
	}
}

func TestRemoveLastTabClearsActive(t *testing.T) {
	s, _, _ := newTestStore(t)
	seedAccount(t, s, "acc", "t1")
	mustDispatch(t, s, RemoveTab{AccountID: "acc", TabID: "t1"})
	a, _ := s.Account("acc")
	if a.ActiveTabID != "" || len(a.Tabs) != 0 {
		t.Errorf("got active=%q tabs=%d, want empty", a.ActiveTabID, len(a.Tabs))
	}
}

func TestApplyNavigationRejectsInvalidURL(t *testing.T) {
	s, _, _ := newTestStore(t)
	seedAccount(t, s, "acc", "t1")

	for _, bad := range []string{"about:blank", "not a url", "/relative/path", "", "http://"} {
		mustDispatch(t, s, ApplyNavigation{TabID: "t1", URL: bad, Title: "T"})
		_, tab, _ := s.FindTab("t1")
		if tab.URL != "https://example.com/t1" {
			t.Errorf("after %q: URL = %q, want previous value", bad, tab.URL)
		}
	}

	mustDispatch(t, s, ApplyNavigation{TabID: "t1", URL: "https://claude.ai/chat/1", Title: "Claude"})
	_, tab, _ := s.FindTab("t1")
	if tab.URL != "https://claude.ai/chat/1" || tab.Title != "Claude" {
		t.Errorf("tab = %+v", tab)
	}
	if tab.Provider != "claude" {
		t.Errorf("Provider = %q, want claude", tab.Provider)
	}
	if tab.Favicon != "https://www.google.com/s2/favicons?domain=claude.ai&sz=64" {
		t.Errorf("Favicon = %q", tab.Favicon)
	}
}

func TestUpdateTabWholeRecord(t *testing.T) {
	s, _, _ := newTestStore(t)
	seedAccount(t, s, "acc", "t1")
	mustDispatch(t, s, UpdateTab{AccountID: "acc", Tab: Tab{ID: "t1", Title: "new", URL: "::bad", Provider: "deepseek"}})
	_, tab, _ := s.FindTab("t1")
	if tab.Title != "new" || tab.Provider != "deepseek" {
		t.Errorf("tab = %+v", tab)
	}
	if tab.URL != "https://example.com/t1" {
		t.Errorf("invalid URL replaced previous: %q", tab.URL)
	}
	if tab.Favicon != "" {
		t.Errorf("whole-record replace should drop favicon, got %q", tab.Favicon)
	}
}

func TestReorderTabs(t *testing.T) {
	s, _, _ := newTestStore(t)
	seedAccount(t, s, "acc", "t1", "t2", "t3")

	mustDispatch(t, s, ReorderTabs{AccountID: "acc", Order: []string{"t3", "t1", "t2"}})
	a, _ := s.Account("acc")
	got := []string{a.Tabs[0].ID, a.Tabs[1].ID, a.Tabs[2].ID}
	if got[0] != "t3" || got[1] != "t1" || got[2] != "t2" {
		t.Errorf("order = %v", got)
	}

	bad := [][]string{
		{"t1", "t2"},
		{"t1", "t1", "t2"},
		{"t1", "t2", "t9"},
	}
	for _, order := range bad {
		if _, err := s.Dispatch(ReorderTabs{AccountID: "acc", Order: order}); !errors.Is(err, ErrInvalidOrder) {
			t.Errorf("order %v: err = %v, want ErrInvalidOrder", order, err)
		}
	}
}

func TestDuplicateAndMissing(t *testing.T) {
	s, _, _ := newTestStore(t)
	seedAccount(t, s, "acc", "t1")

	if _, err := s.Dispatch(AddAccount{Account: Account{ID: "acc"}}); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("duplicate account err = %v", err)
	}
	if _, err := s.Dispatch(AddTab{AccountID: "acc", Tab: Tab{ID: "t1"}}); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("duplicate tab err = %v", err)
	}
	if _, err := s.Dispatch(RemoveTab{AccountID: "nope", TabID: "t1"}); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("missing account err = %v", err)
	}
	if _, err := s.Dispatch(SetActiveTab{AccountID: "acc", TabID: "zz"}); !errors.Is(err, ErrTabNotFound) {
		t.Errorf("missing tab err = %v", err)
	}
}

func TestSignInAndUpdateAccountKeepTabs(t *testing.T) {
	s, _, _ := newTestStore(t)
	seedAccount(t, s, "acc", "t1")
	mustDispatch(t, s, SignIn{AccountID: "acc", Token: "tok", Email: "a@example.com"})
	mustDispatch(t, s, UpdateAccount{Account: Account{ID: "acc", Name: "Renamed", SignedIn: true, Token: "tok"}})

	a, _ := s.Account("acc")
	if a.Name != "Renamed" || !a.SignedIn || a.Token != "tok" {
		t.Errorf("account = %+v", a)
	}
	if len(a.Tabs) != 1 || a.ActiveTabID != "t1" {
		t.Errorf("tabs not preserved: %+v", a)
	}
}

func TestFailedCommandLeavesStateUntouched(t *testing.T) {
	s, _, p := newTestStore(t)
	seedAccount(t, s, "acc", "t1", "t2")
	saves := p.saves

	_, _ = s.Dispatch(ReorderTabs{AccountID: "acc", Order: []string{"t2"}})
	a, _ := s.Account("acc")
	if a.Tabs[0].ID != "t1" {
		t.Error("failed reorder mutated state")
	}
	if p.saves != saves {
		t.Error("failed command should not persist")
	}
}

func TestPersistFailureDoesNotFailDispatch(t *testing.T) {
	p := &memPersister{fail: true}
	s := NewStore(nil, p, nil)
	defer s.Close()
	if _, err := s.Dispatch(AddAccount{Account: Account{ID: "acc"}}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
}

func TestSubscribeReceivesChangesInOrder(t *testing.T) {
	s, _, _ := newTestStore(t)
	ch, cancel := s.Subscribe(8)
	defer cancel()

	seedAccount(t, s, "acc", "t1")
	mustDispatch(t, s, RemoveTab{AccountID: "acc", TabID: "t1"})

	want := []ChangeKind{AccountAdded, TabAdded, TabRemoved}
	for _, k := range want {
		c := <-ch
		if c.Kind != k {
			t.Fatalf("change kind = %s, want %s", c.Kind, k)
		}
	}
}

func TestSubscribeAllKeepsEveryChange(t *testing.T) {
	s, _, _ := newTestStore(t)
	lagging, cancelLagging := s.Subscribe(1)
	defer cancelLagging()
	all, cancel := s.SubscribeAll()
	defer cancel()

	seedAccount(t, s, "acc", "t1")
	for i := 0; i < 100; i++ {
		mustDispatch(t, s, ApplyNavigation{TabID: "t1", URL: "https://example.com/" + strconv.Itoa(i)})
	}
	mustDispatch(t, s, RemoveTab{AccountID: "acc", TabID: "t1"})

	if n := len(lagging); n != 1 {
		t.Errorf("buffered subscriber holds %d changes, want 1", n)
	}
	var kinds []ChangeKind
	for len(kinds) < 103 {
		select {
		case c := <-all:
			kinds = append(kinds, c.Kind)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d changes, want 103", len(kinds))
		}
	}
	if kinds[0] != AccountAdded || kinds[1] != TabAdded || kinds[102] != TabRemoved {
		t.Errorf("changes out of order: first %v, last %s", kinds[:2], kinds[102])
	}
}

func TestSubscribeAllDrainsOnClose(t *testing.T) {
	s := NewStore(nil, nil, nil)
	all, cancel := s.SubscribeAll()
	defer cancel()
	seedAccount(t, s, "acc", "t1", "t2")
	s.Close()

	n := 0
	for range all {
		n++
	}
	if n != 3 {
		t.Errorf("received %d changes before close, want 3", n)
	}
}

func TestSubscribeAllUnsubscribe(t *testing.T) {
	s, _, _ := newTestStore(t)
	all, cancel := s.SubscribeAll()
	seedAccount(t, s, "acc", "t1")
	cancel()
	cancel()
	select {
	case _, ok := <-all:
		for ok {
			_, ok = <-all
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribed channel not closed")
	}
	mustDispatch(t, s, AddTab{AccountID: "acc", Tab: Tab{ID: "t2", URL: "https://example.com/t2"}})
}

func TestRecordAudioOnlyForKnownTabs(t *testing.T) {
	s, audio, _ := newTestStore(t)
	seedAccount(t, s, "acc", "t1")

	if !s.RecordAudio(AudioState{TabID: "t1", Playing: true}) {
		t.Fatal("audio for a live tab rejected")
	}
	mustDispatch(t, s, RemoveTab{AccountID: "acc", TabID: "t1"})
	if _, ok := audio.Get("t1"); ok {
		t.Fatal("removal left the audio entry")
	}
	if s.RecordAudio(AudioState{TabID: "t1", Playing: true}) {
		t.Error("audio recorded for a removed tab")
	}
	if _, ok := audio.Get("t1"); ok {
		t.Error("audio entry exists for removed tab")
	}
}

func TestRecordAudioRacingRemoval(t *testing.T) {
	for i := 0; i < 20; i++ {
		s, audio, _ := newTestStore(t)
		seedAccount(t, s, "acc", "t1")

		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					s.RecordAudio(AudioState{TabID: "t1", Playing: true})
				}
			}
		}()
		mustDispatch(t, s, RemoveTab{AccountID: "acc", TabID: "t1"})
		close(stop)
		wg.Wait()

		if _, ok := audio.Get("t1"); ok {
			t.Fatalf("run %d: audio entry survived tab removal", i)
		}
	}
}

func TestConcurrentUpdatesLastWriteWins(t *testing.T) {
	s, _, _ := newTestStore(t)
	seedAccount(t, s, "acc", "t1", "t2")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = s.Dispatch(ApplyNavigation{TabID: "t1", URL: "https://a.example.com/", Title: "a"})
		}()
		go func() {
			defer wg.Done()
			_, _ = s.Dispatch(ApplyNavigation{TabID: "t2", URL: "https://b.example.com/", Title: "b"})
		}()
	}
	wg.Wait()

	_, t1, _ := s.FindTab("t1")
	_, t2, _ := s.FindTab("t2")
	if t1.Title != "a" || t2.Title != "b" {
		t.Errorf("updates to different tabs conflicted: %+v %+v", t1, t2)
	}
}

func TestDispatchAfterClose(t *testing.T) {
	s := NewStore(nil, nil, nil)
	s.Close()
	if _, err := s.Dispatch(AddAccount{Account: Account{ID: "x"}}); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("err = %v, want ErrStoreClosed", err)
	}
}
