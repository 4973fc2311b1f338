package model

import (
	"fmt"
	"time"
)

// Command is one mutation of the account list. apply receives a private
// copy of the state and either returns the resulting change or an error,
// in which case the copy is discarded.
type Command interface {
	apply(s *state) (Change, error)
}

type state struct {
	accounts []Account
	now      func() time.Time
}

func (s *state) index(accountID string) int {
	for i, a := range s.accounts {
		if a.ID == accountID {
			return i
		}
	}
	return -1
}

func (s *state) account(accountID string) (*Account, error) {
	i := s.index(accountID)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return &s.accounts[i], nil
}

// findTab locates a tab across all accounts. accountID narrows the search
// when set.
func (s *state) findTab(accountID, tabID string) (*Account, int, error) {
	for i := range s.accounts {
		a := &s.accounts[i]
		if accountID != "" && a.ID != accountID {
			continue
		}
		if j := a.tabIndex(tabID); j >= 0 {
			return a, j, nil
		}
	}
	if accountID != "" && s.index(accountID) < 0 {
		return nil, -1, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return nil, -1, fmt.Errorf("%w: %s", ErrTabNotFound, tabID)
}

func snapshot(a *Account) *Account {
	c := a.clone()
	return &c
}

type AddAccount struct {
	Account Account
}

func (c AddAccount) apply(s *state) (Change, error) {
	if c.Account.ID == "" {
		return Change{}, fmt.Errorf("account id required")
	}
	if s.index(c.Account.ID) >= 0 {
		return Change{}, fmt.Errorf("%w: account %s", ErrDuplicateID, c.Account.ID)
	}
	a := c.Account.clone()
	if a.ActiveTabID != "" && a.tabIndex(a.ActiveTabID) < 0 {
		a.ActiveTabID = ""
	}
	if a.LastUsed.IsZero() {
		a.LastUsed = s.now()
	}
	s.accounts = append(s.accounts, a)
	return Change{Kind: AccountAdded, AccountID: a.ID, Account: snapshot(&a)}, nil
}

// UpdateAccount replaces the account's descriptive fields. Tabs and the
// active tab pointer are owned by the tab commands and are kept.
type UpdateAccount struct {
	Account Account
}

func (c UpdateAccount) apply(s *state) (Change, error) {
	a, err := s.account(c.Account.ID)
	if err != nil {
		return Change{}, err
	}
	next := c.Account.clone()
	next.Tabs = a.Tabs
	next.ActiveTabID = a.ActiveTabID
	*a = next
	return Change{Kind: AccountUpdated, AccountID: a.ID, Account: snapshot(a)}, nil
}

type RemoveAccount struct {
	AccountID string
}

func (c RemoveAccount) apply(s *state) (Change, error) {
	i := s.index(c.AccountID)
	if i < 0 {
		return Change{}, fmt.Errorf("%w: %s", ErrAccountNotFound, c.AccountID)
	}
	removed := make([]string, 0, len(s.accounts[i].Tabs))
	for _, t := range s.accounts[i].Tabs {
		removed = append(removed, t.ID)
	}
	s.accounts = append(s.accounts[:i], s.accounts[i+1:]...)
	return Change{Kind: AccountRemoved, AccountID: c.AccountID, RemovedTabs: removed}, nil
}

// SignIn records a completed sign-in carrying an opaque identity token.
type SignIn struct {
	AccountID string
	Token     string
	Email     string
}

func (c SignIn) apply(s *state) (Change, error) {
	a, err := s.account(c.AccountID)
	if err != nil {
		return Change{}, err
	}
	a.SignedIn = true
	a.Token = c.Token
	a.Guest = false
	if c.Email != "" {
		a.Email = c.Email
	}
	a.LastUsed = s.now()
	return Change{Kind: AccountUpdated, AccountID: a.ID, Account: snapshot(a)}, nil
}

// AddTab appends a tab and makes it active.
type AddTab struct {
	AccountID string
	Tab       Tab
}

func (c AddTab) apply(s *state) (Change, error) {
	a, err := s.account(c.AccountID)
	if err != nil {
		return Change{}, err
	}
	if c.Tab.ID == "" {
		return Change{}, fmt.Errorf("tab id required")
	}
	if a.tabIndex(c.Tab.ID) >= 0 {
		return Change{}, fmt.Errorf("%w: tab %s", ErrDuplicateID, c.Tab.ID)
	}
	t := c.Tab
	if !ValidURL(t.URL) {
		t.URL = ""
	}
	if t.Favicon == "" && t.URL != "" {
		t.Favicon = FaviconURL(t.URL)
	}
	if t.Provider == "" {
		t.Provider = DetectProvider(t.URL)
	}
	a.Tabs = append(a.Tabs, t)
	a.ActiveTabID = t.ID
	a.LastUsed = s.now()
	return Change{Kind: TabAdded, AccountID: a.ID, TabID: t.ID, Account: snapshot(a)}, nil
}

// UpdateTab replaces a tab record. An invalid URL in the replacement keeps
// the previous URL.
type UpdateTab struct {
	AccountID string
	Tab       Tab
}

func (c UpdateTab) apply(s *state) (Change, error) {
	a, j, err := s.findTab(c.AccountID, c.Tab.ID)
	if err != nil {
		return Change{}, err
	}
	next := c.Tab
	if !ValidURL(next.URL) {
		next.URL = a.Tabs[j].URL
	}
	a.Tabs[j] = next
	return Change{Kind: TabUpdated, AccountID: a.ID, TabID: next.ID, Account: snapshot(a)}, nil
}

// ApplyNavigation is emitted by a live view after navigation or a title
// change. URL is only written when it passes ValidURL; an empty Title
// keeps the previous title.
type ApplyNavigation struct {
	AccountID string
	TabID     string
	URL       string
	Title     string
}

func (c ApplyNavigation) apply(s *state) (Change, error) {
	a, j, err := s.findTab(c.AccountID, c.TabID)
	if err != nil {
		return Change{}, err
	}
	next := a.Tabs[j]
	if ValidURL(c.URL) {
		next.URL = c.URL
		next.Favicon = FaviconURL(c.URL)
		if p := DetectProvider(c.URL); p != "" {
			next.Provider = p
		}
	}
	if c.Title != "" {
		next.Title = c.Title
	}
	a.Tabs[j] = next
	return Change{Kind: TabUpdated, AccountID: a.ID, TabID: next.ID, Account: snapshot(a)}, nil
}

// RemoveTab deletes a tab. When the active tab is removed and tabs remain,
// the last remaining tab in order becomes active.
type RemoveTab struct {
	AccountID string
	TabID     string
}

func (c RemoveTab) apply(s *state) (Change, error) {
	a, j, err := s.findTab(c.AccountID, c.TabID)
	if err != nil {
		return Change{}, err
	}
	a.Tabs = append(a.Tabs[:j], a.Tabs[j+1:]...)
	if a.ActiveTabID == c.TabID {
		a.ActiveTabID = ""
		if n := len(a.Tabs); n > 0 {
			a.ActiveTabID = a.Tabs[n-1].ID
		}
	}
	return Change{Kind: TabRemoved, AccountID: a.ID, TabID: c.TabID, RemovedTabs: []string{c.TabID}, Account: snapshot(a)}, nil
}

type ReorderTabs struct {
	AccountID string
	Order     []string
}

func (c ReorderTabs) apply(s *state) (Change, error) {
	a, err := s.account(c.AccountID)
	if err != nil {
		return Change{}, err
	}
	if len(c.Order) != len(a.Tabs) {
		return Change{}, ErrInvalidOrder
	}
	next := make([]Tab, 0, len(c.Order))
	seen := make(map[string]bool, len(c.Order))
	for _, id := range c.Order {
		j := a.tabIndex(id)
		if j < 0 || seen[id] {
			return Change{}, ErrInvalidOrder
		}
		seen[id] = true
		next = append(next, a.Tabs[j])
	}
	a.Tabs = next
	return Change{Kind: TabsReordered, AccountID: a.ID, Account: snapshot(a)}, nil
}

type SetActiveTab struct {
	AccountID string
	TabID     string
}

func (c SetActiveTab) apply(s *state) (Change, error) {
	a, err := s.account(c.AccountID)
	if err != nil {
		return Change{}, err
	}
	if a.tabIndex(c.TabID) < 0 {
		return Change{}, fmt.Errorf("%w: %s", ErrTabNotFound, c.TabID)
	}
	a.ActiveTabID = c.TabID
	a.LastUsed = s.now()
	return Change{Kind: ActiveChanged, AccountID: a.ID, TabID: c.TabID, Account: snapshot(a)}, nil
}
