// Package model holds the account/tab state of the browser shell and the
// transient audio registry. All mutation of accounts goes through commands
// applied by a single reducer goroutine owned by Store.
package model

import (
	"errors"
	"time"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrTabNotFound     = errors.New("tab not found")
	ErrDuplicateID     = errors.New("duplicate id")
	ErrInvalidOrder    = errors.New("tab order is not a permutation of the current tabs")
	ErrStoreClosed     = errors.New("store closed")
)

type Tab struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Favicon  string `json:"favicon,omitempty"`
	Provider string `json:"provider,omitempty"`
}

type Account struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Email       string    `json:"email,omitempty"`
	Tabs        []Tab     `json:"tabs"`
	ActiveTabID string    `json:"activeTabId,omitempty"`
	Guest       bool      `json:"guest"`
	LastUsed    time.Time `json:"lastUsed"`
	SignedIn    bool      `json:"signedIn"`
	Token       string    `json:"-"`
	Avatar      string    `json:"avatar,omitempty"`
}

func (a Account) clone() Account {
	out := a
	out.Tabs = append([]Tab(nil), a.Tabs...)
	return out
}

func (a Account) tabIndex(tabID string) int {
	for i, t := range a.Tabs {
		if t.ID == tabID {
			return i
		}
	}
	return -1
}

// Tab returns the tab with the given id.
func (a Account) Tab(tabID string) (Tab, bool) {
	if i := a.tabIndex(tabID); i >= 0 {
		return a.Tabs[i], true
	}
	return Tab{}, false
}

// AudioState is the last observation of a tab producing sound.
type AudioState struct {
	TabID     string    `json:"tabId"`
	Playing   bool      `json:"playing"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type ChangeKind string

const (
	AccountAdded   ChangeKind = "account.added"
	AccountUpdated ChangeKind = "account.updated"
	AccountRemoved ChangeKind = "account.removed"
	TabAdded       ChangeKind = "tab.added"
	TabUpdated     ChangeKind = "tab.updated"
	TabRemoved     ChangeKind = "tab.removed"
	TabsReordered  ChangeKind = "tabs.reordered"
	ActiveChanged  ChangeKind = "tab.active"
)

// Change describes the effect of one applied command.
type Change struct {
	Kind        ChangeKind `json:"kind"`
	AccountID   string     `json:"accountId"`
	TabID       string     `json:"tabId,omitempty"`
	RemovedTabs []string   `json:"removedTabs,omitempty"`
	Account     *Account   `json:"account,omitempty"`
}
