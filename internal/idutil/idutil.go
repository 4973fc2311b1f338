package idutil

import (
	"strings"

	"github.com/google/uuid"
)

const (
	PrefixAccount = "acc"
	PrefixTab     = "tab"
)

// AccountID returns a fresh account identifier.
// Format: acc_XXXXXXXXXXXX
func AccountID() string {
	return newID(PrefixAccount)
}

// TabID returns a fresh tab identifier. Tab ids only need to be unique
// within their account but are globally unique in practice.
// Format: tab_XXXXXXXXXXXX
func TabID() string {
	return newID(PrefixTab)
}

// Partition returns the session partition name owned by an account.
func Partition(accountID string) string {
	if accountID == "" {
		return ""
	}
	return "persist:" + accountID
}

func newID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + raw[:12]
}

// IsValidID checks if an ID matches the expected prefix format
func IsValidID(id, prefix string) bool {
	if len(id) < len(prefix)+1 {
		return false
	}
	return id[:len(prefix)] == prefix && id[len(prefix)] == '_'
}
