// Package convkey derives canonical identifiers for two-party conversations.
package convkey

import (
	"sort"
	"strings"

	"messaging-core/internal/errs"
)

// Separator joins the two sorted participant ids. Identifiers must not contain it.
const Separator = "_"

const maxIDLength = 128

// Derive returns the order-independent key for the pair (a, b).
func Derive(a, b string) string {
	participants := []string{a, b}
	sort.Strings(participants)
	return participants[0] + Separator + participants[1]
}

// ValidateID rejects identifiers that would make Derive ambiguous.
func ValidateID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return errs.Validation("user id", "is empty")
	case len(id) > maxIDLength:
		return errs.Validation("user id", "is too long")
	case strings.Contains(id, Separator):
		return errs.Validation("user id", "contains the key separator")
	}
	return nil
}

// ValidatePair checks both ids and that they differ.
func ValidatePair(a, b string) error {
	if err := ValidateID(a); err != nil {
		return err
	}
	if err := ValidateID(b); err != nil {
		return err
	}
	if a == b {
		return errs.Validation("participants", "must be two distinct users")
	}
	return nil
}

// Participants splits a key produced by Derive back into its sorted pair.
func Participants(key string) (string, string, error) {
	parts := strings.Split(key, Separator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errs.Validation("conversation key", "is malformed")
	}
	if parts[0] >= parts[1] {
		return "", "", errs.Validation("conversation key", "is not canonical")
	}
	return parts[0], parts[1], nil
}

// Includes reports whether userID is one of the key's participants.
func Includes(key, userID string) bool {
	a, b, err := Participants(key)
	if err != nil {
		return false
	}
	return userID == a || userID == b
}

// Peer returns the other participant of key relative to userID.
func Peer(key, userID string) (string, bool) {
	a, b, err := Participants(key)
	if err != nil {
		return "", false
	}
	switch userID {
	case a:
		return b, true
	case b:
		return a, true
	}
	return "", false
}
