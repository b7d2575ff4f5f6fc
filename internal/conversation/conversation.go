// Package conversation derives canonical identifiers for two-party conversations.
package conversation

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"netrax/internal/content"
)

var (
	ErrSelfConversation = errors.New("conversation with self is not allowed")
	ErrInvalidID        = errors.New("invalid conversation id")
)

// CanonicalID returns the identifier of the conversation between a and b.
// The result does not depend on argument order.
func CanonicalID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, content.Separator)
}

// Conversation is a thread between exactly two participants.
// Participants are kept sorted.
type Conversation struct {
	Participants [2]string
}

func New(a, b string) (Conversation, error) {
	if err := content.ValidateUsername(a); err != nil {
		return Conversation{}, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	if err := content.ValidateUsername(b); err != nil {
		return Conversation{}, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	if a == b {
		return Conversation{}, ErrSelfConversation
	}
	if b < a {
		a, b = b, a
	}
	return Conversation{Participants: [2]string{a, b}}, nil
}

// Parse splits a canonical id back into its participants.
func Parse(id string) (Conversation, error) {
	a, b, ok := strings.Cut(id, content.Separator)
	if !ok {
		return Conversation{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	c, err := New(a, b)
	if err != nil {
		return Conversation{}, err
	}
	if c.ID() != id {
		return Conversation{}, fmt.Errorf("%w: %q is not canonical", ErrInvalidID, id)
	}
	return c, nil
}

func (c Conversation) ID() string {
	return CanonicalID(c.Participants[0], c.Participants[1])
}

func (c Conversation) Has(username string) bool {
	return c.Participants[0] == username || c.Participants[1] == username
}

// Other returns the counterpart of username.
func (c Conversation) Other(username string) (string, bool) {
	switch username {
	case c.Participants[0]:
		return c.Participants[1], true
	case c.Participants[1]:
		return c.Participants[0], true
	}
	return "", false
}
