// Package models defines the core data types for Archivist.
package models

import (
	"strconv"
	"strings"
	"time"
)

// ChannelType represents a messaging platform.
type ChannelType string

const (
	ChannelDiscord ChannelType = "discord"
)

// Message is one archived chat message. It is immutable once archived and
// identified by the platform-assigned ID.
type Message struct {
	ID                string    `json:"id"`
	ChannelID         string    `json:"channel_id"`
	AuthorID          string    `json:"author_id"`
	AuthorDisplayName string    `json:"author_display_name"`
	Content           string    `json:"content"`
	CreatedAt         time.Time `json:"created_at"`

	// Mentions lists the user IDs the platform resolved as mentioned.
	// It is not persisted.
	Mentions []string `json:"-"`
}

// HasContent reports whether the message carries indexable text.
func (m *Message) HasContent() bool {
	return m != nil && strings.TrimSpace(m.Content) != ""
}

// CursorRecord is a row in the cursor/lease key-value table.
type CursorRecord struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MentionEvent is derived from a message during a single run and consumed
// immediately by the responder.
type MentionEvent struct {
	Message          *Message
	IsDirectQuestion bool
}

// ResponseChunk is one ordered part of an outbound reply.
type ResponseChunk struct {
	Index int
	Text  string
}

// CompareIDs orders two platform message IDs. Discord snowflakes are compared
// numerically; anything else falls back to length-then-lexical ordering, which
// matches numeric order for unsigned decimal strings.
func CompareIDs(a, b string) int {
	if a == b {
		return 0
	}
	ua, errA := strconv.ParseUint(a, 10, 64)
	ub, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case ua < ub:
			return -1
		case ua > ub:
			return 1
		default:
			return 0
		}
	}
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// LaterID returns whichever of a and b sorts last. Empty IDs lose.
func LaterID(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	if CompareIDs(a, b) >= 0 {
		return a
	}
	return b
}
