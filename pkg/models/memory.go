package models

import (
	"time"
)

// MemoryVector is the semantic-memory record for one archived message.
// Its ID equals the message ID and its Namespace equals the channel ID.
type MemoryVector struct {
	ID        string         `json:"id"`
	Namespace string         `json:"namespace"`
	Embedding []float32      `json:"-"` // Not serialized to JSON
	Metadata  MemoryMetadata `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// MemoryMetadata contains the fields returned to the prompt builder.
type MemoryMetadata struct {
	AuthorDisplayName string `json:"author_display_name"`
	Content           string `json:"content"`
}

// MemoryMatch is a single nearest-neighbour result.
type MemoryMatch struct {
	ID       string         `json:"id"`
	Metadata MemoryMetadata `json:"metadata"`
	Score    float32        `json:"score"` // Similarity score (higher is closer)
}

// ContextItem is one line of retrieved conversational context.
type ContextItem struct {
	AuthorDisplayName string `json:"author_display_name"`
	Content           string `json:"content"`
}

// VectorFromMessage builds the memory record for a message.
func VectorFromMessage(msg *Message, embedding []float32) MemoryVector {
	return MemoryVector{
		ID:        msg.ID,
		Namespace: msg.ChannelID,
		Embedding: embedding,
		Metadata: MemoryMetadata{
			AuthorDisplayName: msg.AuthorDisplayName,
			Content:           msg.Content,
		},
		CreatedAt: msg.CreatedAt,
	}
}
