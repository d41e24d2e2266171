package models

import (
	"fmt"
	"sync"
	"time"
)

// InteractionState tracks a deferred command through its lifecycle.
type InteractionState string

const (
	InteractionPending      InteractionState = "pending"
	InteractionAcknowledged InteractionState = "acknowledged"
	InteractionDelivered    InteractionState = "delivered"
	InteractionFailed       InteractionState = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s InteractionState) Terminal() bool {
	return s == InteractionDelivered || s == InteractionFailed
}

var interactionTransitions = map[InteractionState][]InteractionState{
	InteractionPending:      {InteractionAcknowledged, InteractionFailed},
	InteractionAcknowledged: {InteractionDelivered, InteractionFailed},
}

// Interaction is a deferred command: acknowledged immediately, answered later
// by editing the placeholder response and posting follow-ups.
type Interaction struct {
	ID        string
	AppID     string
	Token     string
	ChannelID string
	AuthorID  string
	Author    string
	Command   string
	Question  string
	CreatedAt time.Time

	// Deadline is when the platform stops accepting edits for Token.
	Deadline time.Time

	mu    sync.Mutex
	state InteractionState
}

// State returns the current state.
func (i *Interaction) State() InteractionState {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == "" {
		return InteractionPending
	}
	return i.state
}

// Transition moves the interaction to next, rejecting illegal moves.
func (i *Interaction) Transition(next InteractionState) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	current := i.state
	if current == "" {
		current = InteractionPending
	}
	for _, allowed := range interactionTransitions[current] {
		if allowed == next {
			i.state = next
			return nil
		}
	}
	return fmt.Errorf("interaction %s: illegal transition %s -> %s", i.ID, current, next)
}
