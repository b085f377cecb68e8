package journal

import (
	"time"

	"nmstate-agent/internal/domain/entities"
	"nmstate-agent/internal/domain/interfaces"
)

// record is the serialized form of a journal entry
type record struct {
	Host       string                `json:"host"`
	Token      string                `json:"token"`
	Checkpoint entities.Checkpoint   `json:"checkpoint"`
	State      string                `json:"state"`
	Result     *entities.ApplyResult `json:"result,omitempty"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

func toRecord(e interfaces.JournalEntry) record {
	return record{
		Host:       e.Host,
		Token:      e.Token,
		Checkpoint: e.Checkpoint,
		State:      string(e.State),
		Result:     e.Result,
		UpdatedAt:  e.UpdatedAt,
	}
}

func (r record) entry() interfaces.JournalEntry {
	return interfaces.JournalEntry{
		Host:       r.Host,
		Token:      r.Token,
		Checkpoint: r.Checkpoint,
		State:      interfaces.JournalState(r.State),
		Result:     r.Result,
		UpdatedAt:  r.UpdatedAt,
	}
}

// resolved returns the entry after Resolve. An entry of the same token keeps its
// checkpoint; anything else starts over without one.
func resolved(existing *interfaces.JournalEntry, host string, state interfaces.JournalState, result entities.ApplyResult, now time.Time) interfaces.JournalEntry {
	res := result
	next := interfaces.JournalEntry{
		Host:      host,
		Token:     result.Token,
		State:     state,
		Result:    &res,
		UpdatedAt: now,
	}
	if existing != nil && existing.Token == result.Token {
		next.Checkpoint = existing.Checkpoint
	}
	return next
}
