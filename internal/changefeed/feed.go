package changefeed

import (
	"context"
	"encoding/json"
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Event is one committed change. Seq is assigned by the store in commit
// order and is the dedupe and resume key for subscribers.
type Event struct {
	Seq    int64           `json:"seq"`
	Table  string          `json:"table"`
	Op     Op              `json:"op"`
	Before json.RawMessage `json:"before,omitempty"`
	After  json.RawMessage `json:"after,omitempty"`
}

// Feed is a subscribable stream of committed changes. Events() delivers live
// events in commit order; Backfill replays everything after a given sequence
// so a subscriber can catch up before resuming live delivery. Head is the
// highest committed sequence, the boundary between snapshot state and events
// still to be applied.
type Feed interface {
	Start(ctx context.Context) error
	Events() <-chan Event
	Backfill(ctx context.Context, afterSeq int64) ([]Event, error)
	Head(ctx context.Context) (int64, error)
	Close() error
}

// Decode unmarshals the event's After image (or Before for deletes) into v.
func (e Event) Decode(v interface{}) error {
	payload := e.After
	if e.Op == OpDelete {
		payload = e.Before
	}
	return json.Unmarshal(payload, v)
}
