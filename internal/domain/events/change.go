package events

import (
	"encoding/json"
	"strings"
	"time"
)

// ChangeOperation is the row operation carried by a data change event.
type ChangeOperation string

const (
	OperationInsert ChangeOperation = "INSERT"
	OperationUpdate ChangeOperation = "UPDATE"
	OperationDelete ChangeOperation = "DELETE"
	OperationAll    ChangeOperation = "*"
)

// ParseOperation normalises an event filter. The empty string means all.
func ParseOperation(s string) (ChangeOperation, bool) {
	switch ChangeOperation(strings.ToUpper(strings.TrimSpace(s))) {
	case "", OperationAll:
		return OperationAll, true
	case OperationInsert:
		return OperationInsert, true
	case OperationUpdate:
		return OperationUpdate, true
	case OperationDelete:
		return OperationDelete, true
	default:
		return "", false
	}
}

// Matches reports whether an event filter admits op.
func (o ChangeOperation) Matches(op ChangeOperation) bool {
	return o == OperationAll || o == "" || o == op
}

// Record is a single row of a record collection.
type Record map[string]any

// ChangeEvent is a row change on a table delivered over a channel.
type ChangeEvent struct {
	Key        string          `json:"-"`
	Schema     string          `json:"schema"`
	Table      string          `json:"table"`
	Operation  ChangeOperation `json:"type"`
	CommitTime time.Time       `json:"commit_timestamp"`
	New        Record          `json:"new,omitempty"`
	Old        Record          `json:"old,omitempty"`
}

func (e *ChangeEvent) channelEvent() {}

// Type returns EventTypeDataChange.
func (e *ChangeEvent) Type() EventType { return EventTypeDataChange }

// Timestamp returns the commit time of the change.
func (e *ChangeEvent) Timestamp() time.Time { return e.CommitTime }

// GetSubscriptionKey returns the key of the subscription the event was delivered to.
func (e *ChangeEvent) GetSubscriptionKey() string { return e.Key }

// ToJSON serializes the event inside a BaseEvent envelope.
func (e *ChangeEvent) ToJSON() ([]byte, error) { return json.Marshal(Envelope(e)) }

// Row returns the record the change is about: New for inserts and updates,
// Old for deletes.
func (e *ChangeEvent) Row() Record {
	if e.Operation == OperationDelete {
		return e.Old
	}
	return e.New
}
