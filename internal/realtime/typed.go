package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/brianly1003/rtmux/internal/domain/events"
)

// DataEvent is a row change with its records decoded into T.
// New is nil for deletes and Old is nil when the transport sends no
// previous row.
type DataEvent[T any] struct {
	Key        string
	Table      string
	Operation  events.ChangeOperation
	CommitTime time.Time
	New        *T
	Old        *T
}

// DecodeChange decodes the records of a change into T.
func DecodeChange[T any](change *events.ChangeEvent) (DataEvent[T], error) {
	out := DataEvent[T]{
		Key:        change.Key,
		Table:      change.Table,
		Operation:  change.Operation,
		CommitTime: change.CommitTime,
	}

	var err error
	if out.New, err = decodeRecord[T](change.New); err != nil {
		return out, fmt.Errorf("decode new record: %w", err)
	}
	if out.Old, err = decodeRecord[T](change.Old); err != nil {
		return out, fmt.Errorf("decode old record: %w", err)
	}
	return out, nil
}

func decodeRecord[T any](rec events.Record) (*T, error) {
	if len(rec) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Typed adapts typed handlers into a Callback. Data changes are decoded into
// T before onData runs; presence events go to onPresence. Either handler may
// be nil to ignore that kind of event.
func Typed[T any](onData func(DataEvent[T]) error, onPresence func(events.ChannelEvent) error) Callback {
	return func(e events.ChannelEvent) error {
		switch ev := e.(type) {
		case *events.ChangeEvent:
			if onData == nil {
				return nil
			}
			data, err := DecodeChange[T](ev)
			if err != nil {
				return err
			}
			return onData(data)
		case *events.PresenceSyncEvent, *events.PresenceJoinEvent, *events.PresenceLeaveEvent:
			if onPresence == nil {
				return nil
			}
			return onPresence(e)
		default:
			return fmt.Errorf("unexpected event %T", e)
		}
	}
}
