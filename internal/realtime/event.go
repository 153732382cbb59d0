// Package realtime implements the change-feed: mutations publish
// insert/update/delete events per table, subscribers receive them over
// in-process channels (fanned out across instances via Redis when
// configured) and apply them to an id-keyed local view.
package realtime

import "encoding/json"

type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Event is one row-level change. Actor is the user id that initiated the
// mutation, letting a client tell its own echoes apart from remote changes.
type Event struct {
	Table string          `json:"table"`
	Kind  Kind            `json:"kind"`
	RowID string          `json:"rowId"`
	Actor string          `json:"actor,omitempty"`
	Row   json.RawMessage `json:"row,omitempty"`
}

// NewEvent marshals row into the event payload. A row that fails to
// marshal still produces an event carrying the id, so deletes and
// reconciliation keep working.
func NewEvent(table string, kind Kind, rowID, actor string, row any) Event {
	ev := Event{Table: table, Kind: kind, RowID: rowID, Actor: actor}
	if row != nil {
		if data, err := json.Marshal(row); err == nil {
			ev.Row = data
		}
	}
	return ev
}

// Publisher is how mutations enter the feed. The Hub publishes locally;
// RedisFeed routes through Redis so every instance's hub sees the event.
type Publisher interface {
	Broadcast(ev Event)
}
