package models

import (
	"encoding/json"
	"time"
)

// ChangeType is the kind of row change reported by the realtime channel.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is a realtime notification. Record and OldRecord are carried
// for logging only; consumers re-fetch instead of applying them.
type ChangeEvent struct {
	Table      string
	Type       ChangeType
	CommitTime time.Time
	Record     json.RawMessage
	OldRecord  json.RawMessage
}
