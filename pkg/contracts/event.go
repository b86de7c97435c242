package contracts

import (
	"encoding/json"
	"time"
)

// Event notifies a user of a state change. A nil UserID addresses every
// connected session.
type Event struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Seen        bool      `json:"seen"`
	UserID      *int64    `json:"userId"`
	OtherUserID *int64    `json:"otherUserId,omitempty"`
	Data        string    `json:"data,omitempty"`
}

// IsBroadcast reports whether the event has no single recipient.
func (e *Event) IsBroadcast() bool {
	return e.UserID == nil
}

// UserRef returns a pointer to a copy of id, for populating Event fields.
func UserRef(id int64) *int64 {
	return &id
}

// EncodeEvents serializes a batch for transport.
func EncodeEvents(events []*Event) ([]byte, error) {
	if events == nil {
		events = []*Event{}
	}
	return json.Marshal(events)
}

// DecodeEvents parses a batch produced by EncodeEvents.
func DecodeEvents(raw []byte) ([]*Event, error) {
	var events []*Event
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, err
	}
	return events, nil
}
