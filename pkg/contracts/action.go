// Package contracts defines the message shapes exchanged between clients,
// the action engine and the event pipeline.
package contracts

import "encoding/json"

// ActionInput is a client request to perform one action. It is never mutated
// after it has been decoded.
type ActionInput struct {
	ActionType string          `json:"actionType"`
	UserID     int64           `json:"userId"`
	SessionID  string          `json:"sessionId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// DecodeActionInput parses a raw client message.
func DecodeActionInput(raw []byte) (*ActionInput, error) {
	var in ActionInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	return &in, nil
}

// DecodePayload unmarshals the type-specific payload into v. A missing
// payload leaves v untouched.
func (in *ActionInput) DecodePayload(v any) error {
	if in == nil || len(in.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(in.Payload, v)
}
