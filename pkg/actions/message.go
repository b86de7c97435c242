package actions

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/strophon/actionserver/pkg/action"
	"github.com/strophon/actionserver/pkg/contracts"
	"github.com/strophon/actionserver/pkg/store"
)

type messagePayload struct {
	To   int64  `json:"to"`
	Text string `json:"text"`
}

// Message delivers a short note to another user. Constants.Max is the
// longest accepted text.
type Message struct {
	action.Base
	payload messagePayload
	target  *contracts.User
}

func (a *Message) CheckInputFields() {
	if err := a.Input().DecodePayload(&a.payload); err != nil {
		a.Fail("Invalid payload")
		return
	}
	switch {
	case a.payload.To == 0:
		a.Fail("A recipient is required")
	case a.payload.To == a.Input().UserID:
		a.Fail("You cannot message yourself")
	case a.payload.Text == "":
		a.Fail("A message is required")
	case int64(len(a.payload.Text)) > a.Constants().Max():
		a.Fail("That message is too long")
	}
}

// FetchAndLockDataObjects locks sender and recipient in ID order.
func (a *Message) FetchAndLockDataObjects(ctx context.Context) (*action.Injection, error) {
	ids := []int64{a.Input().UserID, a.payload.To}
	if ids[1] < ids[0] {
		ids[0], ids[1] = ids[1], ids[0]
	}
	users := make(map[int64]*contracts.User, 2)
	for _, id := range ids {
		u, err := a.DataIO().GetUser(ctx, id, true)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		users[id] = u
	}
	return action.NewInjection(users[a.Input().UserID], users[a.payload.To]), nil
}

func (a *Message) Inject(in *action.Injection) {
	a.Base.Inject(in)
	if in != nil {
		a.target, _ = in.Data.(*contracts.User)
	}
}

func (a *Message) CheckForErrors() *contracts.Result {
	if a.User() == nil {
		return contracts.NewFailure("Unknown user")
	}
	if a.target == nil {
		return contracts.NewFailure("No such recipient")
	}
	return nil
}

func (a *Message) PerformAction() *contracts.Result {
	data, _ := json.Marshal(map[string]string{"type": "message", "from": a.User().Name, "text": a.payload.Text})
	a.Emit(&contracts.Event{
		UserID:      contracts.UserRef(a.target.ID),
		OtherUserID: contracts.UserRef(a.User().ID),
		Data:        string(data),
	})
	return a.Result()
}

// NewMessageInput builds the input for a Message from one user to another.
func NewMessageInput(from, to int64, text string) *contracts.ActionInput {
	raw, _ := json.Marshal(messagePayload{To: to, Text: text})
	return &contracts.ActionInput{ActionType: TypeMessage, UserID: from, Payload: raw}
}
