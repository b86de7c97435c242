package actions

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/strophon/actionserver/pkg/action"
	"github.com/strophon/actionserver/pkg/contracts"
)

// Rename changes the acting user's display name. Constants.Max is the
// longest accepted name.
type Rename struct {
	action.Base
	name  string
	taken bool
}

func (a *Rename) CheckInputFields() {
	var p struct {
		Name string `json:"name"`
	}
	if err := a.Input().DecodePayload(&p); err != nil {
		a.Fail("Invalid payload")
		return
	}
	a.name = strings.TrimSpace(p.Name)
	if a.name == "" {
		a.Fail("A name is required")
		return
	}
	if int64(len(a.name)) > a.Constants().Max() {
		a.Fail("That name is too long")
	}
}

func (a *Rename) FetchAndLockDataObjects(ctx context.Context) (*action.Injection, error) {
	in, err := a.Base.FetchAndLockDataObjects(ctx)
	if err != nil {
		return nil, err
	}
	taken, err := a.DataIO().IsNameUsed(ctx, a.name)
	if err != nil {
		return nil, err
	}
	in.Data = taken
	return in, nil
}

func (a *Rename) Inject(in *action.Injection) {
	a.Base.Inject(in)
	if taken, ok := in.Data.(bool); ok {
		a.taken = taken
	}
}

func (a *Rename) CheckForErrors() *contracts.Result {
	if a.User() == nil {
		return contracts.NewFailure("Unknown user")
	}
	if a.User().Name == a.name {
		return contracts.NewFailure("That is already your name")
	}
	if a.taken {
		return contracts.NewFailure("That name is taken")
	}
	return nil
}

func (a *Rename) PerformAction() *contracts.Result {
	old := a.User().Name
	a.User().Name = a.name

	data, _ := json.Marshal(map[string]string{"type": "renamed", "from": old, "to": a.name})
	a.Emit(&contracts.Event{UserID: contracts.UserRef(a.User().ID), Data: string(data)})

	a.Result().Result = a.name
	return a.Result()
}

func (a *Rename) WriteChanges(ctx context.Context) error {
	return a.DataIO().UpdateUser(ctx, a.User())
}
