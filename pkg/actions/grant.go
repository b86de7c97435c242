package actions

import (
	"context"
	"fmt"

	"github.com/strophon/actionserver/pkg/action"
	"github.com/strophon/actionserver/pkg/contracts"
)

// Grant gives another user an authority and tells them about it.
type Grant struct {
	action.Base
	targetID  int64
	authority contracts.Authority
	target    *contracts.User
}

func (a *Grant) CheckInputFields() {
	var p struct {
		UserID    int64  `json:"userId"`
		Authority string `json:"authority"`
	}
	if err := a.Input().DecodePayload(&p); err != nil {
		a.Fail("Invalid payload")
		return
	}
	switch contracts.Authority(p.Authority) {
	case contracts.AuthorityModerator, contracts.AuthorityAdmin:
	default:
		a.Fail("Unknown authority")
		return
	}
	if p.UserID == 0 {
		a.Fail("A user is required")
		return
	}
	a.targetID = p.UserID
	a.authority = contracts.Authority(p.Authority)
}

func (a *Grant) FetchAndLockDataObjects(ctx context.Context) (*action.Injection, error) {
	admin, err := a.DataIO().GetUser(ctx, a.Input().UserID, false)
	if err != nil {
		return nil, err
	}
	target, err := a.DataIO().GetUser(ctx, a.targetID, true)
	if err != nil {
		return nil, fmt.Errorf("load grant target: %w", err)
	}
	return action.NewInjection(admin, target), nil
}

func (a *Grant) Inject(in *action.Injection) {
	a.Base.Inject(in)
	if in != nil {
		a.target, _ = in.Data.(*contracts.User)
	}
}

func (a *Grant) CheckForErrors() *contracts.Result {
	if a.target == nil {
		return contracts.NewFailure("No such user")
	}
	if a.target.HasAuthority(a.authority) {
		return contracts.NewFailure("That user already has that authority")
	}
	return nil
}

func (a *Grant) PerformAction() *contracts.Result {
	set, err := a.target.AuthoritySet()
	if err != nil {
		return a.Fail("Stored authorities are unreadable")
	}
	auths := []contracts.Authority{}
	for _, name := range []contracts.Authority{contracts.AuthorityUser, contracts.AuthorityModerator, contracts.AuthorityAdmin} {
		if _, ok := set[name]; ok || name == a.authority {
			auths = append(auths, name)
		}
	}
	a.target.Authorities = contracts.EncodeAuthorities(auths...)

	a.Enqueue(NewMessageInput(a.Input().UserID, a.target.ID, "You were granted "+string(a.authority)))
	a.Result().Result = a.target.Authorities
	return a.Result()
}

func (a *Grant) WriteChanges(ctx context.Context) error {
	return a.DataIO().UpdateUser(ctx, a.target)
}
