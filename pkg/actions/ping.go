package actions

import (
	"context"

	"github.com/strophon/actionserver/pkg/action"
	"github.com/strophon/actionserver/pkg/contracts"
)

// Ping answers "pong" without touching data, even while paused.
type Ping struct {
	action.Base
}

func (a *Ping) FetchAndLockDataObjects(context.Context) (*action.Injection, error) {
	return action.NewInjection(nil, nil), nil
}

func (a *Ping) PerformAction() *contracts.Result {
	a.Result().Result = "pong"
	return a.Result()
}

func (a *Ping) AllowedWhilePaused() bool { return true }
