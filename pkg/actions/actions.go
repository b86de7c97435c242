// Package actions holds the action types the server ships with.
package actions

import (
	"github.com/strophon/actionserver/pkg/action"
	"github.com/strophon/actionserver/pkg/contracts"
)

// Type names.
const (
	TypePing    = "PING"
	TypeRename  = "RENAME"
	TypeRoll    = "ROLL"
	TypeMessage = "MESSAGE"
	TypeGrant   = "GRANT"
)

// Catalog returns fresh descriptors for every built-in type. Constants are
// left mutable so configuration can adjust them before sealing.
func Catalog() []*action.Type {
	return []*action.Type{
		{
			Name:      TypePing,
			Factory:   func() action.Action { return &Ping{} },
			Constants: action.NewConstants(0),
		},
		{
			Name:      TypeRename,
			Factory:   func() action.Action { return &Rename{} },
			Constants: action.NewConstants(32),
		},
		{
			Name:      TypeRoll,
			Factory:   func() action.Action { return &Roll{} },
			Constants: action.NewConstants(6).Set("maxDice", 10),
		},
		{
			Name:      TypeMessage,
			Factory:   func() action.Action { return &Message{} },
			Constants: action.NewConstants(500),
		},
		{
			Name:      TypeGrant,
			Factory:   func() action.Action { return &Grant{} },
			Authority: contracts.AuthorityAdmin,
			Constants: action.NewConstants(0),
		},
	}
}
