package action

import (
	"context"
	"errors"
	"fmt"

	"github.com/strophon/actionserver/pkg/contracts"
)

var (
	ErrDuplicateType = errors.New("action: duplicate type name")
	ErrInvalidType   = errors.New("action: invalid type descriptor")
	ErrUnknownType   = errors.New("action: unknown type")
)

// Fixed messages clients may see.
const (
	MsgInvalidType  = "Missing or invalid action type"
	MsgUnauthorized = "You do not have the authority to perform that action."
)

// Factory builds a fresh Action.
type Factory func() Action

// Type describes one invokable action type.
type Type struct {
	Name      string
	Factory   Factory
	Authority contracts.Authority
	Constants *Constants
}

// RequiredAuthority defaults to USER.
func (t *Type) RequiredAuthority() contracts.Authority {
	if t.Authority == "" {
		return contracts.AuthorityUser
	}
	return t.Authority
}

// NonExistent stands in for any tag that does not resolve to an allowed
// type. Its actions always fail with MsgInvalidType.
var NonExistent = &Type{
	Name:      "NON_EXISTENT",
	Factory:   func() Action { return &nonExistent{} },
	Authority: contracts.AuthorityUser,
	Constants: NewConstants(0).SetImmutable(),
}

type nonExistent struct {
	Base
}

func (a *nonExistent) CheckInputFields() {
	a.SetErr(contracts.NewFailure(MsgInvalidType))
}

func (a *nonExistent) FetchAndLockDataObjects(context.Context) (*Injection, error) {
	return &Injection{}, nil
}

// Table is an explicit name → type registration table.
type Table struct {
	byName map[string]*Type
	order  []*Type
}

// NewTable validates and indexes types. Empty names, missing factories and
// duplicate names are rejected.
func NewTable(types ...*Type) (*Table, error) {
	t := &Table{byName: make(map[string]*Type, len(types))}
	for _, typ := range types {
		if typ == nil || typ.Name == "" {
			return nil, fmt.Errorf("%w: empty name", ErrInvalidType)
		}
		if typ.Factory == nil {
			return nil, fmt.Errorf("%w: %s has no factory", ErrInvalidType, typ.Name)
		}
		if _, dup := t.byName[typ.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateType, typ.Name)
		}
		t.byName[typ.Name] = typ
		t.order = append(t.order, typ)
	}
	return t, nil
}

// Lookup finds a type by name.
func (t *Table) Lookup(name string) (*Type, error) {
	typ, ok := t.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return typ, nil
}

// Types lists registered types in registration order.
func (t *Table) Types() []*Type {
	out := make([]*Type, len(t.order))
	copy(out, t.order)
	return out
}

// Lookup resolves a name to a type.
type Lookup func(name string) (*Type, error)

// Registry resolves tags to the allowed subset of types.
type Registry struct {
	allowed map[*Type]struct{}
	lookup  Lookup
}

// NewRegistry keeps the allowed types that have a factory.
func NewRegistry(allowed []*Type, lookup Lookup) *Registry {
	r := &Registry{allowed: make(map[*Type]struct{}, len(allowed)), lookup: lookup}
	for _, t := range allowed {
		if t != nil && t.Factory != nil {
			r.allowed[t] = struct{}{}
		}
	}
	return r
}

// Resolve never fails: anything that cannot be resolved to an allowed type
// yields NonExistent.
func (r *Registry) Resolve(name string) (typ *Type) {
	defer func() {
		if recover() != nil {
			typ = NonExistent
		}
	}()
	if r.lookup == nil {
		return NonExistent
	}
	t, err := r.lookup(name)
	if err != nil || t == nil {
		return NonExistent
	}
	if _, ok := r.allowed[t]; !ok {
		return NonExistent
	}
	return t
}

// Allowed reports how many types the registry accepts.
func (r *Registry) Allowed() int {
	return len(r.allowed)
}

// IsNonExistent reports whether a was built from NonExistent.
func IsNonExistent(a Action) bool {
	_, ok := a.(*nonExistent)
	return ok
}
