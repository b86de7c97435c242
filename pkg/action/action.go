// Package action defines the contract every action type implements, the
// registry that maps tags to types, and the injection tree actions run
// against.
package action

import (
	"context"
	"errors"
	"fmt"

	"github.com/strophon/actionserver/pkg/contracts"
	"github.com/strophon/actionserver/pkg/random"
	"github.com/strophon/actionserver/pkg/store"
)

// ErrNoDataIO is returned by data hooks on actions running without a store.
var ErrNoDataIO = errors.New("action: no data handle")

// Action is one unit of business logic. The executor drives the hooks in
// this order: CheckInputFields, Init, FetchAndLockDataObjects, Inject,
// CheckForErrors, CreateResult, PerformAction, WriteChanges.
//
// FetchAndLockDataObjects must lock every row the action or its cascaded
// actions will write; locks are released when the unit of work commits or
// closes.
type Action interface {
	SetInput(in *contracts.ActionInput)
	Input() *contracts.ActionInput
	SetConstants(c *Constants)
	Constants() *Constants

	SetErr(r *contracts.Result)
	Err() *contracts.Result
	SetResult(r *contracts.Result)
	Result() *contracts.Result

	SetSubsequent(subsequent bool)
	IsSubsequent() bool
	SetSubsequentActions(inputs []*contracts.ActionInput)
	SubsequentActions() []*contracts.ActionInput
	SetSubInjectionIndex(idx int)
	SubInjectionIndex() int

	SetSeed(seed []byte)
	Seed() []byte
	SetRandomizer(r *random.Randomizer)
	Randomizer() *random.Randomizer
	SetDataIO(dio store.DataIO)

	SetEvents(events []*contracts.Event)
	Events() []*contracts.Event
	SetOriginalInjection(snapshot string)
	OriginalInjection() string
	Injection() *Injection

	// CheckInputFields validates the input without touching data and
	// records a failure with SetErr.
	CheckInputFields()
	Init()
	FetchAndLockDataObjects(ctx context.Context) (*Injection, error)
	Inject(in *Injection)
	// CheckForErrors returns a failure when the injected data rules the
	// action out.
	CheckForErrors() *contracts.Result
	CreateResult()
	PerformAction() *contracts.Result
	// WriteChanges persists the action's mutations through the DataIO it
	// was given. It must be safe to call once per successful execution.
	WriteChanges(ctx context.Context) error

	NeedsRandomNumbers() bool
	AllowedWhilePaused() bool
}

// Base carries the state every action needs and default hooks. Action
// types embed it and override the hooks they care about.
type Base struct {
	input      *contracts.ActionInput
	constants  *Constants
	err        *contracts.Result
	result     *contracts.Result
	subsequent bool
	queue      []*contracts.ActionInput
	subIndex   int
	seed       []byte
	randomizer *random.Randomizer
	dio        store.DataIO
	events     []*contracts.Event
	original   string
	injection  *Injection
}

func (b *Base) SetInput(in *contracts.ActionInput)   { b.input = in }
func (b *Base) Input() *contracts.ActionInput        { return b.input }
func (b *Base) SetConstants(c *Constants)            { b.constants = c }
func (b *Base) Constants() *Constants                { return b.constants }
func (b *Base) SetErr(r *contracts.Result)           { b.err = r }
func (b *Base) Err() *contracts.Result               { return b.err }
func (b *Base) SetResult(r *contracts.Result)        { b.result = r }
func (b *Base) Result() *contracts.Result            { return b.result }
func (b *Base) SetSubsequent(subsequent bool)        { b.subsequent = subsequent }
func (b *Base) IsSubsequent() bool                   { return b.subsequent }
func (b *Base) SetSubInjectionIndex(idx int)         { b.subIndex = idx }
func (b *Base) SubInjectionIndex() int               { return b.subIndex }
func (b *Base) SetSeed(seed []byte)                  { b.seed = seed }
func (b *Base) Seed() []byte                         { return b.seed }
func (b *Base) SetRandomizer(r *random.Randomizer)   { b.randomizer = r }
func (b *Base) Randomizer() *random.Randomizer       { return b.randomizer }
func (b *Base) SetDataIO(dio store.DataIO)           { b.dio = dio }
func (b *Base) DataIO() store.DataIO                 { return b.dio }
func (b *Base) SetEvents(events []*contracts.Event)  { b.events = events }
func (b *Base) Events() []*contracts.Event           { return b.events }
func (b *Base) SetOriginalInjection(snapshot string) { b.original = snapshot }
func (b *Base) OriginalInjection() string            { return b.original }
func (b *Base) Injection() *Injection                { return b.injection }

func (b *Base) SetSubsequentActions(inputs []*contracts.ActionInput) { b.queue = inputs }
func (b *Base) SubsequentActions() []*contracts.ActionInput          { return b.queue }

func (b *Base) CheckInputFields() {}
func (b *Base) Init()             {}

// FetchAndLockDataObjects loads and locks the acting user.
func (b *Base) FetchAndLockDataObjects(ctx context.Context) (*Injection, error) {
	if b.dio == nil {
		return nil, ErrNoDataIO
	}
	u, err := b.dio.GetUser(ctx, b.input.UserID, true)
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", b.input.UserID, err)
	}
	return NewInjection(u, nil), nil
}

func (b *Base) Inject(in *Injection)              { b.injection = in }
func (b *Base) CheckForErrors() *contracts.Result { return nil }

func (b *Base) CreateResult() {
	b.result = &contracts.Result{}
}

func (b *Base) PerformAction() *contracts.Result { return b.result }

func (b *Base) WriteChanges(context.Context) error { return nil }

func (b *Base) NeedsRandomNumbers() bool { return false }
func (b *Base) AllowedWhilePaused() bool { return false }

// Fail records msg as the action's failure and returns it.
func (b *Base) Fail(msg string) *contracts.Result {
	b.err = contracts.NewFailure(msg)
	if b.input != nil {
		b.err.SetType(b.input.ActionType)
	}
	return b.err
}

// Enqueue schedules another action to run after this one commits.
func (b *Base) Enqueue(in *contracts.ActionInput) {
	b.queue = append(b.queue, in)
}

// Emit records an event for persistence and delivery.
func (b *Base) Emit(e *contracts.Event) {
	b.events = append(b.events, e)
}

// User is the acting user from the injection, if any.
func (b *Base) User() *contracts.User {
	if b.injection == nil {
		return nil
	}
	return b.injection.User
}

// Now is the injection timestamp in milliseconds.
func (b *Base) Now() int64 {
	if b.injection == nil {
		return 0
	}
	return b.injection.Timestamp
}
