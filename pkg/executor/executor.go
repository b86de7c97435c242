// Package executor builds actions from client input and runs them, together
// with every action they cascade into, against a unit of work.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/strophon/actionserver/pkg/action"
	"github.com/strophon/actionserver/pkg/contracts"
	"github.com/strophon/actionserver/pkg/observability"
	"github.com/strophon/actionserver/pkg/random"
	"github.com/strophon/actionserver/pkg/store"
)

// DataSource is what an action runs against: a live unit of work, or a
// prebuilt injection when replaying or testing.
type DataSource struct {
	Snapshot *action.Injection
	DataIO   store.DataIO
}

// FromStore runs actions against dio.
func FromStore(dio store.DataIO) DataSource {
	return DataSource{DataIO: dio}
}

// FromSnapshot runs actions against a fixed injection. Cascaded actions read
// their sub-injections from it in order.
func FromSnapshot(in *action.Injection) DataSource {
	return DataSource{Snapshot: in}
}

// UsesStore reports whether actions fetch their own data.
func (s DataSource) UsesStore() bool {
	return s.Snapshot == nil && s.DataIO != nil
}

var errNoParentInjection = errors.New("parent has no injection")

// Executor constructs and executes actions.
type Executor struct {
	registry  *action.Registry
	algorithm random.Algorithm
	seedSize  int
	metrics   *observability.Metrics
	logger    *slog.Logger
}

type Option func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithRandomAlgorithm selects the stream used for seeded randomness.
func WithRandomAlgorithm(alg random.Algorithm) Option {
	return func(e *Executor) { e.algorithm = alg }
}

// WithSeedSize sets how many random bytes seed an action run without a
// caller-supplied seed.
func WithSeedSize(n int) Option {
	return func(e *Executor) { e.seedSize = n }
}

// WithMetrics records cascade outcomes on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

func New(registry *action.Registry, opts ...Option) *Executor {
	e := &Executor{
		registry:  registry,
		algorithm: random.AlgorithmHMACSHA256,
		seedSize:  random.DefaultTokenSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "executor")
	return e
}

// Registry returns the type registry.
func (e *Executor) Registry() *action.Registry {
	return e.registry
}

// GetAction builds a fresh action for in. The action is returned even when
// input validation failed; its Err then describes why.
func (e *Executor) GetAction(in *contracts.ActionInput) action.Action {
	if in == nil {
		in = &contracts.ActionInput{}
	}
	typ := e.registry.Resolve(in.ActionType)

	a := typ.Factory()
	a.SetInput(in)
	a.SetConstants(typ.Constants)
	a.SetResult(nil)
	a.SetErr(nil)

	a.CheckInputFields()

	if a.Err() == nil {
		a.SetSubsequent(false)
		a.SetSubsequentActions(nil)
		a.SetSubInjectionIndex(0)
		a.SetEvents(nil)
		a.Init()
	}
	return a
}

// Execute runs a and its cascade. When a needs randomness and seed is empty,
// a fresh seed is generated and kept on a. The returned Result belongs to a;
// cascaded actions only contribute events. Hook errors and panics from a
// itself are returned as errors, while failures of cascaded actions are
// logged and otherwise ignored.
func (e *Executor) Execute(ctx context.Context, a action.Action, seed []byte, src DataSource) (res *contracts.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("executor: action %s panicked: %v", a.Input().ActionType, r)
		}
	}()

	if a.NeedsRandomNumbers() {
		if len(seed) == 0 {
			seed = random.FreshTokenBytes(e.seedSize)
		}
		rng, err := random.NewWithAlgorithm(e.algorithm, seed)
		if err != nil {
			return nil, fmt.Errorf("executor: seed randomizer: %w", err)
		}
		a.SetSeed(seed)
		a.SetRandomizer(rng)
	}

	injection := src.Snapshot
	if a.Err() == nil && src.UsesStore() {
		a.SetDataIO(src.DataIO)
		injection, err = a.FetchAndLockDataObjects(ctx)
		if err != nil {
			return nil, fmt.Errorf("executor: fetch data for %s: %w", a.Input().ActionType, err)
		}
	}

	e.inject(a, injection)

	res = e.perform(a)

	if err := e.writeChanges(ctx, a, src.DataIO); err != nil {
		return nil, err
	}

	for a.Err() == nil && len(a.SubsequentActions()) > 0 {
		e.processWave(ctx, a, src)
	}
	return res, nil
}

func (e *Executor) inject(a action.Action, in *action.Injection) {
	a.SetOriginalInjection(action.Snapshot(in))
	if a.Err() == nil {
		a.Inject(in)
	}
}

func (e *Executor) perform(a action.Action) *contracts.Result {
	name := a.Input().ActionType

	failure := a.Err()
	if failure == nil {
		failure = e.checkForErrors(a)
	}
	if failure != nil {
		a.SetErr(failure)
		return failure.SetType(name)
	}

	a.CreateResult()
	if a.Result() == nil {
		a.SetResult(&contracts.Result{})
	}
	a.Result().SetType(name)

	res := a.PerformAction()
	if res == nil {
		res = a.Result()
	}
	if res.Type == "" {
		res.SetType(name)
	}
	return res
}

// checkForErrors enforces the type's authority before any domain check.
func (e *Executor) checkForErrors(a action.Action) *contracts.Result {
	typ := e.registry.Resolve(a.Input().ActionType)
	if required := typ.RequiredAuthority(); required.ExceedsBaseline() {
		in := a.Injection()
		if in == nil || in.User == nil || !in.User.HasAuthority(required) {
			return contracts.NewFailure(action.MsgUnauthorized)
		}
	}
	return a.CheckForErrors()
}

func (e *Executor) writeChanges(ctx context.Context, a action.Action, dio store.DataIO) error {
	if a.Err() != nil {
		return nil
	}
	if dio != nil {
		if err := a.WriteChanges(ctx); err != nil {
			return fmt.Errorf("executor: write changes for %s: %w", a.Input().ActionType, err)
		}
		if events := a.Events(); len(events) > 0 {
			if err := dio.AddEvents(ctx, events); err != nil {
				return fmt.Errorf("executor: add events for %s: %w", a.Input().ActionType, err)
			}
		}
		if err := dio.Commit(ctx, false); err != nil {
			return fmt.Errorf("executor: commit %s: %w", a.Input().ActionType, err)
		}
	}
	if a.Result() != nil {
		a.Result().SetSuccess(true)
	}
	return nil
}

// processWave runs the actions currently queued on root. Anything they
// enqueue lands back on root's queue and runs in a later wave.
func (e *Executor) processWave(ctx context.Context, root action.Action, src DataSource) {
	wave := root.SubsequentActions()
	root.SetSubsequentActions(nil)

	for _, in := range wave {
		e.processChild(ctx, root, in, src)
	}
}

func (e *Executor) processChild(ctx context.Context, root action.Action, in *contracts.ActionInput, src DataSource) {
	if in == nil {
		in = &contracts.ActionInput{}
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "panic from subsequent action",
				"input", in,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			e.metrics.RecordCascadeChild(ctx, in.ActionType, observability.OutcomeError)
		}
	}()

	child := e.GetAction(in)
	child.SetSubsequent(true)

	child.SetRandomizer(root.Randomizer())

	if src.UsesStore() {
		child.SetDataIO(src.DataIO)
		sub, err := child.FetchAndLockDataObjects(ctx)
		if err != nil {
			e.childError(ctx, in, err)
			return
		}
		if root.Injection() == nil {
			e.childError(ctx, in, errNoParentInjection)
			return
		}
		root.Injection().AddSubInjection(sub)
	}

	idx := root.SubInjectionIndex()
	sub, err := root.Injection().SubInjection(idx)
	if err != nil {
		e.childError(ctx, in, err)
		return
	}
	// Each child owns exactly one slot, even if its hooks panic.
	root.SetSubInjectionIndex(idx + 1)
	e.inject(child, sub)

	res := e.perform(child)
	if err := e.writeChanges(ctx, child, src.DataIO); err != nil {
		e.childError(ctx, in, err)
		return
	}

	root.SetSubsequentActions(append(root.SubsequentActions(), child.SubsequentActions()...))

	if res.Succeeded() {
		root.SetEvents(append(root.Events(), child.Events()...))
		e.metrics.RecordCascadeChild(ctx, in.ActionType, observability.OutcomeSuccess)
		return
	}
	e.logger.ErrorContext(ctx, "error from subsequent action",
		"input", in,
		"error", res.Error,
	)
	e.metrics.RecordCascadeChild(ctx, in.ActionType, observability.OutcomeFailure)
}

func (e *Executor) childError(ctx context.Context, in *contracts.ActionInput, err error) {
	e.logger.ErrorContext(ctx, "exception from subsequent action", "input", in, "error", err)
	e.metrics.RecordCascadeChild(ctx, in.ActionType, observability.OutcomeError)
}
