// Package dispatch accepts raw action requests from clients, authenticates
// them against the caller's session and runs them through the executor.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/strophon/actionserver/pkg/action"
	"github.com/strophon/actionserver/pkg/contracts"
	"github.com/strophon/actionserver/pkg/executor"
	"github.com/strophon/actionserver/pkg/observability"
	"github.com/strophon/actionserver/pkg/random"
	"github.com/strophon/actionserver/pkg/session"
	"github.com/strophon/actionserver/pkg/store"
	"github.com/strophon/actionserver/pkg/transport"
)

// Messages returned to clients.
const (
	MsgGeneric = "An error occurred while processing your request"
	MsgPaused  = "Sorry, the system is currently paused."
)

// Publisher receives the events of successful actions.
type Publisher interface {
	DeliverLive(ctx context.Context, events []*contracts.Event) error
}

// Dispatcher turns raw requests into Results.
type Dispatcher struct {
	exec      *executor.Executor
	sessions  session.Store
	opener    store.Opener
	publisher Publisher

	tokenSize int
	sem       *semaphore.Weighted
	limit     rate.Limit
	burst     int

	limMu    sync.Mutex
	limiters map[int64]*rate.Limiter

	telemetry *observability.Provider
	logger    *slog.Logger
	pending   sync.WaitGroup
}

type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func WithTelemetry(p *observability.Provider) Option {
	return func(d *Dispatcher) { d.telemetry = p }
}

// WithTokenSize sets how many random bytes seed an action.
func WithTokenSize(n int) Option {
	return func(d *Dispatcher) { d.tokenSize = n }
}

// WithMaxConcurrent bounds how many requests execute at once.
func WithMaxConcurrent(n int64) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithRateLimit limits each user to perSecond requests with the given
// burst. A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(d *Dispatcher) {
		if perSecond > 0 {
			d.limit = rate.Limit(perSecond)
			d.burst = max(burst, 1)
		}
	}
}

func New(exec *executor.Executor, sessions session.Store, opener store.Opener, publisher Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		exec:      exec,
		sessions:  sessions,
		opener:    opener,
		publisher: publisher,
		tokenSize: random.DefaultTokenSize,
		sem:       semaphore.NewWeighted(64),
		limiters:  make(map[int64]*rate.Limiter),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")
	return d
}

func (d *Dispatcher) allow(userID int64) bool {
	if d.limit == 0 {
		return true
	}
	d.limMu.Lock()
	lim, ok := d.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(d.limit, d.burst)
		d.limiters[userID] = lim
	}
	d.limMu.Unlock()
	return lim.Allow()
}

// Handle processes one raw request. It always returns a Result; anything
// that goes wrong before the action runs yields the generic failure.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) *contracts.Result {
	logger := d.logger.With("request_id", uuid.NewString())

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return d.reject(ctx, logger, "dispatcher saturated", raw, err)
	}
	defer d.sem.Release(1)

	input, err := contracts.DecodeActionInput(raw)
	if err != nil {
		return d.reject(ctx, logger, "malformed JSON", raw, err)
	}

	ctx, span := d.telemetry.StartSpan(ctx, "action "+input.ActionType,
		attribute.String("action.type", input.ActionType),
		attribute.Int64("user.id", input.UserID),
	)
	defer span.End()

	if !d.allow(input.UserID) {
		return d.reject(ctx, logger, "rate limited", raw, nil)
	}

	a, err := d.build(input)
	if err != nil {
		return d.reject(ctx, logger, "error during action construction", raw, err)
	}
	if action.IsNonExistent(a) {
		return d.reject(ctx, logger, "action type missing or invalid", raw, nil)
	}

	if !a.AllowedWhilePaused() {
		paused, err := d.sessions.IsPaused(ctx)
		if err != nil {
			return d.reject(ctx, logger, "error during cache access", raw, err)
		}
		if paused {
			d.telemetry.Metrics().RecordRejection(ctx, "paused")
			return contracts.NewFailure(MsgPaused)
		}
	}

	sessionID, err := session.LookupSessionID(ctx, d.sessions, input.UserID)
	if err != nil {
		return d.reject(ctx, logger, "error during cache access", raw, err)
	}
	if sessionID == "" {
		return d.reject(ctx, logger, "no cached session id found", raw,
			fmt.Errorf("no session id for user %d", input.UserID))
	}
	if input.SessionID == "" {
		return d.reject(ctx, logger, "null session id", raw, nil)
	}
	if !random.SecureEqualFold(sessionID, input.SessionID) {
		return d.reject(ctx, logger, "invalid session id", raw, nil)
	}

	start := time.Now()
	res, err := d.run(ctx, a)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.telemetry.Metrics().RecordAction(ctx, input.ActionType, observability.OutcomeError, elapsed)
		return d.reject(ctx, logger, "exception encountered post-authentication", raw, err)
	}

	executor.LogAction(ctx, logger, a)

	outcome := observability.OutcomeFailure
	if res.Succeeded() {
		outcome = observability.OutcomeSuccess
	}
	d.telemetry.Metrics().RecordAction(ctx, input.ActionType, outcome, elapsed)

	if res.Succeeded() && len(a.Events()) > 0 {
		d.publish(ctx, logger, a.Events())
	}
	return res
}

func (d *Dispatcher) build(input *contracts.ActionInput) (a action.Action, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.exec.GetAction(input), nil
}

// run executes a in its own unit of work, which is closed before run
// returns.
func (d *Dispatcher) run(ctx context.Context, a action.Action) (*contracts.Result, error) {
	dio, err := d.opener.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer dio.Close()

	var seed []byte
	if a.NeedsRandomNumbers() {
		seed = random.FreshTokenBytes(d.tokenSize)
	}

	res, err := d.exec.Execute(ctx, a, seed, executor.FromStore(dio))
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errors.New("nil result from action")
	}
	return res, nil
}

func (d *Dispatcher) publish(ctx context.Context, logger *slog.Logger, events []*contracts.Event) {
	if d.publisher == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		if err := d.publisher.DeliverLive(ctx, events); err != nil {
			logger.ErrorContext(ctx, "event delivery failed", "error", err)
		}
	}()
}

// Wait blocks until every event publication started so far has finished.
func (d *Dispatcher) Wait() {
	d.pending.Wait()
}

func (d *Dispatcher) reject(ctx context.Context, logger *slog.Logger, desc string, raw []byte, err error) *contracts.Result {
	if err != nil {
		logger.ErrorContext(ctx, desc, "input", string(raw), "error", err)
	} else {
		logger.InfoContext(ctx, desc, "input", string(raw))
	}
	d.telemetry.Metrics().RecordRejection(ctx, desc)
	return contracts.NewFailure(MsgGeneric)
}

// Register serves the action address on bus.
func (d *Dispatcher) Register(bus *transport.Bus) func() {
	return bus.Register(transport.AddressAction, func(ctx context.Context, msg *transport.Message) {
		body, err := json.Marshal(d.Handle(ctx, msg.Body))
		if err != nil {
			msg.Fail(err.Error())
			return
		}
		msg.Reply(body)
	})
}
