// Package events routes persisted events to the sessions of the users they
// address.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/strophon/actionserver/pkg/contracts"
	"github.com/strophon/actionserver/pkg/observability"
	"github.com/strophon/actionserver/pkg/session"
	"github.com/strophon/actionserver/pkg/store"
	"github.com/strophon/actionserver/pkg/transport"
)

// ErrMultipleRecipients is returned when a login backlog addresses more than
// one user.
var ErrMultipleRecipients = errors.New("events: login backlog addresses multiple users")

// Router delivers event batches. Delivery to a user waits for the session
// to acknowledge, and only then marks the user's events seen.
type Router struct {
	transport transport.Transport
	sessions  session.Store
	opener    store.Opener
	metrics   *observability.Metrics
	logger    *slog.Logger
}

type Option func(*Router)

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

func NewRouter(t transport.Transport, sessions session.Store, opener store.Opener, opts ...Option) *Router {
	r := &Router{
		transport: t,
		sessions:  sessions,
		opener:    opener,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "event_router")
	return r
}

// group is every event for one recipient; a nil user means broadcast.
type group struct {
	userID *int64
	events []*contracts.Event
}

func partition(events []*contracts.Event) []*group {
	var (
		out       []*group
		broadcast *group
		byUser    = make(map[int64]*group)
	)
	for _, e := range events {
		if e == nil {
			continue
		}
		if e.UserID == nil {
			if broadcast == nil {
				broadcast = &group{}
				out = append(out, broadcast)
			}
			broadcast.events = append(broadcast.events, e)
			continue
		}
		g, ok := byUser[*e.UserID]
		if !ok {
			g = &group{userID: e.UserID}
			byUser[*e.UserID] = g
			out = append(out, g)
		}
		g.events = append(g.events, e)
	}
	return out
}

// DeliverLogin delivers a user's login backlog. Broadcast events in the
// backlog were already delivered live and are skipped.
func (r *Router) DeliverLogin(ctx context.Context, events []*contracts.Event) error {
	var keyed *group
	for _, g := range partition(events) {
		if g.userID == nil {
			continue
		}
		if keyed != nil {
			return ErrMultipleRecipients
		}
		keyed = g
	}
	if keyed == nil {
		return nil
	}
	return r.deliver(ctx, keyed, observability.ChannelLogin)
}

// DeliverLive delivers freshly produced events. Groups are delivered
// concurrently and independently.
func (r *Router) DeliverLive(ctx context.Context, events []*contracts.Event) error {
	groups := partition(events)
	if len(groups) == 1 {
		return r.deliver(ctx, groups[0], observability.ChannelLive)
	}

	var eg errgroup.Group
	for _, g := range groups {
		g := g
		eg.Go(func() error {
			return r.deliver(ctx, g, observability.ChannelLive)
		})
	}
	return eg.Wait()
}

func (r *Router) deliver(ctx context.Context, g *group, channel string) error {
	payload, err := contracts.EncodeEvents(g.events)
	if err != nil {
		return fmt.Errorf("events: encode: %w", err)
	}
	if g.userID == nil {
		return r.broadcast(ctx, g.events, payload, channel)
	}

	userID := *g.userID
	sessionID, err := session.LookupSessionID(ctx, r.sessions, userID)
	if err != nil {
		return fmt.Errorf("events: look up session for user %d: %w", userID, err)
	}
	if sessionID == "" {
		r.logger.InfoContext(ctx, "received events for user but user not connected",
			"user_id", userID,
			"count", len(g.events),
		)
		return nil
	}
	return r.send(ctx, userID, sessionID, g.events, payload, channel, true)
}

func (r *Router) broadcast(ctx context.Context, events []*contracts.Event, payload []byte, channel string) error {
	sessions, err := r.sessions.AllSessionIDs(ctx)
	if err != nil {
		return fmt.Errorf("events: list sessions: %w", err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for userID, sessionID := range sessions {
		userID, sessionID := userID, sessionID
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.send(ctx, userID, sessionID, events, payload, channel, true); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (r *Router) send(ctx context.Context, userID int64, sessionID string, events []*contracts.Event, payload []byte, channel string, retry bool) error {
	if _, err := r.transport.Request(ctx, transport.ClientEventsAddress(sessionID), payload); err != nil {
		var again func(string) error
		if retry {
			again = func(current string) error {
				return r.send(ctx, userID, current, events, payload, channel, false)
			}
		}
		return r.handleFailure(ctx, userID, sessionID, err, again)
	}

	ids, err := r.markSeen(ctx, events)
	if err != nil {
		return fmt.Errorf("events: mark seen for user %d: %w", userID, err)
	}
	r.metrics.RecordDelivered(ctx, channel, len(events))
	r.logger.InfoContext(ctx, "sent events to user",
		"user_id", userID,
		"session_id", sessionID,
		"event_ids", ids,
	)
	return nil
}

// markSeen flags every addressed event in one unit of work.
func (r *Router) markSeen(ctx context.Context, events []*contracts.Event) ([]int64, error) {
	ids := make([]int64, 0, len(events))
	var addressed []int64
	for _, e := range events {
		ids = append(ids, e.ID)
		if e.UserID != nil {
			addressed = append(addressed, e.ID)
		}
	}
	if len(addressed) == 0 {
		return ids, nil
	}

	dio, err := r.opener.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer dio.Close()

	for _, id := range addressed {
		if err := dio.MarkEventSeen(ctx, id); err != nil {
			return nil, err
		}
	}
	if err := dio.Commit(ctx, false); err != nil {
		return nil, err
	}
	return ids, nil
}

// HandleUndeliverable deals with a failed send to sessionID without
// retrying it.
func (r *Router) HandleUndeliverable(ctx context.Context, userID int64, sessionID string, err error) error {
	return r.handleFailure(ctx, userID, sessionID, err, nil)
}

// handleFailure treats no-destination and timeout failures as a sign that
// sessionID may be stale. If the user has since moved to another session,
// retry is invoked once with the new id; otherwise the session entry is
// dropped. Other failures are returned.
func (r *Router) handleFailure(ctx context.Context, userID int64, sessionID string, sendErr error, retry func(string) error) error {
	if !transport.IsStaleRouting(sendErr) {
		return fmt.Errorf("events: deliver to user %d: %w", userID, sendErr)
	}

	current, err := session.LookupSessionID(ctx, r.sessions, userID)
	if err != nil {
		return fmt.Errorf("events: re-resolve session for user %d: %w", userID, err)
	}

	if current != "" && !strings.EqualFold(current, sessionID) {
		if retry == nil {
			r.metrics.RecordDropped(ctx)
			r.logger.InfoContext(ctx, "session changed; dropping delivery without retry",
				"user_id", userID,
				"session_id", sessionID,
				"current_session_id", current,
				"failure", transport.Classify(sendErr).String(),
			)
			return nil
		}
		r.metrics.RecordRetry(ctx)
		return retry(current)
	}

	if err := r.sessions.RemoveSessionID(ctx, userID); err != nil {
		r.logger.WarnContext(ctx, "failed to remove session", "user_id", userID, "error", err)
	}
	r.metrics.RecordEviction(ctx)
	r.logger.InfoContext(ctx, "unable to send message to user; closing session",
		"user_id", userID,
		"session_id", sessionID,
		"failure", transport.Classify(sendErr).String(),
	)
	return nil
}

// Register serves the router's bus addresses so other components can hand
// it batches. The returned function detaches them.
func (r *Router) Register(bus *transport.Bus) func() {
	handle := func(deliver func(context.Context, []*contracts.Event) error) transport.Handler {
		return func(ctx context.Context, msg *transport.Message) {
			events, err := contracts.DecodeEvents(msg.Body)
			if err != nil {
				r.logger.WarnContext(ctx, "dropping undecodable event batch", "error", err)
				msg.Fail("invalid event batch")
				return
			}
			if err := deliver(ctx, events); err != nil {
				r.logger.ErrorContext(ctx, "event delivery failed", "address", msg.Address, "error", err)
				msg.Fail(err.Error())
				return
			}
			msg.Reply(nil)
		}
	}
	unLogin := bus.Register(transport.AddressLoginEvents, handle(r.DeliverLogin))
	unLive := bus.Register(transport.AddressEvents, handle(r.DeliverLive))
	return func() {
		unLogin()
		unLive()
	}
}
