// Package login confirms client logins and brings a newly confirmed session
// up to date: the user's data snapshot first, then the unseen event backlog.
package login

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/strophon/actionserver/pkg/contracts"
	"github.com/strophon/actionserver/pkg/events"
	"github.com/strophon/actionserver/pkg/random"
	"github.com/strophon/actionserver/pkg/session"
	"github.com/strophon/actionserver/pkg/store"
	"github.com/strophon/actionserver/pkg/transport"
)

var (
	ErrEmailNotConfirmed = errors.New("login: email not confirmed")
	ErrIPBanned          = errors.New("login: ip banned")
	ErrBadCredentials    = errors.New("login: bad credentials")
)

// SnapshotFunc loads the data a client needs right after logging in.
type SnapshotFunc func(ctx context.Context, dio store.DataIO, userID int64) ([]byte, error)

// CleanupFunc clears login-only cache state once a session is established.
type CleanupFunc func(ctx context.Context, user *contracts.User) error

// EventFunc builds the event recorded when a user logs in.
type EventFunc func(user *contracts.User, clientIP string) *contracts.Event

// Handshake implements login establishment and confirmation.
type Handshake struct {
	sessions   session.Store
	opener     store.Opener
	transport  transport.Transport
	router     *events.Router
	snapshot   SnapshotFunc
	cleanup    CleanupFunc
	loginEvent EventFunc
	tokenSize  int
	logger     *slog.Logger
}

type Option func(*Handshake)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handshake) { h.logger = l }
}

func WithCleanup(fn CleanupFunc) Option {
	return func(h *Handshake) { h.cleanup = fn }
}

func WithLoginEvent(fn EventFunc) Option {
	return func(h *Handshake) { h.loginEvent = fn }
}

// WithTokenSize sets the challenge size in random bytes.
func WithTokenSize(n int) Option {
	return func(h *Handshake) { h.tokenSize = n }
}

func New(sessions session.Store, opener store.Opener, t transport.Transport, router *events.Router, snapshot SnapshotFunc, opts ...Option) *Handshake {
	h := &Handshake{
		sessions:   sessions,
		opener:     opener,
		transport:  t,
		router:     router,
		snapshot:   snapshot,
		loginEvent: DefaultLoginEvent,
		tokenSize:  random.DefaultTokenSize,
		logger:     slog.Default(),
	}
	h.cleanup = func(ctx context.Context, u *contracts.User) error {
		return h.sessions.RemoveChallenge(ctx, u.ID)
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "login")
	return h
}

// DefaultLoginEvent records the login for the user alone.
func DefaultLoginEvent(user *contracts.User, clientIP string) *contracts.Event {
	data, _ := json.Marshal(map[string]string{"type": "login", "ip": clientIP})
	return &contracts.Event{UserID: contracts.UserRef(user.ID), Data: string(data)}
}

// UserSnapshot is a SnapshotFunc that sends the user record without its
// secrets.
func UserSnapshot(ctx context.Context, dio store.DataIO, userID int64) ([]byte, error) {
	u, err := dio.GetUser(ctx, userID, false)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		ID          int64  `json:"id"`
		Name        string `json:"name"`
		Email       string `json:"email,omitempty"`
		Authorities string `json:"authorities,omitempty"`
	}{u.ID, u.Name, u.Email, u.Authorities})
}

// CheckIP refuses addresses that have failed too often.
func (h *Handshake) CheckIP(ctx context.Context, ip string) error {
	banned, err := h.sessions.CheckForIPBan(ctx, ip)
	if err != nil {
		return fmt.Errorf("login: check ip: %w", err)
	}
	if banned {
		return ErrIPBanned
	}
	return nil
}

func (h *Handshake) recordFailure(ctx context.Context, ip string) {
	n, err := h.sessions.LogIPForPotentialBan(ctx, ip)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to record ip failure", "ip", ip, "error", err)
		return
	}
	if n >= int64(h.sessions.IPErrorThreshold()) {
		h.logger.WarnContext(ctx, "ip reached failure threshold", "ip", ip, "failures", n)
	}
}

// IssueChallenge hands a fresh challenge to a user presenting their secret
// token. The challenge later becomes the session id.
func (h *Handshake) IssueChallenge(ctx context.Context, userID int64, secretToken, ip string) (string, error) {
	if err := h.CheckIP(ctx, ip); err != nil {
		return "", err
	}
	if secretToken == "" {
		h.logger.InfoContext(ctx, "failed challenge attempt: no secret token", "user_id", userID, "ip", ip)
		h.recordFailure(ctx, ip)
		return "", ErrBadCredentials
	}

	dio, err := h.opener.Open(ctx)
	if err != nil {
		return "", fmt.Errorf("login: open store: %w", err)
	}
	u, err := dio.GetUser(ctx, userID, false)
	_ = dio.Close()
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("login: load user %d: %w", userID, err)
	}
	if u == nil || !random.SecureEqualFold(u.SecretToken, secretToken) {
		h.logger.InfoContext(ctx, "failed challenge attempt", "user_id", userID, "ip", ip)
		h.recordFailure(ctx, ip)
		return "", ErrBadCredentials
	}

	challenge := random.FreshTokenN(h.tokenSize)
	if err := h.sessions.SetChallenge(ctx, userID, challenge); err != nil {
		return "", fmt.Errorf("login: store challenge: %w", err)
	}
	h.logger.InfoContext(ctx, "challenge issued", "user_id", userID, "ip", ip)
	return challenge, nil
}

// Establish binds sessionID to user after the client proved ownership of
// it. Presenting the current session again is a no-op.
func (h *Handshake) Establish(ctx context.Context, user *contracts.User, sessionID, clientIP string) error {
	current, err := session.LookupSessionID(ctx, h.sessions, user.ID)
	if err != nil {
		return fmt.Errorf("login: look up session: %w", err)
	}
	if current != "" && strings.EqualFold(current, sessionID) {
		return nil
	}
	if !user.EmailConfirmed {
		return ErrEmailNotConfirmed
	}

	if h.cleanup != nil {
		if err := h.cleanup(ctx, user); err != nil {
			return fmt.Errorf("login: clean up: %w", err)
		}
	}
	if err := h.sessions.SetSessionID(ctx, user.ID, sessionID); err != nil {
		return fmt.Errorf("login: store session: %w", err)
	}

	dio, err := h.opener.Open(ctx)
	if err != nil {
		return fmt.Errorf("login: open store: %w", err)
	}
	defer dio.Close()
	if err := dio.AddEvents(ctx, []*contracts.Event{h.loginEvent(user, clientIP)}); err != nil {
		return fmt.Errorf("login: record login event: %w", err)
	}
	if err := dio.Commit(ctx, false); err != nil {
		return fmt.Errorf("login: commit login event: %w", err)
	}

	h.logger.InfoContext(ctx, "user logged in", "user_id", user.ID, "ip", clientIP)
	return nil
}

// Confirm completes a login once the client echoes its challenge. A
// challenge that does not match the user's session is ignored. On a match
// the data snapshot is delivered and acknowledged before the backlog is
// routed.
func (h *Handshake) Confirm(ctx context.Context, userID int64, challenge string) error {
	sessionID, err := session.LookupSessionID(ctx, h.sessions, userID)
	if err != nil {
		return fmt.Errorf("login: look up session: %w", err)
	}
	if sessionID == "" || !random.SecureEqualFold(sessionID, challenge) {
		return nil
	}

	dio, err := h.opener.Open(ctx)
	if err != nil {
		return fmt.Errorf("login: open store: %w", err)
	}
	unseen, err := h.sendSnapshot(ctx, dio, userID, sessionID)
	_ = dio.Close()
	if err != nil {
		var undeliverable *undeliverableError
		if errors.As(err, &undeliverable) {
			return h.router.HandleUndeliverable(ctx, userID, sessionID, undeliverable.err)
		}
		return err
	}
	return h.router.DeliverLogin(ctx, unseen)
}

type undeliverableError struct{ err error }

func (e *undeliverableError) Error() string { return e.err.Error() }
func (e *undeliverableError) Unwrap() error { return e.err }

func (h *Handshake) sendSnapshot(ctx context.Context, dio store.DataIO, userID int64, sessionID string) ([]*contracts.Event, error) {
	h.logger.InfoContext(ctx, "user confirmed login", "user_id", userID)

	data, err := h.snapshot(ctx, dio, userID)
	if err != nil {
		return nil, fmt.Errorf("login: load snapshot for user %d: %w", userID, err)
	}
	if _, err := h.transport.Request(ctx, transport.ClientDataAddress(sessionID), data); err != nil {
		return nil, &undeliverableError{err: err}
	}
	h.logger.InfoContext(ctx, "user data sent", "user_id", userID)

	unseen, err := dio.GetUnseenEventsSinceFirstUnseen(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("login: load backlog for user %d: %w", userID, err)
	}
	return unseen, nil
}

// Register serves login confirmations on the bus. The body is a JSON array
// of the user id (as a string) and the challenge.
func (h *Handshake) Register(bus *transport.Bus) func() {
	return bus.Register(transport.AddressLoginConfirm, func(ctx context.Context, msg *transport.Message) {
		var parts []string
		if err := json.Unmarshal(msg.Body, &parts); err != nil || len(parts) != 2 {
			msg.Fail("invalid confirmation")
			return
		}
		userID, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			msg.Fail("invalid confirmation")
			return
		}
		msg.Reply(nil)
		if err := h.Confirm(ctx, userID, parts[1]); err != nil {
			h.logger.ErrorContext(ctx, "login confirmation failed", "user_id", userID, "error", err)
		}
	})
}
