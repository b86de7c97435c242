// Package session tracks live client sessions, login challenges, email
// tokens, failed-login counters per IP and the global pause flag.
//
// Every operation touches a single key and is atomic on its own; callers
// must not assume multi-key transactions.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrNoSession is returned when the requested entry does not exist.
var ErrNoSession = errors.New("session: no entry")

// DefaultIPErrorThreshold is the number of failures that bans an IP.
const DefaultIPErrorThreshold = 10

// DefaultIPBanWindow is how long failure counters live.
const DefaultIPBanWindow = 24 * time.Hour

// Store is the session/cache capability used by the dispatcher, the event
// router and the login handshake.
type Store interface {
	IPErrorThreshold() int
	CheckForIPBan(ctx context.Context, ip string) (bool, error)
	LogIPForPotentialBan(ctx context.Context, ip string) (int64, error)

	SetChallenge(ctx context.Context, userID int64, challenge string) error
	Challenge(ctx context.Context, userID int64) (string, error)
	RemoveChallenge(ctx context.Context, userID int64) error

	SetSessionID(ctx context.Context, userID int64, sessionID string) error
	SessionID(ctx context.Context, userID int64) (string, error)
	RemoveSessionID(ctx context.Context, userID int64) error
	AllSessionIDs(ctx context.Context) (map[int64]string, error)

	AddEmailToken(ctx context.Context, userID int64, token string) error
	EmailToken(ctx context.Context, userID int64) (string, error)
	RemoveEmailToken(ctx context.Context, userID int64) error

	Pause(ctx context.Context) error
	IsPaused(ctx context.Context) (bool, error)
	// Resume clears the pause flag and reports whether it was set.
	Resume(ctx context.Context) (bool, error)

	Close() error
}

// LookupSessionID returns the session id for userID, or "" when the user
// has no session.
func LookupSessionID(ctx context.Context, s Store, userID int64) (string, error) {
	id, err := s.SessionID(ctx, userID)
	if errors.Is(err, ErrNoSession) {
		return "", nil
	}
	return id, err
}
