package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tableside/auth-core/internal/identity"
	"github.com/tableside/auth-core/internal/infrastructure/logging"
)

// Defaults.
const (
	DefaultSkew           = 300 * time.Second
	DefaultLogoutTimeout  = 2 * time.Second
	DefaultRefreshTimeout = 10 * time.Second
)

// ErrNoSession is returned when there is nothing to refresh.
var ErrNoSession = errors.New("session: no active session")

// ErrLoggedOut is returned to refresh callers whose result arrived after the
// session was cleared.
var ErrLoggedOut = errors.New("session: logged out during refresh")

// Session is the credential set the coordinator manages.
type Session = identity.Session

// State of the coordinator.
type State int

const (
	StateIdle State = iota
	StateScheduled
	StateRefreshing
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateRefreshing:
		return "refreshing"
	case StateLoggedOut:
		return "logged_out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Refresher exchanges a refresh token for a new session.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Session, error)
}

// Revoker ends a session remotely.
type Revoker interface {
	Revoke(ctx context.Context, accessToken, refreshToken string) error
}

// Snapshot is a consistent view of the coordinator.
type Snapshot struct {
	State   State
	Session *Session
	Version uint64
	// RefreshAt is zero unless State is StateScheduled.
	RefreshAt time.Time
}

// EventKind names a pushed session change.
type EventKind string

const (
	EventSignedIn  EventKind = "signed_in"
	EventRefreshed EventKind = "refreshed"
	EventSignedOut EventKind = "signed_out"
)

// Event is a session change pushed from outside the coordinator, for
// instance by another tab or a server notification. It is applied only when
// Version is newer than the version already held.
type Event struct {
	Kind    EventKind
	Session *Session
	Version uint64
}

// Timer is a scheduled refresh; *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

// Config holds the coordinator's collaborators and tuning.
type Config struct {
	Refresher      Refresher
	Revoker        Revoker
	Skew           time.Duration
	LogoutTimeout  time.Duration
	RefreshTimeout time.Duration
	Logger         *logging.Logger
	Now            func() time.Time
	// AfterFunc schedules timers; defaults to time.AfterFunc.
	AfterFunc func(time.Duration, func()) Timer
}

// Coordinator runs the Idle → Scheduled → Refreshing → {Idle | LoggedOut}
// state machine for one client session.
type Coordinator struct {
	refresher      Refresher
	revoker        Revoker
	skew           time.Duration
	logoutTimeout  time.Duration
	refreshTimeout time.Duration
	logger         *logging.Logger
	now            func() time.Time
	afterFunc      func(time.Duration, func()) Timer

	flight singleflight.Group

	mu        sync.Mutex
	state     State
	session   *Session
	version   uint64
	refreshAt time.Time
	timer     Timer
	// gen changes whenever the held session is replaced or cleared; a timer
	// or refresh result tagged with an older gen is discarded.
	gen uint64

	subscribers map[int]func(Snapshot)
	nextSub     int
	// pending holds snapshots not yet delivered; delivering is set while one
	// goroutine drains it.
	pending    []Snapshot
	delivering bool
}

// New creates an idle coordinator.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		refresher:      cfg.Refresher,
		revoker:        cfg.Revoker,
		skew:           cfg.Skew,
		logoutTimeout:  cfg.LogoutTimeout,
		refreshTimeout: cfg.RefreshTimeout,
		logger:         cfg.Logger,
		now:            cfg.Now,
		afterFunc:      cfg.AfterFunc,
		subscribers:    make(map[int]func(Snapshot)),
	}
	if c.skew <= 0 {
		c.skew = DefaultSkew
	}
	if c.logoutTimeout <= 0 {
		c.logoutTimeout = DefaultLogoutTimeout
	}
	if c.refreshTimeout <= 0 {
		c.refreshTimeout = DefaultRefreshTimeout
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.afterFunc == nil {
		c.afterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	return c
}

// Snapshot returns the current state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() Snapshot {
	snap := Snapshot{State: c.state, Version: c.version}
	if c.session != nil {
		s := *c.session
		snap.Session = &s
	}
	if c.state == StateScheduled {
		snap.RefreshAt = c.refreshAt
	}
	return snap
}

// Subscribe registers fn for every state change and returns a function
// that removes it. fn runs with no coordinator lock held, in change order.
// It may call back into the coordinator; a change it makes is delivered
// after the current one. fn must not wait on Refresh, whose flight may be
// the goroutine delivering to it.
func (c *Coordinator) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

// reduce is the only place state changes. fn runs under the lock and
// reports whether it changed anything. Changes are queued and delivered in
// order by whichever goroutine is not already delivering.
func (c *Coordinator) reduce(fn func() bool) Snapshot {
	c.mu.Lock()
	changed := fn()
	snap := c.snapshotLocked()
	if !changed {
		c.mu.Unlock()
		return snap
	}
	c.pending = append(c.pending, snap)
	if c.delivering {
		c.mu.Unlock()
		return snap
	}
	c.delivering = true
	c.mu.Unlock()

	c.deliver()
	return snap
}

// deliver drains pending snapshots until none are left.
func (c *Coordinator) deliver() {
	done := false
	defer func() {
		if !done {
			// A subscriber panicked; let the next change deliver again.
			c.mu.Lock()
			c.delivering = false
			c.mu.Unlock()
		}
	}()

	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.pending = nil
			c.delivering = false
			done = true
			c.mu.Unlock()
			return
		}
		snap := c.pending[0]
		c.pending = c.pending[1:]
		subs := make([]func(Snapshot), 0, len(c.subscribers))
		for _, fn := range c.subscribers {
			subs = append(subs, fn)
		}
		c.mu.Unlock()

		for _, fn := range subs {
			fn(snap)
		}
	}
}

// Establish installs a freshly signed-in session and schedules its refresh.
func (c *Coordinator) Establish(s *Session) {
	if s == nil {
		return
	}
	c.reduce(func() bool {
		c.version++
		c.installLocked(s)
		return true
	})
}

// installLocked replaces the held session and schedules its refresh. When the
// refresh point has already passed, the refresh starts immediately.
func (c *Coordinator) installLocked(s *Session) {
	c.stopTimerLocked()
	cp := *s
	c.session = &cp
	c.gen++
	gen := c.gen

	c.refreshAt = cp.ExpiresAt.Add(-c.skew)
	wait := c.refreshAt.Sub(c.now())
	c.state = StateScheduled
	if wait <= 0 {
		c.state = StateRefreshing
		wait = 0
	}
	c.timer = c.afterFunc(wait, func() { c.fire(gen) })
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Coordinator) fire(gen uint64) {
	c.mu.Lock()
	stale := gen != c.gen || c.session == nil
	c.mu.Unlock()
	if stale {
		return
	}
	if _, err := c.Refresh(context.Background()); err != nil && !errors.Is(err, ErrLoggedOut) {
		c.logger.Warn("scheduled session refresh failed", "error", err)
	}
}

// Refresh exchanges the held refresh token for a new session. Concurrent
// callers share one in-flight call. On failure the session is cleared and
// the caller must sign in again; there is no retry.
func (c *Coordinator) Refresh(ctx context.Context) (*Session, error) {
	ch := c.flight.DoChan("refresh", func() (any, error) {
		return c.refresh(ctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		s := *res.Val.(*Session)
		return &s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) refresh(ctx context.Context) (*Session, error) {
	var (
		token string
		gen   uint64
		err   error
	)
	c.reduce(func() bool {
		if c.session == nil || c.session.RefreshToken == "" {
			err = ErrNoSession
			return false
		}
		c.stopTimerLocked()
		token = c.session.RefreshToken
		gen = c.gen
		changed := c.state != StateRefreshing
		c.state = StateRefreshing
		return changed
	})
	if err != nil {
		return nil, err
	}

	// The flight outlives any single caller's context.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
	defer cancel()
	next, refreshErr := c.refresher.Refresh(callCtx, token)

	var result *Session
	c.reduce(func() bool {
		if gen != c.gen {
			if c.session == nil {
				err = ErrLoggedOut
				return false
			}
			// A newer session was installed while the call was out. It wins
			// over this result, and callers get it instead.
			result = c.session
			if c.state == StateRefreshing {
				// Its own refresh is due; later callers must start a new flight.
				c.flight.Forget("refresh")
				c.stopTimerLocked()
				held := c.gen
				c.timer = c.afterFunc(0, func() { c.fire(held) })
			}
			return false
		}
		if refreshErr != nil {
			c.clearLocked()
			err = fmt.Errorf("refreshing session: %w", refreshErr)
			return true
		}
		c.version++
		c.installLocked(next)
		result = c.session
		return true
	})
	if err != nil {
		if refreshErr != nil {
			c.logger.Warn("session refresh failed, logged out", "error", refreshErr)
		}
		return nil, err
	}
	if refreshErr != nil {
		c.logger.Debug("stale refresh failed, newer session kept", "error", refreshErr)
	}
	return result, nil
}

// clearLocked drops the session, cancels the timer and enters LoggedOut.
func (c *Coordinator) clearLocked() {
	c.stopTimerLocked()
	c.session = nil
	c.refreshAt = time.Time{}
	c.gen++
	c.state = StateLoggedOut
}

// Logout clears local state, then asks the Revoker to end the remote session
// within the logout budget. Local state is cleared whatever the remote
// outcome; the remote error is returned for the caller to log.
func (c *Coordinator) Logout(ctx context.Context) error {
	var held *Session
	c.reduce(func() bool {
		held = c.session
		was := c.state
		c.clearLocked()
		return was != StateLoggedOut || held != nil
	})
	c.flight.Forget("refresh")

	if held == nil || c.revoker == nil {
		return nil
	}

	revokeCtx, cancel := context.WithTimeout(ctx, c.logoutTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- c.revoker.Revoke(revokeCtx, held.AccessToken, held.RefreshToken)
	}()

	select {
	case err := <-done:
		if err != nil {
			c.logger.Warn("remote logout failed", "error", err)
			return fmt.Errorf("revoking session: %w", err)
		}
		return nil
	case <-revokeCtx.Done():
		c.logger.Warn("remote logout timed out", "timeout", c.logoutTimeout.String())
		return fmt.Errorf("revoking session: %w", revokeCtx.Err())
	}
}

// Apply installs a pushed event when it is newer than the held version.
// It reports whether the event was applied.
func (c *Coordinator) Apply(ev Event) bool {
	applied := false
	c.reduce(func() bool {
		if ev.Version <= c.version {
			return false
		}
		switch ev.Kind {
		case EventSignedIn, EventRefreshed:
			if ev.Session == nil {
				return false
			}
			c.installLocked(ev.Session)
		case EventSignedOut:
			c.clearLocked()
		default:
			return false
		}
		c.version = ev.Version
		applied = true
		return true
	})
	return applied
}

// Close cancels any pending timer without changing the session.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.stopTimerLocked()
	c.mu.Unlock()
}
