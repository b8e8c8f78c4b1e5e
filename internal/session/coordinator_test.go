package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 18, 30, 0, 0, time.UTC)

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool { return !t.stopped.Swap(true) }

type scheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *scheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *scheduler) last() *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return nil
	}
	return s.timers[len(s.timers)-1]
}

type fakeRefresher struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	next    func(n int32) (*Session, error)
}

func (r *fakeRefresher) Refresh(ctx context.Context, _ string) (*Session, error) {
	n := r.calls.Add(1)
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.next(n)
}

func sessionAt(n int, expires time.Time) *Session {
	return &Session{
		AccessToken:  "access-" + string(rune('0'+n)),
		RefreshToken: "refresh-" + string(rune('0'+n)),
		ExpiresAt:    expires,
		UserID:       "usr-1",
	}
}

type revokerFunc func(ctx context.Context, access, refresh string) error

func (f revokerFunc) Revoke(ctx context.Context, access, refresh string) error {
	return f(ctx, access, refresh)
}

func newTestCoordinator(t *testing.T, r Refresher, rv Revoker) (*Coordinator, *scheduler) {
	t.Helper()
	sch := &scheduler{}
	c := New(Config{
		Refresher: r,
		Revoker:   rv,
		Now:       func() time.Time { return baseTime },
		AfterFunc: sch.AfterFunc,
	})
	t.Cleanup(c.Close)
	return c, sch
}

func TestCoordinator_EstablishSchedulesBeforeExpiry(t *testing.T) {
	c, sch := newTestCoordinator(t, &fakeRefresher{}, nil)
	assert.Equal(t, StateIdle, c.Snapshot().State)

	c.Establish(sessionAt(1, baseTime.Add(time.Hour)))

	snap := c.Snapshot()
	assert.Equal(t, StateScheduled, snap.State)
	assert.Equal(t, baseTime.Add(time.Hour-300*time.Second), snap.RefreshAt)
	require.NotNil(t, sch.last())
	assert.Equal(t, 55*time.Minute, sch.last().d)
}

func TestCoordinator_PastRefreshPointRefreshesImmediately(t *testing.T) {
	r := &fakeRefresher{next: func(int32) (*Session, error) { return sessionAt(2, baseTime.Add(time.Hour)), nil }}
	c, sch := newTestCoordinator(t, r, nil)

	c.Establish(sessionAt(1, baseTime.Add(time.Minute)))
	assert.Equal(t, StateRefreshing, c.Snapshot().State)
	assert.Equal(t, time.Duration(0), sch.timers[0].d)

	sch.timers[0].f()
	assert.Equal(t, int32(1), r.calls.Load())
	snap := c.Snapshot()
	assert.Equal(t, StateScheduled, snap.State)
	assert.Equal(t, "access-2", snap.Session.AccessToken)
}

func TestCoordinator_SingleFlightRefresh(t *testing.T) {
	r := &fakeRefresher{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		next:    func(int32) (*Session, error) { return sessionAt(2, baseTime.Add(time.Hour)), nil },
	}
	c, _ := newTestCoordinator(t, r, nil)
	c.Establish(sessionAt(1, baseTime.Add(time.Hour)))

	results := make([]*Session, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Refresh(context.Background())
		}()
		if i == 0 {
			<-r.started
		}
	}
	// Give the second caller time to join the flight.
	time.Sleep(50 * time.Millisecond)
	close(r.release)
	wg.Wait()

	assert.Equal(t, int32(1), r.calls.Load())
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0], results[1])
	assert.Equal(t, "access-2", results[0].AccessToken)
	assert.Equal(t, uint64(2), c.Snapshot().Version)
}

func TestCoordinator_RefreshFailureLogsOutWithoutRetry(t *testing.T) {
	r := &fakeRefresher{next: func(int32) (*Session, error) { return nil, errors.New("connection reset") }}
	c, sch := newTestCoordinator(t, r, nil)
	c.Establish(sessionAt(1, baseTime.Add(time.Hour)))
	scheduled := sch.last()

	_, err := c.Refresh(context.Background())
	require.Error(t, err)

	snap := c.Snapshot()
	assert.Equal(t, StateLoggedOut, snap.State)
	assert.Nil(t, snap.Session)
	assert.True(t, scheduled.stopped.Load(), "pending timer cancelled")
	assert.Len(t, sch.timers, 1, "no retry scheduled")
	assert.Equal(t, int32(1), r.calls.Load())

	_, err = c.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestCoordinator_ScheduledRefreshFailureLogsOut(t *testing.T) {
	r := &fakeRefresher{next: func(int32) (*Session, error) { return nil, ErrRejected }}
	c, sch := newTestCoordinator(t, r, nil)
	c.Establish(sessionAt(1, baseTime.Add(time.Hour)))

	sch.last().f()
	assert.Equal(t, StateLoggedOut, c.Snapshot().State)
}

func TestCoordinator_LogoutCancelsTimer(t *testing.T) {
	r := &fakeRefresher{next: func(int32) (*Session, error) { return sessionAt(2, baseTime.Add(time.Hour)), nil }}
	c, sch := newTestCoordinator(t, r, nil)
	c.Establish(sessionAt(1, baseTime.Add(time.Hour)))
	timer := sch.last()

	require.NoError(t, c.Logout(context.Background()))
	assert.True(t, timer.stopped.Load())

	// A timer that fires anyway must not resurrect the session.
	timer.f()
	assert.Equal(t, int32(0), r.calls.Load())
	assert.Equal(t, StateLoggedOut, c.Snapshot().State)
	assert.Nil(t, c.Snapshot().Session)
}

func TestCoordinator_LogoutIsBounded(t *testing.T) {
	var revokeCalls atomic.Int32
	blocking := revokerFunc(func(ctx context.Context, _, _ string) error {
		revokeCalls.Add(1)
		<-ctx.Done()
		return ctx.Err()
	})
	sch := &scheduler{}
	c := New(Config{
		Refresher:     &fakeRefresher{},
		Revoker:       blocking,
		LogoutTimeout: 100 * time.Millisecond,
		AfterFunc:     sch.AfterFunc,
	})
	c.Establish(sessionAt(1, time.Now().Add(time.Hour)))

	var cleared atomic.Bool
	c.Subscribe(func(s Snapshot) {
		if s.State == StateLoggedOut {
			cleared.Store(true)
		}
	})

	start := time.Now()
	err := c.Logout(context.Background())
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, elapsed, time.Second)
	assert.True(t, cleared.Load(), "local state cleared before remote cleanup")
	assert.Equal(t, StateLoggedOut, c.Snapshot().State)
	assert.Equal(t, int32(1), revokeCalls.Load())
}

func TestCoordinator_LogoutClearsEvenWhenRevokeFails(t *testing.T) {
	var got [2]string
	failing := revokerFunc(func(_ context.Context, access, refresh string) error {
		got = [2]string{access, refresh}
		return errors.New("service unavailable")
	})
	c, _ := newTestCoordinator(t, &fakeRefresher{}, failing)
	c.Establish(sessionAt(1, baseTime.Add(time.Hour)))

	err := c.Logout(context.Background())
	require.Error(t, err)
	assert.Equal(t, [2]string{"access-1", "refresh-1"}, got)
	assert.Equal(t, StateLoggedOut, c.Snapshot().State)
	assert.Nil(t, c.Snapshot().Session)
}

func TestCoordinator_LogoutDuringRefreshDiscardsResult(t *testing.T) {
	r := &fakeRefresher{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		next:    func(int32) (*Session, error) { return sessionAt(2, baseTime.Add(time.Hour)), nil },
	}
	c, _ := newTestCoordinator(t, r, nil)
	c.Establish(sessionAt(1, baseTime.Add(time.Hour)))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Refresh(context.Background())
		errCh <- err
	}()
	<-r.started

	require.NoError(t, c.Logout(context.Background()))
	close(r.release)

	assert.ErrorIs(t, <-errCh, ErrLoggedOut)
	assert.Equal(t, StateLoggedOut, c.Snapshot().State)
	assert.Nil(t, c.Snapshot().Session)
}

func TestCoordinator_ApplyIgnoresStaleVersions(t *testing.T) {
	c, _ := newTestCoordinator(t, &fakeRefresher{}, nil)

	assert.True(t, c.Apply(Event{Kind: EventSignedIn, Session: sessionAt(1, baseTime.Add(time.Hour)), Version: 5}))
	assert.Equal(t, uint64(5), c.Snapshot().Version)

	assert.False(t, c.Apply(Event{Kind: EventRefreshed, Session: sessionAt(2, baseTime.Add(time.Hour)), Version: 4}))
	assert.False(t, c.Apply(Event{Kind: EventSignedOut, Version: 5}))
	assert.Equal(t, "access-1", c.Snapshot().Session.AccessToken)

	assert.True(t, c.Apply(Event{Kind: EventRefreshed, Session: sessionAt(3, baseTime.Add(2*time.Hour)), Version: 6}))
	assert.Equal(t, "access-3", c.Snapshot().Session.AccessToken)

	assert.False(t, c.Apply(Event{Kind: EventRefreshed, Version: 7}), "refresh without session")
	assert.True(t, c.Apply(Event{Kind: EventSignedOut, Version: 7}))
	assert.Equal(t, StateLoggedOut, c.Snapshot().State)
}

func TestCoordinator_LocalRefreshOutranksOlderPush(t *testing.T) {
	r := &fakeRefresher{next: func(int32) (*Session, error) { return sessionAt(2, baseTime.Add(time.Hour)), nil }}
	c, _ := newTestCoordinator(t, r, nil)
	c.Apply(Event{Kind: EventSignedIn, Session: sessionAt(1, baseTime.Add(time.Hour)), Version: 1})

	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	// A listener delivering the original sign-in late must not overwrite it.
	assert.False(t, c.Apply(Event{Kind: EventSignedIn, Session: sessionAt(1, baseTime.Add(time.Hour)), Version: 2}))
	assert.Equal(t, "access-2", c.Snapshot().Session.AccessToken)
}

func TestCoordinator_SubscribersSeeEveryTransition(t *testing.T) {
	r := &fakeRefresher{next: func(int32) (*Session, error) { return sessionAt(2, baseTime.Add(time.Hour)), nil }}
	c, _ := newTestCoordinator(t, r, nil)

	var states []State
	unsubscribe := c.Subscribe(func(s Snapshot) { states = append(states, s.State) })

	c.Establish(sessionAt(1, baseTime.Add(time.Hour)))
	_, err := c.Refresh(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Logout(context.Background()))

	assert.Equal(t, []State{StateScheduled, StateRefreshing, StateScheduled, StateLoggedOut}, states)

	unsubscribe()
	c.Establish(sessionAt(3, baseTime.Add(time.Hour)))
	assert.Len(t, states, 4)
}

func TestCoordinator_RefreshWithoutSession(t *testing.T) {
	r := &fakeRefresher{}
	c, _ := newTestCoordinator(t, r, nil)

	_, err := c.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, int32(0), r.calls.Load())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "scheduled", StateScheduled.String())
	assert.Equal(t, "refreshing", StateRefreshing.String())
	assert.Equal(t, "logged_out", StateLoggedOut.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestCoordinator_PushDuringRefreshKeepsNewerSession(t *testing.T) {
	r := &fakeRefresher{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		next:    func(int32) (*Session, error) { return sessionAt(2, baseTime.Add(time.Hour)), nil },
	}
	c, _ := newTestCoordinator(t, r, nil)
	c.Establish(sessionAt(1, baseTime.Add(time.Hour)))

	type outcome struct {
		s   *Session
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		s, err := c.Refresh(context.Background())
		done <- outcome{s, err}
	}()
	<-r.started

	require.True(t, c.Apply(Event{Kind: EventRefreshed, Session: sessionAt(3, baseTime.Add(2*time.Hour)), Version: 10}))
	close(r.release)

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, "access-3", got.s.AccessToken)

	snap := c.Snapshot()
	assert.Equal(t, StateScheduled, snap.State)
	assert.Equal(t, "access-3", snap.Session.AccessToken)
	assert.Equal(t, uint64(10), snap.Version)
}

func TestCoordinator_FailedRefreshDoesNotDropNewerSession(t *testing.T) {
	r := &fakeRefresher{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		next:    func(int32) (*Session, error) { return nil, ErrRejected },
	}
	c, _ := newTestCoordinator(t, r, nil)
	c.Establish(sessionAt(1, baseTime.Add(time.Hour)))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Refresh(context.Background())
		errCh <- err
	}()
	<-r.started

	c.Establish(sessionAt(4, baseTime.Add(time.Hour)))
	close(r.release)

	require.NoError(t, <-errCh)
	assert.Equal(t, "access-4", c.Snapshot().Session.AccessToken)
}

func TestCoordinator_SupersedingSessionDueNowIsRefreshed(t *testing.T) {
	r := &fakeRefresher{
		started: make(chan struct{}, 2),
		release: make(chan struct{}),
		next: func(n int32) (*Session, error) {
			return sessionAt(int(n)+4, baseTime.Add(time.Hour)), nil
		},
	}
	c, sch := newTestCoordinator(t, r, nil)
	c.Establish(sessionAt(1, baseTime.Add(time.Hour)))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Refresh(context.Background())
		errCh <- err
	}()
	<-r.started

	// Pushed session already inside the skew window.
	c.Apply(Event{Kind: EventSignedIn, Session: sessionAt(2, baseTime.Add(time.Minute)), Version: 10})
	close(r.release)
	require.NoError(t, <-errCh)

	rescheduled := sch.last()
	require.NotNil(t, rescheduled)
	assert.Equal(t, time.Duration(0), rescheduled.d)

	rescheduled.f()
	<-r.started
	assert.Equal(t, int32(2), r.calls.Load())
	assert.Equal(t, StateScheduled, c.Snapshot().State)
	assert.Equal(t, "access-6", c.Snapshot().Session.AccessToken)
}

func TestCoordinator_SubscriberMayCallBack(t *testing.T) {
	c, _ := newTestCoordinator(t, &fakeRefresher{}, nil)

	var states []State
	c.Subscribe(func(s Snapshot) {
		states = append(states, s.State)
		if s.State == StateScheduled {
			assert.NoError(t, c.Logout(context.Background()))
		}
	})

	done := make(chan struct{})
	go func() {
		c.Establish(sessionAt(1, baseTime.Add(time.Hour)))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Establish blocked on a subscriber that called Logout")
	}

	assert.Equal(t, []State{StateScheduled, StateLoggedOut}, states)
	assert.Equal(t, StateLoggedOut, c.Snapshot().State)

	// The coordinator still works afterwards.
	assert.True(t, c.Apply(Event{Kind: EventSignedIn, Session: sessionAt(2, baseTime.Add(time.Hour)), Version: 50}))
}

func TestCoordinator_SubscriberMayUnsubscribeItself(t *testing.T) {
	c, _ := newTestCoordinator(t, &fakeRefresher{}, nil)

	var calls atomic.Int32
	var unsubscribe func()
	unsubscribe = c.Subscribe(func(Snapshot) {
		calls.Add(1)
		unsubscribe()
	})

	c.Establish(sessionAt(1, baseTime.Add(time.Hour)))
	c.Establish(sessionAt(2, baseTime.Add(time.Hour)))
	assert.Equal(t, int32(1), calls.Load())
}
