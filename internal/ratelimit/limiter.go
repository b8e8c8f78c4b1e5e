package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/tableside/auth-core/internal/auth"
	"github.com/tableside/auth-core/internal/infrastructure/logging"
)

// Deny reasons.
const (
	ReasonWindow     = "window"
	ReasonLockout    = "lockout"
	ReasonSuspicious = "suspicious"
)

// Decision is the outcome of Check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     string
}

// Err converts a denial into a *auth.LockedError.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &auth.LockedError{RetryAfter: d.RetryAfter}
}

// Subject identifies who is being limited. Client is the fine-grained key
// (network origin plus device fingerprint); Network is the origin alone.
type Subject struct {
	Client  string
	Network string
}

// NewSubject derives the keys for a request. The fingerprint only narrows
// the class windows; the suspicious tracker always keys on the network so a
// client rotating fingerprints cannot escape it.
func NewSubject(ip, fingerprint string) Subject {
	s := Subject{Client: ip, Network: ip}
	if fingerprint != "" {
		sum := sha256.Sum256([]byte(fingerprint))
		s.Client = ip + "#" + hex.EncodeToString(sum[:8])
	}
	return s
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger used for lock transitions.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// Limiter applies per-class failure windows and the suspicious-activity block.
type Limiter struct {
	cfg    Config
	store  Store
	now    func() time.Time
	logger *logging.Logger
}

// New creates a Limiter.
func New(store Store, cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:    cfg,
		store:  store,
		now:    time.Now,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Policy returns the policy of class and whether one is configured.
func (l *Limiter) Policy(class Class) (Policy, bool) {
	p, ok := l.cfg.Policies[class]
	return p, ok
}

func windowKey(class Class, client string) string { return "win:" + string(class) + ":" + client }
func lockKey(class Class, client string) string   { return "lock:" + string(class) + ":" + client }
func levelKey(class Class, client string) string  { return "lvl:" + string(class) + ":" + client }
func suspectKey(network string) string            { return "sus:" + network }
func blockKey(network string) string              { return "block:" + network }

// Check reports whether subject may attempt an operation of class.
// Store errors are returned and callers must deny the request.
func (l *Limiter) Check(ctx context.Context, class Class, s Subject) (Decision, error) {
	now := l.now()

	if until, err := l.store.LockedUntil(ctx, blockKey(s.Network), now); err != nil {
		return Decision{}, err
	} else if !until.IsZero() {
		return deny(until.Sub(now), ReasonSuspicious), nil
	}

	policy, ok := l.cfg.Policies[class]
	if !ok {
		return Decision{Allowed: true}, nil
	}

	if until, err := l.store.LockedUntil(ctx, lockKey(class, s.Client), now); err != nil {
		return Decision{}, err
	} else if !until.IsZero() {
		return deny(until.Sub(now), ReasonLockout), nil
	}

	w, err := l.store.Window(ctx, windowKey(class, s.Client), now, policy.Window)
	if err != nil {
		return Decision{}, err
	}
	if w.Count >= policy.Limit {
		return deny(w.Oldest.Add(policy.Window).Sub(now), ReasonWindow), nil
	}
	return Decision{Allowed: true}, nil
}

// RecordFailure counts a failed attempt. It returns the decision a following
// Check would make, so callers can report a lock the moment it is applied.
func (l *Limiter) RecordFailure(ctx context.Context, class Class, s Subject) (Decision, error) {
	now := l.now()
	d := Decision{Allowed: true}

	if policy, ok := l.cfg.Policies[class]; ok {
		w, err := l.store.AddFailure(ctx, windowKey(class, s.Client), now, policy.Window)
		if err != nil {
			return Decision{}, err
		}
		if w.Count >= policy.Limit {
			level, err := l.store.Increment(ctx, levelKey(class, s.Client), l.cfg.SuspiciousBlock, now)
			if err != nil {
				return Decision{}, err
			}
			lockFor := l.escalate(policy.Window, level)
			if err := l.store.SetLock(ctx, lockKey(class, s.Client), now.Add(lockFor), now); err != nil {
				return Decision{}, err
			}
			l.logger.Warn("rate limit lock applied",
				"class", string(class),
				"client", s.Client,
				"level", level,
				"duration", lockFor.String(),
			)
			d = deny(lockFor, ReasonLockout)
		}
	}

	if l.cfg.SuspiciousThreshold <= 0 {
		return d, nil
	}
	w, err := l.store.AddFailure(ctx, suspectKey(s.Network), now, l.cfg.SuspiciousBlock)
	if err != nil {
		return Decision{}, err
	}
	if w.Count >= l.cfg.SuspiciousThreshold {
		if err := l.store.SetLock(ctx, blockKey(s.Network), now.Add(l.cfg.SuspiciousBlock), now); err != nil {
			return Decision{}, err
		}
		if err := l.store.Delete(ctx, suspectKey(s.Network)); err != nil {
			return Decision{}, err
		}
		l.logger.Warn("suspicious activity block applied",
			"network", s.Network,
			"failures", w.Count,
			"duration", l.cfg.SuspiciousBlock.String(),
		)
		d = deny(l.cfg.SuspiciousBlock, ReasonSuspicious)
	}
	return d, nil
}

// RecordSuccess clears the escalation level for class. Failure windows are
// left untouched: only failures count, and a success does not forgive them.
func (l *Limiter) RecordSuccess(ctx context.Context, class Class, s Subject) error {
	if err := l.store.Delete(ctx, levelKey(class, s.Client)); err != nil {
		return fmt.Errorf("clearing escalation: %w", err)
	}
	return nil
}

// Unblock lifts every lock held against subject for class, including the
// network-wide block.
func (l *Limiter) Unblock(ctx context.Context, class Class, s Subject) error {
	return l.store.Delete(ctx,
		windowKey(class, s.Client),
		lockKey(class, s.Client),
		levelKey(class, s.Client),
		suspectKey(s.Network),
		blockKey(s.Network),
	)
}

// escalate doubles the lock for every consecutive trip, capped at the
// suspicious block duration.
func (l *Limiter) escalate(window time.Duration, level int) time.Duration {
	d := window
	for i := 1; i < level; i++ {
		d *= 2
		if d >= l.cfg.SuspiciousBlock {
			return l.cfg.SuspiciousBlock
		}
	}
	if l.cfg.SuspiciousBlock > 0 && d > l.cfg.SuspiciousBlock {
		return l.cfg.SuspiciousBlock
	}
	return d
}

func deny(retry time.Duration, reason string) Decision {
	if retry < time.Second {
		retry = time.Second
	}
	return Decision{RetryAfter: retry, Reason: reason}
}
