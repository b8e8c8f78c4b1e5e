package ratelimit

import (
	"time"

	"github.com/tableside/auth-core/internal/infrastructure/config"
)

// Class is an operation class with its own failure window.
type Class string

const (
	ClassLogin   Class = "login"
	ClassPIN     Class = "pin"
	ClassStation Class = "station"
	ClassRefresh Class = "refresh"
)

// Policy allows Limit failures per Window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Config is the full limiter policy.
type Config struct {
	Policies            map[Class]Policy
	SuspiciousThreshold int
	SuspiciousBlock     time.Duration
}

// DefaultConfig returns the built-in policy table.
func DefaultConfig() Config {
	return Config{
		Policies: map[Class]Policy{
			ClassLogin:   {Limit: 5, Window: 15 * time.Minute},
			ClassPIN:     {Limit: 3, Window: 5 * time.Minute},
			ClassStation: {Limit: 5, Window: 10 * time.Minute},
			ClassRefresh: {Limit: 10, Window: time.Minute},
		},
		SuspiciousThreshold: 10,
		SuspiciousBlock:     24 * time.Hour,
	}
}

// ConfigFrom overlays the configured values on the defaults.
func ConfigFrom(cfg config.RateLimitConfig) Config {
	out := DefaultConfig()
	for name, c := range cfg.Classes {
		if c.Limit <= 0 || c.Window <= 0 {
			continue
		}
		out.Policies[Class(name)] = Policy{Limit: c.Limit, Window: time.Duration(c.Window) * time.Second}
	}
	if cfg.SuspiciousThreshold > 0 {
		out.SuspiciousThreshold = cfg.SuspiciousThreshold
	}
	if cfg.SuspiciousBlock > 0 {
		out.SuspiciousBlock = time.Duration(cfg.SuspiciousBlock) * time.Minute
	}
	return out
}
