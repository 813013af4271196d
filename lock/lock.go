// Package lock implements the task lock lifecycle: acquire, renew, release,
// and lazy expiry.
//
// Active and soft locks are mutually exclusive per task (at most one of
// either kind). Helper locks coexist freely with each other and with an
// active or soft lock; they grant assist access, never ownership. Every
// lock carries a TTL so a crashed holder's lock silently expires and the
// task becomes reclaimable without operator intervention.
package lock

import (
	"time"
)

// Kind identifies the lock flavor.
type Kind string

const (
	// KindActive is the exclusive ownership lock taken by a claim.
	KindActive Kind = "active"
	// KindSoft is an exclusive intent-to-claim reservation, same
	// exclusivity class as active.
	KindSoft Kind = "soft"
	// KindHelper is the non-exclusive assist lock taken when a help
	// request is accepted.
	KindHelper Kind = "helper"
)

// Exclusive reports whether the kind participates in per-task mutual
// exclusion.
func (k Kind) Exclusive() bool { return k == KindActive || k == KindSoft }

// Lock is one lock row.
type Lock struct {
	TaskID      string    `json:"task_id"`
	SessionID   string    `json:"session_id"`
	Kind        Kind      `json:"kind"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// Expired reports whether the lock's TTL has passed at the given instant.
func (l *Lock) Expired(now time.Time) bool { return now.After(l.ExpiresAt) }

// ConflictError reports that a non-expired active or soft lock on the task
// is held by another session.
type ConflictError struct {
	TaskID        string
	HolderSession string
	HolderKind    Kind
}

func (e *ConflictError) Error() string {
	return "task " + e.TaskID + " locked by session " + e.HolderSession
}

// TTLConfig holds the default lease durations per lock kind. Helpers get a
// longer default because assisting work is assumed slower and asynchronous.
type TTLConfig struct {
	Active time.Duration `yaml:"active"`
	Soft   time.Duration `yaml:"soft"`
	Helper time.Duration `yaml:"helper"`
}

// DefaultTTLs returns the standard lease durations.
func DefaultTTLs() TTLConfig {
	return TTLConfig{
		Active: 60 * time.Minute,
		Soft:   10 * time.Minute,
		Helper: 120 * time.Minute,
	}
}

// For returns the configured TTL for the kind, falling back to the
// defaults for zero values.
func (c TTLConfig) For(kind Kind) time.Duration {
	d := DefaultTTLs()
	switch kind {
	case KindSoft:
		if c.Soft > 0 {
			return c.Soft
		}
		return d.Soft
	case KindHelper:
		if c.Helper > 0 {
			return c.Helper
		}
		return d.Helper
	default:
		if c.Active > 0 {
			return c.Active
		}
		return d.Active
	}
}
