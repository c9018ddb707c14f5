// Package lock coordinates exclusive editing rights on board documents.
//
// A Coordinator walks an ordered list of backends. The native backend asks
// a host lock service (Redis) first; the file backend keeps one record per
// locked document in a shared directory and is the authority when the host
// service is absent or failing. Conflicts and missing locks are reported in
// the result structs; only validation and storage failures are errors.
package lock

import (
	"context"
	"errors"
	"time"
)

type BackendKind string

const (
	BackendNative BackendKind = "native"
	BackendAtomic BackendKind = "atomic"
)

type Reason string

const (
	ReasonNotOwner Reason = "NOT_OWNER"
	ReasonNotFound Reason = "NOT_FOUND"
)

// ErrNotConfigured is returned by a backend that has nothing to talk to.
// The coordinator treats it as a pass to the next backend.
var ErrNotConfigured = errors.New("lock backend not configured")

type AcquireResult struct {
	Acquired  bool        `json:"acquired"`
	LockedBy  string      `json:"lockedBy,omitempty"`
	Backend   BackendKind `json:"backend,omitempty"`
	ExpiresAt time.Time   `json:"expiresAt,omitempty"`
}

type ReleaseResult struct {
	Released bool        `json:"released"`
	Reason   Reason      `json:"reason,omitempty"`
	LockedBy string      `json:"lockedBy,omitempty"`
	Backend  BackendKind `json:"backend,omitempty"`

	// Unreachable lists backends that failed during the release. A lock
	// the caller holds there stays until its TTL runs out.
	Unreachable []BackendKind `json:"unreachable,omitempty"`
}

type RenewResult struct {
	Renewed   bool        `json:"renewed"`
	Reason    Reason      `json:"reason,omitempty"`
	LockedBy  string      `json:"lockedBy,omitempty"`
	Backend   BackendKind `json:"backend,omitempty"`
	ExpiresAt time.Time   `json:"expiresAt,omitempty"`
}

// Status describes a document's lock as seen by one viewer. Locked is true
// only when someone other than the viewer holds the lock.
type Status struct {
	Locked        bool        `json:"locked"`
	HasActiveLock bool        `json:"hasActiveLock"`
	HeldByCaller  bool        `json:"heldByCaller"`
	LockedBy      string      `json:"lockedBy,omitempty"`
	Backend       BackendKind `json:"backend,omitempty"`
	ExpiresAt     time.Time   `json:"expiresAt,omitempty"`
}

// Holder is the current, unexpired owner of a lock on one backend.
type Holder struct {
	Owner     string
	Backend   BackendKind
	ExpiresAt time.Time
}

// Backend is one place a lock can live. An Acquire result that is neither
// granted nor names an owner means "not decided here".
type Backend interface {
	Kind() BackendKind
	Acquire(ctx context.Context, documentID, owner string, ttl time.Duration, now time.Time) (AcquireResult, error)
	Release(ctx context.Context, documentID, owner string, now time.Time) (ReleaseResult, error)
	Renew(ctx context.Context, documentID, owner string, ttl time.Duration, now time.Time) (RenewResult, error)
	Holder(ctx context.Context, documentID string, now time.Time) (Holder, bool, error)
}

// Sweeper is implemented by backends that keep state the coordinator has to
// clean up itself.
type Sweeper interface {
	CleanupExpired(ctx context.Context, now time.Time) (int, error)
}
