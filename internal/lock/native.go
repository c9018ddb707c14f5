package lock

import (
	"context"
	"time"
)

// NativeLocker is a host lock service. Keys are document ids; every
// mutation is scoped to the owner that holds the key.
type NativeLocker interface {
	TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, owner string) (bool, error)
	Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// CurrentOwner returns "" when the key is free.
	CurrentOwner(ctx context.Context, key string) (owner string, remaining time.Duration, err error)
}

// NativeBackend adapts a NativeLocker to Backend. A nil locker makes every
// call return ErrNotConfigured.
type NativeBackend struct {
	locker NativeLocker
}

func NewNativeBackend(locker NativeLocker) *NativeBackend {
	return &NativeBackend{locker: locker}
}

func (b *NativeBackend) Kind() BackendKind { return BackendNative }

func (b *NativeBackend) Configured() bool { return b != nil && b.locker != nil }

func (b *NativeBackend) Acquire(ctx context.Context, documentID, owner string, ttl time.Duration, now time.Time) (AcquireResult, error) {
	if !b.Configured() {
		return AcquireResult{}, ErrNotConfigured
	}
	current, _, err := b.locker.CurrentOwner(ctx, documentID)
	if err != nil {
		return AcquireResult{}, err
	}
	if current == owner {
		ok, err := b.locker.Extend(ctx, documentID, owner, ttl)
		if err != nil {
			return AcquireResult{}, err
		}
		if ok {
			return AcquireResult{Acquired: true, LockedBy: owner, Backend: BackendNative, ExpiresAt: now.Add(ttl)}, nil
		}
		// Lapsed between the two calls; try a fresh lock below.
	} else if current != "" {
		return b.conflict(ctx, documentID, current, now)
	}

	ok, err := b.locker.TryLock(ctx, documentID, owner, ttl)
	if err != nil {
		return AcquireResult{}, err
	}
	if ok {
		return AcquireResult{Acquired: true, LockedBy: owner, Backend: BackendNative, ExpiresAt: now.Add(ttl)}, nil
	}

	current, _, err = b.locker.CurrentOwner(ctx, documentID)
	if err != nil {
		return AcquireResult{}, err
	}
	if current == "" {
		return AcquireResult{}, nil
	}
	return b.conflict(ctx, documentID, current, now)
}

func (b *NativeBackend) conflict(ctx context.Context, documentID, holder string, now time.Time) (AcquireResult, error) {
	result := AcquireResult{LockedBy: holder, Backend: BackendNative}
	if _, remaining, err := b.locker.CurrentOwner(ctx, documentID); err == nil && remaining > 0 {
		result.ExpiresAt = now.Add(remaining)
	}
	return result, nil
}

func (b *NativeBackend) Release(ctx context.Context, documentID, owner string, _ time.Time) (ReleaseResult, error) {
	if !b.Configured() {
		return ReleaseResult{}, ErrNotConfigured
	}
	ok, err := b.locker.Unlock(ctx, documentID, owner)
	if err != nil {
		return ReleaseResult{}, err
	}
	if ok {
		return ReleaseResult{Released: true, Backend: BackendNative}, nil
	}
	current, _, err := b.locker.CurrentOwner(ctx, documentID)
	if err != nil {
		return ReleaseResult{}, err
	}
	if current != "" && current != owner {
		return ReleaseResult{Reason: ReasonNotOwner, LockedBy: current, Backend: BackendNative}, nil
	}
	return ReleaseResult{Reason: ReasonNotFound}, nil
}

func (b *NativeBackend) Renew(ctx context.Context, documentID, owner string, ttl time.Duration, now time.Time) (RenewResult, error) {
	if !b.Configured() {
		return RenewResult{}, ErrNotConfigured
	}
	ok, err := b.locker.Extend(ctx, documentID, owner, ttl)
	if err != nil {
		return RenewResult{}, err
	}
	if ok {
		return RenewResult{Renewed: true, LockedBy: owner, Backend: BackendNative, ExpiresAt: now.Add(ttl)}, nil
	}
	current, _, err := b.locker.CurrentOwner(ctx, documentID)
	if err != nil {
		return RenewResult{}, err
	}
	if current != "" && current != owner {
		return RenewResult{Reason: ReasonNotOwner, LockedBy: current, Backend: BackendNative}, nil
	}
	return RenewResult{Reason: ReasonNotFound}, nil
}

func (b *NativeBackend) Holder(ctx context.Context, documentID string, now time.Time) (Holder, bool, error) {
	if !b.Configured() {
		return Holder{}, false, ErrNotConfigured
	}
	current, remaining, err := b.locker.CurrentOwner(ctx, documentID)
	if err != nil {
		return Holder{}, false, err
	}
	if current == "" {
		return Holder{}, false, nil
	}
	holder := Holder{Owner: current, Backend: BackendNative}
	if remaining > 0 {
		holder.ExpiresAt = now.Add(remaining)
	}
	return holder, true, nil
}
