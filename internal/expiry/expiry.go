// Package expiry holds the single expiration rule shared by lock records and
// cache entries. Every read path goes through IsExpired so lock and cache
// code cannot disagree about when a record stops being valid.
package expiry

import "time"

// IsExpired reports whether a record written at writtenAt with the given ttl
// is no longer valid at now. A record is still valid at exactly writtenAt+ttl.
// A non-positive ttl never expires.
func IsExpired(writtenAt time.Time, ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(writtenAt) > ttl
}

// ExpiresAt returns the last instant at which the record is still valid.
func ExpiresAt(writtenAt time.Time, ttl time.Duration) time.Time {
	return writtenAt.Add(ttl)
}
