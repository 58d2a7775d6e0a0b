package cache

import (
	"time"
)

type expirationKind int

const (
	expNever expirationKind = iota
	expDuration
	expDate
	expAlready
)

// Expiration describes when a cache entry stops being served.
type Expiration struct {
	kind expirationKind
	d    time.Duration
	t    time.Time
}

// Never returns an expiration that never triggers.
func Never() Expiration {
	return Expiration{kind: expNever}
}

// In returns an expiration d from the moment the entry is stored or
// extended.
func In(d time.Duration) Expiration {
	return Expiration{kind: expDuration, d: d}
}

// Seconds is shorthand for In(n seconds).
func Seconds(n int) Expiration {
	return In(time.Duration(n) * time.Second)
}

// Days is shorthand for In(n days).
func Days(n int) Expiration {
	return In(time.Duration(n) * 24 * time.Hour)
}

// Date returns an expiration at a fixed point in time.
func Date(t time.Time) Expiration {
	return Expiration{kind: expDate, t: t}
}

// AlreadyExpired returns an expiration that has always triggered. Storing
// with it is a no-op at retrieval time.
func AlreadyExpired() Expiration {
	return Expiration{kind: expAlready}
}

// IsNever returns true if the entry never expires.
func (e Expiration) IsNever() bool {
	return e.kind == expNever
}

// IsExpired returns true if the expiration has already triggered as of now.
func (e Expiration) IsExpired() bool {
	if e.kind == expAlready {
		return true
	}
	if e.kind == expDate {
		return !e.t.After(time.Now())
	}
	return false
}

// Duration returns the TTL for duration-based expirations, and zero
// otherwise.
func (e Expiration) Duration() time.Duration {
	if e.kind == expDuration {
		return e.d
	}
	return 0
}

// EstimatedAt returns the estimated expiration instant for an entry
// stored at `from`. The zero time means the entry never expires.
func (e Expiration) EstimatedAt(from time.Time) time.Time {
	switch e.kind {
	case expNever:
		return time.Time{}
	case expDuration:
		return from.Add(e.d)
	case expDate:
		return e.t
	}
	// Already expired: any instant not after `from` will do.
	return from.Add(-time.Nanosecond)
}

// Expired reports whether an entry whose estimated expiration is
// `estimated` should be treated as absent at the reference time `ref`.
// A zero `estimated` never expires.
func Expired(estimated time.Time, ref time.Time) bool {
	if estimated.IsZero() {
		return false
	}
	return !estimated.After(ref)
}

type extendMode int

const (
	extendNone extendMode = iota
	extendByAccess
	extendTo
)

// Extend is the policy applied to an entry's estimated expiration when
// the entry is read.
type Extend struct {
	mode extendMode
	d    time.Duration
}

// ExtendNone leaves the estimated expiration untouched on access.
func ExtendNone() Extend {
	return Extend{mode: extendNone}
}

// ExtendByAccess pushes the estimated expiration to now + the entry's
// original TTL on every access. Entries without a TTL are untouched.
func ExtendByAccess() Extend {
	return Extend{mode: extendByAccess}
}

// ExtendTo pushes the estimated expiration to now + d on every access.
func ExtendTo(d time.Duration) Extend {
	return Extend{mode: extendTo, d: d}
}

// Apply computes the new estimated expiration for an entry with the
// given original TTL, read at `now`. The second return value is false
// when the policy leaves the entry untouched.
func (x Extend) Apply(ttl time.Duration, now time.Time) (time.Time, bool) {
	switch x.mode {
	case extendByAccess:
		if ttl <= 0 {
			return time.Time{}, false
		}
		return now.Add(ttl), true
	case extendTo:
		return now.Add(x.d), true
	}
	return time.Time{}, false
}

// Extends reports whether the policy modifies expirations at all.
func (x Extend) Extends() bool {
	return x.mode != extendNone
}
