package cache

import (
	"testing"
	"time"
)

func TestExpirationEstimatedAt(t *testing.T) {
	now := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)

	if got := Never().EstimatedAt(now); !got.IsZero() {
		t.Fatalf("Never: expected zero estimate, got %v", got)
	}

	if got := In(time.Minute).EstimatedAt(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("In: expected %v, got %v", now.Add(time.Minute), got)
	}

	if got := Seconds(30).EstimatedAt(now); !got.Equal(now.Add(30 * time.Second)) {
		t.Fatalf("Seconds: expected %v, got %v", now.Add(30*time.Second), got)
	}

	if got := Days(2).EstimatedAt(now); !got.Equal(now.Add(48 * time.Hour)) {
		t.Fatalf("Days: expected %v, got %v", now.Add(48*time.Hour), got)
	}

	at := now.Add(time.Hour)
	if got := Date(at).EstimatedAt(now); !got.Equal(at) {
		t.Fatalf("Date: expected %v, got %v", at, got)
	}

	if got := AlreadyExpired().EstimatedAt(now); !got.Before(now) {
		t.Fatalf("AlreadyExpired: expected estimate before %v, got %v", now, got)
	}
}

func TestExpired(t *testing.T) {
	now := time.Now()

	if Expired(time.Time{}, now) {
		t.Fatal("zero estimate must never expire")
	}
	if Expired(now.Add(time.Second), now) {
		t.Fatal("future estimate reported expired")
	}
	if !Expired(now.Add(-time.Second), now) {
		t.Fatal("past estimate reported live")
	}
	// A value stored with TTL t is a miss at any reference after
	// store-time + t.
	stored := now.Add(-time.Hour)
	est := In(time.Minute).EstimatedAt(stored)
	if !Expired(est, now) {
		t.Fatal("entry past its TTL reported live")
	}
}

func TestExtendApply(t *testing.T) {
	now := time.Now()

	if _, changed := ExtendNone().Apply(time.Minute, now); changed {
		t.Fatal("ExtendNone must not change the estimate")
	}

	got, changed := ExtendByAccess().Apply(time.Minute, now)
	if !changed || !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("ExtendByAccess: expected %v, got %v (changed=%t)", now.Add(time.Minute), got, changed)
	}

	if _, changed := ExtendByAccess().Apply(0, now); changed {
		t.Fatal("ExtendByAccess on a TTL-less entry must not change the estimate")
	}

	got, changed = ExtendTo(time.Hour).Apply(0, now)
	if !changed || !got.Equal(now.Add(time.Hour)) {
		t.Fatalf("ExtendTo: expected %v, got %v (changed=%t)", now.Add(time.Hour), got, changed)
	}
}

func TestVariantKey(t *testing.T) {
	if got := VariantKey("http://example.com/a.png", ""); got != "http://example.com/a.png" {
		t.Fatalf("default processor must keep the key, got %q", got)
	}

	got := VariantKey("k", "halcyon.Blur(3)")
	if got != "k@halcyon.Blur(3)" {
		t.Fatalf("unexpected variant key %q", got)
	}

	// Distinct processors must produce distinct fingerprints that
	// differ by the trailing identifier segment.
	a := VariantKey("k", "halcyon.RoundCorner(40,(0,0),1111)")
	b := VariantKey("k", "halcyon.Blur(3)")
	if a == b {
		t.Fatal("distinct processors produced the same fingerprint")
	}
}

func TestErrorFormatting(t *testing.T) {
	err := &Error{Kind: CannotLoadFromDisk, Path: "/tmp/x"}
	if err.Error() != "cannot load from disk: /tmp/x" {
		t.Fatalf("unexpected error text %q", err.Error())
	}
	if !IsKind(err, CannotLoadFromDisk) {
		t.Fatal("IsKind failed to match")
	}
	if IsKind(err, InvalidKey) {
		t.Fatal("IsKind matched the wrong kind")
	}
}
