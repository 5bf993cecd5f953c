package ratelimit

import "testing"

func TestTokenBucketLimiter_Check(t *testing.T) {
	l := NewTokenBucketLimiter()

	for i := 0; i < 3; i++ {
		if !l.Check("a", 3) {
			t.Fatalf("expected request %d to be admitted within the 3/min capacity", i)
		}
	}
	if l.Check("a", 3) {
		t.Fatal("expected the 4th request to exhaust the bucket")
	}
}

func TestTokenBucketLimiter_PerKeyIsolation(t *testing.T) {
	l := NewTokenBucketLimiter()

	if !l.Check("a", 1) {
		t.Fatal("expected key a's request to be admitted")
	}
	if !l.Check("b", 1) {
		t.Fatal("expected key b's bucket to be independent of a's")
	}
}

func TestTokenBucketLimiter_RetryAfterSeconds(t *testing.T) {
	l := NewTokenBucketLimiter()
	l.Check("a", 1)

	retry := l.RetryAfterSeconds("a", 1)
	if retry < 1 {
		t.Errorf("expected RetryAfterSeconds to be at least 1, got %d", retry)
	}
}

func TestTokenBucketLimiter_ZeroCapacityFloorsToOne(t *testing.T) {
	l := NewTokenBucketLimiter()
	if !l.Check("a", 0) {
		t.Fatal("expected a zero requests-per-minute limit to still admit one request")
	}
	if l.Check("a", 0) {
		t.Fatal("expected the second request against a zero limit to be denied")
	}
}
