package ratelimiter

import (
	"testing"
	"time"
)

func TestAllowChargesPerKey(t *testing.T) {
	l := New(0.001, 2, time.Minute)
	now := time.Unix(1_700_000_000, 0)

	if !l.Allow("hush1a", now) || !l.Allow("hush1a", now) {
		t.Fatal("burst tokens must be granted")
	}
	if l.Allow("hush1a", now) {
		t.Fatal("exhausted key must be limited")
	}
	if !l.Allow("hush1b", now) {
		t.Fatal("other keys keep their own budget")
	}
}

func TestAllowAllIsAllOrNothing(t *testing.T) {
	l := New(0.001, 1, time.Minute)
	now := time.Unix(1_700_000_000, 0)

	// Exhaust one key, then ask for a batch including it: the batch must
	// fail without spending the other key's token.
	if !l.Allow("hush1a", now) {
		t.Fatal("first charge should pass")
	}
	if l.AllowAll([]string{"hush1b", "hush1a"}, now) {
		t.Fatal("batch containing a limited key must be refused")
	}
	if !l.Allow("hush1b", now) {
		t.Fatal("refused batch must not have charged the unlimited key")
	}
}

func TestAllowAllChargesEveryKeyOnSuccess(t *testing.T) {
	l := New(0.001, 1, time.Minute)
	now := time.Unix(1_700_000_000, 0)

	if !l.AllowAll([]string{"hush1a", "hush1b", ""}, now) {
		t.Fatal("fresh batch should pass")
	}
	if l.Allow("hush1a", now) || l.Allow("hush1b", now) {
		t.Fatal("successful batch must consume one token per key")
	}
}

func TestNilLimiterAllowsEverything(t *testing.T) {
	var l *MapLimiter
	now := time.Now()
	if !l.Allow("hush1a", now) || !l.AllowAll([]string{"hush1a"}, now) {
		t.Fatal("nil limiter must allow everything")
	}
	if l.Size() != 0 {
		t.Fatal("nil limiter holds no buckets")
	}
}
