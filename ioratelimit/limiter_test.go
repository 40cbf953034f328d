package ioratelimit

import (
	"testing"
	"time"
)

func TestZeroLimitNeverSleeps(t *testing.T) {
	l := New(0)
	slept := false
	l.sleepFunc = func(time.Duration) { slept = true }
	l.Observe(10 * 1024 * 1024)
	if slept {
		t.Fatal("expected zero-limit observer to never sleep")
	}
}

func TestExceedingBudgetSleeps(t *testing.T) {
	l := New(1) // 1 MiB/sec
	var totalSlept time.Duration
	l.sleepFunc = func(d time.Duration) { totalSlept += d }
	fixedNow := time.Now()
	l.now = func() time.Time { return fixedNow }

	l.Observe(2 * 1024 * 1024) // 2x budget within the same instant
	if totalSlept <= 0 {
		t.Fatalf("expected a sleep once the window exceeds budget, got %v", totalSlept)
	}
}

func TestWindowResetsAfterOneSecond(t *testing.T) {
	l := New(1)
	var slept time.Duration
	l.sleepFunc = func(d time.Duration) { slept += d }
	cur := time.Now()
	l.now = func() time.Time { return cur }

	l.Observe(1024 * 1024) // exactly at budget
	cur = cur.Add(2 * time.Second)
	before := slept
	l.Observe(1024 * 1024)
	if slept != before {
		t.Fatalf("expected a fresh window to avoid sleeping, slept changed from %v to %v", before, slept)
	}
}
