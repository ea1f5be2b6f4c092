// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	fake := NewFake()
	ch := fake.After(10 * time.Second)

	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	fake.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired early")
	default:
	}

	fake.Advance(time.Second)
	select {
	case fired := <-ch:
		if got := fake.Now(); !fired.Equal(got) {
			t.Errorf("fired at %v, clock now %v", fired, got)
		}
	default:
		t.Fatal("After did not fire at deadline")
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	fake := NewFake()
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestFakeTicker(t *testing.T) {
	fake := NewFake()
	ticker := fake.NewTicker(time.Minute)
	defer ticker.Stop()

	fake.Advance(time.Minute)
	select {
	case <-ticker.C:
	default:
		t.Fatal("no tick after one interval")
	}

	// Two intervals with an unread channel: capacity 1, one dropped.
	fake.Advance(2 * time.Minute)
	select {
	case <-ticker.C:
	default:
		t.Fatal("no tick after two intervals")
	}
	select {
	case <-ticker.C:
		t.Fatal("dropped tick was queued")
	default:
	}

	ticker.Stop()
	fake.Advance(time.Minute)
	select {
	case <-ticker.C:
		t.Fatal("tick after Stop")
	default:
	}
}

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	fake := NewFake()
	first := fake.After(time.Second)
	second := fake.After(2 * time.Second)

	fake.Advance(5 * time.Second)

	a := <-first
	b := <-second
	if !a.Before(b) {
		t.Errorf("deadlines fired out of order: %v then %v", a, b)
	}
}
