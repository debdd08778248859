// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeNowAdvances(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fake := Fake(start)

	if !fake.Now().Equal(start) {
		t.Errorf("Now = %v, want %v", fake.Now(), start)
	}
	fake.Advance(90 * time.Second)
	if !fake.Now().Equal(start.Add(90 * time.Second)) {
		t.Errorf("Now after Advance = %v", fake.Now())
	}
}

func TestFakeAfterFiresInOrder(t *testing.T) {
	fake := Fake(time.Unix(0, 0))

	late := fake.After(2 * time.Second)
	early := fake.After(1 * time.Second)

	fake.Advance(3 * time.Second)

	select {
	case <-early:
	default:
		t.Fatalf("early waiter did not fire")
	}
	select {
	case <-late:
	default:
		t.Fatalf("late waiter did not fire")
	}
}

func TestFakeAfterNotYetDue(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	ch := fake.After(10 * time.Second)
	fake.Advance(5 * time.Second)

	select {
	case <-ch:
		t.Fatalf("waiter fired before deadline")
	default:
	}
	if fake.PendingWaiters() != 1 {
		t.Errorf("PendingWaiters = %d, want 1", fake.PendingWaiters())
	}
}

func TestFakeImmediateAfter(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	select {
	case <-fake.After(0):
	default:
		t.Fatalf("After(0) should fire immediately")
	}
}
