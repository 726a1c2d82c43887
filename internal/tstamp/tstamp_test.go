package tstamp

import (
	"testing"
	"time"
)

func TestPendingQueueSingleCompletionFillsMultipleSlots(t *testing.T) {
	q := NewPendingQueue(8)
	q.AddPending(100) // optid 100
	q.AddPending(200) // optid 300
	q.AddPending(300) // optid 600
	if q.Depth() != 3 {
		t.Fatalf("Depth() = %d, want 3", q.Depth())
	}

	when := time.Unix(1000, 0)
	n := q.MatchCompletion(TimestampInfo{OptID: 600, Time: when})
	if n != 3 {
		t.Fatalf("MatchCompletion matched %d slots, want 3", n)
	}
	if q.Depth() != 0 {
		t.Fatalf("Depth() after match = %d, want 0", q.Depth())
	}

	for i := 0; i < 3; i++ {
		info, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop() %d: expected a matched slot", i)
		}
		if !info.Time.Equal(when) {
			t.Fatalf("Pop() %d: time = %v, want %v", i, info.Time, when)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("Pop() after draining all matched slots should report false")
	}
}

func TestPendingQueueBoundsInvariant(t *testing.T) {
	q := NewPendingQueue(4)
	for i := 0; i < 4; i++ {
		q.AddPending(10)
	}
	if q.Depth() != 4 {
		t.Fatalf("Depth() = %d, want 4 (head - tail == P)", q.Depth())
	}
	q.MatchCompletion(TimestampInfo{OptID: 20})
	if q.Depth() != 2 {
		t.Fatalf("Depth() = %d, want 2 after partial match (optid 20 matches first two 10/20 slots)", q.Depth())
	}
}

func TestPendingQueueNoCompletionYet(t *testing.T) {
	q := NewPendingQueue(4)
	if n := q.MatchCompletion(TimestampInfo{OptID: 999}); n != 0 {
		t.Fatalf("MatchCompletion on empty queue matched %d, want 0", n)
	}
}

func TestPendingQueuePushCompleteSoftwarePath(t *testing.T) {
	q := NewPendingQueue(2)
	q.AddPending(50)
	now := time.Now()
	q.PushComplete(now)
	info, ok := q.Pop()
	if !ok {
		t.Fatal("Pop() after PushComplete should report a matched slot")
	}
	if !info.Time.Equal(now) {
		t.Fatalf("Pop().Time = %v, want %v", info.Time, now)
	}
}
