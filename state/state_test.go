package state

import (
	"sync"
	"testing"
)

func TestTracker(t *testing.T) {
	tracker := NewTracker()

	if tracker.AlreadySeen(1) {
		t.Error("fresh tracker reports UID 1 as seen")
	}
	if tracker.Count() != 0 {
		t.Errorf("Count() = %d, want 0", tracker.Count())
	}

	tracker.MarkSeen(1)
	tracker.MarkSeen(2)
	tracker.MarkSeen(1)

	if !tracker.AlreadySeen(1) {
		t.Error("UID 1 not reported as seen after MarkSeen")
	}
	if !tracker.AlreadySeen(2) {
		t.Error("UID 2 not reported as seen after MarkSeen")
	}
	if tracker.AlreadySeen(3) {
		t.Error("UID 3 reported as seen without MarkSeen")
	}
	if tracker.Count() != 2 {
		t.Errorf("Count() = %d, want 2 (marking twice must not double-count)", tracker.Count())
	}
}

func TestTracker_ConcurrentAccess(t *testing.T) {
	tracker := NewTracker()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(base uint32) {
			defer wg.Done()
			for uid := base * 100; uid < base*100+100; uid++ {
				tracker.MarkSeen(uid)
				if !tracker.AlreadySeen(uid) {
					t.Errorf("UID %d lost after MarkSeen", uid)
				}
			}
		}(uint32(i))
	}
	wg.Wait()

	if tracker.Count() != 800 {
		t.Errorf("Count() = %d, want 800", tracker.Count())
	}
}
