package pool

import (
	"context"
	"testing"
	"time"
)

func testSchedulerActor(n int, ready bool) *Actor {
	actor := NewActor(n)
	ctx, cancel := context.WithCancel(context.Background())
	go actor.Run(ctx)
	if ready {
		actor.Do(func(s *State) {
			for _, slot := range s.Slots {
				slot.State = SlotReady
			}
		})
	}
	// leaked on purpose for test lifetime; cancel is unused beyond this scope
	_ = cancel
	return actor
}

func TestSchedulerPicksLeastLoaded(t *testing.T) {
	actor := testSchedulerActor(3, true)
	actor.Do(func(s *State) {
		s.Slots[0].InFlight = 2
		s.Slots[1].InFlight = 0
		s.Slots[2].InFlight = 1
	})

	sched := NewScheduler(actor, DispatcherConfig{ConcurrentRequestsPerWorker: true})
	got := sched.tryPick()
	if got == nil || got.ID != 1 {
		t.Fatalf("expected slot 1 (least loaded), got %+v", got)
	}
}

func TestSchedulerNoneEligible(t *testing.T) {
	actor := testSchedulerActor(2, false)
	sched := NewScheduler(actor, DispatcherConfig{})
	if got := sched.tryPick(); got != nil {
		t.Fatalf("expected no eligible slot, got %+v", got)
	}
}

func TestSchedulerNextBlocksUntilRelease(t *testing.T) {
	actor := testSchedulerActor(1, false)
	sched := NewScheduler(actor, DispatcherConfig{})

	got := make(chan *Slot, 1)
	go func() { got <- sched.Next(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-got:
		t.Fatal("Next should still be blocked with no eligible slot")
	default:
	}

	actor.Do(func(s *State) { s.Slots[0].State = SlotReady })
	slot := View(actor, func(s *State) *Slot { return s.Slots[0] })
	sched.Release(slot, false)

	select {
	case slot := <-got:
		if slot == nil {
			t.Fatal("expected a slot to be handed to the waiter")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was never woken")
	}
}

func TestSchedulerNextCancelledTouchesNoState(t *testing.T) {
	actor := testSchedulerActor(1, false)
	sched := NewScheduler(actor, DispatcherConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan *Slot, 1)
	go func() { got <- sched.Next(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case slot := <-got:
		if slot != nil {
			t.Fatalf("expected nil slot on cancellation, got %+v", slot)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled Next never returned")
	}

	if n := len(sched.waiters); n != 0 {
		t.Fatalf("abandoned waiter left in queue: %d waiters", n)
	}

	inFlight := View(actor, func(s *State) uint64 { return s.Slots[0].InFlight })
	if inFlight != 0 {
		t.Fatalf("cancelled wait must not reserve a slot, got inFlight=%d", inFlight)
	}
}
