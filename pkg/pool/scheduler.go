package pool

import "context"

// Scheduler picks the next eligible slot for a client connection, per
// §4.5 of the spec: least in-flight requests wins, ties broken by lowest
// slot ID, and callers that find nothing eligible queue up and are woken
// in the order they arrived once a slot frees.
type Scheduler struct {
	actor   *Actor
	cfg     DispatcherConfig
	waiters []chan *Slot

	onRecycle func(slotID int)
}

// NewScheduler creates a Scheduler over actor's slot table.
func NewScheduler(actor *Actor, cfg DispatcherConfig) *Scheduler {
	return &Scheduler{actor: actor, cfg: cfg}
}

// OnRecycle registers a callback invoked, outside the actor lock, whenever
// Release newly drains a slot to Draining with zero requests in flight —
// both the max-requests case (§4.2) and a rolling-restart's close-when-free
// case (§4.6) fire through here, since both just mark the slot and let the
// control connection's close teardown the process.
func (s *Scheduler) OnRecycle(fn func(slotID int)) {
	s.onRecycle = fn
}

// Next returns the best eligible slot, reserving it (bumping InFlight)
// before returning. If none is eligible right now, it blocks until one is
// released via Release or ctx is cancelled, honoring arrival order among
// waiters. A cancelled wait returns nil without touching any slot's state
// (§4.4 step 4, §4.5): the waiter is removed from the queue, or, on the
// narrow race where a slot was concurrently handed to it, immediately
// released back to the pool.
func (s *Scheduler) Next(ctx context.Context) *Slot {
	if slot := s.tryPick(); slot != nil {
		return slot
	}

	wait := make(chan *Slot, 1)
	s.actor.Do(func(st *State) {
		s.waiters = append(s.waiters, wait)
	})

	select {
	case slot := <-wait:
		return slot
	case <-ctx.Done():
		s.abandon(wait)
		return nil
	}
}

// abandon removes wait from the waiter queue. If a slot was handed to it in
// the instant before the caller gave up, the reservation is released
// rather than leaked.
func (s *Scheduler) abandon(wait chan *Slot) {
	s.actor.Do(func(st *State) {
		for i, w := range s.waiters {
			if w == wait {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				return
			}
		}
	})

	select {
	case slot := <-wait:
		if slot != nil {
			s.Release(slot, false)
		}
	default:
	}
}

// tryPick scans the slot table once for the least-loaded eligible slot
// and reserves it atomically if found.
func (s *Scheduler) tryPick() *Slot {
	return View(s.actor, func(st *State) *Slot {
		var best *Slot
		for _, slot := range st.Slots {
			if !slot.Eligible(s.cfg.ConcurrentRequestsPerWorker) {
				continue
			}
			if best == nil || slot.InFlight < best.InFlight {
				best = slot
			}
		}
		if best != nil {
			best.InFlight++
		}
		return best
	})
}

// Release returns a slot to the pool after a request finishes, waking the
// longest-waiting queued caller if the slot is eligible again.
func (s *Scheduler) Release(slot *Slot, served bool) {
	recycled := false

	s.actor.Do(func(st *State) {
		if slot.InFlight > 0 {
			slot.InFlight--
		}
		if served {
			slot.Served++
		}

		if slot.CloseWhenFree && slot.InFlight == 0 {
			recycled = true
			return
		}
		if slot.ShouldRecycle(s.cfg.MaxRequests) && slot.InFlight == 0 {
			slot.State = SlotDraining
			slot.CloseWhenFree = true
			recycled = true
			return
		}

		for len(s.waiters) > 0 && slot.Eligible(s.cfg.ConcurrentRequestsPerWorker) {
			next := s.waiters[0]
			s.waiters = s.waiters[1:]
			slot.InFlight++
			select {
			case next <- slot:
				return
			default:
				// Waiter already abandoned (ctx cancelled) and isn't
				// reading; undo the reservation and try the next one.
				slot.InFlight--
			}
		}
	})

	if recycled && s.onRecycle != nil {
		s.onRecycle(slot.ID)
	}
}
