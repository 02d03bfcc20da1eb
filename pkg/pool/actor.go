package pool

import "context"

// State is the pool-wide data the actor owns exclusively: the slot table,
// the tracked-file set, and the handful of pool-wide flags the state
// machine in §4.7 of the spec refers to. Nothing outside the actor
// goroutine may read or write a State directly.
type State struct {
	Slots []*Slot

	TrackedFiles map[string]fileRecord

	WaitForInitialFill bool
	InReload           bool
	EmergencyMode      bool
	InShutdown         bool
}

type fileRecord struct {
	modTime int64
	hash    string
}

// Actor serializes all access to State behind a single goroutine, per the
// design note "mutable shared slot table -> single-owner actor". Every
// other component reaches the slot table only through Do/View.
type Actor struct {
	state State
	cmds  chan func(*State)
	done  chan struct{}
}

// NewActor creates an actor with n freshly allocated, empty slots.
func NewActor(n int) *Actor {
	slots := make([]*Slot, n)
	for i := range slots {
		slots[i] = &Slot{ID: i, State: SlotSpawning}
	}
	return &Actor{
		state: State{
			Slots:              slots,
			TrackedFiles:       make(map[string]fileRecord),
			WaitForInitialFill: true,
		},
		cmds: make(chan func(*State), 64),
		done: make(chan struct{}),
	}
}

// Run drains the command channel until ctx is cancelled. It must be
// started exactly once, before any Do/View call, typically in its own
// goroutine from the lifecycle controller.
func (a *Actor) Run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-a.cmds:
			fn(&a.state)
		}
	}
}

// Do runs fn on the actor goroutine and blocks until it has completed,
// giving the caller exclusive, race-free access to State for the
// duration of fn.
func (a *Actor) Do(fn func(*State)) {
	done := make(chan struct{})
	a.cmds <- func(s *State) {
		fn(s)
		close(done)
	}
	<-done
}

// View runs fn on the actor goroutine and returns its result, for
// read-only snapshots (e.g. the scheduler's eligibility scan).
func View[T any](a *Actor, fn func(*State) T) T {
	var result T
	a.Do(func(s *State) {
		result = fn(s)
	})
	return result
}
