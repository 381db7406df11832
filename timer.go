package libupstream

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// timerWheel schedules cancellable timeout entries on a shared clock.
// Entries carry the wheel epoch at schedule time; rebinding the clock
// bumps the epoch, which cheaply invalidates anything stale.
type timerWheel struct {
	mu    sync.Mutex
	clock clockwork.Clock
	epoch uint64
	live  int
}

type timerEntry struct {
	w       *timerWheel
	timer   clockwork.Timer
	epoch   uint64
	stopped bool
	fired   bool
}

func newTimerWheel(clock clockwork.Clock) *timerWheel {
	return &timerWheel{clock: clock}
}

func (w *timerWheel) schedule(d time.Duration, fn func()) *timerEntry {
	w.mu.Lock()
	e := &timerEntry{w: w, epoch: w.epoch}
	w.live++
	e.timer = w.clock.AfterFunc(d, func() {
		w.mu.Lock()
		ok := !e.stopped && !e.fired && e.epoch == w.epoch
		e.fired = true
		if ok {
			w.live--
		}
		w.mu.Unlock()
		if ok {
			fn()
		}
	})
	w.mu.Unlock()
	return e
}

func (e *timerEntry) cancel() {
	if e == nil {
		return
	}
	w := e.w
	w.mu.Lock()
	if !e.stopped && !e.fired {
		e.stopped = true
		e.timer.Stop()
		w.live--
	}
	w.mu.Unlock()
}

func (w *timerWheel) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.live
}

// rebind swaps the clock, invalidating any entry scheduled against the
// old one.
func (w *timerWheel) rebind(clock clockwork.Clock) {
	w.mu.Lock()
	w.clock = clock
	w.epoch++
	w.live = 0
	w.mu.Unlock()
}
