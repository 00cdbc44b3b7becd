package tmr

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrIllegalState is returned when timer is used in a state which doesn't allow the operation.
var ErrIllegalState = errors.New("illegal state")

// Handle is the underlying timer resource created by the scheduler.
type Handle interface {
	Stop() bool
	Reset(d time.Duration) bool
}

// Scheduler is the single-goroutine delivery context hosting timers.
type Scheduler interface {
	// Post runs f on the delivery goroutine.
	Post(f func())

	// AfterFunc runs f on the delivery goroutine after d elapses.
	AfterFunc(d time.Duration, f func()) Handle
}

type state int

const (
	stateIdle state = iota
	stateTiming
	stateCancelPending

	// stateFiring is entered while the callback runs.
	stateFiring
)

var stateNames = map[state]string{
	stateIdle:          "idle",
	stateTiming:        "timing",
	stateCancelPending: "cancel-pending",
	stateFiring:        "firing",
}

func (s state) String() string {
	return stateNames[s]
}

// slot binds underlying handle to the timer generation it is armed for.
type slot struct {
	handle Handle
	id     uint64
}

// Timer is a single-shot timer which can be cancelled synchronously.
type Timer struct {
	sched Scheduler

	mu       sync.Mutex
	state    state
	id       uint64
	callback func(id uint64)
	slot     *slot
}

// New creates timer.
func New(sched Scheduler) *Timer {
	return &Timer{sched: sched}
}

// ID returns the id of the most recent schedule.
func (t *Timer) ID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.id
}

// Schedule arms timer. Callback receives the returned id and runs on the delivery goroutine.
func (t *Timer) Schedule(d time.Duration, callback func(id uint64)) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != stateIdle && t.state != stateFiring {
		return 0, errors.Wrapf(ErrIllegalState, "scheduling timer in state %s", t.state)
	}

	t.id++
	t.state = stateTiming
	t.callback = callback

	if t.slot != nil {
		t.slot.id = t.id
		t.slot.handle.Reset(d)
		return t.id, nil
	}

	s := &slot{id: t.id}
	s.handle = t.sched.AfterFunc(d, func() {
		t.expire(s)
	})
	t.slot = s

	return t.id, nil
}

// CancelSync cancels timer. When it returns the callback is guaranteed not to run unless it has already
// finished. It must not be called from the delivery goroutine.
func (t *Timer) CancelSync() error {
	t.mu.Lock()
	switch t.state {
	case stateIdle:
		t.mu.Unlock()
		return nil
	case stateCancelPending:
		t.mu.Unlock()
		return errors.Wrap(ErrIllegalState, "timer is already being cancelled")
	}
	t.state = stateCancelPending
	t.mu.Unlock()

	done := make(chan struct{})
	t.sched.Post(func() {
		t.mu.Lock()
		if t.state == stateCancelPending {
			t.stopLocked()
		}
		t.mu.Unlock()
		close(done)
	})
	<-done

	return nil
}

// CancelFromDeliveryThread cancels timer from the delivery goroutine.
func (t *Timer) CancelFromDeliveryThread() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != stateIdle && t.state != stateFiring {
		t.stopLocked()
	}
}

func (t *Timer) stopLocked() {
	if t.slot != nil && !t.slot.handle.Stop() {
		// Expiry may still be in flight, the slot can't be reused.
		t.slot = nil
	}
	t.state = stateIdle
	t.callback = nil
}

func (t *Timer) expire(s *slot) {
	t.mu.Lock()
	if t.state != stateTiming || s.id != t.id {
		t.mu.Unlock()
		return
	}
	t.state = stateFiring
	id := t.id
	callback := t.callback
	t.callback = nil
	t.mu.Unlock()

	callback(id)

	t.mu.Lock()
	if t.state == stateFiring {
		t.state = stateIdle
	}
	t.mu.Unlock()
}
