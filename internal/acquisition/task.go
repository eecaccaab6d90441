package acquisition

import (
	"sync"
	"time"
)

// Task runs fn immediately and then again period after each run returns,
// until fn returns false or Stop is called. Runs never overlap: the next
// one is only scheduled once the previous has finished.
//
// Stop does not interrupt a run in progress; it prevents the next one.
type Task struct {
	period time.Duration
	fn     func() bool
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// StartTask starts a Task in its own goroutine.
func StartTask(period time.Duration, fn func() bool) *Task {
	t := &Task{
		period: period,
		fn:     fn,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Task) run() {
	defer close(t.done)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-timer.C:
		}
		// Both channels can be ready at once; stop wins.
		select {
		case <-t.stop:
			return
		default:
		}
		if !t.fn() {
			return
		}
		timer.Reset(t.period)
	}
}

// Stop signals the task to exit before its next run. Safe to call more
// than once.
func (t *Task) Stop() {
	t.once.Do(func() { close(t.stop) })
}

// Wait blocks until the task has exited.
func (t *Task) Wait() { <-t.done }

// Done is closed when the task has exited.
func (t *Task) Done() <-chan struct{} { return t.done }
