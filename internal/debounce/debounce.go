// Package debounce coalesces bursts of work per key: scheduling a task for a
// key replaces any task still waiting for that key, so only the last one runs.
package debounce

import (
	"sync"
	"time"
)

// Debouncer is a per-key delayed task scheduler.
type Debouncer struct {
	delay time.Duration

	mu      sync.Mutex
	idle    *sync.Cond
	tasks   map[string]*task
	running int
	stopped bool
	wg      sync.WaitGroup
}

type task struct {
	timer   *time.Timer
	fn      func()
	counted bool
}

// New returns a debouncer that waits delay after the last Schedule call for a
// key before running its task. A non-positive delay defaults to 300ms.
func New(delay time.Duration) *Debouncer {
	if delay <= 0 {
		delay = 300 * time.Millisecond
	}
	d := &Debouncer{delay: delay, tasks: make(map[string]*task)}
	d.idle = sync.NewCond(&d.mu)
	return d
}

// Delay returns the configured coalescing window.
func (d *Debouncer) Delay() time.Duration { return d.delay }

// Schedule registers fn to run for key once the delay elapses without another
// Schedule for the same key. It reports whether a pending task was replaced
// and whether fn was accepted; after Stop nothing is accepted.
func (d *Debouncer) Schedule(key string, fn func()) (replaced, scheduled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || fn == nil {
		return false, false
	}
	if prev, ok := d.tasks[key]; ok {
		replaced = true
		if prev.timer.Stop() {
			d.wg.Done()
		}
	}
	t := &task{fn: fn}
	d.wg.Add(1)
	t.timer = time.AfterFunc(d.delay, func() { d.fire(key, t) })
	d.tasks[key] = t
	return replaced, true
}

func (d *Debouncer) fire(key string, t *task) {
	defer d.wg.Done()
	d.mu.Lock()
	current := d.tasks[key] == t
	if current {
		delete(d.tasks, key)
		if !t.counted {
			d.running++
			t.counted = true
		}
	}
	counted := t.counted
	d.mu.Unlock()

	if counted {
		defer d.finish()
	}
	if current {
		t.fn()
	}
}

func (d *Debouncer) finish() {
	d.mu.Lock()
	d.running--
	if d.running == 0 {
		d.idle.Broadcast()
	}
	d.mu.Unlock()
}

// Cancel drops the pending task for key, reporting whether one was waiting.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[key]
	if !ok {
		return false
	}
	delete(d.tasks, key)
	if t.timer.Stop() {
		d.wg.Done()
	}
	return true
}

// Pending reports whether a task is waiting for key.
func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.tasks[key]
	return ok
}

// Len returns the number of waiting tasks.
func (d *Debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

// Flush runs every waiting task immediately on the calling goroutine and then
// waits for tasks whose timers had already fired.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	due := make([]*task, 0, len(d.tasks))
	for key, t := range d.tasks {
		// A task whose timer already fired stays registered so fire still runs it.
		if t.timer.Stop() {
			delete(d.tasks, key)
			due = append(due, t)
		} else if !t.counted {
			t.counted = true
			d.running++
		}
	}
	d.mu.Unlock()

	for _, t := range due {
		t.fn()
		d.wg.Done()
	}

	d.mu.Lock()
	for d.running > 0 {
		d.idle.Wait()
	}
	d.mu.Unlock()
}

// Stop discards waiting tasks, rejects new ones and waits for running tasks to finish.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	for key, t := range d.tasks {
		delete(d.tasks, key)
		if t.timer.Stop() {
			d.wg.Done()
		}
	}
	d.mu.Unlock()
	d.wg.Wait()
}
