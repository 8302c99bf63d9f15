// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"container/heap"
	"sync"
	"time"
)

// FakeClock is a Clock that moves only when Advance or Set is called.
// Due timers fire in deadline order, ties broken by registration
// order, so simulated runs are reproducible.
//
// AfterFunc callbacks run on the goroutine calling Advance, outside
// the clock's lock: a callback may register new timers but must not
// call Advance itself.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	queue   timerQueue
	nextSeq uint64
	changed *sync.Cond
}

// Fake returns a FakeClock reading start.
func Fake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

type fakeTimer struct {
	due      time.Time
	seq      uint64
	index    int // position in the heap, -1 when not queued
	period   time.Duration
	deliver  chan time.Time
	callback func()
}

type timerQueue []*fakeTimer

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].seq < q[j].seq
	}
	return q[i].due.Before(q[j].due)
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	timer := x.(*fakeTimer)
	timer.index = len(*q)
	*q = append(*q, timer)
}

func (q *timerQueue) Pop() any {
	old := *q
	last := old[len(old)-1]
	old[len(old)-1] = nil
	last.index = -1
	*q = old[:len(old)-1]
	return last
}

// schedule queues timer to fire d from now. Caller holds c.mu.
func (c *FakeClock) schedule(timer *fakeTimer, d time.Duration) {
	timer.due = c.now.Add(d)
	timer.seq = c.nextSeq
	c.nextSeq++
	if timer.index >= 0 {
		heap.Fix(&c.queue, timer.index)
	} else {
		heap.Push(&c.queue, timer)
	}
	c.changed.Broadcast()
}

// cancel removes timer from the queue and reports whether it was
// queued. Caller holds c.mu.
func (c *FakeClock) cancel(timer *fakeTimer) bool {
	if timer.index < 0 {
		return false
	}
	heap.Remove(&c.queue, timer.index)
	return true
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	deliver := make(chan time.Time, 1)
	if d <= 0 {
		deliver <- c.now
		return deliver
	}
	c.schedule(&fakeTimer{index: -1, deliver: deliver}, d)
	return deliver
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := &fakeTimer{index: -1, callback: f}
	if d <= 0 {
		f()
	} else {
		c.mu.Lock()
		c.schedule(timer, d)
		c.mu.Unlock()
	}
	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.cancel(timer)
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			pending := timer.index >= 0
			c.schedule(timer, d)
			return pending
		},
	}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker period")
	}
	deliver := make(chan time.Time, 1)
	timer := &fakeTimer{index: -1, period: d, deliver: deliver}

	c.mu.Lock()
	c.schedule(timer, d)
	c.mu.Unlock()

	return &Ticker{
		C: deliver,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.cancel(timer)
		},
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			timer.period = d
			c.schedule(timer, d)
		},
	}
}

// Advance moves the clock forward by d, firing every timer that comes
// due on the way. Tickers fire once per elapsed period; ticks that
// find the channel full are dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	c.advanceTo(target)
}

// Set moves the clock to t, firing due timers. Setting a time before
// the current one only changes Now.
func (c *FakeClock) Set(t time.Time) {
	c.advanceTo(t)
}

func (c *FakeClock) advanceTo(target time.Time) {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 || c.queue[0].due.After(target) {
			c.now = target
			c.mu.Unlock()
			return
		}
		timer := heap.Pop(&c.queue).(*fakeTimer)
		// Time passes through each deadline so callbacks observe the
		// instant they were scheduled for.
		if timer.due.After(c.now) {
			c.now = timer.due
		}
		firedAt := c.now
		if timer.period > 0 {
			timer.due = timer.due.Add(timer.period)
			timer.seq = c.nextSeq
			c.nextSeq++
			heap.Push(&c.queue, timer)
		}
		c.mu.Unlock()

		if timer.callback != nil {
			timer.callback()
			continue
		}
		select {
		case timer.deliver <- firedAt:
		default:
		}
	}
}

// WaitForTimers blocks until at least n timers are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) < n {
		c.changed.Wait()
	}
}

// PendingCount is the number of queued timers, tickers and sleeps.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
