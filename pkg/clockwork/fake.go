/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package clockwork

import (
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock for tests. Advance moves virtual
// time forward and fires any timers or tickers that come due.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
	tickers []*fakeTicker
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.now
}

func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}

	f.waiters = append(f.waiters, &fakeWaiter{deadline: f.now.Add(d), ch: ch})

	return ch
}

func (f *FakeClock) Ticker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTicker{
		clock:    f,
		interval: d,
		next:     f.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	f.tickers = append(f.tickers, t)

	return t
}

// Advance moves the clock forward by d, firing due timers and tickers.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)

	remaining := f.waiters[:0]

	for _, w := range f.waiters {
		if !w.deadline.After(f.now) {
			w.ch <- f.now
		} else {
			remaining = append(remaining, w)
		}
	}

	f.waiters = remaining

	for _, t := range f.tickers {
		t.fire(f.now)
	}
}

// BlockUntil busy-waits until at least n timers or tickers are registered,
// so tests can Advance without racing the goroutine under test.
func (f *FakeClock) BlockUntil(n int) {
	for {
		f.mu.Lock()
		count := len(f.waiters) + len(f.tickers)
		f.mu.Unlock()

		if count >= n {
			return
		}

		time.Sleep(time.Millisecond)
	}
}

type fakeTicker struct {
	clock    *FakeClock
	interval time.Duration
	next     time.Time
	ch       chan time.Time
	stopped  bool
}

func (t *fakeTicker) Chan() <-chan time.Time {
	return t.ch
}

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	t.stopped = true
}

// fire delivers due ticks without blocking; callers that have not drained
// the channel miss intermediate ticks, matching time.Ticker semantics.
func (t *fakeTicker) fire(now time.Time) {
	if t.stopped {
		return
	}

	for !t.next.After(now) {
		select {
		case t.ch <- t.next:
		default:
		}

		t.next = t.next.Add(t.interval)
	}
}
