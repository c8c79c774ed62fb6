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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestFakeClockAfterFiresOnAdvance(t *testing.T) {
	f := NewFakeClock(testStart)

	ch := f.After(5 * time.Second)

	select {
	case <-ch:
		t.Fatal("timer fired before the clock advanced")
	default:
	}

	f.Advance(4 * time.Second)

	select {
	case <-ch:
		t.Fatal("timer fired before its deadline")
	default:
	}

	f.Advance(time.Second)

	select {
	case now := <-ch:
		assert.Equal(t, testStart.Add(5*time.Second), now)
	default:
		t.Fatal("timer did not fire at its deadline")
	}
}

func TestFakeClockAfterZeroFiresImmediately(t *testing.T) {
	f := NewFakeClock(testStart)

	select {
	case now := <-f.After(0):
		assert.Equal(t, testStart, now)
	default:
		t.Fatal("zero-duration timer did not fire immediately")
	}
}

func TestFakeClockTicker(t *testing.T) {
	f := NewFakeClock(testStart)

	ticker := f.Ticker(10 * time.Second)
	defer ticker.Stop()

	f.Advance(10 * time.Second)

	select {
	case tick := <-ticker.Chan():
		assert.Equal(t, testStart.Add(10*time.Second), tick)
	default:
		t.Fatal("ticker did not fire at its interval")
	}

	ticker.Stop()
	f.Advance(time.Minute)

	select {
	case <-ticker.Chan():
		t.Fatal("stopped ticker still fired")
	default:
	}
}

func TestSleepCompletesOnAdvance(t *testing.T) {
	f := NewFakeClock(testStart)

	errCh := make(chan error, 1)

	go func() {
		errCh <- Sleep(context.Background(), f, time.Minute)
	}()

	f.BlockUntil(1)
	f.Advance(time.Minute)

	require.NoError(t, <-errCh)
}

func TestSleepReturnsOnCancel(t *testing.T) {
	f := NewFakeClock(testStart)

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)

	go func() {
		errCh <- Sleep(ctx, f, time.Hour)
	}()

	f.BlockUntil(1)
	cancel()

	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestSleepZeroDuration(t *testing.T) {
	f := NewFakeClock(testStart)

	assert.NoError(t, Sleep(context.Background(), f, 0))
}
