// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source behind the Time effect. Nothing in
// Aura calls time.Now, time.After or time.Sleep directly: components
// hold a Clock, production passes Real(), and tests and the simulator
// pass a Fake that moves only when told to.
//
// Protocol code reads time as Unix milliseconds (NowMs) because that
// is what physical timestamps, descriptor validity windows and LAN
// packets carry. Waits that must stop on cancellation use Sleep with a
// context:
//
//	if err := clock.Sleep(ctx, c, 100*time.Millisecond); err != nil {
//	    return err // ctx was cancelled first
//	}
//
// A goroutine that waits on a Fake registers a pending timer. Tests
// call WaitForTimers before Advance so the advance cannot race the
// registration:
//
//	fake := clock.Fake(time.UnixMilli(0))
//	go scheduler.Run(ctx)
//	fake.WaitForTimers(1)
//	fake.Advance(5 * time.Second)
package clock
