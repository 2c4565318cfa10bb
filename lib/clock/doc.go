// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock parameter instead of calling time.Now,
// time.After, time.NewTicker, or time.AfterFunc directly. In production,
// Real() provides standard library behavior. In tests, Fake() provides a
// deterministic clock that advances only when Advance is called.
//
// The sync bus is built almost entirely out of time: a 50 ms store poll
// ticker, jittered presence re-announcements, and age-based record
// sweeps. Driving those from a FakeClock lets tests step through poll
// cycles and expiry windows without sleeping.
//
// # Wiring Pattern
//
//	b := bus.New(bus.Options{Clock: clock.Real(), ...})
//
// In tests:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	b := bus.New(bus.Options{Clock: c, ...})
//	b.Start(ctx)
//	c.WaitForTimers(1)            // poll ticker registered
//	c.Advance(50 * time.Millisecond) // one poll cycle, deterministically
//
// # FakeClock Synchronization
//
// When a goroutine calls After, NewTicker, or AfterFunc on a FakeClock,
// it registers a pending waiter. Use WaitForTimers to block until a
// specific number of waiters are registered before calling Advance.
// This eliminates the race between timer registration and time
// advancement that plagues tests using time.Sleep for synchronization.
package clock
