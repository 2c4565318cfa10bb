// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

package roomhost

import (
	"context"
	"testing"
	"time"

	"github.com/pixelcommons/presence/broadcast"
	"github.com/pixelcommons/presence/bus"
	"github.com/pixelcommons/presence/lib/testutil"
	"github.com/pixelcommons/presence/store"
)

// fixture is one instance: a bus on the shared store and hub, plus a
// registry with channel-capturing callbacks.
type fixture struct {
	registry *Registry
	updates  chan map[string]string
	requests chan [2]string // roomID, requesterID
	approved chan string
	denied   chan string
}

func newFixture(t *testing.T, id string, st store.Store, hub *broadcast.MemoryHub) *fixture {
	t.Helper()

	b, err := bus.New(bus.Options{
		Store:      st,
		InstanceID: id,
		JoinBroadcast: func(string) (broadcast.Channel, error) {
			return hub.Join(), nil
		},
		SweepProbability: -1,
		AnnounceJitter:   -1,
	})
	if err != nil {
		t.Fatalf("bus.New: %v", err)
	}

	f := &fixture{
		updates:  make(chan map[string]string, 16),
		requests: make(chan [2]string, 16),
		approved: make(chan string, 16),
		denied:   make(chan string, 16),
	}
	f.registry = NewRegistry(b, Callbacks{
		OnHostsUpdated: func(hosts map[string]string) { f.updates <- hosts },
		OnJoinRequest:  func(roomID, requesterID string) { f.requests <- [2]string{roomID, requesterID} },
		OnJoinApproved: func(roomID string) { f.approved <- roomID },
		OnJoinDenied:   func(roomID string) { f.denied <- roomID },
	}, nil)
	detach := f.registry.Attach()
	t.Cleanup(detach)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(b.Stop)
	return f
}

func TestHostsViewReplicates(t *testing.T) {
	st := store.NewMemoryStore()
	hub := broadcast.NewMemoryHub()
	host := newFixture(t, "instance-a", st, hub)
	observer := newFixture(t, "instance-b", st, hub)

	host.registry.BecomeHost("plaza")

	view := testutil.RequireReceive(t, observer.updates, 5*time.Second, "waiting for hosts update")
	if view["plaza"] != "instance-a" {
		t.Fatalf("view = %v", view)
	}
	if who, ok := observer.registry.HostOf("plaza"); !ok || who != "instance-a" {
		t.Fatalf("HostOf = %q, %v", who, ok)
	}
	// The claimer's own view holds without receiving its own update.
	if who, _ := host.registry.HostOf("plaza"); who != "instance-a" {
		t.Fatalf("claimer's own view = %q", who)
	}
}

func TestConcurrentClaimsConverge(t *testing.T) {
	st := store.NewMemoryStore()
	hub := broadcast.NewMemoryHub()
	alpha := newFixture(t, "instance-a", st, hub)
	beta := newFixture(t, "instance-b", st, hub)
	observer := newFixture(t, "instance-c", st, hub)

	// Both claim the same room. The observer adopts whichever update
	// arrives last; the race itself is tolerated by design.
	alpha.registry.BecomeHost("plaza")
	beta.registry.BecomeHost("plaza")

	first := testutil.RequireReceive(t, observer.updates, 5*time.Second, "waiting for first claim")
	second := testutil.RequireReceive(t, observer.updates, 5*time.Second, "waiting for second claim")
	_ = first

	who, ok := observer.registry.HostOf("plaza")
	if !ok {
		t.Fatal("observer has no host for the room after both claims")
	}
	if who != second["plaza"] {
		t.Fatalf("HostOf = %q, want the last received update's host %q", who, second["plaza"])
	}
	if who != "instance-a" && who != "instance-b" {
		t.Fatalf("HostOf = %q, not one of the claimants", who)
	}
}

func TestReleaseHost(t *testing.T) {
	st := store.NewMemoryStore()
	hub := broadcast.NewMemoryHub()
	host := newFixture(t, "instance-a", st, hub)
	observer := newFixture(t, "instance-b", st, hub)

	host.registry.BecomeHost("plaza")
	testutil.RequireReceive(t, observer.updates, 5*time.Second, "waiting for claim")

	host.registry.ReleaseHost("plaza")
	view := testutil.RequireReceive(t, observer.updates, 5*time.Second, "waiting for release")
	if _, ok := view["plaza"]; ok {
		t.Fatalf("released room still present: %v", view)
	}
}

func TestReleaseForeignRoomIsNoop(t *testing.T) {
	st := store.NewMemoryStore()
	hub := broadcast.NewMemoryHub()
	host := newFixture(t, "instance-a", st, hub)
	other := newFixture(t, "instance-b", st, hub)

	host.registry.BecomeHost("plaza")
	testutil.RequireReceive(t, other.updates, 5*time.Second, "waiting for claim")

	other.registry.ReleaseHost("plaza")
	if who, _ := other.registry.HostOf("plaza"); who != "instance-a" {
		t.Fatalf("HostOf = %q after foreign release", who)
	}
	select {
	case view := <-host.updates:
		t.Fatalf("foreign release published an update: %v", view)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestJoinRequestFlow(t *testing.T) {
	st := store.NewMemoryStore()
	hub := broadcast.NewMemoryHub()
	host := newFixture(t, "instance-a", st, hub)
	joiner := newFixture(t, "instance-b", st, hub)
	bystander := newFixture(t, "instance-c", st, hub)

	host.registry.BecomeHost("plaza")
	testutil.RequireReceive(t, joiner.updates, 5*time.Second, "waiting for claim")
	testutil.RequireReceive(t, bystander.updates, 5*time.Second, "waiting for claim")

	joiner.registry.RequestJoin("plaza")

	request := testutil.RequireReceive(t, host.requests, 5*time.Second, "waiting for join request")
	if request != [2]string{"plaza", "instance-b"} {
		t.Fatalf("request = %v", request)
	}
	// Only the host sees the request.
	select {
	case request := <-bystander.requests:
		t.Fatalf("bystander saw join request %v", request)
	case <-time.After(200 * time.Millisecond):
	}

	host.registry.Approve("plaza", "instance-b")
	room := testutil.RequireReceive(t, joiner.approved, 5*time.Second, "waiting for approval")
	if room != "plaza" {
		t.Fatalf("approved room = %q", room)
	}
	select {
	case room := <-bystander.approved:
		t.Fatalf("bystander approved for %q", room)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestJoinDenied(t *testing.T) {
	st := store.NewMemoryStore()
	hub := broadcast.NewMemoryHub()
	host := newFixture(t, "instance-a", st, hub)
	joiner := newFixture(t, "instance-b", st, hub)

	host.registry.BecomeHost("plaza")
	testutil.RequireReceive(t, joiner.updates, 5*time.Second, "waiting for claim")

	joiner.registry.RequestJoin("plaza")
	testutil.RequireReceive(t, host.requests, 5*time.Second, "waiting for join request")

	host.registry.Deny("plaza", "instance-b")
	room := testutil.RequireReceive(t, joiner.denied, 5*time.Second, "waiting for denial")
	if room != "plaza" {
		t.Fatalf("denied room = %q", room)
	}
}
