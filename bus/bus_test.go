// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pixelcommons/presence/broadcast"
	"github.com/pixelcommons/presence/lib/clock"
	"github.com/pixelcommons/presence/lib/testutil"
	"github.com/pixelcommons/presence/store"
)

const testPollInterval = 50 * time.Millisecond

// newTestBus builds a started bus on the shared fake clock and store.
// Sweeping and announce jitter are disabled unless the test opts back
// in, so no record disappears or appears behind the test's back.
func newTestBus(t *testing.T, id string, clk *clock.FakeClock, st store.Store, hub *broadcast.MemoryHub) *Bus {
	t.Helper()

	opts := Options{
		Store:            st,
		InstanceID:       id,
		Clock:            clk,
		PollInterval:     testPollInterval,
		SweepProbability: -1,
		AnnounceJitter:   -1,
	}
	if hub != nil {
		opts.JoinBroadcast = func(string) (broadcast.Channel, error) {
			return hub.Join(), nil
		}
	}

	b, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(b.Stop)
	return b
}

// collect registers a handler that forwards every envelope for the
// topic to the returned channel.
func collect(b *Bus, topic string) <-chan Envelope {
	ch := make(chan Envelope, 16)
	b.On(topic, func(e Envelope) { ch <- e })
	return ch
}

// pump advances the fake clock one poll interval at a time until the
// channel yields an envelope. The interleaving real-time sleep lets
// the poll goroutines drain each tick before the next one.
func pump(t *testing.T, clk *clock.FakeClock, ch <-chan Envelope) Envelope {
	t.Helper()
	for range 100 {
		select {
		case e := <-ch:
			return e
		default:
		}
		clk.Advance(testPollInterval)
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("no envelope after 100 poll cycles")
	return Envelope{}
}

// drain advances several poll cycles and fails if anything arrives.
func drain(t *testing.T, clk *clock.FakeClock, ch <-chan Envelope, reason string) {
	t.Helper()
	for range 10 {
		clk.Advance(testPollInterval)
		time.Sleep(2 * time.Millisecond)
	}
	select {
	case e := <-ch:
		t.Fatalf("%s: unexpected envelope type=%q source=%q", reason, e.Type, e.Source)
	default:
	}
}

func TestStoreDelivery(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	st := store.NewMemoryStore()
	sender := newTestBus(t, "instance-a", clk, st, nil)
	receiver := newTestBus(t, "instance-b", clk, st, nil)

	got := collect(receiver, "chat")
	clk.WaitForTimers(2)

	sender.SendMessage("chat", map[string]any{"text": "hello"})

	envelope := pump(t, clk, got)
	if envelope.Source != "instance-a" {
		t.Errorf("Source = %q", envelope.Source)
	}
	if text := payloadField(envelope.Data, "text"); text != "hello" {
		t.Errorf("text = %q", text)
	}
}

func TestBroadcastFastPath(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	st := store.NewMemoryStore()
	hub := broadcast.NewMemoryHub()
	sender := newTestBus(t, "instance-a", clk, st, hub)
	receiver := newTestBus(t, "instance-b", clk, st, hub)

	got := collect(receiver, "chat")

	// No clock advance: the frame must arrive without a single poll.
	sender.SendMessage("chat", map[string]any{"text": "fast"})

	envelope := testutil.RequireReceive(t, got, 5*time.Second, "waiting for broadcast frame")
	if text := payloadField(envelope.Data, "text"); text != "fast" {
		t.Errorf("text = %q", text)
	}
}

func TestDedupAcrossTransports(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	st := store.NewMemoryStore()
	hub := broadcast.NewMemoryHub()
	sender := newTestBus(t, "instance-a", clk, st, hub)
	receiver := newTestBus(t, "instance-b", clk, st, hub)

	got := collect(receiver, "chat")

	sender.SendMessage("chat", map[string]any{"text": "once"})
	testutil.RequireReceive(t, got, 5*time.Second, "waiting for broadcast frame")

	// The same envelope sits in the store; polling must not dispatch
	// it a second time.
	drain(t, clk, got, "store poll redelivered a frame-delivered envelope")
}

func TestSelfEnvelopesFiltered(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	st := store.NewMemoryStore()
	sender := newTestBus(t, "instance-a", clk, st, nil)
	other := newTestBus(t, "instance-b", clk, st, nil)

	got := collect(sender, "chat")
	clk.WaitForTimers(2)

	// The sender's own message lands in the store first; the probe
	// from the other instance lands second. Records dispatch in
	// timestamp order, so receiving the probe proves the earlier own
	// message was filtered, not still pending.
	sender.SendMessage("chat", map[string]any{"text": "mine"})
	other.SendMessage("chat", map[string]any{"text": "probe"})

	envelope := pump(t, clk, got)
	if envelope.Source != "instance-b" {
		t.Fatalf("first dispatched envelope from %q, want the probe from instance-b", envelope.Source)
	}

	select {
	case e := <-got:
		t.Fatalf("own envelope dispatched: %+v", e)
	default:
	}
}

func TestBacklogWindowBoundsStartup(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clk := clock.Fake(start)
	st := store.NewMemoryStore()

	put := func(ts time.Time, text string) {
		key, err := store.NewKey("chat", "instance-old", ts.UnixMilli())
		if err != nil {
			t.Fatalf("NewKey: %v", err)
		}
		value, err := json.Marshal(Envelope{
			Type:      "chat",
			Data:      map[string]any{"text": text},
			Source:    "instance-old",
			Timestamp: ts.UnixMilli(),
		})
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if err := st.Put(context.Background(), key, string(value)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	put(start.Add(-DefaultBacklogWindow-time.Second), "ancient")
	put(start.Add(-time.Second), "recent")

	b := newTestBus(t, "instance-b", clk, st, nil)
	got := collect(b, "chat")
	clk.WaitForTimers(1)

	envelope := pump(t, clk, got)
	if text := payloadField(envelope.Data, "text"); text != "recent" {
		t.Fatalf("dispatched %q, want the in-window record", text)
	}

	select {
	case e := <-got:
		t.Fatalf("record outside the backlog window dispatched: %+v", e)
	default:
	}
}

func TestSendMessageWhileStopped(t *testing.T) {
	st := store.NewMemoryStore()
	b, err := New(Options{Store: st, InstanceID: "instance-a"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	b.SendMessage("chat", map[string]any{"text": "dropped"})

	if n := st.Len(); n != 0 {
		t.Fatalf("store holds %d records after send on stopped bus", n)
	}
	if b.IsRunning() {
		t.Fatal("never-started bus reports running")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	st := store.NewMemoryStore()
	b, err := New(Options{
		Store:            st,
		InstanceID:       "instance-a",
		Clock:            clk,
		SweepProbability: -1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if !b.IsRunning() {
		t.Fatal("started bus reports stopped")
	}

	// One join announcement, not two.
	if n := st.Len(); n != 1 {
		t.Fatalf("store holds %d records after double Start, want 1", n)
	}

	done := b.Done()
	b.Stop()
	b.Stop()
	if b.IsRunning() {
		t.Fatal("stopped bus reports running")
	}
	testutil.RequireClosed(t, done, 5*time.Second, "waiting for poll loop exit")
}

func TestStopFromHandler(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	st := store.NewMemoryStore()
	sender := newTestBus(t, "instance-a", clk, st, nil)
	receiver := newTestBus(t, "instance-b", clk, st, nil)

	stopped := make(chan struct{})
	receiver.On("shutdown", func(Envelope) {
		receiver.Stop()
		close(stopped)
	})
	clk.WaitForTimers(2)

	sender.SendMessage("shutdown", map[string]any{})

	for range 100 {
		select {
		case <-stopped:
			testutil.RequireClosed(t, receiver.Done(), 5*time.Second, "waiting for poll loop exit")
			if receiver.IsRunning() {
				t.Fatal("bus still running after Stop from handler")
			}
			return
		default:
		}
		clk.Advance(testPollInterval)
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("handler never ran")
}

func TestHandlerPanicContained(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	st := store.NewMemoryStore()
	sender := newTestBus(t, "instance-a", clk, st, nil)
	receiver := newTestBus(t, "instance-b", clk, st, nil)

	receiver.On("chat", func(Envelope) { panic("consumer bug") })
	got := collect(receiver, "chat")
	clk.WaitForTimers(2)

	sender.SendMessage("chat", map[string]any{"text": "first"})
	pump(t, clk, got)

	// The loop survived the panic and still dispatches.
	sender.SendMessage("chat", map[string]any{"text": "second"})
	envelope := pump(t, clk, got)
	if text := payloadField(envelope.Data, "text"); text != "second" {
		t.Fatalf("text = %q", text)
	}
}

func TestOffUnregistersHandler(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	st := store.NewMemoryStore()
	sender := newTestBus(t, "instance-a", clk, st, nil)
	receiver := newTestBus(t, "instance-b", clk, st, nil)

	removed := make(chan Envelope, 16)
	off := receiver.On("chat", func(e Envelope) { removed <- e })
	kept := collect(receiver, "chat")
	clk.WaitForTimers(2)

	off()
	off() // second call is a no-op

	sender.SendMessage("chat", map[string]any{"text": "after-off"})
	pump(t, clk, kept)

	select {
	case e := <-removed:
		t.Fatalf("removed handler received %+v", e)
	default:
	}
}

func TestRoutineSweepExpiresRecords(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clk := clock.Fake(start)
	st := store.NewMemoryStore()

	b, err := New(Options{
		Store:            st,
		InstanceID:       "instance-a",
		Clock:            clk,
		PollInterval:     testPollInterval,
		SweepProbability: 1,
		AnnounceJitter:   -1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(b.Stop)
	clk.WaitForTimers(1)

	// The join announcement is the only record. Age it past the sweep
	// cutoff and poll; the sweep must remove it.
	if n := st.Len(); n != 1 {
		t.Fatalf("store holds %d records, want the join announcement", n)
	}

	clk.Advance(DefaultSweepMaxAge + time.Second)
	deadline := time.Now().Add(5 * time.Second)
	for st.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("store still holds %d records after sweep window", st.Len())
		}
		clk.Advance(testPollInterval)
		time.Sleep(2 * time.Millisecond)
	}
}

func TestStoreFullTriggersAggressiveSweep(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clk := clock.Fake(start)
	st := store.NewMemoryStore()

	// An old record from a gone instance occupies the only slot.
	oldKey, err := store.NewKey("chat", "instance-gone", start.Add(-5*time.Second).UnixMilli())
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	if err := st.Put(context.Background(), oldKey, `{"type":"chat","data":{},"source":"instance-gone","timestamp":0}`); err != nil {
		t.Fatalf("Put: %v", err)
	}
	st.SetMaxRecords(1)

	// Start publishes the join announcement: the first write hits the
	// quota, the aggressive sweep clears the old record, the retry
	// succeeds.
	b := newTestBus(t, "instance-a", clk, st, nil)
	_ = b

	if n := st.Len(); n != 1 {
		t.Fatalf("store holds %d records, want 1", n)
	}
	records, err := st.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if records[0].Key.Source != "instance-a" {
		t.Fatalf("surviving record from %q, want the new announcement", records[0].Key.Source)
	}
}

func TestRequestUsersAnnounce(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	st := store.NewMemoryStore()
	requester := newTestBus(t, "instance-a", clk, st, nil)
	resident := newTestBus(t, "instance-b", clk, st, nil)
	resident.presence = func() (any, bool) {
		return map[string]any{"name": "walker"}, true
	}

	got := collect(requester, PresenceTopic)
	clk.WaitForTimers(2)

	requester.RequestUsersAnnounce()

	envelope := pump(t, clk, got)
	if envelope.Source != "instance-b" {
		t.Errorf("Source = %q", envelope.Source)
	}
	if name := payloadField(envelope.Data, "name"); name != "walker" {
		t.Errorf("name = %q", name)
	}
}

func TestTimestampsStrictlyIncreasing(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	st := store.NewMemoryStore()
	sender := newTestBus(t, "instance-a", clk, st, nil)

	// The fake clock stands still, so every publish in this burst sees
	// the same wall time. Keys must still be distinct.
	for range 5 {
		sender.SendMessage("chat", map[string]any{})
	}

	// 5 chat records plus the join announcement.
	if n := st.Len(); n != 6 {
		t.Fatalf("store holds %d records, want 6 distinct keys", n)
	}
}

func TestJoinAnnouncementOnStart(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	st := store.NewMemoryStore()
	first := newTestBus(t, "instance-a", clk, st, nil)
	_ = first

	got := make(chan Envelope, 16)
	// Register on the second bus before it starts so the system
	// announcement from a third instance is observable.
	third := newTestBus(t, "instance-c", clk, st, nil)
	third.On(SystemTopic, func(e Envelope) { got <- e })
	clk.WaitForTimers(2)

	second := newTestBus(t, "instance-b", clk, st, nil)
	_ = second

	for {
		envelope := pump(t, clk, got)
		if envelope.Source != "instance-b" {
			continue
		}
		if action := payloadField(envelope.Data, "action"); action != "user_joined" {
			t.Fatalf("action = %q", action)
		}
		return
	}
}
