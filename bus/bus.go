// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pixelcommons/presence/broadcast"
	"github.com/pixelcommons/presence/lib/clock"
	"github.com/pixelcommons/presence/lib/codec"
	"github.com/pixelcommons/presence/store"
)

// Default tuning. Everything is overridable through Options; these
// values match the deployed web client.
const (
	// DefaultPollInterval is the durable store poll period.
	DefaultPollInterval = 50 * time.Millisecond

	// DefaultBacklogWindow bounds how far back the first poll after
	// Start reaches into the store.
	DefaultBacklogWindow = 60 * time.Second

	// DefaultSweepMaxAge is the record age removed by the routine
	// sweep that runs on a fraction of poll cycles.
	DefaultSweepMaxAge = 10 * time.Second

	// DefaultAggressiveSweepMaxAge is the record age removed when the
	// store reports it is full and space must be reclaimed before a
	// retry.
	DefaultAggressiveSweepMaxAge = 2 * time.Second

	// DefaultSweepProbability is the fraction of poll cycles that run
	// the routine sweep. Sweeping every cycle would add store-write
	// latency to every poll for no benefit.
	DefaultSweepProbability = 0.1

	// DefaultAnnounceJitter is the maximum random delay before
	// answering a request_users_announce. The jitter spreads the
	// replies out when many instances start at once.
	DefaultAnnounceJitter = 500 * time.Millisecond
)

// SystemTopic is the reserved topic for bus-internal coordination
// messages. User handlers may subscribe to it, but the bus processes
// it first.
const SystemTopic = "system"

// PresenceTopic is the topic on which instances re-announce themselves
// when another instance asks who is here.
const PresenceTopic = "character"

// PresenceFunc supplies the payload for a presence re-announcement.
// Returning false suppresses the announcement (no profile to announce
// yet). The payload is opaque to the bus.
type PresenceFunc func() (any, bool)

// Options configures a Bus. Store is required; everything else has a
// default.
type Options struct {
	// Store is the shared durable sync store. Required.
	Store store.Store

	// JoinBroadcast attaches the bus to the ephemeral broadcast
	// medium, receiving the bus's instance identity (the Unix datagram
	// implementation names its socket after it). Called once per
	// Start. A nil factory or a factory error degrades the bus to
	// store-only operation; Start still succeeds.
	JoinBroadcast func(instanceID string) (broadcast.Channel, error)

	// InstanceID overrides the generated instance identity. Tests
	// only; production code keeps the random default.
	InstanceID string

	// Presence supplies the payload re-announced on the "character"
	// topic when another instance requests an announcement. Nil means
	// this instance never re-announces.
	Presence PresenceFunc

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to discard.
	Logger *slog.Logger

	PollInterval          time.Duration
	BacklogWindow         time.Duration
	SweepMaxAge           time.Duration
	AggressiveSweepMaxAge time.Duration

	// SweepProbability is the chance each poll cycle runs a routine
	// sweep. Set to 1 in tests that exercise sweeping and 0 in tests
	// that must not sweep. Negative disables sweeping; zero means
	// default.
	SweepProbability float64

	// AnnounceJitter is the maximum delay before answering a
	// request_users_announce. Zero means default; negative means no
	// jitter (tests).
	AnnounceJitter time.Duration
}

// Bus is one instance's handle on the sync layer. It owns the instance
// identity, publishes envelopes onto both transports, polls the
// durable store, deduplicates, and dispatches to registered handlers.
//
// All dispatch happens on one internal goroutine, so handlers never
// run concurrently with each other and see envelopes in poll-detected
// arrival order. Handlers must not block; a blocked handler stalls the
// poll loop.
type Bus struct {
	id     string
	store  store.Store
	join   func(instanceID string) (broadcast.Channel, error)
	clock  clock.Clock
	logger *slog.Logger

	pollInterval     time.Duration
	backlogWindow    time.Duration
	sweepMaxAge      time.Duration
	aggressiveMaxAge time.Duration
	sweepProbability float64
	announceJitter   time.Duration
	presence         PresenceFunc

	mu       sync.Mutex
	running  bool
	handlers map[string][]handlerEntry
	nextSub  int
	channel  broadcast.Channel
	ledger   *ledger
	lastSent int64 // newest timestamp handed out by stampLocked
	quit     chan struct{}
	done     chan struct{}
	ctx      context.Context
}

type handlerEntry struct {
	id int
	fn Handler
}

// New creates a Bus. The bus is inert until Start.
func New(opts Options) (*Bus, error) {
	if opts.Store == nil {
		return nil, errors.New("bus: Options.Store is required")
	}

	id := opts.InstanceID
	if id == "" {
		id = "instance-" + uuid.NewString()
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	b := &Bus{
		id:               id,
		store:            opts.Store,
		join:             opts.JoinBroadcast,
		clock:            clk,
		logger:           logger.With("instance", id),
		pollInterval:     opts.PollInterval,
		backlogWindow:    opts.BacklogWindow,
		sweepMaxAge:      opts.SweepMaxAge,
		aggressiveMaxAge: opts.AggressiveSweepMaxAge,
		sweepProbability: opts.SweepProbability,
		announceJitter:   opts.AnnounceJitter,
		presence:         opts.Presence,
		handlers:         make(map[string][]handlerEntry),
	}

	if b.pollInterval <= 0 {
		b.pollInterval = DefaultPollInterval
	}
	if b.backlogWindow <= 0 {
		b.backlogWindow = DefaultBacklogWindow
	}
	if b.sweepMaxAge <= 0 {
		b.sweepMaxAge = DefaultSweepMaxAge
	}
	if b.aggressiveMaxAge <= 0 {
		b.aggressiveMaxAge = DefaultAggressiveSweepMaxAge
	}
	if b.sweepProbability == 0 {
		b.sweepProbability = DefaultSweepProbability
	} else if b.sweepProbability < 0 {
		b.sweepProbability = 0
	}
	if b.announceJitter == 0 {
		b.announceJitter = DefaultAnnounceJitter
	} else if b.announceJitter < 0 {
		b.announceJitter = 0
	}

	return b, nil
}

// InstanceID returns this bus's process-lifetime identity.
func (b *Bus) InstanceID() string { return b.id }

// IsRunning reports whether the bus is started.
func (b *Bus) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Start brings the bus online: joins the broadcast medium (degrading
// to store-only when unavailable), starts the poll loop, and announces
// this instance on the system topic. Idempotent; starting a running
// bus is a no-op.
//
// ctx covers the bus's store I/O for its whole lifetime; cancelling it
// is equivalent to Stop for the poll loop, though Stop should still be
// called to release the broadcast socket promptly.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		b.logger.Debug("bus already started")
		return nil
	}

	var channel broadcast.Channel
	if b.join != nil {
		joined, err := b.join(b.id)
		if err != nil {
			// Store-only operation: every envelope still arrives via
			// the poll path, just without the fast path's latency.
			b.logger.Warn("broadcast channel unavailable, store-only operation", "error", err)
		} else {
			channel = joined
		}
	}

	b.channel = channel
	b.ledger = newLedger(b.clock.Now().Add(-b.backlogWindow).UnixMilli())
	b.quit = make(chan struct{})
	b.done = make(chan struct{})
	b.ctx = ctx
	b.running = true
	b.mu.Unlock()

	go b.run(ctx)

	b.publish(SystemTopic, map[string]any{
		"action": "user_joined",
		"id":     b.id,
		"time":   b.clock.Now().UnixMilli(),
	})

	b.logger.Info("bus started")
	return nil
}

// Stop takes the bus offline: the poll timer is cancelled before Stop
// returns, the broadcast channel is released, and no new handler
// dispatch begins afterward. Idempotent, safe on a never-started bus,
// and safe to call from within a handler.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	channel := b.channel
	b.channel = nil
	close(b.quit)
	b.mu.Unlock()

	if channel != nil {
		_ = channel.Close()
	}
	b.logger.Info("bus stopped")
}

// Done returns a channel closed when the poll loop has fully exited.
// Tests use this to wait for shutdown; production code does not need
// to.
func (b *Bus) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return b.done
}

// On registers a handler for a topic. Handlers for the same topic run
// in registration order on every matching envelope. The returned
// function unregisters the handler; calling it more than once is a
// no-op.
func (b *Bus) On(topic string, handler Handler) (off func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSub++
	id := b.nextSub
	b.handlers[topic] = append(b.handlers[topic], handlerEntry{id: id, fn: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[topic]
		for i, entry := range entries {
			if entry.id == id {
				b.handlers[topic] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

// SendMessage publishes a payload on a topic. On a stopped bus this is
// a logged no-op, not an error. Consumers fire events without caring
// whether the bus is up yet.
func (b *Bus) SendMessage(topic string, data any) {
	b.mu.Lock()
	running := b.running
	b.mu.Unlock()

	if !running {
		b.logger.Warn("bus not active, message not sent", "topic", topic)
		return
	}
	b.publish(topic, data)
}

// publish stamps and fans an envelope out on both transports.
func (b *Bus) publish(topic string, data any) {
	envelope := Envelope{
		Type:      topic,
		Data:      data,
		Source:    b.id,
		Timestamp: b.stamp(),
	}

	key, err := store.NewKey(envelope.Type, envelope.Source, envelope.Timestamp)
	if err != nil {
		b.logger.Error("unpublishable topic", "topic", topic, "error", err)
		return
	}

	// Fast path first: live listeners see the envelope immediately.
	b.mu.Lock()
	channel := b.channel
	b.mu.Unlock()
	if channel != nil {
		if frame, err := codec.Marshal(envelope); err != nil {
			b.logger.Error("encoding broadcast frame", "topic", topic, "error", err)
		} else if err := channel.Send(frame); err != nil {
			b.logger.Warn("broadcast send failed", "topic", topic, "error", err)
		}
	}

	// Durable path: whoever missed the frame finds the record.
	value, err := envelope.encode()
	if err != nil {
		b.logger.Error("encoding envelope", "topic", topic, "error", err)
		return
	}
	if err := b.store.Put(b.ctx, key, value); err != nil {
		if !errors.Is(err, store.ErrStoreFull) {
			b.logger.Error("store write failed", "key", key.String(), "error", err)
			return
		}
		// Quota pressure: reclaim space aggressively and retry once.
		b.sweep(b.aggressiveMaxAge)
		if err := b.store.Put(b.ctx, key, value); err != nil {
			b.logger.Error("store write failed after aggressive sweep, dropping publish",
				"key", key.String(),
				"error", err,
			)
		}
	}
}

// stamp returns the publish timestamp for a new envelope. Timestamps
// are strictly increasing per instance so that two rapid publishes on
// one topic never collide on the same record key.
func (b *Bus) stamp() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stampLocked()
}

func (b *Bus) stampLocked() int64 {
	now := b.clock.Now().UnixMilli()
	if now <= b.lastSent {
		now = b.lastSent + 1
	}
	b.lastSent = now
	return now
}

// run is the bus's single dispatch goroutine: poll ticks and broadcast
// frames interleave here, so handlers never run concurrently.
func (b *Bus) run(ctx context.Context) {
	defer close(b.done)

	ticker := b.clock.NewTicker(b.pollInterval)
	defer ticker.Stop()

	var frames <-chan []byte
	b.mu.Lock()
	if b.channel != nil {
		frames = b.channel.Receive()
	}
	b.mu.Unlock()

	for {
		select {
		case <-b.quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.poll(ctx)
		case frame, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			b.handleFrame(frame)
		}
	}
}

// poll runs one cycle over the durable store: dispatch everything new,
// then maybe sweep.
func (b *Bus) poll(ctx context.Context) {
	records, err := b.store.Scan(ctx)
	if err != nil {
		b.logger.Warn("store scan failed", "error", err)
		return
	}

	for _, record := range records {
		b.processRecord(record)
	}

	if b.sweepProbability > 0 && rand.Float64() < b.sweepProbability {
		b.sweep(b.sweepMaxAge)
	}
}

// processRecord runs the dedup/filter pipeline for one durable record
// and dispatches it if it survives.
func (b *Bus) processRecord(record store.Record) {
	key := record.Key.String()
	if b.ledger.seen(key, record.Key.Timestamp) {
		return
	}

	envelope, err := decodeEnvelope(record.Value)
	if err != nil {
		// Unprocessable, not marked: the age sweep removes it. Logged
		// at debug because it repeats every poll until then.
		b.logger.Debug("skipping malformed record", "key", key, "error", err)
		return
	}

	if envelope.Source == b.id {
		// Own publish coming back via the store. Mark it so the next
		// poll skips the parse.
		b.ledger.mark(key, record.Key.Timestamp)
		return
	}

	b.ledger.mark(key, record.Key.Timestamp)
	b.dispatch(envelope)
}

// handleFrame runs the same pipeline for a broadcast frame. The frame
// carries the same envelope a poll would find, so it shares the store
// path's dedup key.
func (b *Bus) handleFrame(frame []byte) {
	var envelope Envelope
	if err := codec.Unmarshal(frame, &envelope); err != nil {
		b.logger.Warn("malformed broadcast frame", "error", err)
		return
	}
	if envelope.Source == b.id {
		// The medium never echoes to the sender; a frame claiming our
		// identity is another process misbehaving. Drop it.
		return
	}

	key, err := store.NewKey(envelope.Type, envelope.Source, envelope.Timestamp)
	if err != nil {
		b.logger.Warn("broadcast frame with unkeyable envelope", "error", err)
		return
	}
	raw := key.String()
	if b.ledger.seen(raw, envelope.Timestamp) {
		return
	}
	b.ledger.mark(raw, envelope.Timestamp)
	b.dispatch(envelope)
}

// dispatch runs built-in system handling, then the registered handlers
// for the envelope's topic in registration order. A panicking handler
// is contained: the poll loop must survive arbitrary consumer code.
func (b *Bus) dispatch(envelope Envelope) {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	entries := make([]handlerEntry, len(b.handlers[envelope.Type]))
	copy(entries, b.handlers[envelope.Type])
	b.mu.Unlock()

	if envelope.Type == SystemTopic {
		b.handleSystemMessage(envelope)
	}

	for _, entry := range entries {
		b.invoke(entry.fn, envelope)
	}
}

func (b *Bus) invoke(handler Handler, envelope Envelope) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Error("handler panic",
				"topic", envelope.Type,
				"panic", recovered,
			)
		}
	}()
	handler(envelope)
}

// handleSystemMessage processes bus-internal coordination messages.
//
// request_users_announce asks every live instance to re-announce its
// presence so the requester can populate its world. Replies are
// jittered over 0-500ms: with many instances on one machine, an
// immediate reply from each would land as a thundering herd on the
// store within a single poll interval.
func (b *Bus) handleSystemMessage(envelope Envelope) {
	action := payloadField(envelope.Data, "action")
	if action != "request_users_announce" {
		return
	}
	if payloadField(envelope.Data, "requesterId") == b.id {
		return
	}
	if b.presence == nil {
		return
	}

	delay := time.Duration(0)
	if b.announceJitter > 0 {
		delay = time.Duration(rand.Int64N(int64(b.announceJitter)))
	}
	b.clock.AfterFunc(delay, func() {
		payload, ok := b.presence()
		if !ok {
			return
		}
		b.SendMessage(PresenceTopic, payload)
	})
}

// sweep deletes records older than maxAge and compacts the ledger.
// Any instance may sweep any record; deletes are idempotent, so two
// instances sweeping the same record is harmless.
func (b *Bus) sweep(maxAge time.Duration) {
	records, err := b.store.Scan(b.ctx)
	if err != nil {
		b.logger.Warn("sweep scan failed", "error", err)
		return
	}

	cutoff := b.clock.Now().Add(-maxAge).UnixMilli()
	removed := 0
	for _, record := range records {
		if record.Key.Timestamp > cutoff {
			continue
		}
		if err := b.store.Delete(b.ctx, record.Key); err != nil {
			b.logger.Warn("sweep delete failed", "key", record.Key.String(), "error", err)
			continue
		}
		b.ledger.forget(record.Key.String())
		removed++
	}
	if removed > 0 {
		b.logger.Debug("swept records", "removed", removed, "max_age", maxAge)
	}

	b.ledger.compact()
}

// RequestUsersAnnounce asks every other live instance to re-announce
// itself on the presence topic. Typically sent once right after Start.
func (b *Bus) RequestUsersAnnounce() {
	b.SendMessage(SystemTopic, map[string]any{
		"action":      "request_users_announce",
		"requesterId": b.id,
		"time":        b.clock.Now().UnixMilli(),
	})
}

// String implements fmt.Stringer for logging.
func (b *Bus) String() string {
	return fmt.Sprintf("bus(%s)", b.id)
}
