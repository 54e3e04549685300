// Package blackboard is the Blackboard Bus (spec §4.D): a per-swarm
// topic-addressed message log with per-reader unread tracking. Durable
// history and unread bookkeeping stay in internal/store; this package adds
// live fan-out on top, backed by an embedded, loopback-only NATS server
// rather than the teacher's hand-rolled sync.RWMutex + map[int]*Subscription
// bus (internal/bus/bus.go) — each swarm gets a real publish/subscribe
// subject, "blackboard.<swarmId>", instead of a channel the process owns
// directly. The server never listens beyond loopback and starts/stops with
// the process, so this remains single-node per spec §1's Non-goals.
package blackboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/basket/fleetcore/internal/store"
)

// Envelope is what gets published on a swarm's NATS subject; subscribers
// (fleetapi's WS layer) decode this to build the WS broadcast frame.
type Envelope struct {
	Message      store.BlackboardMessage `json:"message"`
	TargetHandle string                  `json:"targetHandle,omitempty"`
}

func subject(swarmID string) string {
	return "blackboard." + swarmID
}

// Bus posts blackboard messages through the Store and fans them out over
// an embedded NATS server.
type Bus struct {
	store  *store.Store
	ns     *server.Server
	nc     *nats.Conn
	logger *slog.Logger
}

// Config wires the Bus's collaborators and the embedded server's data dir.
type Config struct {
	Store     *store.Store
	Logger    *slog.Logger
	StoreDir  string // embedded NATS JetStream/routing scratch dir; "" uses an in-memory only server
	Port      int    // 0 lets the OS pick an ephemeral loopback port
}

// Start boots the embedded NATS server (loopback only) and a client
// connection, returning a ready-to-use Bus. Callers must call Close on
// shutdown.
func Start(cfg Config) (*Bus, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      cfg.Port,
		NoLog:     true,
		NoSigs:    true,
		JetStream: false,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("blackboard: start embedded nats: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("blackboard: embedded nats not ready")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("blackboard: connect to embedded nats: %w", err)
	}

	return &Bus{store: cfg.Store, ns: ns, nc: nc, logger: logger}, nil
}

// Close drains the client connection and shuts the embedded server down.
func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
	if b.ns != nil {
		b.ns.Shutdown()
	}
}

// Post inserts m through the Store and, on success, publishes it to the
// swarm's subject (spec §4.D: "Post: inserts a row and ... fans the message
// out"). Broadcast targeting is carried in the envelope: a non-empty
// TargetHandle means only that handle's sockets should act on it.
func (b *Bus) Post(ctx context.Context, m store.BlackboardMessage) (store.BlackboardMessage, error) {
	created, err := b.store.PostBlackboard(ctx, m)
	if err != nil {
		return store.BlackboardMessage{}, err
	}
	env := Envelope{Message: created, TargetHandle: created.TargetHandle}
	payload, mErr := json.Marshal(env)
	if mErr != nil {
		b.logger.Error("blackboard: marshal envelope failed", "id", created.ID, "error", mErr)
		return created, nil
	}
	if pErr := b.nc.Publish(subject(created.SwarmID), payload); pErr != nil {
		b.logger.Error("blackboard: publish failed", "id", created.ID, "swarm_id", created.SwarmID, "error", pErr)
	}
	return created, nil
}

// Read returns messages per spec §4.D's filter semantics, delegating
// directly to the Store (live fan-out carries no durable history).
func (b *Bus) Read(ctx context.Context, f store.BlackboardFilter) ([]store.BlackboardMessage, error) {
	return b.store.ReadBlackboard(ctx, f)
}

// MarkRead is idempotent per (messageID, readerHandle).
func (b *Bus) MarkRead(ctx context.Context, ids []string, readerHandle string) error {
	return b.store.MarkBlackboardRead(ctx, ids, readerHandle)
}

// Archive archives an explicit id set.
func (b *Bus) Archive(ctx context.Context, ids []string) error {
	return b.store.ArchiveBlackboard(ctx, ids)
}

// ArchiveOlderThan archives by age and returns the count archived.
func (b *Bus) ArchiveOlderThan(ctx context.Context, ms int64) (int, error) {
	return b.store.ArchiveOlderThan(ctx, ms)
}

// Subscription wraps a live NATS subscription to one swarm's topic.
type Subscription struct {
	sub *nats.Subscription
	ch  chan Envelope
}

// Subscribe opens a live feed of every message posted to swarmID from this
// point forward. Callers (fleetapi's WS hub) read Subscription.C() and
// must call Unsubscribe when the socket disconnects.
func (b *Bus) Subscribe(swarmID string) (*Subscription, error) {
	ch := make(chan Envelope, 64)
	sub, err := b.nc.Subscribe(subject(swarmID), func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return
		}
		select {
		case ch <- env:
		default:
			// Slow consumer: drop rather than block the NATS dispatch
			// goroutine, same non-blocking-send discipline as the
			// teacher's in-process bus subscriptions.
		}
	})
	if err != nil {
		return nil, err
	}
	return &Subscription{sub: sub, ch: ch}, nil
}

// C returns the channel of fanned-out envelopes for this subscription.
func (s *Subscription) C() <-chan Envelope { return s.ch }

// Unsubscribe cancels the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	_ = s.sub.Unsubscribe()
	close(s.ch)
}
