package blackboard_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/fleetcore/internal/blackboard"
	"github.com/basket/fleetcore/internal/store"
)

func openTestBus(t *testing.T) *blackboard.Bus {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	bus, err := blackboard.Start(blackboard.Config{Store: db, Port: -1})
	if err != nil {
		t.Fatalf("start blackboard bus: %v", err)
	}
	t.Cleanup(bus.Close)
	return bus
}

func TestBusPostFansOutToSubscriber(t *testing.T) {
	bus := openTestBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe("swarm-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	created, err := bus.Post(ctx, store.BlackboardMessage{
		SwarmID:      "swarm-1",
		SenderHandle: "lead",
		MessageType:  store.MsgDirective,
		Priority:     store.PriorityHigh,
		PayloadJSON:  `{"go":"true"}`,
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected a generated message id")
	}

	select {
	case env := <-sub.C():
		if env.Message.ID != created.ID {
			t.Fatalf("fanned-out message id = %q, want %q", env.Message.ID, created.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fanned-out message")
	}
}

func TestBusPostNotVisibleToOtherSwarmsSubscriber(t *testing.T) {
	bus := openTestBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe("swarm-other")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if _, err := bus.Post(ctx, store.BlackboardMessage{
		SwarmID:      "swarm-1",
		SenderHandle: "lead",
		MessageType:  store.MsgStatus,
		Priority:     store.PriorityNormal,
		PayloadJSON:  `{}`,
	}); err != nil {
		t.Fatalf("post: %v", err)
	}

	select {
	case env := <-sub.C():
		t.Fatalf("unexpected message delivered to unrelated swarm subscriber: %+v", env)
	case <-time.After(100 * time.Millisecond):
		// expected: no cross-swarm delivery
	}
}

func TestBusMarkReadIsIdempotentAndAffectsUnreadFilter(t *testing.T) {
	bus := openTestBus(t)
	ctx := context.Background()

	msg, err := bus.Post(ctx, store.BlackboardMessage{
		SwarmID:      "swarm-1",
		SenderHandle: "lead",
		MessageType:  store.MsgStatus,
		Priority:     store.PriorityNormal,
		PayloadJSON:  `{}`,
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	unread, err := bus.Read(ctx, store.BlackboardFilter{SwarmID: "swarm-1", UnreadOnly: true, ReaderHandle: "worker-1"})
	if err != nil {
		t.Fatalf("read unread: %v", err)
	}
	if len(unread) != 1 {
		t.Fatalf("expected 1 unread message, got %d", len(unread))
	}

	if err := bus.MarkRead(ctx, []string{msg.ID}, "worker-1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := bus.MarkRead(ctx, []string{msg.ID}, "worker-1"); err != nil {
		t.Fatalf("mark read again (idempotent): %v", err)
	}

	unread, err = bus.Read(ctx, store.BlackboardFilter{SwarmID: "swarm-1", UnreadOnly: true, ReaderHandle: "worker-1"})
	if err != nil {
		t.Fatalf("read unread after mark: %v", err)
	}
	if len(unread) != 0 {
		t.Fatalf("expected 0 unread after mark-read, got %d", len(unread))
	}
}

func TestBusArchiveOlderThanExcludesFromUnread(t *testing.T) {
	bus := openTestBus(t)
	ctx := context.Background()

	if _, err := bus.Post(ctx, store.BlackboardMessage{
		SwarmID:      "swarm-1",
		SenderHandle: "lead",
		MessageType:  store.MsgStatus,
		Priority:     store.PriorityNormal,
		PayloadJSON:  `{}`,
	}); err != nil {
		t.Fatalf("post: %v", err)
	}

	count, err := bus.ArchiveOlderThan(ctx, 0)
	if err != nil {
		t.Fatalf("archive older than: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 message archived, got %d", count)
	}

	unread, err := bus.Read(ctx, store.BlackboardFilter{SwarmID: "swarm-1", UnreadOnly: true, ReaderHandle: "worker-1"})
	if err != nil {
		t.Fatalf("read unread after archive: %v", err)
	}
	if len(unread) != 0 {
		t.Fatalf("archived messages must never satisfy unreadOnly reads, got %d", len(unread))
	}
}
