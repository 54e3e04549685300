package store_test

import (
	"context"
	"testing"

	"github.com/basket/fleetcore/internal/store"
)

func TestMailUnreadCountAndMarkAllRead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, body := range []string{"hi", "hi again"} {
		if _, err := s.SendMail(ctx, store.Mail{FromHandle: "alice", ToHandle: "bob", Body: body}); err != nil {
			t.Fatalf("send mail: %v", err)
		}
	}

	n, err := s.GetUnreadCount(ctx, "bob")
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 unread, got %d", n)
	}

	marked, err := s.MarkAllRead(ctx, "bob")
	if err != nil {
		t.Fatalf("mark all read: %v", err)
	}
	if marked != 2 {
		t.Fatalf("expected 2 marked, got %d", marked)
	}

	n, err = s.GetUnreadCount(ctx, "bob")
	if err != nil {
		t.Fatalf("unread count after mark: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 unread after mark-all, got %d", n)
	}

	// Marking again is a no-op and reports zero marked.
	marked, err = s.MarkAllRead(ctx, "bob")
	if err != nil {
		t.Fatalf("second mark all read: %v", err)
	}
	if marked != 0 {
		t.Fatalf("expected 0 marked on re-mark, got %d", marked)
	}
}

func TestMarkMailReadIsIdempotentPerMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m, err := s.SendMail(ctx, store.Mail{FromHandle: "alice", ToHandle: "bob", Subject: "status", Body: "done"})
	if err != nil {
		t.Fatalf("send mail: %v", err)
	}
	if err := s.MarkMailRead(ctx, m.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	first, err := s.GetMail(ctx, m.ID)
	if err != nil {
		t.Fatalf("get mail: %v", err)
	}
	if first.ReadAt == nil {
		t.Fatal("expected readAt set after mark")
	}
	if err := s.MarkMailRead(ctx, m.ID); err != nil {
		t.Fatalf("re-mark read: %v", err)
	}
	again, err := s.GetMail(ctx, m.ID)
	if err != nil {
		t.Fatalf("get mail again: %v", err)
	}
	if !again.ReadAt.Equal(*first.ReadAt) {
		t.Fatalf("expected readAt unchanged on re-mark, got %v then %v", first.ReadAt, again.ReadAt)
	}
	unread, err := s.GetUnread(ctx, "bob")
	if err != nil {
		t.Fatalf("get unread: %v", err)
	}
	if len(unread) != 0 {
		t.Fatalf("expected no unread mail, got %d", len(unread))
	}
}

func TestHandoffAcceptFlow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	h, err := s.CreateHandoff(ctx, store.Handoff{
		FromHandle:  "scout-1",
		ToHandle:    "scout-2",
		ContextJSON: `{"goal":"finish migration","files":["internal/store/tasks.go"]}`,
	})
	if err != nil {
		t.Fatalf("create handoff: %v", err)
	}
	if h.AcceptedAt != nil {
		t.Fatal("new handoff must not be pre-accepted")
	}

	pending, err := s.ListHandoffsFor(ctx, "scout-2")
	if err != nil {
		t.Fatalf("list handoffs: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != h.ID {
		t.Fatalf("expected one pending handoff for scout-2, got %+v", pending)
	}

	if err := s.AcceptHandoff(ctx, h.ID); err != nil {
		t.Fatalf("accept handoff: %v", err)
	}
	accepted, err := s.GetHandoff(ctx, h.ID)
	if err != nil {
		t.Fatalf("get handoff: %v", err)
	}
	if accepted.AcceptedAt == nil {
		t.Fatal("expected acceptedAt set after accept")
	}

	// Accepted handoffs drop out of the pending listing; re-accept is a no-op.
	pending, err = s.ListHandoffsFor(ctx, "scout-2")
	if err != nil {
		t.Fatalf("list handoffs after accept: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending handoffs after accept, got %d", len(pending))
	}
	if err := s.AcceptHandoff(ctx, h.ID); err != nil {
		t.Fatalf("re-accept handoff: %v", err)
	}
	again, err := s.GetHandoff(ctx, h.ID)
	if err != nil {
		t.Fatalf("get handoff again: %v", err)
	}
	if !again.AcceptedAt.Equal(*accepted.AcceptedAt) {
		t.Fatalf("expected acceptedAt unchanged on re-accept, got %v then %v", accepted.AcceptedAt, again.AcceptedAt)
	}
}
