package store_test

import (
	"context"
	"testing"

	"github.com/basket/fleetcore/internal/store"
)

func TestUpsertTLDRReplacesExistingEntry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertTLDR(ctx, store.TLDRSummary{
		Scope: "chat", RefID: "chat-ab12c", ContentHash: "h1",
		Summary: "alice and bob agreed on the migration plan", AuthorHandle: "alice",
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if first.Summary == "" || first.ContentHash != "h1" {
		t.Fatalf("unexpected first entry: %+v", first)
	}

	second, err := s.UpsertTLDR(ctx, store.TLDRSummary{
		Scope: "chat", RefID: "chat-ab12c", ContentHash: "h2",
		Summary: "plan revised after review", AuthorHandle: "bob",
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ContentHash != "h2" || second.AuthorHandle != "bob" {
		t.Fatalf("upsert did not replace: %+v", second)
	}

	got, err := s.GetTLDR(ctx, "chat", "chat-ab12c", "")
	if err != nil {
		t.Fatalf("get after upsert: %v", err)
	}
	if got.Summary != "plan revised after review" {
		t.Fatalf("stale summary returned: %q", got.Summary)
	}
}

func TestGetTLDRHashMismatchIsCacheMiss(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertTLDR(ctx, store.TLDRSummary{
		Scope: "worker-output", RefID: "scout-1", ContentHash: "abc", Summary: "ran tests, all green",
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if _, err := s.GetTLDR(ctx, "worker-output", "scout-1", "abc"); err != nil {
		t.Fatalf("matching hash should hit: %v", err)
	}

	_, err := s.GetTLDR(ctx, "worker-output", "scout-1", "stale")
	var se *store.StoreError
	if !errorsAs(err, &se) || se.Kind != store.KindNotFound {
		t.Fatalf("expected KindNotFound on hash mismatch, got %v", err)
	}

	_, err = s.GetTLDR(ctx, "worker-output", "no-such-ref", "")
	if !errorsAs(err, &se) || se.Kind != store.KindNotFound {
		t.Fatalf("expected KindNotFound on absent row, got %v", err)
	}
}
