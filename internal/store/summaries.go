package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// TLDRSummary is a cached short summary of a long artifact — a chat
// transcript, a worker's output window, a checkpoint trail — keyed by
// (scope, refId). The content hash records what the summary was computed
// over; a lookup that presents a different hash misses, so a stale summary
// is never served as current.
type TLDRSummary struct {
	Scope        string
	RefID        string
	ContentHash  string
	Summary      string
	AuthorHandle string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const tldrSelect = `
	SELECT scope, ref_id, content_hash, summary, author_handle, created_at, updated_at
	FROM tldr_cache`

// UpsertTLDR writes or replaces the cached summary for (scope, refId).
func (s *Store) UpsertTLDR(ctx context.Context, t TLDRSummary) (TLDRSummary, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tldr_cache (scope, ref_id, content_hash, summary, author_handle)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (scope, ref_id) DO UPDATE SET
			content_hash = excluded.content_hash,
			summary = excluded.summary,
			author_handle = excluded.author_handle,
			updated_at = CURRENT_TIMESTAMP;`,
		t.Scope, t.RefID, t.ContentHash, t.Summary, t.AuthorHandle)
	if err != nil {
		return TLDRSummary{}, newErr("UpsertTLDR", KindFatal, err)
	}
	return s.GetTLDR(ctx, t.Scope, t.RefID, "")
}

// GetTLDR fetches the cached summary for (scope, refId). A non-empty
// contentHash must match the stored hash; a mismatch is a cache miss and
// returns NotFound, same as an absent row.
func (s *Store) GetTLDR(ctx context.Context, scope, refID, contentHash string) (TLDRSummary, error) {
	row := s.db.QueryRowContext(ctx, tldrSelect+` WHERE scope = ? AND ref_id = ?;`, scope, refID)
	t, err := scanTLDR(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TLDRSummary{}, newErr("GetTLDR", KindNotFound, err)
	}
	if err != nil {
		return TLDRSummary{}, newErr("GetTLDR", KindFatal, err)
	}
	if contentHash != "" && t.ContentHash != contentHash {
		return TLDRSummary{}, newErr("GetTLDR", KindNotFound, sql.ErrNoRows)
	}
	return t, nil
}

// PruneTLDROlderThan deletes cache entries not refreshed in the last ms
// milliseconds and returns how many were removed.
func (s *Store) PruneTLDROlderThan(ctx context.Context, ms int64) (int, error) {
	cutoff := time.Now().Add(-time.Duration(ms) * time.Millisecond).UTC()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tldr_cache WHERE updated_at < ?;`, cutoff)
	if err != nil {
		return 0, newErr("PruneTLDROlderThan", KindFatal, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanTLDR(row rowScanner) (TLDRSummary, error) {
	var t TLDRSummary
	err := row.Scan(&t.Scope, &t.RefID, &t.ContentHash, &t.Summary, &t.AuthorHandle, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}
