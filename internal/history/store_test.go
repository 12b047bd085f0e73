package history

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/scribelabs/scribe-core/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.HistoryConfig) *Store {
	t.Helper()
	if cfg.Enabled && cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "history.db")
	}
	store, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func insertText(t *testing.T, store *Store, text string) int64 {
	t.Helper()
	id, err := store.Insert(context.Background(), Entry{
		SessionID:    "session-1",
		Text:         text,
		Model:        "ggml-base.en.bin",
		DurationMS:   1200,
		TranscribeMS: 340,
		StopReason:   "user",
	})
	if err != nil {
		t.Fatalf("insert %q: %v", text, err)
	}
	return id
}

func TestOpenDisabled(t *testing.T) {
	store := openStore(t, config.HistoryConfig{Enabled: false})
	if store.Enabled() {
		t.Fatal("disabled store reports enabled")
	}
	id, err := store.Insert(context.Background(), Entry{Text: "dropped"})
	if err != nil || id != 0 {
		t.Fatalf("insert on disabled store: id=%d err=%v", id, err)
	}
	entries, err := store.List(context.Background(), 10)
	if err != nil || entries != nil {
		t.Fatalf("list on disabled store: entries=%v err=%v", entries, err)
	}
}

func TestInsertAndList(t *testing.T) {
	store := openStore(t, config.HistoryConfig{Enabled: true})

	first := insertText(t, store, "first transcript")
	insertText(t, store, "second transcript")
	third := insertText(t, store, "third transcript")

	entries, err := store.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].ID != third || entries[2].ID != first {
		t.Fatalf("entries not newest-first: %v", entries)
	}
	got := entries[0]
	if got.Text != "third transcript" || got.Model != "ggml-base.en.bin" || got.DurationMS != 1200 || got.TranscribeMS != 340 || got.StopReason != "user" {
		t.Fatalf("entry did not round-trip: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("created_at not populated")
	}
}

func TestListClampsLimit(t *testing.T) {
	store := openStore(t, config.HistoryConfig{Enabled: true, ListLimit: 3})
	for i := 0; i < 5; i++ {
		insertText(t, store, "entry")
	}

	entries, err := store.List(context.Background(), 2)
	if err != nil || len(entries) != 2 {
		t.Fatalf("explicit limit: entries=%d err=%v", len(entries), err)
	}
	entries, err = store.List(context.Background(), 0)
	if err != nil || len(entries) != 3 {
		t.Fatalf("configured default limit: entries=%d err=%v", len(entries), err)
	}
}

func TestSearchMatchesTokens(t *testing.T) {
	store := openStore(t, config.HistoryConfig{Enabled: true})
	insertText(t, store, "the quick brown fox")
	insertText(t, store, "lazy dog sleeps")
	insertText(t, store, "quick dog")

	entries, err := store.Search(context.Background(), "quick dog", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(entries) != 1 || entries[0].Text != "quick dog" {
		t.Fatalf("expected the one entry with both tokens, got %v", entries)
	}

	entries, err = store.Search(context.Background(), "dog", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 matches for dog, got %d", len(entries))
	}
}

func TestSearchSanitizesOperatorInput(t *testing.T) {
	store := openStore(t, config.HistoryConfig{Enabled: true})
	insertText(t, store, "plain words only")

	// Raw FTS5 operators and stray quotes must not produce a syntax error.
	for _, q := range []string{`"unbalanced`, `NEAR(`, `a AND OR`, `fo"x*`} {
		if _, err := store.Search(context.Background(), q, 10); err != nil {
			t.Fatalf("search %q: %v", q, err)
		}
	}
}

func TestSearchEmptyQueryLists(t *testing.T) {
	store := openStore(t, config.HistoryConfig{Enabled: true})
	insertText(t, store, "anything")

	entries, err := store.Search(context.Background(), "   ", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("blank query should list, got %d entries", len(entries))
	}
}

func TestUpdateRewritesTextAndIndex(t *testing.T) {
	store := openStore(t, config.HistoryConfig{Enabled: true})
	id := insertText(t, store, "original wording")

	ok, err := store.Update(context.Background(), id, "corrected wording")
	if err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}
	ok, err = store.Update(context.Background(), id+99, "nope")
	if err != nil || ok {
		t.Fatalf("update of missing id should be a miss: ok=%v err=%v", ok, err)
	}

	entries, err := store.List(context.Background(), 1)
	if err != nil || len(entries) != 1 {
		t.Fatalf("list: entries=%d err=%v", len(entries), err)
	}
	if entries[0].Text != "corrected wording" {
		t.Fatalf("text = %q", entries[0].Text)
	}

	// The FTS index follows the rewrite in both directions.
	if hits, err := store.Search(context.Background(), "original", 10); err != nil || len(hits) != 0 {
		t.Fatalf("stale text still searchable: hits=%v err=%v", hits, err)
	}
	if hits, err := store.Search(context.Background(), "corrected", 10); err != nil || len(hits) != 1 {
		t.Fatalf("new text not searchable: hits=%v err=%v", hits, err)
	}
}

func TestDeleteAndClear(t *testing.T) {
	store := openStore(t, config.HistoryConfig{Enabled: true})
	id := insertText(t, store, "keep me not")
	insertText(t, store, "another")

	ok, err := store.Delete(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	ok, err = store.Delete(context.Background(), id)
	if err != nil || ok {
		t.Fatalf("second delete should be a miss: ok=%v err=%v", ok, err)
	}

	// The FTS index follows deletions.
	entries, err := store.Search(context.Background(), "keep", 10)
	if err != nil || len(entries) != 0 {
		t.Fatalf("deleted entry still searchable: entries=%v err=%v", entries, err)
	}

	n, err := store.Clear(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("clear: n=%d err=%v", n, err)
	}
	entries, err = store.List(context.Background(), 10)
	if err != nil || len(entries) != 0 {
		t.Fatalf("list after clear: entries=%v err=%v", entries, err)
	}
}

func TestClockDrivesTimestamps(t *testing.T) {
	store := openStore(t, config.HistoryConfig{Enabled: true})
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.clock = func() time.Time { return fixed }

	insertText(t, store, "timestamped")
	entries, err := store.List(context.Background(), 1)
	if err != nil || len(entries) != 1 {
		t.Fatalf("list: entries=%d err=%v", len(entries), err)
	}
	if !entries[0].CreatedAt.Equal(fixed) {
		t.Fatalf("created_at = %v, want %v", entries[0].CreatedAt, fixed)
	}
}
