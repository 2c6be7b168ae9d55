package memory

import (
	"context"
	"errors"
	"testing"

	"feature-materializer/internal/domain"
	"feature-materializer/internal/storage"
)

func TestCursorStore_AdvanceIsMonotonic(t *testing.T) {
	store := NewCursorStore()
	ctx := context.Background()

	if err := store.Advance(ctx, "BTC", domain.SourcePrice, 2000); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if err := store.Advance(ctx, "BTC", domain.SourcePrice, 1000); err != nil {
		t.Fatalf("Advance backwards should be a no-op, got %v", err)
	}

	cursors, err := store.GetOutstanding(ctx, "BTC")
	if err != nil {
		t.Fatalf("GetOutstanding failed: %v", err)
	}
	if cursors[domain.SourcePrice] != 2000 {
		t.Errorf("Expected price cursor 2000, got %d", cursors[domain.SourcePrice])
	}
	if cursors[domain.SourceMacro] != 0 {
		t.Errorf("Expected macro cursor 0, got %d", cursors[domain.SourceMacro])
	}
	if len(cursors) != len(domain.AllSources) {
		t.Errorf("Expected %d sources, got %d", len(domain.AllSources), len(cursors))
	}
}

func TestCursorStore_List(t *testing.T) {
	store := NewCursorStore()
	ctx := context.Background()

	_ = store.Advance(ctx, "BTC", domain.SourceSentiment, 5)
	_ = store.Advance(ctx, "BTC", domain.SourcePrice, 7)
	_ = store.Advance(ctx, "ETH", domain.SourcePrice, 9)

	list, err := store.List(ctx, "BTC")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 cursors, got %d", len(list))
	}
	if list[0].Source != domain.SourcePrice || list[1].Source != domain.SourceSentiment {
		t.Errorf("Expected price then sentiment, got %s, %s", list[0].Source, list[1].Source)
	}
}

func TestCursorStore_InvalidInput(t *testing.T) {
	store := NewCursorStore()
	ctx := context.Background()

	if err := store.Advance(ctx, "", domain.SourcePrice, 1); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
	if err := store.Advance(ctx, "BTC", domain.Source("bogus"), 1); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}
