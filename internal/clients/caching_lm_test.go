package clients

import (
	"context"
	"testing"

	"github.com/promptforge/teleprompt/internal/clients/cache"
)

func TestCachingLM_MemoryHit(t *testing.T) {
	inner := NewMockLM("mock-model").Script("cached answer")
	lm, err := NewCachingLM(inner, 8, nil)
	if err != nil {
		t.Fatalf("failed to build caching client: %v", err)
	}

	ctx := context.Background()
	req := NewRequest().WithMessages(NewMessage("user", "q")).WithTemperature(0.2)

	first, err := lm.Call(ctx, req)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	second, err := lm.Call(ctx, req)
	if err != nil {
		t.Fatalf("cached call failed: %v", err)
	}

	if first.Content() != second.Content() {
		t.Error("cached response differs")
	}
	if inner.Calls() != 1 {
		t.Errorf("expected 1 inner call, got %d", inner.Calls())
	}
}

func TestCachingLM_DiskTierPersists(t *testing.T) {
	disk, err := cache.Open(cache.Options{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to open disk cache: %v", err)
	}
	defer disk.Close()

	ctx := context.Background()
	req := func() *Request {
		return NewRequest().WithMessages(NewMessage("user", "q")).WithTemperature(0.2)
	}

	// First client populates both tiers.
	inner := NewMockLM("mock-model").Script("persisted answer")
	lm, err := NewCachingLM(inner, 8, disk)
	if err != nil {
		t.Fatalf("failed to build caching client: %v", err)
	}

	first, err := lm.Call(ctx, req())
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if inner.Calls() != 1 {
		t.Fatalf("expected 1 inner call, got %d", inner.Calls())
	}

	// A second client with a cold memory tier but the same disk tier
	// must answer from disk without touching its inner model.
	coldInner := NewMockLM("mock-model")
	coldLM, err := NewCachingLM(coldInner, 8, disk)
	if err != nil {
		t.Fatalf("failed to build caching client: %v", err)
	}

	second, err := coldLM.Call(ctx, req())
	if err != nil {
		t.Fatalf("disk-served call failed: %v", err)
	}
	if second.Content() != first.Content() {
		t.Errorf("disk tier returned %q, want %q", second.Content(), first.Content())
	}
	if coldInner.Calls() != 0 {
		t.Errorf("expected 0 inner calls on a disk hit, got %d", coldInner.Calls())
	}

	// A different request misses both tiers and reaches the model.
	other := NewRequest().WithMessages(NewMessage("user", "different")).WithTemperature(0.2)
	if _, err := coldLM.Call(ctx, other); err != nil {
		t.Fatalf("miss call failed: %v", err)
	}
	if coldInner.Calls() != 1 {
		t.Errorf("expected the miss to reach the model, got %d calls", coldInner.Calls())
	}

	stats := disk.Stats()
	if stats.Hits == 0 {
		t.Error("expected at least one disk hit recorded")
	}
}

func TestCachingLM_TemperatureKeysDiffer(t *testing.T) {
	inner := NewMockLM("mock-model")
	lm, err := NewCachingLM(inner, 8, nil)
	if err != nil {
		t.Fatalf("failed to build caching client: %v", err)
	}

	ctx := context.Background()
	base := NewRequest().WithMessages(NewMessage("user", "q"))

	if _, err := lm.Call(ctx, base.WithTemperature(0.0)); err != nil {
		t.Fatalf("call failed: %v", err)
	}
	hot := NewRequest().WithMessages(NewMessage("user", "q")).WithTemperature(0.9)
	if _, err := lm.Call(ctx, hot); err != nil {
		t.Fatalf("call failed: %v", err)
	}

	if inner.Calls() != 2 {
		t.Errorf("expected distinct cache keys per temperature, got %d inner calls", inner.Calls())
	}
}
