package manager

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"proxyswitch/proxypool/aggregator"
	"proxyswitch/proxypool/model"
	"proxyswitch/proxypool/storage"
)

// countingScraper counts how often it was scraped.
type countingScraper struct {
	calls   atomic.Int32
	records []model.RawRecord
	err     error
}

func (c *countingScraper) Name() string { return "counting" }

func (c *countingScraper) Scrape(ctx context.Context) ([]model.RawRecord, error) {
	c.calls.Add(1)
	return c.records, c.err
}

func newTestManager(s *countingScraper, kv storage.Storage) *Manager {
	agg := aggregator.New(time.Second, 1, s)
	return NewManager(kv, agg, nil, 0)
}

func TestList_RefreshesWhenEmptyThenServesCache(t *testing.T) {
	s := &countingScraper{records: []model.RawRecord{
		{Proxy: "http://1.1.1.1:80", Score: json.RawMessage(`1`)},
		{Proxy: "http://2.2.2.2:80", Score: json.RawMessage(`9`)},
	}}
	kv := storage.NewMemoryStorage()
	m := newTestManager(s, kv)
	ctx := context.Background()

	first, err := m.List(ctx, false)
	if err != nil {
		t.Fatalf("List() returned an error: %v", err)
	}
	if first.FromCache {
		t.Errorf("Expected the first listing to come from feeds")
	}
	if len(first.List) != 2 || first.List[0].ID != "http://2.2.2.2:80" {
		t.Fatalf("Expected sorted list with the highest score first, got %+v", first.List)
	}

	second, err := m.List(ctx, false)
	if err != nil {
		t.Fatalf("List() returned an error: %v", err)
	}
	if !second.FromCache || s.calls.Load() != 1 {
		t.Errorf("Expected cached result without scraping again (calls=%d)", s.calls.Load())
	}

	if _, err := m.List(ctx, true); err != nil {
		t.Fatalf("List(refresh) returned an error: %v", err)
	}
	if s.calls.Load() != 2 {
		t.Errorf("Expected refresh to scrape again, calls=%d", s.calls.Load())
	}
}

func TestList_LoadsPersistedCache(t *testing.T) {
	kv := storage.NewMemoryStorage()
	ctx := context.Background()
	stored := []model.ProxyDescriptor{{ID: "http://3.3.3.3:80", URL: "http://3.3.3.3:80"}}
	if err := kv.Save(ctx, storage.KeyProxyCache, stored); err != nil {
		t.Fatal(err)
	}

	s := &countingScraper{}
	m := newTestManager(s, kv)
	got, err := m.List(ctx, false)
	if err != nil {
		t.Fatalf("List() returned an error: %v", err)
	}
	if !got.FromCache || len(got.List) != 1 || s.calls.Load() != 0 {
		t.Errorf("Expected persisted cache to be served, got %+v (calls=%d)", got, s.calls.Load())
	}
}

func TestRefresh_FailureKeepsPreviousCache(t *testing.T) {
	s := &countingScraper{records: []model.RawRecord{{Proxy: "http://1.1.1.1:80"}}}
	m := newTestManager(s, storage.NewMemoryStorage())
	ctx := context.Background()

	if _, err := m.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() returned an error: %v", err)
	}

	s.err = errors.New("feed down")
	if _, err := m.Refresh(ctx); !errors.Is(err, aggregator.ErrAllFeedsFailed) {
		t.Fatalf("Expected ErrAllFeedsFailed, got %v", err)
	}

	got, err := m.List(ctx, false)
	if err != nil || len(got.List) != 1 {
		t.Errorf("Expected previous cache to survive, got %+v err=%v", got, err)
	}
}

func TestRefresh_NoValidRecords(t *testing.T) {
	s := &countingScraper{records: []model.RawRecord{{Proxy: "garbage"}}}
	m := newTestManager(s, storage.NewMemoryStorage())
	if _, err := m.Refresh(context.Background()); !errors.Is(err, ErrNoValidProxies) {
		t.Fatalf("Expected ErrNoValidProxies, got %v", err)
	}
}

func TestList_ForcedRefreshIsThrottled(t *testing.T) {
	s := &countingScraper{records: []model.RawRecord{{Proxy: "http://1.1.1.1:80"}}}
	m := newTestManager(s, storage.NewMemoryStorage())
	m.SetRefreshLimit(time.Hour)
	ctx := context.Background()

	if _, err := m.List(ctx, false); err != nil {
		t.Fatalf("List() returned an error: %v", err)
	}
	if _, err := m.List(ctx, true); err != nil {
		t.Fatalf("List(refresh) returned an error: %v", err)
	}
	if s.calls.Load() != 2 {
		t.Fatalf("Expected the first forced refresh to scrape, calls=%d", s.calls.Load())
	}

	throttled, err := m.List(ctx, true)
	if err != nil {
		t.Fatalf("List(refresh) returned an error: %v", err)
	}
	if s.calls.Load() != 2 || !throttled.FromCache {
		t.Errorf("Expected throttled refresh to serve the cache (calls=%d, fromCache=%v)", s.calls.Load(), throttled.FromCache)
	}
}
