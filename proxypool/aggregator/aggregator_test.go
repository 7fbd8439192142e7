package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"proxyswitch/proxypool/model"
)

// mockScraper returns canned records or an error.
type mockScraper struct {
	name    string
	records []model.RawRecord
	err     error
	delay   time.Duration
}

func (m *mockScraper) Name() string { return m.name }

func (m *mockScraper) Scrape(ctx context.Context) ([]model.RawRecord, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.records, m.err
}

func desc(id string, country string, score float64, https bool) model.ProxyDescriptor {
	return model.ProxyDescriptor{ID: id, URL: id, Country: country, Score: score, SupportsHTTPS: https}
}

func TestDedupe_PrefersKnownCountry(t *testing.T) {
	in := []model.ProxyDescriptor{
		desc("http://a:1", "ZZ", 9, true),
		desc("http://a:1", "US", 1, false),
	}
	out := Dedupe(in)
	if len(out) != 1 || out[0].Country != "US" {
		t.Fatalf("Expected the US record to win, got %+v", out)
	}
}

func TestDedupe_ScoreThenHTTPS(t *testing.T) {
	in := []model.ProxyDescriptor{
		desc("http://a:1", "US", 1, true),
		desc("http://a:1", "FR", 3, false),
		desc("http://b:1", "XX", 2, false),
		desc("http://b:1", "", 2, true),
		desc("http://c:1", "GB", 2, true),
		desc("http://c:1", "GB", 2, false),
	}
	out := Dedupe(in)
	if len(out) != 3 {
		t.Fatalf("Expected 3 unique records, got %d", len(out))
	}
	if out[0].Country != "FR" {
		t.Errorf("Expected higher score to win for a, got %+v", out[0])
	}
	if !out[1].SupportsHTTPS {
		t.Errorf("Expected https tie-break to win for b, got %+v", out[1])
	}
	if !out[2].SupportsHTTPS {
		t.Errorf("Expected first record to be kept on a full tie for c, got %+v", out[2])
	}
	if out[0].ID != "http://a:1" || out[1].ID != "http://b:1" || out[2].ID != "http://c:1" {
		t.Errorf("Expected first-appearance order, got %v", []string{out[0].ID, out[1].ID, out[2].ID})
	}
}

func TestDedupe_Idempotent(t *testing.T) {
	in := []model.ProxyDescriptor{
		desc("http://a:1", "ZZ", 1, false),
		desc("http://b:1", "US", 1, false),
		desc("http://a:1", "US", 0, false),
		desc("http://c:1", "FR", 4, true),
		desc("http://b:1", "US", 7, false),
	}
	once := Dedupe(in)
	twice := Dedupe(once)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("Dedupe is not idempotent:\n%v\n%v", once, twice)
	}
}

func TestCollect_PartialFailure(t *testing.T) {
	good := &mockScraper{name: "good", records: []model.RawRecord{
		{Proxy: "http://1.2.3.4:8080", Score: json.RawMessage(`5`), Geolocation: &model.Geolocation{Country: "US"}},
		{Proxy: "not a proxy"},
	}}
	other := &mockScraper{name: "other", records: []model.RawRecord{
		{Proxy: "http://1.2.3.4:8080", Score: json.RawMessage(`9`)},
		{Proxy: "socks5://9.9.9.9:1080"},
	}}
	bad := &mockScraper{name: "bad", err: errors.New("boom")}

	agg := New(time.Second, 2, good, bad, other)
	res, err := agg.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() returned an error: %v", err)
	}
	if res.Failed() != 1 {
		t.Errorf("Expected 1 failed feed, got %d", res.Failed())
	}
	if len(res.Proxies) != 2 {
		t.Fatalf("Expected 2 unique proxies, got %d", len(res.Proxies))
	}
	if res.Proxies[0].Country != "US" || res.Proxies[0].Source != "good" {
		t.Errorf("Expected known-country record from 'good' to win, got %+v", res.Proxies[0])
	}
	if res.Feeds[0].Dropped != 1 {
		t.Errorf("Expected 1 dropped record for 'good', got %d", res.Feeds[0].Dropped)
	}
}

func TestCollect_AllFeedsFailed(t *testing.T) {
	agg := New(time.Second, 0,
		&mockScraper{name: "a", err: errors.New("down")},
		&mockScraper{name: "b", err: errors.New("down")},
	)
	_, err := agg.Collect(context.Background())
	if !errors.Is(err, ErrAllFeedsFailed) {
		t.Fatalf("Expected ErrAllFeedsFailed, got %v", err)
	}
}

func TestCollect_SlowFeedTimesOut(t *testing.T) {
	slow := &mockScraper{name: "slow", delay: 5 * time.Second}
	fast := &mockScraper{name: "fast", records: []model.RawRecord{{Proxy: "http://1.1.1.1:80"}}}

	start := time.Now()
	res, err := New(100*time.Millisecond, 0, slow, fast).Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() returned an error: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Slow feed blocked aggregation")
	}
	if len(res.Proxies) != 1 || res.Failed() != 1 {
		t.Errorf("Expected 1 proxy and 1 failed feed, got %d proxies, %d failed", len(res.Proxies), res.Failed())
	}
}
