package settings

import (
	"context"
	"testing"
	"time"

	"proxyswitch/proxypool/storage"
)

type chanSubscriber chan UIPrefs

func (c chanSubscriber) OnPrefsUpdate(p UIPrefs) error {
	c <- p
	return nil
}

func TestManager_DefaultsAndPersistence(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStorage()

	m, err := NewManager(ctx, kv, 50)
	if err != nil {
		t.Fatalf("NewManager() returned an error: %v", err)
	}
	if got := m.Get(); got.Protocol != "all" || got.Limit != 50 {
		t.Errorf("Expected defaults {all 50}, got %+v", got)
	}

	sub := make(chanSubscriber, 1)
	m.Register(sub)

	got, err := m.Update(ctx, UIPrefs{Protocol: " SOCKS5 ", Limit: 9999})
	if err != nil {
		t.Fatalf("Update() returned an error: %v", err)
	}
	if got.Protocol != "socks5" || got.Limit != MaxLimit {
		t.Errorf("Expected {socks5 %d}, got %+v", MaxLimit, got)
	}

	select {
	case p := <-sub:
		if p != got {
			t.Errorf("Expected subscriber to receive %+v, got %+v", got, p)
		}
	case <-time.After(time.Second):
		t.Error("Expected subscriber to be notified")
	}

	reloaded, err := NewManager(ctx, kv, 50)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Get() != got {
		t.Errorf("Expected persisted prefs %+v, got %+v", got, reloaded.Get())
	}
}

func TestClampLimit(t *testing.T) {
	cases := []struct{ in, fallback, want int }{
		{0, 50, 50},
		{-3, 50, 50},
		{1, 50, 1},
		{500, 50, 500},
		{501, 50, 500},
		{0, 0, 1},
	}
	for _, c := range cases {
		if got := ClampLimit(c.in, c.fallback); got != c.want {
			t.Errorf("ClampLimit(%d, %d): expected %d, got %d", c.in, c.fallback, c.want, got)
		}
	}
}
