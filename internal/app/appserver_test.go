package app

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"proxyswitch/internal/shared/config"
	"proxyswitch/internal/shared/types"
	"proxyswitch/proxypool/storage"
)

func testConfig(backend string) *types.Config {
	cfg := &types.Config{}
	cfg.StorageConf.Backend = backend
	config.ApplyDefaults(cfg)
	return cfg
}

func TestNewStorage_Backends(t *testing.T) {
	dir := t.TempDir()

	st, client, err := newStorage(&types.StorageConf{Backend: "memory"}, dir)
	if err != nil || client != nil {
		t.Fatalf("memory backend: unexpected result client=%v err=%v", client, err)
	}
	if _, ok := st.(*storage.MemoryStorage); !ok {
		t.Errorf("Expected *MemoryStorage, got %T", st)
	}

	st, _, err = newStorage(&types.StorageConf{Backend: "file", FilePath: "state.json"}, dir)
	if err != nil {
		t.Fatalf("file backend returned an error: %v", err)
	}
	if err := st.Save(context.Background(), "k", "v"); err != nil {
		t.Fatalf("Save() returned an error: %v", err)
	}
	var got string
	reloaded := storage.NewFileStorage(filepath.Join(dir, "state.json"))
	if ok, err := reloaded.Load(context.Background(), "k", &got); !ok || err != nil || got != "v" {
		t.Errorf("Expected relative file path to resolve inside config dir, got ok=%v err=%v value=%q", ok, err, got)
	}

	if _, _, err := newStorage(&types.StorageConf{Backend: "etcd"}, dir); err == nil {
		t.Error("Expected an error for an unknown backend")
	}
}

func TestNewStorage_Redis(t *testing.T) {
	mr := miniredis.RunT(t)

	st, client, err := newStorage(&types.StorageConf{Backend: "redis", RedisAddr: mr.Addr(), RedisPrefix: "ps:"}, t.TempDir())
	if err != nil {
		t.Fatalf("redis backend returned an error: %v", err)
	}
	defer client.Close()

	if err := st.Save(context.Background(), "cursor", 3); err != nil {
		t.Fatalf("Save() returned an error: %v", err)
	}
	if !mr.Exists("ps:cursor") {
		t.Error("Expected key to be written with the configured prefix")
	}
}

func TestNewStorage_RedisUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	if _, _, err := newStorage(&types.StorageConf{Backend: "redis", RedisAddr: addr}, t.TempDir()); err == nil {
		t.Error("Expected an error when redis is unreachable")
	}
}

func TestNew_WiresComponents(t *testing.T) {
	s, err := New(testConfig("memory"), t.TempDir())
	if err != nil {
		t.Fatalf("New() returned an error: %v", err)
	}
	defer s.Stop()

	if s.orchestrator == nil || s.applier == nil || s.webServer == nil {
		t.Fatal("Expected core components to be initialized")
	}
	if s.gateway != nil {
		t.Error("Expected gateway to be disabled when port is 0")
	}
	if _, ok := s.applier.Active(); ok {
		t.Error("Expected no active proxy on a fresh store")
	}
}

func TestNew_RejectsMissingGeoIPDatabase(t *testing.T) {
	cfg := testConfig("memory")
	cfg.GeoIPConf.DatabasePath = "missing.mmdb"
	if _, err := New(cfg, t.TempDir()); err == nil {
		t.Error("Expected an error for a missing geoip database")
	}
}
