package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type sample struct {
	Name  string    `json:"name"`
	Count int       `json:"count"`
	At    time.Time `json:"at"`
}

func exerciseStorage(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()

	var missing sample
	ok, err := s.Load(ctx, "absent", &missing)
	if err != nil || ok {
		t.Fatalf("Load(absent) = %v, %v; want false, nil", ok, err)
	}

	in := sample{Name: "alpha", Count: 3, At: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	if err := s.Save(ctx, KeyUIPrefs, in); err != nil {
		t.Fatalf("Save() returned an error: %v", err)
	}
	if err := s.Save(ctx, KeyActiveProxy, nil); err != nil {
		t.Fatalf("Save(nil) returned an error: %v", err)
	}

	var out sample
	ok, err = s.Load(ctx, KeyUIPrefs, &out)
	if err != nil || !ok {
		t.Fatalf("Load() = %v, %v; want true, nil", ok, err)
	}
	if out.Name != in.Name || out.Count != in.Count || !out.At.Equal(in.At) {
		t.Errorf("Load() = %+v, want %+v", out, in)
	}

	in.Count = 4
	if err := s.Save(ctx, KeyUIPrefs, in); err != nil {
		t.Fatalf("Save() returned an error: %v", err)
	}
	if _, err := s.Load(ctx, KeyUIPrefs, &out); err != nil || out.Count != 4 {
		t.Errorf("Expected last write to win, got %+v (err=%v)", out, err)
	}
}

func TestMemoryStorage(t *testing.T) {
	exerciseStorage(t, NewMemoryStorage())
}

func TestFileStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	exerciseStorage(t, NewFileStorage(path))

	// A second instance sees the persisted document.
	var out sample
	ok, err := NewFileStorage(path).Load(context.Background(), KeyUIPrefs, &out)
	if err != nil || !ok || out.Name != "alpha" {
		t.Errorf("Expected persisted value, got %+v ok=%v err=%v", out, ok, err)
	}
}

func TestFileStorage_CorruptFileIsOverwritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	fs := NewFileStorage(path)

	var out sample
	if _, err := fs.Load(context.Background(), KeyUIPrefs, &out); err == nil {
		t.Error("Expected an error when loading a corrupt file")
	}
	if err := fs.Save(context.Background(), KeyUIPrefs, sample{Name: "fresh"}); err != nil {
		t.Fatalf("Save() returned an error: %v", err)
	}
	if ok, err := fs.Load(context.Background(), KeyUIPrefs, &out); err != nil || !ok || out.Name != "fresh" {
		t.Errorf("Expected overwritten value, got %+v ok=%v err=%v", out, ok, err)
	}
}

func TestRedisStorage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStorage(client, "test:")
	exerciseStorage(t, s)

	if !mr.Exists("test:" + KeyUIPrefs) {
		t.Errorf("Expected prefixed key to exist in redis")
	}
}
