package snapshot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
	"github.com/yndnr/wayback-rpki/internal/storage/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLocalManager(t *testing.T, cfg Config) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := Open(dir, cfg, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return m, dir
}

func TestManager_SaveLoad(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zstd", Config{}},
		{"plain", Config{Compression: CompressionNone}},
		{"aes-gcm", Config{Passphrase: []byte("correct horse battery")}},
		{"chacha20", Config{Passphrase: []byte("correct horse battery"), Cipher: CipherChaCha20}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newLocalManager(t, tt.cfg)
			idx := sampleIndex(t)

			info, err := m.Save(context.Background(), idx.View())
			if err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			if info.Entries != 4 || len(info.Anchors) != 3 || info.Encrypted != (tt.cfg.Passphrase != nil) {
				t.Errorf("Save() info = %+v", info)
			}

			c, loaded, err := m.Load(context.Background())
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if loaded.Name != info.Name || loaded.Checksum != info.Checksum {
				t.Errorf("Load() info = %+v, want %+v", loaded, info)
			}
			restored := memory.New()
			if err := c.Restore(restored); err != nil {
				t.Fatalf("Restore() error = %v", err)
			}
			sameContent(t, idx.View(), restored.View())
		})
	}
}

func TestManager_EmptyIndex(t *testing.T) {
	m, _ := newLocalManager(t, Config{})
	if _, err := m.Save(context.Background(), memory.New().View()); err != nil {
		t.Fatal(err)
	}
	c, info, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if info.Entries != 0 || len(c.Entries) != 0 || len(c.Anchors) != 0 {
		t.Errorf("Load() = %+v, %+v", c, info)
	}
}

func TestManager_NotFound(t *testing.T) {
	m, _ := newLocalManager(t, Config{})
	if _, _, err := m.Load(context.Background()); !errors.Is(err, domain.ErrCheckpointNotFound) {
		t.Errorf("Load() error = %v, want ErrCheckpointNotFound", err)
	}
}

func TestManager_FallbackOnCorruption(t *testing.T) {
	m, dir := newLocalManager(t, Config{})
	ctx := context.Background()

	idx := sampleIndex(t)
	older, err := m.Save(ctx, idx.View())
	if err != nil {
		t.Fatal(err)
	}
	newer, err := m.Save(ctx, memory.New().View())
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, newer.Name)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)/2] ^= 0xff
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	c, info, err := m.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if info.Name != older.Name || len(c.Entries) != 4 {
		t.Errorf("Load() returned %s with %d entries, want %s", info.Name, len(c.Entries), older.Name)
	}

	// With every checkpoint corrupt the error is distinguishable.
	if err := os.WriteFile(filepath.Join(dir, older.Name), []byte("WBRPKICK garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.Load(ctx); !errors.Is(err, domain.ErrCheckpointCorrupt) {
		t.Errorf("Load() error = %v, want ErrCheckpointCorrupt", err)
	}
}

func TestManager_VersionMismatch(t *testing.T) {
	m, dir := newLocalManager(t, Config{Compression: CompressionNone})
	blob := frame([]byte(`{"version":99,"compression":"none"}`), nil)
	if err := os.WriteFile(filepath.Join(dir, filePrefix+"01HZZZZZZZZZZZZZZZZZZZZZZZ"+fileExtension), blob, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.Load(context.Background()); !errors.Is(err, domain.ErrCheckpointVersion) {
		t.Errorf("Load() error = %v, want ErrCheckpointVersion", err)
	}
}

func TestManager_WrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	w, err := Open(dir, Config{Passphrase: []byte("first passphrase")}, WithLogger(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Save(ctx, sampleIndex(t).View()); err != nil {
		t.Fatal(err)
	}

	for name, cfg := range map[string]Config{
		"wrong":   {Passphrase: []byte("second passphrase")},
		"missing": {},
	} {
		t.Run(name, func(t *testing.T) {
			r, err := Open(dir, cfg, WithLogger(discardLogger()))
			if err != nil {
				t.Fatal(err)
			}
			if _, _, err := r.Load(ctx); !errors.Is(err, ErrDecrypt) {
				t.Errorf("Load() error = %v, want ErrDecrypt", err)
			}
		})
	}

	if _, err := Open(dir, Config{Passphrase: []byte("short")}); err == nil {
		t.Error("short passphrase accepted")
	}
}

func TestManager_Prune(t *testing.T) {
	m, dir := newLocalManager(t, Config{Keep: 2})
	ctx := context.Background()
	var last *Info
	for i := 0; i < 4; i++ {
		info, err := m.Save(ctx, memory.New().View())
		if err != nil {
			t.Fatal(err)
		}
		last = info
	}
	infos, err := m.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 || infos[1].Name != last.Name {
		t.Errorf("List() after prune = %d checkpoints", len(infos))
	}
	if infos[0].CreatedAt.IsZero() {
		t.Error("CreatedAt not derived from id")
	}
	// Foreign files are left alone.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := m.Prune(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Errorf("Prune() removed a foreign file: %v", err)
	}
}

func TestManager_Heartbeat(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/ping" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		hits.Add(1)
	}))
	defer srv.Close()

	m, _ := newLocalManager(t, Config{HeartbeatURL: srv.URL + "/ping"})
	if _, err := m.Save(context.Background(), memory.New().View()); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 1 {
		t.Errorf("heartbeat hits = %d, want 1", hits.Load())
	}

	// A failing heartbeat never fails the save.
	bad, _ := newLocalManager(t, Config{HeartbeatURL: srv.URL + "/missing"})
	if _, err := bad.Save(context.Background(), memory.New().View()); err != nil {
		t.Errorf("Save() with failing heartbeat error = %v", err)
	}
	down, _ := newLocalManager(t, Config{HeartbeatURL: "http://127.0.0.1:1/ping"})
	if _, err := down.Save(context.Background(), memory.New().View()); err != nil {
		t.Errorf("Save() with unreachable heartbeat error = %v", err)
	}
}

func TestOpenBackend(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		location string
		wantErr  bool
	}{
		{dir, false},
		{"file://" + dir, false},
		{"s3://bucket/x", true},
		{"", true},
	}
	for _, tt := range tests {
		_, err := OpenBackend(tt.location)
		if (err != nil) != tt.wantErr {
			t.Errorf("OpenBackend(%q) error = %v, wantErr %v", tt.location, err, tt.wantErr)
		}
	}
}
