package app

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"task-outbox/internal/config"
	"task-outbox/internal/models"
	"task-outbox/internal/repository"
	"testing"
	"time"
)

func TestFlags_OverrideConfig(t *testing.T) {
	t.Setenv(config.EnvPath, "")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags := RegisterFlags(fs)
	if err := fs.Parse([]string{"-driver", "sqlite", "-db", "/tmp/x.db", "-endpoint", "https://api.example.com/up", "-log-level", "debug"}); err != nil {
		t.Fatalf("failed to parse flags: %v", err)
	}

	cfg, err := flags.LoadConfig()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.Path != "/tmp/x.db" {
		t.Errorf("unexpected store %+v", cfg.Store)
	}
	if cfg.Upload.Endpoint != "https://api.example.com/up" || cfg.Log.Level != "debug" {
		t.Errorf("unexpected overrides %+v %+v", cfg.Upload, cfg.Log)
	}
}

func TestFlags_RejectInvalidOverride(t *testing.T) {
	t.Setenv(config.EnvPath, "")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags := RegisterFlags(fs)
	fs.Parse([]string{"-driver", "postgres"})

	if _, err := flags.LoadConfig(); err == nil {
		t.Error("expected invalid driver to be rejected")
	}
}

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Store.Driver = repository.DriverSQLite
	cfg.Store.Path = filepath.Join(dir, "outbox.db")
	cfg.Device.IDFile = filepath.Join(dir, "device_id")
	cfg.Upload.Endpoint = "http://127.0.0.1:1/upload"
	cfg.Log.Level = "error"
	return cfg
}

func TestNew_WiresPersistentOutbox(t *testing.T) {
	cfg := testConfig(t)

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	stored, err := os.ReadFile(cfg.Device.IDFile)
	if err != nil {
		t.Fatalf("expected device id file, got %v", err)
	}
	if strings.TrimSpace(string(stored)) != a.DeviceID {
		t.Errorf("expected persisted device id %s, got %s", a.DeviceID, stored)
	}

	result, err := a.Uploads.Enqueue(context.Background(), models.UploadDescriptor{TaskID: "task-1", File: []byte("data")})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	a.Close()

	// the failed upload and the device id survive a restart
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	defer b.Close()

	if b.DeviceID != a.DeviceID {
		t.Errorf("expected stable device id, got %s and %s", a.DeviceID, b.DeviceID)
	}
	record, err := b.Repo.Get(context.Background(), result.Record.ID)
	if err != nil {
		t.Fatalf("expected queued upload after restart, got %v", err)
	}
	if record.Status != models.StatusFailed || record.DeviceID != a.DeviceID {
		t.Errorf("unexpected record %+v", record)
	}
}

func TestRun_StopsWithContext(t *testing.T) {
	a, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return after cancel")
	}
	if a.Scheduler.IsRunning() {
		t.Error("expected scheduler to be stopped")
	}
}
