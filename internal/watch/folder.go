package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"task-outbox/internal/models"
	"task-outbox/internal/service"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
)

// DoneDir is the subdirectory enqueued files are moved into
const DoneDir = ".queued"

// DefaultSettle is how long a file must go without writes before it is enqueued
const DefaultSettle = 500 * time.Millisecond

// Enqueuer accepts uploads
type Enqueuer interface {
	Enqueue(ctx context.Context, desc models.UploadDescriptor) (*service.EnqueueResult, error)
}

// Folder turns files dropped into a directory into queued uploads for one task
type Folder struct {
	dir      string
	taskID   string
	enqueuer Enqueuer
	settle   time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	ready  chan string
	done   chan struct{}
}

// NewFolder creates a watcher for dir. settle of zero uses DefaultSettle.
func NewFolder(dir, taskID string, enqueuer Enqueuer, settle time.Duration) *Folder {
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &Folder{
		dir:      dir,
		taskID:   taskID,
		enqueuer: enqueuer,
		settle:   settle,
		timers:   make(map[string]*time.Timer),
		ready:    make(chan string, 64),
		done:     make(chan struct{}),
	}
}

// Run enqueues files already in the folder, then every file that appears
// until ctx is done. A Folder runs once.
func (f *Folder) Run(ctx context.Context) error {
	defer close(f.done)

	if err := os.MkdirAll(filepath.Join(f.dir, DoneDir), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", DoneDir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(f.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", f.dir, err)
	}

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", f.dir, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && !skipped(entry.Name()) {
			f.process(ctx, filepath.Join(f.dir, entry.Name()))
		}
	}

	slog.Info("watching folder for uploads", slog.String("dir", f.dir), slog.String("task_id", f.taskID))

	defer f.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 || skipped(filepath.Base(event.Name)) {
				continue
			}
			f.schedule(event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("folder watcher error", slog.String("error", err.Error()))
		case path := <-f.ready:
			f.process(ctx, path)
		}
	}
}

// schedule (re)starts the settle timer for path
func (f *Folder) schedule(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if t, ok := f.timers[path]; ok {
		t.Reset(f.settle)
		return
	}
	f.timers[path] = time.AfterFunc(f.settle, func() {
		f.mu.Lock()
		delete(f.timers, path)
		f.mu.Unlock()
		f.deliver(path)
	})
}

// deliver hands a settled path to Run. It reports false once Run has returned.
func (f *Folder) deliver(path string) bool {
	select {
	case f.ready <- path:
		return true
	case <-f.done:
		return false
	}
}

func (f *Folder) stopTimers() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for path, t := range f.timers {
		t.Stop()
		delete(f.timers, path)
	}
}

// process enqueues one file and moves it into DoneDir once it is persisted
func (f *Folder) process(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("failed to read dropped file", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	if len(data) == 0 {
		return
	}

	name := filepath.Base(path)
	result, err := f.enqueuer.Enqueue(ctx, models.UploadDescriptor{
		TaskID:      f.taskID,
		DisplayName: strings.TrimSuffix(name, filepath.Ext(name)),
		FileName:    name,
		File:        data,
	})
	if err != nil {
		slog.Error("failed to enqueue dropped file", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	dest := filepath.Join(f.dir, DoneDir, fmt.Sprintf("%d-%s", result.Record.ID, name))
	if err := os.Rename(path, dest); err != nil {
		slog.Error("failed to move enqueued file", slog.String("path", path), slog.String("error", err.Error()))
	}

	slog.Info("dropped file enqueued", slog.String("file", name), slog.String("size", humanize.Bytes(uint64(info.Size()))),
		slog.Int64("record_id", result.Record.ID), slog.String("outcome", string(result.Outcome)))
}

func skipped(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".part")
}
