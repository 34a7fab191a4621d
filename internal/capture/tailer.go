// Package capture tails a JSONL capture log and feeds each record into
// the ingestion engine. The file is written by the terminal capture
// integration, one JSON object per line; the tailer follows appends,
// survives rotation and truncation, and tolerates the file not existing
// yet.
package capture

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/huntlog/huntlog/pkg/types"
)

// Submitter accepts parsed records; the engine implements it.
type Submitter interface {
	Submit(ctx context.Context, rec types.Record) error
}

// Config tunes the tailer.
type Config struct {
	// Path is the capture log to follow.
	Path string
	// FromStart replays the whole existing file instead of starting at
	// the current end.
	FromStart bool
	// PollInterval is the fallback scan cadence when filesystem events
	// are unavailable or quiet. Also catches renames fsnotify misses.
	PollInterval time.Duration
}

// Tailer follows one capture log.
type Tailer struct {
	cfg    Config
	sink   Submitter
	logger *slog.Logger

	offset  int64
	partial []byte
}

func NewTailer(cfg Config, sink Submitter, logger *slog.Logger) *Tailer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Tailer{cfg: cfg, sink: sink, logger: logger}
}

// Run follows the file until ctx is done. It blocks.
func (t *Tailer) Run(ctx context.Context) error {
	if !t.cfg.FromStart {
		if fi, err := os.Stat(t.cfg.Path); err == nil {
			t.offset = fi.Size()
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		t.logger.Warn("fsnotify unavailable, polling only", "error", err)
	} else {
		defer watcher.Close()
		// Watch the directory: the file itself may not exist yet, and
		// rotation replaces the inode.
		if err := watcher.Add(filepath.Dir(t.cfg.Path)); err != nil {
			t.logger.Warn("watch capture dir", "error", err)
		}
	}

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	// Catch anything written between Stat and the first wakeup.
	t.drain(ctx)

	var watchEvents chan fsnotify.Event
	var watchErrors chan error
	if watcher != nil {
		watchEvents = watcher.Events
		watchErrors = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watchEvents:
			if !ok {
				watchEvents = nil
				continue
			}
			if ev.Name == t.cfg.Path && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				t.drain(ctx)
			}
		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			t.logger.Warn("capture watch error", "error", err)
		case <-ticker.C:
			t.drain(ctx)
		}
	}
}

// drain reads every complete line appended since the last offset.
func (t *Tailer) drain(ctx context.Context) {
	f, err := os.Open(t.cfg.Path)
	if err != nil {
		return // not created yet, or rotated away mid-swap
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return
	}
	if fi.Size() < t.offset {
		// Truncated or rotated: the new file starts fresh.
		t.logger.Info("capture log rotated", "path", t.cfg.Path)
		t.offset = 0
		t.partial = nil
	}
	if fi.Size() == t.offset {
		return
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		t.logger.Warn("seek capture log", "error", err)
		return
	}

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && err == nil {
			t.offset += int64(len(line))
			full := line
			if len(t.partial) > 0 {
				full = append(t.partial, line...)
				t.partial = nil
			}
			t.submitLine(ctx, full)
			continue
		}
		if len(line) > 0 {
			// Incomplete trailing line: hold it until the writer
			// finishes it.
			t.offset += int64(len(line))
			t.partial = append(t.partial, line...)
		}
		return
	}
}

func (t *Tailer) submitLine(ctx context.Context, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	var rec types.Record
	if err := json.Unmarshal(line, &rec); err != nil {
		t.logger.Warn("skip malformed capture line", "error", err)
		return
	}
	if rec.Command == "" {
		return
	}
	if err := t.sink.Submit(ctx, rec); err != nil {
		t.logger.Error("submit capture record", "error", err)
	}
}

// WriteRecord appends one record to a capture log in the same format the
// tailer reads. Used by the ingest API when records arrive over HTTP.
func WriteRecord(path string, rec types.Record) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open capture log: %w", err)
	}
	defer f.Close()
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	b = append(b, '\n')
	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}
