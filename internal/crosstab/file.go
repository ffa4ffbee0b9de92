package crosstab

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/yaront1111/mandarin-sub009/pkg/logx"
)

const (
	fileWatchBackoffBase = 500 * time.Millisecond
	fileWatchBackoffMax  = 30 * time.Second

	// safety drain for fsnotify backends that coalesce or miss writes
	fileDrainInterval = 5 * time.Second
)

// FileChannel emulates cross-process storage events with a shared JSONL
// file: Append writes one tagged record per line, Run tails the file from
// the attach point and wakes on fsnotify write events. History written
// before Run starts is deliberately skipped; a freshly opened tab has no
// peers' past to replay.
type FileChannel struct {
	path string
	log  logx.Logger

	mu     sync.Mutex // guards appends and closed
	closed bool

	offset int64 // read cursor; owned by the Run goroutine
}

var _ Channel = (*FileChannel)(nil)

// NewFileChannel builds a channel over the shared file at path, creating
// the parent directory if needed.
func NewFileChannel(path string, log logx.Logger) (*FileChannel, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("crosstab: file channel path is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("crosstab: create channel dir: %w", err)
	}
	return &FileChannel{path: path, log: log}, nil
}

func (f *FileChannel) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("crosstab: encode record: %w", err)
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("crosstab: open channel file: %w", err)
	}
	defer fh.Close()
	if _, err := fh.Write(line); err != nil {
		return fmt.Errorf("crosstab: append record: %w", err)
	}
	return nil
}

// Run tails the channel file until ctx is done. The watcher is recreated
// with jittered backoff when it breaks; a slow ticker drains regardless of
// events so coalesced or dropped notifications cannot stall delivery.
func (f *FileChannel) Run(ctx context.Context, deliver func(Record)) error {
	dir := filepath.Dir(f.path)
	base := filepath.Base(f.path)

	// attach point: everything already in the file is history
	if info, err := os.Stat(f.path); err == nil {
		f.offset = info.Size()
	}

	backoff := fileWatchBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < fileWatchBackoffMax {
			backoff *= 2
			if backoff > fileWatchBackoffMax {
				backoff = fileWatchBackoffMax
			}
		}
		return wait
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err != nil {
			f.log.Warn("crosstab watch init failed", logx.Err(err), logx.String("dir", dir))
			if !sleepCtx(ctx, nextWait()) {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			f.log.Warn("crosstab watch add failed", logx.Err(err), logx.String("dir", dir))
			if !sleepCtx(ctx, nextWait()) {
				return nil
			}
			continue
		}
		backoff = fileWatchBackoffBase
		f.log.Debug("crosstab file watcher started", logx.String("path", f.path))

		tick := time.NewTicker(fileDrainInterval)
		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				tick.Stop()
				_ = w.Close()
				return nil
			case <-tick.C:
				f.drain(deliver)
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if !strings.EqualFold(filepath.Base(ev.Name), base) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					f.drain(deliver)
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				f.log.Warn("crosstab watch error", logx.Err(err), logx.String("dir", dir))
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
				}
			}
		}
		tick.Stop()
		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		if !sleepCtx(ctx, nextWait()) {
			return nil
		}
	}
}

// drain reads complete lines past the cursor and delivers them. A partial
// trailing line (a writer mid-append) stays unread until its newline
// lands. A file shorter than the cursor means the janitor truncated it;
// the cursor resets to zero, which is safe because records are idempotent.
func (f *FileChannel) drain(deliver func(Record)) {
	info, err := os.Stat(f.path)
	if err != nil {
		return
	}
	if info.Size() < f.offset {
		f.offset = 0
	}
	if info.Size() == f.offset {
		return
	}

	fh, err := os.Open(f.path)
	if err != nil {
		f.log.Warn("crosstab drain open failed", logx.Err(err), logx.String("path", f.path))
		return
	}
	defer fh.Close()
	if _, err := fh.Seek(f.offset, io.SeekStart); err != nil {
		f.log.Warn("crosstab drain seek failed", logx.Err(err))
		return
	}

	r := bufio.NewReader(fh)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			// incomplete trailing fragment; retry on the next wake
			return
		}
		f.offset += int64(len(line))
		var rec Record
		if uerr := json.Unmarshal(line, &rec); uerr != nil {
			f.log.Warn("crosstab record malformed; skipped", logx.Err(uerr))
			continue
		}
		deliver(rec)
	}
}

// Truncate empties the channel file. Readers detect the shrink and reset
// their cursors.
func (f *FileChannel) Truncate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if _, err := os.Stat(f.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return os.Truncate(f.path, 0)
}

func (f *FileChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
