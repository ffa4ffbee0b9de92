package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/yaront1111/mandarin-sub009/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.kv.snapshot.json   (periodic snapshot of the key-value map)
//   - <prefix>.kv.journal.jsonl   (append-only journal, compacted into the snapshot)
//   - <prefix>.queue.<name>.json  (whole-file JSON array per named queue)
//
// Queue saves go through a temp file + rename so a crash never leaves a
// half-written queue on disk.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	prefix string

	kvSnapshotPath string
	kvJournalFile  *os.File
	kv             map[string]json.RawMessage
	kvWrites       int

	queues map[string][][]byte // loaded lazily per name
	closed bool
}

type kvRecord struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
	Del   bool            `json:"del,omitempty"`
}

const kvCompactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".kv.snapshot.json"
	journalPath := prefix + ".kv.journal.jsonl"

	// Load KV from snapshot + journal.
	kv := map[string]json.RawMessage{}
	_ = loadKVSnapshot(snapPath, kv)
	_ = replayKVJournal(journalPath, kv)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:            log,
		prefix:         prefix,
		kvSnapshotPath: snapPath,
		kvJournalFile:  jf,
		kv:             kv,
		queues:         map[string][][]byte{},
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.kvJournalFile != nil {
		err := s.kvJournalFile.Close()
		s.kvJournalFile = nil
		return err
	}
	return nil
}

// ---- KV ----

func (s *fileStore) Put(ctx context.Context, key string, value []byte) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	if !json.Valid(value) {
		return errors.New("storage: value must be valid JSON")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.kv[key] = append(json.RawMessage(nil), value...)
	return s.journalLocked(kvRecord{Key: key, Value: s.kv[key]})
}

func (s *fileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	v, ok := s.kv[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *fileStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.kv[key]; !ok {
		return nil
	}
	delete(s.kv, key)
	return s.journalLocked(kvRecord{Key: key, Del: true})
}

func (s *fileStore) journalLocked(r kvRecord) error {
	if s.kvJournalFile == nil {
		return ErrClosed
	}
	enc := json.NewEncoder(s.kvJournalFile)
	if err := enc.Encode(r); err != nil {
		return err
	}
	s.kvWrites++
	if s.kvWrites%kvCompactEvery == 0 {
		// Best-effort compact.
		if err := s.compactKVLocked(); err != nil {
			s.log.Debug("kv compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactKVLocked() error {
	tmp := s.kvSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.kv); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.kvSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.kvJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.kvJournalFile.Seek(0, 2)
	return err
}

func loadKVSnapshot(path string, out map[string]json.RawMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]json.RawMessage
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayKVJournal(path string, out map[string]json.RawMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r kvRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		if r.Del {
			delete(out, r.Key)
			continue
		}
		out[r.Key] = r.Value
	}
	return sc.Err()
}

// ---- Named queues ----

func (s *fileStore) queuePath(name string) string {
	return s.prefix + ".queue." + sanitizeName(name) + ".json"
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}

// loadQueueLocked loads a queue into memory once; later ops work on the
// in-memory copy and persist whole-file.
func (s *fileStore) loadQueueLocked(name string) ([][]byte, error) {
	if q, ok := s.queues[name]; ok {
		return q, nil
	}
	var items [][]byte
	f, err := os.Open(s.queuePath(name))
	if err == nil {
		defer f.Close()
		var raw []json.RawMessage
		if derr := json.NewDecoder(f).Decode(&raw); derr == nil {
			items = make([][]byte, 0, len(raw))
			for _, r := range raw {
				items = append(items, append([]byte(nil), r...))
			}
		} else {
			s.log.Warn("queue file unreadable; starting empty", logx.String("queue", name), logx.Err(derr))
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	s.queues[name] = items
	return items, nil
}

func (s *fileStore) saveQueueLocked(name string) error {
	items := s.queues[name]
	raw := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		raw = append(raw, json.RawMessage(it))
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	path := s.queuePath(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) ReplaceQueue(ctx context.Context, name string, items [][]byte) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.loadQueueLocked(name); err != nil {
		return err
	}
	prev := s.queues[name]
	cp := make([][]byte, 0, len(items))
	for _, it := range items {
		if !json.Valid(it) {
			return errors.New("storage: queue item must be valid JSON")
		}
		cp = append(cp, append([]byte(nil), it...))
	}
	s.queues[name] = cp
	if err := s.saveQueueLocked(name); err != nil {
		// Roll back the in-memory state so memory and disk stay consistent.
		s.queues[name] = prev
		return err
	}
	return nil
}

func (s *fileStore) AppendQueue(ctx context.Context, name string, item []byte) error {
	_ = ctx
	if !json.Valid(item) {
		return errors.New("storage: queue item must be valid JSON")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.loadQueueLocked(name); err != nil {
		return err
	}
	prev := s.queues[name]
	s.queues[name] = append(prev, append([]byte(nil), item...))
	if err := s.saveQueueLocked(name); err != nil {
		s.queues[name] = prev
		return err
	}
	return nil
}

func (s *fileStore) LoadQueue(ctx context.Context, name string) ([][]byte, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	items, err := s.loadQueueLocked(name)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(items))
	for _, it := range items {
		out = append(out, append([]byte(nil), it...))
	}
	return out, nil
}

func (s *fileStore) Compact(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.compactKVLocked()
}
