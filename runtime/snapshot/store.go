// Package snapshot persists migrated plugin state so it also survives a
// process restart, not only a hot reload.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Snapshot is one saved state blob plus where it came from.
type Snapshot struct {
	SessionID  string    `json:"session_id"`
	Generation uint64    `json:"generation"`
	Image      string    `json:"image"`
	SavedAt    time.Time `json:"saved_at"`
	Data       []byte    `json:"data"`
}

// Store keeps the most recent snapshot.
type Store interface {
	Put(ctx context.Context, s Snapshot) error
	// Latest returns the newest snapshot; ok is false when none exists.
	Latest(ctx context.Context) (s Snapshot, ok bool, err error)
	Close() error
}

var latestKey = []byte("snapshot/latest")

// Config configures a badger-backed store.
type Config struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string

	// InMemory keeps everything in memory (tests).
	InMemory bool

	// Logger receives badger's internal log output. Nil disables it.
	Logger *slog.Logger
}

// BadgerStore is a Store on top of BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens (or creates) a badger store.
func Open(cfg Config) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent snapshot store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create snapshot directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Put(_ context.Context, snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(latestKey, raw)
	}); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func (s *BadgerStore) Latest(_ context.Context) (Snapshot, bool, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(latestKey)
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// MemoryStore is a Store that keeps the snapshot in process memory. It is
// used when persistence is disabled so the HTTP surface can still show the
// last migrated state.
type MemoryStore struct {
	mu   sync.RWMutex
	snap *Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Put(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := s
	cp.Data = append([]byte(nil), s.Data...)
	m.snap = &cp
	return nil
}

func (m *MemoryStore) Latest(_ context.Context) (Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snap == nil {
		return Snapshot{}, false, nil
	}
	return *m.snap, true, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
