// Package cache stores reconstructed entity states in an embedded BadgerDB.
//
// Entries are keyed by (entity type, key, transaction id) and only ever
// written for points at or below the committed high-water mark, so a cached
// answer never goes stale. The cache is an accelerator: losing it loses
// nothing but latency.
package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config holds configuration for the cache database.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Useful for tests and short-lived CLIs.
	InMemory bool

	// SyncWrites fsyncs every write. Cached states can be recomputed, so
	// the default is off.
	SyncWrites bool

	// TTL expires entries after the given duration. Zero keeps them forever.
	TTL time.Duration

	// Logger receives BadgerDB's internal log lines. Nil disables them.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64
}

// DefaultConfig returns settings for a persistent cache at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns settings for an ephemeral cache.
func InMemoryConfig() Config {
	return Config{InMemory: true}
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

// Cache is a key/value store for encoded states.
//
// Thread Safety: safe for concurrent use.
type Cache struct {
	db   *badger.DB
	ttl  time.Duration
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// Open opens or creates the cache described by cfg.
func Open(cfg Config) (*Cache, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("cache path is required unless in-memory")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	c := &Cache{db: db, ttl: cfg.TTL, stop: make(chan struct{})}
	if !cfg.InMemory && cfg.GCInterval > 0 {
		c.wg.Add(1)
		go c.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return c, nil
}

// Get returns the value stored under key. found is false on a miss.
func (c *Cache) Get(key string) (value []byte, found bool, err error) {
	err = c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	return value, found, nil
}

// Set stores value under key.
func (c *Cache) Set(key string, value []byte) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), value)
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Purge drops every entry.
func (c *Cache) Purge() error {
	if err := c.db.DropAll(); err != nil {
		return fmt.Errorf("cache purge: %w", err)
	}
	return nil
}

// Close stops background GC and closes the database.
func (c *Cache) Close() error {
	var err error
	c.once.Do(func() {
		close(c.stop)
		c.wg.Wait()
		err = c.db.Close()
	})
	return err
}

func (c *Cache) runGC(interval time.Duration, ratio float64) {
	defer c.wg.Done()
	if ratio <= 0 {
		ratio = 0.5
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			// Keep collecting while files are being rewritten.
			for c.db.RunValueLogGC(ratio) == nil {
			}
		}
	}
}
