package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/semihalev/zlog/v2"
)

// Observer receives snapshot outcomes for accounting. Implementations
// must be safe for concurrent use.
type Observer interface {
	SnapshotSave(outcome string)
	SnapshotLoad(outcome string)
}

// PersistConfig controls snapshot persistence for a cache.
type PersistConfig struct {
	// Path of the snapshot file.
	Path string

	// MaxItems truncates a snapshot to the N most recently used entries
	// when positive.
	MaxItems int

	// SkipExpiredOnLoad drops entries already expired at load time.
	SkipExpiredOnLoad bool

	// Interval between periodic saves. Zero disables the periodic loop.
	Interval time.Duration
}

// ErrSaveAbandoned is returned when a deadline expires mid-save. The
// partial file is discarded, never installed.
var ErrSaveAbandoned = errors.New("cache: save abandoned")

// Saver loads and saves cache snapshots. Saves write a temporary file
// next to the target and rename it into place, so a crashed or abandoned
// save never corrupts an existing snapshot.
type Saver struct {
	cache *Cache
	cfg   PersistConfig
	obs   Observer

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSaver returns a saver for c. obs may be nil.
func NewSaver(c *Cache, cfg PersistConfig, obs Observer) *Saver {
	return &Saver{
		cache: c,
		cfg:   cfg,
		obs:   obs,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Load restores the snapshot at the configured path. A missing or
// malformed file is not an error: the cache starts empty.
func (s *Saver) Load() {
	f, err := os.Open(s.cfg.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			zlog.Warn("Cache snapshot unreadable", "path", s.cfg.Path, "error", err.Error())
			s.observeLoad("error")
		}
		return
	}
	defer f.Close()

	if err := s.cache.Restore(f, s.cfg.SkipExpiredOnLoad); err != nil {
		zlog.Warn("Cache snapshot rejected, starting empty", "path", s.cfg.Path, "error", err.Error())
		s.cache.Reset()
		s.observeLoad("error")
		return
	}

	zlog.Info("Cache snapshot loaded", "path", s.cfg.Path, "entries", s.cache.Len())
	s.observeLoad("ok")
}

// Run saves the cache every configured interval until Stop is called.
// It returns immediately when the interval is zero.
func (s *Saver) Run() {
	if s.cfg.Interval <= 0 {
		close(s.done)
		return
	}

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.Save(); err != nil {
					zlog.Warn("Periodic cache save failed", "path", s.cfg.Path, "error", err.Error())
				}
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop terminates the periodic save loop.
func (s *Saver) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Save writes a snapshot to the configured path.
func (s *Saver) Save() error {
	var abandoned atomic.Bool
	return s.save(&abandoned)
}

// SaveWithDeadline saves under ctx. If ctx expires first the partial
// file is discarded and ErrSaveAbandoned is returned.
func (s *Saver) SaveWithDeadline(ctx context.Context) error {
	if ctx.Err() != nil {
		return ErrSaveAbandoned
	}

	var abandoned atomic.Bool

	errc := make(chan error, 1)
	go func() {
		errc <- s.save(&abandoned)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		abandoned.Store(true)
		zlog.Warn("Cache save deadline exceeded, snapshot discarded", "path", s.cfg.Path)
		return ErrSaveAbandoned
	}
}

func (s *Saver) save(abandoned *atomic.Bool) error {
	start := time.Now()

	dir := filepath.Dir(s.cfg.Path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.cfg.Path)+".tmp*")
	if err != nil {
		s.observeSave("error")
		return fmt.Errorf("cache: create snapshot: %w", err)
	}

	if err := s.cache.Snapshot(tmp, s.cfg.MaxItems); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		s.observeSave("error")
		return fmt.Errorf("cache: write snapshot: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		s.observeSave("error")
		return fmt.Errorf("cache: close snapshot: %w", err)
	}

	if abandoned.Load() {
		os.Remove(tmp.Name())
		s.observeSave("abandoned")
		return ErrSaveAbandoned
	}

	if err := os.Rename(tmp.Name(), s.cfg.Path); err != nil {
		os.Remove(tmp.Name())
		s.observeSave("error")
		return fmt.Errorf("cache: install snapshot: %w", err)
	}

	zlog.Debug("Cache snapshot saved", "path", s.cfg.Path, "duration", time.Since(start).String())
	s.observeSave("ok")

	return nil
}

func (s *Saver) observeSave(outcome string) {
	if s.obs != nil {
		s.obs.SnapshotSave(outcome)
	}
}

func (s *Saver) observeLoad(outcome string) {
	if s.obs != nil {
		s.obs.SnapshotLoad(outcome)
	}
}
