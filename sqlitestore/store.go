// Package sqlitestore is a chatsync.SharedStore backed by a SQLite file, so
// that separate processes on one machine share presence and credentials the
// way browser tabs share localStorage.
package sqlitestore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/campuslink/chatsync"
	"github.com/fsnotify/fsnotify"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultDebounce coalesces the burst of file events a single write produces.
const DefaultDebounce = 50 * time.Millisecond

type sharedValue struct {
	Key       string `gorm:"column:name;primaryKey;size:255"`
	Value     string
	UpdatedAt time.Time
}

func (sharedValue) TableName() string { return "shared_values" }

type sessionValue struct {
	SessionKey string `gorm:"primaryKey;size:64"`
	Key        string `gorm:"column:name;primaryKey;size:255"`
	Value      string
	UpdatedAt  time.Time
}

func (sessionValue) TableName() string { return "session_values" }

// Store implements chatsync.SharedStore on SQLite.
type Store struct {
	db       *gorm.DB
	path     string
	debounce time.Duration
	logger   *zap.Logger
}

var _ chatsync.SharedStore = (*Store)(nil)

// Open opens or creates the database at path and migrates its schema.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(dsn(path)), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&sharedValue{}, &sessionValue{}); err != nil {
		return nil, err
	}

	logger.Info("shared store initialized", zap.String("path", path))
	return &Store{db: db, path: path, debounce: DefaultDebounce, logger: logger}, nil
}

// dsn opens every connection with a busy timeout and makes transactions
// take the write lock at BEGIN. A deferred read-then-write transaction that
// loses the lock upgrade to another process fails with SQLITE_BUSY at once.
func dsn(path string) string {
	return path + "?_txlock=immediate&_pragma=busy_timeout(5000)"
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ── Presence ─────────────────────────────────────────────

func (s *Store) Presence(ctx context.Context) ([]chatsync.TabPresenceRecord, error) {
	raw, _, err := s.SharedValue(ctx, chatsync.PresenceKey)
	if err != nil {
		return nil, err
	}
	return chatsync.DecodePresence(raw)
}

// UpdatePresence applies fn to the registry inside one transaction.
func (s *Store) UpdatePresence(ctx context.Context, fn func([]chatsync.TabPresenceRecord) []chatsync.TabPresenceRecord) ([]chatsync.TabPresenceRecord, error) {
	var out []chatsync.TabPresenceRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		raw, _, err := getShared(tx, chatsync.PresenceKey)
		if err != nil {
			return err
		}
		records, err := chatsync.DecodePresence(raw)
		if err != nil {
			// A corrupt registry is rebuilt from scratch.
			s.logger.Warn("discarding unreadable presence registry", zap.Error(err))
			records = nil
		}
		out = fn(records)
		encoded, err := chatsync.EncodePresence(out)
		if err != nil {
			return err
		}
		return putShared(tx, chatsync.PresenceKey, encoded)
	})
	if err != nil {
		return nil, fmt.Errorf("update presence: %w", err)
	}
	return out, nil
}

// ── Shared values ────────────────────────────────────────

func (s *Store) SharedValue(ctx context.Context, key string) (string, bool, error) {
	return getShared(s.db.WithContext(ctx), key)
}

func (s *Store) SetSharedValue(ctx context.Context, key, value string) error {
	return putShared(s.db.WithContext(ctx), key, value)
}

func (s *Store) DeleteSharedValue(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Delete(&sharedValue{}, "name = ?", key).Error
}

func getShared(db *gorm.DB, key string) (string, bool, error) {
	var row sharedValue
	err := db.Where("name = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.Value, true, nil
}

func putShared(db *gorm.DB, key, value string) error {
	row := sharedValue{Key: key, Value: value, UpdatedAt: time.Now()}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
}

// ── Session values ───────────────────────────────────────

func (s *Store) SessionValue(ctx context.Context, sessionKey, key string) (string, bool, error) {
	var row sessionValue
	err := s.db.WithContext(ctx).
		Where("session_key = ? AND name = ?", sessionKey, key).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.Value, true, nil
}

func (s *Store) SetSessionValue(ctx context.Context, sessionKey, key, value string) error {
	row := sessionValue{SessionKey: sessionKey, Key: key, Value: value, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_key"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
}

func (s *Store) DeleteSessionValue(ctx context.Context, sessionKey, key string) error {
	return s.db.WithContext(ctx).
		Delete(&sessionValue{}, "session_key = ? AND name = ?", sessionKey, key).Error
}

func (s *Store) ClearSession(ctx context.Context, sessionKey string) error {
	return s.db.WithContext(ctx).Delete(&sessionValue{}, "session_key = ?", sessionKey).Error
}

// Sessions lists the session keys that hold any value.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).Model(&sessionValue{}).Distinct("session_key").Pluck("session_key", &keys).Error
	return keys, err
}

// ── Change notification ──────────────────────────────────

// Subscribe watches the database files and reports a keyless StoreChange
// after each burst of writes, from this process or any other. Readers should
// re-read what they care about.
func (s *Store) Subscribe(ctx context.Context) (<-chan chatsync.StoreChange, func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	out := make(chan chatsync.StoreChange, 1)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			w.Close()
		})
	}

	go s.watch(ctx, w, out, done)
	return out, cancel, nil
}

func (s *Store) watch(ctx context.Context, w *fsnotify.Watcher, out chan<- chatsync.StoreChange, done <-chan struct{}) {
	base := filepath.Base(s.path)
	timer := time.NewTimer(s.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Close()
			return
		case <-done:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if !isDatabaseFile(filepath.Base(event.Name), base) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				timer.Reset(s.debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Debug("store watcher error", zap.Error(err))
		case <-timer.C:
			select {
			case out <- chatsync.StoreChange{}:
			default:
			}
		}
	}
}

// isDatabaseFile matches the database file and its journal and WAL files.
func isDatabaseFile(name, base string) bool {
	switch name {
	case base, base + "-wal", base + "-journal":
		return true
	}
	return false
}
