// Package database is the persistent state store: a key/value table in an
// embedded SQLite database, one row per key, with a write-through cache so
// reads after a Set in the same process always observe the new value.
// Long-running processes call Reload to see writes from other processes.
package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/sensorctl/internal/logging"
)

// DefaultOperationRetention is how long operation records are kept.
const DefaultOperationRetention = 90 * 24 * time.Hour

// Item is one key/value pair returned by Items.
type Item struct {
	Key   string
	Value any
}

// Store is the state store. It is safe for concurrent use.
type Store struct {
	db  *gorm.DB
	log zerolog.Logger

	mu    sync.RWMutex
	cache map[string]any
}

// Open opens (creating if needed) the SQLite database at path and loads all
// entries into the cache.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return newStore(db)
}

func newStore(db *gorm.DB) (*Store, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := db.AutoMigrate(&StateEntry{}, &Operation{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	s := &Store{
		db:    db,
		log:   logging.WithComponent("state"),
		cache: make(map[string]any),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload replaces the cache with the current table contents, picking up
// writes made by other processes since Open or the last Reload.
func (s *Store) Reload() error {
	var entries []StateEntry
	if err := s.db.Find(&entries).Error; err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	cache := make(map[string]any, len(entries))
	for _, e := range entries {
		v, err := decode(e.Kind, e.Value)
		if err != nil {
			s.log.Warn().Str("key", e.Key).Err(err).Msg("skipping undecodable state entry")
			continue
		}
		cache[e.Key] = v
	}

	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Get returns the value stored under key and whether it exists.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.cache[normalize(key)]
	return v, ok
}

// GetString returns the value under key formatted as a string.
func (s *Store) GetString(key string) (string, bool) {
	v, ok := s.Get(key)
	if !ok {
		return "", false
	}
	switch x := v.(type) {
	case string:
		return x, true
	case int:
		return strconv.Itoa(x), true
	case bool:
		return strconv.FormatBool(x), true
	}
	return fmt.Sprint(v), true
}

// GetInt returns the int under key. Strings holding integers are converted.
func (s *Store) GetInt(key string) (int, bool) {
	v, ok := s.Get(key)
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case int:
		return x, true
	case string:
		n, err := strconv.Atoi(x)
		return n, err == nil
	}
	return 0, false
}

// GetBool returns the bool under key, false when absent.
func (s *Store) GetBool(key string) bool {
	v, ok := s.Get(key)
	if !ok {
		return false
	}
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, _ := strconv.ParseBool(x)
		return b
	case int:
		return x != 0
	}
	return false
}

// Set stores value under key, replacing any previous value. The write is
// committed before Set returns. Supported value types are string, int
// (and other integer types, stored as int) and bool.
func (s *Store) Set(key string, value any) error {
	key = normalize(key)
	if key == "" {
		return errors.New("set state: empty key")
	}
	kind, raw, norm, err := encode(value)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := StateEntry{Key: key, Value: raw, Kind: kind}
	err = s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "kind", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	s.cache[key] = norm
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	key = normalize(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Where("key = ?", key).Delete(&StateEntry{}).Error; err != nil {
		return fmt.Errorf("delete state %s: %w", key, err)
	}
	delete(s.cache, key)
	return nil
}

// Items returns every stored pair, sorted by key.
func (s *Store) Items() []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]Item, 0, len(s.cache))
	for k, v := range s.cache {
		items = append(items, Item{Key: k, Value: v})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items
}

func encode(value any) (kind, raw string, norm any, err error) {
	switch v := value.(type) {
	case string:
		return "string", v, v, nil
	case bool:
		return "bool", strconv.FormatBool(v), v, nil
	case int:
		return "int", strconv.Itoa(v), v, nil
	case int32:
		return "int", strconv.Itoa(int(v)), int(v), nil
	case int64:
		return "int", strconv.FormatInt(v, 10), int(v), nil
	case uint:
		return "int", strconv.FormatUint(uint64(v), 10), int(v), nil
	}
	return "", "", nil, fmt.Errorf("unsupported value type %T", value)
}

func decode(kind, raw string) (any, error) {
	switch kind {
	case "string", "":
		return raw, nil
	case "bool":
		return strconv.ParseBool(raw)
	case "int":
		return strconv.Atoi(raw)
	}
	return nil, fmt.Errorf("unknown kind %q", kind)
}
