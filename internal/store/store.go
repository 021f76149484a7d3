// Package store persists flag records behind a small CRUD surface.
//
// The backing engine is GORM with sqlite by default and MySQL as an
// option; callers see only batch lookups, batch inserts, grouped field
// updates and aggregate counts.
package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zulandar/flagyard/internal/config"
	"github.com/zulandar/flagyard/internal/models"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store is a flag repository over a GORM connection.
type Store struct {
	db       *gorm.DB
	accepted string
}

// DSN builds a MySQL DSN for the flag database.
func DSN(host string, port int, database string) string {
	return fmt.Sprintf("root@tcp(%s:%d)/%s?parseTime=true", host, port, database)
}

// Open connects to the configured backend, migrates the flag table and
// returns a ready Store. acceptedAnswer is the verdict counted as
// accepted in Statistics.
func Open(cfg config.DBConfig, acceptedAnswer string) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		dialector = mysql.Open(DSN(cfg.Host, cfg.Port, cfg.Database))
	default:
		dialector = sqlite.Open(cfg.Path)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: connect (%s): %w", cfg.Driver, err)
	}
	if err := db.AutoMigrate(&models.Flag{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db, accepted: acceptedAnswer}, nil
}

// OpenDB wraps an existing GORM connection, migrating the flag table.
// Used by tests with an in-memory sqlite database.
func OpenDB(db *gorm.DB, acceptedAnswer string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	if err := db.AutoMigrate(&models.Flag{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db, accepted: acceptedAnswer}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return sqlDB.Close()
}

// FindByValues returns the stored records for the given flag values.
// Values with no record are simply absent from the result.
func (s *Store) FindByValues(values []string) ([]*models.Flag, error) {
	if len(values) == 0 {
		return nil, nil
	}
	var flags []*models.Flag
	if err := s.db.Where("value IN ?", values).Find(&flags).Error; err != nil {
		return nil, fmt.Errorf("store: find by values: %w", err)
	}
	return flags, nil
}

// InsertMany persists new flag records in one batch.
func (s *Store) InsertMany(flags []*models.Flag) error {
	if len(flags) == 0 {
		return nil
	}
	if err := s.db.Create(flags).Error; err != nil {
		return fmt.Errorf("store: insert %d flags: %w", len(flags), err)
	}
	return nil
}

// BulkUpdate writes only the named fields of the given flags. Flags whose
// changed fields share the same values are updated in a single statement.
// Field values are snapshotted through each flag's own lock, so this is
// safe against the channel expiring a flag concurrently.
func (s *Store) BulkUpdate(flags []*models.Flag, fields []string) error {
	if len(flags) == 0 || len(fields) == 0 {
		return nil
	}

	type pending struct {
		values  []string
		updates map[string]any
	}
	groups := make(map[string]*pending)
	for _, f := range flags {
		status, answer, expired := f.State()
		parts := make([]string, len(fields))
		updates := make(map[string]any, len(fields))
		for i, field := range fields {
			switch field {
			case "status":
				parts[i] = status
				updates["status"] = status
			case "answer":
				parts[i] = answer
				updates["answer"] = answer
			case "expired":
				parts[i] = fmt.Sprintf("%t", expired)
				updates["expired"] = expired
			default:
				return fmt.Errorf("store: unknown update field %q", field)
			}
		}
		key := strings.Join(parts, "\x00")
		g, ok := groups[key]
		if !ok {
			g = &pending{updates: updates}
			groups[key] = g
		}
		g.values = append(g.values, f.Value)
	}

	// Deterministic statement order.
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		g := groups[k]
		if err := s.db.Model(&models.Flag{}).Where("value IN ?", g.values).Updates(g.updates).Error; err != nil {
			return fmt.Errorf("store: bulk update %d flags: %w", len(g.values), err)
		}
	}
	return nil
}

// Unanswered returns every flag still in play: not terminally answered
// and not expired. Used to replay the queue after a restart.
func (s *Store) Unanswered() ([]*models.Flag, error) {
	var flags []*models.Flag
	if err := s.db.Where("status != ? AND expired = ?", models.StatusAnswered, false).
		Order("submitted_at ASC").Find(&flags).Error; err != nil {
		return nil, fmt.Errorf("store: unanswered flags: %w", err)
	}
	return flags, nil
}

// Count returns the number of flags matching the given column filter.
func (s *Store) Count(filter map[string]any) (int64, error) {
	var n int64
	q := s.db.Model(&models.Flag{})
	if len(filter) > 0 {
		q = q.Where(filter)
	}
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

// Statistics holds aggregate flag counts for the status command.
type Statistics struct {
	Total    int64 `json:"total"`
	Unsent   int64 `json:"unsent"`
	Sent     int64 `json:"sent"`
	Answered int64 `json:"answered"`
	Accepted int64 `json:"accepted"`
	Expired  int64 `json:"expired"`
}

// Statistics aggregates flag counts by status, accepted answer and expiry.
func (s *Store) Statistics() (*Statistics, error) {
	stats := &Statistics{}
	for _, c := range []struct {
		dst    *int64
		filter map[string]any
	}{
		{&stats.Total, nil},
		{&stats.Unsent, map[string]any{"status": models.StatusUnsent}},
		{&stats.Sent, map[string]any{"status": models.StatusSent}},
		{&stats.Answered, map[string]any{"status": models.StatusAnswered}},
		{&stats.Accepted, map[string]any{"answer": s.accepted}},
		{&stats.Expired, map[string]any{"expired": true}},
	} {
		n, err := s.Count(c.filter)
		if err != nil {
			return nil, err
		}
		*c.dst = n
	}
	return stats, nil
}

// RecentN returns the last n flags by insertion order, newest first.
func (s *Store) RecentN(n int) ([]*models.Flag, error) {
	if n <= 0 {
		return nil, nil
	}
	var flags []*models.Flag
	if err := s.db.Order("id DESC").Limit(n).Find(&flags).Error; err != nil {
		return nil, fmt.Errorf("store: recent %d: %w", n, err)
	}
	return flags, nil
}
