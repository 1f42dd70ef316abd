// Package store implements the per-hub correspondence table: a single
// relational table named "messages" with one nullable VARCHAR column per
// connected platform, mapping an origin-platform message id to the ids of
// its mirrors on every sibling platform.
//
// The schema is a dynamic wide-column table (column name = platform name),
// which a struct-tagged GORM model can't express, so every statement here
// is raw SQL built with quoted identifiers and driven through gorm's
// Exec/Raw escape hatch rather than its query builder.
package store

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sync"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// identRe restricts platform names usable as SQL identifiers: letters,
// digits and underscore only. Platform names are fixed connector identity
// strings (e.g. "Discord"), never user input, but every identifier is still
// validated before being spliced into SQL.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store is the correspondence table for one hub, backed by a SQLite file.
type Store struct {
	db        *gorm.DB
	platforms []string // fixed for the lifetime of the store
	mu        sync.Mutex
}

// Open creates or opens the hub's SQLite file at path and ensures the
// "messages" table has one column per platform. If keepData is false, any
// existing table is dropped and recreated empty; otherwise existing rows
// are preserved across restarts.
func Open(path string, platforms []string, keepData bool) (*Store, error) {
	if len(platforms) == 0 {
		return nil, fmt.Errorf("store: at least one platform is required")
	}
	for _, p := range platforms {
		if !identRe.MatchString(p) {
			return nil, fmt.Errorf("store: invalid platform identifier %q", p)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	// WAL mode lets readers and the single writer proceed concurrently
	// across the multiple connector goroutines sharing this store.
	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if err := db.Exec("PRAGMA busy_timeout=5000").Error; err != nil {
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}

	s := &Store{db: db, platforms: append([]string(nil), platforms...)}

	if !keepData {
		if err := db.Exec("DROP TABLE IF EXISTS messages").Error; err != nil {
			return nil, fmt.Errorf("store: drop messages: %w", err)
		}
	}

	if err := s.createTable(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) createTable() error {
	cols := make([]string, len(s.platforms))
	for i, p := range s.platforms {
		cols[i] = fmt.Sprintf("%s VARCHAR(255)", quote(p))
	}
	sql := fmt.Sprintf("CREATE TABLE IF NOT EXISTS messages (%s)", joinComma(cols))
	if err := s.db.Exec(sql).Error; err != nil {
		return fmt.Errorf("store: create table: %w", err)
	}
	return nil
}

// InsertOrigin appends a row with originPlatform = originID and every other
// column null.
func (s *Store) InsertOrigin(ctx context.Context, originPlatform, originID string) error {
	if !s.knows(originPlatform) {
		return fmt.Errorf("store: unknown platform %q", originPlatform)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sql := fmt.Sprintf("INSERT INTO messages (%s) VALUES (?)", quote(originPlatform))
	if err := s.db.WithContext(ctx).Exec(sql, originID).Error; err != nil {
		return fmt.Errorf("store: insert origin %s=%s: %w", originPlatform, originID, err)
	}
	return nil
}

// SetSibling updates the row selected by (originPlatform = originID),
// setting siblingPlatform = siblingID. If no row matches, the update is a
// no-op and a warning is logged — the fan-out for that logical message is
// abandoned. If more than one row matches, all matching rows are updated;
// that situation is a violated correspondence invariant the store does not
// attempt to repair.
func (s *Store) SetSibling(ctx context.Context, originPlatform, originID, siblingPlatform, siblingID string) error {
	if !s.knows(originPlatform) || !s.knows(siblingPlatform) {
		return fmt.Errorf("store: unknown platform in (%q, %q)", originPlatform, siblingPlatform)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sql := fmt.Sprintf("UPDATE messages SET %s = ? WHERE %s = ?", quote(siblingPlatform), quote(originPlatform))
	res := s.db.WithContext(ctx).Exec(sql, siblingID, originID)
	if res.Error != nil {
		return fmt.Errorf("store: set sibling %s=%s for %s=%s: %w", siblingPlatform, siblingID, originPlatform, originID, res.Error)
	}
	if res.RowsAffected == 0 {
		log.Printf("store: set sibling %s=%s: no row matched %s=%s, dropping", siblingPlatform, siblingID, originPlatform, originID)
	}
	return nil
}

// Row is a single correspondence row's per-platform ids. A missing or null
// column is represented by the key being absent.
type Row map[string]string

// FindRow selects the single row where lookupPlatform = lookupID and
// returns its columns. Returns (nil, false, nil) on a lookup miss, which is
// a normal condition — the message may predate the process or belong to a
// different hub.
func (s *Store) FindRow(ctx context.Context, lookupPlatform, lookupID string) (Row, bool, error) {
	if !s.knows(lookupPlatform) {
		return nil, false, fmt.Errorf("store: unknown platform %q", lookupPlatform)
	}

	cols := make([]string, len(s.platforms))
	for i, p := range s.platforms {
		cols[i] = quote(p)
	}
	sql := fmt.Sprintf("SELECT %s FROM messages WHERE %s = ? LIMIT 1", joinComma(cols), quote(lookupPlatform))

	rows, err := s.db.WithContext(ctx).Raw(sql, lookupID).Rows()
	if err != nil {
		return nil, false, fmt.Errorf("store: find row %s=%s: %w", lookupPlatform, lookupID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, false, nil
	}

	scanTargets := make([]interface{}, len(s.platforms))
	values := make([]*string, len(s.platforms))
	for i := range values {
		scanTargets[i] = &values[i]
	}
	if err := rows.Scan(scanTargets...); err != nil {
		return nil, false, fmt.Errorf("store: scan row %s=%s: %w", lookupPlatform, lookupID, err)
	}

	row := Row{}
	for i, p := range s.platforms {
		if values[i] != nil {
			row[p] = *values[i]
		}
	}
	return row, true, nil
}

// Translate looks up id's row via fromPlatform and returns the id recorded
// for toPlatform, if any. The second return value is false when the row
// itself doesn't exist, or exists but has no recorded id for toPlatform —
// both are normal, best-effort-degradation conditions.
func (s *Store) Translate(ctx context.Context, fromPlatform, id, toPlatform string) (string, bool, error) {
	row, found, err := s.FindRow(ctx, fromPlatform, id)
	if err != nil {
		return "", false, err
	}
	if !found {
		return "", false, nil
	}
	translated, ok := row[toPlatform]
	return translated, ok, nil
}

// Platforms returns the fixed set of platform columns this store was
// opened with.
func (s *Store) Platforms() []string {
	return append([]string(nil), s.platforms...)
}

// RowCount returns the number of correspondence rows currently tracked.
func (s *Store) RowCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Table("messages").Count(&count).Error; err != nil {
		return 0, fmt.Errorf("store: count rows: %w", err)
	}
	return count, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) knows(platform string) bool {
	for _, p := range s.platforms {
		if p == platform {
			return true
		}
	}
	return false
}

func quote(ident string) string {
	return "`" + ident + "`"
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
