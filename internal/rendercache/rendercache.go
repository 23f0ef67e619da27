// Package rendercache is a content-addressed store of finished renders.
// The key hashes everything that shapes the composited output (duration,
// scene list, resolved content); a version prefix invalidates the whole
// cache when compositing semantics change. Entries are immutable files on
// disk indexed by SQLite; only eviction removes them.
package rendercache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/ivlev/reelforge/internal/template"
)

// FormatVersion prefixes every key. Bump it whenever a change to layout,
// compositing or encoding makes previously cached output stale.
const FormatVersion = 2

// DefaultMaxEntries bounds the cache; overflow evicts in insertion order.
const DefaultMaxEntries = 10

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Entry is one cached render as listed by Entries.
type Entry struct {
	Key       string
	Path      string
	Size      int64
	CreatedAt time.Time
}

// Cache stores encoded outputs under root with a SQLite index. Writes are
// serialized across processes with a file lock; readers never see a torn
// entry because files are written to a temp name and renamed in.
type Cache struct {
	root       string
	maxEntries int
	db         *sql.DB
	lock       *flock.Flock
	logger     *slog.Logger
}

// Open creates root if needed and opens the index.
func Open(root string, maxEntries int, logger *slog.Logger) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "create cache dir")
	}

	db, err := sql.Open("sqlite", filepath.Join(root, "index.db"))
	if err != nil {
		return nil, errors.Wrap(err, "open cache index")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "apply %s", pragma)
		}
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL UNIQUE,
		filename TEXT NOT NULL,
		size INTEGER NOT NULL,
		created_at TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create cache schema")
	}

	return &Cache{
		root:       root,
		maxEntries: maxEntries,
		db:         db,
		lock:       flock.New(filepath.Join(root, "cache.lock")),
		logger:     logger,
	}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Key derives the cache key for a template and its resolved content. Any
// difference in duration, scene structure or content yields a new key;
// content map ordering does not.
func Key(tpl *template.VideoTemplate, content map[string]string) string {
	h := sha256.New()
	fmt.Fprintf(h, "duration=%g\n", tpl.Duration)

	scenes, _ := json.Marshal(tpl.Scenes)
	h.Write(scenes)
	h.Write([]byte{'\n'})

	keys := make([]string, 0, len(content))
	for k := range content {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, content[k])
	}

	return fmt.Sprintf("v%d:%x", FormatVersion, h.Sum(nil))
}

// Get returns the path of the cached file for key, or ok=false on miss.
// A dangling index row (file removed externally) is treated as a miss and
// cleaned up.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	var filename string
	err := c.db.QueryRowContext(ctx, `SELECT filename FROM entries WHERE key = ?`, key).Scan(&filename)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "query cache")
	}

	path := filepath.Join(c.root, filename)
	if _, err := os.Stat(path); err != nil {
		c.logger.Warn("cache entry file missing, dropping index row", slog.String("key", key))
		_, _ = c.execWithRetry(ctx, `DELETE FROM entries WHERE key = ?`, key)
		return "", false, nil
	}
	return path, true, nil
}

// Put copies srcPath into the cache under key and evicts the oldest
// entries beyond the size bound. Re-putting an existing key is a no-op;
// entries never mutate in place.
func (c *Cache) Put(ctx context.Context, key, srcPath string) error {
	if err := c.lock.Lock(); err != nil {
		return errors.Wrap(err, "acquire cache lock")
	}
	defer c.lock.Unlock()

	if _, ok, err := c.Get(ctx, key); err != nil {
		return err
	} else if ok {
		return nil
	}

	filename := safeFilename(key) + ".mp4"
	dst := filepath.Join(c.root, filename)
	size, err := copyFile(srcPath, dst)
	if err != nil {
		return errors.Wrap(err, "copy into cache")
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := c.execWithRetry(ctx,
		`INSERT INTO entries (key, filename, size, created_at) VALUES (?, ?, ?, ?)`,
		key, filename, size, now); err != nil {
		_ = os.Remove(dst)
		return errors.Wrap(err, "index cache entry")
	}

	return c.evict(ctx)
}

// evict removes the oldest rows (by insertion id, not access time) until
// the entry count fits the bound.
func (c *Cache) evict(ctx context.Context) error {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, key, filename FROM entries ORDER BY id ASC`)
	if err != nil {
		return errors.Wrap(err, "list entries for eviction")
	}
	type row struct {
		id       int64
		key      string
		filename string
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.key, &r.filename); err != nil {
			rows.Close()
			return errors.Wrap(err, "scan entry")
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "iterate entries")
	}

	excess := len(all) - c.maxEntries
	for i := 0; i < excess; i++ {
		r := all[i]
		if _, err := c.execWithRetry(ctx, `DELETE FROM entries WHERE id = ?`, r.id); err != nil {
			return errors.Wrap(err, "evict entry")
		}
		_ = os.Remove(filepath.Join(c.root, r.filename))
		c.logger.Info("evicted cache entry", slog.String("key", r.key))
	}
	return nil
}

// Entries lists the cache in insertion order, oldest first.
func (c *Cache) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT key, filename, size, created_at FROM entries ORDER BY id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "list entries")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var filename, created string
		if err := rows.Scan(&e.Key, &filename, &e.Size, &created); err != nil {
			return nil, errors.Wrap(err, "scan entry")
		}
		e.Path = filepath.Join(c.root, filename)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Clear removes every entry and its file.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.lock.Lock(); err != nil {
		return errors.Wrap(err, "acquire cache lock")
	}
	defer c.lock.Unlock()

	entries, err := c.Entries(ctx)
	if err != nil {
		return err
	}
	if _, err := c.execWithRetry(ctx, `DELETE FROM entries`); err != nil {
		return errors.Wrap(err, "clear index")
	}
	for _, e := range entries {
		_ = os.Remove(e.Path)
	}
	return nil
}

func safeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return n, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (c *Cache) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = c.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}
