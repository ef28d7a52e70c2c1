// Package db is the SQLite store behind the tracking pipeline: persisted
// locations, the retry queue, the persistent log and small settings.
package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/locus/internal/monitoring"
	"github.com/banshee-data/locus/internal/timeutil"
)

// DB wraps the SQLite handle. Writes are serialised through mu so that
// read-modify-write sequences (retry bookkeeping, retention pruning) never
// interleave; reads share the lock. clockMu guards clock and may be taken
// with mu held.
type DB struct {
	*sql.DB
	path    string
	mu      sync.RWMutex
	clockMu sync.Mutex
	clock   timeutil.Clock
}

// pragmas are passed in the DSN so that every pooled connection gets them,
// not just the first one.
var pragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
	"temp_store(MEMORY)",
}

func dsn(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

// NewDB opens (creating if needed) the database at path and applies all
// pending migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenDB opens the database without touching the schema. The migrate
// command uses it so it can inspect or roll back versions.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &DB{DB: sqlDB, path: path, clock: timeutil.RealClock{}}, nil
}

// SetClock replaces the clock used for created-at stamps and retention
// cutoffs. It may be called while the database is in use.
func (db *DB) SetClock(c timeutil.Clock) {
	db.clockMu.Lock()
	defer db.clockMu.Unlock()
	db.clock = c
}

// Path returns the file the database was opened from.
func (db *DB) Path() string { return db.path }

func (db *DB) now() time.Time {
	db.clockMu.Lock()
	c := db.clock
	db.clockMu.Unlock()
	return c.Now()
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// builder emits ? placeholders, which is what modernc.org/sqlite expects.
var builder = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// retentionCutoff returns the oldest timestamp kept by a max-days policy.
// Zero days disables age pruning.
func (db *DB) retentionCutoff(maxDays int) (time.Time, bool) {
	if maxDays <= 0 {
		return time.Time{}, false
	}
	return db.now().Add(-time.Duration(maxDays) * 24 * time.Hour), true
}

// evictOldest trims table to maxRecords rows, dropping the oldest by
// orderCol first. Zero maxRecords disables the cap. Callers hold the
// write lock.
func (db *DB) evictOldest(tx *sql.Tx, table, orderCol string, maxRecords int) (int64, error) {
	if maxRecords <= 0 {
		return 0, nil
	}
	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	excess := count - maxRecords
	if excess <= 0 {
		return 0, nil
	}
	res, err := tx.Exec(
		fmt.Sprintf(`DELETE FROM %[1]s WHERE rowid IN (
			SELECT rowid FROM %[1]s ORDER BY %[2]s ASC, rowid ASC LIMIT ?
		)`, table, orderCol),
		excess,
	)
	if err != nil {
		return 0, fmt.Errorf("evict %s: %w", table, err)
	}
	return res.RowsAffected()
}

// AttachAdminRoutes mounts the tsweb debug index with a live SQL console on
// this database and an on-demand backup download.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+db.path, db.DB, &tailsql.DBOptions{
		Label: "Locus DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := fmt.Sprintf("%s.backup-%d", db.path, db.now().Unix())
		db.mu.RLock()
		_, err := db.DB.Exec("VACUUM INTO ?", backupPath)
		db.mu.RUnlock()
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			if err := os.Remove(backupPath); err != nil {
				monitoring.Warnf("failed to remove backup file: %v", err)
			}
		}()

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer backupFile.Close()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=locus-backup-%d.db.gz", db.now().Unix()))
		w.Header().Set("Content-Type", "application/gzip")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		if _, err := io.Copy(gz, backupFile); err != nil {
			monitoring.Warnf("backup download interrupted: %v", err)
		}
	}))
	return nil
}
