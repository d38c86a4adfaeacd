// Package campaign persists the cross-execution injection campaign.
//
// The database is one SQLite file per engine instance, mapping call-site
// identity to "already exercised". It survives across executions of the
// same target: each execution marks exactly one new site, and the
// campaign is complete when an execution finds nothing left to mark.
//
// Durability matters more than throughput here. The site a run injects
// must be on disk before the injected failure returns to the target,
// because that failure may crash the target immediately - an unrecorded
// site would make the campaign loop forever on the crashing run. The
// connection therefore runs with synchronous=FULL and a single writer.
package campaign

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lsgunth/failinj/internal/site"
)

//go:embed schema.sql
var schemaSQL string

// DatabaseError is an engine-setup failure: the campaign database could
// not be opened, read, or written. The loading engine aborts the process
// with the engine-error exit code when it sees one.
type DatabaseError struct {
	Path string
	Err  error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("campaign database %q: %v", e.Path, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// IsDatabaseError reports whether err is a campaign database failure.
// Uses errors.As to handle wrapped errors.
func IsDatabaseError(err error) bool {
	var de *DatabaseError
	return errors.As(err, &de)
}

// DB is an open campaign database.
//
// The exercised set is loaded into memory at open so the per-call lookup
// on the interception hot path never touches SQLite; only MarkExercised
// writes. DB is not safe for concurrent use: the engine's coarse lock
// serializes access.
type DB struct {
	path      string
	db        *sql.DB
	exercised map[string]struct{}
}

// Open creates or opens the campaign database at path. The file is
// created if absent; an invalid path or unwritable medium returns a
// DatabaseError.
func Open(path string) (*DB, error) {
	return open(path, false)
}

// OpenExisting opens an existing campaign database read-only. Used by
// inspection tooling that must not start a fresh campaign as a side
// effect.
func OpenExisting(path string) (*DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &DatabaseError{Path: path, Err: err}
	}
	return open(path, true)
}

func open(path string, readOnly bool) (*DB, error) {
	dsn := path
	if readOnly {
		dsn = "file:" + path + "?mode=ro"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &DatabaseError{Path: path, Err: err}
	}

	// sql.Open is lazy; Ping forces file creation and surfaces an
	// unusable path immediately.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &DatabaseError{Path: path, Err: err}
	}

	// SQLite supports one writer; a single connection avoids
	// SQLITE_BUSY on the mark path.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if !readOnly {
		if err := applyPragmas(db); err != nil {
			db.Close()
			return nil, &DatabaseError{Path: path, Err: err}
		}
		if _, err := db.Exec(schemaSQL); err != nil {
			db.Close()
			return nil, &DatabaseError{Path: path, Err: err}
		}
	}

	c := &DB{path: path, db: db, exercised: make(map[string]struct{})}
	if err := c.loadExercised(); err != nil {
		db.Close()
		return nil, &DatabaseError{Path: path, Err: err}
	}

	return c, nil
}

// applyPragmas configures the connection. synchronous=FULL so a commit
// survives the process being killed by the failure it just recorded.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// loadExercised reads the full exercised set into memory, the way the
// engine consults it on every interceptable call.
func (c *DB) loadExercised() error {
	rows, err := c.db.Query("SELECT id FROM sites")
	if err != nil {
		return fmt.Errorf("load exercised sites: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan site id: %w", err)
		}
		c.exercised[id] = struct{}{}
	}
	return rows.Err()
}

// Close closes the database.
func (c *DB) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Path returns the backing file path.
func (c *DB) Path() string { return c.path }

// Exercised reports whether a site has already been chosen for injection
// in some execution of this campaign.
func (c *DB) Exercised(id string) bool {
	_, ok := c.exercised[id]
	return ok
}

// ExercisedCount returns the number of exercised sites.
func (c *DB) ExercisedCount() int { return len(c.exercised) }

// MarkExercised durably records a site as done. The insert commits with
// synchronous=FULL before returning, so control may safely pass back to
// the target even if the injected failure kills the process.
func (c *DB) MarkExercised(s site.Site) error {
	_, err := c.db.Exec(`
		INSERT INTO sites (id, title, category, exercised_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, s.ID, s.Title, string(s.Category), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return &DatabaseError{Path: c.path, Err: fmt.Errorf("mark exercised: %w", err)}
	}

	c.exercised[s.ID] = struct{}{}
	return nil
}

// BeginRun records the start of one execution.
func (c *DB) BeginRun(runID string, startedAt time.Time) error {
	_, err := c.db.Exec(`
		INSERT INTO runs (id, started_at) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING
	`, runID, startedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return &DatabaseError{Path: c.path, Err: fmt.Errorf("begin run: %w", err)}
	}
	return nil
}

// RecordInjection links a run to the site it injected.
func (c *DB) RecordInjection(runID, siteID string) error {
	_, err := c.db.Exec(`UPDATE runs SET injected_site = ? WHERE id = ?`, siteID, runID)
	if err != nil {
		return &DatabaseError{Path: c.path, Err: fmt.Errorf("record injection: %w", err)}
	}
	return nil
}

// SiteRecord is one exercised site, as stored.
type SiteRecord struct {
	ID          string
	Title       string
	Category    string
	ExercisedAt string
}

// Sites returns all exercised sites in exercise order.
func (c *DB) Sites() ([]SiteRecord, error) {
	rows, err := c.db.Query(`
		SELECT id, title, category, exercised_at
		FROM sites ORDER BY exercised_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()

	var out []SiteRecord
	for rows.Next() {
		var r SiteRecord
		if err := rows.Scan(&r.ID, &r.Title, &r.Category, &r.ExercisedAt); err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunRecord is one execution, as stored. InjectedSite is empty for
// campaign-complete runs.
type RunRecord struct {
	ID           string
	StartedAt    string
	InjectedSite string
}

// Runs returns the execution history in start order.
func (c *DB) Runs() ([]RunRecord, error) {
	rows, err := c.db.Query(`
		SELECT id, started_at, COALESCE(injected_site, '')
		FROM runs ORDER BY started_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.InjectedSite); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
