// Package diag persists specialization statistics across runs.
package diag

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loon-lang/loon/vm"
)

// ErrNoSnapshots indicates no snapshot has been recorded for the label.
var ErrNoSnapshots = errors.New("no snapshots recorded")

// Recorder handles SQLite storage for stats snapshots.
type Recorder struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// NewRecorder opens (or creates) the stats database.
func NewRecorder(dbPath string) (*Recorder, error) {
	r := &Recorder{dbPath: dbPath}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	r.db = db

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS stats_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		recorded_at TEXT NOT NULL,
		label TEXT NOT NULL,
		quickened INTEGER NOT NULL,
		attr_success INTEGER NOT NULL,
		attr_failure INTEGER NOT NULL,
		attr_hit INTEGER NOT NULL,
		attr_miss INTEGER NOT NULL,
		attr_deferred INTEGER NOT NULL,
		attr_deopt INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return r, nil
}

// Close closes the database connection.
func (r *Recorder) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Row is one persisted snapshot.
type Row struct {
	ID         int64
	RecordedAt time.Time
	Label      string
	Snapshot   vm.StatsSnapshot
}

// Record persists one snapshot under the given label.
func (r *Recorder) Record(label string, snap vm.StatsSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(
		`INSERT INTO stats_snapshots
		(recorded_at, label, quickened, attr_success, attr_failure, attr_hit, attr_miss, attr_deferred, attr_deopt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339),
		label,
		int64(snap.Quickened),
		int64(snap.LoadAttr.Success),
		int64(snap.LoadAttr.Failure),
		int64(snap.LoadAttr.Hit),
		int64(snap.LoadAttr.Miss),
		int64(snap.LoadAttr.Deferred),
		int64(snap.LoadAttr.Deopt),
	)
	if err != nil {
		return fmt.Errorf("recording snapshot: %w", err)
	}
	return nil
}

// Snapshots returns every snapshot recorded under the label, oldest
// first.
func (r *Recorder) Snapshots(label string) ([]Row, error) {
	rows, err := r.db.Query(
		`SELECT id, recorded_at, label, quickened, attr_success, attr_failure, attr_hit, attr_miss, attr_deferred, attr_deopt
		FROM stats_snapshots WHERE label = ? ORDER BY id`, label)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row, err := scanRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Latest returns the most recent snapshot recorded under the label.
func (r *Recorder) Latest(label string) (Row, error) {
	row, err := scanRow(r.db.QueryRow(
		`SELECT id, recorded_at, label, quickened, attr_success, attr_failure, attr_hit, attr_miss, attr_deferred, attr_deopt
		FROM stats_snapshots WHERE label = ? ORDER BY id DESC LIMIT 1`, label).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Row{}, ErrNoSnapshots
		}
		return Row{}, err
	}
	return row, nil
}

func scanRow(scan func(...any) error) (Row, error) {
	var (
		row                  Row
		recorded             string
		q, s, f, h, m, d, dp int64
	)
	if err := scan(&row.ID, &recorded, &row.Label, &q, &s, &f, &h, &m, &d, &dp); err != nil {
		return Row{}, err
	}
	t, err := time.Parse(time.RFC3339, recorded)
	if err != nil {
		return Row{}, fmt.Errorf("parsing recorded_at: %w", err)
	}
	row.RecordedAt = t
	row.Snapshot = vm.StatsSnapshot{
		Quickened: uint64(q),
		LoadAttr: vm.FamilySnapshot{
			Success:  uint64(s),
			Failure:  uint64(f),
			Hit:      uint64(h),
			Miss:     uint64(m),
			Deferred: uint64(d),
			Deopt:    uint64(dp),
		},
	}
	return row, nil
}
