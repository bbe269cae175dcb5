package training

import (
	"database/sql"
	"fmt"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	// registers the "sqlite" driver
	_ "modernc.org/sqlite"
)

// SQLiteSink streams scalars into a SQLite table so other processes can follow a run while
// it trains. Every sink writes under its own run id, so one database holds many runs. Rows
// are only ever inserted.
type SQLiteSink struct {
	db     *sql.DB
	run    string
	insert *sql.Stmt
}

// NewSQLiteSink opens (or creates) the database at path and starts a new run in it
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	run := fmt.Sprintf("%s-%08x", time.Now().UTC().Format("20060102T150405.000000000"), rand.Uint32())
	return OpenSQLiteRun(path, run)
}

// OpenSQLiteRun opens the database at path and appends to the named run
func OpenSQLiteRun(path, run string) (*SQLiteSink, error) {
	if run == "" {
		return nil, errors.New("run id is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open metrics database %s", path)
	}
	db.SetMaxOpenConns(1)

	query := `
	CREATE TABLE IF NOT EXISTS scalars (
		run TEXT NOT NULL,
		series TEXT NOT NULL,
		epoch INTEGER NOT NULL,
		value REAL NOT NULL,
		PRIMARY KEY (run, series, epoch)
	);`
	if _, err := db.Exec(query); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create scalars table")
	}

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to enable WAL")
	}

	insert, err := db.Prepare("INSERT INTO scalars (run, series, epoch, value) VALUES (?, ?, ?, ?)")
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to prepare insert")
	}

	return &SQLiteSink{db: db, run: run, insert: insert}, nil
}

// Run returns the run id this sink writes under
func (s *SQLiteSink) Run() string {
	return s.run
}

// Append inserts one point. A point that already exists in this run is an error.
func (s *SQLiteSink) Append(series string, p Point) error {
	if _, err := s.insert.Exec(s.run, series, p.Epoch, p.Value); err != nil {
		return errors.Wrapf(err, "failed to insert %s epoch %d", series, p.Epoch)
	}
	return nil
}

// Points reads a series of this sink's run back in epoch order
func (s *SQLiteSink) Points(series string) ([]Point, error) {
	rows, err := s.db.Query(
		"SELECT epoch, value FROM scalars WHERE run = ? AND series = ? ORDER BY epoch ASC",
		s.run, series)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.Epoch, &p.Value); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// Runs lists every run id stored in the database, oldest first
func (s *SQLiteSink) Runs() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT run FROM scalars ORDER BY run ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []string
	for rows.Next() {
		var run string
		if err := rows.Scan(&run); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Close releases the database
func (s *SQLiteSink) Close() error {
	s.insert.Close()
	return s.db.Close()
}
