package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS detectors (
	id               TEXT PRIMARY KEY,
	lifecycle_state  TEXT NOT NULL,
	parent_id        TEXT NOT NULL,
	detector_json    TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS score_records (
	detector_id   TEXT NOT NULL,
	window_id     BIGINT NOT NULL,
	cycle_id      BIGINT NOT NULL,
	dq_status     TEXT NOT NULL,
	det_sigma     DOUBLE PRECISION NOT NULL,
	config_hash   TEXT NOT NULL,
	fingerprint   TEXT NOT NULL,
	record_json   TEXT NOT NULL,
	PRIMARY KEY (detector_id, window_id)
);

CREATE INDEX IF NOT EXISTS score_records_cycle ON score_records (cycle_id);

CREATE TABLE IF NOT EXISTS reductions (
	window_id       BIGINT PRIMARY KEY,
	reduction_json  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS lifecycle_events (
	cycle_id     BIGINT NOT NULL,
	seq          INTEGER NOT NULL,
	detector_id  TEXT NOT NULL,
	old_state    TEXT NOT NULL,
	new_state    TEXT NOT NULL,
	reason       TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	PRIMARY KEY (cycle_id, seq)
);

CREATE TABLE IF NOT EXISTS mutation_jobs (
	id          TEXT PRIMARY KEY,
	cycle_id    BIGINT NOT NULL,
	parent_id   TEXT NOT NULL,
	job_json    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cohort_snapshots (
	cycle_id       BIGINT PRIMARY KEY,
	snapshot_json  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS emissions (
	debounce_key   TEXT PRIMARY KEY,
	subtype        TEXT NOT NULL,
	severity       INTEGER NOT NULL,
	emitted_at     TEXT NOT NULL,
	novelty_epoch  TEXT NOT NULL
);
`

// #endregion schema

// #region errors
// ErrDuplicateRecord is returned when a (detector, window) record already exists.
var ErrDuplicateRecord = errors.New("duplicate score record")

// #endregion errors

// #region store-struct
// Store persists the detector arena and the append-only score history.
// Driver "sqlite" (default) or "pgx" for Postgres.
type Store struct {
	db     *sql.DB
	driver string
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	return Open("sqlite", dbPath)
}

// Open opens a store on the named driver and runs migrations.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case "", "sqlite":
		driver = "sqlite"
	case "pgx", "postgres":
		driver = "pgx"
	default:
		return nil, fmt.Errorf("open db: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma: %w", err)
		}
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping db: %w", err)
		}
	}
	s := &Store{db: db, driver: driver}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return s, nil
}

// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion close

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(q string) string {
	if s.driver != "pgx" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// #region detectors
// UpsertDetectors writes detector rows in one transaction.
func (s *Store) UpsertDetectors(rows []DetectorState) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := s.upsertDetectors(tx, rows); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) upsertDetectors(tx execer, rows []DetectorState) error {
	q := s.rebind(`INSERT INTO detectors (id, lifecycle_state, parent_id, detector_json, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   lifecycle_state = excluded.lifecycle_state,
		   parent_id = excluded.parent_id,
		   detector_json = excluded.detector_json,
		   updated_at = excluded.updated_at`)
	for _, d := range rows {
		b, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("marshal detector %s: %w", d.ID, err)
		}
		if _, err := tx.Exec(q, d.ID, string(d.Lifecycle), d.ParentID, string(b),
			d.StateEnteredAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("upsert detector %s: %w", d.ID, err)
		}
	}
	return nil
}

// Detectors returns every stored detector sorted by id.
func (s *Store) Detectors() ([]DetectorState, error) {
	rows, err := s.db.Query(`SELECT detector_json FROM detectors ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query detectors: %w", err)
	}
	defer rows.Close()

	var out []DetectorState
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan detector: %w", err)
		}
		var d DetectorState
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("unmarshal detector: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// #endregion detectors

// #region window-commit
// CommitWindow appends a window's records and its reduction, and writes the
// detectors whose recursive state moved, all in one transaction. A duplicate
// (detector, window) aborts the whole commit with ErrDuplicateRecord.
func (s *Store) CommitWindow(records []ScoreRecord, red Reduction, detectors []DetectorState) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.appendRecords(tx, records); err != nil {
		return err
	}
	rb, err := json.Marshal(red)
	if err != nil {
		return fmt.Errorf("marshal reduction: %w", err)
	}
	if _, err := tx.Exec(s.rebind(`INSERT INTO reductions (window_id, reduction_json) VALUES (?, ?)`),
		red.WindowID, string(rb)); err != nil {
		return fmt.Errorf("insert reduction %d: %w", red.WindowID, err)
	}
	if err := s.upsertDetectors(tx, detectors); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// AppendRecords inserts score records. Records are never updated in place.
func (s *Store) AppendRecords(records []ScoreRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := s.appendRecords(tx, records); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) appendRecords(tx *sql.Tx, records []ScoreRecord) error {
	exists := s.rebind(`SELECT COUNT(1) FROM score_records WHERE detector_id = ? AND window_id = ?`)
	insert := s.rebind(`INSERT INTO score_records
		 (detector_id, window_id, cycle_id, dq_status, det_sigma, config_hash, fingerprint, record_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, r := range records {
		var n int
		if err := tx.QueryRow(exists, r.DetectorID, r.WindowID).Scan(&n); err != nil {
			return fmt.Errorf("check record %s/%d: %w", r.DetectorID, r.WindowID, err)
		}
		if n > 0 {
			return fmt.Errorf("append record %s/%d: %w", r.DetectorID, r.WindowID, ErrDuplicateRecord)
		}
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal record %s/%d: %w", r.DetectorID, r.WindowID, err)
		}
		if _, err := tx.Exec(insert, r.DetectorID, r.WindowID, r.CycleID, string(r.DQStatus),
			r.DetSigma, r.ConfigHash, r.Fingerprint(), string(b)); err != nil {
			return fmt.Errorf("insert record %s/%d: %w", r.DetectorID, r.WindowID, err)
		}
	}
	return nil
}

// #endregion window-commit

// #region record-queries
// Records returns a detector's history in window order.
func (s *Store) Records(detectorID string) ([]ScoreRecord, error) {
	return s.queryRecords(`SELECT record_json FROM score_records WHERE detector_id = ? ORDER BY window_id`, detectorID)
}

// RecordsForCycle returns every record of a cycle ordered by window then detector.
func (s *Store) RecordsForCycle(cycleID int64) ([]ScoreRecord, error) {
	return s.queryRecords(`SELECT record_json FROM score_records WHERE cycle_id = ? ORDER BY window_id, detector_id`, cycleID)
}

// RecordsSinceCycle returns records with cycle_id >= from, window then detector order.
func (s *Store) RecordsSinceCycle(from int64) ([]ScoreRecord, error) {
	return s.queryRecords(`SELECT record_json FROM score_records WHERE cycle_id >= ? ORDER BY window_id, detector_id`, from)
}

// AllRecords returns the full history in window then detector order.
func (s *Store) AllRecords() ([]ScoreRecord, error) {
	return s.queryRecords(`SELECT record_json FROM score_records ORDER BY window_id, detector_id`)
}

// LatestRecord returns the most recent record for a detector.
func (s *Store) LatestRecord(detectorID string) (ScoreRecord, bool, error) {
	recs, err := s.queryRecords(`SELECT record_json FROM score_records WHERE detector_id = ? ORDER BY window_id DESC LIMIT 1`, detectorID)
	if err != nil || len(recs) == 0 {
		return ScoreRecord{}, false, err
	}
	return recs[0], true, nil
}

// RecentSigmas returns up to n det_sigma values from ok records, oldest first.
func (s *Store) RecentSigmas(detectorID string, n int) ([]float64, error) {
	rows, err := s.db.Query(s.rebind(`SELECT det_sigma FROM score_records
		 WHERE detector_id = ? AND dq_status = ? ORDER BY window_id DESC LIMIT ?`),
		detectorID, string(DQOK), n)
	if err != nil {
		return nil, fmt.Errorf("query sigmas: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan sigma: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Fingerprints maps "detector/window" to the stored record fingerprint.
func (s *Store) Fingerprints() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT detector_id, window_id, fingerprint FROM score_records`)
	if err != nil {
		return nil, fmt.Errorf("query fingerprints: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, fp string
		var w int64
		if err := rows.Scan(&id, &w, &fp); err != nil {
			return nil, fmt.Errorf("scan fingerprint: %w", err)
		}
		out[RecordKey(id, w)] = fp
	}
	return out, rows.Err()
}

// RecordKey is the "detector/window" key used for record lookups.
func RecordKey(detectorID string, windowID int64) string {
	return detectorID + "/" + strconv.FormatInt(windowID, 10)
}

func (s *Store) queryRecords(q string, args ...any) ([]ScoreRecord, error) {
	rows, err := s.db.Query(s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []ScoreRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var r ScoreRecord
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Reduction returns the barrier snapshot for a window.
func (s *Store) Reduction(windowID int64) (Reduction, bool, error) {
	var raw string
	err := s.db.QueryRow(s.rebind(`SELECT reduction_json FROM reductions WHERE window_id = ?`), windowID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Reduction{}, false, nil
	}
	if err != nil {
		return Reduction{}, false, fmt.Errorf("query reduction: %w", err)
	}
	var red Reduction
	if err := json.Unmarshal([]byte(raw), &red); err != nil {
		return Reduction{}, false, fmt.Errorf("unmarshal reduction: %w", err)
	}
	return red, true, nil
}

// #endregion record-queries

// #region cycle-commit
// CommitCycle writes a cycle's lifecycle events, mutation jobs, the changed
// detector rows and the optional snapshot in one transaction.
func (s *Store) CommitCycle(cycleID int64, events []LifecycleEvent, jobs []MutationJob, detectors []DetectorState, snap *CohortSnapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	evq := s.rebind(`INSERT INTO lifecycle_events
		 (cycle_id, seq, detector_id, old_state, new_state, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	for i, ev := range events {
		if _, err := tx.Exec(evq, cycleID, i, ev.DetectorID, string(ev.OldState), string(ev.NewState),
			ev.Reason, ev.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert event %s: %w", ev.DetectorID, err)
		}
	}

	jobq := s.rebind(`INSERT INTO mutation_jobs (id, cycle_id, parent_id, job_json) VALUES (?, ?, ?, ?)`)
	for _, j := range jobs {
		b, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("marshal job %s: %w", j.ID, err)
		}
		if _, err := tx.Exec(jobq, j.ID, j.CycleID, j.ParentID, string(b)); err != nil {
			return fmt.Errorf("insert job %s: %w", j.ID, err)
		}
	}

	if err := s.upsertDetectors(tx, detectors); err != nil {
		return err
	}

	if snap != nil {
		b, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		if _, err := tx.Exec(s.rebind(`INSERT INTO cohort_snapshots (cycle_id, snapshot_json) VALUES (?, ?)`),
			snap.CycleID, string(b)); err != nil {
			return fmt.Errorf("insert snapshot %d: %w", snap.CycleID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Events returns lifecycle events, optionally for one detector, in cycle order.
func (s *Store) Events(detectorID string) ([]LifecycleEvent, error) {
	q := `SELECT cycle_id, detector_id, old_state, new_state, reason, created_at FROM lifecycle_events`
	var args []any
	if detectorID != "" {
		q += ` WHERE detector_id = ?`
		args = append(args, detectorID)
	}
	q += ` ORDER BY cycle_id, seq`
	rows, err := s.db.Query(s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []LifecycleEvent
	for rows.Next() {
		var ev LifecycleEvent
		var oldState, newState, ts string
		if err := rows.Scan(&ev.CycleID, &ev.DetectorID, &oldState, &newState, &ev.Reason, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.OldState = LifecycleState(oldState)
		ev.NewState = LifecycleState(newState)
		ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse event time: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Jobs returns every mutation job in cycle then id order.
func (s *Store) Jobs() ([]MutationJob, error) {
	rows, err := s.db.Query(`SELECT job_json FROM mutation_jobs ORDER BY cycle_id, id`)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []MutationJob
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		var j MutationJob
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			return nil, fmt.Errorf("unmarshal job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Snapshot returns the cohort snapshot for a cycle. cycleID < 0 selects the latest.
func (s *Store) Snapshot(cycleID int64) (CohortSnapshot, bool, error) {
	var raw string
	var err error
	if cycleID < 0 {
		err = s.db.QueryRow(`SELECT snapshot_json FROM cohort_snapshots ORDER BY cycle_id DESC LIMIT 1`).Scan(&raw)
	} else {
		err = s.db.QueryRow(s.rebind(`SELECT snapshot_json FROM cohort_snapshots WHERE cycle_id = ?`), cycleID).Scan(&raw)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return CohortSnapshot{}, false, nil
	}
	if err != nil {
		return CohortSnapshot{}, false, fmt.Errorf("query snapshot: %w", err)
	}
	var snap CohortSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return CohortSnapshot{}, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, true, nil
}

// #endregion cycle-commit

// #region emissions
// SaveEmissions upserts the last emission per debounce key in one transaction.
func (s *Store) SaveEmissions(rows []Emission) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	q := s.rebind(`INSERT INTO emissions (debounce_key, subtype, severity, emitted_at, novelty_epoch)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (debounce_key) DO UPDATE SET
		   subtype = excluded.subtype,
		   severity = excluded.severity,
		   emitted_at = excluded.emitted_at,
		   novelty_epoch = excluded.novelty_epoch`)
	for _, e := range rows {
		if _, err := tx.Exec(q, e.DebounceKey, e.Subtype, e.Severity,
			e.At.UTC().Format(time.RFC3339Nano), e.NoveltyEpoch.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("upsert emission %s: %w", e.DebounceKey, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Emissions returns every stored emission sorted by debounce key.
func (s *Store) Emissions() ([]Emission, error) {
	rows, err := s.db.Query(`SELECT debounce_key, subtype, severity, emitted_at, novelty_epoch FROM emissions ORDER BY debounce_key`)
	if err != nil {
		return nil, fmt.Errorf("query emissions: %w", err)
	}
	defer rows.Close()

	var out []Emission
	for rows.Next() {
		var e Emission
		var at, epoch string
		if err := rows.Scan(&e.DebounceKey, &e.Subtype, &e.Severity, &at, &epoch); err != nil {
			return nil, fmt.Errorf("scan emission: %w", err)
		}
		if e.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parse emission time: %w", err)
		}
		if e.NoveltyEpoch, err = time.Parse(time.RFC3339Nano, epoch); err != nil {
			return nil, fmt.Errorf("parse novelty epoch: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion emissions
