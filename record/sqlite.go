package record

import (
	"bytes"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq    INTEGER PRIMARY KEY AUTOINCREMENT,
	tick   INTEGER NOT NULL,
	event  INTEGER NOT NULL,
	cpu    INTEGER NOT NULL,
	object INTEGER NOT NULL,
	arg    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_tick ON events(tick);
CREATE TABLE IF NOT EXISTS batches (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	count   INTEGER NOT NULL,
	digest  BLOB NOT NULL,
	payload BLOB NOT NULL
);`

// SQLiteSink persists records in an events table and keeps every batch in canonical CBOR form
// together with its SHA3-256 digest.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:" keeps it in memory.
func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("record: open %s: %w", path, err)
	}
	// One connection: an in-memory database lives and dies with it.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("record: schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Write(batch []Record) error {
	payload, err := EncodeBatch(batch)
	if err != nil {
		return err
	}
	digest, err := Digest(batch)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO events (tick, event, cpu, object, arg) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for i := range batch {
		r := &batch[i]
		// sqlite integers are signed; the bit pattern round-trips.
		if _, err := stmt.Exec(int64(r.Tick), int64(r.Event), int64(r.CPU), int64(r.Object), int64(r.Arg)); err != nil {
			tx.Rollback()
			return err
		}
	}
	if _, err := tx.Exec(`INSERT INTO batches (count, digest, payload) VALUES (?, ?, ?)`, len(batch), digest[:], payload); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteSink) Close() error { return s.db.Close() }

// Count returns the number of stored events.
func (s *SQLiteSink) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

// Load returns every stored event in insertion order.
func (s *SQLiteSink) Load() ([]Record, error) {
	rows, err := s.db.Query(`SELECT tick, event, cpu, object, arg FROM events ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var tick, ev, cpu, obj, arg int64
		if err := rows.Scan(&tick, &ev, &cpu, &obj, &arg); err != nil {
			return nil, err
		}
		out = append(out, Record{Tick: uint64(tick), Event: Event(ev), CPU: uint16(cpu), Object: uint32(obj), Arg: uint64(arg)})
	}
	return out, rows.Err()
}

// Verify re-hashes every stored batch and reports the first one whose digest does not match.
func (s *SQLiteSink) Verify() (int, error) {
	rows, err := s.db.Query(`SELECT id, digest, payload FROM batches ORDER BY id`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var id int64
		var digest, payload []byte
		if err := rows.Scan(&id, &digest, &payload); err != nil {
			return n, err
		}
		batch, err := DecodeBatch(payload)
		if err != nil {
			return n, err
		}
		got, err := Digest(batch)
		if err != nil {
			return n, err
		}
		if !bytes.Equal(got[:], digest) {
			return n, fmt.Errorf("record: batch %d digest mismatch", id)
		}
		n++
	}
	return n, rows.Err()
}
