package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrTestIDRequired is returned by SaveTestArtifact for an empty test id.
var ErrTestIDRequired = errors.New("test id required")

// parseLayout accepts start values with and without fractional seconds.
const parseLayout = "2006-01-02 15:04:05"

// Every pooled connection gets the same pragmas. _txlock=immediate makes
// BeginTx take the write lock up front, which serializes session allocation
// across processes sharing the file.
const dsnParams = "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"

type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteStore opens (creating if needed) the database file at dbPath and
// ensures both the sessions and the artifacts relations exist.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{
		db:   db,
		path: dbPath,
		now:  time.Now,
	}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	// WAL lets readers (the archiver) run while workers keep writing.
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("%w: set journal mode: %w", ErrSchema, err)
	}
	if err := s.CreateSessionSchema(ctx); err != nil {
		return err
	}
	return s.CreateArtifactSchema(ctx)
}

// CreateSessionSchema is idempotent.
func (s *SQLiteStore) CreateSessionSchema(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY,
		start TEXT
	);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("%w: sessions: %w", ErrSchema, err)
	}
	return nil
}

// CreateArtifactSchema is idempotent. The sessions relation must exist for
// inserts to pass the foreign key check.
func (s *SQLiteStore) CreateArtifactSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS artifacts (
			id INTEGER PRIMARY KEY,
			session INTEGER NOT NULL,
			test_id TEXT,
			name TEXT,
			data BLOB,
			FOREIGN KEY(session) REFERENCES sessions(id)
		);`,
		`CREATE INDEX IF NOT EXISTS artifacts_session_test ON artifacts (session, test_id);`,
	}
	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("%w: artifacts: %w", ErrSchema, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Session Implementation

func (s *SQLiteStore) CurrentSessionID(ctx context.Context) (int64, bool, error) {
	return currentSessionID(ctx, s.db)
}

func currentSessionID(ctx context.Context, q querier) (int64, bool, error) {
	var id int64
	err := q.QueryRowContext(ctx, `SELECT id FROM sessions ORDER BY id DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read current session: %w", err)
	}
	return id, true, nil
}

// BeginSession allocates max(id)+1 and records the start time. The read and
// the insert share one immediate transaction.
func (s *SQLiteStore) BeginSession(ctx context.Context) (Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		current int64
		prev    sql.NullString
	)
	err = tx.QueryRowContext(ctx, `SELECT id, start FROM sessions ORDER BY id DESC LIMIT 1`).Scan(&current, &prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("failed to read current session: %w", err)
	}

	// Starts are strictly increasing at the stored microsecond precision,
	// even when the clock stalls or steps back.
	start := s.now().Truncate(time.Microsecond)
	if last := parseStart(prev); !last.IsZero() && !start.After(last) {
		start = last.Add(time.Microsecond)
	}

	session := Session{
		ID:    current + 1,
		Start: start,
	}
	if err := insertSession(ctx, tx, session); err != nil {
		return Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return Session{}, fmt.Errorf("failed to commit session %d: %w", session.ID, err)
	}
	return session, nil
}

func insertSession(ctx context.Context, q querier, session Session) error {
	query := `INSERT INTO sessions (id, start) VALUES (?, ?)`
	_, err := q.ExecContext(ctx, query, session.ID, session.Start.Format(StartLayout))
	if isDuplicateKey(err) {
		return fmt.Errorf("%w: %d", ErrDuplicateSession, session.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert session %d: %w", session.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id int64) (Session, error) {
	var start sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, start FROM sessions WHERE id = ?`, id).Scan(&id, &start)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	if err != nil {
		return Session{}, err
	}
	return Session{ID: id, Start: parseStart(start)}, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, start FROM sessions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var start sql.NullString
		if err := rows.Scan(&sess.ID, &start); err != nil {
			return nil, err
		}
		sess.Start = parseStart(start)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// parseStart returns the zero time for NULL or foreign values; start is
// informational and never used for ordering.
func parseStart(v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	t, err := time.ParseInLocation(parseLayout, v.String, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Artifact Implementation

func (s *SQLiteStore) SaveSessionArtifact(ctx context.Context, sessionID int64, name string, data []byte) (int64, error) {
	return s.insertArtifact(ctx, sessionID, sql.NullString{}, name, data)
}

func (s *SQLiteStore) SaveTestArtifact(ctx context.Context, sessionID int64, testID, name string, data []byte) (int64, error) {
	if testID == "" {
		return 0, ErrTestIDRequired
	}
	return s.insertArtifact(ctx, sessionID, sql.NullString{String: testID, Valid: true}, name, data)
}

func (s *SQLiteStore) insertArtifact(ctx context.Context, sessionID int64, testID sql.NullString, name string, data []byte) (int64, error) {
	if data == nil {
		data = []byte{}
	}
	query := `INSERT INTO artifacts (session, test_id, name, data) VALUES (?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query, sessionID, testID, name, data)
	if isForeignKey(err) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownSession, sessionID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to insert artifact %q: %w", name, err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) ListForSession(ctx context.Context, sessionID int64) iter.Seq2[Artifact, error] {
	return func(yield func(Artifact, error) bool) {
		query := `SELECT id, session, test_id, name, data FROM artifacts WHERE session = ? ORDER BY id`
		rows, err := s.db.QueryContext(ctx, query, sessionID)
		if err != nil {
			yield(Artifact{}, fmt.Errorf("failed to list artifacts: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var a Artifact
			var testID, name sql.NullString
			if err := rows.Scan(&a.ID, &a.SessionID, &testID, &name, &a.Data); err != nil {
				yield(Artifact{}, err)
				return
			}
			a.TestID, a.Name = testID.String, name.String
			a.Size = int64(len(a.Data))
			if !yield(a, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Artifact{}, err)
		}
	}
}

func (s *SQLiteStore) ListEntries(ctx context.Context, sessionID int64) ([]Artifact, error) {
	return s.listEntries(ctx, `WHERE session = ?`, sessionID)
}

func (s *SQLiteStore) ListForTest(ctx context.Context, sessionID int64, testID string) ([]Artifact, error) {
	return s.listEntries(ctx, `WHERE session = ? AND test_id = ?`, sessionID, testID)
}

func (s *SQLiteStore) listEntries(ctx context.Context, where string, args ...any) ([]Artifact, error) {
	query := `SELECT id, session, test_id, name, COALESCE(length(data), 0) FROM artifacts ` + where + ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		var a Artifact
		var testID, name sql.NullString
		if err := rows.Scan(&a.ID, &a.SessionID, &testID, &name, &a.Size); err != nil {
			return nil, err
		}
		a.TestID, a.Name = testID.String, name.String
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

func sqliteCode(err error) int {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()
	}
	return 0
}

// The bare SQLITE_CONSTRAINT code is accepted as well: sessions only carry a
// primary key and artifacts only a foreign key.
func isDuplicateKey(err error) bool {
	switch sqliteCode(err) {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT:
		return true
	}
	return false
}

func isForeignKey(err error) bool {
	switch sqliteCode(err) {
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY, sqlite3.SQLITE_CONSTRAINT:
		return true
	}
	return false
}
