package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/x0tta6bl4/meshbpf"
)

//go:embed schema.sql
var schemaSQL string

const driverName = "sqlite"

// dsn builds a modernc.org/sqlite DSN from a path and pragma
// key-value pairs. Each pair is formatted as _pragma=key(value) in
// the query string.
func dsn(path string, pragmas [][2]string) string {
	s := path
	for i, p := range pragmas {
		if i == 0 {
			s += "?"
		} else {
			s += "&"
		}
		s += "_pragma=" + p[0] + "(" + p[1] + ")"
	}
	return s
}

// sqliteJournal implements Journal using SQLite. All SQL uses
// prepared statements compiled once at open time. The expected caller
// is a single orchestrator goroutine, so no transaction machinery is
// needed: every operation is a single statement, atomic on its own.
type sqliteJournal struct {
	db     *sql.DB
	logger *slog.Logger

	stmtInsert   *sql.Stmt
	stmtAttach   *sql.Stmt
	stmtDetach   *sql.Stmt
	stmtDelete   *sql.Stmt
	stmtGet      *sql.Stmt
	stmtList     *sql.Stmt
	stmtPinPaths *sql.Stmt
}

// Open creates or opens a journal database at the given path. The
// parent directory is created if missing. WAL mode is used for crash
// recovery.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "journal", "db", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open(driverName, dsn(dbPath, [][2]string{{"journal_mode", "WAL"}}))
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	j := &sqliteJournal{db: db, logger: logger}
	if err := j.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("opened journal", "path", dbPath)
	return j, nil
}

// NewInMemory creates an in-memory journal for testing.
func NewInMemory(ctx context.Context, logger *slog.Logger) (Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open(driverName, ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory journal: %w", err)
	}

	j := &sqliteJournal{db: db, logger: logger.With("component", "journal", "db", ":memory:")}
	if err := j.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *sqliteJournal) init(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute journal schema: %w", err)
	}
	return j.prepareStatements(ctx)
}

func (j *sqliteJournal) prepareStatements(ctx context.Context) error {
	var err error
	prepare := func(dst **sql.Stmt, query string) {
		if err != nil {
			return
		}
		*dst, err = j.db.PrepareContext(ctx, query)
	}

	prepare(&j.stmtInsert, `
		INSERT OR REPLACE INTO programs
			(program_id, path, type, pin_path, interface, mode, loaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	prepare(&j.stmtAttach, `
		UPDATE programs SET interface = ?, mode = ? WHERE program_id = ?`)
	prepare(&j.stmtDetach, `
		UPDATE programs SET interface = '', mode = '' WHERE program_id = ?`)
	prepare(&j.stmtDelete, `
		DELETE FROM programs WHERE program_id = ?`)
	prepare(&j.stmtGet, `
		SELECT program_id, path, type, pin_path, interface, mode, loaded_at
		FROM programs WHERE program_id = ?`)
	prepare(&j.stmtList, `
		SELECT program_id, path, type, pin_path, interface, mode, loaded_at
		FROM programs ORDER BY loaded_at, program_id`)
	prepare(&j.stmtPinPaths, `
		SELECT pin_path FROM programs WHERE pin_path != '' ORDER BY pin_path`)

	if err != nil {
		return fmt.Errorf("failed to prepare journal statements: %w", err)
	}
	return nil
}

func (j *sqliteJournal) RecordLoad(ctx context.Context, rec Record) error {
	_, err := j.stmtInsert.ExecContext(ctx,
		rec.ProgramID, rec.Path, string(rec.Type), rec.PinPath,
		rec.Interface, rec.Mode, rec.LoadedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to journal load of %s: %w", rec.ProgramID, err)
	}
	return nil
}

func (j *sqliteJournal) RecordAttach(ctx context.Context, programID, iface, mode string) error {
	res, err := j.stmtAttach.ExecContext(ctx, iface, mode, programID)
	if err != nil {
		return fmt.Errorf("failed to journal attach of %s: %w", programID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (j *sqliteJournal) RecordDetach(ctx context.Context, programID string) error {
	if _, err := j.stmtDetach.ExecContext(ctx, programID); err != nil {
		return fmt.Errorf("failed to journal detach of %s: %w", programID, err)
	}
	return nil
}

func (j *sqliteJournal) RecordUnload(ctx context.Context, programID string) error {
	if _, err := j.stmtDelete.ExecContext(ctx, programID); err != nil {
		return fmt.Errorf("failed to journal unload of %s: %w", programID, err)
	}
	return nil
}

func (j *sqliteJournal) Get(ctx context.Context, programID string) (Record, error) {
	rec, err := scanRecord(j.stmtGet.QueryRowContext(ctx, programID))
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to read journal record %s: %w", programID, err)
	}
	return rec, nil
}

func (j *sqliteJournal) List(ctx context.Context) ([]Record, error) {
	rows, err := j.stmtList.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journal record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (j *sqliteJournal) PinPaths(ctx context.Context) ([]string, error) {
	rows, err := j.stmtPinPaths.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal pin paths: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan pin path: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Close closes all prepared statements and the database connection.
// Statement close errors are ignored because the database is about to
// be closed anyway.
func (j *sqliteJournal) Close() error {
	for _, stmt := range []*sql.Stmt{
		j.stmtInsert, j.stmtAttach, j.stmtDetach, j.stmtDelete,
		j.stmtGet, j.stmtList, j.stmtPinPaths,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return j.db.Close()
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var rec Record
	var typ string
	var loadedAt int64
	if err := s.Scan(&rec.ProgramID, &rec.Path, &typ, &rec.PinPath,
		&rec.Interface, &rec.Mode, &loadedAt); err != nil {
		return Record{}, err
	}
	rec.Type = meshbpf.ProgramType(typ)
	rec.LoadedAt = time.UnixMilli(loadedAt)
	return rec, nil
}
