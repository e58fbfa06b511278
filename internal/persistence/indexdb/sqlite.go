package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"fleetpilot.ai/internal/autoplay"
)

// SQLiteIndex is a queryable secondary index of agent records. Writes are
// queued and applied by a single writer goroutine; the journal stays the
// source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropRecords atomic.Uint64
	writeErrors atomic.Uint64
}

var _ autoplay.Sink = (*SQLiteIndex)(nil)

type reqKind int

const (
	reqRecord reqKind = iota + 1
	reqFlush
)

type req struct {
	kind reqKind

	record autoplay.Record
	done   chan struct{}
}

type Stats struct {
	QueueDepth       int
	QueueCapacity    int
	DropRecordsTotal uint64
	WriteErrorsTotal uint64
}

// OperationRow is the latest known operation of one entity.
type OperationRow struct {
	EntityID    string
	Role        string
	Event       string
	State       string
	OpKind      string
	OpDetail    string
	CallsIssued uint64
	CallErrors  uint64
	LastResult  string
	UpdatedAt   time.Time
}

// CallRow is one issued, applied or failed call.
type CallRow struct {
	EntityID string
	Event    string
	ReqID    string
	Action   string
	TxRef    string
	Error    string
	At       time.Time
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS operations (
			entity_id TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			event TEXT NOT NULL,
			state TEXT NOT NULL,
			op_kind TEXT NOT NULL,
			op_detail TEXT NOT NULL,
			calls_issued INTEGER NOT NULL,
			call_errors INTEGER NOT NULL,
			last_result TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id TEXT NOT NULL,
			event TEXT NOT NULL,
			req_id TEXT NOT NULL,
			action TEXT NOT NULL,
			tx_ref TEXT NOT NULL,
			error TEXT NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_calls_entity ON calls(entity_id, id);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// WriteRecord queues r. It never blocks; records are dropped when the writer
// falls behind.
func (s *SQLiteIndex) WriteRecord(r autoplay.Record) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqRecord, record: r}:
	default:
		s.dropRecords.Add(1)
	}
	return nil
}

// Flush blocks until every record queued before the call is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:       len(s.ch),
		QueueCapacity:    cap(s.ch),
		DropRecordsTotal: s.dropRecords.Load(),
		WriteErrorsTotal: s.writeErrors.Load(),
	}
}

func (s *SQLiteIndex) LatestOperations(ctx context.Context) ([]OperationRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entity_id, role, event, state, op_kind, op_detail,
		calls_issued, call_errors, last_result, updated_at FROM operations ORDER BY entity_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OperationRow
	for rows.Next() {
		var r OperationRow
		var at string
		if err := rows.Scan(&r.EntityID, &r.Role, &r.Event, &r.State, &r.OpKind, &r.OpDetail,
			&r.CallsIssued, &r.CallErrors, &r.LastResult, &at); err != nil {
			return nil, err
		}
		r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentCalls returns up to limit calls for entityID, newest first.
func (s *SQLiteIndex) RecentCalls(ctx context.Context, entityID string, limit int) ([]CallRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT entity_id, event, req_id, action, tx_ref, error, at
		FROM calls WHERE entity_id = ? ORDER BY id DESC LIMIT ?`, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CallRow
	for rows.Next() {
		var r CallRow
		var at string
		if err := rows.Scan(&r.EntityID, &r.Event, &r.ReqID, &r.Action, &r.TxRef, &r.Error, &at); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	upsertOp, _ := s.db.Prepare(`INSERT OR REPLACE INTO operations(entity_id,role,event,state,op_kind,op_detail,calls_issued,call_errors,last_result,updated_at) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	insertCall, _ := s.db.Prepare(`INSERT INTO calls(entity_id,event,req_id,action,tx_ref,error,at) VALUES(?,?,?,?,?,?,?)`)
	defer func() {
		if upsertOp != nil {
			_ = upsertOp.Close()
		}
		if insertCall != nil {
			_ = insertCall.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.writeErrors.Add(1)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeErrors.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.writeErrors.Add(1)
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	// Readers share the single connection, so an open batch is committed
	// within commitMaxWait even when no further records arrive.
	ticker := time.NewTicker(commitMaxWait / 4)
	defer ticker.Stop()

	for {
		var r req
		select {
		case <-ticker.C:
			flushIfNeeded()
			continue
		case next, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			r = next
		}
		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		rec := r.record
		at := rec.Time.UTC().Format(time.RFC3339Nano)
		if upsertOp != nil {
			if _, err := tx.Stmt(upsertOp).Exec(
				string(rec.EntityID),
				rec.Role,
				string(rec.Event),
				rec.State,
				string(rec.Operation.Kind),
				rec.Operation.Detail,
				int64(rec.Counters.CallsIssued),
				int64(rec.Counters.CallErrors),
				rec.Counters.LastResult,
				at,
			); err != nil {
				rollback()
				continue
			}
			opCount++
		}
		switch rec.Event {
		case autoplay.EventIssued, autoplay.EventApplied, autoplay.EventFailed:
			if insertCall != nil {
				if _, err := tx.Stmt(insertCall).Exec(
					string(rec.EntityID),
					string(rec.Event),
					rec.ReqID,
					rec.Action,
					rec.TxRef,
					rec.Error,
					at,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}
}
