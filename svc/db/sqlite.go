package db

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/est/p.est.im/pkg/domain"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 50
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

// Store is the backing record store: a single table keyed by paste id
// with the content blob, the three metadata envelopes and the
// lifecycle stamps. The primary key provides the atomic
// insert-if-absent used for conflict detection.
type Store struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func NewStore(path string) (*Store, error) {
	return NewStoreWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewStoreWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*Store, error) {
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(1 * time.Hour)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)
	if err := sqlDB.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &Store{
		db:           sqlDB,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *Store) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	case circuitHalfOpen:
		return nil
	default:
		return nil
	}
}

func (s *Store) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		isConstraintErr(err) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func isConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

// Id reuse after deletion is deliberate: DELETE removes the row
// outright, so a later insert may claim the same id again.
func (s *Store) migrate() error {
	_, err := s.db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	_, err = s.db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		content BLOB NOT NULL,
		uploader_info TEXT NOT NULL,
		counters TEXT NOT NULL,
		system_info TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		last_access_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at);
	`
	_, err = s.db.Exec(query)
	return err
}

// Insert stores a new paste. A duplicate id surfaces as
// domain.ErrConflict; the caller owns the retry policy.
func (s *Store) Insert(ctx context.Context, p *domain.Paste) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	uploader, err := domain.EncodeUploader(p.Uploader)
	if err != nil {
		return err
	}
	counters, err := domain.EncodeCounters(p.Counters)
	if err != nil {
		return err
	}
	system, err := domain.EncodeSystem(p.System)
	if err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO pastes (id, content, uploader_info, counters, system_info, created_at, expires_at, last_access_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(queryCtx, q,
		p.ID, p.Content, uploader, counters, system, p.CreatedAt, p.ExpiresAt, p.LastAccessAt,
	)
	s.recordError(err)
	if isConstraintErr(err) {
		return domain.ErrConflict
	}
	return errors.Wrap(err, "db insert")
}

// Get fetches a paste regardless of expiry; lifecycle classification
// (live vs gone) belongs to the caller, which needs to tell an expired
// record apart from an absent one.
func (s *Store) Get(ctx context.Context, id string) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT id, content, uploader_info, counters, system_info, created_at, expires_at, COALESCE(last_access_at, 0)
	FROM pastes WHERE id = ?
	`
	var p domain.Paste
	var uploader, counters, system string
	err := s.db.QueryRowContext(queryCtx, q, id).Scan(
		&p.ID, &p.Content, &uploader, &counters, &system, &p.CreatedAt, &p.ExpiresAt, &p.LastAccessAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get")
	}
	if p.Uploader, err = domain.DecodeUploader(uploader); err != nil {
		return nil, err
	}
	if p.Counters, err = domain.DecodeCounters(counters); err != nil {
		return nil, err
	}
	if p.System, err = domain.DecodeSystem(system); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `DELETE FROM pastes WHERE id = ?`
	res, err := s.db.ExecContext(queryCtx, q, id)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "db delete")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateAccess persists the refreshed counters envelope and access
// stamp. Single-row atomic update; concurrent readers may overwrite
// each other's view counts, which is accepted for informational
// counters.
func (s *Store) UpdateAccess(ctx context.Context, id string, c domain.Counters, lastAccess int64) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	counters, err := domain.EncodeCounters(c)
	if err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `UPDATE pastes SET counters = ?, last_access_at = ? WHERE id = ?`
	_, err = s.db.ExecContext(queryCtx, q, counters, lastAccess, id)
	s.recordError(err)
	return errors.Wrap(err, "update access")
}

// SweepExpired deletes records whose expiry has passed, in bounded
// batches so a large backlog cannot hold a write lock for long.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	totalDeleted := 0
	const maxIterations = 1000
	for i := 0; i < maxIterations; i++ {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		result, err := s.db.ExecContext(queryCtx, `
			DELETE FROM pastes
			WHERE id IN (
				SELECT id FROM pastes
				WHERE expires_at <= ?
				LIMIT 100
			)
		`, now.Unix())
		cancel()
		s.recordError(err)
		if err != nil {
			return totalDeleted, errors.Wrap(err, "sweep batch failed")
		}
		deleted, _ := result.RowsAffected()
		totalDeleted += int(deleted)
		if deleted == 0 {
			break
		}
	}
	return totalDeleted, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
