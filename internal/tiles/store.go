package tiles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	_ "github.com/mattn/go-sqlite3"
)

// storeBusyTimeout bounds how long a point lookup or write may wait on a
// locked database before it is treated as a miss.
const storeBusyTimeout = 500 * time.Millisecond

// WithStoreLogger sets the logger for the store.
func WithStoreLogger(logger *slog.Logger) func(s *Store) {
	return func(s *Store) {
		s.logger = logger.With(slog.String("component", "tile_store"))
	}
}

// Store is the durable tile cache backed by Sqlite. Tiles survive process
// restarts, which keeps the map usable offline. All methods are safe for
// concurrent use by multiple fetch workers; collisions on a key resolve to
// last-write-wins.
type Store struct {
	dbPath string

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error

	logger *slog.Logger
}

// NewStore creates a tile store persisting to the Sqlite database at dbPath.
// Connections are opened lazily on first use.
func NewStore(dbPath string, options ...func(s *Store)) *Store {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	s := Store{dbPath: dbPath, logger: logger}
	for _, option := range options {
		option(&s)
	}
	return &s
}

func runSQLCommand(db *sql.DB, sql string) error {
	_, err := db.Exec(sql)
	return err
}

func (s *Store) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d",
			s.dbPath, storeBusyTimeout.Milliseconds())

		db, err := sql.Open("sqlite3", dsn)
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}

		if err = runSQLCommand(db, schemaSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

func (s *Store) getReadDB() (*sql.DB, error) {
	s.readDBOnce.Do(func() {
		// Schema must exist before a read-only connection can be opened.
		if _, err := s.getWriteDB(); err != nil {
			s.readDBErr = err
			return
		}

		dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=%d", s.dbPath, storeBusyTimeout.Milliseconds())
		db, err := sql.Open("sqlite3", dsn)
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

// Get returns the raw encoded bytes for a tile, or ok=false when the tile is
// absent. A busy or broken store is reported as a miss, never as an error:
// the caller falls through to a network fetch.
func (s *Store) Get(ctx context.Context, key Key) ([]byte, bool) {
	db, err := s.getReadDB()
	if err != nil {
		s.logger.Debug("cache read unavailable", slog.String("error", err.Error()))
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, storeBusyTimeout)
	defer cancel()

	var data []byte
	if err = db.QueryRowContext(ctx, selectTileSQL, key.String()).Scan(&data); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Debug("cache miss", slog.String("key", key.String()), slog.String("error", err.Error()))
		}
		return nil, false
	}
	return data, true
}

// Put stores the raw encoded bytes for a tile. Writes are best-effort: a
// cache write failure must not degrade live tile display, so errors are
// logged at debug level and swallowed.
func (s *Store) Put(ctx context.Context, key Key, data []byte) {
	db, err := s.getWriteDB()
	if err != nil {
		s.logger.Debug("cache write unavailable", slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, storeBusyTimeout)
	defer cancel()

	_, err = db.ExecContext(ctx, upsertTileSQL,
		key.String(),
		string(key.Provider),
		key.Z,
		key.X,
		key.Y,
		data,
		time.Now().Unix(),
		len(data),
	)
	if err != nil {
		s.logger.Debug("cache write failed", slog.String("key", key.String()), slog.String("error", err.Error()))
	}
}

// EvictOld removes tiles older than maxAge, then, while the total stored size
// still exceeds maxTotalSize, removes the oldest quarter of the remaining
// tiles by timestamp. Space is reclaimed afterwards with VACUUM.
func (s *Store) EvictOld(ctx context.Context, maxAge time.Duration, maxTotalSize int64) error {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	cutoff := time.Now().Add(-maxAge).Unix()
	if _, err = db.ExecContext(ctx, deleteExpiredSQL, cutoff); err != nil {
		return fmt.Errorf("deleting expired tiles: %w", err)
	}

	var total int64
	if err = db.QueryRowContext(ctx, selectTotalSizeSQL).Scan(&total); err != nil {
		return fmt.Errorf("querying total size: %w", err)
	}

	for total > maxTotalSize {
		result, err := db.ExecContext(ctx, deleteOldestQuarterSQL)
		if err != nil {
			return fmt.Errorf("deleting oldest tiles: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("counting deleted tiles: %w", err)
		}
		if n == 0 {
			break
		}

		if err = db.QueryRowContext(ctx, selectTotalSizeSQL).Scan(&total); err != nil {
			return fmt.Errorf("querying total size: %w", err)
		}
	}

	if err = runSQLCommand(db, "VACUUM"); err != nil {
		return fmt.Errorf("reclaiming space: %w", err)
	}

	s.logger.Info("tile cache sweep complete", slog.String("totalSize", humanize.Bytes(uint64(total))))
	return nil
}

// Close releases both database connections. Safe to call multiple times.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		var writeErr, readErr error

		if s.writeDB != nil {
			writeErr = s.writeDB.Close()
			s.writeDB = nil
		}
		if s.readDB != nil {
			readErr = s.readDB.Close()
			s.readDB = nil
		}

		switch {
		case writeErr != nil && readErr != nil:
			s.closeErr = errors.Join(writeErr, readErr)
		case writeErr != nil:
			s.closeErr = writeErr
		case readErr != nil:
			s.closeErr = readErr
		}
	})

	return s.closeErr
}
