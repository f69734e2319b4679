package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/AlibekovAA/clinic-auth/internal/common/logger"
	"github.com/AlibekovAA/clinic-auth/internal/session/migrations"
)

// SQLiteStore keeps the pair in a single-row table so that every process
// pointed at the same file sees one session. Writes from other connections
// are detected by polling PRAGMA data_version.
type SQLiteStore struct {
	notifier
	db       *sql.DB
	interval time.Duration
	log      *logger.Logger

	lastVersion int64
	stop        chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
}

func OpenSQLiteStore(ctx context.Context, path string, watchInterval time.Duration, log *logger.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	// One connection: data_version only moves for writes made elsewhere.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure session db: %w", err)
	}
	if err := migrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate session db: %w", err)
	}

	s := &SQLiteStore{
		db:       db,
		interval: watchInterval,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if s.interval <= 0 {
		s.interval = time.Second
	}

	version, err := s.dataVersion(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.lastVersion = version

	go s.watch()
	return s, nil
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

func (s *SQLiteStore) Load(ctx context.Context) (TokenPair, error) {
	var pair TokenPair
	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token FROM session_tokens WHERE id = 1`,
	).Scan(&pair.AccessToken, &pair.RefreshToken)
	if errors.Is(err, sql.ErrNoRows) {
		return TokenPair{}, nil
	}
	if err != nil {
		return TokenPair{}, fmt.Errorf("load session tokens: %w", err)
	}
	return pair, nil
}

func (s *SQLiteStore) Save(ctx context.Context, pair TokenPair) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_tokens (id, access_token, refresh_token, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			updated_at = excluded.updated_at,
			claim_until = 0
	`, pair.AccessToken, pair.RefreshToken, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save session tokens: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_tokens`); err != nil {
		return fmt.Errorf("clear session tokens: %w", err)
	}
	return nil
}

// ClaimRefresh grants the claim with a conditional UPDATE, so two processes
// racing for the same row see exactly one affected row between them.
func (s *SQLiteStore) ClaimRefresh(ctx context.Context, refreshToken string, lease time.Duration) (TokenPair, bool, error) {
	now := time.Now()
	granted := false
	if refreshToken != "" {
		res, err := s.db.ExecContext(ctx, `
			UPDATE session_tokens
			   SET claim_until = ?
			 WHERE id = 1
			   AND refresh_token = ?
			   AND claim_until <= ?
		`, now.Add(lease).UnixNano(), refreshToken, now.UnixNano())
		if err != nil {
			return TokenPair{}, false, fmt.Errorf("claim session refresh: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return TokenPair{}, false, fmt.Errorf("claim session refresh: %w", err)
		}
		granted = n == 1
	}

	pair, err := s.Load(ctx)
	if err != nil {
		return TokenPair{}, false, err
	}
	return pair, granted, nil
}

func (s *SQLiteStore) SaveIf(ctx context.Context, refreshToken string, pair TokenPair) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE session_tokens
		   SET access_token = ?,
		       refresh_token = ?,
		       updated_at = ?,
		       claim_until = 0
		 WHERE id = 1
		   AND refresh_token = ?
	`, pair.AccessToken, pair.RefreshToken, time.Now().UnixMilli(), refreshToken)
	if err != nil {
		return false, fmt.Errorf("save session tokens: %w", err)
	}
	return affectedOne(res, "save session tokens")
}

func (s *SQLiteStore) ClearIf(ctx context.Context, refreshToken string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM session_tokens WHERE id = 1 AND refresh_token = ?`,
		refreshToken,
	)
	if err != nil {
		return false, fmt.Errorf("clear session tokens: %w", err)
	}
	return affectedOne(res, "clear session tokens")
}

func affectedOne(res sql.Result, op string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteStore) dataVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read session db version: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) watch() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.interval)
		v, err := s.dataVersion(ctx)
		cancel()
		if err != nil {
			s.log.Debugf("session store watch: %v", err)
			continue
		}
		if v == s.lastVersion {
			continue
		}
		s.lastVersion = v

		for _, fn := range s.listeners() {
			fn()
		}
	}
}
