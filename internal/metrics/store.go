package metrics

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// RunRecord is one persisted lens refresh.
type RunRecord struct {
	ID         string        `json:"id"`
	Repository string        `json:"repository"`
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"duration"`
	Status     string        `json:"status"`
	Lenses     int           `json:"lenses"`
	Error      string        `json:"error,omitempty"`
}

// StoreConfig holds configuration for the refresh history store
type StoreConfig struct {
	DBPath          string
	WriteBufferSize int           // Records buffered before a batch write
	FlushInterval   time.Duration // Max time between flushes
	Retention       time.Duration // How long runs are kept
}

// DefaultStoreConfig returns defaults for a store under dataDir.
func DefaultStoreConfig(dataDir string) StoreConfig {
	return StoreConfig{
		DBPath:          filepath.Join(dataDir, "history.db"),
		WriteBufferSize: 20,
		FlushInterval:   5 * time.Second,
		Retention:       7 * 24 * time.Hour,
	}
}

// Store persists refresh runs in SQLite so history survives restarts.
type Store struct {
	db     *sql.DB
	config StoreConfig

	bufferMu sync.Mutex
	buffer   []RunRecord

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewStore opens (creating if needed) the database at config.DBPath.
func NewStore(config StoreConfig) (*Store, error) {
	if config.WriteBufferSize <= 0 {
		config.WriteBufferSize = 1
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}

	dir := filepath.Dir(config.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", config.DBPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{
		db:     db,
		config: config,
		buffer: make([]RunRecord, 0, config.WriteBufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	go store.backgroundWorker()

	log.Info().
		Str("path", config.DBPath).
		Dur("retention", config.Retention).
		Msg("Refresh history store initialized")

	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS refresh_runs (
			id TEXT PRIMARY KEY,
			repository TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			status TEXT NOT NULL,
			lenses INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_refresh_runs_lookup
		ON refresh_runs(repository, started_at);

		CREATE INDEX IF NOT EXISTS idx_refresh_runs_started
		ON refresh_runs(started_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Record adds a run to the write buffer, writing the batch once the buffer
// is full.
func (s *Store) Record(run RunRecord) {
	s.bufferMu.Lock()
	s.buffer = append(s.buffer, run)
	var toWrite []RunRecord
	if len(s.buffer) >= s.config.WriteBufferSize {
		toWrite = s.takeBufferLocked()
	}
	s.bufferMu.Unlock()

	s.writeBatch(toWrite)
}

// takeBufferLocked empties the buffer (caller must hold bufferMu).
func (s *Store) takeBufferLocked() []RunRecord {
	if len(s.buffer) == 0 {
		return nil
	}
	toWrite := make([]RunRecord, len(s.buffer))
	copy(toWrite, s.buffer)
	s.buffer = s.buffer[:0]
	return toWrite
}

func (s *Store) writeBatch(runs []RunRecord) {
	if len(runs) == 0 {
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		log.Error().Err(err).Msg("Failed to begin history transaction")
		return
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO refresh_runs (id, repository, started_at, duration_ms, status, lenses, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		log.Error().Err(err).Msg("Failed to prepare history insert")
		return
	}
	defer stmt.Close()

	for _, r := range runs {
		_, err := stmt.Exec(r.ID, r.Repository, r.StartedAt.UnixMilli(), r.Duration.Milliseconds(), r.Status, r.Lenses, r.Error)
		if err != nil {
			log.Warn().Err(err).Str("run_id", r.ID).Msg("Failed to insert refresh run")
		}
	}

	if err := tx.Commit(); err != nil {
		log.Error().Err(err).Msg("Failed to commit history batch")
		return
	}

	log.Debug().Int("count", len(runs)).Msg("Wrote refresh history batch")
}

// Query returns runs started at or after since, newest first. An empty
// repository matches every repository; a non-positive limit returns all.
func (s *Store) Query(repository string, since time.Time, limit int) ([]RunRecord, error) {
	s.Flush()

	query := `
		SELECT id, repository, started_at, duration_ms, status, lenses, error
		FROM refresh_runs
		WHERE started_at >= ? AND (? = '' OR repository = ?)
		ORDER BY started_at DESC, id DESC
	`
	args := []interface{}{since.UnixMilli(), repository, repository}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query refresh history: %w", err)
	}
	defer rows.Close()

	runs := make([]RunRecord, 0)
	for rows.Next() {
		var r RunRecord
		var startedMs, durationMs int64
		if err := rows.Scan(&r.ID, &r.Repository, &startedMs, &durationMs, &r.Status, &r.Lenses, &r.Error); err != nil {
			log.Warn().Err(err).Msg("Failed to scan refresh run row")
			continue
		}
		r.StartedAt = time.UnixMilli(startedMs)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

func (s *Store) backgroundWorker() {
	defer close(s.doneCh)

	flushTicker := time.NewTicker(s.config.FlushInterval)
	retentionTicker := time.NewTicker(1 * time.Hour)

	defer flushTicker.Stop()
	defer retentionTicker.Stop()

	s.runRetention(time.Now())

	for {
		select {
		case <-s.stopCh:
			s.Flush()
			return

		case <-flushTicker.C:
			s.Flush()

		case <-retentionTicker.C:
			s.runRetention(time.Now())
		}
	}
}

// Flush writes any buffered runs to the database
func (s *Store) Flush() {
	s.bufferMu.Lock()
	toWrite := s.takeBufferLocked()
	s.bufferMu.Unlock()

	s.writeBatch(toWrite)
}

// runRetention deletes runs older than the retention window. A non-positive
// retention keeps everything.
func (s *Store) runRetention(now time.Time) int64 {
	if s.config.Retention <= 0 {
		return 0
	}

	cutoff := now.Add(-s.config.Retention).UnixMilli()
	result, err := s.db.Exec(`DELETE FROM refresh_runs WHERE started_at < ?`, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to prune refresh history")
		return 0
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Msg("Refresh history retention cleanup completed")
	}
	return deleted
}

// Close flushes pending runs and closes the database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})

	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("Refresh history store shutdown timed out")
	}

	return s.db.Close()
}

// Stats holds history store statistics
type Stats struct {
	DBPath     string `json:"dbPath"`
	DBSize     int64  `json:"dbSize"`
	Runs       int64  `json:"runs"`
	BufferSize int    `json:"bufferSize"`
}

// GetStats returns storage statistics
func (s *Store) GetStats() Stats {
	stats := Stats{DBPath: s.config.DBPath}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM refresh_runs`).Scan(&stats.Runs); err != nil {
		log.Debug().Err(err).Msg("Failed to count refresh runs")
	}
	if fi, err := os.Stat(s.config.DBPath); err == nil {
		stats.DBSize = fi.Size()
	}

	s.bufferMu.Lock()
	stats.BufferSize = len(s.buffer)
	s.bufferMu.Unlock()

	return stats
}
