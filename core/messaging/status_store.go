package messaging

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	_ "modernc.org/sqlite"

	"github.com/vesselworks/plexus/core/storage"
)

// =============================================================================
// Status Store - Tiered Message Status Tracking
// =============================================================================
//
// StatusStore records every message's lifecycle transitions so operators can
// answer "what happened to message X" after the fact:
// - Hot (L1): Ristretto cache for fast access to recent/active messages
// - Cold (L2): SQLite for completed/evicted records and audit queries
//
// When records are evicted from Ristretto (by size/count pressure) they are
// batched into SQLite cold storage. The store is an observability aid, not a
// durability contract; the router works the same with no store attached.

const (
	// DefaultStatusStorePath is the default SQLite database location
	DefaultStatusStorePath = ".plexus/message_status.db"

	// Default cache configuration
	defaultNumCounters = 1e5 // 100k counters for admission policy
	defaultMaxCost     = 1e7 // 10MB max cache size
	defaultBufferItems = 64  // Buffer for async operations
)

// StatusRecord is the minimal representation of message status for storage.
// The payload is never stored, only the tracking metadata.
type StatusRecord struct {
	ID            string        `json:"id"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	From          string        `json:"from"`
	To            string        `json:"to"`
	Kind          string        `json:"kind"`
	Status        Status        `json:"status"`
	Priority      Priority      `json:"priority"`
	Attempts      int           `json:"attempts"`
	CreatedAt     time.Time     `json:"created_at"`
	TTL           time.Duration `json:"ttl,omitempty"`
	SettledAt     *time.Time    `json:"settled_at,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	Error         string        `json:"error,omitempty"`
	ArchivedAt    *time.Time    `json:"archived_at,omitempty"`
}

// Cost returns the estimated memory cost for Ristretto
func (r *StatusRecord) Cost() int64 {
	cost := int64(200) // Base overhead
	cost += int64(len(r.ID))
	cost += int64(len(r.CorrelationID))
	cost += int64(len(r.From))
	cost += int64(len(r.To))
	cost += int64(len(r.Kind))
	cost += int64(len(r.Reason))
	cost += int64(len(r.Error))
	return cost
}

// StatusStore provides tiered message status storage
type StatusStore struct {
	// Hot storage (L1) - Ristretto cache
	cache *ristretto.Cache

	// Cold storage (L2) - SQLite
	db   *sql.DB
	path string

	// Pending evictions buffer (for batch writes to SQLite)
	evictionMu sync.Mutex
	evictions  []*StatusRecord

	// Configuration
	config StatusStoreConfig

	// Metrics (internal with mutex)
	metrics storeMetrics
}

// StatusStoreConfig configures the status store
type StatusStoreConfig struct {
	// SQLite path (empty = default)
	DBPath string

	// Ristretto configuration
	NumCounters int64 // Number of keys to track frequency
	MaxCost     int64 // Maximum cache size in bytes
	BufferItems int64 // Number of keys per Get buffer

	// Eviction batch size (flush to SQLite when reached)
	EvictionBatchSize int

	// TTL for settled records in cold storage (0 = forever)
	ColdStorageTTL time.Duration
}

// DefaultStatusStoreConfig returns sensible defaults
func DefaultStatusStoreConfig() StatusStoreConfig {
	return StatusStoreConfig{
		DBPath:            DefaultStatusStorePath,
		NumCounters:       int64(defaultNumCounters),
		MaxCost:           int64(defaultMaxCost),
		BufferItems:       defaultBufferItems,
		EvictionBatchSize: 100,
		ColdStorageTTL:    7 * 24 * time.Hour,
	}
}

// StatusStoreMetrics is returned by Stats() - snapshot of metrics
type StatusStoreMetrics struct {
	HotHits          int64 `json:"hot_hits"`
	HotMisses        int64 `json:"hot_misses"`
	ColdHits         int64 `json:"cold_hits"`
	ColdMisses       int64 `json:"cold_misses"`
	Evictions        int64 `json:"evictions"`
	TotalTracked     int64 `json:"total_tracked"`
	TotalArchived    int64 `json:"total_archived"`
	DroppedMessages  int64 `json:"dropped_messages"`
	ExpiredMessages  int64 `json:"expired_messages"`
}

// storeMetrics holds metrics with mutex for thread-safe updates
type storeMetrics struct {
	mu              sync.RWMutex
	HotHits         int64
	HotMisses       int64
	ColdHits        int64
	ColdMisses      int64
	Evictions       int64
	TotalTracked    int64
	TotalArchived   int64
	DroppedMessages int64
	ExpiredMessages int64
}

// NewStatusStore creates a new tiered status store
func NewStatusStore(cfg StatusStoreConfig) (*StatusStore, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultStatusStorePath
	}
	if cfg.NumCounters == 0 {
		cfg.NumCounters = int64(defaultNumCounters)
	}
	if cfg.MaxCost == 0 {
		cfg.MaxCost = int64(defaultMaxCost)
	}
	if cfg.BufferItems == 0 {
		cfg.BufferItems = defaultBufferItems
	}
	if cfg.EvictionBatchSize == 0 {
		cfg.EvictionBatchSize = 100
	}

	store := &StatusStore{
		config:    cfg,
		evictions: make([]*StatusRecord, 0, cfg.EvictionBatchSize),
	}

	// Initialize SQLite (cold storage)
	if err := store.initSQLite(cfg.DBPath); err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}

	// Initialize Ristretto (hot storage) with eviction callback
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		OnEvict:     store.onEvict,
		OnReject:    store.onReject,
	})
	if err != nil {
		store.db.Close()
		return nil, fmt.Errorf("failed to initialize Ristretto cache: %w", err)
	}
	store.cache = cache

	return store, nil
}

// initSQLite initializes the SQLite database
func (s *StatusStore) initSQLite(path string) error {
	if err := storage.EnsureStandardDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return fmt.Errorf("failed to enable WAL: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS message_status (
		id TEXT PRIMARY KEY,
		correlation_id TEXT,
		from_agent TEXT NOT NULL,
		to_agent TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL,
		attempts INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		ttl INTEGER,
		settled_at TIMESTAMP,
		reason TEXT,
		error TEXT,
		archived_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_status_correlation ON message_status(correlation_id);
	CREATE INDEX IF NOT EXISTS idx_status_from ON message_status(from_agent);
	CREATE INDEX IF NOT EXISTS idx_status_to ON message_status(to_agent);
	CREATE INDEX IF NOT EXISTS idx_status_status ON message_status(status);
	CREATE INDEX IF NOT EXISTS idx_status_created ON message_status(created_at);
	CREATE INDEX IF NOT EXISTS idx_status_archived ON message_status(archived_at);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return fmt.Errorf("failed to create schema: %w", err)
	}

	s.db = db
	s.path = path
	return nil
}

// onEvict is called when Ristretto evicts an item
func (s *StatusStore) onEvict(item *ristretto.Item) {
	record, ok := item.Value.(*StatusRecord)
	if !ok {
		return
	}

	s.evictionMu.Lock()
	s.evictions = append(s.evictions, record)

	// Flush if batch size reached
	if len(s.evictions) >= s.config.EvictionBatchSize {
		batch := s.evictions
		s.evictions = make([]*StatusRecord, 0, s.config.EvictionBatchSize)
		s.evictionMu.Unlock()

		go s.flushEvictions(batch)
	} else {
		s.evictionMu.Unlock()
	}

	s.metrics.mu.Lock()
	s.metrics.Evictions++
	s.metrics.mu.Unlock()
}

// onReject is called when Ristretto rejects an item
func (s *StatusStore) onReject(item *ristretto.Item) {
	record, ok := item.Value.(*StatusRecord)
	if !ok {
		return
	}

	go s.archiveRecord(record)
}

// flushEvictions writes a batch of evicted records to SQLite
func (s *StatusStore) flushEvictions(records []*StatusRecord) {
	if len(records) == 0 {
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		return
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO message_status
		(id, correlation_id, from_agent, to_agent, kind, status, priority,
		 attempts, created_at, ttl, settled_at, reason, error, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return
	}
	defer stmt.Close()

	now := time.Now()
	for _, record := range records {
		record.ArchivedAt = &now

		var ttlNanos int64
		if record.TTL > 0 {
			ttlNanos = int64(record.TTL)
		}

		_, err := stmt.Exec(
			record.ID, record.CorrelationID, record.From, record.To,
			record.Kind, record.Status, record.Priority,
			record.Attempts, record.CreatedAt, ttlNanos,
			record.SettledAt, record.Reason, record.Error, record.ArchivedAt,
		)
		if err != nil {
			continue
		}
	}

	tx.Commit()

	s.metrics.mu.Lock()
	s.metrics.TotalArchived += int64(len(records))
	s.metrics.mu.Unlock()
}

// archiveRecord writes a single record to SQLite
func (s *StatusStore) archiveRecord(record *StatusRecord) {
	now := time.Now()
	record.ArchivedAt = &now

	var ttlNanos int64
	if record.TTL > 0 {
		ttlNanos = int64(record.TTL)
	}

	_, _ = s.db.Exec(`
		INSERT OR REPLACE INTO message_status
		(id, correlation_id, from_agent, to_agent, kind, status, priority,
		 attempts, created_at, ttl, settled_at, reason, error, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.ID, record.CorrelationID, record.From, record.To,
		record.Kind, record.Status, record.Priority,
		record.Attempts, record.CreatedAt, ttlNanos,
		record.SettledAt, record.Reason, record.Error, record.ArchivedAt,
	)

	s.metrics.mu.Lock()
	s.metrics.TotalArchived++
	s.metrics.mu.Unlock()
}

// =============================================================================
// Public API
// =============================================================================

// Track stores the initial status record for a message in the created state.
// Records are written to both hot cache (for fast lookup) and cold storage
// (for audit queries).
func (s *StatusStore) Track(msg *Message) {
	record := &StatusRecord{
		ID:            msg.ID,
		CorrelationID: msg.CorrelationID,
		From:          msg.From,
		To:            msg.To,
		Kind:          msg.Kind,
		Status:        StatusCreated,
		Priority:      msg.Priority,
		CreatedAt:     msg.CreatedAt,
		TTL:           msg.TTL,
	}

	s.cache.Set(msg.ID, record, record.Cost())
	// Drain the set buffer so status updates arriving right behind Track
	// find the hot record instead of racing the async cold insert.
	s.cache.Wait()
	go s.persistRecord(record)

	s.metrics.mu.Lock()
	s.metrics.TotalTracked++
	s.metrics.mu.Unlock()
}

// persistRecord writes a record to SQLite
func (s *StatusStore) persistRecord(record *StatusRecord) {
	var ttlNanos int64
	if record.TTL > 0 {
		ttlNanos = int64(record.TTL)
	}

	_, _ = s.db.Exec(`
		INSERT OR REPLACE INTO message_status
		(id, correlation_id, from_agent, to_agent, kind, status, priority,
		 attempts, created_at, ttl, settled_at, reason, error, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.ID, record.CorrelationID, record.From, record.To,
		record.Kind, record.Status, record.Priority,
		record.Attempts, record.CreatedAt, ttlNanos,
		record.SettledAt, record.Reason, record.Error, time.Now(),
	)
}

// Get retrieves a status record by message ID.
// Checks hot storage first, then cold storage.
func (s *StatusStore) Get(id string) (*StatusRecord, bool) {
	if val, ok := s.cache.Get(id); ok {
		s.metrics.mu.Lock()
		s.metrics.HotHits++
		s.metrics.mu.Unlock()
		return val.(*StatusRecord), true
	}

	s.metrics.mu.Lock()
	s.metrics.HotMisses++
	s.metrics.mu.Unlock()

	record, err := s.getFromCold(id)
	if err == nil && record != nil {
		s.metrics.mu.Lock()
		s.metrics.ColdHits++
		s.metrics.mu.Unlock()

		// Promote back to hot storage
		s.cache.Set(id, record, record.Cost())
		return record, true
	}

	s.metrics.mu.Lock()
	s.metrics.ColdMisses++
	s.metrics.mu.Unlock()

	return nil, false
}

// getFromCold retrieves a record from SQLite
func (s *StatusStore) getFromCold(id string) (*StatusRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, correlation_id, from_agent, to_agent, kind, status, priority,
		       attempts, created_at, ttl, settled_at, reason, error, archived_at
		FROM message_status WHERE id = ?
	`, id)

	return scanStatusRecord(row)
}

// GetByCorrelation retrieves all records with a given correlation ID,
// oldest first. Cold storage is authoritative since Ristretto does not
// support iteration.
func (s *StatusStore) GetByCorrelation(correlationID string) ([]*StatusRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, correlation_id, from_agent, to_agent, kind, status, priority,
		       attempts, created_at, ttl, settled_at, reason, error, archived_at
		FROM message_status WHERE correlation_id = ?
		ORDER BY created_at ASC
	`, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*StatusRecord
	for rows.Next() {
		record, err := scanStatusRecordRows(rows)
		if err != nil {
			continue
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// GetByStatus retrieves records by status, newest first.
func (s *StatusStore) GetByStatus(status Status, limit int) ([]*StatusRecord, error) {
	query := `
		SELECT id, correlation_id, from_agent, to_agent, kind, status, priority,
		       attempts, created_at, ttl, settled_at, reason, error, archived_at
		FROM message_status WHERE status = ?
		ORDER BY created_at DESC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*StatusRecord
	for rows.Next() {
		record, err := scanStatusRecordRows(rows)
		if err != nil {
			continue
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// GetActive retrieves all non-terminal status records, highest priority
// first and oldest first within a priority.
func (s *StatusStore) GetActive(limit int) ([]*StatusRecord, error) {
	query := `
		SELECT id, correlation_id, from_agent, to_agent, kind, status, priority,
		       attempts, created_at, ttl, settled_at, reason, error, archived_at
		FROM message_status
		WHERE status NOT IN (?, ?, ?)
		ORDER BY priority DESC, created_at ASC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query, StatusDelivered, StatusDropped, StatusExpired)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*StatusRecord
	for rows.Next() {
		record, err := scanStatusRecordRows(rows)
		if err != nil {
			continue
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// UpdateStatus transitions a message's status. The detail string carries
// the drop reason or queue reason ("duplicate", "overload", "retries_exhausted")
// and is kept alongside the terminal state for audit.
func (s *StatusStore) UpdateStatus(id string, status Status, detail string) error {
	var settledAt *time.Time
	if status.IsTerminal() {
		now := time.Now()
		settledAt = &now
	}

	// Update hot storage if present
	if val, ok := s.cache.Get(id); ok {
		record := val.(*StatusRecord)
		record.Status = status
		record.Reason = detail
		record.SettledAt = settledAt
		s.cache.Set(id, record, record.Cost())
	}

	if status == StatusDropped || status == StatusExpired {
		s.metrics.mu.Lock()
		if status == StatusDropped {
			s.metrics.DroppedMessages++
		} else {
			s.metrics.ExpiredMessages++
		}
		s.metrics.mu.Unlock()
	}

	// Update cold storage (synchronous for consistency)
	_, err := s.db.Exec(`
		UPDATE message_status
		SET status = ?, reason = ?, settled_at = ?
		WHERE id = ?
	`, status, detail, settledAt, id)

	return err
}

// RecordAttempt records the outcome of one delivery attempt.
func (s *StatusStore) RecordAttempt(id string, attempt int, attemptErr error) error {
	errMsg := ""
	if attemptErr != nil {
		errMsg = attemptErr.Error()
	}

	if val, ok := s.cache.Get(id); ok {
		record := val.(*StatusRecord)
		record.Attempts = attempt
		record.Error = errMsg
		s.cache.Set(id, record, record.Cost())
	}

	_, err := s.db.Exec(`
		UPDATE message_status
		SET attempts = ?, error = ?
		WHERE id = ?
	`, attempt, errMsg, id)

	return err
}

// Delete removes a record from both hot and cold storage
func (s *StatusStore) Delete(id string) error {
	s.cache.Del(id)
	_, err := s.db.Exec("DELETE FROM message_status WHERE id = ?", id)
	return err
}

// Cleanup removes settled records older than the cold storage TTL.
// Returns the number of rows removed.
func (s *StatusStore) Cleanup() (int64, error) {
	if s.config.ColdStorageTTL == 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-s.config.ColdStorageTTL)
	result, err := s.db.Exec(`
		DELETE FROM message_status
		WHERE archived_at < ? AND status IN (?, ?, ?)
	`, cutoff, StatusDelivered, StatusDropped, StatusExpired)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// Flush forces all pending evictions to be written to SQLite
func (s *StatusStore) Flush() error {
	s.evictionMu.Lock()
	batch := s.evictions
	s.evictions = make([]*StatusRecord, 0, s.config.EvictionBatchSize)
	s.evictionMu.Unlock()

	if len(batch) > 0 {
		s.flushEvictions(batch)
	}

	return nil
}

// Close flushes pending writes and closes the store
func (s *StatusStore) Close() error {
	s.Flush()
	s.cache.Close()
	return s.db.Close()
}

// Stats returns a snapshot of current store statistics
func (s *StatusStore) Stats() StatusStoreMetrics {
	s.metrics.mu.RLock()
	defer s.metrics.mu.RUnlock()
	return StatusStoreMetrics{
		HotHits:         s.metrics.HotHits,
		HotMisses:       s.metrics.HotMisses,
		ColdHits:        s.metrics.ColdHits,
		ColdMisses:      s.metrics.ColdMisses,
		Evictions:       s.metrics.Evictions,
		TotalTracked:    s.metrics.TotalTracked,
		TotalArchived:   s.metrics.TotalArchived,
		DroppedMessages: s.metrics.DroppedMessages,
		ExpiredMessages: s.metrics.ExpiredMessages,
	}
}

// =============================================================================
// Helpers
// =============================================================================

func scanStatusRecord(row *sql.Row) (*StatusRecord, error) {
	var record StatusRecord
	var correlationID, reason, errStr sql.NullString
	var settledAt, archivedAt sql.NullTime
	var ttlNanos sql.NullInt64

	err := row.Scan(
		&record.ID, &correlationID, &record.From, &record.To, &record.Kind,
		&record.Status, &record.Priority, &record.Attempts, &record.CreatedAt,
		&ttlNanos, &settledAt, &reason, &errStr, &archivedAt,
	)
	if err != nil {
		return nil, err
	}

	if correlationID.Valid {
		record.CorrelationID = correlationID.String
	}
	if ttlNanos.Valid {
		record.TTL = time.Duration(ttlNanos.Int64)
	}
	if settledAt.Valid {
		record.SettledAt = &settledAt.Time
	}
	if reason.Valid {
		record.Reason = reason.String
	}
	if errStr.Valid {
		record.Error = errStr.String
	}
	if archivedAt.Valid {
		record.ArchivedAt = &archivedAt.Time
	}

	return &record, nil
}

func scanStatusRecordRows(rows *sql.Rows) (*StatusRecord, error) {
	var record StatusRecord
	var correlationID, reason, errStr sql.NullString
	var settledAt, archivedAt sql.NullTime
	var ttlNanos sql.NullInt64

	err := rows.Scan(
		&record.ID, &correlationID, &record.From, &record.To, &record.Kind,
		&record.Status, &record.Priority, &record.Attempts, &record.CreatedAt,
		&ttlNanos, &settledAt, &reason, &errStr, &archivedAt,
	)
	if err != nil {
		return nil, err
	}

	if correlationID.Valid {
		record.CorrelationID = correlationID.String
	}
	if ttlNanos.Valid {
		record.TTL = time.Duration(ttlNanos.Int64)
	}
	if settledAt.Valid {
		record.SettledAt = &settledAt.Time
	}
	if reason.Valid {
		record.Reason = reason.String
	}
	if errStr.Valid {
		record.Error = errStr.String
	}
	if archivedAt.Valid {
		record.ArchivedAt = &archivedAt.Time
	}

	return &record, nil
}
