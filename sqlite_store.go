package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteStoreConfig configures the SQLite-backed local store.
type SQLiteStoreConfig struct {
	// Path to the SQLite database file.
	Path string `yaml:"path"`

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string `yaml:"journal_mode"`

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA).
	Synchronous string `yaml:"synchronous"`

	// BusyTimeout is the timeout for acquiring locks in milliseconds.
	BusyTimeout int `yaml:"busy_timeout"`

	// MaxConnections is the max number of database connections.
	MaxConnections int `yaml:"max_connections"`

	// CompressionThreshold is the payload size in bytes above which payloads
	// are snappy-compressed before hitting disk. Zero disables compression.
	CompressionThreshold int `yaml:"compression_threshold"`

	// Encryption configures AES-256-GCM encryption at rest.
	Encryption EncryptionConfig `yaml:"encryption"`
}

// DefaultSQLiteStoreConfig returns default configuration.
func DefaultSQLiteStoreConfig(path string) SQLiteStoreConfig {
	return SQLiteStoreConfig{
		Path:                 path,
		JournalMode:          "WAL",
		Synchronous:          "NORMAL",
		BusyTimeout:          5000,
		MaxConnections:       4,
		CompressionThreshold: 4096,
	}
}

// Payload flags persisted alongside each blob.
const (
	payloadCompressed = 1 << iota
	payloadEncrypted
)

// SQLiteStore implements LocalStore on a single SQLite file, so a client's
// cache, mutation queue, and prepared windows survive process restart.
type SQLiteStore struct {
	db     *sql.DB
	config SQLiteStoreConfig
	cipher *PayloadCipher
	mu     sync.RWMutex
	closed bool

	// Prepared statements for hot paths
	getEntry    *sql.Stmt
	putEntry    *sql.Stmt
	delEntry    *sql.Stmt
	appendMut   *sql.Stmt
	delMut      *sql.Stmt
	countMut    *sql.Stmt
	putWindow   *sql.Stmt
	delWindow   *sql.Stmt
	listMut     *sql.Stmt
	listWindows *sql.Stmt
}

// NewSQLiteStore opens (or creates) the store at the configured path.
func NewSQLiteStore(config SQLiteStoreConfig) (*SQLiteStore, error) {
	if config.Path == "" {
		return nil, errors.New("sqlite store: path is required")
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 4
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		config.Path, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	store := &SQLiteStore{db: db, config: config}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: init schema: %w", err)
	}
	if err := store.initCipher(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: init cipher: %w", err)
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: prepare statements: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS meta (
			k TEXT PRIMARY KEY,
			v BLOB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cache_entries (
			key        TEXT PRIMARY KEY,
			payload    BLOB NOT NULL,
			flags      INTEGER NOT NULL DEFAULT 0,
			stored_at  INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS pending_mutations (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL UNIQUE,
			format      TEXT NOT NULL,
			op_key      TEXT,
			url         TEXT,
			method      TEXT,
			headers     TEXT,
			body        BLOB,
			flags       INTEGER NOT NULL DEFAULT 0,
			action      TEXT,
			data        BLOB,
			data_flags  INTEGER NOT NULL DEFAULT 0,
			enqueued_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS prepared_windows (
			id          TEXT PRIMARY KEY,
			scope_id    TEXT NOT NULL,
			start_date  TEXT NOT NULL,
			end_date    TEXT NOT NULL,
			dates       TEXT NOT NULL,
			prepared_at INTEGER NOT NULL,
			expires_at  INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
		CREATE INDEX IF NOT EXISTS idx_windows_end ON prepared_windows(end_date);
	`
	_, err := s.db.Exec(schema)
	return err
}

// initCipher loads or persists the key-derivation salt so a passphrase key
// decrypts payloads written by earlier runs.
func (s *SQLiteStore) initCipher() error {
	if !s.config.Encryption.Enabled {
		return nil
	}

	var salt []byte
	err := s.db.QueryRow(`SELECT v FROM meta WHERE k = 'cipher_salt'`).Scan(&salt)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	cipher, err := NewPayloadCipher(s.config.Encryption, salt)
	if err != nil {
		return err
	}
	s.cipher = cipher

	if salt == nil && cipher.Salt() != nil {
		if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta (k, v) VALUES ('cipher_salt', ?)`, cipher.Salt()); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) prepareStatements() error {
	stmts := []struct {
		dst **sql.Stmt
		sql string
	}{
		{&s.getEntry, `SELECT payload, flags, stored_at, expires_at FROM cache_entries WHERE key = ?`},
		{&s.putEntry, `INSERT OR REPLACE INTO cache_entries (key, payload, flags, stored_at, expires_at) VALUES (?, ?, ?, ?, ?)`},
		{&s.delEntry, `DELETE FROM cache_entries WHERE key = ?`},
		{&s.appendMut, `INSERT INTO pending_mutations (id, format, op_key, url, method, headers, body, flags, action, data, data_flags, enqueued_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{&s.delMut, `DELETE FROM pending_mutations WHERE id = ?`},
		{&s.countMut, `SELECT COUNT(*) FROM pending_mutations`},
		{&s.listMut, `SELECT seq, id, format, op_key, url, method, headers, body, flags, action, data, data_flags, enqueued_at FROM pending_mutations ORDER BY seq`},
		{&s.putWindow, `INSERT OR REPLACE INTO prepared_windows (id, scope_id, start_date, end_date, dates, prepared_at, expires_at) VALUES (?, ?, ?, ?, ?, ?, ?)`},
		{&s.delWindow, `DELETE FROM prepared_windows WHERE id = ?`},
		{&s.listWindows, `SELECT id, scope_id, start_date, end_date, dates, prepared_at, expires_at FROM prepared_windows ORDER BY prepared_at`},
	}
	for _, st := range stmts {
		prepared, err := s.db.Prepare(st.sql)
		if err != nil {
			return err
		}
		*st.dst = prepared
	}
	return nil
}

// encodePayload applies compression then encryption, returning the stored
// blob and its flags.
func (s *SQLiteStore) encodePayload(payload []byte) ([]byte, int, error) {
	flags := 0
	blob := payload
	if s.config.CompressionThreshold > 0 && len(blob) >= s.config.CompressionThreshold {
		blob = snappy.Encode(nil, blob)
		flags |= payloadCompressed
	}
	if s.cipher != nil {
		encrypted, err := s.cipher.Encrypt(blob)
		if err != nil {
			return nil, 0, err
		}
		blob = encrypted
		flags |= payloadEncrypted
	}
	return blob, flags, nil
}

func (s *SQLiteStore) decodePayload(blob []byte, flags int) ([]byte, error) {
	if flags&payloadEncrypted != 0 {
		if s.cipher == nil {
			return nil, errors.New("sqlite store: encrypted payload but encryption is disabled")
		}
		decrypted, err := s.cipher.Decrypt(blob)
		if err != nil {
			return nil, err
		}
		blob = decrypted
	}
	if flags&payloadCompressed != 0 {
		decoded, err := snappy.Decode(nil, blob)
		if err != nil {
			return nil, err
		}
		blob = decoded
	}
	return blob, nil
}

func (s *SQLiteStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrEngineClosed
	}
	return nil
}

// GetEntry returns the cache entry for key, or ErrCacheMiss.
func (s *SQLiteStore) GetEntry(ctx context.Context, key string) (*CacheEntry, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	var blob []byte
	var flags int
	var storedAt, expiresAt int64
	err := s.getEntry.QueryRowContext(ctx, key).Scan(&blob, &flags, &storedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite store: get entry: %w", err)
	}

	payload, err := s.decodePayload(blob, flags)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: decode entry %q: %w", key, err)
	}
	return &CacheEntry{
		Key:       key,
		Payload:   payload,
		StoredAt:  time.Unix(0, storedAt),
		ExpiresAt: time.Unix(0, expiresAt),
	}, nil
}

// PutEntry atomically replaces the entry for the key.
func (s *SQLiteStore) PutEntry(ctx context.Context, entry CacheEntry) error {
	if err := s.guard(); err != nil {
		return err
	}

	blob, flags, err := s.encodePayload(entry.Payload)
	if err != nil {
		return fmt.Errorf("sqlite store: encode entry %q: %w", entry.Key, err)
	}
	_, err = s.putEntry.ExecContext(ctx, entry.Key, blob, flags, entry.StoredAt.UnixNano(), entry.ExpiresAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite store: put entry: %w", err)
	}
	return nil
}

// DeleteEntry removes an entry. Deleting a missing key is not an error.
func (s *SQLiteStore) DeleteEntry(ctx context.Context, key string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if _, err := s.delEntry.ExecContext(ctx, key); err != nil {
		return fmt.Errorf("sqlite store: delete entry: %w", err)
	}
	return nil
}

// AppendMutation appends a mutation and returns its sequence number.
func (s *SQLiteStore) AppendMutation(ctx context.Context, m PendingMutation) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}

	var headersJSON []byte
	if len(m.Headers) > 0 {
		var err error
		headersJSON, err = json.Marshal(m.Headers)
		if err != nil {
			return 0, fmt.Errorf("sqlite store: marshal headers: %w", err)
		}
	}

	body, flags, err := s.encodePayload(m.Body)
	if err != nil {
		return 0, fmt.Errorf("sqlite store: encode body: %w", err)
	}
	if m.Body == nil {
		body, flags = nil, 0
	}

	// Legacy point-updates carry the same sensitive cargo as structured
	// bodies, so Data takes the same codec path.
	data, dataFlags, err := s.encodePayload(m.Data)
	if err != nil {
		return 0, fmt.Errorf("sqlite store: encode data: %w", err)
	}
	if m.Data == nil {
		data, dataFlags = nil, 0
	}

	res, err := s.appendMut.ExecContext(ctx, m.ID, string(m.Format), m.Key, m.URL, m.Method,
		string(headersJSON), body, flags, m.Action, data, dataFlags, m.EnqueuedAt.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite store: append mutation: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite store: append mutation: %w", err)
	}
	return seq, nil
}

// ListMutations returns all pending mutations in enqueue order.
func (s *SQLiteStore) ListMutations(ctx context.Context) ([]PendingMutation, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.listMut.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list mutations: %w", err)
	}
	defer rows.Close()

	var result []PendingMutation
	for rows.Next() {
		var m PendingMutation
		var format, headersJSON string
		var body, data []byte
		var flags, dataFlags int
		var enqueuedAt int64

		if err := rows.Scan(&m.Seq, &m.ID, &format, &m.Key, &m.URL, &m.Method,
			&headersJSON, &body, &flags, &m.Action, &data, &dataFlags, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("sqlite store: scan mutation: %w", err)
		}
		m.Format = MutationFormat(format)
		m.EnqueuedAt = time.Unix(0, enqueuedAt)

		if headersJSON != "" {
			if err := json.Unmarshal([]byte(headersJSON), &m.Headers); err != nil {
				return nil, fmt.Errorf("sqlite store: unmarshal headers: %w", err)
			}
		}
		if body != nil {
			m.Body, err = s.decodePayload(body, flags)
			if err != nil {
				return nil, fmt.Errorf("sqlite store: decode body: %w", err)
			}
		}
		if data != nil {
			m.Data, err = s.decodePayload(data, dataFlags)
			if err != nil {
				return nil, fmt.Errorf("sqlite store: decode data: %w", err)
			}
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// DeleteMutation removes a mutation by ID.
func (s *SQLiteStore) DeleteMutation(ctx context.Context, id string) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.delMut.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("sqlite store: delete mutation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrMutationNotFound
	}
	return nil
}

// MutationCount returns the number of pending mutations.
func (s *SQLiteStore) MutationCount(ctx context.Context) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	var count int
	if err := s.countMut.QueryRowContext(ctx).Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlite store: count mutations: %w", err)
	}
	return count, nil
}

// PutWindow stores a prepared window.
func (s *SQLiteStore) PutWindow(ctx context.Context, w PreparedWindow) error {
	if err := s.guard(); err != nil {
		return err
	}
	datesJSON, err := json.Marshal(w.Dates)
	if err != nil {
		return fmt.Errorf("sqlite store: marshal dates: %w", err)
	}
	_, err = s.putWindow.ExecContext(ctx, w.ID, w.ScopeID, w.StartDate, w.EndDate,
		string(datesJSON), w.PreparedAt.UnixNano(), w.ExpiresAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite store: put window: %w", err)
	}
	return nil
}

// ListWindows returns all persisted prepared windows.
func (s *SQLiteStore) ListWindows(ctx context.Context) ([]PreparedWindow, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.listWindows.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list windows: %w", err)
	}
	defer rows.Close()

	var result []PreparedWindow
	for rows.Next() {
		var w PreparedWindow
		var datesJSON string
		var preparedAt, expiresAt int64
		if err := rows.Scan(&w.ID, &w.ScopeID, &w.StartDate, &w.EndDate, &datesJSON, &preparedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("sqlite store: scan window: %w", err)
		}
		if err := json.Unmarshal([]byte(datesJSON), &w.Dates); err != nil {
			return nil, fmt.Errorf("sqlite store: unmarshal dates: %w", err)
		}
		w.PreparedAt = time.Unix(0, preparedAt)
		w.ExpiresAt = time.Unix(0, expiresAt)
		result = append(result, w)
	}
	return result, rows.Err()
}

// DeleteWindow removes a prepared window.
func (s *SQLiteStore) DeleteWindow(ctx context.Context, id string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if _, err := s.delWindow.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("sqlite store: delete window: %w", err)
	}
	return nil
}

// Close releases the database and prepared statements.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{
		s.getEntry, s.putEntry, s.delEntry, s.appendMut, s.delMut,
		s.countMut, s.listMut, s.putWindow, s.delWindow, s.listWindows,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}
