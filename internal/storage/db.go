package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("storage: not found")

// User is a row in the users table. Status and LastSeen are written together
// as a full overwrite; LastSeen is the single authority on staleness.
type User struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

// Message is a stored chat message.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// DB wraps a SQLite database for a peer
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates a SQLite database in the given directory
func Open(configDir string) (*DB, error) {
	dbPath := filepath.Join(configDir, "data.db")

	// Ensure directory exists
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id        TEXT PRIMARY KEY,
			username  TEXT NOT NULL DEFAULT '',
			status    TEXT NOT NULL DEFAULT 'offline',
			last_seen INTEGER NOT NULL DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create users table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			sender_id   TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			body        TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_pair
			ON messages (sender_id, receiver_id, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// UpsertUser writes the full user row, replacing whatever was there.
// Last write wins: two peers sweeping the same stale user both set the
// same terminal state, so there is no conflict to resolve.
func (d *DB) UpsertUser(u User) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT INTO users (id, username, status, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username  = CASE WHEN excluded.username != '' THEN excluded.username ELSE users.username END,
			status    = excluded.status,
			last_seen = excluded.last_seen
	`, u.ID, u.Username, u.Status, u.LastSeen.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// SetStatus overwrites status and last_seen for an existing user. Missing
// users are created with an empty username; the next heartbeat fills it in.
func (d *DB) SetStatus(id, status string, lastSeen time.Time) error {
	return d.UpsertUser(User{ID: id, Status: status, LastSeen: lastSeen})
}

// GetUser returns a user row or ErrNotFound.
func (d *DB) GetUser(id string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var u User
	var ms int64
	err := d.db.QueryRow(`
		SELECT id, username, status, last_seen FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.Username, &u.Status, &ms)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	u.LastSeen = time.UnixMilli(ms)
	return u, nil
}

// ListUsers returns all known users ordered by username.
func (d *DB) ListUsers() ([]User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT id, username, status, last_seen FROM users ORDER BY username, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var ms int64
		if err := rows.Scan(&u.ID, &u.Username, &u.Status, &ms); err != nil {
			return nil, err
		}
		u.LastSeen = time.UnixMilli(ms)
		users = append(users, u)
	}
	return users, rows.Err()
}

// ListStaleOnline returns users marked online whose last_seen predates the
// cutoff. The presence sweep downgrades these to offline.
func (d *DB) ListStaleOnline(cutoff time.Time) ([]User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT id, username, status, last_seen FROM users
		WHERE status = 'online' AND last_seen < ?
	`, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list stale: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var ms int64
		if err := rows.Scan(&u.ID, &u.Username, &u.Status, &ms); err != nil {
			return nil, err
		}
		u.LastSeen = time.UnixMilli(ms)
		users = append(users, u)
	}
	return users, rows.Err()
}

// SaveMessage inserts a chat message. Duplicate IDs are ignored so a
// rebroadcast of the same message never produces a second row.
func (d *DB) SaveMessage(m Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT OR IGNORE INTO messages (id, sender_id, receiver_id, body, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, m.ID, m.SenderID, m.ReceiverID, m.Body, m.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// History returns messages between two users, oldest first, up to limit.
func (d *DB) History(a, b string, limit int) ([]Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if limit <= 0 {
		limit = 200
	}
	rows, err := d.db.Query(`
		SELECT id, sender_id, receiver_id, body, created_at FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY created_at DESC LIMIT ?
	`, a, b, b, a, limit)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var ms int64
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Body, &ms); err != nil {
			return nil, err
		}
		m.CreatedAt = time.UnixMilli(ms)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query newest-first for the LIMIT, return oldest-first for display.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
