// Package store is the durable local store backing contacts, messages
// and settings. It knows nothing about the network: callers hand it
// fully-formed rows and read them back. Backed by sqlite so state
// survives process restarts and crashes.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Message statuses. A pending message was persisted while the peer had
// no open connection; it is flushed when the peer next introduces
// itself.
const (
	StatusSent     = "sent"
	StatusPending  = "pending"
	StatusReceived = "received"
)

// StorageError wraps any underlying read/write failure. Writes surface
// it to the caller; reads degrade to empty results upstream.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

type Attachment struct {
	Name      string `json:"name"`
	MimeType  string `json:"mimeType"`
	SizeBytes int64  `json:"sizeBytes"`
	Payload   string `json:"payload"`
}

// Message is one chat message row. ConversationKey is the remote party's
// username; ID is assigned by AppendMessage. Rows are immutable except
// for the pending→sent status flip.
type Message struct {
	ID              int64       `json:"id"`
	ConversationKey string      `json:"conversationKey"`
	From            string      `json:"from"`
	To              string      `json:"to"`
	Content         string      `json:"content"`
	Timestamp       string      `json:"timestamp"`
	Status          string      `json:"status"`
	Attachment      *Attachment `json:"attachment,omitempty"`
}

// Contact is a known peer. Address is the last-known transient address
// and may be stale; the directory service is the ground truth.
type Contact struct {
	Username string `json:"username"`
	Address  string `json:"address"`
	LastSeen string `json:"lastSeen"`
}

type Setting struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Snapshot is the export document: all three collections plus the
// export timestamp.
type Snapshot struct {
	Messages   []Message `json:"messages"`
	Contacts   []Contact `json:"contacts"`
	Settings   []Setting `json:"settings"`
	ExportDate string    `json:"exportDate"`
}

type Store struct {
	conn *sql.DB
}

func New(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, storageErr("open", err)
	}
	st := &Store{conn: conn}
	if err := st.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_key TEXT NOT NULL,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'sent',
			attachment_name TEXT,
			attachment_mime TEXT,
			attachment_size INTEGER,
			attachment_payload TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			username TEXT PRIMARY KEY,
			address TEXT NOT NULL,
			last_seen TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_key, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(conversation_key, status)`,
	}
	for _, query := range queries {
		if _, err := s.conn.Exec(query); err != nil {
			return storageErr("init", err)
		}
	}
	return nil
}

// AppendMessage persists one message and assigns its sequence id. Not
// idempotent: two calls with identical content create two rows.
func (s *Store) AppendMessage(m *Message) error {
	if m.Status == "" {
		m.Status = StatusSent
	}
	var name, mime, payload sql.NullString
	var size sql.NullInt64
	if m.Attachment != nil {
		name = sql.NullString{String: m.Attachment.Name, Valid: true}
		mime = sql.NullString{String: m.Attachment.MimeType, Valid: true}
		size = sql.NullInt64{Int64: m.Attachment.SizeBytes, Valid: true}
		payload = sql.NullString{String: m.Attachment.Payload, Valid: true}
	}
	res, err := s.conn.Exec(
		`INSERT INTO messages (conversation_key, sender, recipient, content, timestamp, status,
			attachment_name, attachment_mime, attachment_size, attachment_payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationKey, m.From, m.To, m.Content, m.Timestamp, m.Status,
		name, mime, size, payload,
	)
	if err != nil {
		return storageErr("append message", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storageErr("append message", err)
	}
	m.ID = id
	return nil
}

const messageColumns = `id, conversation_key, sender, recipient, content, timestamp, status,
	attachment_name, attachment_mime, attachment_size, attachment_payload`

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var name, mime, payload sql.NullString
		var size sql.NullInt64
		if err := rows.Scan(&m.ID, &m.ConversationKey, &m.From, &m.To, &m.Content,
			&m.Timestamp, &m.Status, &name, &mime, &size, &payload); err != nil {
			return nil, err
		}
		if name.Valid {
			m.Attachment = &Attachment{
				Name:      name.String,
				MimeType:  mime.String,
				SizeBytes: size.Int64,
				Payload:   payload.String,
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListMessages returns the conversation ascending by timestamp. An
// unknown key yields an empty slice, never an error.
func (s *Store) ListMessages(conversationKey string) ([]Message, error) {
	rows, err := s.conn.Query(
		`SELECT `+messageColumns+` FROM messages WHERE conversation_key = ? ORDER BY timestamp ASC, id ASC`,
		conversationKey,
	)
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	defer rows.Close()
	out, err := scanMessages(rows)
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	return out, nil
}

// ListPending returns the locally-originated messages still waiting for
// an open connection, oldest first.
func (s *Store) ListPending(conversationKey string) ([]Message, error) {
	rows, err := s.conn.Query(
		`SELECT `+messageColumns+` FROM messages WHERE conversation_key = ? AND status = ? ORDER BY timestamp ASC, id ASC`,
		conversationKey, StatusPending,
	)
	if err != nil {
		return nil, storageErr("list pending", err)
	}
	defer rows.Close()
	out, err := scanMessages(rows)
	if err != nil {
		return nil, storageErr("list pending", err)
	}
	return out, nil
}

// MarkDelivered flips a pending message to sent once it was handed to
// the transport.
func (s *Store) MarkDelivered(id int64) error {
	_, err := s.conn.Exec(`UPDATE messages SET status = ? WHERE id = ? AND status = ?`,
		StatusSent, id, StatusPending)
	return storageErr("mark delivered", err)
}

// UpsertContact is last-write-wins on address and lastSeen.
func (s *Store) UpsertContact(c Contact) error {
	_, err := s.conn.Exec(
		`INSERT INTO contacts (username, address, last_seen) VALUES (?, ?, ?)
		 ON CONFLICT(username) DO UPDATE SET address = excluded.address, last_seen = excluded.last_seen`,
		c.Username, c.Address, c.LastSeen,
	)
	return storageErr("upsert contact", err)
}

func (s *Store) ListContacts() ([]Contact, error) {
	rows, err := s.conn.Query(`SELECT username, address, last_seen FROM contacts`)
	if err != nil {
		return nil, storageErr("list contacts", err)
	}
	defer rows.Close()
	var out []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.Username, &c.Address, &c.LastSeen); err != nil {
			return nil, storageErr("list contacts", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list contacts", err)
	}
	return out, nil
}

func (s *Store) GetSetting(key string) (string, bool, error) {
	var value string
	err := s.conn.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr("get setting", err)
	}
	return value, true, nil
}

func (s *Store) PutSetting(key, value string) error {
	_, err := s.conn.Exec(
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return storageErr("put setting", err)
}

// ExportAll snapshots all three collections.
func (s *Store) ExportAll() (Snapshot, error) {
	snap := Snapshot{ExportDate: time.Now().UTC().Format(time.RFC3339)}
	rows, err := s.conn.Query(`SELECT ` + messageColumns + ` FROM messages ORDER BY id ASC`)
	if err != nil {
		return Snapshot{}, storageErr("export", err)
	}
	snap.Messages, err = scanMessages(rows)
	rows.Close()
	if err != nil {
		return Snapshot{}, storageErr("export", err)
	}
	snap.Contacts, err = s.ListContacts()
	if err != nil {
		return Snapshot{}, err
	}
	srows, err := s.conn.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return Snapshot{}, storageErr("export", err)
	}
	defer srows.Close()
	for srows.Next() {
		var kv Setting
		if err := srows.Scan(&kv.Key, &kv.Value); err != nil {
			return Snapshot{}, storageErr("export", err)
		}
		snap.Settings = append(snap.Settings, kv)
	}
	if err := srows.Err(); err != nil {
		return Snapshot{}, storageErr("export", err)
	}
	return snap, nil
}

// ImportAll replaces all three collections inside one transaction, so a
// failure partway leaves the previous state intact.
func (s *Store) ImportAll(snap Snapshot) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return storageErr("import", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"messages", "contacts", "settings"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return storageErr("import", err)
		}
	}
	for _, m := range snap.Messages {
		var name, mime, payload sql.NullString
		var size sql.NullInt64
		if m.Attachment != nil {
			name = sql.NullString{String: m.Attachment.Name, Valid: true}
			mime = sql.NullString{String: m.Attachment.MimeType, Valid: true}
			size = sql.NullInt64{Int64: m.Attachment.SizeBytes, Valid: true}
			payload = sql.NullString{String: m.Attachment.Payload, Valid: true}
		}
		// Keep the exported sequence ids so a round-trip reproduces the
		// original rows exactly.
		if _, err := tx.Exec(
			`INSERT INTO messages (id, conversation_key, sender, recipient, content, timestamp, status,
				attachment_name, attachment_mime, attachment_size, attachment_payload)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ConversationKey, m.From, m.To, m.Content, m.Timestamp, m.Status,
			name, mime, size, payload,
		); err != nil {
			return storageErr("import", err)
		}
	}
	for _, c := range snap.Contacts {
		if _, err := tx.Exec(
			`INSERT INTO contacts (username, address, last_seen) VALUES (?, ?, ?)`,
			c.Username, c.Address, c.LastSeen,
		); err != nil {
			return storageErr("import", err)
		}
	}
	for _, kv := range snap.Settings {
		if _, err := tx.Exec(`INSERT INTO settings (key, value) VALUES (?, ?)`, kv.Key, kv.Value); err != nil {
			return storageErr("import", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("import", err)
	}
	return nil
}

// ClearAll wipes all three collections.
func (s *Store) ClearAll() error {
	return s.ImportAll(Snapshot{})
}
