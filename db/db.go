// Package db implements storage.Store on SQLite.
package db

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"jim/models"
	"jim/secure"
	"jim/storage"
)

type DB struct {
	conn *sql.DB
}

var _ storage.Store = (*DB)(nil)

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			login TEXT UNIQUE NOT NULL,
			pass_key TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			last_seen REAL NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL,
			contact TEXT NOT NULL,
			UNIQUE(owner, contact)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL,
			text TEXT NOT NULL,
			ts REAL NOT NULL,
			delivered INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver, delivered, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_owner ON contacts(owner)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// User methods

func (db *DB) CreateUser(login, password string) error {
	key := secure.PassKey(login, password)
	_, err := db.conn.Exec(
		"INSERT INTO users (login, pass_key, is_active, last_seen) VALUES (?, ?, 1, ?)",
		login, hex.EncodeToString(key), float64(time.Now().UnixNano())/1e9,
	)
	return err
}

func (db *DB) GetUser(login string) (*models.User, error) {
	var u models.User
	var keyHex string
	var lastSeen float64
	err := db.conn.QueryRow(
		"SELECT id, login, pass_key, is_active, last_seen FROM users WHERE login = ?",
		login,
	).Scan(&u.ID, &u.Login, &keyHex, &u.Active, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	u.PassKey, err = hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("corrupt pass_key for %q: %w", login, err)
	}
	sec := int64(lastSeen)
	u.LastSeen = time.Unix(sec, int64((lastSeen-float64(sec))*1e9))
	return &u, nil
}

func (db *DB) VerifyPassword(login string, challenge, proof []byte) (bool, error) {
	u, err := db.GetUser(login)
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !u.Active {
		// Deactivated accounts fail like a bad password.
		return false, nil
	}
	return secure.VerifyProof(u.PassKey, challenge, proof), nil
}

func (db *DB) SetActive(login string, active bool) error {
	res, err := db.conn.Exec("UPDATE users SET is_active = ? WHERE login = ?", active, login)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (db *DB) UpdateLastSeen(login string, ts float64) error {
	_, err := db.conn.Exec("UPDATE users SET last_seen = ? WHERE login = ?", ts, login)
	return err
}

// Contact methods

func (db *DB) GetContacts(owner string) ([]string, error) {
	rows, err := db.conn.Query("SELECT contact FROM contacts WHERE owner = ? ORDER BY contact", owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := []string{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}

	return contacts, rows.Err()
}

func (db *DB) AddContact(owner, contact string) (bool, error) {
	res, err := db.conn.Exec(
		"INSERT OR IGNORE INTO contacts (owner, contact) VALUES (?, ?)",
		owner, contact,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (db *DB) DeleteContact(owner, contact string) (bool, error) {
	res, err := db.conn.Exec("DELETE FROM contacts WHERE owner = ? AND contact = ?", owner, contact)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Message methods

func (db *DB) LogMessage(sender, receiver, text string, ts float64) error {
	_, err := db.conn.Exec(
		"INSERT INTO messages (sender, receiver, text, ts, delivered) VALUES (?, ?, ?, ?, 1)",
		sender, receiver, text, ts,
	)
	return err
}

func (db *DB) EnqueueOfflineMessage(receiver, sender, text string, ts float64) error {
	_, err := db.conn.Exec(
		"INSERT INTO messages (sender, receiver, text, ts, delivered) VALUES (?, ?, ?, ?, 0)",
		sender, receiver, text, ts,
	)
	return err
}

func (db *DB) PendingOfflineMessages(receiver string) ([]models.ChatMessage, error) {
	rows, err := db.conn.Query(
		"SELECT id, sender, receiver, text, ts FROM messages WHERE receiver = ? AND delivered = 0 ORDER BY ts ASC",
		receiver,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queued []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Text, &m.Time); err != nil {
			return nil, err
		}
		queued = append(queued, m)
	}
	return queued, rows.Err()
}

func (db *DB) MarkDelivered(id int64) error {
	_, err := db.conn.Exec("UPDATE messages SET delivered = 1 WHERE id = ?", id)
	return err
}
