package models

import "time"

type User struct {
	ID       int64
	Login    string
	PassKey  []byte // PBKDF2-derived password key, never the password itself
	Active   bool
	LastSeen time.Time
}

type Contact struct {
	ID      int64
	Owner   string
	Contact string
}

type ChatMessage struct {
	ID        int64
	Sender    string
	Receiver  string
	Text      string
	Time      float64 // Unix timestamp, fractional seconds
	Delivered bool
}

// UserStats is the per-user slice of the monitoring snapshot.
type UserStats struct {
	Login        string    `json:"login"`
	Sent         int64     `json:"sent"`
	Received     int64     `json:"received"`
	LastActivity time.Time `json:"last_activity"`
	RemoteAddr   string    `json:"remote_addr"`
}

// Snapshot is the read-only view the dispatcher exposes to a
// presentation/ops layer.
type Snapshot struct {
	ActiveConnections int         `json:"active_connections"`
	Users             []UserStats `json:"users"`
	TakenAt           time.Time   `json:"taken_at"`
}
