// Package storage defines the persistence contract the dispatcher consumes.
// Implementations must be safe for concurrent use from multiple connection
// workers; the dispatcher performs no serialization of its own around calls.
package storage

import (
	"errors"

	"jim/models"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("record not found")

type Store interface {
	// GetUser returns the user record or ErrNotFound.
	GetUser(login string) (*models.User, error)

	// CreateUser registers a user, deriving and storing the password key.
	CreateUser(login, password string) error

	// VerifyPassword checks a challenge proof against the stored password
	// key. Unknown and deactivated users verify false without error.
	VerifyPassword(login string, challenge, proof []byte) (bool, error)

	// UpdateLastSeen records presence activity.
	UpdateLastSeen(login string, ts float64) error

	// GetContacts lists the owner's contact names.
	GetContacts(owner string) ([]string, error)

	// AddContact inserts a contact edge; false when the edge already exists.
	AddContact(owner, contact string) (bool, error)

	// DeleteContact removes a contact edge; false when there was none.
	DeleteContact(owner, contact string) (bool, error)

	// LogMessage records a delivered message.
	LogMessage(sender, receiver, text string, ts float64) error

	// EnqueueOfflineMessage durably queues a message for a disconnected
	// receiver.
	EnqueueOfflineMessage(receiver, sender, text string, ts float64) error

	// PendingOfflineMessages returns the queued undelivered messages for a
	// user, oldest first, without changing their state.
	PendingOfflineMessages(receiver string) ([]models.ChatMessage, error)

	// MarkDelivered flags one queued message as delivered. Callers mark a
	// message only after it has actually reached the receiver; a message
	// never leaves the queue on a failed delivery attempt.
	MarkDelivered(id int64) error

	Close() error
}
