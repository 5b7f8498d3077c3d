package chathub

import "peersupport/backend/internal/models"

// Client is one admitted connection. A user may hold several at once, each
// with its own ConnID. It abstracts the underlying transport so the hub can
// be exercised without a network.
type Client interface {
	// GetUserID returns the verified user behind the connection.
	GetUserID() string
	// GetConnID returns the identifier of this particular connection.
	GetConnID() string
	// GetIdentity returns the identity established at admission.
	GetIdentity() *models.Identity

	// Send queues ev for delivery without blocking. It returns false when the
	// connection is closed or its buffer is full.
	Send(ev *models.Event) bool

	// Run starts the client's read and write pumps.
	Run()
	// Close shuts the connection down. Safe to call more than once.
	Close()
}
