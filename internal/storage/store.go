// Package storage persists chat sessions behind a backend-agnostic Store.
package storage

import (
	"context"
	"errors"

	"pdftutor/internal/models"
)

// ErrNotFound is returned when a session does not exist or belongs to a
// different owner. Callers must not be able to tell the two cases apart.
var ErrNotFound = errors.New("session not found")

// Store is the durable session store. AppendTurn must be atomic with
// respect to concurrent appends to the same session and must preserve
// insertion order on every read.
type Store interface {
	Create(ctx context.Context, session *models.ChatSession) error
	Get(ctx context.Context, id string, ownerID int64) (*models.ChatSession, error)
	AppendTurn(ctx context.Context, id string, turn models.Turn) error
	List(ctx context.Context, ownerID int64) ([]models.SessionSummary, error)
	Delete(ctx context.Context, id string, ownerID int64) error
	DeleteAll(ctx context.Context, ownerID int64) (int64, error)
	Close() error
}
