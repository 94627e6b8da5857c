// Package sessions persists conversations and suspended orchestration
// requests. Two implementations exist: an in-memory store for tests and
// local runs, and a SQLite store for durable suspension across restarts.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/switchboard-ai/switchboard/pkg/models"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrPendingNotFound = errors.New("pending confirmation not found")
)

// Store is the interface for session persistence. Turn history is
// append-only; a turn is never mutated after AppendTurn returns.
type Store interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*models.Session, error)

	// Touch advances a session's last-active timestamp.
	Touch(ctx context.Context, id string, at time.Time) error

	AppendTurn(ctx context.Context, sessionID string, turn *models.Turn) error
	History(ctx context.Context, sessionID string, limit int) ([]models.Turn, error)

	// Suspension state for AwaitingUserConfirmation. Saved confirmations
	// must survive a process restart when the store is durable.
	SavePending(ctx context.Context, pc *models.PendingConfirmation) error
	GetPending(ctx context.Context, id string) (*models.PendingConfirmation, error)
	DeletePending(ctx context.Context, id string) error
	ListPending(ctx context.Context, sessionID string) ([]*models.PendingConfirmation, error)

	// PruneInactive removes sessions idle since before cutoff, along with
	// their turns and pending confirmations. Returns the session count.
	PruneInactive(ctx context.Context, cutoff time.Time) (int, error)
}
