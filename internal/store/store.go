package store

import (
	"context"
	"errors"
	"time"

	"github.com/tmarkov/exchange/internal/models"
)

var (
	// ErrNotFound is returned when a row targeted by a read, update or
	// delete does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an insert violates a uniqueness
	// constraint (duplicate username or email).
	ErrConflict = errors.New("conflict")
)

// Queries is the ledger storage contract the matching core and the API
// layer consume. Every method is one typed, parameterized operation; the
// engine composes them inside Atomic units for per-fill atomicity.
type Queries interface {
	// Users and balances.
	CreateUser(ctx context.Context, username, email, passwordHash string, balance int64) (*models.User, error)
	UserByID(ctx context.Context, id int64) (*models.User, error)
	UserByEmail(ctx context.Context, email string) (*models.User, error)
	// AdjustBalance applies balance += delta as a single read-modify-write.
	AdjustBalance(ctx context.Context, userID, delta int64) error

	// Order book. CounterOrders returns the resting orders a taker on
	// takerSide is eligible to match: opposite side, same symbol,
	// expires_at > now, price acceptable at limitPrice, ordered best
	// price first, then earliest submission, then lowest id.
	CounterOrders(ctx context.Context, symbol string, takerSide models.Side, limitPrice int64, now time.Time) ([]models.Order, error)
	OrderByID(ctx context.Context, side models.Side, id int64) (*models.Order, error)
	InsertOrder(ctx context.Context, o *models.Order) (*models.Order, error)
	ReduceOrder(ctx context.Context, side models.Side, id, newVolume int64) error
	DeleteOrder(ctx context.Context, side models.Side, id int64) error
	DeleteUserOrder(ctx context.Context, side models.Side, id, userID int64) error
	UserOrders(ctx context.Context, userID int64) ([]models.Order, error)
	BookOrders(ctx context.Context, symbol string, side models.Side, now time.Time) ([]models.Order, error)
	DeleteExpiredOrders(ctx context.Context, now time.Time) (int64, error)

	// Position ledger. PositionsBySymbol returns lots ordered by
	// open_price ascending, then id ascending (consumption order).
	PositionsBySymbol(ctx context.Context, userID int64, symbol string) ([]models.Position, error)
	PositionVolume(ctx context.Context, userID int64, symbol string) (int64, error)
	UserPositions(ctx context.Context, userID int64) ([]models.Position, error)
	InsertPosition(ctx context.Context, p *models.Position) error
	ReducePosition(ctx context.Context, id, newVolume int64) error
	DeletePosition(ctx context.Context, id int64) error

	// Transaction log (append-only).
	InsertTransaction(ctx context.Context, t *models.Transaction) error
	UserTransactions(ctx context.Context, userID int64) ([]models.Transaction, error)
}

// Store is a Queries implementation that can also scope a group of
// mutations into one atomic unit: either every operation performed inside
// fn commits, or none do.
type Store interface {
	Queries
	Atomic(ctx context.Context, fn func(q Queries) error) error
	Close()
}
