package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmarkov/exchange/internal/models"
	"github.com/tmarkov/exchange/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SubmitRequest describes one incoming limit order.
type SubmitRequest struct {
	UserID    int64
	Symbol    string
	Side      models.Side
	Volume    int64
	Price     int64 // cents per share, the taker's limit
	ExpiresAt time.Time
}

func (r SubmitRequest) validate() error {
	if !r.Side.Valid() {
		return fmt.Errorf("%w: side must be %q or %q", ErrInvalidOrder, models.SideBuy, models.SideSell)
	}
	if r.Symbol == "" {
		return fmt.Errorf("%w: symbol required", ErrInvalidOrder)
	}
	if r.Volume <= 0 {
		return fmt.Errorf("%w: volume must be positive", ErrInvalidOrder)
	}
	if r.Price <= 0 {
		return fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
	}
	return nil
}

// Fill is one matched quantity between the taker and one resting
// counter-order, at the resting order's price.
type Fill struct {
	BuyerID    int64     `json:"buyer_id"`
	SellerID   int64     `json:"seller_id"`
	Symbol     string    `json:"symbol"`
	Price      int64     `json:"price"`
	Volume     int64     `json:"volume"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Outcome reports what happened to a submission: the fills produced and
// the resting remainder, if any.
type Outcome struct {
	Ref             string        `json:"ref"`
	Fills           []Fill        `json:"fills"`
	FilledVolume    int64         `json:"filled_volume"`
	RemainingVolume int64         `json:"remaining_volume"`
	Resting         *models.Order `json:"resting,omitempty"`
}

// Status summarizes the outcome for callers.
func (o *Outcome) Status() string {
	switch {
	case o.RemainingVolume == 0:
		return "filled"
	case o.FilledVolume > 0:
		return "partially_filled"
	default:
		return "resting"
	}
}

// Engine is the matching engine: it walks the opposing book in price-time
// priority and applies each fill as one atomic ledger mutation.
type Engine struct {
	store store.Store
	log   *zap.Logger
	clock Clock
	locks *keyedMutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New creates a matching engine on top of the given ledger store.
func New(st store.Store, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store: st,
		log:   log,
		clock: realClock{},
		locks: newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit runs one order through the continuous double auction.
//
// Preconditions are checked before any mutation: a buy needs
// balance >= volume*price, a sell needs total open position >= volume;
// violations return ErrInsufficientFunds / ErrInsufficientShares with the
// ledger untouched. Eligible counter-orders are then consumed best price
// first (ties by submission time, then id), each fill at the resting
// order's price, each applied as a single atomic unit: book decrement,
// buyer lot open, seller lot consumption, both balance moves, and the
// transaction record. Any remainder rests on the book.
//
// A storage failure aborts the submission; fills committed before the
// failure remain committed, per-fill atomicity guarantees nothing is ever
// half-applied.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*Outcome, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	unlockSymbol := e.locks.lock("symbol:" + req.Symbol)
	defer unlockSymbol()
	unlockUser := e.locks.lock(fmt.Sprintf("user:%d", req.UserID))
	defer unlockUser()

	now := e.clock.Now().UTC()
	if !req.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiry must be in the future", ErrInvalidOrder)
	}

	if err := e.checkPreconditions(ctx, req); err != nil {
		return nil, err
	}

	ref := uuid.New().String()
	outcome := &Outcome{Ref: ref, RemainingVolume: req.Volume}

	counters, err := e.store.CounterOrders(ctx, req.Symbol, req.Side, req.Price, now)
	if err != nil {
		return nil, fmt.Errorf("failed to read counter orders: %w", err)
	}

	remaining := req.Volume
	for _, counter := range counters {
		if remaining <= 0 {
			break
		}
		fill := min(remaining, counter.Volume)
		buyerID, sellerID := req.UserID, counter.UserID
		if req.Side == models.SideSell {
			buyerID, sellerID = counter.UserID, req.UserID
		}

		if err := e.applyFill(ctx, req.Symbol, counter, buyerID, sellerID, fill, now); err != nil {
			if errors.Is(err, errCounterGone) {
				// The sweeper purged this order after CounterOrders
				// snapshotted the book. The unit rolled back; move on
				// to the next counter-order.
				continue
			}
			if errors.Is(err, ErrInvariantViolation) {
				e.log.Error("fill rolled back on invariant violation",
					zap.String("ref", ref),
					zap.String("symbol", req.Symbol),
					zap.Int64("counter_order", counter.ID),
					zap.Error(err))
			}
			return nil, fmt.Errorf("submission %s aborted after %d fills: %w", ref, len(outcome.Fills), err)
		}

		outcome.Fills = append(outcome.Fills, Fill{
			BuyerID:    buyerID,
			SellerID:   sellerID,
			Symbol:     req.Symbol,
			Price:      counter.Price,
			Volume:     fill,
			ExecutedAt: now,
		})
		remaining -= fill
	}

	outcome.FilledVolume = req.Volume - remaining
	outcome.RemainingVolume = remaining

	if remaining > 0 {
		resting, err := e.store.InsertOrder(ctx, &models.Order{
			Ref:         ref,
			UserID:      req.UserID,
			Side:        req.Side,
			Symbol:      req.Symbol,
			Volume:      remaining,
			Price:       req.Price,
			SubmittedAt: now,
			ExpiresAt:   req.ExpiresAt,
		})
		if err != nil {
			return nil, fmt.Errorf("submission %s: failed to rest remainder: %w", ref, err)
		}
		outcome.Resting = resting
	}

	e.log.Info("order submitted",
		zap.String("ref", ref),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Int64("volume", req.Volume),
		zap.Int64("price", req.Price),
		zap.Int("fills", len(outcome.Fills)),
		zap.String("status", outcome.Status()))
	return outcome, nil
}

func (e *Engine) checkPreconditions(ctx context.Context, req SubmitRequest) error {
	switch req.Side {
	case models.SideBuy:
		user, err := e.store.UserByID(ctx, req.UserID)
		if err != nil {
			return fmt.Errorf("failed to read user: %w", err)
		}
		// Compare via division: volume*price can overflow int64 for
		// huge-but-valid inputs and silently pass the check. For
		// price > 0, balance/price < volume is exactly
		// balance < volume*price.
		if user.Balance/req.Price < req.Volume {
			return ErrInsufficientFunds
		}
	case models.SideSell:
		held, err := e.store.PositionVolume(ctx, req.UserID, req.Symbol)
		if err != nil {
			return fmt.Errorf("failed to read positions: %w", err)
		}
		if held < req.Volume {
			return ErrInsufficientShares
		}
	}
	return nil
}

// errCounterGone signals that a resting counter-order vanished between
// the book read and the fill, typically purged by the expiry sweeper.
var errCounterGone = errors.New("counter order gone")

// applyFill commits one fill as a single atomic unit. The execution price
// is the resting counter-order's price.
func (e *Engine) applyFill(ctx context.Context, symbol string, counter models.Order, buyerID, sellerID, fill int64, now time.Time) error {
	price := counter.Price
	return e.store.Atomic(ctx, func(q store.Queries) error {
		if counter.Volume == fill {
			if err := q.DeleteOrder(ctx, counter.Side, counter.ID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return errCounterGone
				}
				return err
			}
		} else {
			if err := q.ReduceOrder(ctx, counter.Side, counter.ID, counter.Volume-fill); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return errCounterGone
				}
				return err
			}
		}
		if err := q.InsertPosition(ctx, &models.Position{
			UserID:    buyerID,
			Symbol:    symbol,
			Volume:    fill,
			OpenPrice: price,
			OpenDate:  now,
		}); err != nil {
			return err
		}
		if err := closeLots(ctx, q, sellerID, symbol, fill); err != nil {
			return err
		}
		if err := q.AdjustBalance(ctx, buyerID, -fill*price); err != nil {
			return err
		}
		if err := q.AdjustBalance(ctx, sellerID, fill*price); err != nil {
			return err
		}
		return q.InsertTransaction(ctx, &models.Transaction{
			BuyerID:    buyerID,
			SellerID:   sellerID,
			Symbol:     symbol,
			Price:      price,
			Volume:     fill,
			ExecutedAt: now,
		})
	})
}

// closeLots consumes the seller's open lots cheapest cost basis first:
// reduce and stop, delete and stop, or delete and continue. Running out
// of lots is an invariant violation — sufficiency was verified when the
// shares entered the book.
func closeLots(ctx context.Context, q store.Queries, userID int64, symbol string, volume int64) error {
	lots, err := q.PositionsBySymbol(ctx, userID, symbol)
	if err != nil {
		return err
	}
	for _, lot := range lots {
		switch {
		case lot.Volume > volume:
			return q.ReducePosition(ctx, lot.ID, lot.Volume-volume)
		case lot.Volume == volume:
			return q.DeletePosition(ctx, lot.ID)
		default:
			if err := q.DeletePosition(ctx, lot.ID); err != nil {
				return err
			}
			volume -= lot.Volume
		}
	}
	return fmt.Errorf("%w: user %d short %d shares of %s", ErrInvariantViolation, userID, volume, symbol)
}

// Cancel removes a resting order owned by userID from the book. It takes
// the order's symbol lock so a cancellation never interleaves with a
// matching pass over the same book.
func (e *Engine) Cancel(ctx context.Context, userID int64, side models.Side, orderID int64) error {
	if !side.Valid() {
		return fmt.Errorf("%w: side must be %q or %q", ErrInvalidOrder, models.SideBuy, models.SideSell)
	}
	order, err := e.store.OrderByID(ctx, side, orderID)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	if order.UserID != userID {
		return fmt.Errorf("failed to cancel order: order %d: %w", orderID, store.ErrNotFound)
	}

	unlock := e.locks.lock("symbol:" + order.Symbol)
	defer unlock()

	// DeleteUserOrder re-checks ownership and existence under the lock.
	if err := e.store.DeleteUserOrder(ctx, side, orderID, userID); err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	e.log.Info("order canceled",
		zap.Int64("order_id", orderID),
		zap.String("side", string(side)),
		zap.Int64("user_id", userID))
	return nil
}
