package models

import "time"

// Side identifies which half of the book an order belongs to.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the side a taker order matches against.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// User represents a registered trading user. Balance is in cents.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Balance      int64     `json:"balance"`
	CreatedAt    time.Time `json:"created_at"`
}

// Order is a resting buy or sell order. Volume only ever decreases; an
// order with zero volume is deleted from the book, never stored.
type Order struct {
	ID          int64     `json:"id"`
	Ref         string    `json:"ref"`
	UserID      int64     `json:"user_id"`
	Side        Side      `json:"side"`
	Symbol      string    `json:"symbol"`
	Volume      int64     `json:"volume"`
	Price       int64     `json:"price"` // cents per share
	SubmittedAt time.Time `json:"submitted_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the order is no longer eligible to match.
func (o *Order) Expired(now time.Time) bool {
	return !o.ExpiresAt.After(now)
}

// Position is one open lot: shares acquired at a specific price. A user
// may hold several lots for the same symbol at different open prices.
type Position struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Symbol    string    `json:"symbol"`
	Volume    int64     `json:"volume"`
	OpenPrice int64     `json:"open_price"` // cents per share
	OpenDate  time.Time `json:"open_date"`
}

// Transaction is an immutable record of one fill.
type Transaction struct {
	ID         int64     `json:"id"`
	BuyerID    int64     `json:"buyer_id"`
	SellerID   int64     `json:"seller_id"`
	Symbol     string    `json:"symbol"`
	Price      int64     `json:"price"` // cents per share
	Volume     int64     `json:"volume"`
	ExecutedAt time.Time `json:"executed_at"`
}
