package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmarkov/exchange/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same
// query methods run pooled or inside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ Store = (*Postgres)(nil)

// Postgres implements Store on a PostgreSQL connection pool.
type Postgres struct {
	pgQueries
	pool *pgxpool.Pool
}

// NewPostgres initializes a new database connection pool.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &Postgres{pgQueries: pgQueries{db: pool}, pool: pool}, nil
}

// Atomic runs fn inside a single transaction. Any error from fn rolls the
// whole unit back; commit errors are surfaced to the caller.
func (p *Postgres) Atomic(ctx context.Context, fn func(q Queries) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgQueries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// pgQueries implements Queries against either the pool or a transaction.
type pgQueries struct {
	db querier
}

// orderTable maps a side to its table. Sides come from the models.Side
// constants, never from user input, so this is the only place a table
// name is chosen.
func orderTable(side models.Side) (string, error) {
	switch side {
	case models.SideBuy:
		return "buy_orders", nil
	case models.SideSell:
		return "sell_orders", nil
	}
	return "", fmt.Errorf("unknown side %q", side)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (q *pgQueries) CreateUser(ctx context.Context, username, email, passwordHash string, balance int64) (*models.User, error) {
	user := &models.User{Username: username, Email: email, PasswordHash: passwordHash, Balance: balance}
	err := q.db.QueryRow(ctx,
		"INSERT INTO users (username, email, password_hash, balance) VALUES ($1, $2, $3, $4) RETURNING id, created_at",
		username, email, passwordHash, balance).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("user already exists: %w", ErrConflict)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

func (q *pgQueries) UserByID(ctx context.Context, id int64) (*models.User, error) {
	user := &models.User{}
	err := q.db.QueryRow(ctx,
		"SELECT id, username, email, password_hash, balance, created_at FROM users WHERE id = $1",
		id).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.Balance, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

func (q *pgQueries) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	user := &models.User{}
	err := q.db.QueryRow(ctx,
		"SELECT id, username, email, password_hash, balance, created_at FROM users WHERE email = $1",
		email).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.Balance, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", email, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

func (q *pgQueries) AdjustBalance(ctx context.Context, userID, delta int64) error {
	tag, err := q.db.Exec(ctx, "UPDATE users SET balance = balance + $1 WHERE id = $2", delta, userID)
	if err != nil {
		return fmt.Errorf("failed to adjust balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	return nil
}

func (q *pgQueries) CounterOrders(ctx context.Context, symbol string, takerSide models.Side, limitPrice int64, now time.Time) ([]models.Order, error) {
	var sql string
	counterSide := takerSide.Opposite()
	switch takerSide {
	case models.SideBuy:
		sql = `SELECT id, ref, user_id, symbol, volume, price, submitted_at, expires_at
			FROM sell_orders
			WHERE symbol = $1 AND price <= $2 AND expires_at > $3
			ORDER BY price ASC, submitted_at ASC, id ASC`
	case models.SideSell:
		sql = `SELECT id, ref, user_id, symbol, volume, price, submitted_at, expires_at
			FROM buy_orders
			WHERE symbol = $1 AND price >= $2 AND expires_at > $3
			ORDER BY price DESC, submitted_at ASC, id ASC`
	default:
		return nil, fmt.Errorf("unknown side %q", takerSide)
	}

	rows, err := q.db.Query(ctx, sql, symbol, limitPrice, now)
	if err != nil {
		return nil, fmt.Errorf("failed to get counter orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows, counterSide)
}

func (q *pgQueries) OrderByID(ctx context.Context, side models.Side, id int64) (*models.Order, error) {
	table, err := orderTable(side)
	if err != nil {
		return nil, err
	}
	o := &models.Order{Side: side}
	err = q.db.QueryRow(ctx,
		"SELECT id, ref, user_id, symbol, volume, price, submitted_at, expires_at FROM "+table+" WHERE id = $1",
		id).Scan(&o.ID, &o.Ref, &o.UserID, &o.Symbol, &o.Volume, &o.Price, &o.SubmittedAt, &o.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

func (q *pgQueries) InsertOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	table, err := orderTable(o.Side)
	if err != nil {
		return nil, err
	}
	inserted := *o
	err = q.db.QueryRow(ctx,
		"INSERT INTO "+table+" (ref, user_id, symbol, volume, price, submitted_at, expires_at) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id",
		o.Ref, o.UserID, o.Symbol, o.Volume, o.Price, o.SubmittedAt, o.ExpiresAt).Scan(&inserted.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert order: %w", err)
	}
	return &inserted, nil
}

func (q *pgQueries) ReduceOrder(ctx context.Context, side models.Side, id, newVolume int64) error {
	table, err := orderTable(side)
	if err != nil {
		return err
	}
	tag, err := q.db.Exec(ctx, "UPDATE "+table+" SET volume = $1 WHERE id = $2", newVolume, id)
	if err != nil {
		return fmt.Errorf("failed to reduce order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	return nil
}

func (q *pgQueries) DeleteOrder(ctx context.Context, side models.Side, id int64) error {
	table, err := orderTable(side)
	if err != nil {
		return err
	}
	tag, err := q.db.Exec(ctx, "DELETE FROM "+table+" WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	return nil
}

func (q *pgQueries) DeleteUserOrder(ctx context.Context, side models.Side, id, userID int64) error {
	table, err := orderTable(side)
	if err != nil {
		return err
	}
	tag, err := q.db.Exec(ctx, "DELETE FROM "+table+" WHERE id = $1 AND user_id = $2", id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	return nil
}

func (q *pgQueries) UserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	var orders []models.Order
	for _, side := range []models.Side{models.SideBuy, models.SideSell} {
		table, _ := orderTable(side)
		rows, err := q.db.Query(ctx,
			"SELECT id, ref, user_id, symbol, volume, price, submitted_at, expires_at FROM "+table+
				" WHERE user_id = $1 ORDER BY submitted_at ASC, id ASC",
			userID)
		if err != nil {
			return nil, fmt.Errorf("failed to get user orders: %w", err)
		}
		sideOrders, err := scanOrders(rows, side)
		rows.Close()
		if err != nil {
			return nil, err
		}
		orders = append(orders, sideOrders...)
	}
	return orders, nil
}

func (q *pgQueries) BookOrders(ctx context.Context, symbol string, side models.Side, now time.Time) ([]models.Order, error) {
	table, err := orderTable(side)
	if err != nil {
		return nil, err
	}
	priceOrder := "DESC" // bids: best (highest) price first
	if side == models.SideSell {
		priceOrder = "ASC" // asks: best (lowest) price first
	}
	rows, err := q.db.Query(ctx,
		"SELECT id, ref, user_id, symbol, volume, price, submitted_at, expires_at FROM "+table+
			" WHERE symbol = $1 AND expires_at > $2 ORDER BY price "+priceOrder+", submitted_at ASC, id ASC",
		symbol, now)
	if err != nil {
		return nil, fmt.Errorf("failed to get book orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows, side)
}

func (q *pgQueries) DeleteExpiredOrders(ctx context.Context, now time.Time) (int64, error) {
	var purged int64
	for _, side := range []models.Side{models.SideBuy, models.SideSell} {
		table, _ := orderTable(side)
		tag, err := q.db.Exec(ctx, "DELETE FROM "+table+" WHERE expires_at <= $1", now)
		if err != nil {
			return purged, fmt.Errorf("failed to delete expired orders: %w", err)
		}
		purged += tag.RowsAffected()
	}
	return purged, nil
}

func (q *pgQueries) PositionsBySymbol(ctx context.Context, userID int64, symbol string) ([]models.Position, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, user_id, symbol, volume, open_price, open_date FROM positions
		WHERE user_id = $1 AND symbol = $2
		ORDER BY open_price ASC, id ASC`,
		userID, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (q *pgQueries) PositionVolume(ctx context.Context, userID int64, symbol string) (int64, error) {
	var total int64
	err := q.db.QueryRow(ctx,
		"SELECT COALESCE(SUM(volume), 0) FROM positions WHERE user_id = $1 AND symbol = $2",
		userID, symbol).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum positions: %w", err)
	}
	return total, nil
}

func (q *pgQueries) UserPositions(ctx context.Context, userID int64) ([]models.Position, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, user_id, symbol, volume, open_price, open_date FROM positions
		WHERE user_id = $1
		ORDER BY symbol ASC, open_price ASC, id ASC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (q *pgQueries) InsertPosition(ctx context.Context, p *models.Position) error {
	err := q.db.QueryRow(ctx,
		"INSERT INTO positions (user_id, symbol, volume, open_price, open_date) VALUES ($1, $2, $3, $4, $5) RETURNING id",
		p.UserID, p.Symbol, p.Volume, p.OpenPrice, p.OpenDate).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("failed to insert position: %w", err)
	}
	return nil
}

func (q *pgQueries) ReducePosition(ctx context.Context, id, newVolume int64) error {
	tag, err := q.db.Exec(ctx, "UPDATE positions SET volume = $1 WHERE id = $2", newVolume, id)
	if err != nil {
		return fmt.Errorf("failed to reduce position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	return nil
}

func (q *pgQueries) DeletePosition(ctx context.Context, id int64) error {
	tag, err := q.db.Exec(ctx, "DELETE FROM positions WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	return nil
}

func (q *pgQueries) InsertTransaction(ctx context.Context, t *models.Transaction) error {
	err := q.db.QueryRow(ctx,
		"INSERT INTO transactions (buyer_id, seller_id, symbol, price, volume, executed_at) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id",
		t.BuyerID, t.SellerID, t.Symbol, t.Price, t.Volume, t.ExecutedAt).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (q *pgQueries) UserTransactions(ctx context.Context, userID int64) ([]models.Transaction, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, buyer_id, seller_id, symbol, price, volume, executed_at FROM transactions
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY executed_at ASC, id ASC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}
	defer rows.Close()

	var txns []models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.BuyerID, &t.SellerID, &t.Symbol, &t.Price, &t.Volume, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return txns, nil
}

func scanOrders(rows pgx.Rows, side models.Side) ([]models.Order, error) {
	var orders []models.Order
	for rows.Next() {
		o := models.Order{Side: side}
		if err := rows.Scan(&o.ID, &o.Ref, &o.UserID, &o.Symbol, &o.Volume, &o.Price, &o.SubmittedAt, &o.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func scanPositions(rows pgx.Rows) ([]models.Position, error) {
	var positions []models.Position
	for rows.Next() {
		var p models.Position
		if err := rows.Scan(&p.ID, &p.UserID, &p.Symbol, &p.Volume, &p.OpenPrice, &p.OpenDate); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return positions, nil
}
