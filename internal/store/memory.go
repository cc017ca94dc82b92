package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tmarkov/exchange/internal/models"

	"github.com/google/btree"
)

// bookEntry is the book-side index of a resting order: just enough to
// define matching priority and find the full row.
type bookEntry struct {
	id          int64
	price       int64
	submittedAt time.Time
}

// bidLess orders the bid side: price descending, then submitted_at
// ascending, then id ascending, so Ascend visits the best bid first.
func bidLess(a, b bookEntry) bool {
	if a.price != b.price {
		return a.price > b.price
	}
	if !a.submittedAt.Equal(b.submittedAt) {
		return a.submittedAt.Before(b.submittedAt)
	}
	return a.id < b.id
}

// askLess orders the ask side: price ascending, then submitted_at
// ascending, then id ascending.
func askLess(a, b bookEntry) bool {
	if a.price != b.price {
		return a.price < b.price
	}
	if !a.submittedAt.Equal(b.submittedAt) {
		return a.submittedAt.Before(b.submittedAt)
	}
	return a.id < b.id
}

type memBook struct {
	bids *btree.BTreeG[bookEntry]
	asks *btree.BTreeG[bookEntry]
}

const btreeDegree = 32

func newMemBook() *memBook {
	return &memBook{
		bids: btree.NewG(btreeDegree, bidLess),
		asks: btree.NewG(btreeDegree, askLess),
	}
}

func (b *memBook) side(s models.Side) *btree.BTreeG[bookEntry] {
	if s == models.SideBuy {
		return b.bids
	}
	return b.asks
}

// memState holds the whole ledger. Its methods implement Queries without
// locking; Memory provides the locking and snapshot semantics around it.
type memState struct {
	users           map[int64]*models.User
	usersByEmail    map[string]int64
	usersByUsername map[string]int64
	orders          map[models.Side]map[int64]*models.Order
	books           map[string]*memBook
	positions       map[int64]*models.Position
	transactions    []models.Transaction

	nextUserID, nextOrderID, nextPositionID, nextTxID int64
}

func newMemState() *memState {
	return &memState{
		users:           make(map[int64]*models.User),
		usersByEmail:    make(map[string]int64),
		usersByUsername: make(map[string]int64),
		orders: map[models.Side]map[int64]*models.Order{
			models.SideBuy:  {},
			models.SideSell: {},
		},
		books:     make(map[string]*memBook),
		positions: make(map[int64]*models.Position),
	}
}

// clone deep-copies the state. Book trees use btree's copy-on-write
// Clone, so both copies may be mutated independently afterwards.
func (s *memState) clone() *memState {
	c := newMemState()
	c.nextUserID, c.nextOrderID, c.nextPositionID, c.nextTxID = s.nextUserID, s.nextOrderID, s.nextPositionID, s.nextTxID
	for id, u := range s.users {
		cu := *u
		c.users[id] = &cu
	}
	for email, id := range s.usersByEmail {
		c.usersByEmail[email] = id
	}
	for name, id := range s.usersByUsername {
		c.usersByUsername[name] = id
	}
	for side, m := range s.orders {
		for id, o := range m {
			co := *o
			c.orders[side][id] = &co
		}
	}
	for sym, b := range s.books {
		c.books[sym] = &memBook{bids: b.bids.Clone(), asks: b.asks.Clone()}
	}
	for id, p := range s.positions {
		cp := *p
		c.positions[id] = &cp
	}
	c.transactions = append([]models.Transaction(nil), s.transactions...)
	return c
}

func (s *memState) book(symbol string) *memBook {
	b, ok := s.books[symbol]
	if !ok {
		b = newMemBook()
		s.books[symbol] = b
	}
	return b
}

func (s *memState) CreateUser(ctx context.Context, username, email, passwordHash string, balance int64) (*models.User, error) {
	if _, ok := s.usersByEmail[email]; ok {
		return nil, fmt.Errorf("user already exists: %w", ErrConflict)
	}
	if _, ok := s.usersByUsername[username]; ok {
		return nil, fmt.Errorf("user already exists: %w", ErrConflict)
	}
	s.nextUserID++
	u := &models.User{
		ID:           s.nextUserID,
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		Balance:      balance,
		CreatedAt:    time.Now().UTC(),
	}
	s.users[u.ID] = u
	s.usersByEmail[email] = u.ID
	s.usersByUsername[username] = u.ID
	out := *u
	return &out, nil
}

func (s *memState) UserByID(ctx context.Context, id int64) (*models.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	out := *u
	return &out, nil
}

func (s *memState) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	id, ok := s.usersByEmail[email]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", email, ErrNotFound)
	}
	return s.UserByID(ctx, id)
}

func (s *memState) AdjustBalance(ctx context.Context, userID, delta int64) error {
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	u.Balance += delta
	return nil
}

func (s *memState) CounterOrders(ctx context.Context, symbol string, takerSide models.Side, limitPrice int64, now time.Time) ([]models.Order, error) {
	if !takerSide.Valid() {
		return nil, fmt.Errorf("unknown side %q", takerSide)
	}
	counterSide := takerSide.Opposite()
	tree := s.book(symbol).side(counterSide)

	var eligible []models.Order
	tree.Ascend(func(e bookEntry) bool {
		// Trees are ordered best price first, so the first
		// price-ineligible entry ends the scan.
		if takerSide == models.SideBuy && e.price > limitPrice {
			return false
		}
		if takerSide == models.SideSell && e.price < limitPrice {
			return false
		}
		o, ok := s.orders[counterSide][e.id]
		if !ok {
			return true
		}
		if o.Expired(now) {
			// Excluded from matching but left on the book.
			return true
		}
		eligible = append(eligible, *o)
		return true
	})
	return eligible, nil
}

func (s *memState) OrderByID(ctx context.Context, side models.Side, id int64) (*models.Order, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("unknown side %q", side)
	}
	o, ok := s.orders[side][id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	out := *o
	return &out, nil
}

func (s *memState) InsertOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	if !o.Side.Valid() {
		return nil, fmt.Errorf("unknown side %q", o.Side)
	}
	s.nextOrderID++
	inserted := *o
	inserted.ID = s.nextOrderID
	s.orders[o.Side][inserted.ID] = &inserted
	s.book(o.Symbol).side(o.Side).ReplaceOrInsert(bookEntry{
		id:          inserted.ID,
		price:       inserted.Price,
		submittedAt: inserted.SubmittedAt,
	})
	out := inserted
	return &out, nil
}

func (s *memState) ReduceOrder(ctx context.Context, side models.Side, id, newVolume int64) error {
	o, ok := s.orders[side][id]
	if !ok {
		return fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	o.Volume = newVolume
	return nil
}

func (s *memState) DeleteOrder(ctx context.Context, side models.Side, id int64) error {
	o, ok := s.orders[side][id]
	if !ok {
		return fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	delete(s.orders[side], id)
	s.book(o.Symbol).side(side).Delete(bookEntry{id: o.ID, price: o.Price, submittedAt: o.SubmittedAt})
	return nil
}

func (s *memState) DeleteUserOrder(ctx context.Context, side models.Side, id, userID int64) error {
	o, ok := s.orders[side][id]
	if !ok || o.UserID != userID {
		return fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	return s.DeleteOrder(ctx, side, id)
}

func (s *memState) UserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	var orders []models.Order
	for _, side := range []models.Side{models.SideBuy, models.SideSell} {
		for _, o := range s.orders[side] {
			if o.UserID == userID {
				orders = append(orders, *o)
			}
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].SubmittedAt.Equal(orders[j].SubmittedAt) {
			return orders[i].SubmittedAt.Before(orders[j].SubmittedAt)
		}
		return orders[i].ID < orders[j].ID
	})
	return orders, nil
}

func (s *memState) BookOrders(ctx context.Context, symbol string, side models.Side, now time.Time) ([]models.Order, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("unknown side %q", side)
	}
	var orders []models.Order
	s.book(symbol).side(side).Ascend(func(e bookEntry) bool {
		o, ok := s.orders[side][e.id]
		if ok && !o.Expired(now) {
			orders = append(orders, *o)
		}
		return true
	})
	return orders, nil
}

func (s *memState) DeleteExpiredOrders(ctx context.Context, now time.Time) (int64, error) {
	var purged int64
	for _, side := range []models.Side{models.SideBuy, models.SideSell} {
		for id, o := range s.orders[side] {
			if o.Expired(now) {
				delete(s.orders[side], id)
				s.book(o.Symbol).side(side).Delete(bookEntry{id: o.ID, price: o.Price, submittedAt: o.SubmittedAt})
				purged++
			}
		}
	}
	return purged, nil
}

func (s *memState) PositionsBySymbol(ctx context.Context, userID int64, symbol string) ([]models.Position, error) {
	var positions []models.Position
	for _, p := range s.positions {
		if p.UserID == userID && p.Symbol == symbol {
			positions = append(positions, *p)
		}
	}
	sortPositions(positions)
	return positions, nil
}

func (s *memState) PositionVolume(ctx context.Context, userID int64, symbol string) (int64, error) {
	var total int64
	for _, p := range s.positions {
		if p.UserID == userID && p.Symbol == symbol {
			total += p.Volume
		}
	}
	return total, nil
}

func (s *memState) UserPositions(ctx context.Context, userID int64) ([]models.Position, error) {
	var positions []models.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			positions = append(positions, *p)
		}
	}
	sortPositions(positions)
	return positions, nil
}

func (s *memState) InsertPosition(ctx context.Context, p *models.Position) error {
	s.nextPositionID++
	p.ID = s.nextPositionID
	stored := *p
	s.positions[stored.ID] = &stored
	return nil
}

func (s *memState) ReducePosition(ctx context.Context, id, newVolume int64) error {
	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	p.Volume = newVolume
	return nil
}

func (s *memState) DeletePosition(ctx context.Context, id int64) error {
	if _, ok := s.positions[id]; !ok {
		return fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	delete(s.positions, id)
	return nil
}

func (s *memState) InsertTransaction(ctx context.Context, t *models.Transaction) error {
	s.nextTxID++
	t.ID = s.nextTxID
	s.transactions = append(s.transactions, *t)
	return nil
}

func (s *memState) UserTransactions(ctx context.Context, userID int64) ([]models.Transaction, error) {
	var txns []models.Transaction
	for _, t := range s.transactions {
		if t.BuyerID == userID || t.SellerID == userID {
			txns = append(txns, t)
		}
	}
	return txns, nil
}

func sortPositions(positions []models.Position) {
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].Symbol != positions[j].Symbol {
			return positions[i].Symbol < positions[j].Symbol
		}
		if positions[i].OpenPrice != positions[j].OpenPrice {
			return positions[i].OpenPrice < positions[j].OpenPrice
		}
		return positions[i].ID < positions[j].ID
	})
}

var (
	_ Queries = (*memState)(nil)
	_ Store   = (*Memory)(nil)
)

// Memory is an in-process Store used by tests and the no-database demo
// mode. Atomic units are rolled back by restoring a state snapshot.
type Memory struct {
	mu sync.Mutex
	st *memState
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{st: newMemState()}
}

// Atomic runs fn against the live state under the store lock. If fn
// returns an error the pre-call snapshot is restored, so partial
// mutations never become visible.
func (m *Memory) Atomic(ctx context.Context, fn func(q Queries) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.st.clone()
	if err := fn(m.st); err != nil {
		m.st = snap
		return err
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() {}

func (m *Memory) CreateUser(ctx context.Context, username, email, passwordHash string, balance int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CreateUser(ctx, username, email, passwordHash, balance)
}

func (m *Memory) UserByID(ctx context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UserByID(ctx, id)
}

func (m *Memory) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UserByEmail(ctx, email)
}

func (m *Memory) AdjustBalance(ctx context.Context, userID, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.AdjustBalance(ctx, userID, delta)
}

func (m *Memory) CounterOrders(ctx context.Context, symbol string, takerSide models.Side, limitPrice int64, now time.Time) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CounterOrders(ctx, symbol, takerSide, limitPrice, now)
}

func (m *Memory) OrderByID(ctx context.Context, side models.Side, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.OrderByID(ctx, side, id)
}

func (m *Memory) InsertOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.InsertOrder(ctx, o)
}

func (m *Memory) ReduceOrder(ctx context.Context, side models.Side, id, newVolume int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ReduceOrder(ctx, side, id, newVolume)
}

func (m *Memory) DeleteOrder(ctx context.Context, side models.Side, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.DeleteOrder(ctx, side, id)
}

func (m *Memory) DeleteUserOrder(ctx context.Context, side models.Side, id, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.DeleteUserOrder(ctx, side, id, userID)
}

func (m *Memory) UserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UserOrders(ctx, userID)
}

func (m *Memory) BookOrders(ctx context.Context, symbol string, side models.Side, now time.Time) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.BookOrders(ctx, symbol, side, now)
}

func (m *Memory) DeleteExpiredOrders(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.DeleteExpiredOrders(ctx, now)
}

func (m *Memory) PositionsBySymbol(ctx context.Context, userID int64, symbol string) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.PositionsBySymbol(ctx, userID, symbol)
}

func (m *Memory) PositionVolume(ctx context.Context, userID int64, symbol string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.PositionVolume(ctx, userID, symbol)
}

func (m *Memory) UserPositions(ctx context.Context, userID int64) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UserPositions(ctx, userID)
}

func (m *Memory) InsertPosition(ctx context.Context, p *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.InsertPosition(ctx, p)
}

func (m *Memory) ReducePosition(ctx context.Context, id, newVolume int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ReducePosition(ctx, id, newVolume)
}

func (m *Memory) DeletePosition(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.DeletePosition(ctx, id)
}

func (m *Memory) InsertTransaction(ctx context.Context, t *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.InsertTransaction(ctx, t)
}

func (m *Memory) UserTransactions(ctx context.Context, userID int64) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UserTransactions(ctx, userID)
}
