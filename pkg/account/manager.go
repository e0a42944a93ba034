package account

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

// Manager owns every User and Position. All balance and margin changes go
// through it so the conservation invariant is enforced in one place: for a
// user, available + used changes only by realized PnL, never by placement.
//
// In-memory maps are the source of truth; when constructed with a data dir
// the same state is written through to pebble and reloaded at startup.
type Manager struct {
	mu           sync.RWMutex
	users        map[uint64]*User
	usernames    map[string]uint64
	positions    map[uuid.UUID]*Position
	liquidations []LiquidationEvent
	nextUserID   uint64
	store        *Store // nil when running memory-only
}

// NewManager creates a memory-only manager.
func NewManager() *Manager {
	return &Manager{
		users:     make(map[uint64]*User),
		usernames: make(map[string]uint64),
		positions: make(map[uuid.UUID]*Position),
	}
}

// NewManagerWithPath creates a manager backed by a pebble database and
// reloads users, positions and the liquidation log from it.
func NewManagerWithPath(dbPath string) (*Manager, error) {
	store, err := NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}

	m := NewManager()
	m.store = store

	users, err := store.LoadUsers()
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	for _, u := range users {
		m.users[u.ID] = u
		m.usernames[u.Username] = u.ID
		if u.ID > m.nextUserID {
			m.nextUserID = u.ID
		}
	}
	if id, err := store.NextUserID(); err == nil && id > m.nextUserID {
		m.nextUserID = id
	}

	positions, err := store.LoadPositions()
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	for _, p := range positions {
		m.positions[p.ID] = p
	}

	liqs, err := store.LoadLiquidations()
	if err != nil {
		return nil, fmt.Errorf("load liquidations: %w", err)
	}
	m.liquidations = liqs

	return m, nil
}

// Close closes the underlying database, if any.
func (m *Manager) Close() error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}

// CreateUser registers a new user with the given bcrypt hash and starting
// balance. Usernames are unique; users are never deleted.
func (m *Manager) CreateUser(username, passwordHash string, startingBalance decimal.Decimal) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.usernames[username]; taken {
		return User{}, ErrUsernameTaken
	}

	id := m.nextUserID + 1
	u := &User{
		ID:               id,
		Username:         username,
		PasswordHash:     passwordHash,
		AvailableBalance: startingBalance,
		UsedMargin:       decimal.Zero,
		CreatedAt:        time.Now().UTC(),
	}

	if m.store != nil {
		if err := m.store.SaveUser(u); err != nil {
			return User{}, err
		}
		if err := m.store.SaveNextUserID(id); err != nil {
			return User{}, err
		}
	}

	m.nextUserID = id
	m.users[u.ID] = u
	m.usernames[username] = u.ID
	return *u, nil
}

// Authenticate verifies a username/password pair.
func (m *Manager) Authenticate(username, password string) (User, error) {
	m.mu.RLock()
	id, ok := m.usernames[username]
	var u User
	if ok {
		u = *m.users[id]
	}
	m.mu.RUnlock()

	if !ok {
		// Still burn a bcrypt comparison so the failure mode does not
		// reveal whether the username exists.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5B0x0sY5nR1W8O0uC9W6rR9S1mG7m"), []byte(password))
		return User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

// User returns a snapshot of the user.
func (m *Manager) User(id uint64) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return *u, nil
}

// UserByName returns a snapshot of the user with the given username.
func (m *Manager) UserByName(username string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.usernames[username]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return *m.users[id], nil
}

// DebitAvailable removes amount from the user's available balance.
func (m *Manager) DebitAvailable(userID uint64, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	next := *u
	next.AvailableBalance = u.AvailableBalance.Sub(amount)
	if next.AvailableBalance.IsNegative() {
		return fmt.Errorf("%w: available %s, need %s", ErrInsufficientFunds, u.AvailableBalance, amount)
	}
	return m.commitUser(u, next)
}

// CreditAvailable adds amount to the user's available balance.
func (m *Manager) CreditAvailable(userID uint64, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	if amount.IsNegative() {
		return fmt.Errorf("credit amount cannot be negative: %s", amount)
	}
	next := *u
	next.AvailableBalance = u.AvailableBalance.Add(amount)
	return m.commitUser(u, next)
}

// MoveAvailableToUsed reserves amount of available balance as used margin.
func (m *Manager) MoveAvailableToUsed(userID uint64, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	next, err := reserveMargin(u, amount)
	if err != nil {
		return err
	}
	return m.commitUser(u, next)
}

// reserveMargin returns a copy of the user with amount moved from available
// to used margin. The caller's user is untouched.
func reserveMargin(u *User, amount decimal.Decimal) (User, error) {
	next := *u
	next.AvailableBalance = u.AvailableBalance.Sub(amount)
	if next.AvailableBalance.IsNegative() {
		return User{}, fmt.Errorf("%w: available %s, need %s", ErrInsufficientFunds, u.AvailableBalance, amount)
	}
	next.UsedMargin = u.UsedMargin.Add(amount)
	return next, nil
}

// MoveUsedToAvailable releases amount of used margin back to available.
func (m *Manager) MoveUsedToAvailable(userID uint64, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	next := *u
	next.UsedMargin = u.UsedMargin.Sub(amount)
	if next.UsedMargin.IsNegative() {
		return fmt.Errorf("%w: used margin %s, release %s", ErrInsufficientFunds, u.UsedMargin, amount)
	}
	next.AvailableBalance = u.AvailableBalance.Add(amount)
	return m.commitUser(u, next)
}

// commitUser persists the new user state and only then makes it visible in
// memory. A failed write leaves the user exactly as it was.
func (m *Manager) commitUser(u *User, next User) error {
	if m.store != nil {
		if err := m.store.SaveUser(&next); err != nil {
			return err
		}
	}
	*u = next
	return nil
}

// OpenSpec describes a validated fill ready to become a position.
type OpenSpec struct {
	UserID           uint64
	Symbol           string
	Side             Side
	Leverage         uint32
	Margin           decimal.Decimal
	PositionSize     decimal.Decimal
	Quantity         decimal.Decimal
	EntryPrice       decimal.Decimal
	LiquidationPrice decimal.Decimal
}

// OpenPosition atomically reserves the margin and inserts the position.
// Either both take effect or neither: the reservation and the position land
// in one pebble batch, and memory changes only after that batch commits, so
// a crash or write failure can never surface margin reserved for a position
// that does not exist.
func (m *Manager) OpenPosition(spec OpenSpec) (Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[spec.UserID]
	if !ok {
		return Position{}, ErrUserNotFound
	}
	nextUser, err := reserveMargin(u, spec.Margin)
	if err != nil {
		return Position{}, err
	}

	p := &Position{
		ID:               uuid.New(),
		UserID:           spec.UserID,
		Symbol:           spec.Symbol,
		Side:             spec.Side,
		Leverage:         spec.Leverage,
		Margin:           spec.Margin,
		PositionSize:     spec.PositionSize,
		Quantity:         spec.Quantity,
		EntryPrice:       spec.EntryPrice,
		CurrentPrice:     spec.EntryPrice,
		UnrealizedPnl:    decimal.Zero,
		RealizedPnl:      decimal.Zero,
		RoiPercent:       decimal.Zero,
		LiquidationPrice: spec.LiquidationPrice,
		MarginRatio:      decimal.NewFromInt(1),
		Status:           StatusOpen,
		OpenedAt:         time.Now().UTC(),
	}

	if m.store != nil {
		b := m.store.NewBatch()
		defer b.Close()
		if err := b.SaveUser(&nextUser); err != nil {
			return Position{}, err
		}
		if err := b.SavePosition(p); err != nil {
			return Position{}, err
		}
		if err := b.Commit(); err != nil {
			return Position{}, err
		}
	}

	*u = nextUser
	m.positions[p.ID] = p
	return *p, nil
}

// Position returns a snapshot of the position.
func (m *Manager) Position(id uuid.UUID) (Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.positions[id]
	if !ok {
		return Position{}, ErrPositionNotFound
	}
	return *p, nil
}

// UserPositions returns all positions of a user, newest first.
func (m *Manager) UserPositions(userID uint64) []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Position
	for _, p := range m.positions {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out
}

// OpenPositionCount returns the number of open positions a user holds.
func (m *Manager) OpenPositionCount(userID uint64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, p := range m.positions {
		if p.UserID == userID && p.Status == StatusOpen {
			n++
		}
	}
	return n
}

// OpenPositionsBySymbol returns snapshots of every open position on a symbol.
// The mark-to-market loop iterates these each tick.
func (m *Manager) OpenPositionsBySymbol(symbol string) []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Position
	for _, p := range m.positions {
		if p.Symbol == symbol && p.Status == StatusOpen {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// UpdatePositionMark writes the latest mark-to-market values onto an open
// position. Terminal positions are frozen: the call reports ErrPositionNotOpen.
func (m *Manager) UpdatePositionMark(id uuid.UUID, currentPrice, pnl, roi, marginRatio decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[id]
	if !ok {
		return ErrPositionNotFound
	}
	if p.Status.Terminal() {
		return ErrPositionNotOpen
	}

	next := *p
	next.CurrentPrice = currentPrice
	next.UnrealizedPnl = pnl
	next.RoiPercent = roi
	next.MarginRatio = marginRatio

	if m.store != nil {
		if err := m.store.SavePositionNoSync(&next); err != nil {
			return err
		}
	}
	*p = next
	return nil
}

// Settlement describes a terminal transition of an open position together
// with its balance effects.
type Settlement struct {
	PositionID  uuid.UUID
	RealizedPnl decimal.Decimal
	// Payout is credited to the user's available balance; the position's
	// full margin is released from used margin.
	Payout decimal.Decimal
	Status Status
	// Event is recorded iff Status is StatusLiquidated.
	Event *LiquidationEvent
}

// Settle atomically releases the position's margin, credits the payout and
// transitions the position to its terminal status. Settling an already
// terminal position reports ErrPositionNotOpen and changes nothing, which
// makes close and liquidation mutually exclusive.
func (m *Manager) Settle(s Settlement) (Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[s.PositionID]
	if !ok {
		return Position{}, ErrPositionNotFound
	}
	if p.Status.Terminal() {
		return Position{}, ErrPositionNotOpen
	}
	if !s.Status.Terminal() {
		return Position{}, fmt.Errorf("settle requires a terminal status, got %q", s.Status)
	}

	u, ok := m.users[p.UserID]
	if !ok {
		return Position{}, ErrUserNotFound
	}
	nextUser := *u
	nextUser.UsedMargin = u.UsedMargin.Sub(p.Margin)
	if nextUser.UsedMargin.IsNegative() {
		return Position{}, fmt.Errorf("%w: used margin %s below position margin %s", ErrInsufficientFunds, u.UsedMargin, p.Margin)
	}
	if s.Payout.IsNegative() {
		return Position{}, fmt.Errorf("payout cannot be negative: %s", s.Payout)
	}
	nextUser.AvailableBalance = u.AvailableBalance.Add(s.Payout)

	now := time.Now().UTC()
	nextPos := *p
	nextPos.Status = s.Status
	nextPos.RealizedPnl = s.RealizedPnl
	nextPos.UnrealizedPnl = s.RealizedPnl
	nextPos.ClosedAt = &now

	var ev *LiquidationEvent
	if s.Event != nil && s.Status == StatusLiquidated {
		e := *s.Event
		e.Timestamp = now
		ev = &e
	}

	if m.store != nil {
		b := m.store.NewBatch()
		defer b.Close()
		if err := b.SaveUser(&nextUser); err != nil {
			return Position{}, err
		}
		if err := b.SavePosition(&nextPos); err != nil {
			return Position{}, err
		}
		if ev != nil {
			if err := b.SaveLiquidation(*ev); err != nil {
				return Position{}, err
			}
		}
		if err := b.Commit(); err != nil {
			return Position{}, err
		}
	}

	*u = nextUser
	*p = nextPos
	if ev != nil {
		m.liquidations = append(m.liquidations, *ev)
	}
	return *p, nil
}

// Liquidations returns the liquidation log in time order.
func (m *Manager) Liquidations() []LiquidationEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]LiquidationEvent, len(m.liquidations))
	copy(out, m.liquidations)
	return out
}

// SystemBalance sums available + used margin across all users. Placement
// leaves it unchanged; only realized PnL moves it.
func (m *Manager) SystemBalance() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, u := range m.users {
		total = total.Add(u.AvailableBalance).Add(u.UsedMargin)
	}
	return total
}

// UserCount returns the number of registered users.
func (m *Manager) UserCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}
